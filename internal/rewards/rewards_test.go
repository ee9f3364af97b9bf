package rewards

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockProvider(t *testing.T) {
	p := NewMockProvider()
	res, err := p.IssueReward(context.Background(), IssueRequest{TemplateID: "t1"})
	require.NoError(t, err)
	assert.Len(t, res.VoucherCode, 8)
	assert.True(t, res.ExpiresAt.After(time.Now().Add(6*24*time.Hour)))

	p.FailNext(1)
	_, err = p.IssueReward(context.Background(), IssueRequest{})
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	_, err = p.IssueReward(context.Background(), IssueRequest{})
	assert.NoError(t, err)
	assert.Equal(t, 3, p.Calls())
}

func TestMockProviderHonorsContext(t *testing.T) {
	p := NewMockProvider()
	p.SetDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.IssueReward(ctx, IssueRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rewards/issue", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "tx-1", r.Header.Get("Idempotency-Key"))

		var req IssueRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tpl", req.TemplateID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(IssueResult{VoucherCode: "VC-1"})
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(srv.URL, "secret", time.Second)
	require.NoError(t, err)

	res, err := p.IssueReward(context.Background(), IssueRequest{TemplateID: "tpl", TransactionRef: "tx-1"})
	require.NoError(t, err)
	assert.Equal(t, "VC-1", res.VoucherCode)
}

func TestHTTPProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(srv.URL, "", time.Second)
	require.NoError(t, err)

	_, err = p.IssueReward(context.Background(), IssueRequest{TransactionRef: "tx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNewHTTPProviderRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPProvider("  ", "", 0)
	assert.Error(t, err)
}
