package rewards

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider issues rewards through a JSON HTTP API.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPProvider returns a provider posting to endpoint. timeout bounds
// each request on top of the caller's context.
func NewHTTPProvider(endpoint, apiKey string, timeout time.Duration) (*HTTPProvider, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("rewards endpoint is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// IssueReward implements Provider. Any non-2xx status is an error.
func (p *HTTPProvider) IssueReward(ctx context.Context, req IssueRequest) (IssueResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return IssueResult{}, fmt.Errorf("failed to encode issue request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/rewards/issue", bytes.NewReader(payload))
	if err != nil {
		return IssueResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("X-API-Key", p.apiKey)
	}
	// Lets the provider dedupe replays of the same transaction.
	httpReq.Header.Set("Idempotency-Key", req.TransactionRef)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return IssueResult{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return IssueResult{}, fmt.Errorf("rewards api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result IssueResult
	if err := json.Unmarshal(body, &result); err != nil {
		return IssueResult{}, fmt.Errorf("failed to decode issue response: %w", err)
	}
	if result.VoucherCode == "" {
		return IssueResult{}, errors.New("rewards api returned no voucher code")
	}
	return result, nil
}
