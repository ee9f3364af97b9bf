// Package rewards issues vouchers through an external rewards provider.
package rewards

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IssueRequest identifies the reward to issue and the transaction it is for.
type IssueRequest struct {
	UserRef        string            `json:"user_ref"`
	TemplateID     string            `json:"template_id"`
	CampaignRef    string            `json:"campaign_ref,omitempty"`
	TransactionRef string            `json:"transaction_ref"`
	ProgramID      string            `json:"program_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// IssueResult is what the provider returns for an issued reward.
type IssueResult struct {
	VoucherCode string    `json:"voucher_code"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Provider issues rewards. Implementations must honor ctx cancellation.
type Provider interface {
	IssueReward(ctx context.Context, req IssueRequest) (IssueResult, error)
}

// ErrProviderUnavailable is returned by MockProvider when failures are
// injected.
var ErrProviderUnavailable = errors.New("rewards provider unavailable")

const voucherTTL = 7 * 24 * time.Hour

// MockProvider issues random voucher codes. Failures can be injected for
// testing retry paths.
type MockProvider struct {
	mu       sync.Mutex
	failures int
	delay    time.Duration
	calls    int
}

// NewMockProvider returns a MockProvider that always succeeds.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// FailNext makes the next n calls return ErrProviderUnavailable.
func (m *MockProvider) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// SetDelay makes every call wait d before answering.
func (m *MockProvider) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Calls returns how many times IssueReward was invoked.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// IssueReward implements Provider.
func (m *MockProvider) IssueReward(ctx context.Context, req IssueRequest) (IssueResult, error) {
	m.mu.Lock()
	m.calls++
	delay := m.delay
	fail := m.failures > 0
	if fail {
		m.failures--
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return IssueResult{}, ctx.Err()
		}
	}
	if fail {
		return IssueResult{}, ErrProviderUnavailable
	}

	code, _, _ := strings.Cut(uuid.NewString(), "-")
	return IssueResult{
		VoucherCode: strings.ToUpper(code),
		ExpiresAt:   time.Now().Add(voucherTTL).UTC(),
	}, nil
}
