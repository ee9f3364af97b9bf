package engine

import (
	"context"
	"time"

	"reward-decision-api/internal/models"
)

// CampaignSource resolves the campaign currently active for a program.
type CampaignSource interface {
	// GetActiveCampaign returns nil, nil when the program has no live campaign.
	GetActiveCampaign(ctx context.Context, programID string) (*models.Campaign, error)
}

// Store is the durable state the engine coordinates through. Mutual
// exclusion between callers comes only from ReserveDecision's uniqueness on
// transaction id and the conditional updates in ClaimDecision and
// UpdateDecision.
type Store interface {
	CampaignSource

	// GetDecision and GetDecisionByTransactionID return nil, nil when absent.
	GetDecision(ctx context.Context, id string) (*models.DecisionLog, error)
	GetDecisionByTransactionID(ctx context.Context, transactionID string) (*models.DecisionLog, error)

	// CreateDecision inserts a terminal decision, or returns the existing row
	// for the transaction with isDuplicate set.
	CreateDecision(ctx context.Context, d *models.DecisionLog) (*models.DecisionLog, bool, error)

	// ReserveDecision atomically takes the next reward counter of the version
	// and inserts a pending decision, or returns the existing row for the
	// transaction with isDuplicate set and no counter consumed.
	ReserveDecision(ctx context.Context, d *models.DecisionLog) (*models.DecisionLog, bool, error)

	// ClaimDecision moves a decision to issuing. It returns nil, nil when the
	// row was not in one of the claim's source statuses.
	ClaimDecision(ctx context.Context, id string, claim models.DecisionClaim) (*models.DecisionLog, error)

	// UpdateDecision applies u only while the row is in u.From.
	UpdateDecision(ctx context.Context, id string, u models.DecisionUpdate) (*models.DecisionLog, error)

	IncrementNonRewardCounter(ctx context.Context, versionID string) (int64, error)

	// CountRuleWins counts issued decisions for (version, rule), restricted to
	// occurrences at or after since when it is non-nil.
	CountRuleWins(ctx context.Context, versionID, ruleID string, since *time.Time) (int, error)

	// GetRewardTemplate returns nil, nil when the template does not exist.
	GetRewardTemplate(ctx context.Context, id string) (*models.RewardTemplate, error)
}

// Publisher receives every decision the engine returns.
type Publisher interface {
	PublishDecision(ctx context.Context, decision models.DecisionLog, reason string, isDuplicate bool)
}
