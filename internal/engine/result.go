package engine

import (
	"errors"
	"fmt"

	"reward-decision-api/internal/models"
)

// Reason codes returned with every result.
const (
	ReasonDuplicate        = "duplicate"
	ReasonInProgress       = "in_progress"
	ReasonClaimedElsewhere = "claimed_elsewhere"
	ReasonNoActiveCampaign = "no_active_campaign"
	ReasonOutsideWindow    = "outside_window"
	ReasonIneligible       = "ineligible"
	ReasonRewardIssued     = "reward_issued"
	ReasonIssueFailed      = "issue_failed"
	ReasonTemplateMissing  = "template_missing"
	ReasonRuleCapped       = "rule_capped"
	ReasonNoRewardRule     = "no_reward_rule"
)

var (
	// ErrIntegrity marks a broken store invariant: a row that must exist is
	// gone, or a claimed row changed under its owner.
	ErrIntegrity = errors.New("decision store integrity violation")
	// ErrInvalidEvent is returned for events missing a transaction or program id.
	ErrInvalidEvent = errors.New("invalid transaction event")
)

func integrityError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

// Result is the outcome of ProcessTransaction.
type Result struct {
	Decision    models.DecisionLog
	IsDuplicate bool
	Reason      string
	Reward      *models.RewardSummary
	Competition models.CompetitionSummary
	Trace       []models.TraceStep
}

// Retryable reports whether replaying the transaction may still issue a
// reward.
func (r Result) Retryable() bool {
	return r.Decision.Status == models.StatusIssueFailed
}

// Response converts the result to its wire form.
func (r Result) Response() models.DecisionResponse {
	d := r.Decision
	competition := r.Competition
	return models.DecisionResponse{
		DecisionID:            d.ID,
		TransactionID:         d.TransactionID,
		ProgramID:             d.ProgramID,
		CounterValue:          d.CounterValue,
		OutcomeType:           d.OutcomeType,
		Status:                d.Status,
		IsDuplicate:           r.IsDuplicate,
		Reward:                r.Reward,
		CompetitionEntry:      &competition,
		CampaignVersionID:     d.CampaignVersionID,
		CampaignVersionNumber: d.CampaignVersionNumber,
		MatchedRuleID:         d.MatchedRuleID,
		MatchedRuleN:          d.MatchedRuleN,
		MatchedRulePriority:   d.MatchedRulePriority,
		Reason:                r.Reason,
		Trace:                 r.Trace,
	}
}

// fromStored builds a result straight from a persisted row, as returned for
// duplicates.
func fromStored(d *models.DecisionLog, reason string, isDuplicate bool) Result {
	return Result{
		Decision:    *d,
		IsDuplicate: isDuplicate,
		Reason:      reason,
		Reward:      rewardSummary(d),
		Competition: models.CompetitionSummary{
			Granted:           d.CompetitionEntry,
			MessageTemplateID: d.EntryMessageTemplateID,
		},
		Trace: d.Trace,
	}
}

func rewardSummary(d *models.DecisionLog) *models.RewardSummary {
	if d.RewardTemplateID == "" {
		return nil
	}
	status := "failed"
	if d.Status == models.StatusIssued {
		status = "issued"
	}
	return &models.RewardSummary{
		TemplateID:   d.RewardTemplateID,
		TemplateName: d.RewardTemplateName,
		VoucherCode:  d.VoucherCode,
		Status:       status,
	}
}

func step(name, detail string) models.TraceStep {
	return models.TraceStep{Step: name, Detail: detail}
}

// appendTrace copies base before appending so stored traces are never
// aliased.
func appendTrace(base []models.TraceStep, steps ...models.TraceStep) []models.TraceStep {
	out := make([]models.TraceStep, 0, len(base)+len(steps))
	out = append(out, base...)
	return append(out, steps...)
}
