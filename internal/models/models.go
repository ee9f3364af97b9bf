package models

import "time"

// TransactionEvent is a single transaction delivered for decisioning.
type TransactionEvent struct {
	TransactionID string    `json:"transaction_id"`
	ProgramID     string    `json:"program_id"`
	Timestamp     time.Time `json:"timestamp"`
	Amount        int64     `json:"amount"` // integer minor units
	StoreID       string    `json:"store_id"`
	Channel       string    `json:"channel,omitempty"`
	MCC           string    `json:"mcc,omitempty"`
}

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft  CampaignStatus = "draft"
	CampaignStatusLive   CampaignStatus = "live"
	CampaignStatusPaused CampaignStatus = "paused"
)

// VersionStatus is the lifecycle state of a campaign version.
type VersionStatus string

const (
	VersionStatusDraft     VersionStatus = "draft"
	VersionStatusPublished VersionStatus = "published"
	VersionStatusArchived  VersionStatus = "archived"
)

// Campaign is a retailer program campaign together with its current version.
type Campaign struct {
	ID               string           `json:"id"`
	ProgramID        string           `json:"program_id"`
	Name             string           `json:"name"`
	Status           CampaignStatus   `json:"status"`
	StartAt          time.Time        `json:"start_at"`
	EndAt            *time.Time       `json:"end_at,omitempty"`
	CurrentVersionID string           `json:"current_version_id,omitempty"`
	CurrentVersion   *CampaignVersion `json:"current_version,omitempty"`
}

// CampaignVersion is an immutable-by-convention snapshot of a campaign config.
type CampaignVersion struct {
	ID         string         `json:"id"`
	CampaignID string         `json:"campaign_id"`
	Version    int            `json:"version"`
	Status     VersionStatus  `json:"status"`
	Config     CampaignConfig `json:"config"`
	CreatedAt  time.Time      `json:"created_at"`
}

// CampaignConfig is the decisioning configuration embedded in a version.
type CampaignConfig struct {
	Eligibility     EligibilityConfig     `json:"eligibility"`
	RewardRules     []RewardRuleConfig    `json:"reward_rules"`
	CompetitionRule CompetitionRuleConfig `json:"competition_rule"`
}

// TimeWindow is a local time-of-day range in "HH:MM" form. A window whose end
// is before its start wraps past midnight.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// EligibilityConfig holds the allow-lists a transaction must pass. Empty lists
// allow everything.
type EligibilityConfig struct {
	MinSpend    int64          `json:"min_spend,omitempty"`
	Stores      []string       `json:"stores,omitempty"`
	Channels    []string       `json:"channels,omitempty"`
	MCCs        []string       `json:"mccs,omitempty"`
	DaysOfWeek  []time.Weekday `json:"days_of_week,omitempty"` // 0 = Sunday
	TimeWindows []TimeWindow   `json:"time_windows,omitempty"`
}

// RewardRuleConfig fires on every Nth reserved transaction.
type RewardRuleConfig struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Nth               int64  `json:"nth"`
	RewardTemplateID  string `json:"reward_template_id"`
	Priority          int    `json:"priority"`
	Enabled           bool   `json:"enabled"`
	DailyCap          *int   `json:"daily_cap,omitempty"`
	TotalCap          *int   `json:"total_cap,omitempty"`
	MessageTemplateID string `json:"message_template_id,omitempty"`
}

// CompetitionType selects how competition entries are granted.
type CompetitionType string

const (
	CompetitionNone         CompetitionType = "none"
	CompetitionAllNonReward CompetitionType = "all_non_reward"
	CompetitionProbability  CompetitionType = "probability"
	CompetitionNthNonReward CompetitionType = "nth_non_reward"
)

// CompetitionRuleConfig configures the secondary grant on non-reward outcomes.
type CompetitionRuleConfig struct {
	Type              CompetitionType `json:"type"`
	Probability       float64         `json:"probability,omitempty"`
	Nth               int64           `json:"nth,omitempty"`
	MessageTemplateID string          `json:"message_template_id,omitempty"`
}

// RewardTemplate is the reward handed to the rewards provider.
type RewardTemplate struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Type                string    `json:"type"` // voucher, free_item, percent_off
	ProviderCampaignRef string    `json:"provider_campaign_ref,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// OutcomeType is the business outcome of a decision.
type OutcomeType string

const (
	OutcomeReward   OutcomeType = "reward"
	OutcomeNoReward OutcomeType = "no_reward"
)

// TraceStep is one entry of a decision's append-only trace.
type TraceStep struct {
	Step   string `json:"step"`
	Detail string `json:"detail"`
}

// DecisionLog is the single persisted record per transaction.
type DecisionLog struct {
	ID                     string         `json:"id"`
	TransactionID          string         `json:"transaction_id"`
	ProgramID              string         `json:"program_id"`
	CampaignID             string         `json:"campaign_id,omitempty"`
	CampaignVersionID      string         `json:"campaign_version_id,omitempty"`
	CampaignVersionNumber  int            `json:"campaign_version_number,omitempty"`
	StoreID                string         `json:"store_id,omitempty"`
	Amount                 int64          `json:"amount"`
	Channel                string         `json:"channel,omitempty"`
	MCC                    string         `json:"mcc,omitempty"`
	OccurredAt             time.Time      `json:"occurred_at"`
	CounterValue           int64          `json:"counter_value"`
	MatchedRuleID          string         `json:"matched_rule_id,omitempty"`
	MatchedRuleN           int64          `json:"matched_rule_n,omitempty"`
	MatchedRulePriority    int            `json:"matched_rule_priority,omitempty"`
	RewardTemplateID       string         `json:"reward_template_id,omitempty"`
	RewardTemplateName     string         `json:"reward_template_name,omitempty"`
	OutcomeType            OutcomeType    `json:"outcome_type"`
	Status                 DecisionStatus `json:"status"`
	VoucherCode            string         `json:"voucher_code,omitempty"`
	CompetitionEntry       bool           `json:"competition_entry"`
	MessageTemplateID      string         `json:"message_template_id,omitempty"`
	EntryMessageTemplateID string         `json:"entry_message_template_id,omitempty"`
	Trace                  []TraceStep    `json:"trace"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// DecisionUpdate is a conditional update of a decision row. The store applies
// it only while the row is still in From.
type DecisionUpdate struct {
	From                   DecisionStatus
	Status                 DecisionStatus
	OutcomeType            OutcomeType
	MatchedRuleID          string
	MatchedRuleN           int64
	MatchedRulePriority    int
	RewardTemplateID       string
	RewardTemplateName     string
	VoucherCode            string
	CompetitionEntry       bool
	MessageTemplateID      string
	EntryMessageTemplateID string
	Trace                  []TraceStep
}

// DecisionClaim moves a decision to issuing. Empty pinned fields keep the
// row's current values, which is how a retry reuses the original rule.
type DecisionClaim struct {
	From                []DecisionStatus
	MatchedRuleID       string
	MatchedRuleN        int64
	MatchedRulePriority int
	RewardTemplateID    string
	MessageTemplateID   string
}

// RewardSummary describes the reward side of a decision response.
type RewardSummary struct {
	TemplateID   string `json:"template_id"`
	TemplateName string `json:"template_name"`
	VoucherCode  string `json:"voucher_code,omitempty"`
	Status       string `json:"status"` // issued or failed
}

// CompetitionSummary describes the competition side of a decision response.
type CompetitionSummary struct {
	Granted           bool   `json:"granted"`
	MessageTemplateID string `json:"message_template_id,omitempty"`
}

// DecisionResponse is the payload returned by POST /rule-engine.
type DecisionResponse struct {
	DecisionID            string              `json:"decision_id"`
	TransactionID         string              `json:"transaction_id"`
	ProgramID             string              `json:"program_id"`
	CounterValue          int64               `json:"counter_value"`
	OutcomeType           OutcomeType         `json:"outcome_type"`
	Status                DecisionStatus      `json:"status"`
	IsDuplicate           bool                `json:"is_duplicate"`
	Reward                *RewardSummary      `json:"reward"`
	CompetitionEntry      *CompetitionSummary `json:"competition_entry"`
	CampaignVersionID     string              `json:"campaign_version_id,omitempty"`
	CampaignVersionNumber int                 `json:"campaign_version_number,omitempty"`
	MatchedRuleID         string              `json:"matched_rule_id,omitempty"`
	MatchedRuleN          int64               `json:"matched_rule_n,omitempty"`
	MatchedRulePriority   int                 `json:"matched_rule_priority,omitempty"`
	Reason                string              `json:"reason"`
	Trace                 []TraceStep         `json:"trace"`
}

// DecisionsResponse lists recent decisions.
type DecisionsResponse struct {
	Decisions []DecisionLog `json:"decisions"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DecisionRequest is the body of POST /rule-engine. Integrations send either
// snake_case or camelCase ids, so both spellings are accepted.
type DecisionRequest struct {
	TransactionID        string `json:"transaction_id"`
	TransactionIDCamel   string `json:"transactionId"`
	RetailerProgramID    string `json:"retailer_program_id"`
	RetailerProgramCamel string `json:"retailerProgramId"`
	ProgramID            string `json:"program_id"`
	ProgramIDCamel       string `json:"programId"`
	Timestamp            string `json:"timestamp"`
	Amount               int64  `json:"amount"`
	StoreID              string `json:"store_id"`
	StoreIDCamel         string `json:"storeId"`
	Channel              string `json:"channel"`
	MCC                  string `json:"mcc"`
}

// PreviewRequest is the body of POST /simulate/preview.
type PreviewRequest struct {
	CounterValue int64            `json:"counter_value" validate:"min=1"`
	Config       *CampaignConfig  `json:"config" validate:"required"`
	Templates    []RewardTemplate `json:"templates"`
}

// BatchRequest is the body of POST /simulate/batch.
type BatchRequest struct {
	CounterStart          int64           `json:"counter_start" validate:"min=0"`
	Count                 int64           `json:"count" validate:"min=1,max=1000000"`
	Config                *CampaignConfig `json:"config" validate:"required"`
	NonRewardCounterStart int64           `json:"non_reward_counter_start" validate:"min=0"`
}

// RatesRequest is the body of POST /simulate/rates.
type RatesRequest struct {
	RewardRules []RewardRuleConfig `json:"reward_rules"`
	SampleLimit int64              `json:"sample_limit" validate:"min=0,max=1000000"`
}
