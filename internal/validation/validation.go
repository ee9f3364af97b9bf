package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"

	"reward-decision-api/internal/models"
	"reward-decision-api/internal/rules"
)

const maxIDLength = 128

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// transactionInput is the normalized decision request checked by the validator.
type transactionInput struct {
	TransactionID string `json:"transaction_id" validate:"required,max=128"`
	ProgramID     string `json:"program_id" validate:"required,max=128"`
	Amount        int64  `json:"amount" validate:"min=0"`
	StoreID       string `json:"store_id" validate:"max=128"`
	Channel       string `json:"channel" validate:"max=64"`
	MCC           string `json:"mcc" validate:"omitempty,numeric,len=4"`
}

// DecisionEvent resolves the id aliases of req, sanitizes it and converts it
// to a TransactionEvent. A missing timestamp defaults to arrival.
func DecisionEvent(req models.DecisionRequest, arrival time.Time) (models.TransactionEvent, error) {
	in := transactionInput{
		TransactionID: SanitizeString(firstNonEmpty(req.TransactionID, req.TransactionIDCamel)),
		ProgramID: SanitizeString(firstNonEmpty(
			req.RetailerProgramID, req.RetailerProgramCamel, req.ProgramID, req.ProgramIDCamel,
		)),
		Amount:  req.Amount,
		StoreID: SanitizeString(firstNonEmpty(req.StoreID, req.StoreIDCamel)),
		Channel: SanitizeString(req.Channel),
		MCC:     SanitizeString(req.MCC),
	}
	if err := Struct(in); err != nil {
		return models.TransactionEvent{}, err
	}

	ts := arrival
	if raw := SanitizeString(req.Timestamp); raw != "" {
		parsed, err := ValidateTimeString(raw)
		if err != nil {
			return models.TransactionEvent{}, &ValidationError{Field: "timestamp", Message: "must be a valid RFC3339 timestamp"}
		}
		ts = parsed
	}

	return models.TransactionEvent{
		TransactionID: in.TransactionID,
		ProgramID:     in.ProgramID,
		Timestamp:     ts,
		Amount:        in.Amount,
		StoreID:       in.StoreID,
		Channel:       in.Channel,
		MCC:           in.MCC,
	}, nil
}

// Struct runs the tag validator over v and reports the first failure as a
// ValidationError.
func Struct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	return &ValidationError{Field: fe.Field(), Message: describe(fe)}
}

// Fields maps every failing field of a validator error to its tag.
func Fields(err error) map[string]string {
	out := make(map[string]string)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			out[fe.Field()] = fe.Tag()
		}
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		if fe.Kind() == reflect.String {
			return "must be at most " + fe.Param() + " characters"
		}
		return "must be at most " + fe.Param()
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "numeric":
		return "must be numeric"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// CampaignConfig checks a config submitted to the simulator.
func CampaignConfig(cfg models.CampaignConfig) error {
	if cfg.Eligibility.MinSpend < 0 {
		return &ValidationError{Field: "eligibility.min_spend", Message: "must be non-negative"}
	}
	for i, w := range cfg.Eligibility.TimeWindows {
		if _, err := rules.ParseClock(w.Start); err != nil {
			return &ValidationError{Field: fmt.Sprintf("eligibility.time_windows[%d].start", i), Message: "must be HH:MM"}
		}
		if _, err := rules.ParseClock(w.End); err != nil {
			return &ValidationError{Field: fmt.Sprintf("eligibility.time_windows[%d].end", i), Message: "must be HH:MM"}
		}
	}
	for _, d := range cfg.Eligibility.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			return &ValidationError{Field: "eligibility.days_of_week", Message: "must be between 0 and 6"}
		}
	}
	if err := RewardRules(cfg.RewardRules); err != nil {
		return err
	}

	comp := cfg.CompetitionRule
	switch comp.Type {
	case "", models.CompetitionNone, models.CompetitionAllNonReward:
	case models.CompetitionProbability:
		if comp.Probability < 0 || comp.Probability > 1 {
			return &ValidationError{Field: "competition_rule.probability", Message: "must be between 0 and 1"}
		}
	case models.CompetitionNthNonReward:
		if comp.Nth < 1 {
			return &ValidationError{Field: "competition_rule.nth", Message: "must be at least 1"}
		}
	default:
		return &ValidationError{Field: "competition_rule.type", Message: fmt.Sprintf("unknown type %q", comp.Type)}
	}
	return nil
}

// RewardRules rejects duplicate ids and negative nth or caps.
func RewardRules(list []models.RewardRuleConfig) error {
	seen := make(map[string]bool, len(list))
	for i, r := range list {
		if r.ID != "" {
			if seen[r.ID] {
				return &ValidationError{Field: "reward_rules", Message: fmt.Sprintf("duplicate rule id: %s", r.ID)}
			}
			seen[r.ID] = true
		}
		if r.Nth < 0 {
			return &ValidationError{Field: fmt.Sprintf("reward_rules[%d].nth", i), Message: "must be non-negative"}
		}
		if r.Enabled && r.Nth > 0 && r.RewardTemplateID == "" {
			return &ValidationError{Field: fmt.Sprintf("reward_rules[%d].reward_template_id", i), Message: "is required for enabled rules"}
		}
		if r.DailyCap != nil && *r.DailyCap < 0 {
			return &ValidationError{Field: fmt.Sprintf("reward_rules[%d].daily_cap", i), Message: "must be non-negative"}
		}
		if r.TotalCap != nil && *r.TotalCap < 0 {
			return &ValidationError{Field: fmt.Sprintf("reward_rules[%d].total_cap", i), Message: "must be non-negative"}
		}
	}
	return nil
}

// SanitizeString strips control characters other than whitespace and trims the result.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// ValidateTimeString parses an RFC 3339 timestamp, reporting a ValidationError when it is empty or malformed.
func ValidateTimeString(timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "is required",
		}
	}

	t, err := time.Parse(time.RFC3339Nano, timeStr)
	if err != nil {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "must be a valid RFC3339 timestamp",
		}
	}

	return t, nil
}

// firstNonEmpty returns the first value that is not blank, or "".
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
