package validation

import (
	"errors"
	"testing"
	"time"

	"reward-decision-api/internal/models"
)

var arrival = time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)

func TestDecisionEvent_Aliases(t *testing.T) {
	tests := []struct {
		name    string
		req     models.DecisionRequest
		wantTxn string
		wantPrg string
	}{
		{
			name:    "snake case",
			req:     models.DecisionRequest{TransactionID: "t1", RetailerProgramID: "p1"},
			wantTxn: "t1",
			wantPrg: "p1",
		},
		{
			name:    "camel case",
			req:     models.DecisionRequest{TransactionIDCamel: "t2", RetailerProgramCamel: "p2"},
			wantTxn: "t2",
			wantPrg: "p2",
		},
		{
			name:    "program id spelling",
			req:     models.DecisionRequest{TransactionID: " t3\x00 ", ProgramIDCamel: "p3"},
			wantTxn: "t3",
			wantPrg: "p3",
		},
		{
			name:    "retailer program wins",
			req:     models.DecisionRequest{TransactionID: "t4", RetailerProgramID: "p4", ProgramID: "other"},
			wantTxn: "t4",
			wantPrg: "p4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := DecisionEvent(tt.req, arrival)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if event.TransactionID != tt.wantTxn {
				t.Errorf("Expected transaction %q, got %q", tt.wantTxn, event.TransactionID)
			}
			if event.ProgramID != tt.wantPrg {
				t.Errorf("Expected program %q, got %q", tt.wantPrg, event.ProgramID)
			}
			if !event.Timestamp.Equal(arrival) {
				t.Errorf("Expected arrival timestamp, got %v", event.Timestamp)
			}
		})
	}
}

func TestDecisionEvent_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		req   models.DecisionRequest
		field string
	}{
		{"missing transaction", models.DecisionRequest{ProgramID: "p"}, "transaction_id"},
		{"missing program", models.DecisionRequest{TransactionID: "t"}, "program_id"},
		{"negative amount", models.DecisionRequest{TransactionID: "t", ProgramID: "p", Amount: -1}, "amount"},
		{"bad mcc", models.DecisionRequest{TransactionID: "t", ProgramID: "p", MCC: "58a2"}, "mcc"},
		{"bad timestamp", models.DecisionRequest{TransactionID: "t", ProgramID: "p", Timestamp: "yesterday"}, "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecisionEvent(tt.req, arrival)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Expected field %q, got %q", tt.field, verr.Field)
			}
		})
	}
}

func TestDecisionEvent_Timestamp(t *testing.T) {
	event, err := DecisionEvent(models.DecisionRequest{
		TransactionID: "t",
		ProgramID:     "p",
		Timestamp:     "2024-05-14T08:30:00.5+02:00",
		Amount:        1250,
		MCC:           "5812",
	}, arrival)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2024, 5, 14, 6, 30, 0, 500_000_000, time.UTC)
	if !event.Timestamp.Equal(want) {
		t.Errorf("Expected %v, got %v", want, event.Timestamp)
	}
	if event.Amount != 1250 || event.MCC != "5812" {
		t.Errorf("Unexpected event: %+v", event)
	}
}

func TestStruct_BatchRequest(t *testing.T) {
	cfg := models.CampaignConfig{}
	if err := Struct(models.BatchRequest{Count: 10, Config: &cfg}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	err := Struct(models.BatchRequest{Count: 0, Config: &cfg})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "count" {
		t.Errorf("Expected count error, got %v", err)
	}

	err = Struct(models.BatchRequest{Count: 1})
	if !errors.As(err, &verr) || verr.Field != "config" {
		t.Errorf("Expected config error, got %v", err)
	}
}

func TestCampaignConfig(t *testing.T) {
	negative := -1
	tests := []struct {
		name  string
		cfg   models.CampaignConfig
		field string
	}{
		{"valid", models.CampaignConfig{
			Eligibility:     models.EligibilityConfig{TimeWindows: []models.TimeWindow{{Start: "22:00", End: "02:00"}}},
			RewardRules:     []models.RewardRuleConfig{{ID: "a", Nth: 5}, {ID: "b", Nth: 20}},
			CompetitionRule: models.CompetitionRuleConfig{Type: models.CompetitionProbability, Probability: 0.25},
		}, ""},
		{"duplicate rule", models.CampaignConfig{
			RewardRules: []models.RewardRuleConfig{{ID: "a", Nth: 5}, {ID: "a", Nth: 20}},
		}, "reward_rules"},
		{"negative cap", models.CampaignConfig{
			RewardRules: []models.RewardRuleConfig{{ID: "a", Nth: 5, DailyCap: &negative}},
		}, "reward_rules[0].daily_cap"},
		{"enabled rule without template", models.CampaignConfig{
			RewardRules: []models.RewardRuleConfig{{ID: "a", Nth: 5, RewardTemplateID: "tpl", Enabled: true}, {ID: "b", Nth: 20, Enabled: true}},
		}, "reward_rules[1].reward_template_id"},
		{"disabled rule without template", models.CampaignConfig{
			RewardRules: []models.RewardRuleConfig{{ID: "a", Nth: 5, Enabled: false}},
		}, ""},
		{"bad window", models.CampaignConfig{
			Eligibility: models.EligibilityConfig{TimeWindows: []models.TimeWindow{{Start: "25:00", End: "02:00"}}},
		}, "eligibility.time_windows[0].start"},
		{"probability range", models.CampaignConfig{
			CompetitionRule: models.CompetitionRuleConfig{Type: models.CompetitionProbability, Probability: 1.5},
		}, "competition_rule.probability"},
		{"unknown competition", models.CampaignConfig{
			CompetitionRule: models.CompetitionRuleConfig{Type: "lottery"},
		}, "competition_rule.type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CampaignConfig(tt.cfg)
			if tt.field == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Expected field %q, got %q", tt.field, verr.Field)
			}
		})
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  abc\x07\n "); got != "abc" {
		t.Errorf("Expected 'abc', got %q", got)
	}
}
