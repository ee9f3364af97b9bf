package database

import (
	"context"
	"time"

	"reward-decision-api/internal/models"
)

// SeedDemo installs a live campaign for programID with three tiered rules
// (every 5th, 20th and 100th transaction) and an all-non-reward competition.
// It is idempotent for templates and the campaign; each call publishes a new
// version.
func (db *DB) SeedDemo(ctx context.Context, programID string) (*models.Campaign, error) {
	templates := []models.RewardTemplate{
		{ID: "tpl-coffee", Name: "Free coffee", Type: "free_item", ProviderCampaignRef: "demo-coffee"},
		{ID: "tpl-10off", Name: "10% off", Type: "percent_off", ProviderCampaignRef: "demo-10off"},
		{ID: "tpl-50voucher", Name: "$50 voucher", Type: "voucher", ProviderCampaignRef: "demo-50"},
	}
	for _, tpl := range templates {
		if err := db.UpsertRewardTemplate(ctx, tpl); err != nil {
			return nil, err
		}
	}

	campaign := models.Campaign{
		ID:        "demo-" + programID,
		ProgramID: programID,
		Name:      "Demo campaign",
		Status:    models.CampaignStatusLive,
		StartAt:   time.Now().AddDate(0, 0, -1),
	}
	if err := db.UpsertCampaign(ctx, campaign); err != nil {
		return nil, err
	}

	cfg := models.CampaignConfig{
		RewardRules: []models.RewardRuleConfig{
			{ID: "every-5", Name: "Every 5th", Nth: 5, RewardTemplateID: "tpl-coffee", Enabled: true},
			{ID: "every-20", Name: "Every 20th", Nth: 20, RewardTemplateID: "tpl-10off", Enabled: true},
			{ID: "every-100", Name: "Every 100th", Nth: 100, RewardTemplateID: "tpl-50voucher", Enabled: true},
		},
		CompetitionRule: models.CompetitionRuleConfig{
			Type:              models.CompetitionAllNonReward,
			MessageTemplateID: "msg-entry",
		},
	}
	version, err := db.CreateCampaignVersion(ctx, campaign.ID, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.PublishCampaignVersion(ctx, version.ID); err != nil {
		return nil, err
	}

	return db.GetActiveCampaign(ctx, programID)
}
