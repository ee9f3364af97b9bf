package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reward-decision-api/internal/models"
)

// UpsertRewardTemplate creates or updates a reward template.
func (db *DB) UpsertRewardTemplate(ctx context.Context, tpl models.RewardTemplate) error {
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = time.Now()
	}
	_, err := db.conn.ExecContext(ctx, `INSERT INTO reward_templates (
		id, name, type, provider_campaign_ref, created_at
	) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		type = excluded.type,
		provider_campaign_ref = excluded.provider_campaign_ref`,
		tpl.ID,
		tpl.Name,
		tpl.Type,
		tpl.ProviderCampaignRef,
		formatTime(tpl.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert reward template: %w", err)
	}
	return nil
}

// GetRewardTemplate returns a reward template, or nil when it does not exist.
func (db *DB) GetRewardTemplate(ctx context.Context, id string) (*models.RewardTemplate, error) {
	var tpl models.RewardTemplate
	var createdAt string
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, name, type, provider_campaign_ref, created_at FROM reward_templates WHERE id = ?`, id,
	).Scan(&tpl.ID, &tpl.Name, &tpl.Type, &tpl.ProviderCampaignRef, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reward template %s: %w", id, err)
	}
	if tpl.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &tpl, nil
}

// ListRewardTemplates returns every reward template ordered by name.
func (db *DB) ListRewardTemplates(ctx context.Context) ([]models.RewardTemplate, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, name, type, provider_campaign_ref, created_at FROM reward_templates ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward templates: %w", err)
	}
	defer rows.Close()

	templates := []models.RewardTemplate{}
	for rows.Next() {
		var tpl models.RewardTemplate
		var createdAt string
		if err := rows.Scan(&tpl.ID, &tpl.Name, &tpl.Type, &tpl.ProviderCampaignRef, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan reward template: %w", err)
		}
		if tpl.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reward templates: %w", err)
	}
	return templates, nil
}

// UpsertCampaign creates or updates a campaign. The current version is only
// changed by PublishCampaignVersion.
func (db *DB) UpsertCampaign(ctx context.Context, c models.Campaign) error {
	var endAt any
	if c.EndAt != nil {
		endAt = formatTime(*c.EndAt)
	}
	now := formatTime(time.Now())
	_, err := db.conn.ExecContext(ctx, `INSERT INTO campaigns (
		id, program_id, name, status, start_at, end_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		program_id = excluded.program_id,
		name = excluded.name,
		status = excluded.status,
		start_at = excluded.start_at,
		end_at = excluded.end_at,
		updated_at = excluded.updated_at`,
		c.ID,
		c.ProgramID,
		c.Name,
		c.Status,
		formatTime(c.StartAt),
		endAt,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert campaign: %w", err)
	}
	return nil
}

// CreateCampaignVersion stores cfg as the next draft version of a campaign.
func (db *DB) CreateCampaignVersion(ctx context.Context, campaignID string, cfg models.CampaignConfig) (*models.CampaignVersion, error) {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode campaign config: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM campaign_versions WHERE campaign_id = ?`, campaignID,
	).Scan(&next); err != nil {
		return nil, fmt.Errorf("failed to compute next version: %w", err)
	}

	v := &models.CampaignVersion{
		ID:         uuid.NewString(),
		CampaignID: campaignID,
		Version:    next,
		Status:     models.VersionStatusDraft,
		Config:     cfg,
		CreatedAt:  time.Now(),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO campaign_versions (
		id, campaign_id, version, status, config, created_at
	) VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.CampaignID, v.Version, v.Status, string(configJSON), formatTime(v.CreatedAt),
	); err != nil {
		return nil, fmt.Errorf("failed to insert campaign version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return v, nil
}

// PublishCampaignVersion makes a version current for its campaign and
// archives the previously published one.
func (db *DB) PublishCampaignVersion(ctx context.Context, versionID string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var campaignID string
	err = tx.QueryRowContext(ctx, `SELECT campaign_id FROM campaign_versions WHERE id = ?`, versionID).Scan(&campaignID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("campaign version %s not found", versionID)
	}
	if err != nil {
		return fmt.Errorf("failed to load campaign version: %w", err)
	}

	statements := []struct {
		query string
		args  []any
	}{
		{`UPDATE campaign_versions SET status = ? WHERE campaign_id = ? AND status = ?`,
			[]any{models.VersionStatusArchived, campaignID, models.VersionStatusPublished}},
		{`UPDATE campaign_versions SET status = ? WHERE id = ?`,
			[]any{models.VersionStatusPublished, versionID}},
		{`UPDATE campaigns SET current_version_id = ?, updated_at = ? WHERE id = ?`,
			[]any{versionID, formatTime(time.Now()), campaignID}},
	}
	for _, s := range statements {
		if _, err := tx.ExecContext(ctx, s.query, s.args...); err != nil {
			return fmt.Errorf("failed to publish campaign version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetActiveCampaign returns the live campaign of a program with its current
// version, or nil when the program has none. When several campaigns are
// live the most recently started wins. Schedule checks are left to the
// caller.
func (db *DB) GetActiveCampaign(ctx context.Context, programID string) (*models.Campaign, error) {
	var c models.Campaign
	var v models.CampaignVersion
	var startAt, versionCreatedAt, configJSON string
	var endAt sql.NullString

	err := db.conn.QueryRowContext(ctx, `SELECT
		c.id, c.program_id, c.name, c.status, c.start_at, c.end_at, c.current_version_id,
		v.id, v.campaign_id, v.version, v.status, v.config, v.created_at
		FROM campaigns c
		JOIN campaign_versions v ON v.id = c.current_version_id
		WHERE c.program_id = ? AND c.status = ?
		ORDER BY c.start_at DESC, c.id
		LIMIT 1`, programID, models.CampaignStatusLive,
	).Scan(
		&c.ID, &c.ProgramID, &c.Name, &c.Status, &startAt, &endAt, &c.CurrentVersionID,
		&v.ID, &v.CampaignID, &v.Version, &v.Status, &configJSON, &versionCreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active campaign for program %s: %w", programID, err)
	}

	if c.StartAt, err = parseTime(startAt); err != nil {
		return nil, fmt.Errorf("failed to parse start_at: %w", err)
	}
	if endAt.Valid {
		end, err := parseTime(endAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end_at: %w", err)
		}
		c.EndAt = &end
	}
	if v.CreatedAt, err = parseTime(versionCreatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse version created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(configJSON), &v.Config); err != nil {
		return nil, fmt.Errorf("failed to decode campaign config: %w", err)
	}
	c.CurrentVersion = &v
	return &c, nil
}
