package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"reward-decision-api/internal/models"
)

const decisionColumns = `id, transaction_id, program_id, campaign_id, campaign_version_id,
	campaign_version_number, store_id, amount, channel, mcc, occurred_at, counter_value,
	matched_rule_id, matched_rule_n, matched_rule_priority, reward_template_id,
	reward_template_name, outcome_type, status, voucher_code, competition_entry,
	message_template_id, entry_message_template_id, trace, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*models.DecisionLog, error) {
	var d models.DecisionLog
	var occurredAt, createdAt, updatedAt, traceJSON string
	err := row.Scan(
		&d.ID,
		&d.TransactionID,
		&d.ProgramID,
		&d.CampaignID,
		&d.CampaignVersionID,
		&d.CampaignVersionNumber,
		&d.StoreID,
		&d.Amount,
		&d.Channel,
		&d.MCC,
		&occurredAt,
		&d.CounterValue,
		&d.MatchedRuleID,
		&d.MatchedRuleN,
		&d.MatchedRulePriority,
		&d.RewardTemplateID,
		&d.RewardTemplateName,
		&d.OutcomeType,
		&d.Status,
		&d.VoucherCode,
		&d.CompetitionEntry,
		&d.MessageTemplateID,
		&d.EntryMessageTemplateID,
		&traceJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if d.OccurredAt, err = parseTime(occurredAt); err != nil {
		return nil, fmt.Errorf("failed to parse occurred_at: %w", err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if err := json.Unmarshal([]byte(traceJSON), &d.Trace); err != nil {
		return nil, fmt.Errorf("failed to decode trace: %w", err)
	}
	return &d, nil
}

// GetDecision returns the decision with the given id, or nil when none exists.
func (db *DB) GetDecision(ctx context.Context, id string) (*models.DecisionLog, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decision_logs WHERE id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision %s: %w", id, err)
	}
	return d, nil
}

// GetDecisionByTransactionID returns the decision for a transaction, or nil.
func (db *DB) GetDecisionByTransactionID(ctx context.Context, transactionID string) (*models.DecisionLog, error) {
	return getDecisionByTransactionID(ctx, db.conn, transactionID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDecisionByTransactionID(ctx context.Context, q querier, transactionID string) (*models.DecisionLog, error) {
	row := q.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decision_logs WHERE transaction_id = ?`, transactionID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision for transaction %s: %w", transactionID, err)
	}
	return d, nil
}

// ListDecisions returns the most recent decisions, newest first.
func (db *DB) ListDecisions(ctx context.Context, limit int) ([]models.DecisionLog, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM decision_logs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	decisions := []models.DecisionLog{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}
	return decisions, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertDecision(ctx context.Context, e execer, d *models.DecisionLog) error {
	traceJSON, err := marshalTrace(d.Trace)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx, `INSERT INTO decision_logs (`+decisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.TransactionID,
		d.ProgramID,
		d.CampaignID,
		d.CampaignVersionID,
		d.CampaignVersionNumber,
		d.StoreID,
		d.Amount,
		d.Channel,
		d.MCC,
		formatTime(d.OccurredAt),
		d.CounterValue,
		d.MatchedRuleID,
		d.MatchedRuleN,
		d.MatchedRulePriority,
		d.RewardTemplateID,
		d.RewardTemplateName,
		d.OutcomeType,
		d.Status,
		d.VoucherCode,
		d.CompetitionEntry,
		d.MessageTemplateID,
		d.EntryMessageTemplateID,
		traceJSON,
		formatTime(d.CreatedAt),
		formatTime(d.UpdatedAt),
	)
	return err
}

func prepareNew(d *models.DecisionLog) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
}

// CreateDecision inserts a terminal decision. When a decision for the same
// transaction already exists, that row is returned with isDuplicate set.
func (db *DB) CreateDecision(ctx context.Context, d *models.DecisionLog) (*models.DecisionLog, bool, error) {
	if !d.Status.Terminal() {
		return nil, false, fmt.Errorf("failed to create decision: status %s is not terminal", d.Status)
	}
	prepareNew(d)

	if err := insertDecision(ctx, db.conn, d); err != nil {
		if isUniqueViolation(err) {
			existing, getErr := db.GetDecisionByTransactionID(ctx, d.TransactionID)
			if getErr != nil {
				return nil, false, getErr
			}
			if existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("failed to insert decision: %w", err)
	}
	return d, false, nil
}

// ReserveDecision assigns the next reward counter of d's campaign version and
// inserts d as pending, both in one transaction. If the transaction already
// has a decision, the counter is left untouched and the existing row is
// returned with isDuplicate set.
func (db *DB) ReserveDecision(ctx context.Context, d *models.DecisionLog) (*models.DecisionLog, bool, error) {
	if d.CampaignVersionID == "" {
		return nil, false, errors.New("failed to reserve decision: campaign version is required")
	}
	prepareNew(d)
	d.Status = models.StatusPending
	d.OutcomeType = models.OutcomeNoReward

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getDecisionByTransactionID(ctx, tx, d.TransactionID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}

	var counter int64
	err = tx.QueryRowContext(ctx, `INSERT INTO campaign_counters (campaign_version_id, reward_counter)
		VALUES (?, 1)
		ON CONFLICT(campaign_version_id) DO UPDATE SET reward_counter = reward_counter + 1
		RETURNING reward_counter`, d.CampaignVersionID).Scan(&counter)
	if err != nil {
		return nil, false, fmt.Errorf("failed to increment reward counter: %w", err)
	}
	d.CounterValue = counter

	if err := insertDecision(ctx, tx, d); err != nil {
		if isUniqueViolation(err) {
			tx.Rollback()
			existing, getErr := db.GetDecisionByTransactionID(ctx, d.TransactionID)
			if getErr != nil {
				return nil, false, getErr
			}
			if existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("failed to insert decision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return d, false, nil
}

// ClaimDecision moves a decision to issuing if it is currently in one of
// claim.From (pending when empty). It returns nil when no row was updated,
// meaning another caller owns the decision or it does not exist.
func (db *DB) ClaimDecision(ctx context.Context, id string, claim models.DecisionClaim) (*models.DecisionLog, error) {
	from := claim.From
	if len(from) == 0 {
		from = []models.DecisionStatus{models.StatusPending}
	}
	for _, s := range from {
		if err := models.ValidateTransition(s, models.StatusIssuing); err != nil {
			return nil, err
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{
		models.StatusIssuing,
		models.OutcomeReward,
		claim.MatchedRuleID, claim.MatchedRuleID,
		claim.MatchedRuleID, claim.MatchedRuleN,
		claim.MatchedRuleID, claim.MatchedRulePriority,
		claim.RewardTemplateID,
		claim.MessageTemplateID,
		formatTime(time.Now()),
		id,
	}
	for _, s := range from {
		args = append(args, s)
	}

	res, err := db.conn.ExecContext(ctx, `UPDATE decision_logs SET
		status = ?,
		outcome_type = ?,
		matched_rule_id = CASE WHEN ? = '' THEN matched_rule_id ELSE ? END,
		matched_rule_n = CASE WHEN ? = '' THEN matched_rule_n ELSE ? END,
		matched_rule_priority = CASE WHEN ? = '' THEN matched_rule_priority ELSE ? END,
		reward_template_id = COALESCE(NULLIF(?, ''), reward_template_id),
		message_template_id = COALESCE(NULLIF(?, ''), message_template_id),
		updated_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim decision %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return db.GetDecision(ctx, id)
}

// UpdateDecision applies u to the decision if it is still in u.From. A row in
// any other status yields ErrStaleDecision. Empty matched rule and template
// fields keep the stored values.
func (db *DB) UpdateDecision(ctx context.Context, id string, u models.DecisionUpdate) (*models.DecisionLog, error) {
	if err := models.ValidateTransition(u.From, u.Status); err != nil {
		return nil, err
	}
	traceJSON, err := marshalTrace(u.Trace)
	if err != nil {
		return nil, err
	}
	outcome := u.OutcomeType
	if outcome == "" {
		outcome = models.OutcomeNoReward
		if u.Status == models.StatusIssued || u.Status == models.StatusIssueFailed {
			outcome = models.OutcomeReward
		}
	}

	res, err := db.conn.ExecContext(ctx, `UPDATE decision_logs SET
		status = ?,
		outcome_type = ?,
		matched_rule_id = CASE WHEN ? = '' THEN matched_rule_id ELSE ? END,
		matched_rule_n = CASE WHEN ? = '' THEN matched_rule_n ELSE ? END,
		matched_rule_priority = CASE WHEN ? = '' THEN matched_rule_priority ELSE ? END,
		reward_template_id = COALESCE(NULLIF(?, ''), reward_template_id),
		reward_template_name = COALESCE(NULLIF(?, ''), reward_template_name),
		voucher_code = COALESCE(NULLIF(?, ''), voucher_code),
		competition_entry = ?,
		message_template_id = COALESCE(NULLIF(?, ''), message_template_id),
		entry_message_template_id = COALESCE(NULLIF(?, ''), entry_message_template_id),
		trace = ?,
		updated_at = ?
		WHERE id = ? AND status = ?`,
		u.Status,
		outcome,
		u.MatchedRuleID, u.MatchedRuleID,
		u.MatchedRuleID, u.MatchedRuleN,
		u.MatchedRuleID, u.MatchedRulePriority,
		u.RewardTemplateID,
		u.RewardTemplateName,
		u.VoucherCode,
		u.CompetitionEntry,
		u.MessageTemplateID,
		u.EntryMessageTemplateID,
		traceJSON,
		formatTime(time.Now()),
		id,
		u.From,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update decision %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("update decision %s to %s: %w", id, u.Status, ErrStaleDecision)
	}
	return db.GetDecision(ctx, id)
}

// CountRuleWins counts issued decisions of a rule within a campaign version,
// optionally only those that occurred at or after since.
func (db *DB) CountRuleWins(ctx context.Context, versionID, ruleID string, since *time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM decision_logs
		WHERE campaign_version_id = ? AND matched_rule_id = ? AND status = ?`
	args := []any{versionID, ruleID, models.StatusIssued}
	if since != nil {
		query += ` AND occurred_at >= ?`
		args = append(args, formatTime(*since))
	}

	var count int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rule wins: %w", err)
	}
	return count, nil
}

// IncrementNonRewardCounter bumps and returns the non-reward counter of a
// campaign version.
func (db *DB) IncrementNonRewardCounter(ctx context.Context, versionID string) (int64, error) {
	var counter int64
	err := db.conn.QueryRowContext(ctx, `INSERT INTO campaign_counters (campaign_version_id, non_reward_counter)
		VALUES (?, 1)
		ON CONFLICT(campaign_version_id) DO UPDATE SET non_reward_counter = non_reward_counter + 1
		RETURNING non_reward_counter`, versionID).Scan(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to increment non-reward counter: %w", err)
	}
	return counter, nil
}
