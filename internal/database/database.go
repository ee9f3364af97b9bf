package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"reward-decision-api/internal/models"
)

// ErrStaleDecision is returned by UpdateDecision when the row is no longer in
// the expected status.
var ErrStaleDecision = models.ErrStaleDecision

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn *sql.DB
}

// NewDB opens the sqlite database at dbPath and initializes the schema.
// Transactions begin IMMEDIATE so a reservation holds the write lock from
// its first read.
func NewDB(dbPath string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate", dbPath)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS reward_templates (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			provider_campaign_ref TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			program_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			start_at TEXT NOT NULL,
			end_at TEXT,
			current_version_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS campaign_versions (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id),
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			config TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (campaign_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS campaign_counters (
			campaign_version_id TEXT PRIMARY KEY REFERENCES campaign_versions(id),
			reward_counter INTEGER NOT NULL DEFAULT 0,
			non_reward_counter INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS decision_logs (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL UNIQUE,
			program_id TEXT NOT NULL,
			campaign_id TEXT NOT NULL DEFAULT '',
			campaign_version_id TEXT NOT NULL DEFAULT '',
			campaign_version_number INTEGER NOT NULL DEFAULT 0,
			store_id TEXT NOT NULL DEFAULT '',
			amount INTEGER NOT NULL,
			channel TEXT NOT NULL DEFAULT '',
			mcc TEXT NOT NULL DEFAULT '',
			occurred_at TEXT NOT NULL,
			counter_value INTEGER NOT NULL DEFAULT 0,
			matched_rule_id TEXT NOT NULL DEFAULT '',
			matched_rule_n INTEGER NOT NULL DEFAULT 0,
			matched_rule_priority INTEGER NOT NULL DEFAULT 0,
			reward_template_id TEXT NOT NULL DEFAULT '',
			reward_template_name TEXT NOT NULL DEFAULT '',
			outcome_type TEXT NOT NULL,
			status TEXT NOT NULL,
			voucher_code TEXT NOT NULL DEFAULT '',
			competition_entry INTEGER NOT NULL DEFAULT 0,
			message_template_id TEXT NOT NULL DEFAULT '',
			entry_message_template_id TEXT NOT NULL DEFAULT '',
			trace TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_program ON campaigns(program_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_rule_wins ON decision_logs(campaign_version_id, matched_rule_id, status, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_created ON decision_logs(created_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func marshalTrace(trace []models.TraceStep) (string, error) {
	if trace == nil {
		trace = []models.TraceStep{}
	}
	data, err := json.Marshal(trace)
	if err != nil {
		return "", fmt.Errorf("failed to encode trace: %w", err)
	}
	return string(data), nil
}
