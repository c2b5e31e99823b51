package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openclaw/guardian/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteJournal keeps terminal decision records in a queryable archive.
// It complements the JSONL file rather than replacing it: the file is the
// tamper-evident artifact, the database is for lookups.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLiteJournal opens (creating if needed) a database file.
func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite journal: %w", err)
	}
	return NewSQLiteJournal(db)
}

// NewSQLiteJournal wraps an existing handle, typically ":memory:" in tests.
func NewSQLiteJournal(db *sql.DB) (*SQLiteJournal, error) {
	s := &SQLiteJournal{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteJournal) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS decisions (
        id TEXT PRIMARY KEY,
        task_id TEXT NOT NULL,
        lane TEXT NOT NULL,
        action_type TEXT NOT NULL,
        expected_outcome TEXT,
        confidence_pre REAL NOT NULL,
        confidence_post REAL,
        status TEXT NOT NULL,
        validation_tier TEXT,
        validation_evidence JSON,
        policy_check JSON,
        metadata JSON,
        error TEXT,
        created_at DATETIME,
        completed_at DATETIME
    );
    CREATE INDEX IF NOT EXISTS idx_decisions_task ON decisions(task_id, lane);
    CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteJournal) Append(ctx context.Context, rec *contracts.DecisionRecord) error {
	if !rec.Terminal() {
		return fmt.Errorf("append %s: %w", rec.ID, ErrNotTerminal)
	}

	query := `INSERT INTO decisions (
        id, task_id, lane, action_type, expected_outcome, confidence_pre, confidence_post,
        status, validation_tier, validation_evidence, policy_check, metadata, error, created_at, completed_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	evidenceJSON, _ := json.Marshal(rec.ValidationEvidence)
	policyJSON, _ := json.Marshal(rec.PolicyCheck)
	metaJSON, _ := json.Marshal(rec.Metadata)

	var confidencePost any
	if rec.ConfidencePost != nil {
		confidencePost = *rec.ConfidencePost
	}
	var completedAt any
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.TaskID, rec.Lane, string(rec.ActionType), rec.ExpectedOutcome,
		rec.ConfidencePre, confidencePost, string(rec.Status), string(rec.ValidationTier),
		string(evidenceJSON), string(policyJSON), string(metaJSON), rec.Error,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// Query returns records matching the filter, newest first.
func (s *SQLiteJournal) Query(ctx context.Context, f Filter) ([]*contracts.DecisionRecord, error) {
	query := `SELECT id, task_id, lane, action_type, expected_outcome, confidence_pre, confidence_post,
        status, validation_tier, validation_evidence, policy_check, metadata, error, created_at, completed_at
        FROM decisions`

	var where []string
	var args []any
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Lane != "" {
		where = append(where, "lane = ?")
		args = append(args, f.Lane)
	}
	if f.ActionType != "" {
		where = append(where, "action_type = ?")
		args = append(args, string(f.ActionType))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*contracts.DecisionRecord
	for rows.Next() {
		rec, err := scanDecisionRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Count returns the number of archived decisions.
func (s *SQLiteJournal) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions`).Scan(&n)
	return n, err
}

func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}

func scanDecisionRow(rows *sql.Rows) (*contracts.DecisionRecord, error) {
	var (
		id, taskID, lane, actionType string
		expectedOutcome              sql.NullString
		confidencePre                float64
		confidencePost               sql.NullFloat64
		status                       string
		tier                         sql.NullString
		evidenceJSON                 sql.NullString
		policyJSON                   sql.NullString
		metaJSON                     sql.NullString
		errMsg                       sql.NullString
		createdAt                    string
		completedAt                  sql.NullString
	)
	if err := rows.Scan(&id, &taskID, &lane, &actionType, &expectedOutcome, &confidencePre, &confidencePost,
		&status, &tier, &evidenceJSON, &policyJSON, &metaJSON, &errMsg, &createdAt, &completedAt); err != nil {
		return nil, err
	}

	rec := &contracts.DecisionRecord{
		ID:              id,
		TaskID:          taskID,
		Lane:            lane,
		ActionType:      contracts.ActionType(actionType),
		ExpectedOutcome: expectedOutcome.String,
		ConfidencePre:   confidencePre,
		Status:          contracts.Status(status),
		ValidationTier:  contracts.Tier(tier.String),
		Error:           errMsg.String,
		CreatedAt:       parseTimestamp(createdAt),
	}
	if confidencePost.Valid {
		cp := confidencePost.Float64
		rec.ConfidencePost = &cp
	}
	if completedAt.Valid && completedAt.String != "" {
		ts := parseTimestamp(completedAt.String)
		rec.CompletedAt = &ts
	}
	if evidenceJSON.Valid && evidenceJSON.String != "" {
		_ = json.Unmarshal([]byte(evidenceJSON.String), &rec.ValidationEvidence)
	}
	if policyJSON.Valid && policyJSON.String != "" {
		_ = json.Unmarshal([]byte(policyJSON.String), &rec.PolicyCheck)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &rec.Metadata)
	}
	return rec, nil
}

func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
