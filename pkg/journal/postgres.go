package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/openclaw/guardian/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresJournal mirrors terminal decision records into a shared
// database, for fleets that want one queryable view across hosts. It is a
// mirror only: lock scope stays per-process regardless of where the
// records land.
type PostgresJournal struct {
	db *sql.DB
}

// OpenPostgresJournal connects with a lib/pq DSN and ensures the table.
func OpenPostgresJournal(dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres journal: %w", err)
	}
	p := NewPostgresJournal(db)
	if err := p.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresJournal wraps an existing handle without migrating, which is
// what tests with sqlmock want.
func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

// Migrate creates the decisions table if missing.
func (p *PostgresJournal) Migrate(ctx context.Context) error {
	query := `
        CREATE TABLE IF NOT EXISTS guardian_decisions (
            id TEXT PRIMARY KEY,
            task_id TEXT NOT NULL,
            lane TEXT NOT NULL,
            action_type TEXT NOT NULL,
            expected_outcome TEXT,
            confidence_pre DOUBLE PRECISION NOT NULL,
            confidence_post DOUBLE PRECISION,
            status TEXT NOT NULL,
            validation_tier TEXT,
            validation_evidence JSONB,
            policy_check JSONB,
            metadata JSONB,
            error TEXT,
            created_at TIMESTAMPTZ,
            completed_at TIMESTAMPTZ
        )`
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate decisions table: %w", err)
	}
	return nil
}

func (p *PostgresJournal) Append(ctx context.Context, rec *contracts.DecisionRecord) error {
	if !rec.Terminal() {
		return fmt.Errorf("append %s: %w", rec.ID, ErrNotTerminal)
	}

	query := `
        INSERT INTO guardian_decisions (
            id, task_id, lane, action_type, expected_outcome, confidence_pre, confidence_post,
            status, validation_tier, validation_evidence, policy_check, metadata, error, created_at, completed_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	evidenceJSON, _ := json.Marshal(rec.ValidationEvidence)
	policyJSON, _ := json.Marshal(rec.PolicyCheck)
	metaJSON, _ := json.Marshal(rec.Metadata)

	var confidencePost any
	if rec.ConfidencePost != nil {
		confidencePost = *rec.ConfidencePost
	}
	var completedAt any
	if rec.CompletedAt != nil {
		completedAt = *rec.CompletedAt
	}

	_, err := p.db.ExecContext(ctx, query,
		rec.ID, rec.TaskID, rec.Lane, string(rec.ActionType), rec.ExpectedOutcome,
		rec.ConfidencePre, confidencePost, string(rec.Status), string(rec.ValidationTier),
		string(evidenceJSON), string(policyJSON), string(metaJSON), rec.Error,
		rec.CreatedAt, completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// CountByStatus summarizes the mirror, e.g. for fleet dashboards.
func (p *PostgresJournal) CountByStatus(ctx context.Context) (map[contracts.Status]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM guardian_decisions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[contracts.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[contracts.Status(status)] = n
	}
	return counts, rows.Err()
}

func (p *PostgresJournal) Close() error {
	return p.db.Close()
}
