package executive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openclaw/guardian/pkg/contracts"
	"github.com/openclaw/guardian/pkg/journal"
)

// Storage area names under the executive root. Decisions and the archive
// are append-only; locks are ephemeral lease files; validations and
// checkpoints are small rewritten snapshots.
const (
	AreaDecisions   = "decisions"
	AreaArchive     = "archive"
	AreaLocks       = "locks"
	AreaValidations = "validations"
	AreaCheckpoints = "checkpoints"
)

// Executive is the full local backend: a hot decision journal, a sqlite
// archive mirror, lease files for the budget locker, per-tier validation
// counters, and a chain-head checkpoint updated after every append.
type Executive struct {
	root    string
	hot     *journal.FileJournal
	archive *journal.SQLiteJournal
	logger  *slog.Logger
	clock   func() time.Time

	mu    sync.Mutex
	open  map[string]*contracts.DecisionRecord
	tiers map[string]uint64
}

// Open prepares the storage areas under root and recovers counters from
// a previous run.
func Open(root string, logger *slog.Logger) (*Executive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, area := range []string{AreaDecisions, AreaArchive, AreaLocks, AreaValidations, AreaCheckpoints} {
		if err := os.MkdirAll(filepath.Join(root, area), 0o755); err != nil {
			return nil, fmt.Errorf("create executive area %s: %w", area, err)
		}
	}

	hot, err := journal.NewFileJournal(filepath.Join(root, AreaDecisions), "decisions")
	if err != nil {
		return nil, err
	}
	archive, err := journal.OpenSQLiteJournal(filepath.Join(root, AreaArchive, "decisions.db"))
	if err != nil {
		return nil, err
	}

	e := &Executive{
		root:    root,
		hot:     hot,
		archive: archive,
		logger:  logger,
		clock:   time.Now,
		open:    make(map[string]*contracts.DecisionRecord),
		tiers:   make(map[string]uint64),
	}
	e.loadValidations()
	return e, nil
}

// SetClock overrides the time source for testing.
func (e *Executive) SetClock(fn func() time.Time) {
	e.clock = fn
	e.hot.SetClock(fn)
}

func (e *Executive) Name() string {
	return "executive"
}

func (e *Executive) SchemaVersion() string {
	return CurrentSchemaVersion
}

func (e *Executive) Supports(c Capability) bool {
	return c == CapabilityAcceptableTier
}

// OpenDecision tracks an in-flight record. Hot state stays in memory; an
// open record never touches disk.
func (e *Executive) OpenDecision(ctx context.Context, rec *contracts.DecisionRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open[rec.ID] = rec.Clone()
	return nil
}

// AppendDecision persists a terminal record. The hot journal is the
// primary sink; the archive mirror, counters, and checkpoint are best
// effort and logged when they lag.
func (e *Executive) AppendDecision(ctx context.Context, rec *contracts.DecisionRecord) error {
	if err := e.hot.Append(ctx, rec); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.open, rec.ID)
	switch rec.Status {
	case contracts.StatusCompleted:
		e.tiers[string(rec.ValidationTier)]++
	case contracts.StatusFailed:
		e.tiers["failed"]++
	}
	e.mu.Unlock()

	if err := e.archive.Append(ctx, rec); err != nil {
		e.logger.Warn("archive mirror append failed", "decision", rec.ID, "error", err)
	}
	e.saveValidations()
	e.saveCheckpoint()
	return nil
}

// OpenCount reports in-flight decisions, for the status surface.
func (e *Executive) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}

// TierCounts copies the validation counters.
func (e *Executive) TierCounts() map[string]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]uint64, len(e.tiers))
	for k, v := range e.tiers {
		out[k] = v
	}
	return out
}

// Root returns the executive layer's base directory.
func (e *Executive) Root() string {
	return e.root
}

// LocksDir is where the budget locker materializes lease files.
func (e *Executive) LocksDir() string {
	return filepath.Join(e.root, AreaLocks)
}

// Journal exposes the hot journal for tail and verify tooling.
func (e *Executive) Journal() *journal.FileJournal {
	return e.hot
}

// Archive exposes the sqlite mirror for queries.
func (e *Executive) Archive() *journal.SQLiteJournal {
	return e.archive
}

func (e *Executive) Close() error {
	return e.archive.Close()
}

func (e *Executive) validationsPath() string {
	return filepath.Join(e.root, AreaValidations, "validations.json")
}

func (e *Executive) checkpointPath() string {
	return filepath.Join(e.root, AreaCheckpoints, "head.json")
}

func (e *Executive) loadValidations() {
	data, err := os.ReadFile(e.validationsPath())
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("validation counters unreadable", "error", err)
		}
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := json.Unmarshal(data, &e.tiers); err != nil {
		e.logger.Warn("validation counters corrupt, resetting", "error", err)
		e.tiers = make(map[string]uint64)
	}
}

func (e *Executive) saveValidations() {
	e.mu.Lock()
	data, err := json.MarshalIndent(e.tiers, "", "  ")
	e.mu.Unlock()
	if err != nil {
		e.logger.Warn("validation counters marshal failed", "error", err)
		return
	}
	if err := os.WriteFile(e.validationsPath(), data, 0o644); err != nil {
		e.logger.Warn("validation counters write failed", "error", err)
	}
}

type checkpoint struct {
	Path      string    `json:"path"`
	Seq       uint64    `json:"seq"`
	Head      string    `json:"head"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e *Executive) saveCheckpoint() {
	cp := checkpoint{
		Path:      e.hot.CurrentPath(),
		Seq:       e.hot.Seq(),
		Head:      e.hot.Head(),
		UpdatedAt: e.clock().UTC(),
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		e.logger.Warn("checkpoint marshal failed", "error", err)
		return
	}
	if err := os.WriteFile(e.checkpointPath(), data, 0o644); err != nil {
		e.logger.Warn("checkpoint write failed", "error", err)
	}
}

// Checkpoint loads the last saved chain head, if any.
func (e *Executive) Checkpoint() (path string, seq uint64, head string, err error) {
	data, err := os.ReadFile(e.checkpointPath())
	if err != nil {
		return "", 0, "", err
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return "", 0, "", fmt.Errorf("parse checkpoint: %w", err)
	}
	return cp.Path, cp.Seq, cp.Head, nil
}
