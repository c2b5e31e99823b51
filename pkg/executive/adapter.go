package executive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/openclaw/guardian/pkg/contracts"
	"github.com/openclaw/guardian/pkg/journal"
)

// Dispatch strategies the adapter can resolve to.
const (
	StrategyRecord   = "record"
	StrategyBuilder  = "builder"
	StrategyJSON     = "json"
	StrategyFallback = "fallback"
)

var (
	minSchema       = mustConstraint(">= 1.0.0")
	acceptableSince = mustConstraint(">= 2.0.0")
)

func mustConstraint(c string) *semver.Constraints {
	out, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return out
}

// Adapter bridges the membrane to a backend of unknown vintage. The
// backend is introspected exactly once, on first use: schema version is
// parsed and gated, then the completion surfaces are probed from most to
// least specific. A backend that cannot be understood is bypassed in
// favor of the standalone fallback journal, with a warning, so decision
// records survive schema drift.
type Adapter struct {
	backend  Backend
	fallback journal.Journal
	logger   *slog.Logger

	once         sync.Once
	complete     func(ctx context.Context, rec *contracts.DecisionRecord) error
	strategy     string
	acceptableOK bool
}

// NewAdapter wires a backend with a fallback journal. The fallback
// receives records whenever the backend is unusable.
func NewAdapter(backend Backend, fallback journal.Journal, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{backend: backend, fallback: fallback, logger: logger}
}

// Open informs backends that track hot decisions. Best effort: tracking
// failures are logged, never surfaced.
func (a *Adapter) Open(ctx context.Context, rec *contracts.DecisionRecord) {
	opener, ok := a.backend.(DecisionOpener)
	if !ok {
		return
	}
	if err := opener.OpenDecision(ctx, rec); err != nil {
		a.logger.Warn("backend open tracking failed", "decision", rec.ID, "error", err)
	}
}

// Complete transitions rec to completed and persists it. When the
// resolved backend cannot express the acceptable tier, the verdict is
// degraded to success and the degradation is recorded in the evidence.
func (a *Adapter) Complete(ctx context.Context, at time.Time, rec *contracts.DecisionRecord, tier contracts.Tier, evidence contracts.Evidence, confidencePost float64) error {
	a.once.Do(a.resolve)

	if tier == contracts.TierAcceptable && !a.acceptableOK {
		ev := contracts.Evidence{}
		for k, v := range evidence {
			ev[k] = v
		}
		ev["acceptable_degraded"] = true
		evidence = ev
		tier = contracts.TierSuccess
	}

	if err := rec.Complete(at, tier, evidence, confidencePost); err != nil {
		return err
	}
	return a.complete(ctx, rec)
}

// Fail transitions rec to failed and persists it.
func (a *Adapter) Fail(ctx context.Context, at time.Time, rec *contracts.DecisionRecord, reason string, evidence contracts.Evidence) error {
	a.once.Do(a.resolve)
	if err := rec.Fail(at, reason, evidence); err != nil {
		return err
	}
	return a.complete(ctx, rec)
}

// Strategy resolves the backend if needed and names the dispatch in use.
func (a *Adapter) Strategy() string {
	a.once.Do(a.resolve)
	return a.strategy
}

// SupportsAcceptableTier reports whether acceptable verdicts survive
// persistence unmodified.
func (a *Adapter) SupportsAcceptableTier() bool {
	a.once.Do(a.resolve)
	return a.acceptableOK
}

// Backend returns the wrapped backend.
func (a *Adapter) Backend() Backend {
	return a.backend
}

func (a *Adapter) resolve() {
	// The fallback journal records any tier; only a recognized foreign
	// backend can narrow the set.
	a.strategy = StrategyFallback
	a.complete = a.appendFallback
	a.acceptableOK = true

	if a.backend == nil {
		return
	}

	raw := a.backend.SchemaVersion()
	version, err := semver.NewVersion(raw)
	if err != nil {
		a.logger.Warn("backend schema version unparseable, using standalone journal",
			"backend", a.backend.Name(), "schema_version", raw, "error", err)
		return
	}
	if !minSchema.Check(version) {
		a.logger.Warn("backend schema version unsupported, using standalone journal",
			"backend", a.backend.Name(), "schema_version", raw, "min", minSchema.String())
		return
	}

	switch b := a.backend.(type) {
	case RecordAppender:
		a.strategy = StrategyRecord
		a.complete = b.AppendDecision
	case CompletionStarter:
		a.strategy = StrategyBuilder
		a.complete = func(ctx context.Context, rec *contracts.DecisionRecord) error {
			builder := b.NewCompletion(rec.ID).
				SetStatus(string(rec.Status)).
				SetTier(string(rec.ValidationTier)).
				SetEvidence(rec.ValidationEvidence)
			if rec.Error != "" {
				builder = builder.SetError(rec.Error)
			}
			return builder.Commit(ctx)
		}
	case JSONIngestor:
		a.strategy = StrategyJSON
		a.complete = func(ctx context.Context, rec *contracts.DecisionRecord) error {
			line, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal decision %s: %w", rec.ID, err)
			}
			return b.IngestDecision(ctx, line)
		}
	default:
		a.logger.Warn("backend exposes no recognized completion surface, using standalone journal",
			"backend", a.backend.Name(), "schema_version", raw)
		return
	}

	a.acceptableOK = acceptableSince.Check(version) && a.backend.Supports(CapabilityAcceptableTier)
}

func (a *Adapter) appendFallback(ctx context.Context, rec *contracts.DecisionRecord) error {
	if a.fallback == nil {
		return fmt.Errorf("no fallback journal configured")
	}
	return a.fallback.Append(ctx, rec)
}
