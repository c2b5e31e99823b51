package membrane

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openclaw/guardian/pkg/budget"
	"github.com/openclaw/guardian/pkg/config"
	"github.com/openclaw/guardian/pkg/contracts"
	"github.com/openclaw/guardian/pkg/executive"
	"github.com/openclaw/guardian/pkg/journal"
	"github.com/openclaw/guardian/pkg/observability"
	"github.com/openclaw/guardian/pkg/validate"
)

// FromConfig assembles a membrane from resolved configuration: executive
// workspace or standalone journal, budget locker, outcome rules, optional
// Postgres mirror and telemetry. The returned cleanup closes everything the
// wiring opened.
//
// Backend selection is a constructor-time decision. An executive directory
// that cannot be opened degrades to the standalone journal with a warning;
// it is never re-probed mid-flight.
func FromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Membrane, func(), error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	obsCfg := observability.DefaultConfig()
	if cfg.Observability.ServiceName != "" {
		obsCfg.ServiceName = cfg.Observability.ServiceName
	}
	obsCfg.OTLPEndpoint = cfg.Observability.Endpoint
	obsCfg.SampleRate = cfg.Observability.TraceSampleRate
	obsCfg.Enabled = cfg.Observability.Endpoint != ""
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init observability: %w", err)
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	closers = append(closers, func() { _ = obs.Shutdown(context.Background()) })

	var backend executive.Backend
	if cfg.ExecutiveDir != "" {
		ex, err := executive.Open(cfg.ExecutiveDir, logger)
		if err != nil {
			logger.Warn("executive workspace unavailable, using standalone journal",
				"dir", cfg.ExecutiveDir, "error", err)
		} else {
			backend = ex
		}
	}
	if backend == nil {
		sa, err := executive.NewStandalone(cfg.LogDir, cfg.JournalBase)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open journal in %s: %w", cfg.LogDir, err)
		}
		backend = sa
	}
	closers = append(closers, func() { _ = backend.Close() })

	var fallback journal.Journal
	if sa, ok := backend.(*executive.Standalone); ok {
		fallback = sa.Journal()
	} else {
		fj, err := journal.NewFileJournal(cfg.LogDir, cfg.JournalBase)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open fallback journal in %s: %w", cfg.LogDir, err)
		}
		fallback = fj
	}

	locker := budget.NewLocalLocker()
	locker.SetLogger(logger)
	if ex, ok := backend.(*executive.Executive); ok {
		locker.SetLeaseDir(ex.LocksDir())
	}

	m := New(executive.NewAdapter(backend, fallback, logger), logger)
	m.SetObservability(obs)
	m.SetLocker(locker)
	m.SetLockTimeout(cfg.LockTimeout)
	m.SetProfile(cfg.Profile)
	m.SetRegistry(registryFromAllowlist(cfg.Allowlist))
	if len(cfg.Confidence) > 0 {
		m.SetConfidence(cfg.Confidence)
	}

	if len(cfg.Rules) > 0 {
		engine, err := validate.NewRuleEngine()
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("init rule engine: %w", err)
		}
		rules := make(map[contracts.ActionType]string, len(cfg.Rules))
		for action, expr := range cfg.Rules {
			if err := engine.Compile(expr); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("compile rule for %s: %w", action, err)
			}
			rules[contracts.ActionType(action)] = expr
		}
		m.SetRules(engine, rules)
	}

	if cfg.PostgresDSN != "" {
		pg, err := journal.OpenPostgresJournal(cfg.PostgresDSN)
		if err != nil {
			logger.Warn("postgres mirror unavailable", "error", err)
		} else {
			m.SetMirror(pg)
			closers = append(closers, func() { _ = pg.Close() })
		}
	}

	return m, cleanup, nil
}

func registryFromAllowlist(allow []string) *Registry {
	types := make([]contracts.ActionType, 0, len(allow))
	for _, a := range allow {
		types = append(types, contracts.ActionType(a))
	}
	return NewRegistry(types...)
}
