// Package membrane is the execution discipline layer between an agent and
// its side effects. Every allowlisted action runs through Guard: a decision
// record is opened, the budget lock for the action's (task, lane) is taken,
// the action executes, a validator grades what actually happened, and the
// terminal record is journaled exactly once. When the gate is off or the
// action type is not allowlisted the call bypasses the membrane entirely.
package membrane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/openclaw/guardian/pkg/budget"
	"github.com/openclaw/guardian/pkg/config"
	"github.com/openclaw/guardian/pkg/contracts"
	"github.com/openclaw/guardian/pkg/executive"
	"github.com/openclaw/guardian/pkg/journal"
	"github.com/openclaw/guardian/pkg/observability"
	"github.com/openclaw/guardian/pkg/validate"
)

// Clock provides the membrane's time source. Inject a fixed clock in tests;
// production uses the wall clock.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Gate decides per call whether the membrane is active. Implementations
// must be cheap: the gate runs on every guarded call, bypassed or not.
type Gate interface {
	Enabled() bool
}

// EnvGate reads EXEC_HOOK_ENABLED from the environment on every call, so
// flipping the variable takes effect immediately in long-lived processes.
type EnvGate struct{}

func (EnvGate) Enabled() bool { return config.HookEnabled() }

// StaticGate is a fixed gate for tests and embedders that manage their own
// enablement.
type StaticGate bool

func (g StaticGate) Enabled() bool { return bool(g) }

// Registry is the immutable set of action types the membrane governs.
// Actions outside the registry bypass even when the gate is on.
type Registry struct {
	types map[contracts.ActionType]struct{}
}

// NewRegistry builds a registry from the given action types.
func NewRegistry(types ...contracts.ActionType) *Registry {
	r := &Registry{types: make(map[contracts.ActionType]struct{}, len(types))}
	for _, t := range types {
		r.types[t] = struct{}{}
	}
	return r
}

// DefaultRegistry covers the built-in high-risk actions. Outbound HTTP is
// recognized by the membrane but not governed unless configured in.
func DefaultRegistry() *Registry {
	return NewRegistry(
		contracts.ActionCommandExec,
		contracts.ActionFileWrite,
		contracts.ActionFileDelete,
		contracts.ActionJSONWrite,
	)
}

// Contains reports whether the action type is governed.
func (r *Registry) Contains(t contracts.ActionType) bool {
	_, ok := r.types[t]
	return ok
}

// Types returns the governed action types, sorted.
func (r *Registry) Types() []contracts.ActionType {
	out := make([]contracts.ActionType, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PerformFunc executes the side effect. It receives a context carrying the
// budget lease so nested guarded calls on the same (task, lane) re-enter
// instead of deadlocking.
type PerformFunc func(ctx context.Context) (any, error)

// Request describes one guarded execution.
type Request struct {
	TaskID          string
	Lane            string
	ActionType      contracts.ActionType
	ExpectedOutcome string
	ConfidencePre   float64
	Metadata        contracts.Evidence

	// LockTimeout overrides the membrane's default for this call.
	// Negative waits until the context is done, zero tries once.
	LockTimeout *time.Duration
}

// PostConfidenceFunc derives confidence_post from the pre-execution
// confidence and the validation tier, absent an explicit validator value.
type PostConfidenceFunc func(pre float64, tier contracts.Tier) float64

// DefaultPostConfidence is the stock policy: success keeps the prior,
// fail zeroes it, acceptable lands midway between the prior and certainty.
func DefaultPostConfidence(pre float64, tier contracts.Tier) float64 {
	switch tier {
	case contracts.TierSuccess:
		return pre
	case contracts.TierAcceptable:
		return (pre + 1.0) / 2
	default:
		return 0.0
	}
}

// Membrane guards side-effecting operations. Construct with New and inject
// collaborators through the setters before first use; the zero value is not
// usable.
type Membrane struct {
	adapter  *executive.Adapter
	gate     Gate
	registry *Registry
	locker   budget.Locker
	obs      *observability.Provider
	logger   *slog.Logger
	clock    Clock

	lockTimeout time.Duration
	postPolicy  PostConfidenceFunc

	ruleEngine *validate.RuleEngine
	rules      map[contracts.ActionType]string
	confidence map[string]float64
	mirror     journal.Journal
	httpClient Doer
	profile    string
}

// New creates a membrane around the given persistence adapter with default
// collaborators: environment gate, default registry, in-process locker,
// wall clock, disabled observability.
func New(adapter *executive.Adapter, logger *slog.Logger) *Membrane {
	if logger == nil {
		logger = slog.Default()
	}
	obs, _ := observability.New(context.Background(), &observability.Config{Enabled: false})
	return &Membrane{
		adapter:     adapter,
		gate:        EnvGate{},
		registry:    DefaultRegistry(),
		locker:      budget.NewLocalLocker(),
		obs:         obs,
		logger:      logger.With("component", "membrane"),
		clock:       wallClock{},
		lockTimeout: config.LockWaitForever,
		postPolicy:  DefaultPostConfidence,
	}
}

// SetGate replaces the enablement gate.
func (m *Membrane) SetGate(g Gate) {
	if g != nil {
		m.gate = g
	}
}

// SetRegistry replaces the governed action set.
func (m *Membrane) SetRegistry(r *Registry) {
	if r != nil {
		m.registry = r
	}
}

// SetLocker replaces the budget locker.
func (m *Membrane) SetLocker(l budget.Locker) {
	if l != nil {
		m.locker = l
	}
}

// SetClock replaces the time source.
func (m *Membrane) SetClock(c Clock) {
	if c != nil {
		m.clock = c
	}
}

// SetObservability replaces the telemetry provider.
func (m *Membrane) SetObservability(p *observability.Provider) {
	if p != nil {
		m.obs = p
	}
}

// SetLockTimeout sets the default budget lock timeout. Negative waits until
// the context is done, zero tries once.
func (m *Membrane) SetLockTimeout(d time.Duration) {
	m.lockTimeout = d
}

// SetPostConfidence replaces the confidence_post derivation policy.
func (m *Membrane) SetPostConfidence(fn PostConfidenceFunc) {
	if fn != nil {
		m.postPolicy = fn
	}
}

// SetRules installs per-action outcome rules. Expressions must already be
// compiled into the engine; they grade results when a guarded call supplies
// no validator of its own.
func (m *Membrane) SetRules(engine *validate.RuleEngine, rules map[contracts.ActionType]string) {
	m.ruleEngine = engine
	m.rules = rules
}

// SetConfidence overrides the built-in wrappers' prior confidence per
// action type.
func (m *Membrane) SetConfidence(overrides map[string]float64) {
	m.confidence = overrides
}

// SetMirror installs a secondary journal that receives a best-effort copy
// of every terminal record (for example a Postgres mirror). Mirror failures
// are logged and never affect the guarded call.
func (m *Membrane) SetMirror(j journal.Journal) {
	m.mirror = j
}

// SetProfile records the config profile name for status output.
func (m *Membrane) SetProfile(name string) {
	m.profile = name
}

// Guard runs perform under the membrane's discipline and returns its
// result. When the gate is off or the action type is not governed, perform
// runs directly with zero membrane side effects.
//
// Error contract: perform's error is returned unchanged after the failure
// is journaled. A budget lock failure is returned wrapped around
// budget.ErrUnavailable and perform never runs. Validator faults are
// absorbed: the call still returns perform's result and a nil error, with
// the fault recorded as a fail tier. Journal write failures are logged,
// never returned.
func (m *Membrane) Guard(ctx context.Context, req Request, perform PerformFunc, validator validate.Func) (any, error) {
	if perform == nil {
		return nil, errors.New("membrane: nil perform")
	}
	if req.Lane == "" {
		req.Lane = "main"
	}

	if !m.gate.Enabled() || !m.registry.Contains(req.ActionType) {
		m.obs.RecordBypass(ctx, observability.AttrActionType.String(string(req.ActionType)))
		return perform(ctx)
	}

	req.ConfidencePre = clamp01(req.ConfidencePre)
	rec := contracts.NewDecisionRecord(m.clock.Now(), req.TaskID, req.Lane, req.ActionType, req.ExpectedOutcome, req.ConfidencePre, req.Metadata)
	m.adapter.Open(ctx, rec)

	attrs := observability.GuardOperation(req.TaskID, req.Lane, string(req.ActionType))
	ctx, finish := m.obs.TrackGuard(ctx, attrs...)

	timeout := m.lockTimeout
	if req.LockTimeout != nil {
		timeout = *req.LockTimeout
	}
	lease, err := m.locker.Acquire(ctx, req.TaskID, req.Lane, timeout)
	if err != nil {
		reason := "budget_lock_timeout"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			reason = "canceled"
		}
		if errors.Is(err, budget.ErrUnavailable) {
			m.obs.RecordLockTimeout(ctx, attrs...)
		}
		m.fail(ctx, rec, err.Error(), contracts.Evidence{
			"reason":   reason,
			"lock_key": budget.Key{TaskID: req.TaskID, Lane: req.Lane}.String(),
		})
		finish(string(rec.Status), "", err)
		return nil, err
	}
	// Backstop for panic paths; terminal paths release explicitly first.
	defer lease.Release()
	ctx = budget.ContextWithLease(ctx, lease)

	var result any
	var performErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				lease.Release()
				err := fmt.Errorf("perform panic: %v", r)
				m.fail(ctx, rec, err.Error(), contracts.Evidence{"reason": "perform_panic"})
				finish(string(rec.Status), "", err)
				panic(r)
			}
		}()
		result, performErr = perform(ctx)
	}()
	if performErr != nil {
		lease.Release()
		m.fail(ctx, rec, performErr.Error(), contracts.Evidence{"reason": "perform_error"})
		finish(string(rec.Status), "", performErr)
		return result, performErr
	}

	outcome := m.runValidation(req, validator, result)
	post := m.derivePost(req.ConfidencePre, outcome)

	lease.Release()
	m.complete(ctx, rec, outcome, post)
	finish(string(rec.Status), string(rec.ValidationTier), nil)
	return result, nil
}

// runValidation resolves the validator (explicit, then configured rule,
// then none) and absorbs any fault it raises.
func (m *Membrane) runValidation(req Request, validator validate.Func, result any) validate.Outcome {
	if validator == nil {
		validator = m.ruleValidator(req)
	}
	if validator == nil {
		return validate.Success(contracts.Evidence{"validator": "none"})
	}

	outcome, err := runValidator(validator, result)
	if err != nil {
		return validate.Fail(contracts.Evidence{
			"reason": "validator_error",
			"error":  err.Error(),
		})
	}
	return validate.Normalize(outcome)
}

func (m *Membrane) ruleValidator(req Request) validate.Func {
	if m.ruleEngine == nil {
		return nil
	}
	expr, ok := m.rules[req.ActionType]
	if !ok {
		return nil
	}
	return m.ruleEngine.Func(expr, req.Metadata)
}

func runValidator(v validate.Func, result any) (out validate.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panic: %v", r)
		}
	}()
	return v(result)
}

// derivePost computes confidence_post. A numeric "confidence_post" in the
// validation evidence overrides the tier policy.
func (m *Membrane) derivePost(pre float64, outcome validate.Outcome) float64 {
	if v, ok := outcome.Evidence["confidence_post"]; ok {
		if f, ok := toFloat(v); ok {
			return clamp01(f)
		}
	}
	return clamp01(m.postPolicy(pre, outcome.Tier))
}

func (m *Membrane) complete(ctx context.Context, rec *contracts.DecisionRecord, outcome validate.Outcome, post float64) {
	if err := m.adapter.Complete(ctx, m.clock.Now(), rec, outcome.Tier, outcome.Evidence, post); err != nil {
		m.logger.Error("journal decision", "decision_id", rec.ID, "error", err)
	}
	m.mirrorRecord(ctx, rec)
}

func (m *Membrane) fail(ctx context.Context, rec *contracts.DecisionRecord, reason string, evidence contracts.Evidence) {
	if err := m.adapter.Fail(ctx, m.clock.Now(), rec, reason, evidence); err != nil {
		m.logger.Error("journal decision", "decision_id", rec.ID, "error", err)
	}
	m.mirrorRecord(ctx, rec)
}

func (m *Membrane) mirrorRecord(ctx context.Context, rec *contracts.DecisionRecord) {
	if m.mirror == nil || !rec.Terminal() {
		return
	}
	if err := m.mirror.Append(ctx, rec); err != nil {
		m.logger.Warn("mirror decision", "decision_id", rec.ID, "error", err)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
