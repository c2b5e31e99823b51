package executive_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/guardian/pkg/contracts"
	"github.com/openclaw/guardian/pkg/executive"
)

// memJournal is the fallback sink used across adapter tests.
type memJournal struct {
	records []*contracts.DecisionRecord
	err     error
}

func (m *memJournal) Append(_ context.Context, rec *contracts.DecisionRecord) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec.Clone())
	return nil
}

func (m *memJournal) Close() error { return nil }

type backendCore struct {
	name    string
	version string
	caps    map[executive.Capability]bool

	versionCalls int
}

func (b *backendCore) Name() string { return b.name }
func (b *backendCore) SchemaVersion() string {
	b.versionCalls++
	return b.version
}
func (b *backendCore) Supports(c executive.Capability) bool { return b.caps[c] }
func (b *backendCore) Close() error                         { return nil }

type recordBackend struct {
	backendCore
	records []*contracts.DecisionRecord
}

func (b *recordBackend) AppendDecision(_ context.Context, rec *contracts.DecisionRecord) error {
	b.records = append(b.records, rec.Clone())
	return nil
}

type jsonBackend struct {
	backendCore
	lines [][]byte
}

func (b *jsonBackend) IngestDecision(_ context.Context, line []byte) error {
	b.lines = append(b.lines, append([]byte(nil), line...))
	return nil
}

type builderBackend struct {
	backendCore
	opened      []string
	completions []*builderCompletion
}

func (b *builderBackend) OpenDecision(_ context.Context, rec *contracts.DecisionRecord) error {
	b.opened = append(b.opened, rec.ID)
	return nil
}

func (b *builderBackend) NewCompletion(id string) executive.CompletionBuilder {
	c := &builderCompletion{id: id}
	b.completions = append(b.completions, c)
	return c
}

type builderCompletion struct {
	id        string
	status    string
	tier      string
	reason    string
	evidence  map[string]any
	committed bool
}

func (c *builderCompletion) SetStatus(status string) executive.CompletionBuilder {
	c.status = status
	return c
}

func (c *builderCompletion) SetTier(tier string) executive.CompletionBuilder {
	c.tier = tier
	return c
}

func (c *builderCompletion) SetEvidence(evidence map[string]any) executive.CompletionBuilder {
	c.evidence = evidence
	return c
}

func (c *builderCompletion) SetError(reason string) executive.CompletionBuilder {
	c.reason = reason
	return c
}

func (c *builderCompletion) Commit(_ context.Context) error {
	c.committed = true
	return nil
}

// opaqueBackend satisfies Backend but none of the completion surfaces.
type opaqueBackend struct {
	backendCore
}

func openRecord(t *testing.T) *contracts.DecisionRecord {
	t.Helper()
	return contracts.NewDecisionRecord(time.Now(), "task-1", "copilot", contracts.ActionFileWrite, "/tmp/a exists", 0.8, nil)
}

func warnLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestAdapterNativeRecordStrategy(t *testing.T) {
	backend := &recordBackend{backendCore: backendCore{
		name: "layer", version: "2.1.0",
		caps: map[executive.Capability]bool{executive.CapabilityAcceptableTier: true},
	}}
	fallback := &memJournal{}
	adapter := executive.NewAdapter(backend, fallback, nil)

	rec := openRecord(t)
	err := adapter.Complete(context.Background(), time.Now(), rec, contracts.TierAcceptable, contracts.Evidence{"size": 4}, 0.9)
	require.NoError(t, err)

	assert.Equal(t, executive.StrategyRecord, adapter.Strategy())
	assert.True(t, adapter.SupportsAcceptableTier())
	require.Len(t, backend.records, 1)
	assert.Empty(t, fallback.records)

	got := backend.records[0]
	assert.Equal(t, contracts.TierAcceptable, got.ValidationTier)
	assert.NotContains(t, got.ValidationEvidence, "acceptable_degraded")
}

func TestAdapterDegradesAcceptableTier(t *testing.T) {
	t.Run("schema predates the tier", func(t *testing.T) {
		backend := &recordBackend{backendCore: backendCore{
			name: "layer", version: "1.4.0",
			// The backend claims the capability; the schema gate overrules it.
			caps: map[executive.Capability]bool{executive.CapabilityAcceptableTier: true},
		}}
		adapter := executive.NewAdapter(backend, &memJournal{}, nil)

		rec := openRecord(t)
		require.NoError(t, adapter.Complete(context.Background(), time.Now(), rec, contracts.TierAcceptable, contracts.Evidence{"size": 4}, 0.9))

		assert.False(t, adapter.SupportsAcceptableTier())
		require.Len(t, backend.records, 1)
		got := backend.records[0]
		assert.Equal(t, contracts.TierSuccess, got.ValidationTier)
		assert.Equal(t, true, got.ValidationEvidence["acceptable_degraded"])
		assert.Equal(t, 4, got.ValidationEvidence["size"])
	})

	t.Run("capability not declared", func(t *testing.T) {
		backend := &recordBackend{backendCore: backendCore{name: "layer", version: "2.1.0"}}
		adapter := executive.NewAdapter(backend, &memJournal{}, nil)

		rec := openRecord(t)
		require.NoError(t, adapter.Complete(context.Background(), time.Now(), rec, contracts.TierAcceptable, nil, 0.9))

		got := backend.records[0]
		assert.Equal(t, contracts.TierSuccess, got.ValidationTier)
		assert.Equal(t, true, got.ValidationEvidence["acceptable_degraded"])
	})

	t.Run("success and fail are never degraded", func(t *testing.T) {
		backend := &recordBackend{backendCore: backendCore{name: "layer", version: "1.0.0"}}
		adapter := executive.NewAdapter(backend, &memJournal{}, nil)

		rec := openRecord(t)
		require.NoError(t, adapter.Complete(context.Background(), time.Now(), rec, contracts.TierFail, nil, 0))
		assert.Equal(t, contracts.TierFail, backend.records[0].ValidationTier)
	})
}

func TestAdapterBuilderStrategy(t *testing.T) {
	backend := &builderBackend{backendCore: backendCore{
		name: "layer", version: "2.0.0",
		caps: map[executive.Capability]bool{executive.CapabilityAcceptableTier: true},
	}}
	adapter := executive.NewAdapter(backend, &memJournal{}, nil)

	rec := openRecord(t)
	adapter.Open(context.Background(), rec)
	assert.Equal(t, []string{rec.ID}, backend.opened)

	require.NoError(t, adapter.Complete(context.Background(), time.Now(), rec, contracts.TierSuccess, contracts.Evidence{"exists": true}, 0.8))

	assert.Equal(t, executive.StrategyBuilder, adapter.Strategy())
	require.Len(t, backend.completions, 1)
	c := backend.completions[0]
	assert.True(t, c.committed)
	assert.Equal(t, rec.ID, c.id)
	assert.Equal(t, "completed", c.status)
	assert.Equal(t, "success", c.tier)
	assert.Equal(t, true, c.evidence["exists"])
	assert.Empty(t, c.reason)

	t.Run("failures carry the reason", func(t *testing.T) {
		failed := openRecord(t)
		require.NoError(t, adapter.Fail(context.Background(), time.Now(), failed, "spawn failed", contracts.Evidence{"error": "spawn failed"}))
		require.Len(t, backend.completions, 2)
		c := backend.completions[1]
		assert.Equal(t, "failed", c.status)
		assert.Empty(t, c.tier)
		assert.Equal(t, "spawn failed", c.reason)
	})
}

func TestAdapterJSONStrategy(t *testing.T) {
	backend := &jsonBackend{backendCore: backendCore{name: "layer", version: "1.0.0"}}
	adapter := executive.NewAdapter(backend, &memJournal{}, nil)

	rec := openRecord(t)
	require.NoError(t, adapter.Complete(context.Background(), time.Now(), rec, contracts.TierSuccess, contracts.Evidence{"exists": true}, 0.8))

	assert.Equal(t, executive.StrategyJSON, adapter.Strategy())
	require.Len(t, backend.lines, 1)

	var decoded contracts.DecisionRecord
	require.NoError(t, json.Unmarshal(backend.lines[0], &decoded))
	assert.Equal(t, rec.ID, decoded.ID)
	assert.Equal(t, contracts.StatusCompleted, decoded.Status)
}

func TestAdapterFallsBackOnUnparseableVersion(t *testing.T) {
	logger, buf := warnLogger()
	backend := &recordBackend{backendCore: backendCore{name: "layer", version: "latest"}}
	fallback := &memJournal{}
	adapter := executive.NewAdapter(backend, fallback, logger)

	rec := openRecord(t)
	require.NoError(t, adapter.Complete(context.Background(), time.Now(), rec, contracts.TierAcceptable, nil, 0.9))

	assert.Equal(t, executive.StrategyFallback, adapter.Strategy())
	assert.Empty(t, backend.records)
	require.Len(t, fallback.records, 1)
	// The standalone journal records the full tier set, so nothing is degraded.
	assert.Equal(t, contracts.TierAcceptable, fallback.records[0].ValidationTier)
	assert.Contains(t, buf.String(), "using standalone journal")
}

func TestAdapterFallsBackOnAncientSchema(t *testing.T) {
	logger, buf := warnLogger()
	backend := &recordBackend{backendCore: backendCore{name: "layer", version: "0.9.3"}}
	fallback := &memJournal{}
	adapter := executive.NewAdapter(backend, fallback, logger)

	rec := openRecord(t)
	require.NoError(t, adapter.Complete(context.Background(), time.Now(), rec, contracts.TierSuccess, nil, 0.8))

	assert.Empty(t, backend.records)
	assert.Len(t, fallback.records, 1)
	assert.Contains(t, buf.String(), "schema version unsupported")
}

func TestAdapterFallsBackWhenNoSurfaceRecognized(t *testing.T) {
	logger, buf := warnLogger()
	backend := &opaqueBackend{backendCore: backendCore{name: "opaque", version: "2.1.0"}}
	fallback := &memJournal{}
	adapter := executive.NewAdapter(backend, fallback, logger)

	rec := openRecord(t)
	require.NoError(t, adapter.Fail(context.Background(), time.Now(), rec, "lock timeout", contracts.Evidence{"reason": "budget_lock_timeout"}))

	assert.Equal(t, executive.StrategyFallback, adapter.Strategy())
	assert.Len(t, fallback.records, 1)
	assert.Contains(t, buf.String(), "no recognized completion surface")
}

func TestAdapterResolvesOnce(t *testing.T) {
	backend := &recordBackend{backendCore: backendCore{name: "layer", version: "2.1.0"}}
	adapter := executive.NewAdapter(backend, &memJournal{}, nil)

	for i := 0; i < 3; i++ {
		rec := openRecord(t)
		require.NoError(t, adapter.Complete(context.Background(), time.Now(), rec, contracts.TierSuccess, nil, 0.8))
	}
	assert.Equal(t, 1, backend.versionCalls, "introspection must run once per process")
}

func TestAdapterRejectsDoubleTermination(t *testing.T) {
	backend := &recordBackend{backendCore: backendCore{name: "layer", version: "2.1.0"}}
	adapter := executive.NewAdapter(backend, &memJournal{}, nil)

	rec := openRecord(t)
	require.NoError(t, adapter.Complete(context.Background(), time.Now(), rec, contracts.TierSuccess, nil, 0.8))

	err := adapter.Fail(context.Background(), time.Now(), rec, "late", nil)
	require.ErrorIs(t, err, contracts.ErrAlreadyTerminal)
	// The journaled record is untouched by the rejected transition.
	assert.Len(t, backend.records, 1)
}
