// Package executive connects the membrane to whatever records its
// decisions. A backend may be the full executive layer with its durable
// storage areas, the standalone file journal, or a caller-supplied handle
// to an external system. Because external layers ship with different
// schema generations, completion goes through an Adapter that probes the
// handle once and caches a dispatch strategy.
package executive

import (
	"context"

	"github.com/openclaw/guardian/pkg/contracts"
)

// CurrentSchemaVersion is the decision-record schema this package speaks
// natively.
const CurrentSchemaVersion = "2.1.0"

// Capability names an optional backend feature probed at startup.
type Capability string

// CapabilityAcceptableTier marks backends whose schema understands the
// middle validation tier. Layers older than 2.0.0 only know success and
// fail, so acceptable verdicts are degraded before reaching them.
const CapabilityAcceptableTier Capability = "acceptable-tier"

// Backend is a decision sink with identity. Completion flows through
// whichever of the surfaces below the backend implements; the Adapter
// picks the most specific one.
type Backend interface {
	Name() string
	SchemaVersion() string
	Supports(c Capability) bool
	Close() error
}

// RecordAppender is the native completion surface: the whole terminal
// record, typed.
type RecordAppender interface {
	AppendDecision(ctx context.Context, rec *contracts.DecisionRecord) error
}

// JSONIngestor is the legacy surface: one serialized record line, schema
// negotiated out of band. Older layers that predate the typed contract
// expose only this.
type JSONIngestor interface {
	IngestDecision(ctx context.Context, line []byte) error
}

// CompletionStarter is the builder surface: the layer tracks open
// decisions itself (fed via DecisionOpener) and takes completions as a
// fluent sequence keyed by record ID.
type CompletionStarter interface {
	NewCompletion(id string) CompletionBuilder
}

// CompletionBuilder accumulates one completion. Implementations return
// themselves from the setters.
type CompletionBuilder interface {
	SetStatus(status string) CompletionBuilder
	SetTier(tier string) CompletionBuilder
	SetEvidence(evidence map[string]any) CompletionBuilder
	SetError(reason string) CompletionBuilder
	Commit(ctx context.Context) error
}

// DecisionOpener is implemented by backends that track in-flight
// decisions. Open records are hot state only; nothing durable may be
// written until the record turns terminal.
type DecisionOpener interface {
	OpenDecision(ctx context.Context, rec *contracts.DecisionRecord) error
}
