package executive

import (
	"context"

	"github.com/openclaw/guardian/pkg/contracts"
	"github.com/openclaw/guardian/pkg/journal"
)

// Standalone is the backend used when no executive layer is present: a
// bare hash-chained file journal and nothing else. It is also the sink
// the Adapter falls back to when a foreign backend cannot be understood.
type Standalone struct {
	journal *journal.FileJournal
}

// NewStandalone opens a file journal under dir. An empty base uses the
// default journal filename.
func NewStandalone(dir, base string) (*Standalone, error) {
	j, err := journal.NewFileJournal(dir, base)
	if err != nil {
		return nil, err
	}
	return &Standalone{journal: j}, nil
}

func (s *Standalone) Name() string {
	return "standalone"
}

func (s *Standalone) SchemaVersion() string {
	return CurrentSchemaVersion
}

func (s *Standalone) Supports(c Capability) bool {
	return c == CapabilityAcceptableTier
}

func (s *Standalone) AppendDecision(ctx context.Context, rec *contracts.DecisionRecord) error {
	return s.journal.Append(ctx, rec)
}

// Journal exposes the underlying file journal for tail and verify
// tooling.
func (s *Standalone) Journal() *journal.FileJournal {
	return s.journal
}

func (s *Standalone) Close() error {
	return s.journal.Close()
}
