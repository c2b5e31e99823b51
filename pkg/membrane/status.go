package membrane

import (
	"github.com/openclaw/guardian/pkg/budget"
	"github.com/openclaw/guardian/pkg/journal"
)

// Status is the membrane's operational snapshot.
type Status struct {
	Enabled        bool     `json:"exec_hook_enabled"`
	Backend        string   `json:"backend"`
	SchemaVersion  string   `json:"schema_version"`
	Strategy       string   `json:"strategy"`
	AcceptableTier bool     `json:"acceptable_tier"`
	Allowlist      []string `json:"high_risk_allowlist"`
	JournalPath    string   `json:"log_path"`
	OpenDecisions  int      `json:"open_decisions"`
	ActiveLocks    []string `json:"active_locks,omitempty"`
	Profile        string   `json:"profile,omitempty"`
}

// Status reports the membrane's current state: gate, backend identity and
// completion strategy, governed actions, journal placement, in-flight
// decisions and held locks.
func (m *Membrane) Status() Status {
	s := Status{
		Enabled:        m.gate.Enabled(),
		Strategy:       m.adapter.Strategy(),
		AcceptableTier: m.adapter.SupportsAcceptableTier(),
		Profile:        m.profile,
	}

	if b := m.adapter.Backend(); b != nil {
		s.Backend = b.Name()
		s.SchemaVersion = b.SchemaVersion()
		if j, ok := b.(interface{ Journal() *journal.FileJournal }); ok {
			s.JournalPath = j.Journal().CurrentPath()
		}
		if o, ok := b.(interface{ OpenCount() int }); ok {
			s.OpenDecisions = o.OpenCount()
		}
	}

	for _, t := range m.registry.Types() {
		s.Allowlist = append(s.Allowlist, string(t))
	}

	if l, ok := m.locker.(interface{ ActiveKeys() []budget.Key }); ok {
		for _, k := range l.ActiveKeys() {
			s.ActiveLocks = append(s.ActiveLocks, k.String())
		}
	}

	return s
}
