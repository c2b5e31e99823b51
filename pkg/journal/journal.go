// Package journal persists terminal decision records. The canonical
// artifact is an append-only JSONL file whose lines form a hash chain;
// sqlite and postgres backends exist for queryable archives. Only
// completed or failed records are ever written: an open record reaching a
// journal is a caller bug, not a storage concern.
package journal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/openclaw/guardian/pkg/contracts"
)

// ErrNotTerminal is returned when an open record is offered for appending.
var ErrNotTerminal = errors.New("decision record not terminal")

// Journal is the sink for terminal decision records.
type Journal interface {
	Append(ctx context.Context, rec *contracts.DecisionRecord) error
	Close() error
}

// Entry is one persisted journal line: the decision record flattened at
// the top level plus hash-chain linkage. Seq starts at 1 within each file.
type Entry struct {
	contracts.DecisionRecord

	Seq       uint64 `json:"seq"`
	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`
}

// ComputeEntryHash digests the RFC 8785 canonical form of the entry with
// EntryHash cleared.
func ComputeEntryHash(e *Entry) (string, error) {
	hashable := *e
	hashable.EntryHash = ""
	data, err := json.Marshal(&hashable)
	if err != nil {
		return "", fmt.Errorf("marshal entry %d: %w", e.Seq, err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry %d: %w", e.Seq, err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// VerifyEntries walks a chain loaded from one file: sequence numbers must
// be contiguous, every link must point at its predecessor, and every
// stored hash must match the recomputed one.
func VerifyEntries(entries []Entry) error {
	prev := ""
	for i := range entries {
		e := &entries[i]
		if e.Seq != entries[0].Seq+uint64(i) {
			return fmt.Errorf("sequence gap at index %d: got seq %d", i, e.Seq)
		}
		if i == 0 {
			if e.PrevHash != "" {
				return fmt.Errorf("genesis entry has non-empty prev hash")
			}
		} else if e.PrevHash != prev {
			return fmt.Errorf("chain broken at seq %d: prev hash mismatch", e.Seq)
		}
		computed, err := ComputeEntryHash(e)
		if err != nil {
			return fmt.Errorf("recompute hash at seq %d: %w", e.Seq, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("integrity failure at seq %d: computed %s, stored %s", e.Seq, computed, e.EntryHash)
		}
		prev = e.EntryHash
	}
	return nil
}

// Filter narrows queryable backends. Zero values match everything.
type Filter struct {
	TaskID     string
	Lane       string
	ActionType contracts.ActionType
	Status     contracts.Status
	Limit      int
}
