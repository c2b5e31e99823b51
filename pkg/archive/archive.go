package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/openclaw/guardian/pkg/journal"
)

const dayFormat = "2006-01-02"

// Manifest describes one archived journal day. It is uploaded next to the
// day's object under <key>.manifest.json.
type Manifest struct {
	Day        string    `json:"day"`
	Key        string    `json:"key"`
	SHA256     string    `json:"sha256"`
	SizeBytes  int       `json:"size_bytes"`
	Entries    int       `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Archiver ships closed journal days from a journal directory into a
// store. A day that fails chain verification is never shipped.
type Archiver struct {
	store  Store
	dir    string
	base   string
	logger *slog.Logger
	clock  func() time.Time
}

// NewArchiver wires an archiver over the journal directory and file stem.
func NewArchiver(store Store, dir, base string) *Archiver {
	if base == "" {
		base = journal.DefaultBaseName
	}
	return &Archiver{
		store:  store,
		dir:    dir,
		base:   base,
		logger: slog.Default(),
		clock:  time.Now,
	}
}

func (a *Archiver) SetLogger(logger *slog.Logger) {
	if logger != nil {
		a.logger = logger
	}
}

// SetClock overrides the time source for testing.
func (a *Archiver) SetClock(fn func() time.Time) {
	if fn != nil {
		a.clock = fn
	}
}

// ArchiveDay verifies and ships one day's journal file. Shipping is
// idempotent: a key already present in the store is not re-uploaded, and
// the returned manifest is recomputed from the local file either way.
func (a *Archiver) ArchiveDay(ctx context.Context, day string) (*Manifest, error) {
	if _, err := time.Parse(dayFormat, day); err != nil {
		return nil, fmt.Errorf("invalid day %q (want YYYY-MM-DD)", day)
	}

	name := fmt.Sprintf("%s-%s.jsonl", a.base, day)
	data, err := os.ReadFile(filepath.Join(a.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read journal for %s: %w", day, err)
	}

	entries, err := journal.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse journal for %s: %w", day, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("journal for %s has no entries", day)
	}
	if err := journal.VerifyEntries(entries); err != nil {
		return nil, fmt.Errorf("verify journal for %s: %w", day, err)
	}

	sum := sha256.Sum256(data)
	manifest := &Manifest{
		Day:        day,
		Key:        path.Join("journal", day[:4], name),
		SHA256:     "sha256:" + hex.EncodeToString(sum[:]),
		SizeBytes:  len(data),
		Entries:    len(entries),
		ChainHead:  entries[len(entries)-1].EntryHash,
		ArchivedAt: a.clock().UTC(),
	}

	exists, err := a.store.Exists(ctx, manifest.Key)
	if err != nil {
		return nil, err
	}
	if exists {
		a.logger.Info("journal day already archived", "day", day, "key", manifest.Key)
		return manifest, nil
	}

	if err := a.store.Put(ctx, manifest.Key, data); err != nil {
		return nil, err
	}
	mdata, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for %s: %w", day, err)
	}
	if err := a.store.Put(ctx, manifest.Key+".manifest.json", mdata); err != nil {
		return nil, err
	}

	a.logger.Info("journal day archived",
		"day", day, "key", manifest.Key, "entries", manifest.Entries, "bytes", manifest.SizeBytes)
	return manifest, nil
}

// Sweep archives every closed day found in the journal directory. Today's
// file is skipped; it is still being appended to.
func (a *Archiver) Sweep(ctx context.Context) ([]*Manifest, error) {
	matches, err := filepath.Glob(filepath.Join(a.dir, a.base+"-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("scan journal dir: %w", err)
	}
	today := a.clock().UTC().Format(dayFormat)

	var out []*Manifest
	for _, m := range matches {
		day := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), a.base+"-"), ".jsonl")
		if _, err := time.Parse(dayFormat, day); err != nil {
			continue
		}
		if day >= today {
			continue
		}
		manifest, err := a.ArchiveDay(ctx, day)
		if err != nil {
			return out, err
		}
		out = append(out, manifest)
	}
	return out, nil
}
