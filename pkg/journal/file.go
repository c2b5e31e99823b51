package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openclaw/guardian/pkg/contracts"
)

// DefaultBaseName is the journal filename stem; the day stamp and .jsonl
// suffix are appended.
const DefaultBaseName = "guardian-journal"

// FileJournal appends hash-chained JSONL entries to a date-stamped file,
// rotating at UTC midnight. The chain restarts per file so any single day
// verifies on its own.
type FileJournal struct {
	mu     sync.Mutex
	dir    string
	base   string
	clock  func() time.Time
	logger *slog.Logger

	day  string
	path string
	seq  uint64
	head string
}

// NewFileJournal opens (creating if needed) the journal directory and
// recovers the chain position from today's file.
func NewFileJournal(dir, base string) (*FileJournal, error) {
	if base == "" {
		base = DefaultBaseName
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j := &FileJournal{
		dir:    dir,
		base:   base,
		clock:  time.Now,
		logger: slog.Default(),
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.rotate(); err != nil {
		return nil, err
	}
	return j, nil
}

// SetClock overrides the time source for testing rotation.
func (j *FileJournal) SetClock(fn func() time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.clock = fn
}

func (j *FileJournal) SetLogger(logger *slog.Logger) {
	j.logger = logger
}

// Append writes rec as the next chain entry. The write is a single
// O_APPEND call, so concurrent processes sharing the file cannot shear a
// line even though each process chains only its own view.
func (j *FileJournal) Append(ctx context.Context, rec *contracts.DecisionRecord) error {
	if !rec.Terminal() {
		return fmt.Errorf("append %s: %w", rec.ID, ErrNotTerminal)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.rotate(); err != nil {
		return err
	}

	entry := Entry{
		DecisionRecord: *rec.Clone(),
		Seq:            j.seq + 1,
		PrevHash:       j.head,
	}
	hash, err := ComputeEntryHash(&entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash

	line, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal entry %d: %w", entry.Seq, err)
	}

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", j.path, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write journal %s: %w", j.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close journal %s: %w", j.path, err)
	}

	j.seq = entry.Seq
	j.head = entry.EntryHash
	return nil
}

// Close is a no-op; the file handle is not held between appends.
func (j *FileJournal) Close() error {
	return nil
}

// CurrentPath returns the file appends currently land in.
func (j *FileJournal) CurrentPath() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

// PathForDay returns the journal file for a YYYY-MM-DD day stamp.
func (j *FileJournal) PathForDay(day string) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s-%s.jsonl", j.base, day))
}

// Head returns the current chain head hash, or "" for an empty day.
func (j *FileJournal) Head() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

// Seq returns the sequence number of the last appended entry.
func (j *FileJournal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// rotate points the journal at today's file, recovering seq and head from
// its tail when the day (or process) changed. Callers hold j.mu.
func (j *FileJournal) rotate() error {
	day := j.clock().UTC().Format("2006-01-02")
	if day == j.day && j.path != "" {
		return nil
	}
	j.day = day
	j.path = j.PathForDay(day)
	j.seq = 0
	j.head = ""

	entries, err := ReadFile(j.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recover journal %s: %w", j.path, err)
	}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		j.seq = last.Seq
		j.head = last.EntryHash
	}
	return nil
}

// Parse decodes entries from raw journal bytes, one JSON object per line.
func Parse(data []byte) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parse journal line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return entries, nil
}

// ReadFile loads every entry from one journal file in order.
func ReadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// VerifyFile re-hashes every line of a journal file and returns the entry
// count on success.
func VerifyFile(path string) (int, error) {
	entries, err := ReadFile(path)
	if err != nil {
		return 0, err
	}
	if err := VerifyEntries(entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Tail returns the last n entries of a journal file.
func Tail(path string, n int) ([]Entry, error) {
	entries, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
