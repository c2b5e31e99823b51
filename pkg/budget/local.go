package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalLocker implements Locker for a single process. Each key owns a
// one-slot channel; holders are tracked so status surfaces can report
// what is currently locked.
//
// Slots are never garbage-collected. The population is bounded by the
// number of distinct (task, lane) pairs a process sees, which in practice
// is small.
type LocalLocker struct {
	mu      sync.Mutex
	slots   map[Key]chan struct{}
	holders map[Key]string

	leaseDir string
	clock    func() time.Time
	logger   *slog.Logger
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		slots:   make(map[Key]chan struct{}),
		holders: make(map[Key]string),
		clock:   time.Now,
		logger:  slog.Default(),
	}
}

// SetLeaseDir enables lease-file materialization: while a lease is held a
// small JSON descriptor exists under dir, and it is removed on release.
// The in-memory slot stays authoritative; the files are operator-facing.
func (l *LocalLocker) SetLeaseDir(dir string) {
	l.leaseDir = dir
}

// SetClock overrides the time source for testing.
func (l *LocalLocker) SetClock(fn func() time.Time) {
	l.clock = fn
}

func (l *LocalLocker) SetLogger(logger *slog.Logger) {
	l.logger = logger
}

// Acquire takes the slot for (taskID, lane). If the calling chain already
// holds the slot (detected via the lease carried in ctx), a nested lease
// is returned immediately and its release leaves the slot held.
func (l *LocalLocker) Acquire(ctx context.Context, taskID, lane string, timeout time.Duration) (*Lease, error) {
	key := Key{TaskID: taskID, Lane: lane}

	if held, ok := LeaseFromContext(ctx); ok && held.Key == key && held.Held() {
		return &Lease{
			ID:         uuid.New().String(),
			Key:        key,
			AcquiredAt: l.clock().UTC(),
			nested:     true,
		}, nil
	}

	ch := l.slot(key)

	switch {
	case timeout < 0:
		select {
		case ch <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("lease %s: %w", key, ctx.Err())
		}
	case timeout == 0:
		select {
		case ch <- struct{}{}:
		default:
			return nil, fmt.Errorf("lease %s held elsewhere: %w", key, ErrUnavailable)
		}
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case ch <- struct{}{}:
		case <-timer.C:
			return nil, fmt.Errorf("lease %s after %s: %w", key, timeout, ErrUnavailable)
		case <-ctx.Done():
			return nil, fmt.Errorf("lease %s: %w", key, ctx.Err())
		}
	}

	lease := &Lease{
		ID:         uuid.New().String(),
		Key:        key,
		AcquiredAt: l.clock().UTC(),
	}
	lease.release = func() {
		l.mu.Lock()
		delete(l.holders, key)
		l.mu.Unlock()
		l.removeLeaseFile(lease)
		<-ch
	}

	l.mu.Lock()
	l.holders[key] = lease.ID
	l.mu.Unlock()
	l.writeLeaseFile(lease)
	return lease, nil
}

// ActiveKeys lists the keys currently held, sorted for stable output.
func (l *LocalLocker) ActiveKeys() []Key {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]Key, 0, len(l.holders))
	for k := range l.holders {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (l *LocalLocker) slot(key Key) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

type leaseFile struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Lane       string    `json:"lane"`
	AcquiredAt time.Time `json:"acquired_at"`
	PID        int       `json:"pid"`
}

func (l *LocalLocker) writeLeaseFile(lease *Lease) {
	if l.leaseDir == "" {
		return
	}
	payload := leaseFile{
		ID:         lease.ID,
		TaskID:     lease.Key.TaskID,
		Lane:       lease.Key.Lane,
		AcquiredAt: lease.AcquiredAt,
		PID:        os.Getpid(),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		l.logger.Warn("lease file marshal failed", "lease", lease.ID, "error", err)
		return
	}
	path := filepath.Join(l.leaseDir, lease.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		l.logger.Warn("lease file write failed", "path", path, "error", err)
	}
}

func (l *LocalLocker) removeLeaseFile(lease *Lease) {
	if l.leaseDir == "" {
		return
	}
	path := filepath.Join(l.leaseDir, lease.ID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("lease file remove failed", "path", path, "error", err)
	}
}
