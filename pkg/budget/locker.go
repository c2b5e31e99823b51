// Package budget provides the serialization primitive of the membrane:
// one lease per (task, lane) key, so concurrent guarded calls on the same
// work stream execute one at a time. Locks are process-local by contract;
// cross-host coordination belongs to a layer above the membrane.
package budget

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnavailable is returned when a lease cannot be acquired within the
// caller's timeout.
var ErrUnavailable = errors.New("budget lock unavailable")

// Key identifies one lock slot.
type Key struct {
	TaskID string
	Lane   string
}

func (k Key) String() string {
	return k.TaskID + "/" + k.Lane
}

// Lease is a held lock slot. Release is idempotent so cleanup paths can
// call it unconditionally.
type Lease struct {
	ID         string
	Key        Key
	AcquiredAt time.Time

	nested   bool
	release  func()
	once     sync.Once
	released atomic.Bool
}

// Release frees the slot. Further calls are no-ops. Releasing a nested
// lease never frees the underlying slot; only the outermost lease does.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.released.Store(true)
		if l.release != nil {
			l.release()
		}
	})
}

// Held reports whether the lease is still live.
func (l *Lease) Held() bool {
	return !l.released.Load()
}

// Nested reports whether this lease re-entered a slot already held higher
// up the same call chain.
func (l *Lease) Nested() bool {
	return l.nested
}

// Locker hands out leases. Timeout semantics: negative waits until the
// context is done, zero tries once, positive bounds the wait.
type Locker interface {
	Acquire(ctx context.Context, taskID, lane string, timeout time.Duration) (*Lease, error)
}

type leaseCtxKey struct{}

// ContextWithLease attaches a held lease to the context passed into a
// guarded action, allowing nested guarded calls on the same key to
// re-enter instead of deadlocking against their own caller.
func ContextWithLease(ctx context.Context, lease *Lease) context.Context {
	return context.WithValue(ctx, leaseCtxKey{}, lease)
}

// LeaseFromContext returns the lease held by the current call chain.
func LeaseFromContext(ctx context.Context) (*Lease, bool) {
	l, ok := ctx.Value(leaseCtxKey{}).(*Lease)
	return l, ok
}
