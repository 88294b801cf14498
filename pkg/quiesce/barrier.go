// Package quiesce implements a grace-period barrier for read-mostly data.
//
// Readers bracket each unit of work with Enter and Exit. Both are a pair of
// atomic operations on the reader's own slot and never block. The single
// writer publishes a change and then calls Synchronize, which returns only
// after every reader that was inside a bracket at call time has left it.
// Brackets opened after Synchronize starts are not waited for: they already
// observe the published change.
//
// Each registered reader owns a slot holding the global epoch it entered at,
// or zero while idle. Synchronize advances the epoch to t and waits until no
// slot holds a non-zero epoch below t. All accesses use sync/atomic, which
// the Go memory model makes sequentially consistent: a reader whose slot
// store is not seen by the writer's scan necessarily performs its following
// loads after the writer's publish.
package quiesce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
)

var (
	// ErrStarved is returned by Synchronize when a reader stayed inside a
	// bracket longer than the configured timeout. Callers must treat it as
	// fatal: proceeding would reintroduce the hazard the barrier prevents.
	ErrStarved = errors.New("quiesce: reader did not leave its bracket")

	errPending = errors.New("quiesce: readers still active")
)

// Barrier tracks registered readers and lets a writer wait for quiescence.
type Barrier struct {
	epoch   atomic.Uint64 // starts at 1, slot value 0 means idle
	nextID  atomic.Uint64
	readers cmap.ConcurrentMap[string, *Reader]

	syncMu       sync.Mutex
	waitingSince atomic.Int64 // unix nanos, 0 when no Synchronize is waiting

	timeout    time.Duration
	newBackOff func() backoff.BackOff
}

// Option configures a Barrier.
type Option func(*Barrier)

// WithTimeout bounds how long Synchronize waits. Zero waits forever.
func WithTimeout(d time.Duration) Option {
	return func(b *Barrier) { b.timeout = d }
}

// WithBackOff replaces the polling schedule used while waiting. The
// returned policy should not stop on its own; the timeout is applied on top.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(b *Barrier) { b.newBackOff = f }
}

// New creates a Barrier.
func New(opts ...Option) *Barrier {
	b := &Barrier{
		readers:    cmap.New[*Reader](),
		newBackOff: defaultBackOff,
	}
	b.epoch.Store(1)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Microsecond
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2
	bo.MaxInterval = 2 * time.Millisecond
	bo.MaxElapsedTime = 0
	return bo
}

// Reader is one reader's registration. A Reader must be used by a single
// goroutine at a time.
type Reader struct {
	b     *Barrier
	id    string
	epoch atomic.Uint64
}

// Register adds a reader. Registration may happen concurrently with Synchronize.
func (b *Barrier) Register() *Reader {
	r := &Reader{
		b:  b,
		id: strconv.FormatUint(b.nextID.Add(1), 10),
	}
	b.readers.Set(r.id, r)
	return r
}

// Unregister removes the reader. It must not be inside a bracket.
func (r *Reader) Unregister() {
	if r.epoch.Load() != 0 {
		panic("quiesce: Unregister inside a bracket")
	}
	r.b.readers.Remove(r.id)
}

// Enter opens a bracket. It never blocks.
func (r *Reader) Enter() {
	if r.epoch.Load() != 0 {
		panic("quiesce: nested Enter")
	}
	r.epoch.Store(r.b.epoch.Load())
}

// Exit closes the bracket opened by Enter. It never blocks.
func (r *Reader) Exit() {
	if r.epoch.Swap(0) == 0 {
		panic("quiesce: Exit without Enter")
	}
}

// Active reports whether the reader is inside a bracket.
func (r *Reader) Active() bool {
	return r.epoch.Load() != 0
}

// blocks reports whether the reader is inside a bracket opened before target.
func (r *Reader) blocks(target uint64) bool {
	e := r.epoch.Load()
	return e != 0 && e < target
}

// Synchronize blocks until every reader inside a bracket at call time has
// left it. Concurrent calls are serialized.
func (b *Barrier) Synchronize(ctx context.Context) error {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()

	target := b.epoch.Add(1)

	var pending []*Reader
	for item := range b.readers.IterBuffered() {
		if item.Val.blocks(target) {
			pending = append(pending, item.Val)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	b.waitingSince.Store(time.Now().UnixNano())
	defer b.waitingSince.Store(0)

	parent := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	op := func() error {
		n := 0
		for _, r := range pending {
			if r.blocks(target) {
				pending[n] = r
				n++
			}
		}
		pending = pending[:n]
		if n > 0 {
			return errPending
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(b.newBackOff(), ctx))
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return fmt.Errorf("quiesce: synchronize: %w", parent.Err())
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %d reader(s) still active after %s", ErrStarved, len(pending), b.timeout)
	}
	return fmt.Errorf("%w: %d reader(s) still active", ErrStarved, len(pending))
}

// Epoch returns the current global epoch.
func (b *Barrier) Epoch() uint64 {
	return b.epoch.Load()
}

// Registered returns the number of registered readers.
func (b *Barrier) Registered() int {
	return b.readers.Count()
}

// Active returns the number of readers currently inside a bracket.
func (b *Barrier) Active() int {
	n := 0
	for item := range b.readers.IterBuffered() {
		if item.Val.Active() {
			n++
		}
	}
	return n
}

// WaitingSince returns when the running Synchronize started waiting, or the
// zero time when none is waiting.
func (b *Barrier) WaitingSince() time.Time {
	ns := b.waitingSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
