package shm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	internalshm "github.com/srediag/shm-shrink/internal/shm"
)

const instrumentationName = "github.com/srediag/shm-shrink/pkg/shm"

// Region is a shrink-only view of a mapped file.
type Region struct {
	mapped   *internalshm.MappedRegion // nil for heap backed regions
	mem      []byte
	pageSize int
	valid    atomic.Int64
	// size of the backing store for heap regions
	heapStore atomic.Int64
}

// OpenOptions defines options for mapping a file as a region.
type OpenOptions struct {
	// Path is the backing file. Its size at open time is the capacity.
	Path string
	// PageSize overrides the page size used for diagnostic sampling.
	PageSize int
	// Private maps the file copy-on-write instead of shared.
	Private bool
	// Meter receives the valid length gauge. A noop meter is used when nil.
	Meter metric.Meter
}

// Open maps the whole file at opts.Path. The valid length starts at the file size.
func Open(ctx context.Context, opts OpenOptions) (*Region, error) {
	if opts.Path == "" {
		return nil, errors.New("shm: empty path")
	}
	if opts.PageSize < 0 {
		return nil, fmt.Errorf("shm: invalid page size %d", opts.PageSize)
	}
	mapped, err := internalshm.MapFile(ctx, internalshm.MapOptions{
		Path:    opts.Path,
		Private: opts.Private,
	})
	if err != nil {
		return nil, err
	}
	r := newRegion(mapped.Addr, opts.PageSize)
	r.mapped = mapped
	if err := r.instrument(opts.Meter); err != nil {
		_ = internalshm.UnmapRegion(ctx, mapped)
		return nil, err
	}
	return r, nil
}

// NewRegion wraps an in-memory buffer. Truncate on such a region only records
// the new store size, so it is meant for tests and in-process simulations.
func NewRegion(mem []byte, pageSize int) *Region {
	r := newRegion(mem, pageSize)
	r.heapStore.Store(int64(len(mem)))
	return r
}

func newRegion(mem []byte, pageSize int) *Region {
	if pageSize <= 0 {
		pageSize = internalshm.PageSize()
	}
	r := &Region{
		mem:      mem,
		pageSize: pageSize,
	}
	r.valid.Store(int64(len(mem)))
	return r
}

func (r *Region) instrument(meter metric.Meter) error {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(instrumentationName)
	}
	_, err := meter.Int64ObservableGauge("shm.region.valid_length",
		metric.WithUnit("By"),
		metric.WithDescription("Bytes of the region currently safe to read."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.SnapshotLength()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("shm: register gauge: %w", err)
	}
	return nil
}

// Base returns the address of the first byte of the region.
func (r *Region) Base() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.mem)))
}

// Capacity is the size of the mapping. It never changes.
func (r *Region) Capacity() int { return len(r.mem) }

// PageSize is the sampling granularity for diagnostics.
func (r *Region) PageSize() int { return r.pageSize }

// Path returns the backing file, or "" for heap regions.
func (r *Region) Path() string {
	if r.mapped == nil {
		return ""
	}
	return r.mapped.Path
}

// Bytes returns the whole region, bounded by Capacity.
func (r *Region) Bytes() []byte { return r.mem }

// SnapshotLength returns the valid length with a single atomic load.
func (r *Region) SnapshotLength() int {
	return int(r.valid.Load())
}

// PublishLength lowers the valid length. Only the single writer may call it.
// A length above the current one, or below zero, panics.
func (r *Region) PublishLength(n int) {
	cur := r.valid.Load()
	if n < 0 || int64(n) > cur {
		panic(fmt.Sprintf("shm: publish length %d outside [0, %d]", n, cur))
	}
	r.valid.Store(int64(n))
}

// Truncate resizes the backing store.
func (r *Region) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("shm: truncate to negative size %d", size)
	}
	if r.mapped != nil {
		return r.mapped.Truncate(size)
	}
	if r.mem == nil {
		return ErrClosed
	}
	r.heapStore.Store(size)
	return nil
}

// StoreSize reports the current size of the backing store.
func (r *Region) StoreSize() (int64, error) {
	if r.mapped != nil {
		return r.mapped.Size()
	}
	if r.mem == nil {
		return 0, ErrClosed
	}
	return r.heapStore.Load(), nil
}

// ProbeTail reads the word 8 bytes before the end of the region. It must be
// called before any shrink.
func (r *Region) ProbeTail() (uint32, bool) {
	off := len(r.mem) - 8
	if off < 0 {
		return 0, false
	}
	off &^= internalshm.WordSize - 1
	return internalshm.LoadUint32(r.mem, off), true
}

// Close unmaps the region. No reader may touch Bytes afterwards.
func (r *Region) Close() error {
	r.mem = nil
	if r.mapped == nil {
		return nil
	}
	return internalshm.UnmapRegion(context.Background(), r.mapped)
}
