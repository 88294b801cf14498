// Package health exposes liveness and readiness checks for a shrink run.
package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultStallThreshold is how long a grace period may wait before the
	// process is reported as not live.
	DefaultStallThreshold = 10 * time.Second
	// DefaultMaxGoroutines bounds the goroutine count check.
	DefaultMaxGoroutines = 10000
)

var (
	// ErrStalled is reported when a grace period waits longer than the threshold.
	ErrStalled = errors.New("health: grace period stalled")
	// ErrStoreBelowValid is reported when the backing store is smaller than the valid length.
	ErrStoreBelowValid = errors.New("health: backing store smaller than valid length")
)

// BarrierState is the part of a quiescence barrier the checks read.
type BarrierState interface {
	WaitingSince() time.Time
	Active() int
}

// RegionState is the part of a region the checks read.
type RegionState interface {
	SnapshotLength() int
	StoreSize() (int64, error)
}

// Options configures NewHandler. Nil Barrier or Region skips the matching check.
type Options struct {
	Barrier        BarrierState
	Region         RegionState
	StallThreshold time.Duration
	MaxGoroutines  int
	// Registerer, when set, also exports every check as a gauge.
	Registerer prometheus.Registerer
	Namespace  string
}

// NewHandler returns a handler serving /live and /ready.
func NewHandler(opts Options) healthcheck.Handler {
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = DefaultStallThreshold
	}
	if opts.MaxGoroutines <= 0 {
		opts.MaxGoroutines = DefaultMaxGoroutines
	}
	var h healthcheck.Handler
	if opts.Registerer != nil {
		h = healthcheck.NewMetricsHandler(opts.Registerer, opts.Namespace)
	} else {
		h = healthcheck.NewHandler()
	}
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	if opts.Barrier != nil {
		h.AddLivenessCheck("grace-period", BarrierCheck(opts.Barrier, opts.StallThreshold, time.Now))
	}
	if opts.Region != nil {
		h.AddReadinessCheck("region", RegionCheck(opts.Region))
	}
	return h
}

// BarrierCheck fails while a Synchronize has been waiting for longer than threshold.
func BarrierCheck(b BarrierState, threshold time.Duration, now func() time.Time) healthcheck.Check {
	return func() error {
		since := b.WaitingSince()
		if since.IsZero() {
			return nil
		}
		if waited := now().Sub(since); waited > threshold {
			return fmt.Errorf("%w: waiting %s for %d active readers", ErrStalled, waited.Round(time.Millisecond), b.Active())
		}
		return nil
	}
}

// RegionCheck fails when the store cannot be read or is smaller than the
// valid length, which means a reader could touch a truncated page.
func RegionCheck(r RegionState) healthcheck.Check {
	return func() error {
		size, err := r.StoreSize()
		if err != nil {
			return fmt.Errorf("health: store size: %w", err)
		}
		if valid := r.SnapshotLength(); size < int64(valid) {
			return fmt.Errorf("%w: store %d, valid %d", ErrStoreBelowValid, size, valid)
		}
		return nil
	}
}
