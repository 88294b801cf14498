/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shrinker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shm-shrink/api"
	"github.com/srediag/shm-shrink/pkg/fault"
	"github.com/srediag/shm-shrink/pkg/quiesce"
	"github.com/srediag/shm-shrink/pkg/shm"
)

// Summary is the outcome of a run.
type Summary struct {
	Mode           string
	Readers        []ReaderStats
	Cycles         int
	ShrinkErrors   int
	SyncWait       time.Duration
	Faults         []fault.Fault
	FinalLength    int
	SamplesDropped uint64
	Elapsed        time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSampleOutput sets where progress, page and summary lines go. Defaults to os.Stdout.
func WithSampleOutput(w io.Writer) RunnerOption {
	return func(r *Runner) { r.sampleOut = w }
}

// WithMetrics shares metrics with the caller, for instance to serve them.
func WithMetrics(m *Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithTracerProvider traces coordinator cycles.
func WithTracerProvider(tp trace.TracerProvider) RunnerOption {
	return func(r *Runner) { r.tracerProvider = tp }
}

// WithFaultOptions are passed to the fault reporter.
func WithFaultOptions(opts ...fault.Option) RunnerOption {
	return func(r *Runner) { r.faultOpts = append(r.faultOpts, opts...) }
}

// WithBarrierOptions are passed to the barrier. The sync timeout from the
// config is applied first.
func WithBarrierOptions(opts ...quiesce.Option) RunnerOption {
	return func(r *Runner) { r.barrierOpts = append(r.barrierOpts, opts...) }
}

// Runner runs the readers on a pool while the coordinator shrinks the region.
type Runner struct {
	cfg    *Config
	region *shm.Region

	sampleOut      io.Writer
	metrics        *Metrics
	tracerProvider trace.TracerProvider
	faultOpts      []fault.Option
	barrierOpts    []quiesce.Option

	barrier  *quiesce.Barrier
	reporter *fault.Reporter
	stats    cmap.ConcurrentMap[string, ReaderStats]

	errMu    sync.Mutex
	firstErr error
}

// NewRunner validates cfg and prepares a run over region.
func NewRunner(cfg *Config, region *shm.Region, opts ...RunnerOption) (*Runner, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	if region == nil {
		return nil, errors.New("shrinker: nil region")
	}
	r := &Runner{
		cfg:       cfg,
		region:    region,
		sampleOut: os.Stdout,
		stats:     cmap.New[ReaderStats](),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics()
	}
	if !cfg.Unsynchronized {
		bopts := append([]quiesce.Option{quiesce.WithTimeout(time.Duration(cfg.SyncTimeout))}, r.barrierOpts...)
		r.barrier = quiesce.New(bopts...)
	}
	fopts := append([]fault.Option{fault.WithObserver(func(fault.Fault) { r.metrics.faults.Inc() })}, r.faultOpts...)
	r.reporter = fault.NewReporter(region.Base(), region.Capacity(), fopts...)
	return r, nil
}

// Barrier returns the barrier, or nil in unsynchronized mode.
func (r *Runner) Barrier() *quiesce.Barrier { return r.barrier }

// Metrics returns the run metrics.
func (r *Runner) Metrics() *Metrics { return r.metrics }

// Mode reports whether the run is protected or unsynchronized.
func (r *Runner) Mode() string {
	if r.barrier == nil {
		return modeUnsynchronized
	}
	return modeProtected
}

func (r *Runner) setErr(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.firstErr == nil {
		r.firstErr = err
	}
}

// Run starts ThreadCount readers and shrinks the region to the floor on the
// calling goroutine. It returns once every reader has finished its budget.
// A synchronization failure cancels the readers and is returned.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	r.logStartup()
	r.metrics.validLength.Set(float64(r.region.SnapshotLength()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool, err := ants.NewPool(r.cfg.ThreadCount, ants.WithPreAlloc(true), ants.WithPanicHandler(func(v interface{}) {
		internalLogger.errorf("reader panic: %v", v)
		r.setErr(fmt.Errorf("shrinker: reader panic: %v", v))
		cancel()
	}))
	if err != nil {
		return nil, fmt.Errorf("shrinker: create reader pool: %w", err)
	}
	defer pool.Release()

	sink := newSampleSink(r.sampleOut, r.cfg.SampleBuffer, r.metrics.samplesDropped.Inc)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.ThreadCount; i++ {
		worker := i
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			r.runReader(runCtx, worker, sink)
		}); err != nil {
			wg.Done()
			r.setErr(fmt.Errorf("shrinker: submit reader %d: %w", worker, err))
			cancel()
			break
		}
	}

	coord := NewCoordinator(CoordinatorOptions{
		Region:         r.region,
		Store:          r.region,
		Synchronizer:   r.synchronizer(),
		Floor:          r.cfg.ShrinkFloor,
		Step:           r.cfg.ShrinkStep,
		SettleDelay:    time.Duration(r.cfg.SettleDelay),
		Interval:       time.Duration(r.cfg.ShrinkInterval),
		TracerProvider: r.tracerProvider,
		Metrics:        r.metrics,
	})
	cstats, cerr := coord.Run(runCtx)
	if cerr != nil && !errors.Is(cerr, context.Canceled) {
		r.setErr(cerr)
		cancel()
	}

	wg.Wait()
	sink.close()

	summary := &Summary{
		Mode:           r.Mode(),
		Readers:        r.readerStats(),
		Cycles:         cstats.Cycles,
		ShrinkErrors:   cstats.ShrinkErrors,
		SyncWait:       cstats.SyncWait,
		Faults:         r.reporter.Faults(),
		FinalLength:    r.region.SnapshotLength(),
		SamplesDropped: sink.droppedCount(),
		Elapsed:        time.Since(start),
	}
	internalLogger.infof("%s run finished in %s: %d cycles, %d shrink errors, %d faults",
		summary.Mode, summary.Elapsed, summary.Cycles, summary.ShrinkErrors, len(summary.Faults))

	r.errMu.Lock()
	err = r.firstErr
	r.errMu.Unlock()
	if err == nil {
		err = ctx.Err()
	}
	return summary, err
}

// synchronizer keeps the interface nil in unsynchronized mode.
func (r *Runner) synchronizer() api.Synchronizer {
	if r.barrier == nil {
		return nil
	}
	return r.barrier
}

func (r *Runner) runReader(ctx context.Context, worker int, sink *sampleSink) {
	opts := ReaderOptions{
		Worker:          worker,
		Source:          r.region,
		Base:            r.region.Base(),
		IterationBudget: r.cfg.IterationBudget,
		ProgressEvery:   r.cfg.ProgressEvery,
		Metrics:         r.metrics,
		sink:            sink,
	}
	if r.barrier != nil {
		h := r.barrier.Register()
		defer func() {
			if h.Active() {
				h.Exit()
			}
			h.Unregister()
		}()
		opts.Bracket = h
	}

	rd := NewReader(opts)
	var runErr error
	ferr := r.reporter.Guard(worker, func() { runErr = rd.Run(ctx) })
	r.stats.Set(strconv.Itoa(worker), rd.Stats())

	switch {
	case ferr != nil:
		r.setErr(ferr)
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		r.setErr(fmt.Errorf("reader %d: %w", worker, runErr))
	}
}

func (r *Runner) readerStats() []ReaderStats {
	out := make([]ReaderStats, 0, r.stats.Count())
	for _, s := range r.stats.Items() {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out
}

func (r *Runner) logStartup() {
	internalLogger.infof("App PID: %d", os.Getpid())
	base := r.region.Base()
	internalLogger.infof("mapped %q from 0x%x to 0x%x (%d bytes, page %d)",
		r.region.Path(), base, base+uintptr(r.region.Capacity()), r.region.Capacity(), r.region.PageSize())
	if v, ok := r.region.ProbeTail(); ok {
		internalLogger.infof("data value is %d", v)
	}
	internalLogger.infof("%s mode: %d readers x %d iterations, floor %d, step %d",
		r.Mode(), r.cfg.ThreadCount, r.cfg.IterationBudget, r.cfg.ShrinkFloor, r.cfg.ShrinkStep)
}
