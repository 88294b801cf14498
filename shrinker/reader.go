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

	"github.com/srediag/shm-shrink/api"
	internalshm "github.com/srediag/shm-shrink/internal/shm"
)

const (
	modeProtected      = "protected"
	modeUnsynchronized = "unsynchronized"
)

// ReaderStats is what a reader did during a run.
type ReaderStats struct {
	Worker     int
	Iterations int
	// Touched counts words loaded over all scans.
	Touched uint64
	// Checksum is the wrapping sum of every loaded word.
	Checksum uint32
	// Scans counts scans per snapshot length.
	Scans map[int]uint64
}

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	Worker int
	Source api.LengthSource
	// Bracket is entered around every scan. Nil disables the bracket.
	Bracket api.Bracket
	// Base is only used to print sample addresses.
	Base            uintptr
	IterationBudget int
	ProgressEvery   int
	Metrics         *Metrics
	sink            *sampleSink
}

// Reader repeatedly snapshots the valid length and scans the region up to it.
type Reader struct {
	opts  ReaderOptions
	mode  string
	stats ReaderStats
}

// NewReader creates a reader. Samples are discarded unless the reader is
// created by a Runner.
func NewReader(opts ReaderOptions) *Reader {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	mode := modeProtected
	if opts.Bracket == nil {
		mode = modeUnsynchronized
	}
	return &Reader{
		opts: opts,
		mode: mode,
		stats: ReaderStats{
			Worker: opts.Worker,
			Scans:  make(map[int]uint64),
		},
	}
}

// Run performs the iteration budget. It stops early with ctx.Err() when ctx
// is done; the check happens before each bracket is entered.
func (r *Reader) Run(ctx context.Context) error {
	var flushedScans, flushedTouched uint64
	flush := func() {
		r.opts.Metrics.scans.WithLabelValues(r.mode).Add(float64(uint64(r.stats.Iterations) - flushedScans))
		r.opts.Metrics.wordsTouched.Add(float64(r.stats.Touched - flushedTouched))
		flushedScans, flushedTouched = uint64(r.stats.Iterations), r.stats.Touched
	}
	defer flush()

	for i := 0; i < r.opts.IterationBudget; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		sampled := r.opts.ProgressEvery > 0 && i%r.opts.ProgressEvery == 0
		if r.opts.Bracket != nil {
			r.opts.Bracket.Enter()
		}
		r.iterate(i, sampled)
		if r.opts.Bracket != nil {
			r.opts.Bracket.Exit()
		}
		if sampled {
			flush()
		}
	}

	if r.opts.sink != nil {
		r.opts.sink.put(sample{kind: sampleSummary, worker: r.opts.Worker, count: r.stats.Touched})
	}
	return nil
}

// iterate must run inside the bracket. snap is never kept past it.
func (r *Reader) iterate(i int, sampled bool) {
	snap := r.opts.Source.SnapshotLength()
	mem := r.opts.Source.Bytes()

	var (
		sum     uint32
		touched uint64
	)
	for off := 0; off+internalshm.WordSize <= snap; off += internalshm.WordSize {
		sum += internalshm.LoadUint32(mem, off)
		touched++
	}

	if sampled && r.opts.sink != nil {
		r.opts.sink.offer(sample{kind: sampleProgress, worker: r.opts.Worker, iteration: i, length: snap})
		page := r.opts.Source.PageSize()
		for off := 0; page > 0 && off+internalshm.WordSize <= snap; off += page {
			r.opts.sink.offer(sample{
				kind:   samplePage,
				worker: r.opts.Worker,
				addr:   r.opts.Base + uintptr(off),
				offset: off,
				value:  internalshm.LoadUint32(mem, off),
			})
		}
	}

	r.stats.Iterations++
	r.stats.Touched += touched
	r.stats.Checksum += sum
	r.stats.Scans[snap]++
}

// Stats returns a copy of the reader's counters. Call it after Run returns.
func (r *Reader) Stats() ReaderStats {
	out := r.stats
	out.Scans = make(map[int]uint64, len(r.stats.Scans))
	for k, v := range r.stats.Scans {
		out.Scans[k] = v
	}
	return out
}

// TouchedPerScan reports how many words a scan at length n loads.
func TouchedPerScan(n int) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n / internalshm.WordSize)
}
