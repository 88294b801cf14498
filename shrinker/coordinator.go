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
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/shm-shrink/api"
)

const tracerName = "github.com/srediag/shm-shrink/shrinker"

// CoordinatorStats is what the coordinator did during a run.
type CoordinatorStats struct {
	Cycles       int
	ShrinkErrors int
	FinalLength  int
	SyncWait     time.Duration
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Region api.LengthPublisher
	Store  api.Store
	// Synchronizer waits out readers after each publish. Nil runs the
	// unsynchronized baseline, which truncates right after publishing.
	Synchronizer   api.Synchronizer
	Floor          int
	Step           int
	SettleDelay    time.Duration
	Interval       time.Duration
	TracerProvider trace.TracerProvider
	Metrics        *Metrics
}

// Coordinator is the single writer. It shrinks the region down to the floor.
type Coordinator struct {
	opts   CoordinatorOptions
	tracer trace.Tracer
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.TracerProvider == nil {
		opts.TracerProvider = noop.NewTracerProvider()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	return &Coordinator{
		opts:   opts,
		tracer: opts.TracerProvider.Tracer(tracerName),
	}
}

// Run shrinks until the valid length reaches the floor. A failed
// synchronization ends the run with an error; a failed truncation is logged
// and the next cycle proceeds.
func (c *Coordinator) Run(ctx context.Context) (CoordinatorStats, error) {
	var stats CoordinatorStats
	if err := sleepContext(ctx, c.opts.SettleDelay); err != nil {
		stats.FinalLength = c.opts.Region.SnapshotLength()
		return stats, err
	}
	for {
		cur := c.opts.Region.SnapshotLength()
		if cur <= c.opts.Floor {
			break
		}
		target := nextTarget(cur, c.opts.Floor, c.opts.Step)
		if err := c.cycle(ctx, cur, target, &stats); err != nil {
			stats.FinalLength = c.opts.Region.SnapshotLength()
			return stats, err
		}
		if target > c.opts.Floor {
			if err := sleepContext(ctx, c.opts.Interval); err != nil {
				stats.FinalLength = target
				return stats, err
			}
		}
	}
	stats.FinalLength = c.opts.Region.SnapshotLength()
	coordinatorLogger.infof("done after %d cycles, length %d", stats.Cycles, stats.FinalLength)
	return stats, nil
}

func nextTarget(cur, floor, step int) int {
	if step <= 0 || cur-step < floor {
		return floor
	}
	return cur - step
}

func (c *Coordinator) cycle(ctx context.Context, cur, target int, stats *CoordinatorStats) error {
	ctx, span := c.tracer.Start(ctx, "shrink.cycle", trace.WithAttributes(
		attribute.Int("shrink.from", cur),
		attribute.Int("shrink.target", target),
		attribute.Bool("shrink.synchronized", c.opts.Synchronizer != nil),
	))
	defer span.End()

	c.opts.Region.PublishLength(target)
	c.opts.Metrics.validLength.Set(float64(target))
	coordinatorLogger.debugf("published length %d (was %d)", target, cur)

	if c.opts.Synchronizer != nil {
		start := time.Now()
		err := c.opts.Synchronizer.Synchronize(ctx)
		wait := time.Since(start)
		stats.SyncWait += wait
		c.opts.Metrics.syncDuration.Observe(wait.Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "synchronize failed")
			coordinatorLogger.errorf("synchronize after publishing %d: %v", target, err)
			return fmt.Errorf("synchronize after publishing %d: %w", target, err)
		}
	}

	stats.Cycles++
	c.opts.Metrics.shrinkCycles.Inc()
	if err := c.opts.Store.Truncate(int64(target)); err != nil {
		stats.ShrinkErrors++
		c.opts.Metrics.shrinkErrors.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "truncate failed")
		coordinatorLogger.warnf("truncate to %d: %v", target, err)
		return nil
	}
	coordinatorLogger.debugf("truncated store to %d", target)
	return nil
}
