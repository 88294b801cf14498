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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/shm-shrink/pkg/quiesce"
)

type RunnerTestSuite struct {
	suite.Suite
}

func (s *RunnerTestSuite) TestConcreteScenario() {
	region := countingRegion(8000, 4000)
	cfg := DefaultConfig()
	cfg.ThreadCount = 4
	cfg.IterationBudget = 100
	cfg.ShrinkFloor = 4000
	cfg.ProgressEvery = 10
	cfg.SettleDelay = Duration(time.Millisecond)

	var out syncBuffer
	runner, err := NewRunner(cfg, region, WithSampleOutput(&out))
	s.Require().NoError(err)
	summary, err := runner.Run(context.Background())
	s.Require().NoError(err)

	s.Equal(modeProtected, summary.Mode)
	s.Equal(1, summary.Cycles)
	s.Zero(summary.ShrinkErrors)
	s.Empty(summary.Faults)
	s.Equal(4000, summary.FinalLength)
	size, err := region.StoreSize()
	s.Require().NoError(err)
	s.Equal(int64(4000), size)

	s.Require().Len(summary.Readers, 4)
	for i, st := range summary.Readers {
		s.Equal(i, st.Worker)
		s.Equal(100, st.Iterations)
		var touched uint64
		for length, n := range st.Scans {
			s.Contains([]int{8000, 4000}, length)
			touched += n * TouchedPerScan(length)
		}
		s.Equal(touched, st.Touched)
		s.Contains(out.String(), fmt.Sprintf("Thread %d done (count=%d)\n", i, st.Touched))
	}
	s.Equal(2000, int(TouchedPerScan(8000)))
	s.Equal(1000, int(TouchedPerScan(4000)))
	s.Equal(0, runner.Barrier().Active())
	s.Equal(0, runner.Barrier().Registered())
}

func (s *RunnerTestSuite) TestNoFaultAcrossThreadCounts() {
	for _, threads := range []int{1, 8, 20} {
		for _, step := range []int{0, 512, 4096} {
			region := countingRegion(16*4096, 4096)
			cfg := DefaultConfig()
			cfg.ThreadCount = threads
			cfg.IterationBudget = 50
			cfg.ShrinkFloor = 4096
			cfg.ShrinkStep = step
			cfg.ProgressEvery = 0

			runner, err := NewRunner(cfg, region, WithSampleOutput(&syncBuffer{}))
			s.Require().NoError(err)
			summary, err := runner.Run(context.Background())
			s.Require().NoError(err, "threads=%d step=%d", threads, step)
			s.Empty(summary.Faults)
			s.Len(summary.Readers, threads)
			s.Equal(4096, summary.FinalLength)
			for _, st := range summary.Readers {
				s.Equal(50, st.Iterations)
				for length := range st.Scans {
					s.LessOrEqual(length, 16*4096)
					s.GreaterOrEqual(length, 4096)
				}
			}
		}
	}
}

func (s *RunnerTestSuite) TestMonotonicShrinkObservedByReaders() {
	region := countingRegion(32*1024, 1024)
	cfg := DefaultConfig()
	cfg.ThreadCount = 4
	cfg.IterationBudget = 200
	cfg.ShrinkFloor = 1024
	cfg.ShrinkStep = 1024
	cfg.ProgressEvery = 1

	var out syncBuffer
	runner, err := NewRunner(cfg, region, WithSampleOutput(&out), WithBarrierOptions(quiesce.WithTimeout(time.Minute)))
	s.Require().NoError(err)
	_, err = runner.Run(context.Background())
	s.Require().NoError(err)

	// progress lines of a worker never report a growing size
	last := map[string]int{}
	for _, line := range strings.Split(out.String(), "\n") {
		var worker, iteration, size int
		if n, _ := fmt.Sscanf(line, "#%d: Iteration %d (size=%d)", &worker, &iteration, &size); n != 3 {
			continue
		}
		key := strings.SplitN(line, ":", 2)[0]
		if prev, ok := last[key]; ok {
			s.LessOrEqual(size, prev, line)
		}
		last[key] = size
	}
	s.NotEmpty(last)
}

func (s *RunnerTestSuite) TestInvalidConfig() {
	cfg := DefaultConfig()
	cfg.ThreadCount = 0
	_, err := NewRunner(cfg, countingRegion(64, 16))
	s.ErrorIs(err, ErrInvalidConfig)

	_, err = NewRunner(DefaultConfig(), nil)
	s.Error(err)
}

func (s *RunnerTestSuite) TestCanceledRun() {
	cfg := DefaultConfig()
	cfg.ThreadCount = 2
	cfg.SettleDelay = Duration(time.Hour)
	runner, err := NewRunner(cfg, countingRegion(8000, 4000), WithSampleOutput(&syncBuffer{}))
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	summary, err := runner.Run(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Zero(summary.Cycles)
	s.Equal(8000, summary.FinalLength)
}

func (s *RunnerTestSuite) TestUnsynchronizedHasNoBarrier() {
	cfg := DefaultConfig()
	cfg.Unsynchronized = true
	cfg.ThreadCount = 2
	cfg.IterationBudget = 10
	// heap backed: truncation cannot fault, only the mode is checked
	runner, err := NewRunner(cfg, countingRegion(8000, 4000), WithSampleOutput(&syncBuffer{}))
	s.Require().NoError(err)
	s.Nil(runner.Barrier())
	summary, err := runner.Run(context.Background())
	s.Require().NoError(err)
	s.Equal(modeUnsynchronized, summary.Mode)
	s.Equal(float64(20), counterValue(runner.Metrics().scans.WithLabelValues(modeUnsynchronized)))
}

func TestRunnerTestSuite(t *testing.T) {
	suite.Run(t, new(RunnerTestSuite))
}
