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
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

const (
	defaultThreadCount     = 20
	defaultIterationBudget = 10000
	defaultShrinkFloor     = 4000
	defaultProgressEvery   = 1000
	defaultSampleBuffer    = 4096
	defaultSyncTimeout     = 30 * time.Second

	maxThreadCount = 4096
)

// Config holds the tunables of a run.
type Config struct {
	// ThreadCount is the number of reader workers.
	ThreadCount int `json:"thread_count"`
	// IterationBudget is the number of scans each reader performs.
	IterationBudget int `json:"iteration_budget"`
	// ShrinkFloor is the length at which the coordinator stops shrinking.
	ShrinkFloor int `json:"shrink_floor"`
	// ShrinkStep is the number of bytes removed per cycle. Zero jumps to the floor in one cycle.
	ShrinkStep int `json:"shrink_step"`
	// SettleDelay is waited before the first shrink cycle.
	SettleDelay Duration `json:"settle_delay"`
	// ShrinkInterval is waited between shrink cycles.
	ShrinkInterval Duration `json:"shrink_interval"`
	// SyncTimeout bounds each grace period. Zero waits forever.
	SyncTimeout Duration `json:"sync_timeout"`
	// PageSize is the sampling granularity. Zero uses the OS page size.
	PageSize int `json:"page_size"`
	// ProgressEvery emits a progress line and page samples every N iterations. Zero disables them.
	ProgressEvery int `json:"progress_every"`
	// SampleBuffer is the capacity of the diagnostic sample ring.
	SampleBuffer int `json:"sample_buffer"`
	// Unsynchronized runs the baseline without brackets or grace periods.
	// It exists to reproduce the fault and must not be used otherwise.
	Unsynchronized bool `json:"unsynchronized"`
}

// Duration is a time.Duration that reads "150ms" style strings or nanoseconds from JSON.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*d = Duration(time.Duration(v))
	case string:
		p, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(p)
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ThreadCount:     defaultThreadCount,
		IterationBudget: defaultIterationBudget,
		ShrinkFloor:     defaultShrinkFloor,
		ProgressEvery:   defaultProgressEvery,
		SampleBuffer:    defaultSampleBuffer,
		SyncTimeout:     Duration(defaultSyncTimeout),
	}
}

// VerifyConfig checks that config is usable.
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if config.ThreadCount < 1 || config.ThreadCount > maxThreadCount {
		return fmt.Errorf("%w: thread_count must be in [1, %d], got %d", ErrInvalidConfig, maxThreadCount, config.ThreadCount)
	}
	if config.IterationBudget < 1 {
		return fmt.Errorf("%w: iteration_budget must be positive, got %d", ErrInvalidConfig, config.IterationBudget)
	}
	if config.ShrinkFloor < 0 {
		return fmt.Errorf("%w: shrink_floor must not be negative, got %d", ErrInvalidConfig, config.ShrinkFloor)
	}
	if config.ShrinkStep < 0 {
		return fmt.Errorf("%w: shrink_step must not be negative, got %d", ErrInvalidConfig, config.ShrinkStep)
	}
	if config.SettleDelay < 0 || config.ShrinkInterval < 0 || config.SyncTimeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if config.PageSize < 0 {
		return fmt.Errorf("%w: page_size must not be negative, got %d", ErrInvalidConfig, config.PageSize)
	}
	if config.ProgressEvery < 0 {
		return fmt.Errorf("%w: progress_every must not be negative, got %d", ErrInvalidConfig, config.ProgressEvery)
	}
	if config.SampleBuffer < 1 {
		return fmt.Errorf("%w: sample_buffer must be positive, got %d", ErrInvalidConfig, config.SampleBuffer)
	}
	return nil
}

// LoadConfigFile overlays the JSONC file at path onto base. Fields absent from
// the file keep their base value.
func LoadConfigFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigFile, err)
	}
	return parseConfig(data, base)
}

func parseConfig(data []byte, base *Config) (*Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JSONC: %w", ErrConfigFile, err)
	}
	cfg := DefaultConfig()
	if base != nil {
		*cfg = *base
	}
	if err := json.Unmarshal(standardized, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigFile, err)
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
