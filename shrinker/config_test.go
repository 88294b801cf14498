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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
}

func (s *ConfigTestSuite) TestDefaultConfig() {
	c := DefaultConfig()
	s.Require().NoError(VerifyConfig(c))
	s.Equal(20, c.ThreadCount)
	s.Equal(10000, c.IterationBudget)
	s.Equal(4000, c.ShrinkFloor)
	s.Equal(0, c.ShrinkStep)
	s.Equal(Duration(30*time.Second), c.SyncTimeout)
	s.False(c.Unsynchronized)
}

func (s *ConfigTestSuite) TestVerifyConfig() {
	cases := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero threads", func(c *Config) { c.ThreadCount = 0 }},
		{"too many threads", func(c *Config) { c.ThreadCount = maxThreadCount + 1 }},
		{"zero iterations", func(c *Config) { c.IterationBudget = 0 }},
		{"negative floor", func(c *Config) { c.ShrinkFloor = -1 }},
		{"negative step", func(c *Config) { c.ShrinkStep = -4096 }},
		{"negative settle", func(c *Config) { c.SettleDelay = Duration(-time.Millisecond) }},
		{"negative timeout", func(c *Config) { c.SyncTimeout = Duration(-time.Second) }},
		{"negative page size", func(c *Config) { c.PageSize = -1 }},
		{"negative progress", func(c *Config) { c.ProgressEvery = -1 }},
		{"empty sample buffer", func(c *Config) { c.SampleBuffer = 0 }},
	}
	for _, tc := range cases {
		c := DefaultConfig()
		tc.modify(c)
		s.ErrorIs(VerifyConfig(c), ErrInvalidConfig, tc.name)
	}
	s.ErrorIs(VerifyConfig(nil), ErrInvalidConfig)
}

func (s *ConfigTestSuite) TestParseJSONC() {
	data := []byte(`{
		// shrink in two steps
		"thread_count": 8,
		"shrink_step": 2048,
		"settle_delay": "15ms",
		"sync_timeout": 1000000000,
		"unsynchronized": true, /* baseline */
	}`)
	got, err := parseConfig(data, nil)
	s.Require().NoError(err)

	want := DefaultConfig()
	want.ThreadCount = 8
	want.ShrinkStep = 2048
	want.SettleDelay = Duration(15 * time.Millisecond)
	want.SyncTimeout = Duration(time.Second)
	want.Unsynchronized = true
	if diff := cmp.Diff(want, got); diff != "" {
		s.Failf("config mismatch", "(-want +got):\n%s", diff)
	}
}

func (s *ConfigTestSuite) TestParseKeepsBase() {
	base := DefaultConfig()
	base.IterationBudget = 7
	got, err := parseConfig([]byte(`{"shrink_floor": 0}`), base)
	s.Require().NoError(err)
	s.Equal(7, got.IterationBudget)
	s.Equal(0, got.ShrinkFloor)
	s.Equal(4000, base.ShrinkFloor)
}

func (s *ConfigTestSuite) TestParseErrors() {
	_, err := parseConfig([]byte(`{"thread_count": `), nil)
	s.ErrorIs(err, ErrConfigFile)

	_, err = parseConfig([]byte(`{"settle_delay": "soon"}`), nil)
	s.ErrorIs(err, ErrConfigFile)

	_, err = parseConfig([]byte(`{"thread_count": 0}`), nil)
	s.ErrorIs(err, ErrInvalidConfig)
}

func (s *ConfigTestSuite) TestLoadConfigFile() {
	path := filepath.Join(s.T().TempDir(), "shrink.jsonc")
	s.Require().NoError(os.WriteFile(path, []byte(`{"iteration_budget": 100}`), 0o600))
	c, err := LoadConfigFile(path, nil)
	s.Require().NoError(err)
	s.Equal(100, c.IterationBudget)

	_, err = LoadConfigFile(filepath.Join(s.T().TempDir(), "missing.jsonc"), nil)
	s.ErrorIs(err, ErrConfigFile)
	s.ErrorIs(err, os.ErrNotExist)
}

func (s *ConfigTestSuite) TestDurationJSON() {
	b, err := json.Marshal(Duration(1500 * time.Millisecond))
	s.Require().NoError(err)
	s.Equal(`"1.5s"`, string(b))

	var d Duration
	s.Require().NoError(json.Unmarshal(b, &d))
	s.Equal(Duration(1500*time.Millisecond), d)
	s.Error(json.Unmarshal([]byte(`true`), &d))
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}
