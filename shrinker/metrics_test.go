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
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"
)

type MetricsTestSuite struct {
	suite.Suite
}

func (s *MetricsTestSuite) TestCountersStartAtZero() {
	m := NewMetrics()
	s.Zero(counterValue(m.shrinkCycles))
	s.Zero(counterValue(m.faults))
	s.Zero(counterValue(m.scans.WithLabelValues(modeProtected)))
}

func (s *MetricsTestSuite) TestIndependentRegistries() {
	a, b := NewMetrics(), NewMetrics()
	a.shrinkCycles.Inc()
	s.Equal(float64(1), counterValue(a.shrinkCycles))
	s.Zero(counterValue(b.shrinkCycles))
}

func (s *MetricsTestSuite) TestHandler() {
	m := NewMetrics()
	m.shrinkErrors.Add(2)
	m.validLength.Set(4000)
	m.scans.WithLabelValues(modeUnsynchronized).Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	s.Require().NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(body), "shmshrink_shrink_errors_total 2")
	s.Contains(string(body), "shmshrink_valid_length_bytes 4000")
	s.Contains(string(body), `shmshrink_scans_total{mode="unsynchronized"} 1`)
	s.Contains(string(body), "shmshrink_synchronize_duration_seconds_bucket")
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	_ = g.Write(m)
	return m.GetGauge().GetValue()
}

func histogramCount(h prometheus.Histogram) uint64 {
	m := &dto.Metric{}
	_ = h.Write(m)
	return m.GetHistogram().GetSampleCount()
}

func TestMetricsTestSuite(t *testing.T) {
	suite.Run(t, new(MetricsTestSuite))
}
