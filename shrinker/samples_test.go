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
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/valyala/bytebufferpool"
)

type SamplesTestSuite struct {
	suite.Suite
}

func (s *SamplesTestSuite) TestFormat() {
	cases := []struct {
		in   sample
		want string
	}{
		{sample{kind: sampleProgress, worker: 3, iteration: 1000, length: 8000}, "#3: Iteration 1000 (size=8000)\n"},
		{sample{kind: samplePage, worker: 3, addr: 0x7f0000001000, offset: 4096, value: 1024}, "Thread 3: 0x7f0000001000 (offset 4096) = 1024\n"},
		{sample{kind: sampleSummary, worker: 19, count: 2000}, "Thread 19 done (count=2000)\n"},
	}
	for _, tc := range cases {
		buf := bytebufferpool.Get()
		tc.in.appendTo(buf)
		s.Equal(tc.want, buf.String())
		bytebufferpool.Put(buf)
	}
}

func (s *SamplesTestSuite) TestSinkWritesInOrder() {
	var out syncBuffer
	sink := newSampleSink(&out, 64, nil)
	for i := 0; i < 10; i++ {
		sink.offer(sample{kind: sampleProgress, worker: 0, iteration: i, length: 8})
	}
	sink.put(sample{kind: sampleSummary, worker: 0, count: 20})
	sink.close()
	sink.close()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	s.Require().Len(lines, 11)
	s.Equal("#0: Iteration 0 (size=8)", lines[0])
	s.Equal("#0: Iteration 9 (size=8)", lines[9])
	s.Equal("Thread 0 done (count=20)", lines[10])
	s.Zero(sink.droppedCount())
}

func (s *SamplesTestSuite) TestSinkDropsWhenFull() {
	release := make(chan struct{})
	out := &blockingWriter{release: release}
	drops := 0
	sink := newSampleSink(out, 2, func() { drops++ })

	for i := 0; i < 100; i++ {
		sink.offer(sample{kind: sampleProgress, iteration: i})
	}
	s.Positive(sink.droppedCount())
	s.Equal(int(sink.droppedCount()), drops)

	close(release)
	sink.put(sample{kind: sampleSummary, worker: 1, count: 4})
	sink.close()
	s.Contains(out.String(), "Thread 1 done (count=4)")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type blockingWriter struct {
	release chan struct{}
	syncBuffer
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	return w.syncBuffer.Write(p)
}

func TestSamplesTestSuite(t *testing.T) {
	suite.Run(t, new(SamplesTestSuite))
}
