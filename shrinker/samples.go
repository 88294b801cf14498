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
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/valyala/bytebufferpool"
)

const samplePollInterval = 10 * time.Millisecond

type sampleKind uint8

const (
	sampleProgress sampleKind = iota
	samplePage
	sampleSummary
)

// sample is one diagnostic line produced by a reader. Readers never format
// text on their hot path; the sink does.
type sample struct {
	kind      sampleKind
	worker    int
	iteration int
	length    int
	addr      uintptr
	offset    int
	value     uint32
	count     uint64
}

func (s sample) appendTo(buf *bytebufferpool.ByteBuffer) {
	switch s.kind {
	case sampleProgress:
		_, _ = buf.WriteString("#")
		buf.B = strconv.AppendInt(buf.B, int64(s.worker), 10)
		_, _ = buf.WriteString(": Iteration ")
		buf.B = strconv.AppendInt(buf.B, int64(s.iteration), 10)
		_, _ = buf.WriteString(" (size=")
		buf.B = strconv.AppendInt(buf.B, int64(s.length), 10)
		_, _ = buf.WriteString(")\n")
	case samplePage:
		_, _ = buf.WriteString("Thread ")
		buf.B = strconv.AppendInt(buf.B, int64(s.worker), 10)
		_, _ = buf.WriteString(": 0x")
		buf.B = strconv.AppendUint(buf.B, uint64(s.addr), 16)
		_, _ = buf.WriteString(" (offset ")
		buf.B = strconv.AppendInt(buf.B, int64(s.offset), 10)
		_, _ = buf.WriteString(") = ")
		buf.B = strconv.AppendUint(buf.B, uint64(s.value), 10)
		_ = buf.WriteByte('\n')
	case sampleSummary:
		_, _ = buf.WriteString("Thread ")
		buf.B = strconv.AppendInt(buf.B, int64(s.worker), 10)
		_, _ = buf.WriteString(" done (count=")
		buf.B = strconv.AppendUint(buf.B, s.count, 10)
		_, _ = buf.WriteString(")\n")
	}
}

// sampleSink moves samples from readers to an io.Writer through a bounded
// ring. Progress and page samples are dropped when the ring is full so a
// slow writer never stalls a reader.
type sampleSink struct {
	ring    *queue.RingBuffer
	w       io.Writer
	onDrop  func()
	dropped atomic.Uint64

	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newSampleSink(w io.Writer, capacity int, onDrop func()) *sampleSink {
	if w == nil {
		w = io.Discard
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	s := &sampleSink{
		ring:   queue.NewRingBuffer(uint64(capacity)),
		w:      w,
		onDrop: onDrop,
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// offer enqueues s without blocking.
func (s *sampleSink) offer(smp sample) {
	ok, err := s.ring.Offer(smp)
	if err != nil || !ok {
		s.dropped.Add(1)
		s.onDrop()
	}
}

// put enqueues s, waiting for room. Used for summaries, which must not be lost.
func (s *sampleSink) put(smp sample) {
	if err := s.ring.Put(smp); err != nil {
		s.dropped.Add(1)
		s.onDrop()
	}
}

func (s *sampleSink) droppedCount() uint64 {
	return s.dropped.Load()
}

func (s *sampleSink) loop() {
	defer close(s.done)
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	for {
		item, err := s.ring.Poll(samplePollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrTimeout) && !(s.closing.Load() && s.ring.Len() == 0) {
				continue
			}
			return
		}
		smp, ok := item.(sample)
		if !ok {
			continue
		}
		buf.Reset()
		smp.appendTo(buf)
		if _, err := s.w.Write(buf.B); err != nil {
			internalLogger.warnf("sample write failed: %v", err)
		}
	}
}

// close drains the ring, stops the writer goroutine and disposes the ring.
func (s *sampleSink) close() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		<-s.done
		s.ring.Dispose()
	})
}
