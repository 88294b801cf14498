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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
)

type logger struct {
	name      string
	callDepth int
}

var (
	internalLogger    = &logger{"", 3}
	coordinatorLogger = &logger{"coordinator", 3}
	level             atomic.Int32

	outMu sync.Mutex
	out   io.Writer = os.Stdout

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

// Log levels accepted by SetLogLevel.
const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

func init() {
	level.Store(LevelWarn)
	if v := os.Getenv("SHMSHRINK_LOG_LEVEL"); v != "" {
		if n, err := ParseLogLevel(v); err == nil {
			level.Store(int32(n))
		}
	}
}

// SetLogLevel used to change the internal logger's level and the default level is Warning.
// The process env `SHMSHRINK_LOG_LEVEL` also could set log level
func SetLogLevel(l int) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

// SetLogOutput redirects the internal logger. A nil writer restores os.Stdout.
func SetLogOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	outMu.Lock()
	out = w
	outMu.Unlock()
}

// ParseLogLevel accepts a level number or a name such as "info".
func ParseLogLevel(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < LevelTrace || n > LevelNoPrint {
			return 0, fmt.Errorf("log level %d out of range", n)
		}
		return n, nil
	}
	for i, name := range levelName {
		if strings.EqualFold(name, s) {
			return i, nil
		}
	}
	if strings.EqualFold(s, "none") {
		return LevelNoPrint, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func enabled(l int) bool {
	return int(level.Load()) <= l
}

func (l *logger) print(lv int, msg string) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	l.prefix(buf, lv)
	_, _ = buf.WriteString(msg)
	_, _ = buf.WriteString(reset)
	_ = buf.WriteByte('\n')

	outMu.Lock()
	defer outMu.Unlock()
	if _, err := out.Write(buf.B); err != nil {
		fmt.Fprintf(os.Stderr, "logger write failed: %v\n", err)
	}
}

func (l *logger) errorf(format string, a ...interface{}) {
	if !enabled(LevelError) {
		return
	}
	l.print(LevelError, fmt.Sprintf(format, a...))
}

func (l *logger) warnf(format string, a ...interface{}) {
	if !enabled(LevelWarn) {
		return
	}
	l.print(LevelWarn, fmt.Sprintf(format, a...))
}

func (l *logger) infof(format string, a ...interface{}) {
	if !enabled(LevelInfo) {
		return
	}
	l.print(LevelInfo, fmt.Sprintf(format, a...))
}

func (l *logger) debugf(format string, a ...interface{}) {
	if !enabled(LevelDebug) {
		return
	}
	l.print(LevelDebug, fmt.Sprintf(format, a...))
}

func (l *logger) tracef(format string, a ...interface{}) {
	if !enabled(LevelTrace) {
		return
	}
	l.print(LevelTrace, fmt.Sprintf(format, a...))
}

func (l *logger) prefix(buf *bytebufferpool.ByteBuffer, level int) {
	_, _ = buf.WriteString(colors[level])
	_, _ = buf.WriteString(levelName[level])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	if l.name != "" {
		_, _ = buf.WriteString(l.name)
		_ = buf.WriteByte(' ')
	}
}

func (l *logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth + 1)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}
