// Package fault detects illegal memory accesses made while scanning a region.
//
// Go delivers a SIGBUS or SIGSEGV raised by a mapped-file access as a fatal
// runtime error unless the faulting goroutine has enabled
// runtime/debug.SetPanicOnFault, in which case it becomes a panic whose value
// carries the faulting address. Reporter.Guard enables that mode for the
// goroutine it runs on, turns the panic into a report, and terminates the
// process. The fault path is a detector only; nothing continues after it in
// production.
package fault

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"syscall"

	"github.com/valyala/bytebufferpool"

	internalshm "github.com/srediag/shm-shrink/internal/shm"
)

// ExitCode is the process status used after a fault, following the shell
// convention for death by SIGBUS.
const ExitCode = 128 + int(syscall.SIGBUS)

// Fault describes one illegal access.
type Fault struct {
	Addr     uintptr
	Offset   int64 // Addr minus the region base
	InRegion bool
	Worker   int
	Thread   int // OS thread id, 0 when unknown
	PID      int
	Cause    error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("illegal access at %#x (offset %d) by worker %d thread %d pid %d",
		f.Addr, f.Offset, f.Worker, f.Thread, f.PID)
}

func (f *Fault) Unwrap() error { return f.Cause }

// Reporter reports faults against one region.
type Reporter struct {
	base     uintptr
	size     int
	out      io.Writer
	exit     func(code int)
	observer func(Fault)

	mu     sync.Mutex
	faults []Fault
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithOutput sets where reports are written. The default is os.Stderr.
func WithOutput(w io.Writer) Option {
	return func(r *Reporter) { r.out = w }
}

// WithExit replaces os.Exit. The replacement is expected not to return;
// when it does, Guard returns the fault instead.
func WithExit(exit func(code int)) Option {
	return func(r *Reporter) { r.exit = exit }
}

// WithObserver is called with every fault before the process exits.
func WithObserver(f func(Fault)) Option {
	return func(r *Reporter) { r.observer = f }
}

// NewReporter creates a Reporter for the region starting at base.
func NewReporter(base uintptr, size int, opts ...Option) *Reporter {
	r := &Reporter{
		base: base,
		size: size,
		out:  os.Stderr,
		exit: os.Exit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Guard runs fn on the calling goroutine with fault interception enabled.
// The goroutine is locked to its OS thread for the duration so the reported
// thread id is the one that faulted. Panics that are not memory faults are
// passed through unchanged.
func (r *Reporter) Guard(worker int, fn func()) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		cause, addr, ok := faultAddr(v)
		if !ok {
			panic(v)
		}
		err = r.report(worker, addr, cause)
	}()
	fn()
	return nil
}

func faultAddr(v any) (runtime.Error, uintptr, bool) {
	re, ok := v.(runtime.Error)
	if !ok {
		return nil, 0, false
	}
	a, ok := re.(interface{ Addr() uintptr })
	if !ok {
		return nil, 0, false
	}
	return re, a.Addr(), true
}

func (r *Reporter) report(worker int, addr uintptr, cause error) *Fault {
	off := int64(addr) - int64(r.base)
	f := Fault{
		Addr:     addr,
		Offset:   off,
		InRegion: off >= 0 && off < int64(r.size),
		Worker:   worker,
		Thread:   internalshm.ThreadID(),
		PID:      os.Getpid(),
		Cause:    cause,
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	_, _ = buf.WriteString("Got illegal access at 0x")
	_, _ = buf.WriteString(strconv.FormatUint(uint64(addr), 16))
	_, _ = buf.WriteString("\nThread ")
	_, _ = buf.WriteString(strconv.Itoa(f.Thread))
	_, _ = buf.WriteString(" (worker ")
	_, _ = buf.WriteString(strconv.Itoa(worker))
	_, _ = buf.WriteString(")\nMy PID: ")
	_, _ = buf.WriteString(strconv.Itoa(f.PID))
	_, _ = buf.WriteString("\noffset: ")
	_, _ = buf.WriteString(strconv.FormatInt(off, 10))
	_ = buf.WriteByte('\n')

	r.mu.Lock()
	r.faults = append(r.faults, f)
	_, _ = r.out.Write(buf.B)
	r.mu.Unlock()

	if r.observer != nil {
		r.observer(f)
	}
	r.exit(ExitCode)
	return &f
}

// Faults returns the faults reported so far.
func (r *Reporter) Faults() []Fault {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Fault, len(r.faults))
	copy(out, r.faults)
	return out
}
