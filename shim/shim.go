// Package shim provides stand-ins for the C runtime entry points the native
// transport and protocol code call into (printf, puts, gettimeofday) but the
// sandboxed host does not supply.
//
// The shim is process-wide and must be installed with Install before the
// first device is opened.
package shim

import (
	"sync"
	"sync/atomic"
	"time"
)

// Timeval mirrors the native struct timeval.
type Timeval struct {
	Sec  int64
	Usec int64
}

// Env holds the host services backing the entry points.
type Env struct {
	now func() time.Time
}

// New returns an Env reading time from now. A nil now uses time.Now.
func New(now func() time.Time) *Env {
	if now == nil {
		now = time.Now
	}
	return &Env{now: now}
}

// Printf accepts output from the native code and discards it.
func (e *Env) Printf(format string, args ...any) int {
	return 0
}

// Puts discards s.
func (e *Env) Puts(s string) int {
	return 0
}

// Gettimeofday fills tp with the host clock. The host clock only has
// millisecond resolution, so the value is truncated to whole seconds and Usec
// is always zero. tz is ignored.
func (e *Env) Gettimeofday(tp *Timeval, tz *int) int {
	if tp == nil {
		return -1
	}
	*tp = Timeval{
		Sec:  e.now().UnixMilli() / 1000,
		Usec: 0,
	}
	return 0
}

var (
	installOnce sync.Once
	installed   atomic.Pointer[Env]
)

// Install sets up the process-wide Env. Only the first call has an effect;
// every call returns the installed Env.
func Install(now func() time.Time) *Env {
	installOnce.Do(func() {
		installed.Store(New(now))
	})
	return installed.Load()
}

// Installed reports whether Install has run.
func Installed() bool {
	return installed.Load() != nil
}

// Current returns the installed Env, or nil.
func Current() *Env {
	return installed.Load()
}

// Printf calls Printf on the installed Env. It returns -1 before Install.
func Printf(format string, args ...any) int {
	if e := installed.Load(); e != nil {
		return e.Printf(format, args...)
	}
	return -1
}

// Puts calls Puts on the installed Env. It returns -1 before Install.
func Puts(s string) int {
	if e := installed.Load(); e != nil {
		return e.Puts(s)
	}
	return -1
}

// Gettimeofday calls Gettimeofday on the installed Env. It returns -1 before
// Install.
func Gettimeofday(tp *Timeval, tz *int) int {
	if e := installed.Load(); e != nil {
		return e.Gettimeofday(tp, tz)
	}
	return -1
}
