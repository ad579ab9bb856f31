// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package corelog is the process-wide logging sink for the data-reduction
// core. It follows gosl/io's colour-tagged print idiom but wraps it
// behind a small interface so tests can swap in a recording sink.
package corelog

import (
	"fmt"
	"sync"

	"github.com/cpmech/gosl/io"
)

// Severity tags a log message.
type Severity int

const (
	Debug Severity = iota
	Info
	Warn
	Error
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Sink receives severity-tagged text. Implementations must be safe for
// concurrent use; the core itself is single-threaded per pipeline
// stage but a caller may share one sink across goroutines.
type Sink interface {
	Log(sev Severity, msg string)
}

// stdSink prints colour-tagged lines via gosl/io.
type stdSink struct{}

func (stdSink) Log(sev Severity, msg string) {
	switch sev {
	case Debug:
		io.Pfgrey("%s\n", msg)
	case Info:
		io.Pf("%s\n", msg)
	case Warn:
		io.Pfyel("%s\n", msg)
	case Error:
		io.PfRed("%s\n", msg)
	}
}

var (
	mu      sync.Mutex
	current Sink = stdSink{}
)

// SetSink replaces the process-wide sink. Tests should call this with a
// Recorder and restore the previous sink (or rely on t.Cleanup) afterwards.
func SetSink(s Sink) Sink {
	mu.Lock()
	defer mu.Unlock()
	prev := current
	if s == nil {
		s = stdSink{}
	}
	current = s
	return prev
}

func emit(sev Severity, format string, args ...interface{}) {
	mu.Lock()
	s := current
	mu.Unlock()
	s.Log(sev, fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...interface{}) { emit(Debug, format, args...) }
func Infof(format string, args ...interface{})  { emit(Info, format, args...) }
func Warnf(format string, args ...interface{})  { emit(Warn, format, args...) }
func Errorf(format string, args ...interface{}) { emit(Error, format, args...) }

// Entry is one recorded log line, used by Recorder.
type Entry struct {
	Severity Severity
	Message  string
}

// Recorder is a Sink that keeps every message in memory, for tests
// that assert a rejected peak logged why.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) Log(sev Severity, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Severity: sev, Message: msg})
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Reset clears the recorder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}
