// Package sink provides the shared output stream all supervisors write to.
package sink

import (
	"bufio"
	"io"
	"sync"

	"brokerwatch/internal/core"
)

// WriteError reports a failed write or flush on the output stream.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return "write output: " + e.Err.Error() }

func (e *WriteError) Unwrap() error { return e.Err }

// Kind names the failure class in the process failure summary.
func (e *WriteError) Kind() string { return "SinkError" }

// Sink writes whole lines to one stream. Each write is flushed before it
// returns, and concurrent writers never interleave within a line.
type Sink struct {
	mu sync.Mutex
	w  *bufio.Writer
	n  uint64
}

// New wraps w. The Sink is the only writer of w from then on.
func New(w io.Writer) *Sink {
	return &Sink{w: bufio.NewWriter(w)}
}

// WriteLine appends line plus a newline and flushes.
func (s *Sink) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.WriteString(line); err != nil {
		return s.fail(err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return s.fail(err)
	}
	if err := s.w.Flush(); err != nil {
		return s.fail(err)
	}
	s.n++
	return nil
}

// fail wraps err. bufio keeps the error sticky, so every later write fails
// too and no remainder of a broken line is ever emitted.
func (s *Sink) fail(err error) error {
	return &WriteError{Err: err}
}

// Write renders rec and writes it as one line.
func (s *Sink) Write(rec core.Record) error {
	return s.WriteLine(rec.String())
}

// Lines returns the number of lines written so far.
func (s *Sink) Lines() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
