// Package audittest provides an in-memory audit sink for tests.
package audittest

import (
	"context"
	"sync"

	"github.com/jmcleod/lockbox/audit"
)

// Sink collects every record written to it.
type Sink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *Sink) Write(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of what has been written so far.
func (s *Sink) Records() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Record(nil), s.records...)
}

// Reset discards collected records.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
}

// NewRecorder returns a Sink and a Recorder writing to it.
func NewRecorder() (*Sink, *audit.Recorder) {
	s := &Sink{}
	return s, audit.NewRecorder(s, nil)
}
