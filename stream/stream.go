// Package stream publishes scalar training metrics to observers: a JSONL
// file for offline analysis and a WebSocket hub for live dashboards.
package stream

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Event is one scalar observation from a run.
type Event struct {
	RunID     string    `json:"run_id"`
	Phase     string    `json:"phase"`
	Epoch     int       `json:"epoch"`
	Step      int       `json:"step"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives events. Publish must be safe for concurrent use.
type Sink interface {
	Publish(Event)
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close() error  { return nil }

// FileSink appends events to a JSONL file, one event per line. Publish
// cannot return an error, so the first write failure is held and surfaced
// by Close.
type FileSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
	err error
}

func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil && s.err == nil {
		s.err = err
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cerr := s.f.Close()
	if s.err != nil {
		return s.err
	}
	return cerr
}

// Multi fans events out to several sinks.
type Multi []Sink

func (m Multi) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
