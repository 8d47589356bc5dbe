// Package sse writes Server-Sent Events to an HTTP response.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

var (
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("sse: writer is closed")
	// ErrNotFlushable is returned by Start when the response cannot flush.
	ErrNotFlushable = errors.New("sse: response does not support flushing")
)

// Writer serialises events onto a response and flushes after each one.
// It is safe for concurrent use.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	started bool
	closed  bool
}

// NewWriter wraps w. Nothing is written until Start.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// Start writes the stream headers with a 200 status. Call it only after
// every check that could still produce an error response. Nothing is
// written when the response cannot flush.
func (s *Writer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.flusher == nil {
		return ErrNotFlushable
	}

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flush()

	s.started = true
	return nil
}

// Started reports whether headers have been sent.
func (s *Writer) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// WriteEvent writes "event: name" (when name is set) and a JSON data line.
func (s *Writer) WriteEvent(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal SSE data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if name != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flush()
	return nil
}

// WriteData writes an unnamed JSON event.
func (s *Writer) WriteData(data any) error {
	return s.WriteEvent("", data)
}

// WriteComment writes a comment line, used as a keep-alive.
func (s *Writer) WriteComment(comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", comment); err != nil {
		return err
	}
	s.flush()
	return nil
}

// Close rejects further writes.
func (s *Writer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Writer) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
