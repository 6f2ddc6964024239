package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/banshohq/bansho/internal/model"
)

// sseWriter streams protocol events over a server-sent-events response.
// Writes are serialized: the command service may emit from the handler
// goroutine and the keepalive ticker concurrently.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	failed  bool
}

// newSSEWriter prepares the response for streaming: headers, an immediate
// flush so the client sees the stream open, and no write deadline (the
// server's WriteTimeout would otherwise kill long runs).
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("server: streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	return &sseWriter{w: w, flusher: flusher}, nil
}

// Send writes one protocol event as an SSE message. Once a write fails the
// writer goes silent; the run keeps executing and its outcome is still
// persisted in the ledger.
func (s *sseWriter) Send(ev model.StreamEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		s.failed = true
		return
	}
	s.flusher.Flush()
}

// Keepalive writes an SSE comment line to hold idle proxies open.
func (s *sseWriter) Keepalive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	if _, err := fmt.Fprint(s.w, ":keepalive\n\n"); err != nil {
		s.failed = true
		return
	}
	s.flusher.Flush()
}

// Sink returns an EventSink backed by this writer.
func (s *sseWriter) Sink() model.EventSink {
	return s.Send
}
