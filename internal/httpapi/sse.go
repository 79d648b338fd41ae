package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/edp-industrial/plc-gateway/internal/frame"
)

const keepAliveInterval = 15 * time.Second

// streamHandler serves live telemetry over SSE. Each HTTP client is one
// subscriber of the fan-out channel; under lag, frames for that client are
// dropped, never buffered unboundedly.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	frames := make(chan frame.Frame, s.cfg.StreamBuffer)
	unsubscribe := s.cfg.Frames.Subscribe(frames)
	defer unsubscribe()

	s.log.Info("sse client subscribed", "remote", r.RemoteAddr)
	defer s.log.Info("sse client gone", "remote", r.RemoteAddr)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case f := <-frames:
			payload, err := json.Marshal(f)
			if err != nil {
				s.log.Error("failed to marshal frame", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
