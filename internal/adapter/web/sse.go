// Package web exposes the browser-facing HTTP surface: the SSE event stream,
// the RPC proxy, and the server that mounts them behind the security
// middleware.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"clawdash/internal/domain"
	"clawdash/internal/infra/config"
	"clawdash/internal/usecase/hub"
)

// eventID assigns SSE event ids. One counter for the whole process, so ids
// are comparable across observers. They are ordering hints, not replay
// positions.
var eventID atomic.Int64

// SSEHandler streams bus events to one browser per request.
type SSEHandler struct {
	hub    *hub.Hub
	cfg    config.SSEConfig
	logger *slog.Logger
}

// NewSSEHandler creates the streaming endpoint handler.
func NewSSEHandler(h *hub.Hub, cfg config.SSEConfig, logger *slog.Logger) *SSEHandler {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 25 * time.Second
	}
	return &SSEHandler{hub: h, cfg: cfg, logger: logger}
}

func (s *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	rec, err := s.hub.Get(r.Context())
	if err != nil {
		s.logger.Error("sse: gateway record unavailable", "error", err)
		http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
		return
	}

	// No replay buffer exists; the id is logged so a future replay layer can
	// pick it up, and so reconnect churn is visible in the logs.
	lastEventID := r.Header.Get("Last-Event-ID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// An immediate comment keeps intermediary proxies from timing out an
	// idle stream before the first real event.
	fmt.Fprintf(w, ": stream open\n")
	if s.cfg.RetryHintMs > 0 {
		fmt.Fprintf(w, "retry: %d\n", s.cfg.RetryHintMs)
	}
	fmt.Fprint(w, "\n")
	flusher.Flush()

	// Bus delivery is synchronous, so the handler hands events off to this
	// observer's channel without blocking. A full channel means the browser
	// is not keeping up; dropping is preferable to stalling every other
	// subscriber on the bus.
	events := make(chan domain.Event, 64)
	var dropped atomic.Int64
	forward := func(_ context.Context, e domain.Event) {
		select {
		case events <- e:
		default:
			dropped.Add(1)
		}
	}

	unsubs := make([]func(), 0, len(domain.ForwardedEvents))
	for _, name := range domain.ForwardedEvents {
		unsubs = append(unsubs, rec.Bus.Subscribe(name, forward))
	}

	keepalive := time.NewTicker(s.cfg.KeepAlive)

	defer func() {
		// Teardown must run every step even if one panics: a leaked
		// subscription would outlive this observer and accumulate across
		// browser reconnects.
		keepalive.Stop()
		for _, unsub := range unsubs {
			func() {
				defer func() { _ = recover() }()
				unsub()
			}()
		}
		if n := dropped.Load(); n > 0 {
			s.logger.Warn("sse: observer fell behind, events dropped", "dropped", n)
		}
		s.logger.Debug("sse: observer disconnected")
	}()

	s.logger.Debug("sse: observer connected", "last_event_id", lastEventID)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e := <-events:
			if err := writeSSEFrame(w, e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEFrame emits one id/event/data block. The payload is compacted to a
// single line because the data field is newline-delimited.
func writeSSEFrame(w http.ResponseWriter, e domain.Event) error {
	data := []byte("{}")
	if len(e.Payload) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, e.Payload); err == nil {
			data = buf.Bytes()
		}
	}
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n",
		eventID.Add(1), e.Type, data)
	return err
}
