package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"clawdash/internal/infra/config"
	"clawdash/internal/infra/middleware"
	"clawdash/internal/usecase/hub"
)

// Server mounts the dashboard API behind the security middleware.
type Server struct {
	cfg     *config.Config
	hub     *hub.Hub
	logger  *slog.Logger
	version string

	server    *http.Server
	boundAddr string
	cancel    context.CancelFunc
}

// NewServer creates the HTTP server. Call Start to begin serving.
func NewServer(cfg *config.Config, h *hub.Hub, version string, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, hub: h, version: version, logger: logger}
}

// Start binds the listener and serves in a goroutine.
func (s *Server) Start(ctx context.Context) error {
	srvCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	mux := http.NewServeMux()
	mux.Handle("/api/events", NewSSEHandler(s.hub, s.cfg.Server.SSE, s.logger))
	mux.Handle("/api/rpc", NewRPCProxy(s.hub, s.cfg.Server.RPC, s.logger))
	mux.HandleFunc("/healthz", s.handleHealth)

	handler := middleware.SecurityHeaders(
		middleware.RateLimit(srvCtx, s.cfg.Server.RateLimit)(mux),
	)

	s.server = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout, SSE streams stay open indefinitely.
		BaseContext: func(_ net.Listener) context.Context {
			return srvCtx
		},
	}

	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}
	s.boundAddr = ln.Addr().String()

	go func() {
		s.logger.Info("dashboard server started", "addr", s.boundAddr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the bound listen address, available after Start.
func (s *Server) Addr() string { return s.boundAddr }

type healthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Gateway healthGateway `json:"gateway"`
}

type healthGateway struct {
	State         string `json:"state"`
	ServerVersion string `json:"serverVersion,omitempty"`
	ConnID        string `json:"connId,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: s.version}

	rec, err := s.hub.Get(r.Context())
	if err != nil {
		resp.Status = "degraded"
		resp.Gateway.State = "unavailable"
	} else {
		resp.Gateway.State = string(rec.Client.State())
		if hello := rec.Client.Hello(); hello != nil {
			resp.Gateway.ServerVersion = hello.Server.Version
			resp.Gateway.ConnID = hello.Server.ConnID
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
