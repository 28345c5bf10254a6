// Package integration holds end-to-end tests that wire the full stack
// together: a stub gateway, the hub, the event bus, and the HTTP server.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"clawdash/internal/adapter/gateway"
	"clawdash/internal/adapter/web"
	"clawdash/internal/infra/config"
	"clawdash/internal/security"
	"clawdash/internal/usecase/eventbus"
	"clawdash/internal/usecase/hub"
)

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// StubGateway is an in-process gateway speaking the WebSocket protocol. It
// accepts the handshake, echoes RPC methods, and can push events to every
// connected client.
type StubGateway struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
	seq   int64
}

// NewStubGateway starts the stub and returns it. The server is torn down
// with the test.
func NewStubGateway(t *testing.T) *StubGateway {
	t.Helper()
	g := &StubGateway{t: t}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

// URL returns the ws:// endpoint.
func (g *StubGateway) URL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

// PushEvent broadcasts an event frame with the next sequence number.
func (g *StubGateway) PushEvent(name string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		g.t.Fatalf("marshal event payload: %v", err)
	}
	g.mu.Lock()
	g.seq++
	frame := gateway.Frame{Type: gateway.FrameTypeEvent, Event: name, Seq: g.seq, Payload: raw}
	conns := make([]*websocket.Conn, len(g.conns))
	copy(conns, g.conns)
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, ws := range conns {
		wsjson.Write(ctx, ws, frame)
	}
}

func (g *StubGateway) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()
	for {
		var f gateway.Frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			return
		}
		if f.Type != gateway.FrameTypeRequest {
			continue
		}
		yes := true
		if f.Method == gateway.MethodConnect {
			hello, _ := json.Marshal(gateway.Hello{
				Protocol: gateway.ProtocolVersion,
				Server:   gateway.ServerInfo{Version: "stub", ConnID: "stub-conn"},
			})
			wsjson.Write(ctx, ws, gateway.Frame{
				Type: gateway.FrameTypeResponse, ID: f.ID, OK: &yes, Payload: hello,
			})
			g.mu.Lock()
			g.conns = append(g.conns, ws)
			g.mu.Unlock()
			continue
		}
		payload, _ := json.Marshal(map[string]any{"method": f.Method, "echo": json.RawMessage(orEmpty(f.Params))})
		wsjson.Write(ctx, ws, gateway.Frame{
			Type: gateway.FrameTypeResponse, ID: f.ID, OK: &yes, Payload: payload,
		})
	}
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`null`)
	}
	return raw
}

// Stack is the assembled application under test.
type Stack struct {
	Config *config.Config
	Hub    *hub.Hub
	Server *web.Server
}

// BaseURL returns the dashboard's HTTP address.
func (s *Stack) BaseURL() string {
	return "http://" + s.Server.Addr()
}

// StartStack wires config, device key, bus, hub, and HTTP server against the
// given gateway URL, mirroring the production entrypoint.
func StartStack(t *testing.T, gatewayURL string) *Stack {
	t.Helper()

	cfg := config.Defaults()
	cfg.Gateway.URL = gatewayURL
	cfg.Gateway.Token = "integration-token"
	cfg.Gateway.Reconnect.InitialDelay = 20 * time.Millisecond
	cfg.Gateway.Reconnect.MaxDelay = 100 * time.Millisecond
	cfg.Device.KeyFile = filepath.Join(t.TempDir(), "device.key")
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.SSE.KeepAlive = 100 * time.Millisecond

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	signer, err := security.LoadOrCreateDeviceKey(cfg.Device.KeyFile)
	if err != nil {
		t.Fatalf("device key: %v", err)
	}

	bus := eventbus.New(logger)
	t.Cleanup(bus.Close)

	h := hub.New(hub.Options{
		Config:  cfg,
		Bus:     bus,
		Signer:  signer,
		Logger:  logger,
		Version: "integration",
	})
	t.Cleanup(h.Close)

	srv := web.NewServer(cfg, h, "integration", logger)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	return &Stack{Config: cfg, Hub: h, Server: srv}
}

// WaitConnected blocks until the stack's gateway client is connected.
func (s *Stack) WaitConnected(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := s.Hub.Get(context.Background())
		if err == nil && rec.Client.State() == gateway.StateConnected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("gateway client never connected")
}
