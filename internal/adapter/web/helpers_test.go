package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"clawdash/internal/adapter/gateway"
	"clawdash/internal/domain"
	"clawdash/internal/infra/config"
	"clawdash/internal/security"
	"clawdash/internal/usecase/hub"
)

// startFakeGateway runs a minimal gateway: it accepts the handshake and
// answers every other request through respond. A nil respond echoes the
// method name back.
func startFakeGateway(t *testing.T, respond func(method string, params json.RawMessage) (json.RawMessage, *gateway.ErrorShape)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
			if f.Method == gateway.MethodConnect {
				yes := true
				hello, _ := json.Marshal(gateway.Hello{
					Protocol: gateway.ProtocolVersion,
					Server:   gateway.ServerInfo{Version: "9.9.9", ConnID: "conn-test"},
				})
				wsjson.Write(ctx, ws, gateway.Frame{
					Type: gateway.FrameTypeResponse, ID: f.ID, OK: &yes, Payload: hello,
				})
				continue
			}
			if respond != nil {
				payload, eshape := respond(f.Method, f.Params)
				if eshape != nil {
					no := false
					wsjson.Write(ctx, ws, gateway.Frame{
						Type: gateway.FrameTypeResponse, ID: f.ID, OK: &no, Error: eshape,
					})
					continue
				}
				yes := true
				wsjson.Write(ctx, ws, gateway.Frame{
					Type: gateway.FrameTypeResponse, ID: f.ID, OK: &yes, Payload: payload,
				})
				continue
			}
			yes := true
			payload, _ := json.Marshal(map[string]string{"method": f.Method})
			wsjson.Write(ctx, ws, gateway.Frame{
				Type: gateway.FrameTypeResponse, ID: f.ID, OK: &yes, Payload: payload,
			})
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func webTestConfig(gatewayURL string) *config.Config {
	cfg := config.Defaults()
	cfg.Gateway.URL = gatewayURL
	cfg.Gateway.Token = "test-token"
	cfg.Gateway.Reconnect.InitialDelay = 20 * time.Millisecond
	cfg.Gateway.Reconnect.MaxDelay = 50 * time.Millisecond
	cfg.Server.SSE.KeepAlive = 50 * time.Millisecond
	return cfg
}

func newWebHub(t *testing.T, cfg *config.Config, bus domain.EventBus) *hub.Hub {
	t.Helper()
	key, err := security.LoadOrCreateDeviceKey(filepath.Join(t.TempDir(), "device.key"))
	if err != nil {
		t.Fatalf("device key: %v", err)
	}
	h := hub.New(hub.Options{
		Config:  cfg,
		Bus:     bus,
		Signer:  key,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version: "test",
	})
	t.Cleanup(h.Close)
	return h
}

// waitConnected spins until the hub's client reports connected.
func waitConnected(t *testing.T, h *hub.Hub) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := h.Get(t.Context())
		if err == nil && rec.Client.State() == gateway.StateConnected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("gateway client never connected")
}
