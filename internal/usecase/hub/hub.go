// Package hub owns the process-wide gateway connection record. The rest of
// the process never constructs a gateway client directly; it asks the hub,
// which lazily builds one and recycles it when the build version or the
// resolved connection settings change underneath it.
package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"clawdash/internal/adapter/gateway"
	"clawdash/internal/domain"
	"clawdash/internal/infra/config"
	"clawdash/internal/security"
)

// recordVersion is bumped whenever the construction logic below changes in a
// way that makes an already-installed record incompatible with new callers.
const recordVersion = 1

// Record is the installed gateway connection plus the shared bus it feeds.
// Records are replaced wholesale, never partially mutated.
type Record struct {
	Client *gateway.Client
	Bus    domain.EventBus

	version   int
	configKey string
	unsubs    []func()
}

// Options configures a Hub.
type Options struct {
	Config *config.Config
	Bus    domain.EventBus
	Signer security.Signer
	Logger *slog.Logger

	// Version identifies the running build, sent to the gateway as the
	// client version string.
	Version string
}

// Hub hands out the singleton Record, building or recycling it as needed.
type Hub struct {
	opts   Options
	logger *slog.Logger

	mu  sync.Mutex
	rec *Record
}

// New creates a hub. The bus outlives individual records so observers keep
// their subscriptions across a recycle.
func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{opts: opts, logger: opts.Logger}
}

// Get returns a ready record, constructing one if absent or stale. Staleness
// means the record was built by different construction logic or against a
// different resolved URL/credential pair. The whole check-and-replace runs
// under the hub mutex, so concurrent callers never observe a half-built or
// half-torn-down record.
func (h *Hub) Get(ctx context.Context) (*Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key, err := h.configKey()
	if err != nil {
		return nil, domain.WrapOp("Hub.Get", err)
	}

	if h.rec != nil && h.rec.version == recordVersion && h.rec.configKey == key {
		return h.rec, nil
	}

	if h.rec != nil {
		h.logger.Info("gateway record stale, recycling",
			"old_key", h.rec.configKey, "new_key", key)
		h.teardown(h.rec)
		h.rec = nil
	}

	rec := h.build(ctx, key)
	h.rec = rec
	return rec, nil
}

// Close tears down the current record, if any.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rec != nil {
		h.teardown(h.rec)
		h.rec = nil
	}
}

// configKey fingerprints the resolved connection settings. The token is
// re-resolved on every call so a rotated token file flips the key and forces
// a recycle without a process restart.
func (h *Hub) configKey() (string, error) {
	gw := h.opts.Config.Gateway
	token, err := gw.ResolveToken()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(gw.URL + "\n" + token))
	return hex.EncodeToString(sum[:8]), nil
}

func (h *Hub) build(ctx context.Context, key string) *Record {
	gw := h.opts.Config.Gateway
	client := gateway.NewClient(gateway.Options{
		URL: gw.URL,
		Identity: gateway.Identity{
			ClientID: gw.ClientID,
			Mode:     gw.Mode,
			Role:     gw.Role,
			Scopes:   gw.Scopes,
		},
		TokenFunc:        gw.ResolveToken,
		Signer:           h.opts.Signer,
		DisplayName:      gw.DisplayName,
		Version:          h.opts.Version,
		HandshakeTimeout: gw.HandshakeTimeout,
		RequestTimeout:   gw.RequestTimeout,
		Retry: gateway.RetryPolicy{
			Floor:             gw.Reconnect.InitialDelay,
			Ceiling:           gw.Reconnect.MaxDelay,
			AuthFailThreshold: gw.Reconnect.AuthFailThreshold,
			AuthFailStep:      gw.Reconnect.AuthFailStep,
		},
		Logger: h.logger,
	})

	rec := &Record{
		Client:    client,
		Bus:       h.opts.Bus,
		version:   recordVersion,
		configKey: key,
	}

	// Mirror connection-state changes onto the bus under a synthetic event
	// name. The SSE bridge has no view of the state machine; this is how it
	// learns about connects and disconnects.
	rec.unsubs = append(rec.unsubs, client.OnState(func(s gateway.State) {
		payload, err := json.Marshal(domain.GatewayStatusPayload{
			State: string(s),
			Since: time.Now().UTC(),
		})
		if err != nil {
			return
		}
		h.opts.Bus.Publish(context.Background(), domain.Event{
			Type:      domain.EventGatewayStatus,
			Timestamp: time.Now().UTC(),
			Payload:   payload,
		})
	}))

	// Republish raw gateway events. The challenge event never reaches this
	// handler; the client intercepts it during the handshake.
	rec.unsubs = append(rec.unsubs, client.OnAny(func(event string, seq int64, payload json.RawMessage) {
		h.opts.Bus.Publish(context.Background(), domain.Event{
			Type:      domain.EventType(event),
			Timestamp: time.Now().UTC(),
			Seq:       seq,
			Payload:   payload,
		})
	}))

	// The record outlives whichever request triggered its construction.
	client.Start(context.WithoutCancel(ctx))
	return rec
}

// teardown disconnects a stale record best-effort. A broken old connection
// must never prevent installing its replacement.
func (h *Hub) teardown(rec *Record) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("gateway record teardown panicked", "panic", r)
		}
	}()
	for _, unsub := range rec.unsubs {
		unsub()
	}
	rec.Client.Close()
}
