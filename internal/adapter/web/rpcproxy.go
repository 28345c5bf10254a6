package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sony/gobreaker/v2"

	"clawdash/internal/adapter/gateway"
	"clawdash/internal/domain"
	"clawdash/internal/infra/config"
	"clawdash/internal/infra/tracer"
	"clawdash/internal/usecase/hub"
)

const maxRPCBodyBytes = 1 << 20

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Code         string          `json:"code"`
	Message      string          `json:"message"`
	Details      json.RawMessage `json:"details,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
	RetryAfterMs int             `json:"retryAfterMs,omitempty"`
}

// RPCProxy forwards allow-listed RPC methods to the gateway client and
// translates typed results and errors into HTTP responses. A circuit breaker
// in front of the client keeps a dead gateway from tying up request handlers.
type RPCProxy struct {
	hub     *hub.Hub
	logger  *slog.Logger
	allowed map[string]struct{}
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
}

// NewRPCProxy creates the proxy endpoint handler.
func NewRPCProxy(h *hub.Hub, cfg config.RPCConfig, logger *slog.Logger) *RPCProxy {
	allowed := make(map[string]struct{}, len(cfg.AllowedMethods))
	for _, m := range cfg.AllowedMethods {
		allowed[m] = struct{}{}
	}

	p := &RPCProxy{hub: h, logger: logger, allowed: allowed}

	if cfg.Breaker.Enabled {
		maxFailures := cfg.Breaker.MaxFailures
		if maxFailures == 0 {
			maxFailures = 5
		}
		p.breaker = gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
			Name:        "rpc-proxy",
			MaxRequests: 1, // allow 1 probe in half-open state
			Interval:    cfg.Breaker.Interval,
			Timeout:     cfg.Breaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
			IsSuccessful: func(err error) bool {
				// Per-call failures must not open the circuit; only
				// connection-level trouble counts.
				if err == nil {
					return true
				}
				return !errors.Is(err, domain.ErrNotConnected) &&
					!errors.Is(err, domain.ErrConnectionLost) &&
					!errors.Is(err, domain.ErrRequestTimeout)
			},
		})
	}

	return p
}

func (p *RPCProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeRPCError(w, http.StatusMethodNotAllowed, &rpcErrorBody{
			Code: string(domain.CodeInvalidInput), Message: "POST required",
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest, &rpcErrorBody{
			Code: string(domain.CodeInvalidInput), Message: "invalid JSON body: " + err.Error(),
		})
		return
	}
	if req.Method == "" {
		writeRPCError(w, http.StatusBadRequest, &rpcErrorBody{
			Code: string(domain.CodeInvalidInput), Message: "method is required",
		})
		return
	}
	if _, ok := p.allowed[req.Method]; !ok {
		p.logger.Warn("rpc: method not allow-listed", "method", req.Method)
		writeRPCError(w, http.StatusForbidden, &rpcErrorBody{
			Code:    string(domain.CodeMethodNotAllowed),
			Message: "method not allowed: " + req.Method,
		})
		return
	}

	ctx, span := tracer.StartSpan(r.Context(), "rpc.proxy")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("rpc.method", req.Method))

	rec, err := p.hub.Get(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		writeRPCError(w, http.StatusServiceUnavailable, &rpcErrorBody{
			Code: string(domain.CodeConfigLoad), Message: err.Error(),
		})
		return
	}

	call := func() (json.RawMessage, error) {
		return rec.Client.Request(ctx, req.Method, req.Params)
	}

	var payload json.RawMessage
	if p.breaker != nil {
		payload, err = p.breaker.Execute(call)
	} else {
		payload, err = call()
	}
	if err != nil {
		tracer.RecordError(span, err)
		status, body := translateRPCError(err)
		writeRPCError(w, status, body)
		return
	}

	tracer.SetOK(span)
	writeJSON(w, http.StatusOK, rpcResponse{OK: true, Data: payload})
}

// translateRPCError maps client-side failures onto HTTP statuses and the
// shared error body. Gateway-reported errors pass through with their own
// code and retry metadata.
func translateRPCError(err error) (int, *rpcErrorBody) {
	var rpcErr *gateway.RPCError
	if errors.As(err, &rpcErr) {
		return http.StatusBadGateway, &rpcErrorBody{
			Code:         rpcErr.Code,
			Message:      rpcErr.Message,
			Details:      rpcErr.Details,
			Retryable:    rpcErr.Retryable,
			RetryAfterMs: rpcErr.RetryAfterMs,
		}
	}

	body := &rpcErrorBody{
		Code:      string(domain.ErrorCodeOf(err)),
		Message:   err.Error(),
		Retryable: domain.IsRetryableError(err),
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		body.Code = string(domain.CodeNotConnected)
		body.Message = "gateway circuit open"
		body.Retryable = true
		return http.StatusServiceUnavailable, body
	case errors.Is(err, domain.ErrNotConnected), errors.Is(err, domain.ErrClientClosed):
		return http.StatusServiceUnavailable, body
	case errors.Is(err, domain.ErrRequestTimeout):
		return http.StatusGatewayTimeout, body
	case errors.Is(err, domain.ErrConnectionLost):
		return http.StatusBadGateway, body
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, body
	default:
		return http.StatusInternalServerError, body
	}
}

func writeRPCError(w http.ResponseWriter, status int, body *rpcErrorBody) {
	writeJSON(w, status, rpcResponse{OK: false, Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
