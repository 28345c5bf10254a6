package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateDevice(cfg, ve)
	validateServer(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.URL == "" {
		ve.Add("gateway.url must not be empty")
	} else {
		u, err := url.Parse(g.URL)
		if err != nil {
			ve.Add("gateway.url is not a valid URL: %v", err)
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			ve.Add("gateway.url scheme must be ws or wss, got %q", u.Scheme)
		}
	}
	if g.ClientID == "" {
		ve.Add("gateway.client_id must not be empty")
	}
	if g.RequestTimeout <= 0 {
		ve.Add("gateway.request_timeout must be > 0")
	}
	if g.HandshakeTimeout <= 0 {
		ve.Add("gateway.handshake_timeout must be > 0")
	}
	if g.Reconnect.InitialDelay <= 0 {
		ve.Add("gateway.reconnect.initial_delay must be > 0")
	}
	if g.Reconnect.MaxDelay < g.Reconnect.InitialDelay {
		ve.Add("gateway.reconnect.max_delay must be >= initial_delay")
	}
	if g.Reconnect.AuthFailThreshold <= 0 {
		ve.Add("gateway.reconnect.auth_fail_threshold must be > 0")
	}
	if g.Reconnect.AuthFailStep <= 0 {
		ve.Add("gateway.reconnect.auth_fail_step must be > 0")
	}
}

func validateDevice(cfg *Config, ve *ValidationError) {
	if cfg.Device.KeyFile == "" {
		ve.Add("device.key_file must not be empty")
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Addr == "" {
		ve.Add("server.addr must not be empty")
	}
	if s.ShutdownTimeout <= 0 {
		ve.Add("server.shutdown_timeout must be > 0")
	}
	if s.RateLimit.Enabled {
		if s.RateLimit.RequestsPerMinute <= 0 {
			ve.Add("server.rate_limit.requests_per_minute must be > 0 when rate limiting is enabled")
		}
		if s.RateLimit.Burst <= 0 {
			ve.Add("server.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
	}
	if s.SSE.KeepAlive <= 0 {
		ve.Add("server.sse.keep_alive must be > 0")
	}
	if s.SSE.RetryHintMs < 0 {
		ve.Add("server.sse.retry_hint_ms must be >= 0")
	}
	if len(s.RPC.AllowedMethods) == 0 {
		ve.Add("server.rpc.allowed_methods must not be empty")
	}
	for _, m := range s.RPC.AllowedMethods {
		if strings.TrimSpace(m) == "" {
			ve.Add("server.rpc.allowed_methods contains an empty method name")
			break
		}
	}
	if s.RPC.Breaker.Enabled {
		if s.RPC.Breaker.MaxFailures == 0 {
			ve.Add("server.rpc.breaker.max_failures must be > 0 when the breaker is enabled")
		}
		if s.RPC.Breaker.Timeout <= 0 {
			ve.Add("server.rpc.breaker.timeout must be > 0 when the breaker is enabled")
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch cfg.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level must be one of debug, info, warn, error; got %q", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format must be text or json; got %q", cfg.Logger.Format)
	}
	switch cfg.Logger.Output {
	case "stderr", "stdout":
	default:
		ve.Add("logger.output must be stderr or stdout; got %q", cfg.Logger.Output)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout", "":
	default:
		ve.Add("tracer.exporter must be noop or stdout; got %q", cfg.Tracer.Exporter)
	}
}
