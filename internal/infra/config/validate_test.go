package config

import (
	"strings"
	"testing"
)

func TestValidateDefaults(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidateGateway(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty url", func(c *Config) { c.Gateway.URL = "" }, "gateway.url"},
		{"http scheme", func(c *Config) { c.Gateway.URL = "http://example.com" }, "scheme must be ws or wss"},
		{"empty client id", func(c *Config) { c.Gateway.ClientID = "" }, "gateway.client_id"},
		{"zero request timeout", func(c *Config) { c.Gateway.RequestTimeout = 0 }, "request_timeout"},
		{"zero handshake timeout", func(c *Config) { c.Gateway.HandshakeTimeout = 0 }, "handshake_timeout"},
		{"zero initial delay", func(c *Config) { c.Gateway.Reconnect.InitialDelay = 0 }, "initial_delay"},
		{"max below initial", func(c *Config) {
			c.Gateway.Reconnect.MaxDelay = c.Gateway.Reconnect.InitialDelay / 2
		}, "max_delay"},
		{"zero auth threshold", func(c *Config) { c.Gateway.Reconnect.AuthFailThreshold = 0 }, "auth_fail_threshold"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateServer(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"zero shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }, "shutdown_timeout"},
		{"rate limit without rpm", func(c *Config) { c.Server.RateLimit.RequestsPerMinute = 0 }, "requests_per_minute"},
		{"rate limit without burst", func(c *Config) { c.Server.RateLimit.Burst = 0 }, "burst"},
		{"zero keepalive", func(c *Config) { c.Server.SSE.KeepAlive = 0 }, "keep_alive"},
		{"no allowed methods", func(c *Config) { c.Server.RPC.AllowedMethods = nil }, "allowed_methods"},
		{"blank method name", func(c *Config) { c.Server.RPC.AllowedMethods = []string{"status", " "} }, "empty method name"},
		{"breaker without max failures", func(c *Config) { c.Server.RPC.Breaker.MaxFailures = 0 }, "max_failures"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateDisabledSectionsSkipped(t *testing.T) {
	cfg := Defaults()
	cfg.Server.RateLimit.Enabled = false
	cfg.Server.RateLimit.RequestsPerMinute = 0
	cfg.Server.RPC.Breaker.Enabled = false
	cfg.Server.RPC.Breaker.MaxFailures = 0

	if err := Validate(cfg); err != nil {
		t.Errorf("disabled sections should not be validated: %v", err)
	}
}

func TestValidateLogger(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Level = "verbose"
	cfg.Logger.Format = "xml"
	cfg.Logger.Output = "syslog"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("expected 3 accumulated errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidateTracer(t *testing.T) {
	cfg := Defaults()
	cfg.Tracer.Enabled = true
	cfg.Tracer.Exporter = "jaeger"
	if err := Validate(cfg); err == nil {
		t.Error("unsupported exporter should fail")
	}

	// Empty exporter on an enabled tracer means noop.
	cfg.Tracer.Exporter = ""
	if err := Validate(cfg); err != nil {
		t.Errorf("empty exporter should validate: %v", err)
	}

	// A disabled tracer skips exporter checks entirely.
	cfg.Tracer.Enabled = false
	cfg.Tracer.Exporter = "jaeger"
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled tracer should validate: %v", err)
	}
}

func TestValidateAccumulatesAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.URL = ""
	cfg.Gateway.ClientID = ""
	cfg.Server.Addr = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve := err.(*ValidationError)
	if len(ve.Errors) < 3 {
		t.Errorf("expected at least 3 errors, got %v", ve.Errors)
	}
}
