package middleware

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clawdash/internal/infra/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func limitCfg(rpm, burst int) config.RateLimitConfig {
	return config.RateLimitConfig{Enabled: true, RequestsPerMinute: rpm, Burst: burst}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	expectedHeaders := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'self'",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
	}
	for header, want := range expectedHeaders {
		if got := w.Header().Get(header); got != want {
			t.Errorf("Header %s = %q, want %q", header, got, want)
		}
	}

	// HSTS should NOT be present without TLS
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS header should not be set without TLS, got: %q", hsts)
	}
}

func TestSecurityHeaders_HSTS_WithTLS(t *testing.T) {
	handler := SecurityHeaders(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	want := "max-age=31536000; includeSubDomains"
	if got := w.Header().Get("Strict-Transport-Security"); got != want {
		t.Errorf("HSTS = %q, want %q", got, want)
	}
}

func TestRateLimit_AllowsNormalTraffic(t *testing.T) {
	handler := RateLimit(context.Background(), limitCfg(60, 10))(okHandler())

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: got status %d, want %d", i+1, w.Code, http.StatusOK)
		}
	}
}

func TestRateLimit_BlocksExcessiveTraffic(t *testing.T) {
	handler := RateLimit(context.Background(), limitCfg(6, 3))(okHandler())

	successCount := 0
	blockedCount := 0
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		switch w.Code {
		case http.StatusOK:
			successCount++
		case http.StatusTooManyRequests:
			blockedCount++
		}
	}

	if successCount != 3 {
		t.Errorf("Expected 3 successful requests, got %d", successCount)
	}
	if blockedCount != 7 {
		t.Errorf("Expected 7 blocked requests, got %d", blockedCount)
	}
}

func TestRateLimit_BlockedResponseHeaders(t *testing.T) {
	handler := RateLimit(context.Background(), limitCfg(6, 1))(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/api/rpc", nil)
		req.RemoteAddr = "198.51.100.7:4321"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if i == 0 {
			if w.Code != http.StatusOK {
				t.Fatalf("first request: got status %d", w.Code)
			}
			if w.Header().Get("X-RateLimit-Limit") != "6" {
				t.Errorf("X-RateLimit-Limit = %q, want %q", w.Header().Get("X-RateLimit-Limit"), "6")
			}
			continue
		}

		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("second request: got status %d, want 429", w.Code)
		}
		if w.Header().Get("Retry-After") == "" {
			t.Error("blocked response missing Retry-After header")
		}
		if w.Header().Get("X-RateLimit-Remaining") != "0" {
			t.Errorf("X-RateLimit-Remaining = %q, want %q", w.Header().Get("X-RateLimit-Remaining"), "0")
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
	}
}

func TestRateLimit_LoopbackBypass(t *testing.T) {
	handler := RateLimit(context.Background(), limitCfg(6, 1))(okHandler())

	// Well past the burst. Loopback callers are never limited.
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "127.0.0.1:55000"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("loopback request %d: got status %d, want %d", i+1, w.Code, http.StatusOK)
		}
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: false, RequestsPerMinute: 1, Burst: 1}
	handler := RateLimit(context.Background(), cfg)(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("request %d: got status %d with limiter disabled", i+1, w.Code)
		}
	}
}

func TestRateLimit_SeparatesClientsByIP(t *testing.T) {
	handler := RateLimit(context.Background(), limitCfg(6, 2))(okHandler())

	client1Blocked := false
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			client1Blocked = true
		}
	}

	client2Success := 0
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.2:12345"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)
		if w.Code == http.StatusOK {
			client2Success++
		}
	}

	if !client1Blocked {
		t.Error("Client 1 should have been rate limited")
	}
	if client2Success != 2 {
		t.Errorf("Client 2 should have 2 successful requests, got %d", client2Success)
	}
}

func TestClientIP_XForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.1, 198.51.100.1")
	req.RemoteAddr = "192.168.1.1:12345"

	ip := clientIP(req, []string{"192.168.1.1"})

	if ip != "203.0.113.1" {
		t.Errorf("clientIP() = %q, want %q", ip, "203.0.113.1")
	}
}

func TestClientIP_XRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Real-IP", "203.0.113.1")
	req.RemoteAddr = "192.168.1.1:12345"

	ip := clientIP(req, []string{"192.168.1.1"})

	if ip != "203.0.113.1" {
		t.Errorf("clientIP() = %q, want %q", ip, "203.0.113.1")
	}
}

func TestClientIP_RemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.1:12345"

	ip := clientIP(req, nil)

	if ip != "192.168.1.1" {
		t.Errorf("clientIP() = %q, want %q", ip, "192.168.1.1")
	}
}

// X-Forwarded-For must be ignored when the request does not arrive through a
// trusted proxy, otherwise any client could spoof its way past the limiter.
func TestClientIP_SpoofingPrevention(t *testing.T) {
	tests := []struct {
		name           string
		remoteAddr     string
		xForwardedFor  string
		trustedProxies []string
		wantIP         string
	}{
		{
			name:           "untrusted source with XFF",
			remoteAddr:     "1.2.3.4:12345",
			xForwardedFor:  "8.8.8.8",
			trustedProxies: []string{"192.168.1.1"},
			wantIP:         "1.2.3.4",
		},
		{
			name:           "no trusted proxies with XFF",
			remoteAddr:     "1.2.3.4:12345",
			xForwardedFor:  "8.8.8.8",
			trustedProxies: nil,
			wantIP:         "1.2.3.4",
		},
		{
			name:           "trusted proxy with XFF",
			remoteAddr:     "192.168.1.1:12345",
			xForwardedFor:  "8.8.8.8",
			trustedProxies: []string{"192.168.1.1"},
			wantIP:         "8.8.8.8",
		},
		{
			name:           "spoofed XFF from unknown peer",
			remoteAddr:     "203.0.113.1:12345",
			xForwardedFor:  "8.8.8.8",
			trustedProxies: []string{"10.0.0.1"},
			wantIP:         "203.0.113.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}

			got := clientIP(req, tt.trustedProxies)

			if got != tt.wantIP {
				t.Errorf("clientIP() = %q, want %q", got, tt.wantIP)
			}
		})
	}
}

func TestRateLimit_TokenRefill(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping time-dependent test in short mode")
	}

	// 60 req/min = 1 req/sec, burst 1
	handler := RateLimit(context.Background(), limitCfg(60, 1))(okHandler())

	req1 := httptest.NewRequest("GET", "/test", nil)
	req1.RemoteAddr = "192.168.1.1:12345"
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req1)

	if w1.Code != http.StatusOK {
		t.Errorf("First request: got status %d, want %d", w1.Code, http.StatusOK)
	}

	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "192.168.1.1:12345"
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)

	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("Second request (immediate): got status %d, want %d", w2.Code, http.StatusTooManyRequests)
	}

	time.Sleep(1100 * time.Millisecond)

	req3 := httptest.NewRequest("GET", "/test", nil)
	req3.RemoteAddr = "192.168.1.1:12345"
	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, req3)

	if w3.Code != http.StatusOK {
		t.Errorf("Third request (after refill): got status %d, want %d", w3.Code, http.StatusOK)
	}
}
