package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestE2E_RPCRoundTrip(t *testing.T) {
	SkipIfShort(t)

	gw := NewStubGateway(t)
	stack := StartStack(t, gw.URL())
	stack.WaitConnected(t)

	resp, err := http.Post(stack.BaseURL()+"/api/rpc", "application/json",
		strings.NewReader(`{"method":"sessions.list","params":{"limit":3}}`))
	if err != nil {
		t.Fatalf("POST /api/rpc: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var out struct {
		OK   bool `json:"ok"`
		Data struct {
			Method string          `json:"method"`
			Echo   json.RawMessage `json:"echo"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.OK || out.Data.Method != "sessions.list" {
		t.Errorf("response = %+v", out)
	}
	if !strings.Contains(string(out.Data.Echo), `"limit":3`) {
		t.Errorf("params not forwarded: %s", out.Data.Echo)
	}
}

func TestE2E_EventReachesBrowser(t *testing.T) {
	SkipIfShort(t)

	gw := NewStubGateway(t)
	stack := StartStack(t, gw.URL())
	stack.WaitConnected(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stack.BaseURL()+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	waitLine := func(match func(string) bool) string {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatal("stream closed early")
				}
				if match(line) {
					return line
				}
			case <-deadline:
				t.Fatal("expected SSE line never arrived")
			}
		}
	}

	waitLine(func(l string) bool { return strings.HasPrefix(l, ": stream open") })

	// A gateway push must travel client -> bus -> SSE to the browser.
	gw.PushEvent("chat", map[string]string{"sessionKey": "e2e-1", "text": "hello"})

	waitLine(func(l string) bool { return l == "event: chat" })
	data := waitLine(func(l string) bool { return strings.HasPrefix(l, "data: ") })
	if !strings.Contains(data, `"sessionKey":"e2e-1"`) {
		t.Errorf("payload lost in transit: %q", data)
	}
}

func TestE2E_HealthReportsGatewayState(t *testing.T) {
	SkipIfShort(t)

	gw := NewStubGateway(t)
	stack := StartStack(t, gw.URL())
	stack.WaitConnected(t)

	resp, err := http.Get(stack.BaseURL() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var health struct {
		Status  string `json:"status"`
		Gateway struct {
			State         string `json:"state"`
			ServerVersion string `json:"serverVersion"`
		} `json:"gateway"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q", health.Status)
	}
	if health.Gateway.State != "connected" || health.Gateway.ServerVersion != "stub" {
		t.Errorf("gateway health = %+v", health.Gateway)
	}
}
