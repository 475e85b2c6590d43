package dialer

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"proxy_machine/proxypool/dialer/dialertest"
	"proxy_machine/proxypool/model"
)

func newTarget(t *testing.T) *httptest.Server {
	t.Helper()
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello from target")
	}))
	t.Cleanup(target.Close)
	return target
}

func get(t *testing.T, tr http.RoundTripper, url string) string {
	t.Helper()
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s through proxy failed: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestTransportThroughSOCKS5(t *testing.T) {
	target := newTarget(t)
	srv := dialertest.NewSOCKS5()
	defer srv.Close()

	tr, err := Transport(model.TypeSOCKS5, srv.Addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Transport returned error: %v", err)
	}
	if body := get(t, tr, target.URL); body != "hello from target" {
		t.Errorf("Expected target body, but got %q", body)
	}
	want := strings.TrimPrefix(target.URL, "http://")
	if targets := srv.Targets(); len(targets) != 1 || targets[0] != want {
		t.Errorf("Expected the proxy to connect to %s, but got %v", want, targets)
	}
}

func TestTransportThroughSOCKS4(t *testing.T) {
	target := newTarget(t)
	srv := dialertest.NewSOCKS4()
	defer srv.Close()

	tr, err := Transport(model.TypeSOCKS4, srv.Addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Transport returned error: %v", err)
	}
	if body := get(t, tr, target.URL); body != "hello from target" {
		t.Errorf("Expected target body, but got %q", body)
	}
	if len(srv.Targets()) != 1 {
		t.Errorf("Expected exactly one tunnelled connection, but got %v", srv.Targets())
	}
}

func TestTransportThroughHTTPProxy(t *testing.T) {
	var seen string
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.String()
		io.WriteString(w, "from proxy")
	}))
	defer proxySrv.Close()

	tr, err := Transport(model.TypeHTTP, strings.TrimPrefix(proxySrv.URL, "http://"), 2*time.Second)
	if err != nil {
		t.Fatalf("Transport returned error: %v", err)
	}
	if body := get(t, tr, "http://echo.invalid/ip"); body != "from proxy" {
		t.Errorf("Expected proxy body, but got %q", body)
	}
	if seen != "http://echo.invalid/ip" {
		t.Errorf("Expected the proxy to receive an absolute URL, but got %q", seen)
	}
}

func TestTransportRejectsUnknownType(t *testing.T) {
	if _, err := Transport(model.ProxyType(0), "127.0.0.1:1", time.Second); err == nil {
		t.Error("Expected an error for an unknown proxy type")
	}
	if _, err := DialContext(model.TypeHTTP, "127.0.0.1:1", time.Second); err == nil {
		t.Error("Expected an error creating a raw TCP dialer for http")
	}
}

func TestWithContextHonoursCancellation(t *testing.T) {
	release := make(chan struct{})
	dial := withContext(func(network, addr string) (net.Conn, error) {
		<-release
		return nil, io.EOF
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := dial(ctx, "tcp", "127.0.0.1:1")
	close(release)
	if err != context.DeadlineExceeded {
		t.Errorf("Expected context.DeadlineExceeded, but got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Dial did not return promptly after the deadline")
	}
}
