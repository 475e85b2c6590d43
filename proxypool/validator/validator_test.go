package validator

import (
	"context"
	"errors"
	"fmt"
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

const echoURL = "http://echo.invalid/ip"

// newFakeProxy starts an HTTP forward proxy that answers every request
// itself with the given origin, as a real proxy in front of the echo
// endpoint would.
func newFakeProxy(t *testing.T, origin string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"origin": %q}`, origin)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(strings.TrimPrefix(srv.URL, "http://"), "https://")
}

func TestValidateMaskingCheck(t *testing.T) {
	self := []string{"1.2.3.4"}
	cases := []struct {
		origin string
		ok     bool
	}{
		{"1.2.3.4", false},
		{"5.6.7.8", true},
		{"1.2.3.4, 5.6.7.8", true},
	}

	v := NewValidator(echoURL, 2*time.Second, 1)
	for _, c := range cases {
		srv := newFakeProxy(t, c.origin)
		res := v.Validate(context.Background(), model.Candidate{Address: hostOf(srv), Type: model.TypeHTTP}, self)
		if res.OK() != c.ok {
			t.Errorf("origin %q: expected ok=%v, but got err=%v", c.origin, c.ok, res.Err)
		}
		if !c.ok && !errors.Is(res.Err, model.ErrMaskingCheckFailed) {
			t.Errorf("origin %q: expected ErrMaskingCheckFailed, but got %v", c.origin, res.Err)
		}
		if c.ok && res.Latency <= 0 {
			t.Errorf("origin %q: expected a positive latency, but got %v", c.origin, res.Latency)
		}
	}
}

func TestValidateHTTPSProxy(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"origin": "9.9.9.9"}`)
	}))
	defer srv.Close()

	v := NewValidator(echoURL, 2*time.Second, 1)
	res := v.Validate(context.Background(), model.Candidate{Address: hostOf(srv), Type: model.TypeHTTPS}, []string{"1.2.3.4"})
	if !res.OK() {
		t.Fatalf("Expected https proxy to validate, but got %v", res.Err)
	}
	if len(res.OriginIPs) != 1 || res.OriginIPs[0] != "9.9.9.9" {
		t.Errorf("Expected origin 9.9.9.9, but got %v", res.OriginIPs)
	}
}

func TestValidateSOCKSProxies(t *testing.T) {
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"origin": "8.8.4.4"}`)
	}))
	defer echo.Close()

	v := NewValidator(echo.URL+"/ip", 2*time.Second, 1)
	for _, tc := range []struct {
		pt  model.ProxyType
		srv *dialertest.Server
	}{
		{model.TypeSOCKS5, dialertest.NewSOCKS5()},
		{model.TypeSOCKS4, dialertest.NewSOCKS4()},
	} {
		res := v.Validate(context.Background(), model.Candidate{Address: tc.srv.Addr, Type: tc.pt}, []string{"1.2.3.4"})
		if !res.OK() {
			t.Errorf("%s: expected success, but got %v", tc.pt, res.Err)
		}
		tc.srv.Close()
	}
}

func TestValidateSOCKSRejected(t *testing.T) {
	srv := dialertest.NewSOCKS5()
	srv.Reject = true
	defer srv.Close()

	v := NewValidator(echoURL, 2*time.Second, 1)
	res := v.Validate(context.Background(), model.Candidate{Address: srv.Addr, Type: model.TypeSOCKS5}, nil)
	if res.OK() {
		t.Fatal("Expected a rejected SOCKS5 connect to fail")
	}
}

func TestValidateConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	v := NewValidator(echoURL, 2*time.Second, 1)
	res := v.Validate(context.Background(), model.Candidate{Address: addr, Type: model.TypeHTTP}, nil)
	if !errors.Is(res.Err, model.ErrConnect) {
		t.Errorf("Expected ErrConnect, but got %v", res.Err)
	}
}

func TestValidateTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer srv.Close()

	v := NewValidator(echoURL, 100*time.Millisecond, 1)
	if v.Timeout() != 100*time.Millisecond {
		t.Errorf("Expected Timeout() to report 100ms, but got %v", v.Timeout())
	}
	start := time.Now()
	res := v.Validate(context.Background(), model.Candidate{Address: hostOf(srv), Type: model.TypeHTTP}, nil)
	if !errors.Is(res.Err, model.ErrTimeout) {
		t.Errorf("Expected ErrTimeout, but got %v", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected validation to give up near its timeout, took %v", elapsed)
	}
}

func TestValidateCancelledIsNotAProxyFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := NewValidator(echoURL, time.Second, 1)
	res := v.Validate(ctx, model.Candidate{Address: hostOf(srv), Type: model.TypeHTTP}, nil)
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Expected context.Canceled, but got %v", res.Err)
	}
	if errors.Is(res.Err, model.ErrProtocol) || errors.Is(res.Err, model.ErrConnect) {
		t.Errorf("Expected shutdown not to be tagged as a proxy failure, but got %v", res.Err)
	}
}

func TestValidateProtocolErrors(t *testing.T) {
	handlers := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		},
		"json": func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "<html>captive portal</html>")
		},
		"empty origin": func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"origin": ""}`)
		},
	}

	v := NewValidator(echoURL, 2*time.Second, 1)
	for name, h := range handlers {
		srv := httptest.NewServer(h)
		res := v.Validate(context.Background(), model.Candidate{Address: hostOf(srv), Type: model.TypeHTTP}, nil)
		if !errors.Is(res.Err, model.ErrProtocol) {
			t.Errorf("%s: expected ErrProtocol, but got %v", name, res.Err)
		}
		srv.Close()
	}
}

func TestValidateAllKeepsResultsWithTheirCandidate(t *testing.T) {
	const n = 20
	candidates := make([]model.Candidate, n)
	for i := 0; i < n; i++ {
		srv := newFakeProxy(t, fmt.Sprintf("10.0.0.%d", i+1))
		candidates[i] = model.Candidate{Address: hostOf(srv), Type: model.TypeHTTP}
	}

	v := NewValidator(echoURL, 2*time.Second, 4)
	results := v.ValidateAll(context.Background(), candidates, []string{"1.2.3.4"})
	if len(results) != n {
		t.Fatalf("Expected %d results, but got %d", n, len(results))
	}
	for i, res := range results {
		if res.Address != candidates[i].Address {
			t.Errorf("Result %d: expected address %s, but got %s", i, candidates[i].Address, res.Address)
		}
		want := fmt.Sprintf("10.0.0.%d", i+1)
		if !res.OK() || len(res.OriginIPs) != 1 || res.OriginIPs[0] != want {
			t.Errorf("Result %d: expected origin %s, but got %v (err %v)", i, want, res.OriginIPs, res.Err)
		}
	}
}

func TestMasks(t *testing.T) {
	self := []string{"1.2.3.4"}
	if Masks([]string{"1.2.3.4"}, self) {
		t.Error("Expected an all-self origin not to mask")
	}
	if !Masks([]string{"5.6.7.8"}, self) {
		t.Error("Expected a foreign origin to mask")
	}
	if !Masks([]string{"1.2.3.4", "5.6.7.8"}, self) {
		t.Error("Expected a mixed origin to mask")
	}
	if Masks(nil, self) {
		t.Error("Expected an empty origin not to mask")
	}
}

func TestParseOrigin(t *testing.T) {
	got := ParseOrigin(" 1.2.3.4 ,5.6.7.8,, ")
	if len(got) != 2 || got[0] != "1.2.3.4" || got[1] != "5.6.7.8" {
		t.Errorf("Expected [1.2.3.4 5.6.7.8], but got %v", got)
	}
}

func TestDiscoverSelfIPs(t *testing.T) {
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"origin": "203.0.113.7"}`)
	}))
	defer echo.Close()

	ips, err := DiscoverSelfIPs(context.Background(), echo.Client(), echo.URL, 1)
	if err != nil {
		t.Fatalf("DiscoverSelfIPs returned error: %v", err)
	}
	if len(ips) != 1 || ips[0] != "203.0.113.7" {
		t.Errorf("Expected [203.0.113.7], but got %v", ips)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()
	if _, err := DiscoverSelfIPs(context.Background(), broken.Client(), broken.URL, 1); err == nil {
		t.Error("Expected an error when the echo endpoint fails")
	}
}
