package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"proxy_machine/internal/shared/types"
	"proxy_machine/proxypool/model"
)

type mockSource struct {
	snap *model.Snapshot
}

func (m *mockSource) Snapshot() *model.Snapshot {
	return m.snap
}

func snapshotOf(addrs ...string) *model.Snapshot {
	s := &model.Snapshot{Type: model.TypeHTTP}
	for _, a := range addrs {
		s.Proxies = append(s.Proxies, model.LiveProxy{Type: model.TypeHTTP, Address: a})
	}
	return s
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// mockTransports records every upstream the relay dials and answers from the
// handlers map; addresses without a handler fail to connect.
type mockTransports struct {
	mu       sync.Mutex
	dials    []string
	handlers map[string]func(*http.Request) (*http.Response, error)
}

func (m *mockTransports) newTransport(t model.ProxyType, addr string, timeout time.Duration) (http.RoundTripper, error) {
	m.mu.Lock()
	m.dials = append(m.dials, addr)
	h := m.handlers[addr]
	m.mu.Unlock()
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if h == nil {
			return nil, fmt.Errorf("dial %s: connection refused", addr)
		}
		return h(r)
	}), nil
}

func okResponse(body string) func(*http.Request) (*http.Response, error) {
	return func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"text/plain"}, "Connection": {"close"}},
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

func setupTestRelay(snap *model.Snapshot, cfg types.RelayConf) (*Relay, *mockTransports) {
	m := &mockTransports{handlers: make(map[string]func(*http.Request) (*http.Response, error))}
	r := New(&mockSource{snap: snap}, cfg)
	r.newTransport = m.newTransport
	return r, m
}

func newGet(t *testing.T, target string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestForwardEmptyPool(t *testing.T) {
	for _, snap := range []*model.Snapshot{nil, snapshotOf()} {
		r, m := setupTestRelay(snap, types.RelayConf{})
		_, err := r.Forward(context.Background(), newGet(t, "http://example.com/"))
		if !errors.Is(err, model.ErrPoolEmpty) {
			t.Errorf("Expected ErrPoolEmpty, but got %v", err)
		}
		if len(m.dials) != 0 {
			t.Errorf("Expected zero dials, but got %d", len(m.dials))
		}
	}
}

func TestForwardExhaustion(t *testing.T) {
	for _, sampling := range []string{"uniform", "fresh_first"} {
		r, m := setupTestRelay(snapshotOf("9.9.9.9:80"), types.RelayConf{MaxAttempts: 15, Sampling: sampling})
		_, err := r.Forward(context.Background(), newGet(t, "http://example.com/"))
		if !errors.Is(err, model.ErrRelayExhausted) {
			t.Errorf("%s: expected ErrRelayExhausted, but got %v", sampling, err)
		}
		if len(m.dials) != 15 {
			t.Errorf("%s: expected exactly 15 dials, but got %d", sampling, len(m.dials))
		}
		var merr model.Error
		if errors.As(err, &merr) && merr.RawErr == nil {
			t.Errorf("%s: expected the last cause to be kept", sampling)
		}
	}
}

func TestForwardShortCircuitsOnSuccess(t *testing.T) {
	r, m := setupTestRelay(snapshotOf("1.1.1.1:80"), types.RelayConf{MaxAttempts: 5})
	m.handlers["1.1.1.1:80"] = okResponse("hello")

	resp, err := r.Forward(context.Background(), newGet(t, "http://example.com/"))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if string(resp.Body) != "hello" || resp.Proxy != "1.1.1.1:80" || resp.Attempts != 1 {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if len(m.dials) != 1 {
		t.Errorf("Expected a single dial, but got %d", len(m.dials))
	}
	if resp.Header.Get("Connection") != "" {
		t.Error("Expected hop-by-hop headers to be stripped")
	}
}

func TestFreshFirstTriesEveryAddressBeforeRepeating(t *testing.T) {
	addrs := []string{"1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80", "4.4.4.4:80"}
	r, m := setupTestRelay(snapshotOf(addrs...), types.RelayConf{MaxAttempts: 4, Sampling: "fresh_first"})

	r.Forward(context.Background(), newGet(t, "http://example.com/"))
	seen := make(map[string]bool)
	for _, a := range m.dials {
		seen[a] = true
	}
	if len(seen) != len(addrs) {
		t.Errorf("Expected all %d addresses to be tried once, but dialed %v", len(addrs), m.dials)
	}
}

func TestProxyAuthRequiredCountsAsFailure(t *testing.T) {
	r, m := setupTestRelay(snapshotOf("1.1.1.1:80", "2.2.2.2:80"), types.RelayConf{MaxAttempts: 2})
	m.handlers["1.1.1.1:80"] = func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusProxyAuthRequired, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	m.handlers["2.2.2.2:80"] = okResponse("ok")

	resp, err := r.Forward(context.Background(), newGet(t, "http://example.com/"))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.Proxy != "2.2.2.2:80" {
		t.Errorf("Expected the 407 proxy to be skipped, but got %s", resp.Proxy)
	}
}

func TestAttemptTimeoutIsEnforced(t *testing.T) {
	r, m := setupTestRelay(snapshotOf("1.1.1.1:80"), types.RelayConf{MaxAttempts: 3, AttemptTimeout: 20 * time.Millisecond})
	m.handlers["1.1.1.1:80"] = func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}

	start := time.Now()
	_, err := r.Forward(context.Background(), newGet(t, "http://example.com/"))
	if !errors.Is(err, model.ErrRelayExhausted) {
		t.Errorf("Expected ErrRelayExhausted, but got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected the relay to give up within its bound, but it took %v", elapsed)
	}
}

func TestNewLoadBalancer(t *testing.T) {
	if _, ok := NewLoadBalancer("uniform").(UniformBalancer); !ok {
		t.Error("Expected uniform to map to UniformBalancer")
	}
	if _, ok := NewLoadBalancer("").(FreshFirstBalancer); !ok {
		t.Error("Expected the default to be FreshFirstBalancer")
	}
}
