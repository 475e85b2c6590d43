// Package relay forwards inbound requests through randomly chosen live
// proxies, with a bounded number of attempts per request.
package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"proxy_machine/internal/shared/logger"
	"proxy_machine/internal/shared/types"
	"proxy_machine/proxypool/dialer"
	"proxy_machine/proxypool/model"
)

// maxBodyBytes caps how much of an upstream body one attempt buffers.
const maxBodyBytes = 32 << 20

// hopHeaders 不能转发给上游，也不能回传给客户端。
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SnapshotSource returns the current pool snapshot. *manager.Manager implements it.
type SnapshotSource interface {
	Snapshot() *model.Snapshot
}

// TransportFunc builds a fresh round tripper through one upstream proxy.
type TransportFunc func(t model.ProxyType, addr string, timeout time.Duration) (http.RoundTripper, error)

// Response is a fully buffered upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Proxy      string
	Attempts   int
}

type Relay struct {
	source         SnapshotSource
	balancer       LoadBalancer
	maxAttempts    int
	attemptTimeout time.Duration
	newTransport   TransportFunc
}

func New(source SnapshotSource, cfg types.RelayConf) *Relay {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 15
	}
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Relay{
		source:         source,
		balancer:       NewLoadBalancer(cfg.Sampling),
		maxAttempts:    maxAttempts,
		attemptTimeout: timeout,
		newTransport:   dialer.RoundTripper,
	}
}

// Forward sends req through up to maxAttempts upstreams and returns the first
// response. An empty snapshot fails with ErrPoolEmpty before any dial; running
// out of attempts fails with ErrRelayExhausted carrying the last cause.
func (r *Relay) Forward(ctx context.Context, req *http.Request) (*Response, error) {
	l := logger.WithComponent("Relay")
	snap := r.source.Snapshot()
	addrs := snap.Addresses()
	if len(addrs) == 0 {
		return nil, model.MakeError(model.ErrPoolEmpty, "no active proxies")
	}

	tried := make(map[string]int, len(addrs))
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		addr := r.balancer.Select(addrs, tried)
		tried[addr]++

		resp, err := r.attempt(ctx, snap.Type, addr, req)
		if err == nil {
			resp.Proxy = addr
			resp.Attempts = attempt
			l.Debug().Str("proxy", addr).Int("attempt", attempt).Str("url", req.URL.String()).Msg("Relayed request.")
			return resp, nil
		}
		lastErr = err
		l.Debug().Err(err).Str("proxy", addr).Int("attempt", attempt).Msg("Relay attempt failed.")
	}
	return nil, model.WrapError(model.ErrRelayExhausted,
		fmt.Sprintf("failed after %d attempts", r.maxAttempts), lastErr)
}

// attempt 通过单个上游完成一次请求，响应体在超时内完整读取。
func (r *Relay) attempt(ctx context.Context, t model.ProxyType, addr string, in *http.Request) (*Response, error) {
	rt, err := r.newTransport(t, addr, r.attemptTimeout)
	if err != nil {
		return nil, err
	}
	if c, ok := rt.(interface{ CloseIdleConnections() }); ok {
		defer c.CloseIdleConnections()
	}

	actx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()

	out, err := http.NewRequestWithContext(actx, in.Method, in.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	out.Header = in.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	removeHopHeaders(out.Header)

	resp, err := rt.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusProxyAuthRequired {
		return nil, fmt.Errorf("upstream %s requires authentication", addr)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read body via %s: %w", addr, err)
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	header.Del("Content-Length")
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
