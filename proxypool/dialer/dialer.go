// Package dialer builds isolated network paths through a single upstream
// proxy. Every call returns fresh values; nothing here touches process-wide
// proxy settings, so concurrent callers can never observe each other's proxy.
package dialer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"

	"proxy_machine/proxypool/model"
)

// DialContextFunc has the signature of net.Dialer.DialContext.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DialContext returns a function that opens TCP connections tunnelled through
// the SOCKS proxy at addr. Only socks4 and socks5 can tunnel raw TCP.
func DialContext(t model.ProxyType, addr string, timeout time.Duration) (DialContextFunc, error) {
	switch t {
	case model.TypeSOCKS5:
		d, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		return cd.DialContext, nil
	case model.TypeSOCKS4:
		uri := fmt.Sprintf("socks4://%s?timeout=%s", addr, timeout)
		return withContext(socks.Dial(uri)), nil
	default:
		return nil, fmt.Errorf("proxy type %s cannot tunnel raw TCP", t)
	}
}

// Transport builds an http.Transport whose every request goes through the
// proxy at addr. Keep-alives are disabled so no connection outlives its
// request and nothing is shared between transports.
func Transport(t model.ProxyType, addr string, timeout time.Duration) (*http.Transport, error) {
	tr := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
		DisableKeepAlives:     true,
	}

	switch t {
	case model.TypeHTTP, model.TypeHTTPS:
		// For https the client speaks TLS to the proxy itself.
		proxyURL := &url.URL{Scheme: t.String(), Host: addr}
		tr.Proxy = http.ProxyURL(proxyURL)
		tr.DialContext = (&net.Dialer{Timeout: timeout}).DialContext
	case model.TypeSOCKS4, model.TypeSOCKS5:
		dial, err := DialContext(t, addr, timeout)
		if err != nil {
			return nil, err
		}
		tr.Proxy = nil
		tr.DialContext = dial
	default:
		return nil, fmt.Errorf("unsupported proxy type %s", t)
	}
	return tr, nil
}

// RoundTripper adapts Transport to the http.RoundTripper interface so it can
// be swapped out in tests.
func RoundTripper(t model.ProxyType, addr string, timeout time.Duration) (http.RoundTripper, error) {
	return Transport(t, addr, timeout)
}

type dialResult struct {
	conn net.Conn
	err  error
}

// withContext wraps a dial function that knows nothing about contexts. When
// ctx ends first, the late connection is closed as soon as it arrives.
func withContext(dial func(network, addr string) (net.Conn, error)) DialContextFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		ch := make(chan dialResult, 1)
		go func() {
			conn, err := dial(network, addr)
			ch <- dialResult{conn: conn, err: err}
		}()
		select {
		case r := <-ch:
			return r.conn, r.err
		case <-ctx.Done():
			go func() {
				if r := <-ch; r.conn != nil {
					r.conn.Close()
				}
			}()
			return nil, ctx.Err()
		}
	}
}
