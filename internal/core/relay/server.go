package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/rs/zerolog"

	"proxy_machine/internal/shared/logger"
	"proxy_machine/proxypool/model"
)

// goproxyLogger routes goproxy's Printf logging into zerolog at debug level.
type goproxyLogger struct {
	l zerolog.Logger
}

func (g goproxyLogger) Printf(format string, v ...any) {
	g.l.Debug().Msgf(format, v...)
}

// Server 是中继的 HTTP 前端。支持正向代理形式 (GET http://host/...)
// 和路径形式 (GET /http://host/...)，CONNECT 一律拒绝。
type Server struct {
	relay *Relay
	proxy *goproxy.ProxyHttpServer
}

func NewServer(r *Relay) *Server {
	s := &Server{relay: r}
	p := goproxy.NewProxyHttpServer()
	p.Logger = goproxyLogger{l: logger.WithComponent("Relay")}
	p.OnRequest().HandleConnect(goproxy.AlwaysReject)
	p.OnRequest().DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		return nil, s.respond(req)
	})
	p.NonproxyHandler = http.HandlerFunc(s.handlePathForm)
	s.proxy = p
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.proxy.ServeHTTP(w, r)
}

// respond turns one relayed request into the response sent to the client.
func (s *Server) respond(req *http.Request) *http.Response {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusMethodNotAllowed, "Only GET and HEAD are relayed")
	}

	resp, err := s.relay.Forward(req.Context(), req)
	switch {
	case errors.Is(err, model.ErrPoolEmpty):
		return goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusServiceUnavailable, "No active proxies")
	case err != nil:
		l := logger.WithComponent("Relay")
		l.Warn().Err(err).Str("url", req.URL.String()).Msg("Relay failed.")
		return goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusBadGateway, err.Error())
	}

	out := goproxy.NewResponse(req, resp.Header.Get("Content-Type"), resp.StatusCode, string(resp.Body))
	for k, vv := range resp.Header {
		out.Header[k] = vv
	}
	out.Header.Set("X-Relay-Proxy", resp.Proxy)
	return out
}

// handlePathForm 处理 GET /http://example.com/path 这种直接访问形式。
func (s *Server) handlePathForm(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimPrefix(r.URL.Path, "/")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		http.Error(w, "Usage: GET /http://example.com/ or use this address as an HTTP proxy", http.StatusBadRequest)
		return
	}

	req := r.Clone(r.Context())
	req.URL = u
	req.Host = u.Host
	req.RequestURI = ""

	resp := s.respond(req)
	defer resp.Body.Close()
	for k, vv := range resp.Header {
		w.Header()[k] = vv
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		io.Copy(w, resp.Body)
	}
}

// Start 在 listen 上启动中继，ctx 结束时关闭。进行中的请求不做排空。
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup, listen string) error {
	l := logger.WithComponent("Relay")
	if listen == "" {
		l.Info().Msg("Relay is disabled (listen is empty).")
		return nil
	}
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	l.Info().Msgf("SUCCESS: Relay is listening on %s", listener.Addr())

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Relay server error")
		}
		l.Info().Msg("Relay stopped.")
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		srv.Close()
	}()
	return nil
}
