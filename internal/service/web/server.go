package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"proxy_machine/internal/shared/logger"
	"proxy_machine/internal/shared/types"
)

// loggingListener logs every accepted connection at debug level.
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf("[WebServer] Connection accepted from: %s", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewMux registers every read API route. The proxy listing stays public; the
// top and status views are behind basic auth when credentials are set.
func NewMux(cfg types.APIConf, h *Handler, hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	auth := func(f http.HandlerFunc) http.Handler {
		return basicAuthMiddleware(f, cfg.WebUser, cfg.WebPassword)
	}

	mux.HandleFunc("GET /proxy/{type}", h.HandleProxies)
	mux.Handle("GET /api/top/{type}", auth(h.HandleTop))
	mux.Handle("GET /api/status", auth(h.HandleStatus))
	mux.HandleFunc("GET /{$}", h.HandleDocs)

	if hub != nil {
		// --- WebSocket Endpoint (公开，无需认证) ---
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			ServeWs(hub, w, r)
		})
	}
	return mux
}

// StartServer 在 cfg.Listen 上启动 API 服务，ctx 结束时优雅关闭。
// 监听失败会立即返回错误。
func StartServer(ctx context.Context, wg *sync.WaitGroup, cfg types.APIConf, h *Handler, hub *Hub) error {
	l := logger.WithComponent("WebServer")
	if cfg.Listen == "" {
		l.Info().Msg("API server is disabled (listen is empty).")
		return nil
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           NewMux(cfg, h, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	l.Info().Msgf("SUCCESS: API is listening on http://%s", listener.Addr())

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := srv.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("API server error")
		}
		l.Info().Msg("API server stopped.")
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	return nil
}
