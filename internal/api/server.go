package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"OpenLaunch/internal/launcher"
	"OpenLaunch/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部前端驱动启动器。
type Server struct {
	addr     string
	token    string
	launcher *launcher.Launcher
	log      *slog.Logger
	limiter  *rate.Limiter

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan error
}

// Option 定制 Server。
type Option func(*Server)

// WithToken 要求所有 /api 请求携带 "Authorization: Bearer <token>"。
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

// WithRateLimit 限制 /api 的请求速率，perSecond 为 0 时不限流。
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, l *launcher.Launcher, opts ...Option) *Server {
	s := &Server{addr: addr, launcher: l, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由树，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.launcher.Metrics().Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.throttle)

		r.Post("/query", s.handleQuery)
		r.Post("/sessions", s.handleCreateSession)
		r.Delete("/sessions/{id}", s.handleCloseSession)
		r.Post("/sessions/{id}/query", s.handleQuery)

		r.Post("/activations", s.handleActivate)
		r.Get("/stats", s.handleStats)

		r.Get("/plugins", s.handleListPlugins)
		r.Get("/plugins/{id}", s.handleGetPlugin)
		r.Post("/plugins/{id}/load", s.handleLoadPlugin)
		r.Post("/plugins/{id}/unload", s.handleUnloadPlugin)
		r.Put("/plugins/{id}/enabled", s.handleSetPluginEnabled)

		r.Get("/handlers", s.handleListHandlers)
		r.Put("/handlers/{id}", s.handleUpdateHandler)

		r.Get("/preferences", s.handleGetPreferences)
		r.Put("/preferences", s.handleSetPreferences)

		r.Get("/events", s.handleEvents)
	})
	return r
}

// Addr 返回实际监听地址，未启动时返回配置的地址。
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start 监听端口并在后台提供服务。监听失败时直接返回错误。
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("api server already started")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.done = make(chan error, 1)
	go func(srv *http.Server, done chan<- error) {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
		close(done)
	}(s.server, s.done)
	s.log.Info("API 服务已启动", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop 优雅关闭服务，等待进行中的请求完成或 ctx 到期。
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server, s.listener, s.done = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return err
	}
	err := <-done
	s.log.Info("API 服务已停止")
	return err
}
