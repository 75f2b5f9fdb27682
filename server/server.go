// Package server exposes style transfer over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/openfluke/loomstyle/config"
	"github.com/openfluke/loomstyle/gpu"
	"github.com/openfluke/loomstyle/nn"
	"github.com/openfluke/loomstyle/style"
)

// Server owns the shared backbone and the admission limits
type Server struct {
	cfg       config.ServerConfig
	defaults  style.Config
	modelID   string
	blueprint nn.ModelTelemetry
	gpuInfo   *gpu.AdapterInfo // set when the default device is the GPU

	transferer *style.Transferer
	logger     *slog.Logger

	sem      *semaphore.Weighted
	limiter  *rate.Limiter // nil when rate limiting is off
	inFlight atomic.Int64

	router chi.Router
}

// New builds a server around a loaded backbone. The backbone is shared
// read-only by every request.
func New(cfg *config.Config, backbone *nn.Network, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg.Server,
		defaults:   cfg.Transfer,
		modelID:    cfg.Model.ID,
		blueprint:  nn.ExtractNetworkBlueprint(backbone, cfg.Model.ID),
		transferer: style.New(backbone, logger),
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(max(1, cfg.Server.MaxConcurrent))),
	}
	if cfg.Transfer.Device == nn.DeviceGPU {
		info, err := gpu.Probe()
		if err != nil {
			logger.Warn("gpu unavailable, gpu transfers will fail", "error", err)
		} else {
			s.gpuInfo = info
			logger.Info("gpu ready", "adapter", info.Name, "backend", info.Backend)
		}
	}
	if cfg.Server.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Job-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/backbone", s.handleBackbone)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/style-transfer", s.handleTransfer)
		r.Post("/style-transfer/", s.handleTransfer)
		r.Get("/style-transfer/ws", s.handleTransferWS)
	})
	return r
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on the configured address until ctx is done
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully within the configured timeout
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server", "timeout", s.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// acquire waits up to QueueTimeout for an optimization slot
func (s *Server) acquire(ctx context.Context) (func(), error) {
	if s.cfg.QueueTimeout <= 0 {
		if !s.sem.TryAcquire(1) {
			return nil, style.E(style.KindResource, "acquire", errors.New("all optimization slots are busy"))
		}
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.QueueTimeout)
		defer cancel()
		if err := s.sem.Acquire(waitCtx, 1); err != nil {
			if ctx.Err() != nil {
				return nil, style.E(style.KindCanceled, "acquire", ctx.Err())
			}
			return nil, style.E(style.KindResource, "acquire",
				fmt.Errorf("no optimization slot free after %s", s.cfg.QueueTimeout))
		}
	}

	s.inFlight.Add(1)
	return func() {
		s.inFlight.Add(-1)
		s.sem.Release(1)
	}, nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Error: "rate limit exceeded",
				Kind:  style.KindResource.String(),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
