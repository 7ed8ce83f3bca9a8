// Package api serves the local control surface: status and history
// queries, runtime config changes, manual ticks and producer ingestion.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/ambient/internal/buffer"
	"github.com/stellarlinkco/ambient/internal/config"
	"github.com/stellarlinkco/ambient/internal/logger"
	"github.com/stellarlinkco/ambient/internal/scheduler"
	"github.com/stellarlinkco/ambient/internal/window"
)

const (
	defaultHistory = 20
	maxHistory     = 500
	maxBodyBytes   = 8 << 20
	slowRequest    = 2 * time.Second
)

// Scheduler is the part of the analysis scheduler the API drives.
type Scheduler interface {
	Tick(ctx context.Context, reason string) (scheduler.Status, error)
	History(n int) []scheduler.Entry
	Latest() (scheduler.Entry, bool)
	Window() window.Window
}

type Sink interface {
	PushFeedItem(text string, priority int, source buffer.Source, channel string)
	PushSenseEvent(ev buffer.SenseEvent) bool
}

// Searcher answers full-text history queries, e.g. the journal.
type Searcher interface {
	Search(ctx context.Context, text string, limit int) ([]scheduler.Entry, error)
}

type Options struct {
	Scheduler Scheduler
	Store     *config.Store
	Sink      Sink
	// Status returns the process status document served at /v1/status.
	Status func() any
	// HUD serves the websocket feed at /v1/hud when set.
	HUD http.Handler
	// Journal enables ?q= on /v1/history when set.
	Journal Searcher
}

// Server is chi plus a stdlib http.Server.
type Server struct {
	addr string
	mux  *chi.Mux
	srv  *http.Server
	opts Options
	log  zerolog.Logger
}

func NewServer(cfg config.ControlConfig, opts Options) *Server {
	s := &Server{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		opts: opts,
		log:  logger.Component("api"),
	}
	s.mux = s.routes()
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *chi.Mux {
	m := chi.NewRouter()
	m.Use(chimw.RequestID)
	m.Use(chimw.Recoverer)
	m.Use(s.accessLog)

	m.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/digest", s.handleDigest)
		r.Get("/history", s.handleHistory)
		r.Get("/context", s.handleContext)
		r.Get("/config", s.handleGetConfig)
		r.Patch("/config", s.handlePatchConfig)
		r.Post("/tick", s.handleTick)
		r.Post("/feed", s.handleFeed)
		r.Post("/sense", s.handleSense)
		if s.opts.HUD != nil {
			r.Handle("/hud", s.opts.HUD)
		}
	})
	return m
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Addr() string { return s.addr }

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control api listen: %w", err)
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// accessLog logs one line per request. The wrapped writer keeps Hijack
// working for the websocket route.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		evt := s.log.Debug()
		if elapsed >= slowRequest && r.URL.Path != "/v1/hud" {
			evt = s.log.Warn()
		}
		evt.Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("bytes", ww.BytesWritten()).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request done")
	})
}
