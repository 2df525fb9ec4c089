// Package server exposes the relay over HTTP.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/chaaya/internal/assistant"
	"github.com/stupiduntilnot/chaaya/internal/config"
	"github.com/stupiduntilnot/chaaya/internal/metrics"
)

// Conversation answers one turn of a session-scoped chat.
type Conversation interface {
	Send(ctx context.Context, sessionID, text string, endSession bool) (string, error)
}

// Assistant answers one message through a hosted assistant run.
type Assistant interface {
	Reply(ctx context.Context, text string) (assistant.Result, error)
}

type Options struct {
	Mode config.Mode
	Addr string
	// Exactly one of Conversation or Assistant is used, selected by Mode.
	Conversation    Conversation
	Assistant       Assistant
	Metrics         *metrics.Metrics
	Logger          zerolog.Logger
	ShutdownTimeout time.Duration
}

type Server struct {
	opts    Options
	handler http.Handler
}

func New(opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
	}))
	e.Use(requestLogger(opts.Logger, opts.Metrics))

	h := &handlers{conversation: opts.Conversation, assistant: opts.Assistant}
	switch opts.Mode {
	case config.ModeAssistant:
		e.POST("/chat", h.assistantChat)
	default:
		e.POST("/chat", h.completionChat)
	}
	mode := string(opts.Mode)
	e.GET("/healthz", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "mode": mode})
	})

	mux := http.NewServeMux()
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics.Handler())
	}
	mux.Handle("/", e)

	return &Server{opts: opts, handler: mux}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve accepts connections on l until ctx is cancelled, then drains
// in-flight requests for at most ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()
	s.opts.Logger.Info().Str("addr", l.Addr().String()).Str("mode", string(s.opts.Mode)).Msg("relay listening")

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serve http")
	case <-ctx.Done():
	}

	s.opts.Logger.Info().Dur("timeout", s.opts.ShutdownTimeout).Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve http")
	}
	return nil
}

// ListenAndServe listens on Options.Addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.opts.Addr)
	}
	return s.Serve(ctx, l)
}
