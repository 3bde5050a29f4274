package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/Dado-hash/fundings-screener/internal/market"
)

// SnapshotReader is the cache view the HTTP layer needs.
type SnapshotReader interface {
	Get(ctx context.Context, now time.Time) (market.Snapshot, error)
	Age(now time.Time) (time.Duration, bool)
}

// Options configure the HTTP server.
type Options struct {
	ListenAddr    string
	AllowedOrigin string
	Debug         bool

	HighSpreadThreshold float64
	DefaultMinSpread    float64
	DefaultMaxSpread    float64
	DefaultMaxResults   int
}

// Server publishes the cached snapshot over HTTP.
type Server struct {
	opts   Options
	cache  SnapshotReader
	logger zerolog.Logger
	engine *gin.Engine
	now    func() time.Time
}

// New builds the router.
func New(opts Options, cache SnapshotReader, logger zerolog.Logger) *Server {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8080"
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		opts:   opts,
		cache:  cache,
		logger: logger.With().Str("component", "api").Logger(),
		now:    time.Now,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.corsMiddleware())
	router.Use(s.requestLogger())

	group := router.Group("/api")
	group.GET("/health", s.health)
	group.GET("/funding-rates", s.fundingRates)
	group.GET("/opportunities", s.opportunities)

	s.engine = router
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", s.opts.AllowedOrigin)
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	}
}

func writeJSON(c *gin.Context, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/json; charset=utf-8", body)
}

type errorResponse struct {
	Error string `json:"error"`
}
