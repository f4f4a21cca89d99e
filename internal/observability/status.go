package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/framelink/internal/protocol/ingest"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 3 * time.Second

// StatsProvider exposes engine counters. ingest.Engine satisfies it.
type StatsProvider interface {
	Stats() ingest.Stats
}

// LinkState reports whether the transport is connected. transport.Pump satisfies it.
type LinkState interface {
	Connected() bool
}

// StatusServer serves health, engine stats and prometheus metrics over HTTP.
type StatusServer struct {
	Instance string
	Addr     string

	router  *gin.Engine
	stats   StatsProvider
	link    LinkState
	log     zerolog.Logger
	started time.Time
}

func NewStatusServer(instance, addr string, stats StatsProvider, link LinkState, logger zerolog.Logger) *StatusServer {
	RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observeRequests(instance, logger))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &StatusServer{
		Instance: instance,
		Addr:     addr,
		router:   r,
		stats:    stats,
		link:     link,
		log:      logger,
		started:  time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *StatusServer) Handler() http.Handler {
	return s.router
}

func (s *StatusServer) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"instance": s.Instance,
			"uptime":   time.Since(s.started).String(),
			"link":     s.linkConnected(),
		})
	})

	s.router.GET("/stats", func(c *gin.Context) {
		if s.stats == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no engine attached"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"instance": s.Instance,
			"link":     s.linkConnected(),
			"ingest":   s.stats.Stats(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *StatusServer) linkConnected() bool {
	return s.link != nil && s.link.Connected()
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *StatusServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *StatusServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("status server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
