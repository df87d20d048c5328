// Package api exposes the telemetry and administration HTTP surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"clickguardian/internal/config"
	"clickguardian/internal/engine"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server serves the public track/guard endpoints and the admin API.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine
	log    zerolog.Logger
}

// NewServer wires the HTTP surface over eng.
func NewServer(cfg *config.Config, eng *engine.Engine, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, engine: eng, log: log}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.recordDuration)

	r.Group(func(r chi.Router) {
		r.Use(corsMiddleware(s.cfg.TrackOrigins))
		r.Post("/track", s.handleTrack)
	})

	r.Group(func(r chi.Router) {
		r.Use(corsMiddleware([]string{"*"}))
		r.Post("/guard", s.handleGuard)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(corsMiddleware([]string{"*"}))
		r.Use(s.requireAdminToken)

		r.Get("/events", s.handleEvents)
		r.Get("/blocklist", s.handleBlocklist)

		r.Get("/blockdevices", s.handleListBlockDevices)
		r.Post("/blockdevices", s.handleBlockDevice)
		r.Delete("/blockdevices", s.handleUnblockDevice)
		r.Get("/blockips", s.handleListBlockIPs)
		r.Post("/blockips", s.handleBlockIP)
		r.Delete("/blockips", s.handleUnblockIP)

		r.Post("/whitelist/devices", s.handleWhitelistDevice)
		r.Delete("/whitelist/devices", s.handleUnwhitelistDevice)
		r.Post("/whitelist/ips", s.handleWhitelistIP)
		r.Delete("/whitelist/ips", s.handleUnwhitelistIP)

		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleUpdateSettings)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

// Run starts the API server (and the metrics server when enabled) and blocks
// until ctx is cancelled or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.serve(gctx, s.cfg.ListenAddr, s.Router(), "api")
	})

	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return s.serve(gctx, s.cfg.MetricsAddr, mux, "metrics")
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) serve(ctx context.Context, addr string, handler http.Handler, name string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", addr).Msgf("%s server started", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
