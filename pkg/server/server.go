// Package server assembles the fabric gateway: config, registry, adapter
// pool, health monitor, tool host, message bus, pipeline, and HTTP router.
//
// It lives in pkg/ so alternate entry points (the local JSON front, test
// harnesses) can compose the same wiring.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aetherpro/fabric/internal/adapter"
	"github.com/aetherpro/fabric/internal/api"
	"github.com/aetherpro/fabric/internal/auth"
	"github.com/aetherpro/fabric/internal/bus"
	"github.com/aetherpro/fabric/internal/config"
	"github.com/aetherpro/fabric/internal/fabric"
	"github.com/aetherpro/fabric/internal/pipeline"
	"github.com/aetherpro/fabric/internal/registry"
	"github.com/aetherpro/fabric/internal/telemetry"
	"github.com/aetherpro/fabric/internal/tools"
	"github.com/aetherpro/fabric/internal/tools/builtin"
)

// Server holds the initialized gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Pipeline processes calls; the local JSON front drives it directly.
	Pipeline *pipeline.Pipeline

	// Registry is exposed for health checks and tests.
	Registry registry.Registry

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc stops background work and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes the gateway from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, err
	}

	// Registry: durable when a database is configured, in-memory otherwise.
	var reg registry.Registry
	if cfg.Registry.DatabaseURL != "" {
		pg, err := registry.NewPostgres(ctx, cfg.Registry.DatabaseURL)
		if err != nil {
			return nil, err
		}
		reg = pg
		log.Info().Msg("postgres registry initialized")
	} else {
		reg = registry.NewMemory()
		log.Info().Msg("in-memory registry initialized")
	}

	if cfg.Registry.ManifestPath != "" {
		if err := registry.Seed(ctx, reg, cfg.Registry.ManifestPath); err != nil {
			log.Warn().Err(err).Str("path", cfg.Registry.ManifestPath).Msg("manifest seed failed")
		}
	}

	pool := adapter.NewPool(&http.Client{Timeout: 120 * time.Second})

	monitor := registry.NewMonitor(reg, proberSource(reg, pool),
		cfg.Registry.HealthInterval, cfg.Registry.StalenessWindow)
	monitor.Start(ctx)

	// Tool host with the builtin plugin set.
	tier := fabric.TrustTier(cfg.Tools.TrustTier)
	host := tools.NewHost(tier)
	for _, t := range builtin.All(builtin.Config{AllowedPaths: cfg.Tools.AllowedPaths}) {
		if err := host.Register(t); err != nil {
			return nil, err
		}
	}
	log.Info().Int("tools", host.Count()).Msg("tool host initialized")

	// Message bus is optional: an empty REDIS_URL runs the gateway without
	// messaging, and message calls answer BUS_UNAVAILABLE.
	var mb pipeline.MessageBus
	var closeBus func() error
	if cfg.Bus.RedisURL != "" {
		b, err := bus.New(cfg.Bus.RedisURL, cfg.Bus.VisibilityHorizon, cfg.Bus.MaxInboxLen)
		if err != nil {
			return nil, err
		}
		mb = b
		closeBus = b.Close
		log.Info().Msg("message bus initialized")
	} else {
		log.Warn().Msg("no REDIS_URL; message bus disabled")
	}

	pipe := pipeline.New(pipeline.Options{
		Registry: reg,
		Adapters: pool,
		Tools:    host,
		Bus:      mb,
		Tier:     tier,
		Version:  cfg.Version,
	})

	verifier := auth.NewVerifier(cfg.Auth.PSK)
	if !verifier.Required() {
		log.Warn().Msg("FABRIC_PSK unset; HTTP auth disabled")
	}

	handlers := api.NewHandlers(pipe, reg, cfg.Version)
	router := api.NewRouter(handlers, verifier)

	shutdown := func(ctx context.Context) error {
		monitor.Stop()
		if closeBus != nil {
			closeBus()
		}
		reg.Close()
		return shutdownTelemetry(ctx)
	}

	return &Server{
		Handler:      router,
		Pipeline:     pipe,
		Registry:     reg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// proberSource resolves health probers through the adapter pool at probe
// time so manifest changes are picked up between cycles.
func proberSource(reg registry.Registry, pool *adapter.Pool) registry.ProberSource {
	return func(agentID string) (registry.Prober, bool) {
		m, err := reg.Get(context.Background(), agentID)
		if err != nil {
			return nil, false
		}
		a, err := pool.For(m)
		if err != nil {
			return nil, false
		}
		return a, true
	}
}
