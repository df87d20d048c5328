package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"clickguardian/internal/api"
	"clickguardian/internal/config"
	"clickguardian/internal/engine"
	"clickguardian/internal/geo"
	"clickguardian/internal/logger"
	"clickguardian/internal/notify"
	"clickguardian/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "clickguardian",
		Short: "Click-fraud decisioning for ad landing pages",
	}

	root.AddCommand(
		runCmd(),
		healthcheckCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the decision daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Msg("clickguardian starting")

	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	geoClient, err := geo.NewClient(geo.ClientConfig{
		Timeout:   cfg.GeoTimeout,
		CacheSize: cfg.GeoCacheSize,
	}, log)
	if err != nil {
		return fmt.Errorf("init geo client: %w", err)
	}

	dispatcher, err := notify.NewDispatcher(notify.Config{
		Workers:    cfg.NotifyWorkers,
		QueueDepth: cfg.NotifyQueueDepth,
		MaxRetries: cfg.NotifyMaxRetries,
		RetryBase:  cfg.NotifyRetryBase,
	}, notify.NewLogSink(log), log)
	if err != nil {
		return fmt.Errorf("create notify pool: %w", err)
	}

	eng, err := engine.New(engine.Config{
		HomeCountries:    cfg.HomeCountries,
		HighRiskKeywords: cfg.HighRiskKeywords,
		EventLogCapacity: cfg.EventLogCapacity,
		IdentityCapacity: cfg.IdentityCapacity,
	}, geoClient, store, dispatcher, log)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	// Restore persisted block sets and settings. A load failure starts empty
	// rather than refusing to serve.
	if snap, found, err := store.Load(); err != nil {
		log.Error().Err(err).Msg("state load failed, starting empty")
	} else if found {
		eng.Restore(snap)
		log.Info().
			Int("block_devices", len(snap.BlockDevices)).
			Int("block_ips", len(snap.BlockIPs)).
			Int("blocked_networks", len(snap.BlockedNetworks)).
			Time("saved_at", snap.SavedAt).
			Msg("state restored")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	janitor := engine.NewJanitor(eng, cfg.JanitorInterval)
	go func() {
		if err := janitor.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("janitor exited")
		}
	}()

	srv := api.NewServer(cfg, eng, log)
	return srv.Run(ctx)
}

// healthcheckCmd exits 0 if the API server is reachable.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.ListenAddr + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clickguardian %s\n", Version)
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		redactWriter := logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base
}
