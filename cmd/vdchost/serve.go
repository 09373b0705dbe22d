package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/api"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/host"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/config"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/logging"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/store"
)

// shutdownSlack is added to the configured protocol grace periods when
// bounding the whole shutdown.
const shutdownSlack = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the vDC host until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath(cmd))
		},
	}
}

// runServe is the serve command, separated from cobra for testability.
// It blocks until ctx is cancelled and returns nil on clean shutdown.
func runServe(ctx context.Context, path string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting vDC host",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", path)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	backend, err := store.Open(ctx, cfg, log.With("component", "store"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			log.Error("error closing store", "error", closeErr)
		}
	}()
	log.Info("persistence ready", "backend", backend.Name)

	h, err := host.New(host.Options{
		Config: cfg,
		Store:  backend,
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("creating host: %w", err)
	}
	if err := h.Start(ctx, cfg.Host.Address, cfg.Host.Port); err != nil {
		return fmt.Errorf("starting host: %w", err)
	}
	defer func() {
		grace := time.Duration(cfg.Protocol.ShutdownGrace+cfg.Protocol.CloseGrace) * time.Second
		stopCtx, cancel := context.WithTimeout(context.Background(), grace+shutdownSlack)
		defer cancel()
		if stopErr := h.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping host", "error", stopErr)
		}
	}()

	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log.With("component", "api"),
			Host:    h,
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if apiErr := apiServer.Start(ctx); apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	status, statusErr := h.Status()
	log.Info("vDC host ready",
		"dsuid", h.HostDsuid().String(),
		"status", status.String(),
		"error", statusErr,
	)

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}
