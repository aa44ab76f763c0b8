package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/fleetgate/internal/config"
	"github.com/nextlevelbuilder/fleetgate/internal/gateway"
	"github.com/nextlevelbuilder/fleetgate/internal/httpapi"
	"github.com/nextlevelbuilder/fleetgate/internal/store"
	"github.com/nextlevelbuilder/fleetgate/internal/store/pg"
	"github.com/nextlevelbuilder/fleetgate/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the device gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		slog.Info("no config file given, using defaults")
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing setup failed, continuing without export", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	var devices store.DeviceRepository
	var data store.DeviceDataRepository
	if cfg.Database.DSN != "" {
		db, err := pg.OpenDB(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := pg.Migrate(db); err != nil {
			return err
		}
		st := pg.New(db)
		devices, data = st, st
	} else {
		slog.Warn("no database configured, using in-memory store")
		mem := store.NewMemoryStore()
		devices, data = mem, mem
	}

	gw := gateway.New(cfg, devices, data)
	api := httpapi.New(gw, cfg.Gateway.Token, gateway.NewAPILimiter(cfg.HTTP.RateLimitRPM, cfg.HTTP.RateLimitBurst))

	mux := http.NewServeMux()
	api.Routes(mux)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Hot-reload covers the default stream quality and command timeout;
	// listener and database changes need a restart.
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		} else {
			watcher.OnChange(gw.ApplyConfig)
			if err := watcher.Start(); err != nil {
				slog.Warn("config watcher failed to start", "error", err)
			}
			defer watcher.Stop()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("gateway listening", "addr", cfg.Server.Listen,
			"device_ws", "/ws/device", "observer_ws", "/ws/observer")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownTracing(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
