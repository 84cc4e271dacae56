package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/emprops/relay/config"
	"github.com/emprops/relay/errors"
	"github.com/emprops/relay/logger"
	"github.com/emprops/relay/server"
	"github.com/emprops/relay/store"
)

// ServeCmd starts the relay server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the relay server",
	Long: `Start the relay server: HTTP and WebSocket APIs for job submission,
progress streaming, monitor dashboards, and fleet cleanup, backed by Redis.`,
	RunE: runServe,
}

var (
	servePort     int
	serveRedisURL string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	ServeCmd.Flags().StringVar(&serveRedisURL, "redis-url", "", "Redis connection URL (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Default to Info for the server so startup is visible without -v
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
	}
	logger.SetVerbosity(verbosity)

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveRedisURL != "" {
		cfg.Redis.URL = serveRedisURL
	}

	st, err := store.New(cfg.Redis.URL)
	if err != nil {
		return errors.Wrap(err, "failed to connect to redis")
	}

	srv := server.New(cfg, st, logger.Logger.Named("server"))

	printStartupBanner(cfg, verbosity)

	// Hot reload: verbosity and CORS allow-list apply without a restart
	watcher := startConfigWatcher(srv)
	if watcher != nil {
		defer watcher.Stop()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(context.Background())
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server failed")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}

// startConfigWatcher wires config hot reload when a project config file exists.
// Returns nil when there is nothing to watch.
func startConfigWatcher(srv *server.Server) *config.Watcher {
	configPath := config.ProjectConfigPath()
	if configPath == "" {
		return nil
	}

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		logger.Warnw("Config hot reload disabled",
			"path", configPath,
			"error", err)
		return nil
	}

	watcher.OnReload(func(cfg *config.Config) error {
		logger.SetVerbosity(cfg.Log.Verbosity)
		srv.SetAllowedOrigins(cfg.GetAllowedOrigins())
		return nil
	})
	watcher.Start()

	logger.Infow("Config hot reload enabled",
		"path", configPath)
	return watcher
}
