// Command manlab-hub runs the ManLab hub: the WebSocket endpoints that
// agents and dashboards connect to, the REST API, and the monitor
// scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manlab/manlab/internal/bus"
	"github.com/manlab/manlab/internal/hub"
	"github.com/manlab/manlab/internal/monitor"
	"github.com/manlab/manlab/internal/store"
)

// Version is overridden via ldflags during release builds.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "manlab-hub",
	Short:   "ManLab hub - fleet coordinator and dashboard backend",
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub server",
	Long: `Run the hub server.

The hub accepts agent and dashboard WebSocket connections, serves the
REST API, and drives the monitor scheduler. All configuration comes from
MANLAB_* environment variables; see the deployment docs for the list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hub version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("manlab-hub %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func serve() error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()
	applyLogLevel(os.Getenv("MANLAB_LOG_LEVEL"))

	cfg, err := hub.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.New(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	broker := bus.NewBroker()

	server, err := hub.New(cfg, db, log, broker)
	if err != nil {
		return err
	}

	engine := monitor.New(log, monitorConfig(), db, server.Hub(), broker)
	server.AttachMonitors(engine, engine.OnAgentResult)

	log.Info().
		Str("version", Version).
		Str("addr", cfg.ListenAddr).
		Msg("ManLab hub starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("hub stopped")
	return nil
}

// monitorConfig reads the monitor engine knobs from the environment.
// Zero values fall back to the engine defaults.
func monitorConfig() monitor.Config {
	return monitor.Config{
		ServiceRefreshEvery:  envDuration("MANLAB_SERVICE_REFRESH_INTERVAL"),
		ServicePendingWindow: envDuration("MANLAB_SERVICE_PENDING_WINDOW"),
		ServiceSnapshotAge:   envDuration("MANLAB_SERVICE_SNAPSHOT_AGE"),
		NetToolTimeout:       envDuration("MANLAB_NETTOOL_TIMEOUT"),
		CheckRetention:       envDuration("MANLAB_CHECK_RETENTION"),
	}
}

func envDuration(key string) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 0
}

func applyLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
