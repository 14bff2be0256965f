// relaytun tunnels local UDP endpoints to remote peers through a TURN relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/relaytun/internal/config"
	"github.com/tunnelmesh/relaytun/internal/daemon"
	"github.com/tunnelmesh/relaytun/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile    string
	logLevel   string
	socketPath string

	// Service mode flag (hidden, used when running as a service)
	serviceRun bool
)

func main() {
	// Check if running as a service (invoked by service manager)
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relaytun",
		Short: "relaytun - UDP tunnels through a TURN relay",
		Long: `relaytun binds a local UDP socket per remote peer and carries its traffic
through a TURN relay allocation. Datagrams from the peer are written to the
forward target; datagrams sent to the local socket go back to the peer.

QUICK START:

  # Write a config file and start the daemon
  relaytun init --server turn.example.com --username alice --password secret
  relaytun run

  # In another terminal
  relaytun relay connect
  relaytun peer connect 203.0.113.5:40000
  relaytun status

For more help on any command, use: relaytun <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ~/.relaytun/relaytun.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket path (overrides config)")

	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relaytun daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
	rootCmd.AddCommand(runCmd)

	rootCmd.AddCommand(newRelayCmd())
	rootCmd.AddCommand(newPeerCmd())
	rootCmd.AddCommand(newForwardCmd())
	rootCmd.AddCommand(newDisconnectCmd())
	rootCmd.AddCommand(newTerminateCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(newShareCmd())
	rootCmd.AddCommand(newInitCmd())

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
	rootCmd.AddCommand(versionCmd)

	// Service command - manage system service
	rootCmd.AddCommand(newServiceCmd())

	return rootCmd
}

func printVersion(w io.Writer) {
	_, _ = fmt.Fprintf(w, "relaytun %s\n", Version)
	_, _ = fmt.Fprintf(w, "  Commit:     %s\n", Commit)
	_, _ = fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	_, _ = fmt.Fprintf(w, "  Go:         %s\n", runtime.Version())
}

func runDaemon(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyConfigLogLevel(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return runWithConfig(ctx, cfg)
}

func runWithConfig(ctx context.Context, cfg *config.Config) error {
	d, err := daemon.New(cfg, daemon.Options{})
	if err != nil {
		return err
	}
	log.Info().
		Str("version", Version).
		Str("forward", cfg.Forward).
		Str("socket", cfg.Control.Socket).
		Bool("metrics", cfg.IsMetricsEnabled()).
		Msg("starting relaytun")
	return d.Run(ctx)
}

// runAsService runs the application as a system service.
// This is called when the service manager starts the application with --service-run flag.
func runAsService() {
	setupServiceLogging()

	// Parse the service-specific flags manually
	var configPath string
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	cfg := svc.DefaultServiceConfig(configPath)

	log.Info().Str("config", cfg.ConfigPath).Msg("starting as service")

	prg := &svc.Program{
		ConfigPath: cfg.ConfigPath,
		Run:        runFromService,
	}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

func runFromService(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyConfigLogLevel(cfg)
	return runWithConfig(ctx, cfg)
}

// loadConfig reads --config or the default path. A missing default file
// yields the built-in defaults; a missing explicit file is an error.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		if cfgFile == "" && errors.Is(err, os.ErrNotExist) {
			log.Debug().Str("path", path).Msg("no config file, using defaults")
			cfg = config.Default()
		} else {
			return nil, err
		}
	}
	if socketPath != "" {
		cfg.Control.Socket = socketPath
	}
	return cfg, nil
}

// applyConfigLogLevel uses the config's level unless --log-level was given.
func applyConfigLogLevel(cfg *config.Config) {
	if logLevel != "" {
		return
	}
	if config.ApplyLogLevel(cfg.LogLevel) {
		log.Debug().Str("level", cfg.LogLevel).Msg("log level configured")
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// setupServiceLogging configures logging for service mode.
// It writes to a file as well because launchd may not redirect stderr.
// Default level is Info; can be overridden by config after loading.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logFile, err := os.OpenFile("/var/log/relaytun-service.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}

	multi := io.MultiWriter(logFile, os.Stderr)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339})
}
