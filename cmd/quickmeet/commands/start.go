package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/app"
	"github.com/Tajbir23/quick-meet-sub002/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server",
	Long: `Start the API server, the websocket gateway and the metrics exporter.

Examples:
  # Start with defaults and QUICKMEET_* environment
  quickmeet start

  # Start with a config file, refusing to run without a master secret
  quickmeet start --config config.yaml --hardened

  # Start with performance profiling
  quickmeet start --profile --profile-port 6060`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("env-file", ".env", "dotenv file loaded before the configuration when present")
	startCmd.Flags().String("listen", "", "API listen address (overrides server.listen_addr)")
	startCmd.Flags().String("metrics-addr", "", "metrics listen address (overrides metrics.listen_addr)")
	startCmd.Flags().Bool("no-metrics", false, "disable the metrics listener")
	startCmd.Flags().String("log-level", "", "log level (overrides logging.level)")
	startCmd.Flags().Bool("hardened", false, "require a master secret and signed critical events")
	startCmd.Flags().Bool("profile", false, "enable performance profiling")
	startCmd.Flags().Int("profile-port", 6060, "performance profiling port")
	startCmd.Flags().String("pid-file", "", "PID file path")
}

func runStart(cmd *cobra.Command, args []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	enableProfile, _ := cmd.Flags().GetBool("profile")
	profilePort, _ := cmd.Flags().GetInt("profile-port")
	pidFile, _ := cmd.Flags().GetString("pid-file")

	var overrides app.Overrides
	overrides.ListenAddr, _ = cmd.Flags().GetString("listen")
	overrides.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	overrides.DisableMetrics, _ = cmd.Flags().GetBool("no-metrics")
	overrides.LogLevel, _ = cmd.Flags().GetString("log-level")
	overrides.Hardened, _ = cmd.Flags().GetBool("hardened")
	if verbose && overrides.LogLevel == "" {
		overrides.LogLevel = "debug"
	}

	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	cfg, err := app.LoadConfig(cfgFile, overrides)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logs, err := logging.NewFactory(app.LoggingConfig(cfg.Logging, Version))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logs.Close()
	logger := logs.Logger()

	if pidFile != "" {
		if err := writePIDFile(pidFile); err != nil {
			logger.Warn("Failed to write PID file", zap.Error(err))
		}
		defer os.Remove(pidFile)
	}

	if enableProfile {
		go startProfiling(profilePort, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting quickmeet",
		zap.String("version", Version),
		zap.String("config", cfgFile),
		zap.Bool("hardened", cfg.Security.RequireMasterSecret),
	)

	opts := []app.Option{app.WithVersion(Version), app.WithLogFactory(logs)}
	if cfgFile != "" {
		opts = append(opts, app.WithConfigPath(cfgFile))
	}
	application, err := app.New(ctx, logger, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown gracefully", zap.Error(err))
		return err
	}

	logger.Info("quickmeet stopped")
	return nil
}

// loadEnvFile loads path into the environment unless it does not exist.
// Variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func startProfiling(port int, logger *zap.Logger) {
	logger.Info("Starting performance profiling server", zap.Int("port", port))

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// profiling stays on loopback
	server := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Profiling server error", zap.Error(err))
	}
}
