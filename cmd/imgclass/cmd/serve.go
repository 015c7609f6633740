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

	"github.com/MeKo-Tech/imgclass/internal/config"
	"github.com/MeKo-Tech/imgclass/internal/onnx"
	"github.com/MeKo-Tech/imgclass/internal/server"
	"github.com/spf13/cobra"
)

// rateLimitPruneInterval controls how often idle rate-limit entries are dropped.
const rateLimitPruneInterval = 10 * time.Minute

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for the classification API",
	Long: `Start an HTTP server that classifies uploaded images.

The server provides the following endpoints:
  POST /predict       - Raw model output for an uploaded image
  POST /classify      - Top-N class names and scores (?top=N)
  GET  /ws/classify   - WebSocket streaming classification
  GET  /model         - Model and preprocessing information
  GET  /health        - Health check endpoint
  GET  /metrics       - Prometheus metrics

Examples:
  imgclass serve
  imgclass serve --port 8080
  imgclass serve --model resnet50.onnx --labels imagenet.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		applyServeFlags(cmd, cfg)

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		classifier, err := buildClassifier(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize classifier: %w", err)
		}

		serverConfig := server.Config{
			Host:        cfg.Server.Host,
			Port:        cfg.Server.Port,
			CORSOrigin:  cfg.Server.CORSOrigin,
			MaxUploadMB: int64(cfg.Server.MaxUploadMB),
			TimeoutSec:  cfg.Server.TimeoutSec,
			Preprocess:  cfg.ToPreprocessOptions(),
			RateLimit: server.RateLimitConfig{
				Enabled:           cfg.Server.RateLimit.Enabled,
				RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
				RequestsPerHour:   cfg.Server.RateLimit.RequestsPerHour,
				MaxRequestsPerDay: cfg.Server.RateLimit.MaxRequestsPerDay,
				MaxDataPerDay:     int64(cfg.Server.RateLimit.MaxDataPerDayMB) * 1024 * 1024,
			},
		}

		srv, err := server.NewServer(serverConfig, classifier)
		if err != nil {
			_ = classifier.Engine().Close()
			return fmt.Errorf("failed to initialize server: %w", err)
		}

		return runServer(cmd.Context(), srv, cfg)
	},
}

// applyServeFlags overrides configuration with explicitly set flags.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = cmd.Flags().GetString("cors-origin")
	}
	if cmd.Flags().Changed("max-upload-size") {
		cfg.Server.MaxUploadMB, _ = cmd.Flags().GetInt("max-upload-size")
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Server.TimeoutSec, _ = cmd.Flags().GetInt("timeout")
	}
	if cmd.Flags().Changed("shutdown-timeout") {
		cfg.Server.ShutdownTimeout, _ = cmd.Flags().GetInt("shutdown-timeout")
	}
	if cmd.Flags().Changed("pool-size") {
		cfg.Model.PoolSize, _ = cmd.Flags().GetInt("pool-size")
	}
	if cmd.Flags().Changed("rate-limit-enabled") {
		cfg.Server.RateLimit.Enabled, _ = cmd.Flags().GetBool("rate-limit-enabled")
	}
	if cmd.Flags().Changed("requests-per-minute") {
		cfg.Server.RateLimit.RequestsPerMinute, _ = cmd.Flags().GetInt("requests-per-minute")
	}
	if cmd.Flags().Changed("requests-per-hour") {
		cfg.Server.RateLimit.RequestsPerHour, _ = cmd.Flags().GetInt("requests-per-hour")
	}
}

// runServer serves until SIGINT/SIGTERM, then drains HTTP before releasing
// model sessions.
func runServer(parent context.Context, srv *server.Server, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	timeout := time.Duration(cfg.Server.TimeoutSec) * time.Second
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout + 5*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting classification server", "host", cfg.Server.Host, "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	if cfg.Server.RateLimit.Enabled {
		go func() {
			ticker := time.NewTicker(rateLimitPruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := srv.PruneRateLimits(24 * time.Hour); n > 0 {
						slog.Debug("Pruned idle rate-limit clients", "count", n)
					}
				}
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("Context cancelled, initiating shutdown")
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	slog.Info("Starting graceful shutdown", "timeout", shutdownTimeout.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server shutdown completed")
	}

	if err := srv.Close(); err != nil {
		slog.Error("Server cleanup error", "error", err)
	}
	if err := onnx.ShutdownRuntime(); err != nil {
		slog.Warn("ONNX Runtime shutdown error", "error", err)
	}
	slog.Info("Graceful shutdown completed")

	select {
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	default:
		return nil
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "0.0.0.0", "server host")
	serveCmd.Flags().IntP("port", "p", 3000, "server port")
	serveCmd.Flags().String("cors-origin", "http://localhost:8080", "CORS allowed origin")
	serveCmd.Flags().Int("max-upload-size", 5, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", 30, "request timeout in seconds")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().Int("pool-size", 1, "number of concurrent model sessions")
	// Rate limiting flags
	serveCmd.Flags().Bool("rate-limit-enabled", false, "enable rate limiting")
	serveCmd.Flags().Int("requests-per-minute", 60, "maximum requests per minute per client")
	serveCmd.Flags().Int("requests-per-hour", 1000, "maximum requests per hour per client")
}
