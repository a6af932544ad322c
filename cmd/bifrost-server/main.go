// Package main provides the bifrost registry server entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/bifrost-registry/bifrost/pkg/config"
)

var (
	configFile string
	envFiles   []string
)

var rootCmd = &cobra.Command{
	Use:   "bifrost-server",
	Short: "Package registry server",
	Long: `bifrost-server hosts and serves package archives.

Settings come from flags, BIFROST_* environment variables (.env files
included) and an optional YAML config file, in that order of precedence.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "YAML config file")
	rootCmd.Flags().StringSliceVar(&envFiles, "env-file", []string{".env"}, ".env files to load")
	config.RegisterFlags(rootCmd.Flags())
	rootCmd.Flags().AddGoFlagSet(flag.CommandLine)
}

func main() {
	// Initialize glog for fatal startup errors
	_ = flag.Set("logtostderr", "true")

	if err := rootCmd.Execute(); err != nil {
		glog.Fatalf("bifrost-server: %v", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		glog.Fatalf("Failed to load env files: %v", err)
	}
	cfg, err := config.Load(cmd.Flags(), configFile)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}

	logger := cfg.Log.NewLogger(os.Stdout)
	logger.Info("starting bifrost server",
		"listen", cfg.Listen,
		"blobStore", cfg.Storage.Blob,
		"documentStore", cfg.Storage.Documents,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		glog.Fatalf("Failed to initialize server: %v", err)
	}
	defer app.Close()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           app.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()
	logger.Info("bifrost server ready", "listen", cfg.Listen)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("bifrost server stopped")
	return nil
}
