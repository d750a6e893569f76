// Command farmccd is the farmcc compile-cluster coordinator daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/farmcc/farmcc/internal/config"
	"github.com/farmcc/farmcc/internal/daemon"
	"github.com/farmcc/farmcc/pkg/errors"
)

// Exit codes, sysexits-flavored.
const (
	exitOK          = 0
	exitConfig      = 64 // malformed or missing configuration
	exitUnavailable = 69 // store lock held by another process
	exitIO          = 74 // I/O error during startup scan
	exitInternal    = 1
)

var (
	flagConfig     string
	flagCacheRoot  string
	flagCacheBytes uint64
	flagWorkers    int
	flagRemote     string
	flagListen     string
	flagLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "farmccd",
	Short: "Distributed compile cache and build coordinator",
	Long: `farmccd fronts a C/C++ compiler: it serves previously seen translation
units from a content-addressed artifact cache, collapses duplicate
concurrent compilations, and forwards cold builds to a local worker pool
or a remote builder.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to YAML configuration")
	rootCmd.Flags().StringVar(&flagCacheRoot, "cache-root", "", "artifact store directory")
	rootCmd.Flags().Uint64Var(&flagCacheBytes, "cache-bytes", 0, "store budget in bytes (0 keeps the configured value)")
	rootCmd.Flags().IntVar(&flagWorkers, "workers", 0, "build worker pool size (0 keeps the configured value)")
	rootCmd.Flags().StringVar(&flagRemote, "remote-endpoint", "", "remote builder address")
	rootCmd.Flags().StringVar(&flagListen, "listen", "", "client-facing listen address")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR")
}

func loadConfig() (*config.Config, error) {
	cfg := config.NewDefault()
	if flagConfig != "" {
		if err := cfg.LoadFromFile(flagConfig); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if flagCacheRoot != "" {
		cfg.CacheRoot = flagCacheRoot
	}
	if flagCacheBytes > 0 {
		cfg.CacheBytes = flagCacheBytes
	}
	if flagWorkers > 0 {
		cfg.Workers = flagWorkers
	}
	if flagRemote != "" {
		cfg.RemoteEndpoint = flagRemote
	}
	if flagListen != "" {
		cfg.ListenAddr = flagListen
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	logger.Info("starting farmccd", "config", cfg.String())

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

// exitCodeFor maps structured error codes onto process exit codes.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	switch errors.CodeOf(err) {
	case errors.CodeInvalidConfig, errors.CodeMissingConfig:
		return exitConfig
	case errors.CodeStoreUnavailable:
		return exitUnavailable
	case errors.CodeStoreIO:
		return exitIO
	default:
		return exitInternal
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "farmccd:", err)
		os.Exit(exitCodeFor(err))
	}
}
