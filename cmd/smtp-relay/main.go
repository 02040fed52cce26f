// Package main is the entry point for the SMTP webhook relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp-webhook-relay/internal/config"
	"github.com/shineum/smtp-webhook-relay/internal/dispatch"
	"github.com/shineum/smtp-webhook-relay/internal/metrics"
	"github.com/shineum/smtp-webhook-relay/internal/smtp"
	smtptls "github.com/shineum/smtp-webhook-relay/internal/tls"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "smtp-relay",
		Short:         "Accept inbound mail over SMTP and forward it to webhooks as JSON",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file (optional)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the SMTP relay (default)",
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE:  runConfig,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "smtp-relay %s\n", cmd.Root().Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		slog.Error("smtp-relay failed", "error", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogger(cfg.Logging.Level)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Policy:          dispatch.Policy(cfg.Dispatch.Policy),
		Timeout:         cfg.Dispatch.Timeout,
		BreakerFailures: cfg.Dispatch.BreakerFailures,
		BreakerCooldown: cfg.Dispatch.BreakerCooldown,
		Observer:        m,
		Logger:          slog.Default(),
	}, providers...)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	tlsMode := "disabled"
	serverCfg := smtp.ServerConfig{
		ListenAddr:      cfg.ListenAddr(),
		Hostname:        cfg.SMTP.Hostname,
		MaxMessageBytes: cfg.SMTP.MaxMessageSize,
		MaxRecipients:   cfg.SMTP.MaxRecipients,
		ReadTimeout:     cfg.SMTP.ReadTimeout,
		WriteTimeout:    cfg.SMTP.WriteTimeout,
		Backend: smtp.NewBackend(smtp.BackendConfig{
			Domains:    cfg.Relay.Domains,
			Dispatcher: dispatcher,
			Metrics:    m,
			Logger:     slog.Default(),
		}),
		Logger: slog.Default(),
	}
	if !cfg.TLS.Disabled {
		serverCfg.TLSConfig, err = smtptls.Config(cfg.SMTP.Hostname, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to setup TLS: %w", err)
		}
		tlsMode = "self-signed"
		if cfg.TLSFromFiles() {
			tlsMode = "file"
		}
	}

	slog.Info("starting smtp-relay",
		"version", version,
		"listen", cfg.ListenAddr(),
		"domains", cfg.Relay.Domains,
		"destinations", len(providers),
		"policy", string(dispatcher.Policy()),
		"tls_mode", tlsMode,
		"metrics_listen", cfg.Metrics.Listen,
	)

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return smtp.New(serverCfg).ListenAndServe(ctx)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return metrics.ListenAndServe(ctx, cfg.Metrics.Listen, reg)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("smtp-relay stopped")
	return nil
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	out, err := yaml.Marshal(redact(cfg))
	if err != nil {
		return err
	}
	if _, err := cmd.OutOrStdout().Write(out); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
