// Command esbflow runs an integration deployment described by a YAML or JSON
// file: connectors over the registered transports and the services that
// route messages between them.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drblury/esbflow/internal/runtime/app"
	configpkg "github.com/drblury/esbflow/internal/runtime/config"
	loggingpkg "github.com/drblury/esbflow/internal/runtime/logging"
	"github.com/drblury/esbflow/transport"

	// Register every bundled transport.
	_ "github.com/drblury/esbflow/transport/transports"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "esbflow",
		Short: "esbflow - connector and flow runtime",
		Long: `esbflow runs connectors over pluggable transports (channel, Kafka,
RabbitMQ, NATS, HTTP, AWS SNS/SQS) and the services that move messages
between their endpoints.`,
		SilenceUsage: true,
	}

	root.AddCommand(newVersionCmd(), newTransportsCmd(), newValidateCmd(), newRunCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "esbflow v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newTransportsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transports",
		Short: "List registered transports and their capabilities",
		Run: func(cmd *cobra.Command, args []string) {
			printTransports(cmd.OutOrStdout(), transport.DefaultRegistry)
		},
	}
}

func printTransports(out io.Writer, registry *transport.Registry) {
	fmt.Fprintln(out, "Available transports:")
	for _, name := range registry.Names() {
		features := registry.GetCapabilities(name).Features()
		if len(features) == 0 {
			fmt.Fprintf(out, "  - %s\n", name)
			continue
		}
		fmt.Fprintf(out, "  - %s (%s)\n", name, strings.Join(features, ", "))
	}
}

func newValidateCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a deployment file without starting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			for _, conn := range cfg.Connectors {
				if !transport.DefaultRegistry.Has(conn.Transport) {
					return fmt.Errorf("connector %s: %w %q (registered: %v)",
						conn.Name, transport.ErrUnknownTransport, conn.Transport, transport.DefaultRegistry.Names())
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d connector(s), %d service(s)\n",
				configFile, len(cfg.Connectors), len(cfg.Services))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to the deployment file (required)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newRunCmd() *cobra.Command {
	var configFile, logLevel string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a deployment until interrupted",
		Long: `Run starts every configured connector and service and blocks until
SIGINT or SIGTERM, then stops services and disposes connectors.

Example:
  esbflow run --config esbflow.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}

			zl, err := newZapLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = zl.Sync() }()
			logger := loggingpkg.NewZapServiceLogger(zl)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			deployment, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return deployment.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to the deployment file (required)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func loadConfig(path string) (*configpkg.Config, error) {
	cfg, err := configpkg.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func newZapLogger(level, format string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if strings.EqualFold(format, "console") {
		zc = zap.NewDevelopmentConfig()
	}
	if level == "" {
		level = configpkg.DefaultLogLevel
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(parsed)
	return zc.Build()
}
