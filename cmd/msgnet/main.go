package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Zereker/msgnet"
	"github.com/Zereker/msgnet/internal/config"
)

// globalFlags override values loaded from the environment.
type globalFlags struct {
	envFile     string
	port        int
	logLevel    string
	logFormat   string
	metricsAddr string
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "msgnet",
		Short: "Demo chat server and client for the msgnet framework",
		Long: `msgnet runs a small chat protocol over validated TCP connections.

Start a server, then connect any number of clients. Clients read
commands from stdin:

  ping   measure the round trip to the server
  all    ask the server to greet every other client
  quit   disconnect and exit

Settings come from MSGNET_* environment variables (optionally in a
.env file); flags take precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.envFile, "env-file", ".env", "Load environment variables from this file if it exists")
	pf.IntVarP(&flags.port, "port", "p", config.DefaultPort, "TCP port")
	pf.StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "text", "Log format (text, json)")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(
		serverCmd(flags),
		clientCmd(flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// load reads the environment and applies the flags the user set explicitly.
func (f *globalFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(f.envFile)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.Port = f.port
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newMetrics returns nil when no metrics address is configured. Otherwise it
// registers the collectors and serves them until ctx ends.
func newMetrics(ctx context.Context, cfg *config.Config, logger msgnet.Logger) *msgnet.Metrics {
	if cfg.MetricsAddr == "" {
		return nil
	}

	reg := prometheus.NewRegistry()
	metrics := msgnet.NewMetrics("msgnet", reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", "error", err)
		}
	}()

	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	return metrics
}
