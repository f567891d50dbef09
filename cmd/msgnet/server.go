package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Zereker/msgnet"
	"github.com/Zereker/msgnet/internal/config"
)

func serverCmd(flags *globalFlags) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the chat server",
		Long: `Run the chat server.

Every client is accepted and greeted with ServerAccept once it passes
the handshake. Pings are bounced back; MessageAll requests are relayed
to every other client.

Examples:
  msgnet server
  msgnet server --port 7000 --bind 127.0.0.1
  msgnet server --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg.Port, bind, cfg)
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Bind to this host only (default all interfaces)")

	return cmd
}

func runServer(ctx context.Context, port int, bind string, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := cfg.NewLogger(os.Stderr)

	handler := &chatServer{logger: logger}
	opts := append(cfg.Options(),
		msgnet.LoggerOption(logger),
		msgnet.MetricsOption(newMetrics(ctx, cfg, logger)),
		msgnet.ListenHostOption(bind),
	)

	server, err := msgnet.NewServer[msgType](port, handler, opts...)
	if err != nil {
		return err
	}
	handler.server = server

	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	for {
		if _, err := server.UpdateContext(ctx, 0); err != nil {
			return nil
		}
	}
}
