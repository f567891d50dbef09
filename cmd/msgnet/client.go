package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/msgnet"
	"github.com/Zereker/msgnet/internal/config"
)

func clientCmd(flags *globalFlags) *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to a chat server",
		Long: `Connect to a chat server and read commands from stdin.

Commands:
  ping   measure the round trip to the server
  all    ask the server to greet every other client
  quit   disconnect and exit

Examples:
  msgnet client
  msgnet client --host 10.0.0.5 --port 7000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			return runClient(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Server host")

	return cmd
}

func runClient(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := cfg.NewLogger(os.Stderr)
	opts := append(cfg.Options(),
		msgnet.LoggerOption(logger),
		msgnet.MetricsOption(newMetrics(ctx, cfg, logger)),
	)

	client, err := msgnet.NewClient[msgType](opts...)
	if err != nil {
		return err
	}
	if err := client.ConnectContext(ctx, cfg.Host, cfg.Port); err != nil {
		return err
	}
	defer client.Disconnect()

	commands := make(chan string)
	go func() {
		defer close(commands)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case commands <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return printIncoming(gctx, client.Incoming(), out)
	})

	group.Go(func() error {
		defer stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-client.Conn().Done():
				fmt.Fprintln(out, "Server Down")
				return nil
			case line, ok := <-commands:
				if !ok || line == "quit" {
					return nil
				}
				if err := runCommand(client, line, out); err != nil {
					return err
				}
			}
		}
	})

	return group.Wait()
}

func runCommand(client *msgnet.Client[msgType], line string, out io.Writer) error {
	switch line {
	case "ping":
		msg := msgnet.NewMessage(serverPing)
		if err := msg.Push(time.Now().UnixNano()); err != nil {
			return err
		}
		return client.Send(msg)

	case "all":
		return client.Send(msgnet.NewMessage(messageAll))

	case "":
		return nil

	default:
		fmt.Fprintf(out, "unknown command %q (ping, all, quit)\n", line)
		return nil
	}
}

// printIncoming reports every message the server sends until ctx ends.
func printIncoming(ctx context.Context, incoming *msgnet.Queue[msgnet.OwnedMessage[msgType]], out io.Writer) error {
	for {
		if err := incoming.WaitContext(ctx); err != nil {
			return nil
		}

		for {
			owned, err := incoming.PopFront()
			if err != nil {
				break
			}
			describe(owned.Msg, out)
		}
	}
}

func describe(msg msgnet.Message[msgType], out io.Writer) {
	switch msg.Header.ID {
	case serverAccept:
		fmt.Fprintln(out, "Server Accepted Connection")

	case serverPing:
		var then int64
		if err := msg.Pop(&then); err != nil {
			fmt.Fprintf(out, "malformed ping: %v\n", err)
			return
		}
		fmt.Fprintf(out, "Ping: %.6fs\n", time.Since(time.Unix(0, then)).Seconds())

	case serverMessage:
		var clientID uint32
		if err := msg.Pop(&clientID); err != nil {
			fmt.Fprintf(out, "malformed message: %v\n", err)
			return
		}
		fmt.Fprintf(out, "Hello from [%d]\n", clientID)

	default:
		fmt.Fprintf(out, "unhandled %s (%s)\n", msg.Header.ID, msg)
	}
}
