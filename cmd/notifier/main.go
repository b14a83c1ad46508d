package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	notifier "github.com/glimte/notifier-go"
	"github.com/glimte/notifier-go/config"
	"github.com/glimte/notifier-go/notification"
	rabbitmqTransport "github.com/glimte/notifier-go/transports/rabbitmq"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "notifier",
		Short:         "Payment notification consumer with retry and dead-lettering",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional env file loaded before the environment")

	load := func() (*config.Config, *slog.Logger, error) {
		cfg, err := config.Load(envFile)
		if err != nil {
			return nil, nil, err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return nil, nil, err
		}
		slog.SetDefault(logger)
		return cfg, logger, nil
	}

	rootCmd.AddCommand(newServeCmd(load), newPublishCmd(load), newQueuesCmd(load))
	return rootCmd
}

type loadFunc func() (*config.Config, *slog.Logger, error)

func newServeCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume the notification queues until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := notifier.New(ctx, cfg, notifier.WithLogger(logger))
			if err != nil {
				logger.Error("failed to start notification service", "error", err)
				return err
			}
			defer svc.Close()

			logger.Info("service up, press Ctrl+C to stop")
			if err := svc.Run(ctx); err != nil {
				logger.Error("notification service stopped with error", "error", err)
				return err
			}
			return nil
		},
	}
}

func newPublishCmd(load loadFunc) *cobra.Command {
	var fail bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:       "publish [requested|confirmed]",
		Short:     "Publish a sample payment event and wait for the broker confirm",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(notification.KindRequested), string(notification.KindConfirmed)},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			kind := notification.KindRequested
			if len(args) == 1 {
				if kind, err = notification.ParseKind(args[0]); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			event, err := notifier.PublishPaymentEvent(ctx, cfg, kind, fail, logger)
			if err != nil {
				return fmt.Errorf("publish failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s payment=%s trace=%s\n", event.EventType, event.PaymentID, event.TraceID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&fail, "fail", false, "Mark the event so the handler fails and the retry path runs")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout including connect and confirm")
	return cmd
}

func newQueuesCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show message and consumer counts of the consumed queues and the dead-letter queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			transport, err := rabbitmqTransport.NewTransport(ctx, cfg.AMQPURL, rabbitmqTransport.WithTransportLogger(logger))
			if err != nil {
				return err
			}
			defer transport.Close()

			topology := cfg.Topology()
			queues := append(topology.QueueNames(), topology.DeadLetterQueue)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tMESSAGES\tCONSUMERS")
			for _, queue := range queues {
				messages, consumers, err := transport.QueueDepth(ctx, queue)
				if err != nil {
					fmt.Fprintf(w, "%s\t-\t-\t(%v)\n", queue, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%d\t%d\n", queue, messages, consumers)
			}
			return w.Flush()
		},
	}
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}
