package main

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/amqpkeeper"
	"github.com/glimte/amqpkeeper/config"
	"github.com/glimte/amqpkeeper/internal/codec"
	"github.com/spf13/cobra"
)

func newPublishCmd(a *app) *cobra.Command {
	var (
		exchange   string
		routingKey string
		messageID  string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish <json-payload>",
		Short: "Publish one message and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := codec.JSON{}.Decode([]byte(args[0]))
			if err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}

			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			logger := cfg.Logger.NewLogger(cmd.ErrOrStderr())

			client, err := a.newClient(cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client.Open()
			if err := awaitReady(ctx, client); err != nil {
				return fmt.Errorf("broker not ready: %w", err)
			}

			var opts []amqpkeeper.PublishOption
			if messageID != "" {
				opts = append(opts, amqpkeeper.WithMessageID(messageID))
			}
			receipt, err := client.Publish(ctx, exchange, routingKey, payload, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s/%s\n", receipt.ID, exchange, routingKey)
			return nil
		},
	}

	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Target exchange (empty for the default exchange)")
	cmd.Flags().StringVarP(&routingKey, "routing-key", "k", "", "Routing key")
	cmd.Flags().StringVar(&messageID, "message-id", "", "Message id (generated when empty)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "How long to wait for the broker")
	_ = cmd.MarkFlagRequired("routing-key")
	return cmd
}

// awaitReady waits until the client's topology has been applied, so the
// publish goes straight to the broker instead of the pending buffer.
func awaitReady(ctx context.Context, client *amqpkeeper.Client) error {
	replayed := make(chan struct{}, 1)
	id := client.On(amqpkeeper.EventReplayed, func(amqpkeeper.Event) {
		select {
		case replayed <- struct{}{}:
		default:
		}
	})
	defer client.Off(id)

	if client.Ready() {
		return nil
	}
	select {
	case <-replayed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
