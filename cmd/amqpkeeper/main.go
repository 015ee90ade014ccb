package main

import (
	"fmt"
	"io"
	"os"

	"github.com/glimte/amqpkeeper/internal/rabbitmq"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// app carries what the commands share. dialer is nil outside tests.
type app struct {
	configPath string
	out        io.Writer
	dialer     rabbitmq.Dialer
}

func main() {
	a := &app{out: os.Stdout}
	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "amqpkeeper",
		Short: "Resilient RabbitMQ publisher and consumer service",
		Long: `amqpkeeper keeps a RabbitMQ topology alive across broker restarts.
It replays exchanges, queues and subscriptions on every reconnect, buffers
publishes while disconnected and exposes publishing over HTTP.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(a.out)

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a YAML config file")

	rootCmd.AddCommand(newServeCmd(a), newPublishCmd(a))
	return rootCmd
}
