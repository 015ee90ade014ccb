package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glimte/amqpkeeper"
	"github.com/glimte/amqpkeeper/config"
	"github.com/glimte/amqpkeeper/health"
	"github.com/glimte/amqpkeeper/internal/httpapi"
	"github.com/glimte/amqpkeeper/messaging"
	"github.com/glimte/amqpkeeper/metrics"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP publishing service and the configured consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			logger := cfg.Logger.NewLogger(a.out)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.serve(ctx, cfg, logger)
		},
	}
}

// serve runs until ctx is cancelled, then drains HTTP and closes the client.
func (a *app) serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.New()
	client, err := a.newClient(cfg, logger, amqpkeeper.WithMetrics(m))
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("failed to close client", "error", err)
		}
	}()

	if err := client.ApplyTopology(ctx, cfg.Topology); err != nil {
		return fmt.Errorf("failed to apply topology: %w", err)
	}

	handlers := messaging.NewHandlers(messaging.WithHandlersLogger(logger))
	for _, route := range cfg.Topology.Routes {
		if route.Handler == "" {
			continue
		}
		handler, err := handlers.Lookup(route.Handler)
		if err != nil {
			return fmt.Errorf("route %s: %w", route.Queue, err)
		}
		if err := client.Subscribe(ctx, route.Queue, handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", route.Queue, err)
		}
	}

	client.Open()
	waitCtx, cancel := context.WithTimeout(ctx, cfg.RabbitMQ.ConnectTimeout)
	if err := client.AwaitConnected(waitCtx); err != nil {
		logger.Warn("rabbitmq not reachable yet, publishes will be buffered", "error", err)
	}
	cancel()

	registry := health.NewRegistry()
	client.RegisterHealth(registry)
	registry.Register(health.NewRuntimeChecker(0, 0))
	registry.SetMetadata("version", version)

	gin.SetMode(gin.ReleaseMode)
	api := httpapi.New(client.Publisher(), client.Channel(),
		httpapi.WithLogger(logger),
		httpapi.WithHealth(registry, 5*time.Second),
		httpapi.WithMetrics(m),
		httpapi.WithCORS(cfg.Server.CORSOrigins),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	return nil
}

func (a *app) newClient(cfg *config.Config, logger *slog.Logger, options ...amqpkeeper.ClientOption) (*amqpkeeper.Client, error) {
	options = append([]amqpkeeper.ClientOption{amqpkeeper.WithLogger(logger)}, options...)
	if a.dialer != nil {
		options = append(options, amqpkeeper.WithDialer(a.dialer))
	}
	return amqpkeeper.NewClientFromConfig(cfg, options...)
}
