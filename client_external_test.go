package amqpkeeper_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/amqpkeeper"
	"github.com/glimte/amqpkeeper/config"
	"github.com/glimte/amqpkeeper/internal/brokertest"
	"github.com/glimte/amqpkeeper/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientFromConfig(t *testing.T) {
	t.Run("configured client applies its topology and reports metrics", func(t *testing.T) {
		broker := brokertest.New()
		cfg := config.Default()
		cfg.RabbitMQ.ReconnectInterval = 10 * time.Millisecond
		m := metrics.New()

		client, err := amqpkeeper.NewClientFromConfig(cfg,
			amqpkeeper.WithDialer(broker.Dial),
			amqpkeeper.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
			amqpkeeper.WithMetrics(m),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })

		require.NoError(t, client.ApplyTopology(context.Background(), cfg.Topology))
		client.Open()
		require.Eventually(t, client.Ready, 2*time.Second, 5*time.Millisecond)
		assert.True(t, broker.HasBinding("test-events-queue", "events", "test.event"))

		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Contains(t, rec.Body.String(), "amqpkeeper_connection_up 1")
	})
}
