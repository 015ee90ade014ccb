package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/amqpkeeper/internal/rabbitmq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservePublish(t *testing.T) {
	m := New()

	m.ObservePublish("events", rabbitmq.PublishReceipt{}, nil)
	m.ObservePublish("events", rabbitmq.PublishReceipt{Queued: true}, nil)
	m.ObservePublish("events", rabbitmq.PublishReceipt{Confirmed: true}, nil)
	m.ObservePublish("events", rabbitmq.PublishReceipt{}, rabbitmq.ErrPublishNacked)
	m.ObservePublish("events", rabbitmq.PublishReceipt{}, rabbitmq.ErrPublishNacked)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("events", ResultSent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("events", ResultQueued)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("events", ResultConfirmed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.published.WithLabelValues("events", ResultFailed)))
}

func TestOutcomeHook(t *testing.T) {
	m := New()
	hook := m.OutcomeHook()

	hook("orders", rabbitmq.OutcomeAcknowledged, nil)
	hook("orders", rabbitmq.OutcomeRejected, errors.New("bad order"))
	hook("orders", rabbitmq.OutcomeRejected, errors.New("bad order"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.consumed.WithLabelValues("orders", "acknowledged")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.consumed.WithLabelValues("orders", "rejected")))
}

func TestObserveEvents(t *testing.T) {
	m := New()
	bus := rabbitmq.NewEventBus(nil)
	ids := m.ObserveEvents(bus)
	require.Len(t, ids, 4)

	bus.Emit(rabbitmq.Event{Kind: rabbitmq.EventConnected, Epoch: 1})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected))

	bus.Emit(rabbitmq.Event{Kind: rabbitmq.EventDisconnected, Epoch: 1})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("disconnected")))

	for _, id := range ids {
		bus.Off(id)
	}
	bus.Emit(rabbitmq.Event{Kind: rabbitmq.EventConnected, Epoch: 2})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("connected")))
}

func TestHandler(t *testing.T) {
	m := New()
	pending := 3
	m.TrackPending(func() int { return pending })
	m.RecordHTTPRequest(http.MethodPost, "/events", http.StatusOK, 15*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "amqpkeeper_publish_pending 3")
	assert.Contains(t, string(body), `amqpkeeper_http_requests_total{method="POST",path="/events",status="200"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
