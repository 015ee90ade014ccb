package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock channel for testing
type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return amqp.Queue{Name: name}, mockArgs.Error(0)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.Called(prefetchCount, prefetchSize, global).Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	mockArgs := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if mockArgs.Get(0) == nil {
		return nil, mockArgs.Error(1)
	}
	return mockArgs.Get(0).(<-chan amqp.Delivery), mockArgs.Error(1)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(exchange, key, mandatory, immediate, msg).Error(0)
}

func (m *mockChannel) Confirm(noWait bool) error {
	return m.Called(noWait).Error(0)
}

func (m *mockChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	return confirm
}

func (m *mockChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return c
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}

func noopHandler(context.Context, Message) error { return nil }

func TestLedgerRecord(t *testing.T) {
	t.Run("entries keep registration order", func(t *testing.T) {
		ledger := NewLedger()

		_, err := ledger.Record(ExchangeEntry(ExchangeDeclaration{Name: "events", Kind: ExchangeTopic, Durable: true}))
		require.NoError(t, err)
		_, err = ledger.Record(RouteEntry(RouteBinding{Queue: "orders", Exchange: "events", RoutingKey: "order.*"}))
		require.NoError(t, err)
		_, err = ledger.Record(SubscriptionEntry(Subscription{Queue: "orders", Handler: noopHandler}))
		require.NoError(t, err)

		entries := ledger.Entries()
		require.Len(t, entries, 3)
		assert.Equal(t, EntryExchangeDeclare, entries[0].Kind)
		assert.Equal(t, EntryRouteBind, entries[1].Kind)
		assert.Equal(t, EntrySubscriptionStart, entries[2].Kind)
	})

	t.Run("identical duplicates are accepted once", func(t *testing.T) {
		ledger := NewLedger()
		decl := ExchangeDeclaration{Name: "events", Kind: ExchangeTopic, Durable: true}
		route := RouteBinding{Queue: "orders", Exchange: "events", RoutingKey: "order.*"}

		fresh, err := ledger.Record(ExchangeEntry(decl))
		require.NoError(t, err)
		assert.True(t, fresh)

		fresh, err = ledger.Record(ExchangeEntry(decl))
		require.NoError(t, err)
		assert.False(t, fresh)

		_, err = ledger.Record(RouteEntry(route))
		require.NoError(t, err)
		fresh, err = ledger.Record(RouteEntry(route))
		require.NoError(t, err)
		assert.False(t, fresh)

		assert.Equal(t, 2, ledger.Len())
	})

	t.Run("exchange with a different kind conflicts", func(t *testing.T) {
		ledger := NewLedger()
		_, err := ledger.Record(ExchangeEntry(ExchangeDeclaration{Name: "events", Kind: ExchangeTopic, Durable: true}))
		require.NoError(t, err)

		_, err = ledger.Record(ExchangeEntry(ExchangeDeclaration{Name: "events", Kind: ExchangeDirect, Durable: true}))
		require.Error(t, err)

		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "exchange", cfgErr.Component)
		assert.Equal(t, "events", cfgErr.Name)
		assert.ErrorIs(t, err, ErrConflictingDeclaration)
		assert.Equal(t, 1, ledger.Len())
	})

	t.Run("exchange with different durability conflicts", func(t *testing.T) {
		ledger := NewLedger()
		_, err := ledger.Record(ExchangeEntry(ExchangeDeclaration{Name: "events", Kind: ExchangeTopic, Durable: true}))
		require.NoError(t, err)

		_, err = ledger.Record(ExchangeEntry(ExchangeDeclaration{Name: "events", Kind: ExchangeTopic}))
		assert.True(t, IsConfigError(err))
	})

	t.Run("queue bound with a different dead-letter exchange conflicts", func(t *testing.T) {
		ledger := NewLedger()
		_, err := ledger.Record(RouteEntry(RouteBinding{Queue: "orders", Exchange: "events", RoutingKey: "order.*"}))
		require.NoError(t, err)

		_, err = ledger.Record(RouteEntry(RouteBinding{
			Queue:              "orders",
			Exchange:           "events",
			RoutingKey:         "order.created",
			DeadLetterExchange: "dead-letter",
		}))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConflictingDeclaration)
		assert.Equal(t, 1, ledger.Len())
	})

	t.Run("same queue may be bound with several keys", func(t *testing.T) {
		ledger := NewLedger()
		for _, key := range []string{"order.created", "order.cancelled"} {
			fresh, err := ledger.Record(RouteEntry(RouteBinding{Queue: "orders", Exchange: "events", RoutingKey: key}))
			require.NoError(t, err)
			assert.True(t, fresh)
		}
		assert.Equal(t, 2, ledger.Len())
	})

	t.Run("route queues are durable unless marked transient", func(t *testing.T) {
		ledger := NewLedger()
		_, err := ledger.Record(RouteEntry(RouteBinding{Queue: "orders", Exchange: "events", RoutingKey: "order.*"}))
		require.NoError(t, err)
		_, err = ledger.Record(RouteEntry(RouteBinding{Queue: "scratch", Exchange: "events", RoutingKey: "#", Transient: true}))
		require.NoError(t, err)

		shape, ok := ledger.QueueShape("orders")
		require.True(t, ok)
		assert.True(t, shape.Durable)
		shape, ok = ledger.QueueShape("scratch")
		require.True(t, ok)
		assert.False(t, shape.Durable)

		_, err = ledger.Record(RouteEntry(RouteBinding{Queue: "orders", Exchange: "events", RoutingKey: "order.*", Transient: true}))
		assert.ErrorIs(t, err, ErrConflictingDeclaration)
	})

	t.Run("dead-letter exchange becomes a queue argument", func(t *testing.T) {
		ledger := NewLedger()
		_, err := ledger.Record(RouteEntry(RouteBinding{
			Queue:              "orders",
			Exchange:           "events",
			RoutingKey:         "order.*",
			DeadLetterExchange: "dead-letter",
		}))
		require.NoError(t, err)

		shape, ok := ledger.QueueShape("orders")
		require.True(t, ok)
		assert.True(t, shape.Durable)
		assert.Equal(t, "dead-letter", shape.Arguments["x-dead-letter-exchange"])
	})

	t.Run("subscription reuses the recorded queue shape", func(t *testing.T) {
		ledger := NewLedger()
		_, err := ledger.Record(RouteEntry(RouteBinding{Queue: "orders", Exchange: "events", RoutingKey: "#", DeadLetterExchange: "dlx"}))
		require.NoError(t, err)
		_, err = ledger.Record(SubscriptionEntry(Subscription{Queue: "orders", Handler: noopHandler}))
		require.NoError(t, err)

		entries := ledger.Entries()
		assert.Equal(t, "dlx", entries[1].Queue.Arguments["x-dead-letter-exchange"])
	})

	t.Run("subscription to an unknown queue assumes a durable queue", func(t *testing.T) {
		ledger := NewLedger()
		_, err := ledger.Record(SubscriptionEntry(Subscription{Queue: "audit", Handler: noopHandler}))
		require.NoError(t, err)

		shape, ok := ledger.QueueShape("audit")
		require.True(t, ok)
		assert.True(t, shape.Durable)
		assert.Nil(t, shape.Arguments)
	})

	t.Run("second subscription on a queue is rejected", func(t *testing.T) {
		ledger := NewLedger()
		_, err := ledger.Record(SubscriptionEntry(Subscription{Queue: "orders", Handler: noopHandler}))
		require.NoError(t, err)

		_, err = ledger.Record(SubscriptionEntry(Subscription{Queue: "orders", Handler: noopHandler}))
		assert.ErrorIs(t, err, ErrDuplicateSubscription)
		assert.True(t, IsConfigError(err))
	})

	t.Run("invalid entries are rejected", func(t *testing.T) {
		ledger := NewLedger()

		_, err := ledger.Record(ExchangeEntry(ExchangeDeclaration{Name: "", Kind: ExchangeTopic}))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)

		_, err = ledger.Record(ExchangeEntry(ExchangeDeclaration{Name: "events", Kind: "x-delayed"}))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)

		_, err = ledger.Record(RouteEntry(RouteBinding{Queue: "orders"}))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)

		_, err = ledger.Record(SubscriptionEntry(Subscription{Queue: "orders"}))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)

		assert.Equal(t, 0, ledger.Len())
	})

	t.Run("Check does not record", func(t *testing.T) {
		ledger := NewLedger()
		_, fresh, err := ledger.Check(ExchangeEntry(ExchangeDeclaration{Name: "events", Kind: ExchangeTopic}))
		require.NoError(t, err)
		assert.True(t, fresh)
		assert.Equal(t, 0, ledger.Len())
	})
}

func TestLedgerReplay(t *testing.T) {
	newLedger := func(t *testing.T) *Ledger {
		ledger := NewLedger()
		_, err := ledger.Record(ExchangeEntry(ExchangeDeclaration{Name: "events", Kind: ExchangeTopic, Durable: true}))
		require.NoError(t, err)
		_, err = ledger.Record(RouteEntry(RouteBinding{Queue: "orders", Exchange: "events", RoutingKey: "order.*"}))
		require.NoError(t, err)
		_, err = ledger.Record(SubscriptionEntry(Subscription{Queue: "orders", Handler: noopHandler}))
		require.NoError(t, err)
		return ledger
	}

	t.Run("applies every entry in order", func(t *testing.T) {
		ledger := newLedger(t)
		var targets []string
		err := ledger.Replay(func(e Entry) error {
			targets = append(targets, e.Kind.String()+" "+e.Target())
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{
			"exchange-declare events",
			"route-bind events->orders[order.*]",
			"subscription-start orders",
		}, targets)
	})

	t.Run("stops at the first failure", func(t *testing.T) {
		ledger := newLedger(t)
		boom := errors.New("boom")
		applied := 0
		err := ledger.Replay(func(e Entry) error {
			if e.Kind == EntryRouteBind {
				return boom
			}
			applied++
			return nil
		})

		var replayErr *ReplayError
		require.ErrorAs(t, err, &replayErr)
		assert.Equal(t, 1, replayErr.Index)
		assert.Equal(t, EntryRouteBind, replayErr.Entry.Kind)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, applied)
		assert.Contains(t, err.Error(), "route-bind")
	})
}

func TestDeclare(t *testing.T) {
	t.Run("exchange entry declares the exchange", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("ExchangeDeclare", "events", "topic", true, false, false, false, amqp.Table(nil)).Return(nil)

		err := Declare(ch, ExchangeEntry(ExchangeDeclaration{Name: "events", Kind: ExchangeTopic, Durable: true}))
		require.NoError(t, err)
		ch.AssertExpectations(t)
	})

	t.Run("route entry declares the queue before binding", func(t *testing.T) {
		ledger := NewLedger()
		entry, _, err := ledger.Check(RouteEntry(RouteBinding{
			Queue:              "orders",
			Exchange:           "events",
			RoutingKey:         "order.*",
			DeadLetterExchange: "dead-letter",
		}))
		require.NoError(t, err)

		ch := &mockChannel{}
		declare := ch.On("QueueDeclare", "orders", true, false, false, false, amqp.Table{"x-dead-letter-exchange": "dead-letter"}).Return(nil)
		ch.On("QueueBind", "orders", "order.*", "events", false, amqp.Table(nil)).Return(nil).NotBefore(declare)

		require.NoError(t, Declare(ch, entry))
		ch.AssertExpectations(t)
	})

	t.Run("broker refusal is wrapped", func(t *testing.T) {
		refusal := &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED"}
		ch := &mockChannel{}
		ch.On("ExchangeDeclare", "events", "direct", true, false, false, false, amqp.Table(nil)).Return(refusal)

		err := Declare(ch, ExchangeEntry(ExchangeDeclaration{Name: "events", Kind: ExchangeDirect, Durable: true}))
		require.Error(t, err)
		assert.True(t, IsBrokerRejection(err))
		assert.Contains(t, err.Error(), "failed to declare exchange events")
	})

	t.Run("subscription entry only declares the queue", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("QueueDeclare", "audit", true, false, false, false, amqp.Table(nil)).Return(nil)

		entry := SubscriptionEntry(Subscription{Queue: "audit", Handler: noopHandler})
		entry.Queue = QueueDeclaration{Name: "audit", Durable: true}
		require.NoError(t, Declare(ch, entry))
		ch.AssertExpectations(t)
		ch.AssertNotCalled(t, "QueueBind", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
