package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqpkeeper/internal/codec"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultPrefetch       = 10
	DefaultPendingLimit   = 10000
	DefaultConfirmTimeout = 5 * time.Second
)

// ChannelWrapper keeps one logical channel alive across reconnects. Every
// broker operation, acks included, runs under mu, so operations from
// different goroutines never interleave on the wire.
type ChannelWrapper struct {
	session        *Session
	ledger         *Ledger
	codec          codec.Codec
	logger         *slog.Logger
	prefetch       int
	pendingLimit   int
	useConfirms    bool
	confirmTimeout time.Duration
	outcomeHook    OutcomeHook

	mu         sync.Mutex
	ch         Channel
	epoch      uint64 // bumped on every channel setup
	connEpoch  uint64 // session epoch the channel was opened on
	halted     bool
	closed     bool
	pending    []pendingPublish
	consumers  map[string]*consumer
	confirms   chan amqp.Confirmation
	publishSeq uint64

	ctx       context.Context
	cancel    context.CancelFunc
	listeners []ListenerID
	wg        sync.WaitGroup
}

// WrapperOption configures the ChannelWrapper
type WrapperOption func(*ChannelWrapper)

// WithWrapperLogger sets the logger
func WithWrapperLogger(logger *slog.Logger) WrapperOption {
	return func(w *ChannelWrapper) {
		w.logger = logger
	}
}

// WithPrefetch sets the per-consumer QoS prefetch count. Zero disables QoS.
func WithPrefetch(count int) WrapperOption {
	return func(w *ChannelWrapper) {
		w.prefetch = count
	}
}

// WithCodec sets the payload codec used for publishing and as the fallback
// for deliveries without a known content type.
func WithCodec(c codec.Codec) WrapperOption {
	return func(w *ChannelWrapper) {
		if c != nil {
			w.codec = c
		}
	}
}

// WithPendingLimit bounds the pending publish buffer. Zero means unbounded.
func WithPendingLimit(limit int) WrapperOption {
	return func(w *ChannelWrapper) {
		w.pendingLimit = limit
	}
}

// WithPublisherConfirms puts every channel in confirm mode; Publish then
// waits up to timeout for the broker's ack.
func WithPublisherConfirms(timeout time.Duration) WrapperOption {
	return func(w *ChannelWrapper) {
		w.useConfirms = true
		if timeout > 0 {
			w.confirmTimeout = timeout
		}
	}
}

// WithOutcomeHook observes every settled delivery.
func WithOutcomeHook(hook OutcomeHook) WrapperOption {
	return func(w *ChannelWrapper) {
		w.outcomeHook = hook
	}
}

// WithLedger shares a ledger, mostly for tests.
func WithLedger(ledger *Ledger) WrapperOption {
	return func(w *ChannelWrapper) {
		if ledger != nil {
			w.ledger = ledger
		}
	}
}

// NewChannelWrapper creates a wrapper bound to session. If the session is
// already connected the channel is set up immediately.
func NewChannelWrapper(session *Session, options ...WrapperOption) *ChannelWrapper {
	ctx, cancel := context.WithCancel(context.Background())
	w := &ChannelWrapper{
		session:        session,
		ledger:         NewLedger(),
		codec:          codec.JSON{},
		logger:         slog.Default(),
		prefetch:       DefaultPrefetch,
		pendingLimit:   DefaultPendingLimit,
		confirmTimeout: DefaultConfirmTimeout,
		consumers:      make(map[string]*consumer),
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, opt := range options {
		opt(w)
	}

	events := session.Events()
	w.listeners = []ListenerID{
		events.On(EventConnected, w.onConnected),
		events.On(EventDisconnected, w.onDisconnected),
	}

	if _, epoch, err := session.current(); err == nil {
		w.onConnected(Event{Kind: EventConnected, Epoch: epoch})
	}

	return w
}

// Ledger returns the topology ledger
func (w *ChannelWrapper) Ledger() *Ledger {
	return w.ledger
}

// Ready reports whether a channel is open and fully replayed.
func (w *ChannelWrapper) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch != nil
}

// Halted reports whether a replay failure is blocking setup.
func (w *ChannelWrapper) Halted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.halted
}

// DeclareExchange records an exchange and declares it when a channel is ready.
func (w *ChannelWrapper) DeclareExchange(ctx context.Context, decl ExchangeDeclaration) error {
	return w.register(ctx, ExchangeEntry(decl))
}

// DeclareRoute records a queue binding and applies it when a channel is ready.
func (w *ChannelWrapper) DeclareRoute(ctx context.Context, binding RouteBinding) error {
	return w.register(ctx, RouteEntry(binding))
}

// Subscribe records a consumer for queue. Deliveries are decoded and handed
// to handler one at a time.
func (w *ChannelWrapper) Subscribe(ctx context.Context, queue string, handler Handler) error {
	return w.register(ctx, SubscriptionEntry(Subscription{
		Queue:       queue,
		Handler:     handler,
		ConsumerTag: newConsumerTag(queue),
	}))
}

// register validates entry against the ledger, applies it on the current
// channel and records it. Transport failures leave the entry recorded for the
// next replay; a broker refusal is a *ConfigError and nothing is recorded.
func (w *ChannelWrapper) register(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}

	normalized, fresh, err := w.ledger.Check(entry)
	if err != nil || !fresh {
		w.mu.Unlock()
		return err
	}

	var started *consumer
	var events []Event
	if w.ch != nil {
		c, applyErr := w.applyLocked(w.ch, normalized, w.epoch)
		switch {
		case applyErr == nil:
			started = c
		case IsBrokerRejection(applyErr):
			// the broker closed the channel along with the refusal
			events = w.resetLocked()
			w.mu.Unlock()
			w.emit(events)
			return &ConfigError{
				Component: entry.Kind.String(),
				Name:      entry.Target(),
				Err:       fmt.Errorf("%w: %w", ErrBrokerRejected, applyErr),
			}
		default:
			w.logger.Warn("topology change deferred to next replay",
				"kind", entry.Kind.String(),
				"target", entry.Target(),
				"error", applyErr)
		}
	}

	if _, err := w.ledger.Record(normalized); err != nil {
		if started != nil {
			started.cancel()
		}
		w.mu.Unlock()
		return err
	}
	if started != nil {
		w.startConsumer(started)
	}
	w.mu.Unlock()

	w.logger.Info("topology recorded",
		"kind", entry.Kind.String(),
		"target", entry.Target(),
		"applied", w.Ready())
	return nil
}

// Replay clears a halt and rebuilds the channel from the ledger. When the
// session is not connected the rebuild happens on the next connection.
func (w *ChannelWrapper) Replay(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.halted = false

	conn, epoch, err := w.session.current()
	if err != nil {
		w.mu.Unlock()
		w.logger.Info("replay scheduled for next connection", "reason", err)
		return nil
	}

	w.teardownLocked()
	w.connEpoch = epoch
	ev, setupErr := w.setupLocked(conn)
	w.mu.Unlock()

	w.emit([]Event{ev})
	return setupErr
}

// Close stops consumers and closes the channel. Pending publishes are
// discarded. Close waits for running handlers to return.
func (w *ChannelWrapper) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.cancel()
	for _, id := range w.listeners {
		w.session.Events().Off(id)
	}
	w.teardownLocked()
	dropped := len(w.pending)
	w.pending = nil
	w.mu.Unlock()

	w.wg.Wait()

	if dropped > 0 {
		w.logger.Warn("discarded pending publishes on close", "count", dropped)
	}
	w.logger.Info("channel wrapper closed")
	return nil
}

func (w *ChannelWrapper) onConnected(ev Event) {
	w.mu.Lock()
	if w.closed || (w.ch != nil && w.connEpoch == ev.Epoch) {
		w.mu.Unlock()
		return
	}

	conn, epoch, err := w.session.current()
	if err != nil || epoch != ev.Epoch {
		w.mu.Unlock()
		return
	}
	w.connEpoch = epoch

	if w.halted {
		w.mu.Unlock()
		w.logger.Warn("topology replay halted; call Replay to resume", "epoch", epoch)
		return
	}

	out, _ := w.setupLocked(conn)
	w.mu.Unlock()
	w.emit([]Event{out})
}

func (w *ChannelWrapper) onDisconnected(Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.teardownLocked()
}

// setupLocked opens a channel on conn, replays the ledger, starts consumers
// and flushes pending publishes, in that order. Callers hold w.mu and emit
// the returned event after releasing it.
func (w *ChannelWrapper) setupLocked(conn Connection) (Event, error) {
	w.epoch++
	epoch := w.epoch

	ch, err := conn.Channel()
	if err != nil {
		return w.failLocked(epoch, fmt.Errorf("failed to open channel: %w", err), false)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	if w.prefetch > 0 {
		if err := ch.Qos(w.prefetch, 0, false); err != nil {
			_ = ch.Close()
			return w.failLocked(epoch, fmt.Errorf("failed to set QoS: %w", err), false)
		}
	}

	w.confirms = nil
	w.publishSeq = 0
	if w.useConfirms {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return w.failLocked(epoch, fmt.Errorf("failed to enable publisher confirms: %w", err), false)
		}
		w.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	var started []*consumer
	replayErr := w.ledger.Replay(func(entry Entry) error {
		c, err := w.applyLocked(ch, entry, epoch)
		if c != nil {
			started = append(started, c)
		}
		return err
	})
	if replayErr != nil {
		for _, c := range started {
			c.cancel()
		}
		w.confirms = nil
		// closing returns unacked prefetched messages to their queues
		_ = ch.Close()
		// only a broker refusal on a live connection is worth halting for;
		// anything else is replayed again on the next connection
		return w.failLocked(epoch, replayErr, isChannelException(replayErr) && !conn.IsClosed())
	}

	w.ch = ch
	for _, c := range started {
		w.startConsumer(c)
	}
	w.flushLocked()

	w.wg.Add(1)
	go w.watchChannel(ch, closed)

	w.logger.Info("topology replayed",
		"entries", w.ledger.Len(),
		"consumers", len(started),
		"pending", len(w.pending),
		"epoch", epoch)
	return Event{Kind: EventReplayed, Epoch: epoch, Timestamp: time.Now()}, nil
}

// failLocked reports a failed setup. A halting failure raises replayFailed
// and stops setup until Replay; any other failure is logged and retried on
// the next connection without an event.
func (w *ChannelWrapper) failLocked(epoch uint64, err error, halt bool) (Event, error) {
	if !halt {
		w.logger.Warn("channel setup interrupted; retrying on next connection", "error", err, "epoch", epoch)
		return Event{}, err
	}
	w.halted = true
	w.logger.Error("topology replay failed; publishing and consumption halted",
		"error", err,
		"epoch", epoch)
	return Event{Kind: EventReplayFailed, Epoch: epoch, Err: err, Timestamp: time.Now()}, err
}

// applyLocked declares entry on ch and, for subscriptions, starts the broker
// side consumer. The returned consumer is not yet running.
func (w *ChannelWrapper) applyLocked(ch Channel, entry Entry, epoch uint64) (*consumer, error) {
	if err := Declare(ch, entry); err != nil {
		return nil, err
	}
	if entry.Kind != EntrySubscriptionStart {
		return nil, nil
	}

	sub := entry.Subscription
	deliveries, err := ch.Consume(
		sub.Queue,
		sub.ConsumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", sub.Queue, err)
	}

	ctx, cancel := context.WithCancel(w.ctx)
	return &consumer{
		queue:      sub.Queue,
		tag:        sub.ConsumerTag,
		epoch:      epoch,
		deliveries: deliveries,
		handler:    sub.Handler,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// teardownLocked stops consumers and closes the current channel. In-flight
// handlers finish but their messages stay unsettled.
func (w *ChannelWrapper) teardownLocked() {
	for queue, c := range w.consumers {
		c.cancel()
		delete(w.consumers, queue)
	}
	if w.ch != nil {
		if err := w.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			w.logger.Debug("channel close failed", "error", err)
		}
		w.ch = nil
	}
	w.confirms = nil
}

// resetLocked replaces a channel the broker closed while the connection is
// still up.
func (w *ChannelWrapper) resetLocked() []Event {
	w.teardownLocked()
	if w.closed || w.halted {
		return nil
	}
	conn, epoch, err := w.session.current()
	if err != nil || conn.IsClosed() {
		return nil
	}
	w.connEpoch = epoch
	ev, _ := w.setupLocked(conn)
	return []Event{ev}
}

// watchChannel reopens the channel after a broker-initiated channel close.
func (w *ChannelWrapper) watchChannel(ch Channel, closed <-chan *amqp.Error) {
	defer w.wg.Done()

	var amqpErr *amqp.Error
	select {
	case err, ok := <-closed:
		if !ok || err == nil {
			return
		}
		amqpErr = err
	case <-w.ctx.Done():
		return
	}

	w.mu.Lock()
	if w.ch != ch {
		w.mu.Unlock()
		return
	}
	w.logger.Warn("channel closed by broker", "code", amqpErr.Code, "reason", amqpErr.Reason)
	events := w.resetLocked()
	w.mu.Unlock()

	w.emit(events)
}

func (w *ChannelWrapper) emit(events []Event) {
	for _, ev := range events {
		if ev.Kind == "" {
			continue
		}
		w.session.Events().Emit(ev)
	}
}
