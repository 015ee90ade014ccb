// Package brokertest provides an in-memory AMQP 0-9-1 broker that satisfies
// the rabbitmq.Dialer, rabbitmq.Connection and rabbitmq.Channel seams. It
// models the broker behaviors the channel wrapper depends on: declaration
// conflicts close the channel, unacked deliveries are requeued when their
// channel goes away, and rejected messages are dead-lettered.
package brokertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/glimte/amqpkeeper/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

const deliveryBuffer = 256

type exchange struct {
	kind       string
	durable    bool
	autoDelete bool
	args       amqp.Table
	bindings   []binding
}

type binding struct {
	queue string
	key   string
}

type message struct {
	exchange    string
	routingKey  string
	publishing  amqp.Publishing
	redelivered bool
}

type queue struct {
	name      string
	durable   bool
	args      amqp.Table
	ready     []message
	consumers []*consumerState
	acked     []message
	rejected  []message
}

type consumerState struct {
	tag        string
	queue      string
	channel    *Channel
	deliveries chan amqp.Delivery
	unacked    int
}

type inflight struct {
	queue    string
	msg      message
	consumer *consumerState
}

// Broker is a single in-memory vhost.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     []*Conn
	dialErr   error
	dials     int
	failNext  map[string]error
	nackNext  int
	ops       []string
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		failNext:  make(map[string]error),
	}
}

// Dial satisfies rabbitmq.Dialer.
func (b *Broker) Dial(url string, config amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	conn := &Conn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// SetDialError makes every following dial fail with err until cleared with nil.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Dials returns the number of dial attempts.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// FailNext makes the next call of op fail with err. Ops are Channel, Qos,
// Confirm, ExchangeDeclare, QueueDeclare, QueueBind, Consume and Publish. An
// *amqp.Error also closes the channel, as a real broker would.
func (b *Broker) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[op] = err
}

// NackNext makes the next n confirmed publishes be nacked.
func (b *Broker) NackNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackNext = n
}

// Drop force-closes every open connection, as a broker restart or network
// partition would.
func (b *Broker) Drop() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
}

// Reset forgets all exchanges, queues and messages, as a broker that lost its
// state would.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges = make(map[string]*exchange)
	b.queues = make(map[string]*queue)
}

// AddExchange declares an exchange out of band.
func (b *Broker) AddExchange(name, kind string, durable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = &exchange{kind: kind, durable: durable}
}

// AddQueue declares a queue out of band.
func (b *Broker) AddQueue(name string, durable bool, args amqp.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[name] = &queue{name: name, durable: durable, args: args}
}

// Inject routes a message through exchange as if a foreign client published it.
func (b *Broker) Inject(exchangeName, routingKey string, pub amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if exchangeName != "" {
		if _, ok := b.exchanges[exchangeName]; !ok {
			return fmt.Errorf("no exchange '%s'", exchangeName)
		}
	}
	b.routeLocked(message{exchange: exchangeName, routingKey: routingKey, publishing: pub})
	return nil
}

// HasExchange reports whether name exists and returns its kind.
func (b *Broker) HasExchange(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// HasQueue reports whether name exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueArgs returns the arguments a queue was declared with.
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// HasBinding reports whether queue is bound to exchange with key.
func (b *Broker) HasBinding(queueName, exchangeName, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return false
	}
	for _, bd := range ex.bindings {
		if bd.queue == queueName && bd.key == key {
			return true
		}
	}
	return false
}

// Ready returns the bodies of messages waiting in queue.
func (b *Broker) Ready(queueName string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.publishing.Body)
	}
	return out
}

// Acked returns the number of messages acknowledged from queue.
func (b *Broker) Acked(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.acked)
	}
	return 0
}

// Rejected returns the number of messages rejected or nacked from queue.
func (b *Broker) Rejected(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.rejected)
	}
	return 0
}

// Consumers returns the number of active consumers on queue.
func (b *Broker) Consumers(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.consumers)
	}
	return 0
}

// Ops returns the log of protocol operations in the order they were applied,
// e.g. "exchange.declare events" or "basic.publish events order.created".
func (b *Broker) Ops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.ops))
	copy(out, b.ops)
	return out
}

// ClearOps empties the operation log.
func (b *Broker) ClearOps() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = nil
}

func (b *Broker) logLocked(format string, args ...any) {
	b.ops = append(b.ops, fmt.Sprintf(format, args...))
}

func (b *Broker) takeFailureLocked(op string) error {
	err, ok := b.failNext[op]
	if !ok {
		return nil
	}
	delete(b.failNext, op)
	return err
}

func (b *Broker) routeLocked(msg message) {
	if msg.exchange == "" {
		if q, ok := b.queues[msg.routingKey]; ok {
			b.enqueueLocked(q, msg)
		}
		return
	}

	ex, ok := b.exchanges[msg.exchange]
	if !ok {
		return
	}
	seen := make(map[string]bool)
	for _, bd := range ex.bindings {
		if seen[bd.queue] || !matches(ex.kind, bd.key, msg.routingKey) {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			seen[bd.queue] = true
			b.enqueueLocked(q, msg)
		}
	}
}

func (b *Broker) enqueueLocked(q *queue, msg message) {
	q.ready = append(q.ready, msg)
	b.dispatchLocked(q)
}

func (b *Broker) requeueLocked(q *queue, msg message) {
	msg.redelivered = true
	q.ready = append([]message{msg}, q.ready...)
}

// dispatchLocked hands ready messages to consumers with spare prefetch.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		c := b.pickConsumerLocked(q)
		if c == nil {
			return
		}
		msg := q.ready[0]
		ch := c.channel
		ch.deliveryTag++
		d := amqp.Delivery{
			Acknowledger: ch,
			Headers:      msg.publishing.Headers,
			ContentType:  msg.publishing.ContentType,
			DeliveryMode: msg.publishing.DeliveryMode,
			MessageId:    msg.publishing.MessageId,
			Timestamp:    msg.publishing.Timestamp,
			ConsumerTag:  c.tag,
			DeliveryTag:  ch.deliveryTag,
			Redelivered:  msg.redelivered,
			Exchange:     msg.exchange,
			RoutingKey:   msg.routingKey,
			Body:         msg.publishing.Body,
		}
		select {
		case c.deliveries <- d:
		default:
			return
		}
		q.ready = q.ready[1:]
		c.unacked++
		ch.unacked[d.DeliveryTag] = &inflight{queue: q.name, msg: msg, consumer: c}
	}
}

func (b *Broker) pickConsumerLocked(q *queue) *consumerState {
	for _, c := range q.consumers {
		if c.channel.prefetch == 0 || c.unacked < c.channel.prefetch {
			return c
		}
	}
	return nil
}

func (b *Broker) deadLetterLocked(q *queue, msg message) {
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok || dlx == "" {
		return
	}
	key := msg.routingKey
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok && k != "" {
		key = k
	}
	msg.exchange = dlx
	msg.routingKey = key
	msg.redelivered = false
	b.routeLocked(msg)
}

func (b *Broker) removeConnLocked(c *Conn) {
	for i, conn := range b.conns {
		if conn == c {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			return
		}
	}
}

func matches(kind, pattern, key string) bool {
	switch kind {
	case "fanout", "headers":
		return true
	case "topic":
		return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

// Conn is a fake connection.
type Conn struct {
	broker   *Broker
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error
}

var _ rabbitmq.Connection = (*Conn)(nil)

// Channel opens a channel.
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if err := b.takeFailureLocked("Channel"); err != nil {
		return nil, err
	}
	ch := &Channel{
		broker:    b,
		conn:      c,
		unacked:   make(map[uint64]*inflight),
		consumers: make(map[string]*consumerState),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose registers a listener for connection closure.
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed.
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection gracefully.
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	removed := !c.closed
	if removed {
		c.broker.removeConnLocked(c)
	}
	c.broker.mu.Unlock()
	if !removed {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(cause *amqp.Error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed && cause == nil {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.shutdownLocked(cause)
	}
	c.channels = nil
	for _, n := range c.notify {
		if cause != nil {
			select {
			case n <- cause:
			default:
			}
		}
		close(n)
	}
	c.notify = nil
}

// Channel is a fake channel. It is also the Acknowledger of its deliveries.
type Channel struct {
	broker        *Broker
	conn          *Conn
	closed        bool
	prefetch      int
	confirm       bool
	publishSeq    uint64
	deliveryTag   uint64
	unacked       map[uint64]*inflight
	consumers     map[string]*consumerState
	closeNotify   []chan *amqp.Error
	publishNotify []chan amqp.Confirmation
}

var (
	_ rabbitmq.Channel  = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

// fail applies an injected failure. Callers hold the broker lock.
func (ch *Channel) failLocked(op string) error {
	err := ch.broker.takeFailureLocked(op)
	if err == nil {
		return nil
	}
	if amqpErr, ok := err.(*amqp.Error); ok {
		ch.shutdownLocked(amqpErr)
	}
	return err
}

func (ch *Channel) refuseLocked(code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	ch.shutdownLocked(err)
	return err
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if err := ch.failLocked("ExchangeDeclare"); err != nil {
		return err
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable || ex.autoDelete != autoDelete {
			return ch.refuseLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name))
		}
	} else {
		b.exchanges[name] = &exchange{kind: kind, durable: durable, autoDelete: autoDelete, args: args}
	}
	b.logLocked("exchange.declare %s", name)
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if err := ch.failLocked("QueueDeclare"); err != nil {
		return amqp.Queue{}, err
	}
	q, ok := b.queues[name]
	if ok {
		if q.durable != durable || !sameArgs(q.args, args) {
			return amqp.Queue{}, ch.refuseLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name))
		}
	} else {
		q = &queue{name: name, durable: durable, args: args}
		b.queues[name] = q
	}
	b.logLocked("queue.declare %s", name)
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if err := ch.failLocked("QueueBind"); err != nil {
		return err
	}
	if _, ok := b.queues[name]; !ok {
		return ch.refuseLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.refuseLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
	}
	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			b.logLocked("queue.bind %s %s %s", name, exchangeName, key)
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	b.logLocked("queue.bind %s %s %s", name, exchangeName, key)
	return nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if err := ch.failLocked("Qos"); err != nil {
		return err
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if err := ch.failLocked("Consume"); err != nil {
		return nil, err
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.refuseLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}
	if _, dup := ch.consumers[consumerTag]; dup {
		return nil, ch.refuseLocked(amqp.NotAllowed, fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", consumerTag))
	}

	c := &consumerState{
		tag:        consumerTag,
		queue:      queueName,
		channel:    ch,
		deliveries: make(chan amqp.Delivery, deliveryBuffer),
	}
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	b.logLocked("basic.consume %s", queueName)
	b.dispatchLocked(q)
	return c.deliveries, nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if err := ch.failLocked("Publish"); err != nil {
		return err
	}
	if exchangeName != "" {
		if _, ok := b.exchanges[exchangeName]; !ok {
			// a real broker closes the channel asynchronously
			ch.shutdownLocked(&amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName), Server: true})
			return nil
		}
	}

	b.logLocked("basic.publish %s %s", exchangeName, key)
	b.routeLocked(message{exchange: exchangeName, routingKey: key, publishing: msg})

	if ch.confirm {
		ch.publishSeq++
		ack := true
		if b.nackNext > 0 {
			b.nackNext--
			ack = false
		}
		for _, n := range ch.publishNotify {
			select {
			case n <- amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: ack}:
			default:
			}
		}
	}
	return nil
}

func (ch *Channel) Confirm(noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if err := ch.failLocked("Confirm"); err != nil {
		return err
	}
	ch.confirm = true
	return nil
}

func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.publishNotify = append(ch.publishNotify, confirm)
	return confirm
}

func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.closeNotify = append(ch.closeNotify, c)
	return c
}

func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdownLocked(nil)
	return nil
}

// shutdownLocked requeues unacked deliveries, cancels consumers and notifies
// listeners. A nil cause is a graceful close.
func (ch *Channel) shutdownLocked(cause *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.broker

	touched := make(map[string]*queue)
	for tag, inf := range ch.unacked {
		if q, ok := b.queues[inf.queue]; ok {
			b.requeueLocked(q, inf.msg)
			touched[q.name] = q
		}
		delete(ch.unacked, tag)
	}

	for tag, c := range ch.consumers {
		if q, ok := b.queues[c.queue]; ok {
			for i, qc := range q.consumers {
				if qc == c {
					q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
					break
				}
			}
			touched[q.name] = q
		}
		close(c.deliveries)
		delete(ch.consumers, tag)
	}

	for _, n := range ch.closeNotify {
		if cause != nil {
			select {
			case n <- cause:
			default:
			}
		}
		close(n)
	}
	ch.closeNotify = nil

	for _, n := range ch.publishNotify {
		close(n)
	}
	ch.publishNotify = nil

	for _, q := range touched {
		b.dispatchLocked(q)
	}
}

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(q *queue, msg message) {
		q.acked = append(q.acked, msg)
	})
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, func(q *queue, msg message) {
		if requeue {
			ch.broker.requeueLocked(q, msg)
			return
		}
		q.rejected = append(q.rejected, msg)
		ch.broker.deadLetterLocked(q, msg)
	})
}

func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple bool, apply func(*queue, message)) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	}

	touched := make(map[string]*queue)
	for _, t := range tags {
		inf, ok := ch.unacked[t]
		if !ok {
			return ch.refuseLocked(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", t))
		}
		delete(ch.unacked, t)
		inf.consumer.unacked--
		if q, ok := b.queues[inf.queue]; ok {
			apply(q, inf.msg)
			touched[q.name] = q
		}
	}
	for _, q := range touched {
		b.dispatchLocked(q)
	}
	return nil
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if fmt.Sprint(b[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}
