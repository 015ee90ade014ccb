package rabbitmq

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind is the AMQP exchange type.
type ExchangeKind string

const (
	ExchangeTopic   ExchangeKind = "topic"
	ExchangeDirect  ExchangeKind = "direct"
	ExchangeFanout  ExchangeKind = "fanout"
	ExchangeHeaders ExchangeKind = "headers"
)

// Valid reports whether k is one of the four AMQP exchange types.
func (k ExchangeKind) Valid() bool {
	switch k {
	case ExchangeTopic, ExchangeDirect, ExchangeFanout, ExchangeHeaders:
		return true
	}
	return false
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Kind       ExchangeKind
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// RouteBinding asserts a queue and binds it to an exchange. The queue is
// durable unless Transient is set.
type RouteBinding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Transient  bool
	// DeadLetterExchange receives messages rejected from Queue.
	DeadLetterExchange string
	Arguments          amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name      string
	Durable   bool
	Arguments amqp.Table
}

// Subscription binds a handler to a queue.
type Subscription struct {
	Queue       string
	Handler     Handler
	ConsumerTag string
}

// EntryKind tags a ledger entry.
type EntryKind int

const (
	EntryExchangeDeclare EntryKind = iota
	EntryRouteBind
	EntrySubscriptionStart
)

func (k EntryKind) String() string {
	switch k {
	case EntryExchangeDeclare:
		return "exchange-declare"
	case EntryRouteBind:
		return "route-bind"
	case EntrySubscriptionStart:
		return "subscription-start"
	default:
		return "unknown"
	}
}

// Entry is one recorded setup action. Exactly one payload field is set,
// matching Kind. Queue is filled in by the ledger for route and
// subscription entries.
type Entry struct {
	Kind         EntryKind
	Exchange     ExchangeDeclaration
	Route        RouteBinding
	Subscription Subscription
	Queue        QueueDeclaration
}

// ExchangeEntry builds an exchange declaration entry.
func ExchangeEntry(decl ExchangeDeclaration) Entry {
	return Entry{Kind: EntryExchangeDeclare, Exchange: decl}
}

// RouteEntry builds a route binding entry.
func RouteEntry(binding RouteBinding) Entry {
	return Entry{Kind: EntryRouteBind, Route: binding}
}

// SubscriptionEntry builds a subscription entry.
func SubscriptionEntry(sub Subscription) Entry {
	return Entry{Kind: EntrySubscriptionStart, Subscription: sub}
}

// Target names the broker object the entry acts on.
func (e Entry) Target() string {
	switch e.Kind {
	case EntryExchangeDeclare:
		return e.Exchange.Name
	case EntryRouteBind:
		return fmt.Sprintf("%s->%s[%s]", e.Route.Exchange, e.Route.Queue, e.Route.RoutingKey)
	case EntrySubscriptionStart:
		return e.Subscription.Queue
	default:
		return ""
	}
}

type bindingKey struct {
	queue, exchange, routingKey string
}

// Ledger is the append-only, ordered record of topology that must be
// replayed on every new channel.
type Ledger struct {
	mu            sync.RWMutex
	entries       []Entry
	exchanges     map[string]ExchangeDeclaration
	queues        map[string]QueueDeclaration
	bindings      map[bindingKey]struct{}
	subscriptions map[string]struct{}
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		exchanges:     make(map[string]ExchangeDeclaration),
		queues:        make(map[string]QueueDeclaration),
		bindings:      make(map[bindingKey]struct{}),
		subscriptions: make(map[string]struct{}),
	}
}

// Check validates entry against what is already recorded. It returns false
// when an identical entry exists, and a *ConfigError on conflict.
func (l *Ledger) Check(entry Entry) (Entry, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.checkLocked(entry)
}

// Record appends entry. Identical duplicates are accepted and not appended.
// A rejected entry leaves the ledger untouched.
func (l *Ledger) Record(entry Entry) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	normalized, fresh, err := l.checkLocked(entry)
	if err != nil || !fresh {
		return false, err
	}

	switch normalized.Kind {
	case EntryExchangeDeclare:
		l.exchanges[normalized.Exchange.Name] = normalized.Exchange
	case EntryRouteBind:
		l.queues[normalized.Queue.Name] = normalized.Queue
		r := normalized.Route
		l.bindings[bindingKey{r.Queue, r.Exchange, r.RoutingKey}] = struct{}{}
	case EntrySubscriptionStart:
		l.queues[normalized.Queue.Name] = normalized.Queue
		l.subscriptions[normalized.Subscription.Queue] = struct{}{}
	}
	l.entries = append(l.entries, normalized)
	return true, nil
}

func (l *Ledger) checkLocked(entry Entry) (Entry, bool, error) {
	switch entry.Kind {
	case EntryExchangeDeclare:
		decl := entry.Exchange
		if decl.Name == "" {
			return entry, false, &ConfigError{Component: "exchange", Name: decl.Name, Err: fmt.Errorf("%w: name is required", ErrInvalidConfiguration)}
		}
		if !decl.Kind.Valid() {
			return entry, false, &ConfigError{Component: "exchange", Name: decl.Name, Err: fmt.Errorf("%w: unknown kind %q", ErrInvalidConfiguration, decl.Kind)}
		}
		existing, ok := l.exchanges[decl.Name]
		if !ok {
			return entry, true, nil
		}
		if !sameExchange(existing, decl) {
			return entry, false, &ConfigError{
				Component: "exchange",
				Name:      decl.Name,
				Err: fmt.Errorf("%w: declared as %s durable=%v, got %s durable=%v",
					ErrConflictingDeclaration, existing.Kind, existing.Durable, decl.Kind, decl.Durable),
			}
		}
		return entry, false, nil

	case EntryRouteBind:
		r := entry.Route
		if r.Queue == "" || r.Exchange == "" {
			return entry, false, &ConfigError{Component: "binding", Name: r.Queue, Err: fmt.Errorf("%w: queue and exchange are required", ErrInvalidConfiguration)}
		}
		entry.Queue = queueFor(r)
		if err := l.checkQueueLocked(entry.Queue); err != nil {
			return entry, false, err
		}
		if _, ok := l.bindings[bindingKey{r.Queue, r.Exchange, r.RoutingKey}]; ok {
			return entry, false, nil
		}
		return entry, true, nil

	case EntrySubscriptionStart:
		sub := entry.Subscription
		if sub.Queue == "" {
			return entry, false, &ConfigError{Component: "subscription", Name: sub.Queue, Err: fmt.Errorf("%w: queue is required", ErrInvalidConfiguration)}
		}
		if sub.Handler == nil {
			return entry, false, &ConfigError{Component: "subscription", Name: sub.Queue, Err: fmt.Errorf("%w: handler is required", ErrInvalidConfiguration)}
		}
		if _, ok := l.subscriptions[sub.Queue]; ok {
			return entry, false, &ConfigError{Component: "subscription", Name: sub.Queue, Err: ErrDuplicateSubscription}
		}
		if known, ok := l.queues[sub.Queue]; ok {
			entry.Queue = known
		} else {
			entry.Queue = QueueDeclaration{Name: sub.Queue, Durable: true}
		}
		return entry, true, nil
	}

	return entry, false, &ConfigError{Component: "entry", Name: entry.Kind.String(), Err: ErrInvalidConfiguration}
}

func (l *Ledger) checkQueueLocked(queue QueueDeclaration) error {
	existing, ok := l.queues[queue.Name]
	if !ok || sameQueue(existing, queue) {
		return nil
	}
	return &ConfigError{
		Component: "queue",
		Name:      queue.Name,
		Err: fmt.Errorf("%w: declared with durable=%v args=%v, got durable=%v args=%v",
			ErrConflictingDeclaration, existing.Durable, existing.Arguments, queue.Durable, queue.Arguments),
	}
}

// Replay calls apply for every entry in registration order and stops at the
// first failure.
func (l *Ledger) Replay(apply func(Entry) error) error {
	for i, entry := range l.Entries() {
		if err := apply(entry); err != nil {
			return &ReplayError{Index: i, Entry: entry, Err: err, Timestamp: time.Now()}
		}
	}
	return nil
}

// Entries returns a snapshot of the recorded entries.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of recorded entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// QueueShape returns the recorded declaration for a queue.
func (l *Ledger) QueueShape(name string) (QueueDeclaration, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	q, ok := l.queues[name]
	return q, ok
}

// Declare asserts the broker-side objects of entry on ch. Every call is
// idempotent against a broker that already holds identical objects.
func Declare(ch Channel, entry Entry) error {
	switch entry.Kind {
	case EntryExchangeDeclare:
		return declareExchange(ch, entry.Exchange)
	case EntryRouteBind:
		if _, err := declareQueue(ch, entry.Queue); err != nil {
			return err
		}
		return bindQueue(ch, entry.Route)
	case EntrySubscriptionStart:
		_, err := declareQueue(ch, entry.Queue)
		return err
	}
	return fmt.Errorf("%w: unknown entry kind %d", ErrInvalidConfiguration, entry.Kind)
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	if err := ch.ExchangeDeclare(
		exchange.Name,
		string(exchange.Kind),
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange.Name, err)
	}
	return nil
}

// declareQueue declares a queue on the given channel
func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, fmt.Errorf("failed to declare queue %s: %w", queue.Name, err)
	}
	return q, nil
}

// bindQueue binds a queue to an exchange on the given channel
func bindQueue(ch Channel, binding RouteBinding) error {
	if err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind queue %s to exchange %s: %w",
			binding.Queue, binding.Exchange, err)
	}
	return nil
}

func queueFor(r RouteBinding) QueueDeclaration {
	args := amqp.Table{}
	for k, v := range r.Arguments {
		args[k] = v
	}
	if r.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = r.DeadLetterExchange
	}
	if len(args) == 0 {
		args = nil
	}
	return QueueDeclaration{Name: r.Queue, Durable: !r.Transient, Arguments: args}
}

func sameExchange(a, b ExchangeDeclaration) bool {
	return a.Kind == b.Kind &&
		a.Durable == b.Durable &&
		a.AutoDelete == b.AutoDelete &&
		sameTable(a.Arguments, b.Arguments)
}

func sameQueue(a, b QueueDeclaration) bool {
	return a.Durable == b.Durable && sameTable(a.Arguments, b.Arguments)
}

func sameTable(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
