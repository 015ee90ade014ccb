package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/amqpkeeper/internal/codec"
	"github.com/glimte/amqpkeeper/internal/rabbitmq"
	"github.com/google/uuid"
)

// ErrInvalidMessage is returned when a message lacks a field its kind needs.
var ErrInvalidMessage = errors.New("invalid message")

// Sender is the publishing side of a rabbitmq.ChannelWrapper.
type Sender interface {
	Publish(ctx context.Context, exchange, routingKey string, payload codec.Payload, options ...rabbitmq.PublishOption) (rabbitmq.PublishReceipt, error)
}

var _ Sender = (*rabbitmq.ChannelWrapper)(nil)

// Exchanges names the exchanges each message kind is routed to.
type Exchanges struct {
	Events        string
	Commands      string
	Notifications string
}

// Options are the per-message publish settings accepted from callers.
type Options struct {
	Persistent *bool          `json:"persistent,omitempty"`
	MessageID  string         `json:"messageId,omitempty"`
	Headers    map[string]any `json:"headers,omitempty"`
}

func (o Options) publishOptions(id string) []rabbitmq.PublishOption {
	opts := []rabbitmq.PublishOption{rabbitmq.WithMessageID(id)}
	if o.Persistent != nil {
		opts = append(opts, rabbitmq.WithPersistent(*o.Persistent))
	}
	if len(o.Headers) > 0 {
		opts = append(opts, rabbitmq.WithHeaders(o.Headers))
	}
	return opts
}

// Result describes one published message.
type Result struct {
	Exchange   string    `json:"exchange"`
	RoutingKey string    `json:"routingKey"`
	MessageID  string    `json:"messageId"`
	Queued     bool      `json:"queued"`
	Confirmed  bool      `json:"confirmed"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher stamps and routes messages through a Sender.
type Publisher struct {
	sender    Sender
	exchanges Exchanges
	source    string
	logger    *slog.Logger
	now       func() time.Time
	observe   PublishObserver
}

// PublishObserver sees every publish handed to the Sender, failed ones
// included.
type PublishObserver func(exchange string, receipt rabbitmq.PublishReceipt, err error)

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithSource sets the source field stamped on test messages.
func WithSource(source string) PublisherOption {
	return func(p *Publisher) {
		p.source = source
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) {
		p.now = now
	}
}

// WithPublishObserver registers an observer, e.g. Metrics.ObservePublish.
func WithPublishObserver(observe PublishObserver) PublisherOption {
	return func(p *Publisher) {
		p.observe = observe
	}
}

// NewPublisher creates a publisher routing to exchanges.
func NewPublisher(sender Sender, exchanges Exchanges, options ...PublisherOption) *Publisher {
	p := &Publisher{
		sender:    sender,
		exchanges: exchanges,
		source:    "amqpkeeper",
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Exchanges returns the configured exchange names.
func (p *Publisher) Exchanges() Exchanges {
	return p.exchanges
}

// PublishMessage publishes message as is. The message id is opts.MessageID or
// a new UUID.
func (p *Publisher) PublishMessage(ctx context.Context, exchange, routingKey string, message codec.Payload, opts Options) (Result, error) {
	if routingKey == "" {
		return Result{}, fmt.Errorf("%w: routing key is required", ErrInvalidMessage)
	}
	if message == nil {
		return Result{}, fmt.Errorf("%w: message is required", ErrInvalidMessage)
	}

	id := opts.MessageID
	if id == "" {
		id = uuid.New().String()
	}

	receipt, err := p.sender.Publish(ctx, exchange, routingKey, message, opts.publishOptions(id)...)
	if p.observe != nil {
		p.observe(exchange, receipt, err)
	}
	if err != nil {
		p.logger.Error("failed to publish message",
			"exchange", exchange,
			"routingKey", routingKey,
			"messageId", id,
			"error", err)
		return Result{}, err
	}

	p.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", receipt.ID,
		"queued", receipt.Queued)

	return Result{
		Exchange:   receipt.Exchange,
		RoutingKey: receipt.RoutingKey,
		MessageID:  receipt.ID,
		Queued:     receipt.Queued,
		Confirmed:  receipt.Confirmed,
		Timestamp:  receipt.Timestamp,
	}, nil
}

// PublishEvent sends {type, data, timestamp, id} to the events exchange with
// the event type as routing key.
func (p *Publisher) PublishEvent(ctx context.Context, eventType string, data any, opts Options) (Result, error) {
	if eventType == "" {
		return Result{}, fmt.Errorf("%w: event type is required", ErrInvalidMessage)
	}
	opts.MessageID = p.messageID(opts)
	return p.PublishMessage(ctx, p.exchanges.Events, eventType, codec.Payload{
		"type":      eventType,
		"data":      orEmpty(data),
		"timestamp": p.timestamp(),
		"id":        opts.MessageID,
	}, opts)
}

// PublishCommand sends {command, data, timestamp, id} to the commands
// exchange with the command name as routing key.
func (p *Publisher) PublishCommand(ctx context.Context, command string, data any, opts Options) (Result, error) {
	if command == "" {
		return Result{}, fmt.Errorf("%w: command is required", ErrInvalidMessage)
	}
	opts.MessageID = p.messageID(opts)
	return p.PublishMessage(ctx, p.exchanges.Commands, command, codec.Payload{
		"command":   command,
		"data":      orEmpty(data),
		"timestamp": p.timestamp(),
		"id":        opts.MessageID,
	}, opts)
}

// PublishNotification sends {userId, notification, timestamp, id} to the
// notifications exchange under user.<userId>.
func (p *Publisher) PublishNotification(ctx context.Context, userID string, notification any, opts Options) (Result, error) {
	if userID == "" || notification == nil {
		return Result{}, fmt.Errorf("%w: user id and notification are required", ErrInvalidMessage)
	}
	opts.MessageID = p.messageID(opts)
	return p.PublishMessage(ctx, p.exchanges.Notifications, "user."+userID, codec.Payload{
		"userId":       userID,
		"notification": notification,
		"timestamp":    p.timestamp(),
		"id":           opts.MessageID,
	}, opts)
}

// PublishTestMessage sends {content, timestamp, source} to the events
// exchange under test.event.
func (p *Publisher) PublishTestMessage(ctx context.Context, content any) (Result, error) {
	if content == nil {
		return Result{}, fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	return p.PublishMessage(ctx, p.exchanges.Events, "test.event", codec.Payload{
		"content":   content,
		"timestamp": p.timestamp(),
		"source":    p.source,
	}, Options{})
}

func (p *Publisher) messageID(opts Options) string {
	if opts.MessageID != "" {
		return opts.MessageID
	}
	return uuid.New().String()
}

func (p *Publisher) timestamp() string {
	return p.now().UTC().Format(time.RFC3339Nano)
}

func orEmpty(data any) any {
	if data == nil {
		return map[string]any{}
	}
	return data
}
