// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package amqpkeeper gives services a publish/subscribe interface to
// RabbitMQ that survives broker restarts: topology is replayed on every
// reconnect, publishes are buffered while disconnected and consumed messages
// are acknowledged or rejected from the handler's result.
package amqpkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/amqpkeeper/config"
	"github.com/glimte/amqpkeeper/health"
	"github.com/glimte/amqpkeeper/internal/codec"
	"github.com/glimte/amqpkeeper/internal/rabbitmq"
	"github.com/glimte/amqpkeeper/messaging"
	"github.com/glimte/amqpkeeper/metrics"
)

type (
	Message             = rabbitmq.Message
	Handler             = rabbitmq.Handler
	Payload             = codec.Payload
	Event               = rabbitmq.Event
	EventKind           = rabbitmq.EventKind
	Listener            = rabbitmq.Listener
	ListenerID          = rabbitmq.ListenerID
	ExchangeKind        = rabbitmq.ExchangeKind
	ExchangeDeclaration = rabbitmq.ExchangeDeclaration
	RouteBinding        = rabbitmq.RouteBinding
	PublishReceipt      = rabbitmq.PublishReceipt
	PublishOption       = rabbitmq.PublishOption
	Outcome             = rabbitmq.Outcome
	OutcomeHook         = rabbitmq.OutcomeHook
	Dialer              = rabbitmq.Dialer
)

const (
	EventConnected    = rabbitmq.EventConnected
	EventDisconnected = rabbitmq.EventDisconnected
	EventReplayed     = rabbitmq.EventReplayed
	EventReplayFailed = rabbitmq.EventReplayFailed

	ExchangeTopic   = rabbitmq.ExchangeTopic
	ExchangeDirect  = rabbitmq.ExchangeDirect
	ExchangeFanout  = rabbitmq.ExchangeFanout
	ExchangeHeaders = rabbitmq.ExchangeHeaders
)

var (
	WithPersistent = rabbitmq.WithPersistent
	WithMessageID  = rabbitmq.WithMessageID
	WithHeaders    = rabbitmq.WithHeaders
)

// Client owns one session and one channel wrapper on top of it.
type Client struct {
	session   *rabbitmq.Session
	channel   *rabbitmq.ChannelWrapper
	publisher *messaging.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	observers []rabbitmq.ListenerID
}

// NewClient creates a client for url. Nothing is dialed until Open.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	if !strings.HasPrefix(url, "amqp://") && !strings.HasPrefix(url, "amqps://") {
		return nil, fmt.Errorf("%w: url must use the amqp or amqps scheme", rabbitmq.ErrInvalidConfiguration)
	}

	cfg := &clientConfig{
		logger:         slog.Default(),
		endpoint:       rabbitmq.Endpoint{URL: url},
		codec:          codec.JSON{},
		prefetch:       rabbitmq.DefaultPrefetch,
		pendingLimit:   rabbitmq.DefaultPendingLimit,
		confirmTimeout: rabbitmq.DefaultConfirmTimeout,
	}
	for _, opt := range options {
		opt(cfg)
	}

	sessionOpts := []rabbitmq.SessionOption{rabbitmq.WithLogger(cfg.logger)}
	if cfg.dialer != nil {
		sessionOpts = append(sessionOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	session := rabbitmq.NewSession(cfg.endpoint, sessionOpts...)

	wrapperOpts := []rabbitmq.WrapperOption{
		rabbitmq.WithWrapperLogger(cfg.logger),
		rabbitmq.WithCodec(cfg.codec),
		rabbitmq.WithPrefetch(cfg.prefetch),
		rabbitmq.WithPendingLimit(cfg.pendingLimit),
	}
	if cfg.confirms {
		wrapperOpts = append(wrapperOpts, rabbitmq.WithPublisherConfirms(cfg.confirmTimeout))
	}
	if hook := cfg.outcomeHook(); hook != nil {
		wrapperOpts = append(wrapperOpts, rabbitmq.WithOutcomeHook(hook))
	}
	channel := rabbitmq.NewChannelWrapper(session, wrapperOpts...)

	publisherOpts := []messaging.PublisherOption{messaging.WithPublisherLogger(cfg.logger)}
	if cfg.source != "" {
		publisherOpts = append(publisherOpts, messaging.WithSource(cfg.source))
	}

	c := &Client{
		session: session,
		channel: channel,
		metrics: cfg.metrics,
		logger:  cfg.logger,
	}
	if cfg.metrics != nil {
		c.observers = cfg.metrics.ObserveEvents(session.Events())
		cfg.metrics.TrackPending(channel.PendingCount)
		publisherOpts = append(publisherOpts, messaging.WithPublishObserver(cfg.metrics.ObservePublish))
	}
	c.publisher = messaging.NewPublisher(channel, cfg.exchanges, publisherOpts...)

	return c, nil
}

// NewClientFromConfig maps the rabbitmq and topology sections of cfg onto
// client options. Options passed explicitly win.
func NewClientFromConfig(cfg *config.Config, options ...ClientOption) (*Client, error) {
	c, err := codec.ByName(cfg.RabbitMQ.Codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rabbitmq.ErrInvalidConfiguration, err)
	}

	base := []ClientOption{
		WithHeartbeat(cfg.RabbitMQ.Heartbeat),
		WithReconnectInterval(cfg.RabbitMQ.ReconnectInterval),
		WithDialTimeout(cfg.RabbitMQ.ConnectTimeout),
		WithConnectionName(cfg.RabbitMQ.ConnectionName),
		WithCodec(c),
		WithPrefetch(cfg.RabbitMQ.Prefetch),
		WithPendingLimit(cfg.RabbitMQ.PendingLimit),
		WithExchanges(messaging.Exchanges{
			Events:        cfg.Topology.EventsExchange,
			Commands:      cfg.Topology.CommandsExchange,
			Notifications: cfg.Topology.NotificationsExchange,
		}),
	}
	if cfg.RabbitMQ.Confirms {
		base = append(base, WithPublisherConfirms(cfg.RabbitMQ.ConfirmTimeout))
	}
	return NewClient(cfg.RabbitMQ.URI, append(base, options...)...)
}

// Open starts connecting in the background.
func (c *Client) Open() {
	c.session.Open()
}

// AwaitConnected blocks until the first connection or ctx expiry.
func (c *Client) AwaitConnected(ctx context.Context) error {
	return c.session.AwaitConnected(ctx)
}

// Close stops consumers and drops pending publishes, then closes the
// connection.
func (c *Client) Close() error {
	for _, id := range c.observers {
		c.session.Events().Off(id)
	}
	c.observers = nil

	return errors.Join(c.channel.Close(), c.session.Close())
}

// DeclareExchange records and asserts an exchange.
func (c *Client) DeclareExchange(ctx context.Context, decl ExchangeDeclaration) error {
	return c.channel.DeclareExchange(ctx, decl)
}

// DeclareRoute records and asserts a queue bound to an exchange.
func (c *Client) DeclareRoute(ctx context.Context, binding RouteBinding) error {
	return c.channel.DeclareRoute(ctx, binding)
}

// ApplyTopology declares every configured exchange, then every route.
func (c *Client) ApplyTopology(ctx context.Context, topology config.TopologyConfig) error {
	for _, ex := range topology.Exchanges {
		err := c.DeclareExchange(ctx, ExchangeDeclaration{
			Name:       ex.Name,
			Kind:       ExchangeKind(ex.Kind),
			Durable:    ex.Durable,
			AutoDelete: ex.AutoDelete,
		})
		if err != nil {
			return err
		}
	}
	for _, r := range topology.Routes {
		err := c.DeclareRoute(ctx, RouteBinding{
			Queue:              r.Queue,
			Exchange:           r.Exchange,
			RoutingKey:         r.RoutingKey,
			DeadLetterExchange: r.DeadLetterExchange,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Publish sends payload, or buffers it while disconnected.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, payload Payload, options ...PublishOption) (PublishReceipt, error) {
	receipt, err := c.channel.Publish(ctx, exchange, routingKey, payload, options...)
	if c.metrics != nil {
		c.metrics.ObservePublish(exchange, receipt, err)
	}
	return receipt, err
}

// Subscribe consumes queue with handler, now or after the next replay.
func (c *Client) Subscribe(ctx context.Context, queue string, handler Handler) error {
	return c.channel.Subscribe(ctx, queue, handler)
}

// Replay re-applies the topology after a replayFailed halt.
func (c *Client) Replay(ctx context.Context) error {
	return c.channel.Replay(ctx)
}

// On registers listener for kind on the session's event bus.
func (c *Client) On(kind EventKind, listener Listener) ListenerID {
	return c.session.Events().On(kind, listener)
}

// Off removes a listener registered with On.
func (c *Client) Off(id ListenerID) {
	c.session.Events().Off(id)
}

func (c *Client) IsConnected() bool {
	return c.session.IsConnected()
}

// Ready reports whether a channel with the full topology is available.
func (c *Client) Ready() bool {
	return c.channel.Ready()
}

func (c *Client) Halted() bool {
	return c.channel.Halted()
}

func (c *Client) PendingCount() int {
	return c.channel.PendingCount()
}

// Publisher returns the envelope publisher bound to this client's channel.
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Channel returns the underlying channel wrapper.
func (c *Client) Channel() *rabbitmq.ChannelWrapper {
	return c.channel
}

// RegisterHealth adds the session and topology checkers to registry.
func (c *Client) RegisterHealth(registry *health.Registry) {
	registry.Register(health.NewSessionChecker(c.session, c.session.Endpoint().URL))
	registry.Register(health.NewTopologyChecker(c.channel))
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	endpoint       rabbitmq.Endpoint
	dialer         rabbitmq.Dialer
	codec          codec.Codec
	prefetch       int
	pendingLimit   int
	confirms       bool
	confirmTimeout time.Duration
	exchanges      messaging.Exchanges
	source         string
	metrics        *metrics.Metrics
	hook           OutcomeHook
}

func (cfg *clientConfig) outcomeHook() OutcomeHook {
	switch {
	case cfg.metrics == nil:
		return cfg.hook
	case cfg.hook == nil:
		return cfg.metrics.OutcomeHook()
	}
	record, user := cfg.metrics.OutcomeHook(), cfg.hook
	return func(queue string, outcome Outcome, err error) {
		record(queue, outcome, err)
		user(queue, outcome, err)
	}
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDialer replaces the AMQP dialer.
func WithDialer(dial rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dial
	}
}

func WithHeartbeat(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.endpoint.Heartbeat = d
	}
}

// WithReconnectInterval sets the fixed wait between connection attempts.
func WithReconnectInterval(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.endpoint.ReconnectInterval = d
	}
}

func WithDialTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.endpoint.DialTimeout = d
	}
}

// WithConnectionName shows name in the broker's connection list.
func WithConnectionName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.endpoint.ConnectionName = name
	}
}

func WithCodec(c codec.Codec) ClientOption {
	return func(cfg *clientConfig) {
		cfg.codec = c
	}
}

func WithPrefetch(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetch = n
	}
}

func WithPendingLimit(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.pendingLimit = n
	}
}

// WithPublisherConfirms makes Publish wait up to timeout for the broker ack.
func WithPublisherConfirms(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.confirms = true
		cfg.confirmTimeout = timeout
	}
}

// WithExchanges names the exchanges used by the envelope publisher.
func WithExchanges(exchanges messaging.Exchanges) ClientOption {
	return func(cfg *clientConfig) {
		cfg.exchanges = exchanges
	}
}

// WithSource sets the source stamped on test messages.
func WithSource(source string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.source = source
	}
}

// WithMetrics exports publishes, outcomes and connectivity events to m.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = m
	}
}

// WithOutcomeHook observes every ack/reject decision.
func WithOutcomeHook(hook OutcomeHook) ClientOption {
	return func(cfg *clientConfig) {
		cfg.hook = hook
	}
}
