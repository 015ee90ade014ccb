package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/glimte/amqpkeeper/internal/codec"
	"github.com/glimte/amqpkeeper/internal/rabbitmq"
)

// Built-in handler names usable from route configuration.
const (
	HandlerTestEvent = "test-event"
	HandlerCommand   = "command"
	HandlerOrder     = "order"
	HandlerUserEvent = "user-event"
)

var (
	// ErrInvalidOrder is returned for order commands missing orderId,
	// customerId or items. The message is rejected and dead-lettered.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrUnknownHandler is returned by Lookup for names it does not know.
	ErrUnknownHandler = errors.New("unknown handler")
)

// Order is the data section of a process.order command.
type Order struct {
	OrderID    string
	CustomerID string
	Items      []any
}

// ParseOrder extracts the order from a command envelope's data field.
func ParseOrder(payload codec.Payload) (Order, error) {
	data, ok := asMap(payload["data"])
	if !ok {
		return Order{}, fmt.Errorf("%w: data is missing", ErrInvalidOrder)
	}

	order := Order{
		OrderID:    scalar(data["orderId"]),
		CustomerID: scalar(data["customerId"]),
	}
	if order.OrderID == "" {
		return Order{}, fmt.Errorf("%w: orderId is required", ErrInvalidOrder)
	}
	if order.CustomerID == "" {
		return Order{}, fmt.Errorf("%w: customerId is required", ErrInvalidOrder)
	}
	items, ok := data["items"].([]any)
	if !ok {
		return Order{}, fmt.Errorf("%w: items must be a list", ErrInvalidOrder)
	}
	order.Items = items
	return order, nil
}

// Handlers holds the built-in queue handlers.
type Handlers struct {
	logger     *slog.Logger
	orderDelay time.Duration
}

// HandlersOption configures Handlers
type HandlersOption func(*Handlers)

// WithHandlersLogger sets the logger
func WithHandlersLogger(logger *slog.Logger) HandlersOption {
	return func(h *Handlers) {
		h.logger = logger
	}
}

// WithOrderDelay makes order processing take d, or until the consumer is
// cancelled.
func WithOrderDelay(d time.Duration) HandlersOption {
	return func(h *Handlers) {
		h.orderDelay = d
	}
}

func NewHandlers(options ...HandlersOption) *Handlers {
	h := &Handlers{logger: slog.Default()}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Lookup returns the handler registered under name.
func (h *Handlers) Lookup(name string) (rabbitmq.Handler, error) {
	switch name {
	case HandlerTestEvent:
		return h.TestEvent, nil
	case HandlerCommand:
		return h.Command, nil
	case HandlerOrder:
		return h.Order, nil
	case HandlerUserEvent:
		return h.UserEvent, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}
}

// TestEvent logs the event and acknowledges it.
func (h *Handlers) TestEvent(ctx context.Context, msg rabbitmq.Message) error {
	h.logger.Info("handling test event",
		"queue", msg.Queue,
		"messageId", msg.MessageID,
		"fields", keys(msg.Payload))
	return nil
}

// Command logs the command and acknowledges it.
func (h *Handlers) Command(ctx context.Context, msg rabbitmq.Message) error {
	h.logger.Info("handling command",
		"queue", msg.Queue,
		"command", scalar(msg.Payload["command"]),
		"routingKey", msg.RoutingKey)
	return nil
}

// Order validates and processes an order command.
func (h *Handlers) Order(ctx context.Context, msg rabbitmq.Message) error {
	order, err := ParseOrder(msg.Payload)
	if err != nil {
		return err
	}

	h.logger.Info("processing order",
		"orderId", order.OrderID,
		"customerId", order.CustomerID,
		"items", len(order.Items))

	if h.orderDelay > 0 {
		timer := time.NewTimer(h.orderDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h.logger.Info("order processed", "orderId", order.OrderID)
	return nil
}

// UserEvent logs the notification. An empty payload is logged and still
// acknowledged.
func (h *Handlers) UserEvent(ctx context.Context, msg rabbitmq.Message) error {
	if len(msg.Payload) == 0 {
		h.logger.Info("received user event with no content", "queue", msg.Queue)
		return nil
	}
	h.logger.Info("processing user event",
		"queue", msg.Queue,
		"routingKey", msg.RoutingKey,
		"userId", scalar(msg.Payload["userId"]))
	return nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case codec.Payload:
		return m, true
	default:
		return nil, false
	}
}

// scalar renders strings and numbers; anything else is treated as absent.
func scalar(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func keys(p codec.Payload) []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
