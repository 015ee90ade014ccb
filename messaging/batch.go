package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/amqpkeeper/internal/codec"
)

// Batch message kinds. An empty kind publishes Exchange/RoutingKey/Message
// as is.
const (
	KindEvent        = "event"
	KindCommand      = "command"
	KindNotification = "notification"
)

// BatchMessage is one entry of a batch publish.
type BatchMessage struct {
	Type         string        `json:"type,omitempty"`
	EventType    string        `json:"eventType,omitempty"`
	CommandName  string        `json:"commandName,omitempty"`
	UserID       string        `json:"userId,omitempty"`
	Notification any           `json:"notification,omitempty"`
	Data         any           `json:"data,omitempty"`
	Exchange     string        `json:"exchange,omitempty"`
	RoutingKey   string        `json:"routingKey,omitempty"`
	Message      codec.Payload `json:"message,omitempty"`
	Options      Options       `json:"options,omitempty"`
}

// BatchError pairs a failed entry with its error text.
type BatchError struct {
	Message BatchMessage `json:"message"`
	Error   string       `json:"error"`
}

// BatchResult aggregates a batch publish. Success is true only when every
// entry was published.
type BatchResult struct {
	Success    bool         `json:"success"`
	Results    []Result     `json:"results"`
	Errors     []BatchError `json:"errors"`
	Total      int          `json:"total"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
}

// PublishBatch publishes messages in order. A failing entry is recorded and
// the rest are still attempted.
func (p *Publisher) PublishBatch(ctx context.Context, messages []BatchMessage) BatchResult {
	result := BatchResult{
		Results: make([]Result, 0, len(messages)),
		Errors:  make([]BatchError, 0),
		Total:   len(messages),
	}

	for _, msg := range messages {
		res, err := p.publishOne(ctx, msg)
		if err != nil {
			result.Errors = append(result.Errors, BatchError{Message: msg, Error: err.Error()})
			continue
		}
		result.Results = append(result.Results, res)
	}

	result.Successful = len(result.Results)
	result.Failed = len(result.Errors)
	result.Success = result.Failed == 0

	if result.Failed > 0 {
		p.logger.Warn("batch publish finished with failures",
			"total", result.Total,
			"failed", result.Failed)
	}
	return result
}

func (p *Publisher) publishOne(ctx context.Context, msg BatchMessage) (Result, error) {
	switch msg.Type {
	case KindEvent:
		return p.PublishEvent(ctx, msg.EventType, msg.Data, msg.Options)
	case KindCommand:
		return p.PublishCommand(ctx, msg.CommandName, msg.Data, msg.Options)
	case KindNotification:
		return p.PublishNotification(ctx, msg.UserID, msg.Notification, msg.Options)
	case "":
		if msg.Exchange == "" {
			return Result{}, fmt.Errorf("%w: exchange is required", ErrInvalidMessage)
		}
		return p.PublishMessage(ctx, msg.Exchange, msg.RoutingKey, msg.Message, msg.Options)
	default:
		return Result{}, fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, msg.Type)
	}
}
