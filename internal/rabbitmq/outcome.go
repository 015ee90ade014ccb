package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/amqpkeeper/internal/codec"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is a consumed delivery with its decoded payload.
type Message struct {
	Queue       string
	Payload     codec.Payload
	MessageID   string
	Exchange    string
	RoutingKey  string
	ContentType string
	Headers     map[string]any
	Redelivered bool
	Timestamp   time.Time
}

// Handler processes a consumed message. A nil return acknowledges it; any
// error rejects it without requeue.
type Handler func(ctx context.Context, msg Message) error

// Outcome is the terminal state of a consumed message.
type Outcome int

const (
	OutcomeAcknowledged Outcome = iota
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcknowledged:
		return "acknowledged"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// OutcomeHook observes every settled message.
type OutcomeHook func(queue string, outcome Outcome, err error)

// Decide maps a processing result to an outcome. There is no requeue path:
// without a dead-letter exchange a requeued poison message loops forever.
func Decide(err error) Outcome {
	if err != nil {
		return OutcomeRejected
	}
	return OutcomeAcknowledged
}

// process decodes d and runs handler, converting every failure, including
// panics, into a *ProcessingError.
func process(ctx context.Context, queue string, d amqp.Delivery, def codec.Codec, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ProcessingError{Queue: queue, MessageID: d.MessageId, Stage: "panic", Err: fmt.Errorf("%v", r)}
		}
	}()

	payload, decodeErr := codec.ForContentType(d.ContentType, def).Decode(d.Body)
	if decodeErr != nil {
		return &ProcessingError{Queue: queue, MessageID: d.MessageId, Stage: "decode", Err: decodeErr}
	}

	msg := Message{
		Queue:       queue,
		Payload:     payload,
		MessageID:   d.MessageId,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		ContentType: d.ContentType,
		Headers:     d.Headers,
		Redelivered: d.Redelivered,
		Timestamp:   d.Timestamp,
	}
	if handlerErr := handler(ctx, msg); handlerErr != nil {
		return &ProcessingError{Queue: queue, MessageID: d.MessageId, Stage: "handler", Err: handlerErr}
	}
	return nil
}

// settle sends the broker-side decision for d.
func settle(d amqp.Delivery, outcome Outcome) error {
	if outcome == OutcomeAcknowledged {
		return d.Ack(false)
	}
	return d.Reject(false)
}
