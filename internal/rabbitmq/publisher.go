package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/amqpkeeper/internal/codec"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishReceipt describes the fate of a Publish call. A Queued receipt is
// provisional: the message sits in the pending buffer until the next replay.
type PublishReceipt struct {
	ID         string
	Exchange   string
	RoutingKey string
	Queued     bool
	Confirmed  bool
	Timestamp  time.Time
}

// PublishOption configures a single publish
type PublishOption func(*pendingPublish)

// WithPersistent sets the delivery mode; publishes are persistent by default.
func WithPersistent(persistent bool) PublishOption {
	return func(p *pendingPublish) {
		p.persistent = persistent
	}
}

// WithMessageID sets the AMQP message-id instead of a generated UUID.
func WithMessageID(id string) PublishOption {
	return func(p *pendingPublish) {
		if id != "" {
			p.messageID = id
		}
	}
}

// WithHeaders sets AMQP headers.
func WithHeaders(headers map[string]any) PublishOption {
	return func(p *pendingPublish) {
		if len(headers) == 0 {
			return
		}
		p.headers = amqp.Table{}
		for k, v := range headers {
			p.headers[k] = v
		}
	}
}

// pendingPublish is a serialized message waiting for a ready channel.
type pendingPublish struct {
	exchange    string
	routingKey  string
	body        []byte
	contentType string
	persistent  bool
	messageID   string
	headers     amqp.Table
	createdAt   time.Time
}

// Publish serializes payload and sends it, or buffers it while no channel is
// ready. Failures are never retried.
func (w *ChannelWrapper) Publish(ctx context.Context, exchange, routingKey string, payload codec.Payload, options ...PublishOption) (PublishReceipt, error) {
	msg := pendingPublish{
		exchange:    exchange,
		routingKey:  routingKey,
		contentType: w.codec.ContentType(),
		persistent:  true,
		messageID:   uuid.NewString(),
		createdAt:   time.Now(),
	}
	for _, opt := range options {
		opt(&msg)
	}

	body, err := w.codec.Encode(payload)
	if err != nil {
		return PublishReceipt{}, w.publishError(msg, fmt.Errorf("%w: %w", ErrSerialization, err))
	}
	msg.body = body

	receipt := PublishReceipt{
		ID:         msg.messageID,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Timestamp:  msg.createdAt,
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return PublishReceipt{}, w.publishError(msg, ErrClosed)
	}

	if w.ch != nil && len(w.pending) > 0 {
		w.flushLocked()
	}

	if w.ch == nil || len(w.pending) > 0 {
		if w.pendingLimit > 0 && len(w.pending) >= w.pendingLimit {
			return PublishReceipt{}, w.publishError(msg, ErrPendingBufferFull)
		}
		w.pending = append(w.pending, msg)
		receipt.Queued = true
		w.logger.Debug("publish queued until topology is ready",
			"exchange", exchange,
			"routingKey", routingKey,
			"pending", len(w.pending),
		)
		return receipt, nil
	}

	confirmed, err := w.publishLocked(ctx, msg)
	if err != nil {
		return PublishReceipt{}, w.publishError(msg, err)
	}
	receipt.Confirmed = confirmed

	w.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.messageID,
	)
	return receipt, nil
}

// PendingCount returns the number of buffered publishes.
func (w *ChannelWrapper) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *ChannelWrapper) publishError(msg pendingPublish, err error) error {
	return &PublishError{
		Exchange:   msg.exchange,
		RoutingKey: msg.routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// publishLocked writes msg to the current channel and, in confirm mode,
// waits for the broker's ack. Callers hold w.mu.
func (w *ChannelWrapper) publishLocked(ctx context.Context, msg pendingPublish) (bool, error) {
	if err := w.writeLocked(ctx, msg); err != nil {
		return false, err
	}
	return w.confirmLocked(ctx)
}

func (w *ChannelWrapper) writeLocked(ctx context.Context, msg pendingPublish) error {
	deliveryMode := amqp.Transient
	if msg.persistent {
		deliveryMode = amqp.Persistent
	}

	if err := w.ch.PublishWithContext(
		ctx,
		msg.exchange,
		msg.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  msg.contentType,
			DeliveryMode: deliveryMode,
			MessageId:    msg.messageID,
			Timestamp:    msg.createdAt,
			Headers:      msg.headers,
			Body:         msg.body,
		},
	); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// confirmLocked waits for the confirmation of the last write. It reports
// false without waiting when the channel is not in confirm mode.
func (w *ChannelWrapper) confirmLocked(ctx context.Context) (bool, error) {
	if w.confirms == nil {
		return false, nil
	}
	w.publishSeq++
	if err := w.awaitConfirmLocked(ctx, w.publishSeq); err != nil {
		return false, err
	}
	return true, nil
}

func (w *ChannelWrapper) awaitConfirmLocked(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(w.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-w.confirms:
			if !ok {
				return ErrConnectionLost
			}
			if confirm.DeliveryTag < tag {
				// late confirmation of an earlier timed-out publish
				continue
			}
			if !confirm.Ack {
				return ErrPublishNacked
			}
			return nil

		case <-timer.C:
			return ErrPublishTimeout

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flushLocked sends pending publishes in FIFO order. A message leaves the
// buffer once it is written to the channel; a failed confirmation is logged
// and not retried. A failed write stops the flush and keeps that message at
// the head for the next channel.
func (w *ChannelWrapper) flushLocked() {
	if len(w.pending) == 0 || w.ch == nil {
		return
	}

	flushed := 0
	for _, msg := range w.pending {
		if err := w.writeLocked(w.ctx, msg); err != nil {
			w.logger.Error("failed to flush pending publish",
				"error", err,
				"exchange", msg.exchange,
				"routingKey", msg.routingKey,
				"remaining", len(w.pending)-flushed,
			)
			break
		}
		flushed++

		if _, err := w.confirmLocked(w.ctx); err != nil {
			w.logger.Error("pending publish not confirmed",
				"error", err,
				"exchange", msg.exchange,
				"routingKey", msg.routingKey,
				"messageId", msg.messageID,
			)
		}
	}

	w.pending = append([]pendingPublish(nil), w.pending[flushed:]...)
	if flushed > 0 {
		w.logger.Info("flushed pending publishes", "count", flushed, "remaining", len(w.pending))
	}
}
