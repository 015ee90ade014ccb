package rabbitmq

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// consumer drains one queue on one channel epoch.
type consumer struct {
	queue      string
	tag        string
	epoch      uint64
	deliveries <-chan amqp.Delivery
	handler    Handler
	ctx        context.Context
	cancel     context.CancelFunc
}

func newConsumerTag(queue string) string {
	return fmt.Sprintf("%s-%s", queue, uuid.NewString())
}

// startConsumer launches the drain loop. Callers hold w.mu.
func (w *ChannelWrapper) startConsumer(c *consumer) {
	w.consumers[c.queue] = c
	w.wg.Add(1)
	go w.processMessages(c)

	w.logger.Info("subscribed to queue",
		"queue", c.queue,
		"consumerTag", c.tag,
		"prefetchCount", w.prefetch,
	)
}

// processMessages handles one delivery at a time so acks stay in order.
func (w *ChannelWrapper) processMessages(c *consumer) {
	defer func() {
		w.wg.Done()
		w.logger.Info("consumer stopped", "queue", c.queue, "epoch", c.epoch)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case delivery, ok := <-c.deliveries:
			if !ok {
				if c.ctx.Err() == nil {
					w.logger.Warn("delivery channel closed", "queue", c.queue)
				}
				return
			}
			w.handleDelivery(c, delivery)
		}
	}
}

func (w *ChannelWrapper) handleDelivery(c *consumer, delivery amqp.Delivery) {
	err := process(c.ctx, c.queue, delivery, w.codec, c.handler)
	outcome := Decide(err)

	if !w.settle(c, delivery, outcome) {
		return
	}

	if err != nil {
		w.logger.Error("message rejected",
			"error", err,
			"queue", c.queue,
			"messageId", delivery.MessageId,
			"requeue", false,
		)
	}
	if w.outcomeHook != nil {
		w.outcomeHook(c.queue, outcome, err)
	}
}

// settle acks or rejects through the apply pipeline. It reports false when
// the message was left unsettled because the wrapper closed or the channel
// was replaced while the handler ran; the broker redelivers such messages.
func (w *ChannelWrapper) settle(c *consumer, delivery amqp.Delivery, outcome Outcome) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.ch == nil || w.epoch != c.epoch || c.ctx.Err() != nil {
		w.logger.Debug("leaving message unsettled",
			"queue", c.queue,
			"messageId", delivery.MessageId,
			"outcome", outcome.String(),
		)
		return false
	}

	if err := settle(delivery, outcome); err != nil {
		w.logger.Error("failed to settle message",
			"error", err,
			"queue", c.queue,
			"outcome", outcome.String(),
		)
		return false
	}
	return true
}
