// Package rabbitmq keeps a RabbitMQ connection and channel usable across
// broker restarts and network failures.
//
// This package includes:
//   - Session: owns the AMQP connection and redials it forever at a fixed interval
//   - EventBus: connected, disconnected, replayed and replayFailed notifications
//   - Ledger: the ordered record of exchanges, routes and subscriptions
//   - ChannelWrapper: one logical channel that replays the ledger on every new
//     connection, buffers publishes while disconnected and drains queues
//
// Consumption is fail-closed: a handler error, a panic or an undecodable body
// rejects the message without requeue, so a dead-letter exchange on the queue
// is the only retry path. Delivery is at-least-once; handlers must tolerate
// duplicates.
package rabbitmq
