// Package messaging builds the envelopes services exchange over the broker
// and the default consumers that process them.
//
// This package includes:
//   - Publisher: events, commands, notifications and raw messages routed to the
//     configured exchanges, each stamped with an id and a timestamp
//   - PublishBatch: sequential publishing with per-message results
//   - Handlers: the built-in queue handlers (test events, commands, orders and
//     user events) selected by name from configuration
//
// Example usage:
//
//	publisher := messaging.NewPublisher(wrapper, messaging.Exchanges{
//		Events:        "events",
//		Commands:      "commands",
//		Notifications: "notifications",
//	})
//	result, err := publisher.PublishEvent(ctx, "user.created", map[string]any{"id": 42}, messaging.Options{})
package messaging
