package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrClosed             = errors.New("rabbitmq: closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")
	ErrConnectionLost     = errors.New("rabbitmq: connection lost")

	// Topology errors
	ErrConflictingDeclaration = errors.New("rabbitmq: conflicting declaration")
	ErrDuplicateSubscription  = errors.New("rabbitmq: queue already has a subscription")
	ErrBrokerRejected         = errors.New("rabbitmq: broker rejected declaration")

	// Publisher errors
	ErrPendingBufferFull = errors.New("rabbitmq: pending publish buffer full")
	ErrSerialization     = errors.New("rabbitmq: payload serialization failed")
	ErrPublishNacked     = errors.New("rabbitmq: publish nacked by broker")
	ErrPublishTimeout    = errors.New("rabbitmq: publish confirmation timeout")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ConfigError is returned synchronously when a registration can never
// succeed: conflicting parameters, a duplicate subscription, or a
// declaration the broker refused.
type ConfigError struct {
	Component string // exchange, queue, binding, subscription
	Name      string
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("rabbitmq config error: %s '%s': %v", e.Component, e.Name, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ReplayError reports the ledger entry at which a replay stopped.
type ReplayError struct {
	Index     int
	Entry     Entry
	Err       error
	Timestamp time.Time
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("rabbitmq replay error: entry %d (%s %s) failed: %v",
		e.Index, e.Entry.Kind, e.Entry.Target(), e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ProcessingError describes a consumed message that was rejected.
type ProcessingError struct {
	Queue     string
	MessageID string
	Stage     string // decode, handler, panic
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("rabbitmq processing error: %s failed for message %s on queue %s: %v",
		e.Stage, e.MessageID, e.Queue, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is fatal at registration time.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// IsBrokerRejection reports whether err is a channel exception raised by the
// broker for a declaration it will never accept as given.
func IsBrokerRejection(err error) bool {
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) {
		return false
	}
	switch amqpErr.Code {
	case amqp.PreconditionFailed, amqp.NotFound, amqp.AccessRefused:
		return true
	}
	return false
}

// isChannelException reports whether err is a channel exception sent by the
// broker rather than a local transport failure such as amqp.ErrClosed.
func isChannelException(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Server
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrClosed):
		return false
	case errors.Is(err, ErrSerialization):
		return false
	case IsConfigError(err):
		return false
	case IsBrokerRejection(err):
		return false
	}

	return true
}

// SanitizeURL removes the password from a connection URL.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User == nil {
		return u.String()
	}
	if _, hasPassword := u.User.Password(); !hasPassword {
		return u.String()
	}
	// url.UserPassword would percent-encode the mask
	user := url.User(u.User.Username()).String()
	u.User = nil
	return u.Scheme + "://" + user + ":***@" + strings.TrimPrefix(u.String(), u.Scheme+"://")
}
