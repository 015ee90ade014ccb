package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/amqpkeeper/internal/rabbitmq"
)

// SessionState is the view of a rabbitmq.Session the session checker needs.
type SessionState interface {
	State() rabbitmq.State
	Epoch() uint64
}

// ChannelState is the view of a rabbitmq.ChannelWrapper the topology checker
// needs.
type ChannelState interface {
	Ready() bool
	Halted() bool
	PendingCount() int
}

var (
	_ SessionState = (*rabbitmq.Session)(nil)
	_ ChannelState = (*rabbitmq.ChannelWrapper)(nil)
)

// SessionChecker reports the broker connection. Anything but connected is
// unhealthy.
type SessionChecker struct {
	session SessionState
	url     string
}

// NewSessionChecker creates a checker for session. url is shown redacted in
// the details.
func NewSessionChecker(session SessionState, url string) *SessionChecker {
	return &SessionChecker{session: session, url: rabbitmq.SanitizeURL(url)}
}

func (c *SessionChecker) Name() string {
	return "rabbitmq"
}

func (c *SessionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.session.State()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"state": state.String(),
			"epoch": c.session.Epoch(),
		},
	}
	if c.url != "" {
		result.Details["url"] = c.url
	}

	if state == rabbitmq.StateConnected {
		result.Status = StatusHealthy
		result.Message = "connected"
	} else {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("broker %s", state)
	}

	result.Duration = time.Since(start)
	return result
}

// TopologyChecker reports the channel wrapper. A halted replay is unhealthy;
// a missing channel or a non-empty pending buffer is degraded.
type TopologyChecker struct {
	channel ChannelState
}

func NewTopologyChecker(channel ChannelState) *TopologyChecker {
	return &TopologyChecker{channel: channel}
}

func (c *TopologyChecker) Name() string {
	return "topology"
}

func (c *TopologyChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.channel.PendingCount()
	ready := c.channel.Ready()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"ready":   ready,
			"pending": pending,
		},
	}

	switch {
	case c.channel.Halted():
		result.Status = StatusUnhealthy
		result.Message = "topology replay failed; waiting for operator replay"
	case !ready:
		result.Status = StatusDegraded
		result.Message = "no channel; publishes are buffered"
	case pending > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d publishes waiting to flush", pending)
	default:
		result.Status = StatusHealthy
		result.Message = "channel ready"
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker watches the goroutine count. Each subscribed queue holds one
// goroutine, so a runaway count usually means leaked handlers.
type RuntimeChecker struct {
	degradedAt  int
	unhealthyAt int
}

// NewRuntimeChecker creates a checker with goroutine thresholds. Zero values
// fall back to 500 and 1000.
func NewRuntimeChecker(degradedAt, unhealthyAt int) *RuntimeChecker {
	if degradedAt <= 0 {
		degradedAt = 500
	}
	if unhealthyAt <= 0 {
		unhealthyAt = 1000
	}
	return &RuntimeChecker{degradedAt: degradedAt, unhealthyAt: unhealthyAt}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"goroutines":    goroutines,
			"heap_alloc_mb": float64(m.HeapAlloc) / 1024 / 1024,
			"gc_runs":       m.NumGC,
		},
	}

	switch {
	case goroutines >= c.unhealthyAt:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines >= c.degradedAt:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name  string
	check func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, check func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{name: name, check: check}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, details, err := c.check(ctx)

	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
		if result.Status == "" {
			result.Status = StatusUnhealthy
		}
	}
	result.Duration = time.Since(start)
	return result
}
