// Package notify carries user facing notifications out of the broker: failed
// operations with their classified fault code and completed flows.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notification is a user facing event, usually a failed operation.
type Notification struct {
	Level      Level       `json:"level"`
	Operation  string      `json:"operation"`
	Code       faults.Code `json:"code,omitempty"`
	Fatal      bool        `json:"fatal"`
	Message    string      `json:"message"`
	InstanceID string      `json:"instanceId,omitempty"`
	At         time.Time   `json:"at"`
}

// Notifier receives notifications. Implementations must not block the caller
// for long.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

var droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "broker_notifications_dropped_total",
	Help: "Notifications dropped because a subscriber was not keeping up.",
})

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// LogNotifier writes notifications to a zerolog logger.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier logs through logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

// NewDefaultLogNotifier logs through the global logger.
func NewDefaultLogNotifier() *LogNotifier {
	return NewLogNotifier(log.Logger)
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) {
	event := l.logger.Info()
	if n.Level == LevelError {
		event = l.logger.Error()
	}
	if n.Code != "" {
		event = event.Str("code", string(n.Code))
	}
	if n.InstanceID != "" {
		event = event.Str("instance_id", n.InstanceID)
	}
	event.Str("operation", n.Operation).Bool("fatal", n.Fatal).Msg(n.Message)
}

// Multi fans a notification out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, notifier := range m {
		notifier.Notify(ctx, n)
	}
}

// Bus is an in-process publish/subscribe notifier. Every subscriber gets its
// own buffered channel; a full channel drops the notification for that
// subscriber only.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Notification
	closed bool
}

// NewBus returns a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel that receives every notification published
// after the call. The channel is closed by Close.
func (b *Bus) Subscribe(buffer int) <-chan Notification {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Notification, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Notify never blocks. Notifications after Close are discarded.
func (b *Bus) Notify(_ context.Context, n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			droppedTotal.Inc()
		}
	}
}

// Close closes every subscriber channel. It is safe to call twice.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
