// Package notify carries user-visible, classified notifications out of the
// coordination layer. Failures surface here instead of as raw errors.
package notify

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Level classifies a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is one message for the user.
type Notification struct {
	Level   Level
	Title   string
	Message string
	Details string
	At      time.Time
}

// Notifier receives notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to [Notifier].
type Func func(Notification)

// Notify implements [Notifier].
func (f Func) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Notifier = Func(func(Notification) {})

// Log writes notifications to a structured logger at the matching level.
type Log struct {
	L *slog.Logger
}

// Notify implements [Notifier].
func (l Log) Notify(n Notification) {
	logger := l.L
	if logger == nil {
		logger = slog.Default()
	}
	lvl := slog.LevelInfo
	switch n.Level {
	case LevelWarning:
		lvl = slog.LevelWarn
	case LevelError:
		lvl = slog.LevelError
	}
	attrs := []any{"title", n.Title}
	if n.Details != "" {
		attrs = append(attrs, "details", n.Details)
	}
	logger.Log(context.Background(), lvl, "notify: "+n.Message, attrs...)
}

// Channel delivers notifications on a buffered channel and drops them when
// the reader falls behind.
type Channel struct {
	ch      chan Notification
	dropped atomic.Int64
}

// NewChannel returns a Channel with the given buffer (minimum 1).
func NewChannel(buffer int) *Channel {
	return &Channel{ch: make(chan Notification, max(buffer, 1))}
}

// Notify implements [Notifier].
func (c *Channel) Notify(n Notification) {
	select {
	case c.ch <- n:
	default:
		c.dropped.Add(1)
	}
}

// C returns the receive side.
func (c *Channel) C() <-chan Notification { return c.ch }

// Dropped returns how many notifications were discarded.
func (c *Channel) Dropped() int64 { return c.dropped.Load() }

// Multi fans out to several notifiers in order.
type Multi []Notifier

// Notify implements [Notifier].
func (m Multi) Notify(n Notification) {
	for _, t := range m {
		if t != nil {
			t.Notify(n)
		}
	}
}

var (
	_ Notifier = Func(nil)
	_ Notifier = Log{}
	_ Notifier = (*Channel)(nil)
	_ Notifier = Multi(nil)
)
