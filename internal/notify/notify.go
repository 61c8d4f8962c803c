// Package notify delivers settlement notifications to trade parties.
//
// Delivery is best-effort: a failing sink is logged and counted, never
// surfaced to the settlement that produced the message.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mbd888/rampsettle/internal/metrics"
)

var ErrDropped = errors.New("notification dropped")

// Message is one notification addressed to a set of peers.
type Message struct {
	Recipients []int64        `json:"recipients"`
	Message    string         `json:"message"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Sink consumes notifications.
type Sink interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

// LogSink writes notifications to a logger. Useful in development and as a
// fallback audit trail next to a push sink.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs each message at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Notify(ctx context.Context, msg Message) error {
	s.logger.InfoContext(ctx, "notification",
		"recipients", msg.Recipients, "message", msg.Message, "extra", msg.Extra)
	return nil
}

// Multi fans a message out to every sink. One sink failing does not stop
// delivery to the others.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti creates a fan-out sink.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, logger: logger}
}

func (m *Multi) Name() string { return "multi" }

// Notify delivers msg to all sinks and returns the joined failures.
func (m *Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, msg); err != nil {
			metrics.NotificationFailuresTotal.WithLabelValues(s.Name()).Inc()
			m.logger.Warn("notification sink failed", "sink", s.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every message.
type Discard struct{}

func (Discard) Name() string                          { return "discard" }
func (Discard) Notify(context.Context, Message) error { return nil }

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*Multi)(nil)
	_ Sink = Discard{}
)
