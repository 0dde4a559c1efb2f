package dispatcher

import (
	"context"

	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/rs/zerolog"
)

// Sink hands notifications to the local notification subsystem
type Sink interface {
	Deliver(ctx context.Context, n *proto.Notification) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, n *proto.Notification) error

// Deliver calls f(ctx, n)
func (f SinkFunc) Deliver(ctx context.Context, n *proto.Notification) error {
	return f(ctx, n)
}

// LogSink writes notifications to a logger
type LogSink struct {
	Logger zerolog.Logger
}

// Deliver logs the notification
func (s LogSink) Deliver(ctx context.Context, n *proto.Notification) error {
	s.Logger.Info().
		Str("notification_id", n.Id).
		Str("user_id", n.UserId).
		Str("title", n.Title).
		Str("body", n.Body).
		Bool("sound", n.Sound).
		Bool("quiet", n.Quiet).
		Msg("Notification")
	return nil
}

// MultiSink delivers to every sink and returns the first error
type MultiSink []Sink

// Deliver hands n to each sink in order
func (m MultiSink) Deliver(ctx context.Context, n *proto.Notification) error {
	var first error
	for _, sink := range m {
		if err := sink.Deliver(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
