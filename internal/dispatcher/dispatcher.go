// Package dispatcher turns detected order transitions into user notifications.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/stocksync/internal/metrics"
	"github.com/nkkko/stocksync/internal/quiethours"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Notification kinds
const (
	KindStatus   = "status"
	KindNewOrder = "new_order"
)

// Config contains dispatcher configuration
type Config struct {
	// Number of delivered transition keys remembered for duplicate suppression
	LedgerSize int

	// Schedule notifications raised during quiet hours for the end of the window
	// instead of delivering them immediately without sound
	DeferDuringQuietHours bool
}

// DefaultConfig returns a default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		LedgerSize:            4096,
		DeferDuringQuietHours: false,
	}
}

// Dispatcher decides whether a transition warrants a notification and formats it
type Dispatcher struct {
	config    Config
	sink      Sink
	evaluator *quiethours.Evaluator
	ledger    *lru.Cache // transition key -> struct{}
	mu        sync.Mutex
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewDispatcher creates a new notification dispatcher
func NewDispatcher(config Config, sink Sink, evaluator *quiethours.Evaluator) (*Dispatcher, error) {
	if sink == nil {
		return nil, fmt.Errorf("dispatcher requires a sink")
	}
	if evaluator == nil {
		evaluator = quiethours.NewEvaluator(nil)
	}
	if config.LedgerSize <= 0 {
		config.LedgerSize = DefaultConfig().LedgerSize
	}

	ledger, err := lru.New(config.LedgerSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery ledger: %w", err)
	}

	return &Dispatcher{
		config:    config,
		sink:      sink,
		evaluator: evaluator,
		ledger:    ledger,
		metrics:   metrics.GetMetrics(),
		logger:    log.With().Str("component", "dispatcher").Logger(),
	}, nil
}

// Decide returns the notification kind for a transition, or "" with the reason it is suppressed
func Decide(t *proto.Transition, role proto.Role, prefs proto.NotificationPreferences) (kind string, reason string) {
	if t == nil {
		return "", "no_transition"
	}
	if !prefs.PushEnabled {
		return "", "push_disabled"
	}
	if t.ToStatus == proto.StatusDraft {
		return "", "draft"
	}

	if !t.Created && t.IsOwnRecord && role != proto.RoleManager && statusEnabled(t.ToStatus, prefs) {
		return KindStatus, ""
	}
	if !t.IsOwnRecord && role == proto.RoleManager && t.ToStatus == proto.StatusSubmitted && prefs.NewOrderCreated {
		return KindNewOrder, ""
	}
	return "", "no_rule"
}

// statusEnabled reports whether the owner wants to hear about a move to status.
// OrderStatusChanged is required; the fulfilled toggle can only mute fulfilment messages.
func statusEnabled(status proto.OrderStatus, prefs proto.NotificationPreferences) bool {
	if !prefs.OrderStatusChanged {
		return false
	}
	return status != proto.StatusFulfilled || prefs.OrderFulfilled
}

// MaybeNotify emits at most one notification per transition.
// It returns the delivered notification, or nil when suppressed.
func (d *Dispatcher) MaybeNotify(ctx context.Context, t *proto.Transition, audience proto.Audience, role proto.Role, prefs proto.NotificationPreferences) (*proto.Notification, error) {
	kind, reason := Decide(t, role, prefs)
	if kind == "" {
		d.metrics.NotificationsTotal.WithLabelValues("none", "suppressed").Inc()
		if t != nil {
			d.logger.Debug().
				Str("entity_id", t.EntityId).
				Str("to_status", string(t.ToStatus)).
				Str("audience", string(audience)).
				Str("reason", reason).
				Msg("Notification suppressed")
		}
		return nil, nil
	}

	key := t.Key()

	d.mu.Lock()
	if _, seen := d.ledger.Get(key); seen {
		d.mu.Unlock()
		d.metrics.NotificationsTotal.WithLabelValues(kind, "duplicate").Inc()
		return nil, nil
	}
	// Recorded before delivery so a retry can never notify twice
	d.ledger.Add(key, struct{}{})
	d.mu.Unlock()

	n := d.build(kind, t, prefs)

	if err := d.sink.Deliver(ctx, n); err != nil {
		d.metrics.NotificationsTotal.WithLabelValues(kind, "failed").Inc()
		d.logger.Warn().Err(err).
			Str("entity_id", t.EntityId).
			Str("kind", kind).
			Msg("Failed to deliver notification")
		return nil, fmt.Errorf("failed to deliver notification: %w", err)
	}

	outcome := "delivered"
	if n.Quiet {
		outcome = "quiet"
	}
	d.metrics.NotificationsTotal.WithLabelValues(kind, outcome).Inc()

	d.logger.Debug().
		Str("notification_id", n.Id).
		Str("entity_id", t.EntityId).
		Str("kind", kind).
		Bool("quiet", n.Quiet).
		Msg("Notification delivered")

	return n, nil
}

func (d *Dispatcher) build(kind string, t *proto.Transition, prefs proto.NotificationPreferences) *proto.Notification {
	var title, body, recipient string
	switch kind {
	case KindNewOrder:
		title, body = FormatNewOrderMessage(t.OrderNumber)
		recipient = t.ViewerId
	default:
		title, body = FormatStatusMessage(t.ToStatus, t.OrderNumber)
		recipient = t.OwnerId
		if recipient == "" {
			recipient = t.ViewerId
		}
	}

	now := d.evaluator.Now()
	qh := prefs.QuietHours
	quiet := d.evaluator.IsQuiet(qh.Enabled, qh.StartTime, qh.EndTime)

	n := &proto.Notification{
		Id:     generateID(),
		UserId: recipient,
		Title:  title,
		Body:   body,
		Data: map[string]string{
			"orderId":     t.EntityId,
			"orderNumber": t.OrderNumber,
			"type":        kind,
			"status":      string(t.ToStatus),
		},
		Sound:     prefs.SoundEnabled && !quiet,
		Quiet:     quiet,
		Trigger:   proto.TriggerImmediate,
		CreatedAt: timestamppb.New(now),
	}

	if quiet && d.config.DeferDuringQuietHours {
		if end, err := quiethours.WindowEnd(qh.EndTime, now); err == nil {
			n.Trigger = proto.TriggerScheduled
			n.ScheduledAt = timestamppb.New(end)
		}
	}

	return n
}

// Forget clears the delivery ledger
func (d *Dispatcher) Forget() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ledger.Purge()
}

// Variable for generating notification IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
