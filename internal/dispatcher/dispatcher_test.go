package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/stocksync/internal/quiethours"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	var counter int
	generateID = func() string {
		counter++
		return fmt.Sprintf("test-notification-%d", counter)
	}
}

// captureSink records delivered notifications
type captureSink struct {
	mu   sync.Mutex
	sent []*proto.Notification
	err  error
}

func (s *captureSink) Deliver(ctx context.Context, n *proto.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func clockAt(hour, minute int) *quiethours.Evaluator {
	return quiethours.NewEvaluatorWithClock(func() time.Time {
		return time.Date(2024, 5, 10, hour, minute, 0, 0, time.UTC)
	})
}

func newTestDispatcher(t *testing.T, sink Sink, evaluator *quiethours.Evaluator) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(DefaultConfig(), sink, evaluator)
	require.NoError(t, err)
	return d
}

func ownTransition(from, to proto.OrderStatus) *proto.Transition {
	return &proto.Transition{
		EntityId:    "o-1",
		FromStatus:  from,
		ToStatus:    to,
		IsOwnRecord: true,
		OrderNumber: "1001",
		OwnerId:     "alice",
		ViewerId:    "alice",
		At:          time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestEmployeeFulfilledNotification(t *testing.T) {
	sink := &captureSink{}
	d := newTestDispatcher(t, sink, clockAt(12, 0))

	prefs := proto.NotificationPreferences{PushEnabled: true, OrderStatusChanged: true}
	n, err := d.MaybeNotify(context.Background(), ownTransition(proto.StatusSubmitted, proto.StatusFulfilled),
		proto.AudienceEmployee, proto.RoleEmployee, prefs)
	require.NoError(t, err)
	require.NotNil(t, n)

	require.Equal(t, 1, sink.count())
	assert.Equal(t, "Your order has been fulfilled!", n.Body)
	assert.Equal(t, "Order #1001", n.Title)
	assert.Equal(t, "alice", n.UserId)
	assert.Equal(t, "o-1", n.Data["orderId"])
	assert.Equal(t, "1001", n.Data["orderNumber"])
	assert.Equal(t, KindStatus, n.Data["type"])
	assert.Equal(t, proto.TriggerImmediate, n.Trigger)
	assert.False(t, n.Quiet)
	assert.False(t, n.Sound, "sound follows the sound preference")
}

func TestFulfilledRequiresStatusChanges(t *testing.T) {
	sink := &captureSink{}
	d := newTestDispatcher(t, sink, clockAt(12, 0))

	prefs := proto.DefaultPreferences()
	prefs.OrderStatusChanged = false
	require.True(t, prefs.OrderFulfilled)

	n, err := d.MaybeNotify(context.Background(), ownTransition(proto.StatusProcessing, proto.StatusFulfilled),
		proto.AudienceEmployee, proto.RoleEmployee, prefs)
	require.NoError(t, err)
	assert.Nil(t, n)
	assert.Equal(t, 0, sink.count())
}

func TestDecide(t *testing.T) {
	all := proto.DefaultPreferences()

	newOrder := &proto.Transition{EntityId: "o-2", ToStatus: proto.StatusSubmitted, Created: true, OrderNumber: "7"}
	foreignUpdate := &proto.Transition{EntityId: "o-3", FromStatus: proto.StatusDraft, ToStatus: proto.StatusSubmitted}

	tests := []struct {
		name   string
		t      *proto.Transition
		role   proto.Role
		prefs  func(p *proto.NotificationPreferences)
		kind   string
		reason string
	}{
		{"employee own status", ownTransition(proto.StatusSubmitted, proto.StatusProcessing), proto.RoleEmployee, nil, KindStatus, ""},
		{"push disabled", ownTransition(proto.StatusSubmitted, proto.StatusProcessing), proto.RoleEmployee,
			func(p *proto.NotificationPreferences) { p.PushEnabled = false }, "", "push_disabled"},
		{"draft never announced", ownTransition(proto.StatusSubmitted, proto.StatusDraft), proto.RoleEmployee, nil, "", "draft"},
		{"status changes off", ownTransition(proto.StatusSubmitted, proto.StatusProcessing), proto.RoleEmployee,
			func(p *proto.NotificationPreferences) { p.OrderStatusChanged = false }, "", "no_rule"},
		{"fulfilled toggle alone", ownTransition(proto.StatusProcessing, proto.StatusFulfilled), proto.RoleEmployee,
			func(p *proto.NotificationPreferences) { p.OrderStatusChanged = false }, "", "no_rule"},
		{"fulfilled muted", ownTransition(proto.StatusProcessing, proto.StatusFulfilled), proto.RoleEmployee,
			func(p *proto.NotificationPreferences) { p.OrderFulfilled = false }, "", "no_rule"},
		{"fulfilled muted other status", ownTransition(proto.StatusSubmitted, proto.StatusProcessing), proto.RoleEmployee,
			func(p *proto.NotificationPreferences) { p.OrderFulfilled = false }, KindStatus, ""},
		{"manager own status", ownTransition(proto.StatusSubmitted, proto.StatusProcessing), proto.RoleManager, nil, "", "no_rule"},
		{"manager new order", newOrder, proto.RoleManager, nil, KindNewOrder, ""},
		{"manager submitted update", foreignUpdate, proto.RoleManager, nil, KindNewOrder, ""},
		{"manager new order disabled", newOrder, proto.RoleManager,
			func(p *proto.NotificationPreferences) { p.NewOrderCreated = false }, "", "no_rule"},
		{"employee new order", &proto.Transition{EntityId: "o-4", ToStatus: proto.StatusSubmitted, Created: true, IsOwnRecord: true},
			proto.RoleEmployee, nil, "", "no_rule"},
		{"manager other status", &proto.Transition{EntityId: "o-5", FromStatus: proto.StatusSubmitted, ToStatus: proto.StatusCancelled},
			proto.RoleManager, nil, "", "no_rule"},
		{"nil transition", nil, proto.RoleManager, nil, "", "no_transition"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefs := all
			if tt.prefs != nil {
				tt.prefs(&prefs)
			}
			kind, reason := Decide(tt.t, tt.role, prefs)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestManagerNewOrderNotification(t *testing.T) {
	sink := &captureSink{}
	d := newTestDispatcher(t, sink, clockAt(12, 0))

	tr := &proto.Transition{
		EntityId:    "o-2",
		ToStatus:    proto.StatusSubmitted,
		Created:     true,
		OrderNumber: "1002",
		OwnerId:     "alice",
		ViewerId:    "carol",
	}
	n, err := d.MaybeNotify(context.Background(), tr, proto.AudienceManager, proto.RoleManager, proto.DefaultPreferences())
	require.NoError(t, err)
	require.NotNil(t, n)

	assert.Equal(t, "carol", n.UserId)
	assert.Equal(t, "New Order", n.Title)
	assert.Equal(t, "Order #1002 has been submitted", n.Body)
	assert.Equal(t, KindNewOrder, n.Data["type"])
	assert.True(t, n.Sound)
}

func TestSuppressedTransitionDeliversNothing(t *testing.T) {
	sink := &captureSink{}
	d := newTestDispatcher(t, sink, clockAt(12, 0))

	prefs := proto.DefaultPreferences()
	prefs.PushEnabled = false

	n, err := d.MaybeNotify(context.Background(), ownTransition(proto.StatusSubmitted, proto.StatusFulfilled),
		proto.AudienceEmployee, proto.RoleEmployee, prefs)
	require.NoError(t, err)
	assert.Nil(t, n)
	assert.Equal(t, 0, sink.count())
}

func TestQuietHoursStillDeliverWithoutSound(t *testing.T) {
	sink := &captureSink{}
	d := newTestDispatcher(t, sink, clockAt(23, 30))

	prefs := proto.DefaultPreferences()
	prefs.QuietHours.Enabled = true

	n, err := d.MaybeNotify(context.Background(), ownTransition(proto.StatusSubmitted, proto.StatusFulfilled),
		proto.AudienceEmployee, proto.RoleEmployee, prefs)
	require.NoError(t, err)
	require.NotNil(t, n)

	assert.Equal(t, 1, sink.count())
	assert.True(t, n.Quiet)
	assert.False(t, n.Sound)
	assert.Equal(t, proto.TriggerImmediate, n.Trigger)
}

func TestQuietHoursDeferral(t *testing.T) {
	sink := &captureSink{}
	config := DefaultConfig()
	config.DeferDuringQuietHours = true
	d, err := NewDispatcher(config, sink, clockAt(23, 30))
	require.NoError(t, err)

	prefs := proto.DefaultPreferences()
	prefs.QuietHours.Enabled = true

	n, err := d.MaybeNotify(context.Background(), ownTransition(proto.StatusSubmitted, proto.StatusFulfilled),
		proto.AudienceEmployee, proto.RoleEmployee, prefs)
	require.NoError(t, err)
	require.NotNil(t, n)

	assert.Equal(t, proto.TriggerScheduled, n.Trigger)
	require.NotNil(t, n.ScheduledAt)
	assert.Equal(t, time.Date(2024, 5, 11, 7, 0, 0, 0, time.UTC), n.ScheduledAt.AsTime())
}

func TestTransitionDeliveredAtMostOnce(t *testing.T) {
	sink := &captureSink{}
	d := newTestDispatcher(t, sink, clockAt(12, 0))
	ctx := context.Background()

	tr := ownTransition(proto.StatusSubmitted, proto.StatusFulfilled)
	first, err := d.MaybeNotify(ctx, tr, proto.AudienceEmployee, proto.RoleEmployee, proto.DefaultPreferences())
	require.NoError(t, err)
	require.NotNil(t, first)

	again := *tr
	second, err := d.MaybeNotify(ctx, &again, proto.AudienceEmployee, proto.RoleEmployee, proto.DefaultPreferences())
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, 1, sink.count())

	// A later commit of the same status change is a new transition
	later := *tr
	later.At = tr.At.Add(time.Minute)
	third, err := d.MaybeNotify(ctx, &later, proto.AudienceEmployee, proto.RoleEmployee, proto.DefaultPreferences())
	require.NoError(t, err)
	assert.NotNil(t, third)

	d.Forget()
	fourth, err := d.MaybeNotify(ctx, tr, proto.AudienceEmployee, proto.RoleEmployee, proto.DefaultPreferences())
	require.NoError(t, err)
	assert.NotNil(t, fourth)
}

func TestSinkFailureIsNotRetried(t *testing.T) {
	sink := &captureSink{err: errors.New("notification service unavailable")}
	d := newTestDispatcher(t, sink, clockAt(12, 0))
	ctx := context.Background()

	tr := ownTransition(proto.StatusSubmitted, proto.StatusFulfilled)
	n, err := d.MaybeNotify(ctx, tr, proto.AudienceEmployee, proto.RoleEmployee, proto.DefaultPreferences())
	assert.Error(t, err)
	assert.Nil(t, n)

	sink.err = nil
	n, err = d.MaybeNotify(ctx, tr, proto.AudienceEmployee, proto.RoleEmployee, proto.DefaultPreferences())
	require.NoError(t, err)
	assert.Nil(t, n, "a transition is attempted at most once")
}

func TestNewDispatcherRequiresSink(t *testing.T) {
	_, err := NewDispatcher(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

func TestMultiSink(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{err: errors.New("down")}
	c := &captureSink{}

	err := MultiSink{a, b, c}.Deliver(context.Background(), &proto.Notification{Id: "n-1"})
	assert.Error(t, err)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, c.count())
}
