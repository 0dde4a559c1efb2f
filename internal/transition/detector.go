// Package transition detects order status transitions from routed change events.
package transition

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/stocksync/internal/metrics"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains detector configuration
type Config struct {
	// Maximum number of entities remembered; least recently seen are evicted first
	MemorySize int
}

// DefaultConfig returns a default detector configuration
func DefaultConfig() Config {
	return Config{
		MemorySize: 10000,
	}
}

// Detector keeps the last observed status per order and reports genuine changes.
// Observe must be called for every routed event in arrival order.
type Detector struct {
	memory  *lru.Cache // entity id -> proto.OrderStatus
	mu      sync.Mutex
	now     func() time.Time
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewDetector creates a new transition detector
func NewDetector(config Config) (*Detector, error) {
	if config.MemorySize <= 0 {
		config.MemorySize = DefaultConfig().MemorySize
	}

	memory, err := lru.New(config.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create status memory: %w", err)
	}

	return &Detector{
		memory:  memory,
		now:     time.Now,
		metrics: metrics.GetMetrics(),
		logger:  log.With().Str("component", "transition").Logger(),
	}, nil
}

// Observe records the event's status and returns a Transition if it changed
func (d *Detector) Observe(routed *proto.RoutedEvent) *proto.Transition {
	if routed == nil || routed.Event == nil || routed.Event.Table != proto.TableOrders {
		return nil
	}

	event := routed.Event
	id := event.EntityID()
	if id == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		d.metrics.StatusMemorySize.Set(float64(d.memory.Len()))
	}()

	switch event.Type {
	case proto.EventInsert:
		if event.After == nil {
			return nil
		}
		d.memory.Add(id, event.After.Status)
		d.metrics.TransitionsTotal.WithLabelValues("insert").Inc()
		return nil

	case proto.EventUpdate:
		if event.After == nil {
			return nil
		}
		return d.observeUpdate(id, routed)

	case proto.EventDelete:
		d.memory.Remove(id)
		d.metrics.TransitionsTotal.WithLabelValues("delete").Inc()
		return nil
	}

	return nil
}

// observeUpdate must be called with d.mu held
func (d *Detector) observeUpdate(id string, routed *proto.RoutedEvent) *proto.Transition {
	event := routed.Event
	to := event.After.Status

	var remembered proto.OrderStatus
	value, known := d.memory.Get(id)
	if known {
		remembered = value.(proto.OrderStatus)
	}

	// Memory always tracks the most recent observation
	d.memory.Add(id, to)

	// Memory wins over a stale before snapshot; a missed intermediate
	// change is picked up by the refresh instead of notified
	if known && remembered == to {
		d.metrics.TransitionsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	var previous proto.OrderStatus
	switch {
	case event.Before != nil && event.Before.Status != proto.StatusNone:
		previous = event.Before.Status
	case known:
		previous = remembered
	default:
		d.metrics.TransitionsTotal.WithLabelValues("baseline").Inc()
		d.logger.Debug().Str("entity_id", id).Str("status", string(to)).Msg("Recorded baseline status")
		return nil
	}

	if previous == to {
		d.metrics.TransitionsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	d.metrics.TransitionsTotal.WithLabelValues("transition").Inc()
	return &proto.Transition{
		EntityId:    id,
		FromStatus:  previous,
		ToStatus:    to,
		IsOwnRecord: routed.IsOwnRecord,
		OrderNumber: event.After.OrderNumber,
		OwnerId:     ownerID(event),
		ViewerId:    routed.ViewerId,
		At:          d.eventTime(event),
	}
}

// NewOrder returns a Created transition for an inserted order that arrives already submitted
func (d *Detector) NewOrder(routed *proto.RoutedEvent) *proto.Transition {
	if routed == nil || routed.Event == nil {
		return nil
	}

	event := routed.Event
	if event.Table != proto.TableOrders || event.Type != proto.EventInsert || event.After == nil {
		return nil
	}
	if event.After.Status != proto.StatusSubmitted || event.After.Id == "" {
		return nil
	}

	return &proto.Transition{
		EntityId:    event.After.Id,
		FromStatus:  proto.StatusNone,
		ToStatus:    proto.StatusSubmitted,
		IsOwnRecord: routed.IsOwnRecord,
		OrderNumber: event.After.OrderNumber,
		OwnerId:     event.After.UserId,
		ViewerId:    routed.ViewerId,
		Created:     true,
		At:          d.eventTime(event),
	}
}

// Status returns the remembered status of an entity
func (d *Detector) Status(id string) (proto.OrderStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	value, ok := d.memory.Peek(id)
	if !ok {
		return proto.StatusNone, false
	}
	return value.(proto.OrderStatus), true
}

// Len returns the number of remembered entities
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.memory.Len()
}

// Reset forgets every remembered status
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.memory.Purge()
	d.metrics.StatusMemorySize.Set(0)
}

func (d *Detector) eventTime(event *proto.ChangeEvent) time.Time {
	if event.CommitTimestamp != nil {
		return event.CommitTimestamp.AsTime()
	}
	return d.now()
}

func ownerID(event *proto.ChangeEvent) string {
	if event.After != nil && event.After.UserId != "" {
		return event.After.UserId
	}
	if event.Before != nil {
		return event.Before.UserId
	}
	return ""
}
