// Package router classifies raw change events by entity type and viewer relevance.
package router

import (
	"github.com/nkkko/stocksync/internal/metrics"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Routing outcomes recorded in metrics
const (
	OutcomeRouted    = "routed"
	OutcomeMalformed = "dropped_malformed"
	OutcomeForeign   = "dropped_foreign"
	OutcomeRole      = "dropped_role"
	OutcomeAmbiguous = "dropped_ambiguous"
)

// Router decides which change events a viewer may observe.
// Dropping is terminal: an event that cannot be classified with certainty is never passed through.
type Router struct {
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewRouter creates a new change event router
func NewRouter() *Router {
	return &Router{
		metrics: metrics.GetMetrics(),
		logger:  log.With().Str("component", "router").Logger(),
	}
}

// Route returns the routed event, or nil if the viewer must not see it
func (r *Router) Route(event *proto.ChangeEvent, viewerID string, role proto.Role) *proto.RoutedEvent {
	routed, outcome := Classify(event, viewerID, role)

	table := "unknown"
	if event != nil && event.Table != "" {
		table = string(event.Table)
	}
	r.metrics.RouterEventsTotal.WithLabelValues(table, outcome).Inc()

	if routed == nil {
		r.logger.Debug().
			Str("table", table).
			Str("outcome", outcome).
			Str("role", string(role)).
			Msg("Dropped change event")
	}
	return routed
}

// Classify applies the routing rules without side effects
func Classify(event *proto.ChangeEvent, viewerID string, role proto.Role) (*proto.RoutedEvent, string) {
	if event == nil || (event.Before == nil && event.After == nil) || viewerID == "" {
		return nil, OutcomeMalformed
	}
	if !role.Valid() {
		return nil, OutcomeAmbiguous
	}

	switch event.Table {
	case proto.TableOrders:
		return classifyOrder(event, viewerID, role)
	case proto.TableOrderItems:
		if role != proto.RoleManager {
			return nil, OutcomeRole
		}
		return &proto.RoutedEvent{Event: event, ViewerId: viewerID, Role: role}, OutcomeRouted
	default:
		return nil, OutcomeMalformed
	}
}

func classifyOrder(event *proto.ChangeEvent, viewerID string, role proto.Role) (*proto.RoutedEvent, string) {
	own := isOwnRecord(event, viewerID)

	if role == proto.RoleEmployee && !own {
		// Without any owner on either snapshot the event cannot be attributed
		if ownerOf(event.Before) == "" && ownerOf(event.After) == "" {
			return nil, OutcomeAmbiguous
		}
		return nil, OutcomeForeign
	}

	return &proto.RoutedEvent{
		Event:       event,
		ViewerId:    viewerID,
		Role:        role,
		IsOwnRecord: own,
	}, OutcomeRouted
}

func isOwnRecord(event *proto.ChangeEvent, viewerID string) bool {
	return ownerOf(event.After) == viewerID || ownerOf(event.Before) == viewerID
}

func ownerOf(r *proto.Record) string {
	if r == nil {
		return ""
	}
	return r.UserId
}
