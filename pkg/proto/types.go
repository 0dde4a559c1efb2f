package proto

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// EntityTable identifies a watched table in the remote store
type EntityTable string

const (
	TableOrders     EntityTable = "orders"
	TableOrderItems EntityTable = "order_items"
)

// EventType is the row-level change kind
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusNone            OrderStatus = ""
	StatusDraft           OrderStatus = "draft"
	StatusSubmitted       OrderStatus = "submitted"
	StatusProcessing      OrderStatus = "processing"
	StatusFulfilled       OrderStatus = "fulfilled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusCancelRequested OrderStatus = "cancel_requested"
)

var statusRank = map[OrderStatus]int{
	StatusDraft:           1,
	StatusSubmitted:       2,
	StatusProcessing:      3,
	StatusFulfilled:       4,
	StatusCancelled:       5,
	StatusCancelRequested: 6,
}

// Rank returns the position of the status in the fixed ordered set, or 0 if unknown
func (s OrderStatus) Rank() int {
	return statusRank[s]
}

// Valid reports whether the status is one of the known order statuses
func (s OrderStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Role is the viewer's role in the organization
type Role string

const (
	RoleManager  Role = "manager"
	RoleEmployee Role = "employee"
)

// Valid reports whether the role is known
func (r Role) Valid() bool {
	return r == RoleManager || r == RoleEmployee
}

// Audience selects refresh scope and notification eligibility
type Audience string

const (
	AudienceManager  Audience = "manager"
	AudienceEmployee Audience = "employee"
)

// AudienceFor maps a role to the audience it refreshes as
func AudienceFor(role Role) Audience {
	if role == RoleManager {
		return AudienceManager
	}
	return AudienceEmployee
}

// Record is a row snapshot of an Order or OrderItem
type Record struct {
	Id          string      `json:"id"`
	UserId      string      `json:"user_id,omitempty"`
	LocationId  string      `json:"location_id,omitempty"`
	Status      OrderStatus `json:"status,omitempty"`
	OrderNumber string      `json:"order_number,omitempty"`
	OrderId     string      `json:"order_id,omitempty"`
}

// ChangeEvent is a row-level change notification from the remote store
type ChangeEvent struct {
	Table           EntityTable            `json:"table"`
	Type            EventType              `json:"type"`
	Before          *Record                `json:"before,omitempty"`
	After           *Record                `json:"after,omitempty"`
	CommitTimestamp *timestamppb.Timestamp `json:"commit_timestamp,omitempty"`
}

// EntityID returns the id of the changed row from whichever snapshot carries it
func (e *ChangeEvent) EntityID() string {
	if e.After != nil && e.After.Id != "" {
		return e.After.Id
	}
	if e.Before != nil {
		return e.Before.Id
	}
	return ""
}

// RoutedEvent is a ChangeEvent that passed viewer relevance checks
type RoutedEvent struct {
	Event       *ChangeEvent
	ViewerId    string
	Role        Role
	IsOwnRecord bool
}

// Transition is a detected, non-duplicate change of an order's status
type Transition struct {
	EntityId    string      `json:"entity_id"`
	FromStatus  OrderStatus `json:"from_status"`
	ToStatus    OrderStatus `json:"to_status"`
	IsOwnRecord bool        `json:"is_own_record"`
	OrderNumber string      `json:"order_number,omitempty"`
	OwnerId     string      `json:"owner_id,omitempty"`
	ViewerId    string      `json:"viewer_id,omitempty"`
	// Created marks a newly inserted submitted order rather than a status change
	Created bool      `json:"created,omitempty"`
	At      time.Time `json:"at"`
}

// Key identifies the transition for at-most-once delivery
func (t *Transition) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", t.EntityId, t.FromStatus, t.ToStatus, t.At.UnixNano())
}

// QuietHours is a daily window of reduced notification prominence
type QuietHours struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	StartTime string `json:"start_time" yaml:"start_time"`
	EndTime   string `json:"end_time" yaml:"end_time"`
}

// NotificationPreferences are per-user notification toggles
type NotificationPreferences struct {
	PushEnabled        bool       `json:"push_enabled" yaml:"push_enabled"`
	OrderStatusChanged bool       `json:"order_status_changed" yaml:"order_status_changed"`
	NewOrderCreated    bool       `json:"new_order_created" yaml:"new_order_created"`
	OrderFulfilled     bool       `json:"order_fulfilled" yaml:"order_fulfilled"`
	SoundEnabled       bool       `json:"sound_enabled" yaml:"sound_enabled"`
	QuietHours         QuietHours `json:"quiet_hours" yaml:"quiet_hours"`
}

// DefaultPreferences mirrors the settings a new user starts with
func DefaultPreferences() NotificationPreferences {
	return NotificationPreferences{
		PushEnabled:        true,
		OrderStatusChanged: true,
		NewOrderCreated:    true,
		OrderFulfilled:     true,
		SoundEnabled:       true,
		QuietHours: QuietHours{
			Enabled:   false,
			StartTime: "22:00",
			EndTime:   "07:00",
		},
	}
}

// TriggerType controls when the local notification subsystem shows a notification
type TriggerType string

const (
	TriggerImmediate TriggerType = "immediate"
	TriggerScheduled TriggerType = "scheduled"
)

// Notification is a user-visible message handed to the local notification subsystem
type Notification struct {
	Id          string                 `json:"id"`
	UserId      string                 `json:"user_id"`
	Title       string                 `json:"title"`
	Body        string                 `json:"body"`
	Data        map[string]string      `json:"data,omitempty"`
	Sound       bool                   `json:"sound"`
	Quiet       bool                   `json:"quiet"`
	Trigger     TriggerType            `json:"trigger"`
	ScheduledAt *timestamppb.Timestamp `json:"scheduled_at,omitempty"`
	CreatedAt   *timestamppb.Timestamp `json:"created_at,omitempty"`
}

// Order is a row of the authoritative order list returned by refresh fetches
type Order struct {
	Id          string      `json:"id"`
	UserId      string      `json:"user_id"`
	LocationId  string      `json:"location_id"`
	Status      OrderStatus `json:"status"`
	OrderNumber string      `json:"order_number"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// OrderSnapshot is the last refreshed order list for one audience and viewer
type OrderSnapshot struct {
	Audience  Audience               `json:"audience"`
	ViewerId  string                 `json:"viewer_id"`
	Orders    []*Order               `json:"orders"`
	FetchedAt *timestamppb.Timestamp `json:"fetched_at,omitempty"`
}

// Error wraps an error message for consistent error handling
type Error struct {
	Message string
}

// NewError creates a new Error
func NewError(msg string) error {
	return &Error{Message: msg}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("stocksync: %s", e.Message)
}
