package api

import (
	"github.com/nkkko/stocksync/internal/api/errors"
	"github.com/nkkko/stocksync/internal/api/validation"
	"github.com/nkkko/stocksync/pkg/proto"
)

// StartSessionRequest starts the change-event session for a viewer
type StartSessionRequest struct {
	ViewerID string     `json:"viewer_id"`
	Role     proto.Role `json:"role"`
}

// Validate validates the request
func (r *StartSessionRequest) Validate() error {
	if err := validation.Required("viewer_id", r.ViewerID); err != nil {
		return err
	}
	return validation.OneOf("role", string(r.Role), string(proto.RoleManager), string(proto.RoleEmployee))
}

// InvalidateCacheRequest drops one cache key or every key under a prefix
type InvalidateCacheRequest struct {
	Key    string `json:"key,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// Validate validates the request
func (r *InvalidateCacheRequest) Validate() error {
	if r.Key == "" && r.Prefix == "" {
		return errors.ValidationError("missing_key", "key or prefix is required")
	}
	if r.Key != "" && r.Prefix != "" {
		return errors.ValidationError("ambiguous_key", "key and prefix are mutually exclusive")
	}
	return nil
}

// PublishEventRequest injects a change event into the in-process source
type PublishEventRequest struct {
	proto.ChangeEvent
}

// Validate validates the request
func (r *PublishEventRequest) Validate() error {
	if err := validation.OneOf("table", string(r.Table), string(proto.TableOrders), string(proto.TableOrderItems)); err != nil {
		return err
	}
	if err := validation.OneOf("type", string(r.Type), string(proto.EventInsert), string(proto.EventUpdate), string(proto.EventDelete)); err != nil {
		return err
	}
	if r.Before == nil && r.After == nil {
		return errors.ValidationError("missing_record", "before or after is required")
	}
	return nil
}

// SessionResponse describes a started session
type SessionResponse struct {
	HandleID  string     `json:"handle_id"`
	ViewerID  string     `json:"viewer_id"`
	Role      proto.Role `json:"role"`
	Channel   string     `json:"channel"`
	StartedAt string     `json:"started_at"`
}
