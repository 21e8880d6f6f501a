// Package queue implements the durable offline mutation queue: writes are
// enqueued locally, survive restarts via the persisted store, and are
// flushed priority-first when connectivity allows. Delivery is
// at-least-once; idempotency is the server's concern.
package queue

import (
	"time"

	"github.com/nearmarket/go-sync/backend"
)

// ActionType tags a queued mutation with its handler.
type ActionType string

const (
	TypePing          ActionType = "ping"
	TypeMessage       ActionType = "message"
	TypeUpload        ActionType = "upload"
	TypeProfileUpdate ActionType = "profile_update"
	TypeListingCreate ActionType = "listing_create"
	TypeListingUpdate ActionType = "listing_update"
	TypeListingDelete ActionType = "listing_delete"
	TypeRequestCreate ActionType = "request_create"
	TypeRequestUpdate ActionType = "request_update"
)

// Priority orders pending actions. Within a priority tier actions are FIFO
// by CreatedAt; there is no cross-priority FIFO guarantee.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Payload is the tagged union of per-type action payloads. Each payload
// shape is tied to exactly one ActionType, so the queue cannot hold an
// action whose payload does not match its handler.
type Payload interface {
	ActionType() ActionType
}

// MessagePayload sends a chat message.
type MessagePayload struct {
	ChatID string `msgpack:"chat_id"`
	Text   string `msgpack:"text"`
}

func (MessagePayload) ActionType() ActionType { return TypeMessage }

// PingPayload pings a listing; the server may turn it into a chat.
type PingPayload struct {
	ListingID string `msgpack:"listing_id"`
	Message   string `msgpack:"message"`
}

func (PingPayload) ActionType() ActionType { return TypePing }

// UploadPayload defers an attachment upload.
type UploadPayload struct {
	Upload backend.Upload `msgpack:"upload"`
}

func (UploadPayload) ActionType() ActionType { return TypeUpload }

// ProfileUpdatePayload applies a partial profile update.
type ProfileUpdatePayload struct {
	Patch backend.ProfilePatch `msgpack:"patch"`
}

func (ProfileUpdatePayload) ActionType() ActionType { return TypeProfileUpdate }

// ListingCreatePayload creates a listing.
type ListingCreatePayload struct {
	Draft backend.ListingDraft `msgpack:"draft"`
}

func (ListingCreatePayload) ActionType() ActionType { return TypeListingCreate }

// ListingUpdatePayload applies a partial listing update.
type ListingUpdatePayload struct {
	ListingID string               `msgpack:"listing_id"`
	Patch     backend.ListingPatch `msgpack:"patch"`
}

func (ListingUpdatePayload) ActionType() ActionType { return TypeListingUpdate }

// ListingDeletePayload deletes a listing.
type ListingDeletePayload struct {
	ListingID string `msgpack:"listing_id"`
}

func (ListingDeletePayload) ActionType() ActionType { return TypeListingDelete }

// RequestCreatePayload creates a request.
type RequestCreatePayload struct {
	Draft backend.RequestDraft `msgpack:"draft"`
}

func (RequestCreatePayload) ActionType() ActionType { return TypeRequestCreate }

// RequestUpdatePayload applies a partial request update.
type RequestUpdatePayload struct {
	RequestID string               `msgpack:"request_id"`
	Patch     backend.RequestPatch `msgpack:"patch"`
}

func (RequestUpdatePayload) ActionType() ActionType { return TypeRequestUpdate }

// Action is one queued mutation. Lifecycle: created by Add; RetryCount
// incremented on a failed apply; removed on success; frozen into a terminal
// failed record once RetryCount reaches MaxRetries. Never silently dropped.
type Action struct {
	ID         string
	Type       ActionType
	Payload    Payload
	Priority   Priority
	RetryCount int
	MaxRetries int
	CreatedAt  time.Time
	LastError  string
	Failed     bool
}

// Writes that land in another user's inbox (messages, pings) default to a
// higher priority and a larger retry budget than the user's own edits.
type defaults struct {
	priority   Priority
	maxRetries int
}

var typeDefaults = map[ActionType]defaults{
	TypeMessage:       {PriorityHigh, 5},
	TypePing:          {PriorityHigh, 5},
	TypeUpload:        {PriorityMedium, 3},
	TypeProfileUpdate: {PriorityMedium, 3},
	TypeListingCreate: {PriorityMedium, 3},
	TypeListingUpdate: {PriorityLow, 3},
	TypeListingDelete: {PriorityLow, 3},
	TypeRequestCreate: {PriorityMedium, 3},
	TypeRequestUpdate: {PriorityLow, 3},
}

// newPayload maps an ActionType back to its concrete payload shape for
// decoding persisted records.
func newPayload(t ActionType) Payload {
	switch t {
	case TypeMessage:
		return &MessagePayload{}
	case TypePing:
		return &PingPayload{}
	case TypeUpload:
		return &UploadPayload{}
	case TypeProfileUpdate:
		return &ProfileUpdatePayload{}
	case TypeListingCreate:
		return &ListingCreatePayload{}
	case TypeListingUpdate:
		return &ListingUpdatePayload{}
	case TypeListingDelete:
		return &ListingDeletePayload{}
	case TypeRequestCreate:
		return &RequestCreatePayload{}
	case TypeRequestUpdate:
		return &RequestUpdatePayload{}
	default:
		return nil
	}
}
