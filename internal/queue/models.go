package queue

import (
	"encoding/json"
	"time"
)

// Message is the durable queue record as seen by consumers.
type Message struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	VisibleAt time.Time       `json:"visible_at"`
	Ack       string          `json:"ack,omitempty"`
	Done      bool            `json:"done"`
	Tries     int             `json:"tries"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Record is what the engine hands to Store.InsertMany.
type Record struct {
	Payload   json.RawMessage
	VisibleAt time.Time
}

// EnqueueOptions controls how messages are added. Zero values fall back to the
// engine defaults.
type EnqueueOptions struct {
	Delay time.Duration
}

// ClaimOptions controls how a message is leased.
type ClaimOptions struct {
	Visibility time.Duration
}

// RenewOptions controls how far a live lease is extended.
type RenewOptions struct {
	Visibility time.Duration
}

// ReapResult reports how many done messages were removed.
type ReapResult struct {
	DeletedCount int64 `json:"deleted_count"`
}

// Stats bundles the four introspection counters.
type Stats struct {
	Total    int64 `json:"total"`
	Size     int64 `json:"size"`
	InFlight int64 `json:"in_flight"`
	Done     int64 `json:"done"`
}
