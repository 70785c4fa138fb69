package redis

import "time"

// QueuedEvent is the envelope pushed onto an event queue
type QueuedEvent struct {
	EventID    string    `json:"event_id"`
	Kind       string    `json:"kind"`
	Payload    any       `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
