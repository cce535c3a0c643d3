// Package streaming fans out appended run events to live subscribers such as
// log tails and SSE clients.
package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// StreamEvent is a run event as seen by live subscribers.
type StreamEvent struct {
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// EventFilter narrows a subscription. An empty RunID watches every run; an
// empty Events list accepts every kind.
type EventFilter struct {
	RunID  string   `json:"run_id,omitempty"`
	Events []string `json:"events,omitempty"`
}

// HubStats is a point-in-time view of a hub.
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Runs        int    `json:"runs"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

// EventHub provides pub/sub for run events.
//
// Subscribe returns a channel that is closed when the subscription ends: on
// cancel, when ctx is done, or after a run-scoped subscription has been
// offered its run's finished or error event.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
