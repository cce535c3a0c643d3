package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/pkg/schema"
)

const (
	// DefaultTailPollInterval is how long a tail idles between store reads.
	DefaultTailPollInterval = 400 * time.Millisecond
	// DefaultTailMaxDuration caps the wall-clock lifetime of one tail.
	DefaultTailMaxDuration = 600 * time.Second

	tailTimeoutMessage = "Stream timeout"
)

// EventLog is the append-only, per-run ordered record of run progress.
// Appends are serialized so sequence keys are strictly increasing per run;
// each committed append is published to the hub so tails wake early.
type EventLog struct {
	store  EventStore
	hub    streaming.EventHub
	logger *slog.Logger
	now    func() time.Time

	pollInterval time.Duration
	maxDuration  time.Duration

	mu sync.Mutex
}

// EventLogOption configures an EventLog.
type EventLogOption func(*EventLog)

// WithHub publishes appended events to hub and lets tails wake on them.
func WithHub(hub streaming.EventHub) EventLogOption {
	return func(el *EventLog) { el.hub = hub }
}

// WithTailTiming overrides the tail poll interval and wall-clock cap.
// Non-positive values keep the defaults.
func WithTailTiming(pollInterval, maxDuration time.Duration) EventLogOption {
	return func(el *EventLog) {
		if pollInterval > 0 {
			el.pollInterval = pollInterval
		}
		if maxDuration > 0 {
			el.maxDuration = maxDuration
		}
	}
}

// WithLogger sets the logger used for publish failures.
func WithLogger(logger *slog.Logger) EventLogOption {
	return func(el *EventLog) { el.logger = logger }
}

// WithEventClock sets the source of event timestamps.
func WithEventClock(now func() time.Time) EventLogOption {
	return func(el *EventLog) {
		if now != nil {
			el.now = now
		}
	}
}

// NewEventLog creates an event log over s.
func NewEventLog(s EventStore, opts ...EventLogOption) *EventLog {
	el := &EventLog{
		store:        s,
		logger:       slog.Default(),
		now:          time.Now,
		pollInterval: DefaultTailPollInterval,
		maxDuration:  DefaultTailMaxDuration,
	}
	for _, opt := range opts {
		opt(el)
	}
	return el
}

// Append records payload as the next event of runID and returns the stored event.
func (el *EventLog) Append(ctx context.Context, runID string, payload schema.EventPayload) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "encode %s event: %s", payload.EventKind(), err.Error()).WithCause(err)
	}

	event := &Event{
		RunID:   runID,
		Kind:    payload.EventKind(),
		Payload: data,
	}

	// Timestamp and sequence are assigned together under the lock.
	el.mu.Lock()
	event.Timestamp = el.now().UTC()
	err = el.store.AppendEvent(ctx, event)
	el.mu.Unlock()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "append %s event for run %s", event.Kind, runID).WithCause(err)
	}

	if el.hub != nil {
		if perr := el.hub.Publish(context.WithoutCancel(ctx), toStreamEvent(event)); perr != nil {
			el.logger.Warn("event publish failed", "run_id", runID, "event", event.Kind, "error", perr)
		}
	}
	return event, nil
}

// Since returns every event of runID with a sequence greater than seq, ascending.
func (el *EventLog) Since(ctx context.Context, runID string, seq int64) ([]*Event, error) {
	events, err := el.store.GetEvents(ctx, runID, seq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read events for run %s", runID).WithCause(err)
	}
	return events, nil
}

// Tail delivers the events of runID after since to emit, in order, until a
// finished or error event has been delivered. It idles between reads for the
// poll interval, waking early when the hub announces an append for the run.
// When the wall-clock cap elapses it emits a synthetic timeout event and
// returns nil. A non-nil error from emit stops the tail and is returned.
func (el *EventLog) Tail(ctx context.Context, runID string, since int64, emit func(*Event) error) error {
	var wake <-chan streaming.StreamEvent
	if el.hub != nil {
		ch, cancel, err := el.hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
		if err != nil {
			return err
		}
		defer cancel()
		wake = ch
	}

	deadline := time.NewTimer(el.maxDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(el.pollInterval)
	defer ticker.Stop()

	cursor := since
	for {
		events, err := el.Since(ctx, runID, cursor)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := emit(e); err != nil {
				return err
			}
			cursor = e.Sequence
			if schema.IsTerminalEvent(e.Kind) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			el.logger.Warn("event tail timeout", "run_id", runID, "max_duration", el.maxDuration)
			return emit(timeoutEvent(runID))
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

func timeoutEvent(runID string) *Event {
	payload := schema.TimeoutPayload{Message: tailTimeoutMessage}
	data, _ := json.Marshal(payload)
	return &Event{
		RunID:     runID,
		Kind:      payload.EventKind(),
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}
}

func toStreamEvent(e *Event) streaming.StreamEvent {
	return streaming.StreamEvent{
		RunID:     e.RunID,
		Sequence:  e.Sequence,
		Event:     e.Kind,
		Data:      e.Payload,
		Timestamp: e.Timestamp,
	}
}

// Envelope is the wire form of an event delivered to stream clients.
type Envelope struct {
	Timestamp string          `json:"ts"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope converts e to its wire form with an ISO-8601 UTC timestamp.
func NewEnvelope(e *Event) Envelope {
	data := e.Payload
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return Envelope{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Event:     e.Kind,
		Data:      data,
	}
}

// String renders the envelope as an SSE data frame.
func (env Envelope) String() string {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Sprintf("data: {\"event\":%q}\n\n", env.Event)
	}
	return "data: " + string(b) + "\n\n"
}
