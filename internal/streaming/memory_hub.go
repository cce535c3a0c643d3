package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/agentflow/pkg/schema"
)

const defaultBuffer = 64

// allRuns indexes subscriptions without a RunID.
const allRuns = ""

type subscription struct {
	id     uint64
	ch     chan StreamEvent
	filter EventFilter
	once   sync.Once
}

func (s *subscription) close() { s.once.Do(func() { close(s.ch) }) }

// HubOption configures a MemoryHub.
type HubOption func(*MemoryHub)

// WithBuffer sets the per-subscription channel capacity.
func WithBuffer(n int) HubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// MemoryHub is an in-process EventHub. Subscriptions are indexed by run so a
// publish only visits the watchers of that run plus the firehose.
//
// Publish never blocks: an event that does not fit a subscriber's buffer is
// dropped and counted. Tails recover it from the store on their next read.
type MemoryHub struct {
	mu     sync.RWMutex
	byRun  map[string]map[uint64]*subscription
	nextID atomic.Uint64
	buffer int

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{
		byRun:  make(map[string]map[uint64]*subscription),
		buffer: defaultBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish offers event to every matching subscription. A finished or error
// event also ends the subscriptions scoped to its run.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	h.offer(h.byRun[event.RunID], event)
	if event.RunID != allRuns {
		h.offer(h.byRun[allRuns], event)
	}
	h.mu.RUnlock()

	if event.RunID != allRuns && schema.IsTerminalEvent(event.Event) {
		h.closeRun(event.RunID)
	}
	return nil
}

// offer must be called with h.mu held for reading.
func (h *MemoryHub) offer(subs map[uint64]*subscription, event StreamEvent) {
	for _, sub := range subs {
		if len(sub.filter.Events) > 0 && !slices.Contains(sub.filter.Events, event.Event) {
			continue
		}
		select {
		case sub.ch <- event:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *MemoryHub) closeRun(runID string) {
	h.mu.Lock()
	subs := h.byRun[runID]
	delete(h.byRun, runID)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Subscribe registers filter. The returned cancel is idempotent and also runs
// when ctx is done.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		id:     h.nextID.Add(1),
		ch:     make(chan StreamEvent, h.buffer),
		filter: filter,
	}

	h.mu.Lock()
	subs, ok := h.byRun[filter.RunID]
	if !ok {
		subs = make(map[uint64]*subscription)
		h.byRun[filter.RunID] = subs
	}
	subs[sub.id] = sub
	h.mu.Unlock()

	end := func() {
		h.detach(sub)
		sub.close()
	}
	stop := context.AfterFunc(ctx, end)
	cancel := func() {
		stop()
		end()
	}
	return sub.ch, cancel, nil
}

func (h *MemoryHub) detach(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.byRun[sub.filter.RunID]
	if subs[sub.id] != sub {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.byRun, sub.filter.RunID)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.byRun {
		n += len(subs)
	}
	return n
}

// Stats reports live subscriptions, watched runs and delivery counters.
func (h *MemoryHub) Stats() HubStats {
	h.mu.RLock()
	st := HubStats{Runs: len(h.byRun)}
	for runID, subs := range h.byRun {
		st.Subscribers += len(subs)
		if runID == allRuns {
			st.Runs--
		}
	}
	h.mu.RUnlock()
	st.Delivered = h.delivered.Load()
	st.Dropped = h.dropped.Load()
	return st
}

var _ EventHub = (*MemoryHub)(nil)
