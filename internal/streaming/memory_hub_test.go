package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/pkg/schema"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func assertIdle(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
		t.Fatal("subscription closed")
	case <-time.After(30 * time.Millisecond):
	}
}

func assertClosed(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("subscription not closed")
		}
	}
}

func TestMemoryHub_DeliversToRunWatcher(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-2", Event: schema.EventStepStart}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{
		RunID:    "run-1",
		Sequence: 3,
		Event:    schema.EventStepEnd,
		Data:     json.RawMessage(`{"index":1}`),
	}))

	got := receive(t, ch)
	assert.Equal(t, int64(3), got.Sequence)
	assert.Equal(t, schema.EventStepEnd, got.Event)
	assert.JSONEq(t, `{"index":1}`, string(got.Data))
	assertIdle(t, ch)
}

func TestMemoryHub_FirehoseSeesEveryRun(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	all, cancelAll, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelAll()
	one, cancelOne, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancelOne()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Event: schema.EventStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-2", Event: schema.EventStarted}))

	assert.Equal(t, "run-1", receive(t, all).RunID)
	assert.Equal(t, "run-2", receive(t, all).RunID)
	assert.Equal(t, "run-1", receive(t, one).RunID)
	assertIdle(t, one)

	st := hub.Stats()
	assert.Equal(t, 2, st.Subscribers)
	assert.Equal(t, 1, st.Runs)
	assert.Equal(t, uint64(3), st.Delivered)
}

func TestMemoryHub_EventKindFilter(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		Events: []string{schema.EventSourceFetchFailed, schema.EventRateLimitHit},
	})
	require.NoError(t, err)
	defer cancel()

	for _, kind := range []string{schema.EventSourceFetching, schema.EventSourceFetchFailed, schema.EventStepOutput, schema.EventRateLimitHit} {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Event: kind}))
	}

	assert.Equal(t, schema.EventSourceFetchFailed, receive(t, ch).Event)
	assert.Equal(t, schema.EventRateLimitHit, receive(t, ch).Event)
	assertIdle(t, ch)
}

func TestMemoryHub_TerminalEventClosesRunWatchers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	run, cancelRun, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancelRun()
	all, cancelAll, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelAll()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Event: schema.EventFinished}))

	assert.Equal(t, schema.EventFinished, receive(t, run).Event)
	assertClosed(t, run)
	assert.Equal(t, schema.EventFinished, receive(t, all).Event)
	assert.Equal(t, 1, hub.Subscribers(), "firehose outlives the run")

	// cancel after close is a no-op
	cancelRun()
}

func TestMemoryHub_ErrorEventAlsoTerminates(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1", Events: []string{schema.EventStepEnd}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Event: schema.EventError}))
	assertClosed(t, ch)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestMemoryHub_CancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)

	cancel()
	cancel()
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Event: schema.EventStepStart}))

	assertClosed(t, ch)
	assert.Equal(t, 0, hub.Subscribers())
	assert.Equal(t, HubStats{}, hub.Stats())
}

func TestMemoryHub_ContextEndsSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancelCtx := context.WithCancel(context.Background())

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	cancelCtx()
	assertClosed(t, ch)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestMemoryHub_SlowSubscriberDrops(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(4))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	for i := range 10 {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Sequence: int64(i + 1), Event: schema.EventStepOutput}))
	}

	var seqs []int64
	for len(ch) > 0 {
		seqs = append(seqs, (<-ch).Sequence)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, seqs)

	st := hub.Stats()
	assert.Equal(t, uint64(4), st.Delivered)
	assert.Equal(t, uint64(6), st.Dropped)
}

func TestMemoryHub_ConcurrentPublishAndChurn(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const workers = 20

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = hub.Publish(ctx, StreamEvent{RunID: "run-hot", Event: schema.EventStepOutput})
			}
			if i%5 == 0 {
				_ = hub.Publish(ctx, StreamEvent{RunID: "run-hot", Event: schema.EventFinished})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-hot"})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestMemoryHub_DoneContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{RunID: "run-1"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
