package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/pkg/schema"
)

func newTestEventLog(t *testing.T, opts ...EventLogOption) (*EventLog, *LibSQLStore, *Run) {
	t.Helper()
	s := newTestStore(t)
	run := seedRun(t, s, seedWorkflow(t, s))
	return NewEventLog(s, opts...), s, run
}

func collect(events *[]*Event) func(*Event) error {
	return func(e *Event) error {
		*events = append(*events, e)
		return nil
	}
}

func TestEventLog_AppendAssignsIncreasingSequence(t *testing.T) {
	el, _, run := newTestEventLog(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		e, err := el.Append(ctx, run.ID, schema.StepStartPayload{Index: i, Agent: "researcher"})
		require.NoError(t, err)
		assert.Equal(t, int64(i), e.Sequence)
		assert.Equal(t, schema.EventStepStart, e.Kind)
		assert.Equal(t, time.UTC, e.Timestamp.Location())
	}

	events, err := el.Since(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)

	var p schema.StepStartPayload
	require.NoError(t, json.Unmarshal(events[2].Payload, &p))
	assert.Equal(t, 3, p.Index)
}

func TestEventLog_ConcurrentAppendsStayOrdered(t *testing.T) {
	el, _, run := newTestEventLog(t)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := el.Append(ctx, run.ID, schema.StepEndPayload{Index: i})
			return err
		})
	}
	require.NoError(t, g.Wait())

	events, err := el.Since(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLog_TimestampsFollowSequence(t *testing.T) {
	var (
		clockMu sync.Mutex
		tick    int
	)
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	el, _, run := newTestEventLog(t, WithEventClock(clock))
	ctx := context.Background()

	var (
		mu       sync.Mutex
		appended []*Event
	)
	var g errgroup.Group
	for i := 0; i < 30; i++ {
		g.Go(func() error {
			e, err := el.Append(ctx, run.ID, schema.StepOutputPayload{Index: i})
			if err != nil {
				return err
			}
			mu.Lock()
			appended = append(appended, e)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, appended, 30)

	for _, e := range appended {
		assert.Equal(t, base.Add(time.Duration(e.Sequence)*time.Second), e.Timestamp,
			"event %d stamped out of order", e.Sequence)
	}
}

func TestEventLog_SequencesArePerRun(t *testing.T) {
	el, s, run := newTestEventLog(t)
	ctx := context.Background()
	other := seedRun(t, s, seedWorkflow(t, s))

	_, err := el.Append(ctx, run.ID, schema.StartedPayload{Workflow: "a"})
	require.NoError(t, err)
	e, err := el.Append(ctx, other.ID, schema.StartedPayload{Workflow: "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Sequence)
}

func TestEventLog_Since(t *testing.T) {
	el, _, run := newTestEventLog(t)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		_, err := el.Append(ctx, run.ID, schema.StepEndPayload{Index: i})
		require.NoError(t, err)
	}

	events, err := el.Since(ctx, run.ID, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Sequence)
	assert.Equal(t, int64(4), events[1].Sequence)

	none, err := el.Since(ctx, run.ID, 4)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEventLog_TailStopsAfterFinished(t *testing.T) {
	el, _, run := newTestEventLog(t, WithTailTiming(10*time.Millisecond, time.Minute))
	ctx := context.Background()

	_, err := el.Append(ctx, run.ID, schema.StartedPayload{Workflow: "wf"})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = el.Append(ctx, run.ID, schema.StepStartPayload{Index: 1})
		_, _ = el.Append(ctx, run.ID, schema.FinishedPayload{Status: schema.RunStatusSuccess})
		_, _ = el.Append(ctx, run.ID, schema.StepEndPayload{Index: 99})
	}()

	var got []*Event
	require.NoError(t, el.Tail(ctx, run.ID, 0, collect(&got)))

	kinds := make([]string, len(got))
	for i, e := range got {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []string{schema.EventStarted, schema.EventStepStart, schema.EventFinished}, kinds)
}

func TestEventLog_TailStopsAfterError(t *testing.T) {
	el, _, run := newTestEventLog(t, WithTailTiming(10*time.Millisecond, time.Minute))
	ctx := context.Background()

	_, err := el.Append(ctx, run.ID, schema.RateLimitHitPayload{Index: 1, Error: "429"})
	require.NoError(t, err)
	_, err = el.Append(ctx, run.ID, schema.ErrorPayload{Message: "rate limited", Status: schema.RunStatusRateLimited})
	require.NoError(t, err)

	var got []*Event
	require.NoError(t, el.Tail(ctx, run.ID, 0, collect(&got)))
	require.Len(t, got, 2)
	assert.Equal(t, schema.EventError, got[1].Kind)
}

func TestEventLog_TailResumesFromSince(t *testing.T) {
	el, _, run := newTestEventLog(t, WithTailTiming(10*time.Millisecond, time.Minute))
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := el.Append(ctx, run.ID, schema.StepEndPayload{Index: i})
		require.NoError(t, err)
	}
	_, err := el.Append(ctx, run.ID, schema.FinishedPayload{Status: schema.RunStatusSuccess})
	require.NoError(t, err)

	var got []*Event
	require.NoError(t, el.Tail(ctx, run.ID, 2, collect(&got)))
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].Sequence)
}

func TestEventLog_TailTimeoutEmitsSyntheticEvent(t *testing.T) {
	el, _, run := newTestEventLog(t, WithTailTiming(5*time.Millisecond, 50*time.Millisecond))

	start := time.Now()
	var got []*Event
	require.NoError(t, el.Tail(context.Background(), run.ID, 0, collect(&got)))

	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, schema.EventTimeout, got[0].Kind)
	assert.JSONEq(t, `{"message":"Stream timeout"}`, string(got[0].Payload))
}

func TestEventLog_TailContextCancelled(t *testing.T) {
	el, _, run := newTestEventLog(t, WithTailTiming(5*time.Millisecond, time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := el.Tail(ctx, run.ID, 0, func(*Event) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventLog_TailWakesOnHubNotification(t *testing.T) {
	hub := streaming.NewMemoryHub()
	// A poll interval far longer than the test proves the hub wakes the tail.
	el, _, run := newTestEventLog(t, WithHub(hub), WithTailTiming(time.Hour, time.Hour))
	ctx := context.Background()

	done := make(chan error, 1)
	var got []*Event
	go func() { done <- el.Tail(ctx, run.ID, 0, collect(&got)) }()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	_, err := el.Append(ctx, run.ID, schema.FinishedPayload{Status: schema.RunStatusSuccess})
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("tail did not wake on hub notification")
	}
	require.Len(t, got, 1)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestEventLog_AppendPublishesToHub(t *testing.T) {
	hub := streaming.NewMemoryHub()
	el, _, run := newTestEventLog(t, WithHub(hub))
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{RunID: run.ID})
	require.NoError(t, err)
	defer cancel()

	_, err = el.Append(context.Background(), run.ID, schema.StartedPayload{Workflow: "wf"})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, int64(1), ev.Sequence)
		assert.Equal(t, schema.EventStarted, ev.Event)
	case <-time.After(time.Second):
		t.Fatal("no hub event")
	}
}

func TestEventLog_TailEmitErrorStops(t *testing.T) {
	el, _, run := newTestEventLog(t, WithTailTiming(5*time.Millisecond, time.Minute))
	ctx := context.Background()
	_, err := el.Append(ctx, run.ID, schema.StartedPayload{Workflow: "wf"})
	require.NoError(t, err)

	boom := schema.NewError(schema.ErrCodeExecution, "client gone")
	err = el.Tail(ctx, run.ID, 0, func(*Event) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestEventLog_ReadersSeeAppendOrder(t *testing.T) {
	el, _, run := newTestEventLog(t, WithTailTiming(2*time.Millisecond, time.Minute))
	ctx := context.Background()

	const readers = 3
	var wg sync.WaitGroup
	results := make([][]*Event, readers)
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = el.Tail(ctx, run.ID, 0, collect(&results[r]))
		}()
	}

	for i := 1; i <= 10; i++ {
		_, err := el.Append(ctx, run.ID, schema.StepEndPayload{Index: i})
		require.NoError(t, err)
	}
	_, err := el.Append(ctx, run.ID, schema.FinishedPayload{Status: schema.RunStatusSuccess})
	require.NoError(t, err)
	wg.Wait()

	for _, got := range results {
		require.Len(t, got, 11)
		for i, e := range got {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	}
}

func TestEnvelope_SSEFrame(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	frame := NewEnvelope(&Event{
		Kind:      schema.EventStepStart,
		Payload:   json.RawMessage(`{"index":1}`),
		Timestamp: ts,
	}).String()

	require.True(t, strings.HasPrefix(frame, "data: "))
	require.True(t, strings.HasSuffix(frame, "\n\n"))
	body := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")
	assert.JSONEq(t, `{"ts":"2025-03-01T12:00:00Z","event":"step:start","data":{"index":1}}`, body)

	empty := NewEnvelope(&Event{Kind: schema.EventFinished, Timestamp: ts})
	assert.JSONEq(t, `{}`, string(empty.Data))
}
