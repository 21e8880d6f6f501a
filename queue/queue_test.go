package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearmarket/go-sync/store"
)

// capture records handler invocations, optionally failing the first n.
type capture struct {
	mutex sync.Mutex
	ids   []string
	fail  map[string]int // id -> failures left
}

func (c *capture) handler(_ context.Context, a *Action) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.ids = append(c.ids, a.ID)
	if left, ok := c.fail[a.ID]; ok && left > 0 {
		c.fail[a.ID] = left - 1
		return errors.New("backend unavailable")
	}
	return nil
}

func (c *capture) calls() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]string(nil), c.ids...)
}

func allTypes(h Handler) map[ActionType]Handler {
	m := make(map[ActionType]Handler)
	for t := range typeDefaults {
		m[t] = h
	}
	return m
}

func TestAddPersistsAndReportsPending(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := New(st, allTypes(func(context.Context, *Action) error { return nil }))

	id, err := q.AddMessage(ctx, "c1", "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	s, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.PendingActions)
	assert.Equal(t, 0, s.FailedActions)
	assert.True(t, s.LastSyncTime.IsZero())

	// A second queue over the same store sees the action: durability.
	q2 := New(st, allTypes(func(context.Context, *Action) error { return nil }))
	s2, err := q2.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s2.PendingActions)
}

func TestAddRejectsUnhandledType(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory(), map[ActionType]Handler{
		TypeMessage: func(context.Context, *Action) error { return nil },
	})

	_, err := q.AddMessage(ctx, "c1", "hi")
	assert.NoError(t, err)
	_, err = q.AddPing(ctx, "l1", "")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestProcessAppliesAndRemoves(t *testing.T) {
	ctx := context.Background()
	cap := &capture{}
	q := New(store.NewMemory(), allTypes(cap.handler))

	_, err := q.AddMessage(ctx, "c1", "hi")
	require.NoError(t, err)

	result, err := q.Process(ctx)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, []ActionType{TypeMessage}, result.SucceededTypes)

	s, _ := q.Status(ctx)
	assert.Equal(t, 0, s.PendingActions)
	assert.False(t, s.LastSyncTime.IsZero())
}

func TestProcessOrdersPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	cap := &capture{}
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	q := New(store.NewMemory(), allTypes(cap.handler), withClock(clock))

	// Enqueued low, then high, then high, then medium.
	low, err := q.Add(ctx, &ListingUpdatePayload{ListingID: "l1"}, PriorityLow, 3)
	require.NoError(t, err)
	high1, err := q.Add(ctx, &MessagePayload{ChatID: "c1", Text: "a"}, PriorityHigh, 5)
	require.NoError(t, err)
	high2, err := q.Add(ctx, &MessagePayload{ChatID: "c1", Text: "b"}, PriorityHigh, 5)
	require.NoError(t, err)
	medium, err := q.Add(ctx, &ProfileUpdatePayload{}, PriorityMedium, 3)
	require.NoError(t, err)

	_, err = q.Process(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{high1, high2, medium, low}, cap.calls())
}

func TestRetryThenTerminalFailure(t *testing.T) {
	ctx := context.Background()
	var completions []Result
	cap := &capture{fail: map[string]int{}}
	q := New(store.NewMemory(), allTypes(cap.handler),
		WithOnComplete(func(r Result) { completions = append(completions, r) }))

	id, err := q.Add(ctx, &PingPayload{ListingID: "l1"}, PriorityHigh, 2)
	require.NoError(t, err)
	cap.fail[id] = 99 // always fails

	// First pass: retry budget remains.
	result, err := q.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	assert.Empty(t, result.NewlyFailed)

	s, _ := q.Status(ctx)
	assert.Equal(t, 1, s.PendingActions)

	// Second pass: retries exhausted, terminal failed.
	result, err = q.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, result.NewlyFailed)

	s, _ = q.Status(ctx)
	assert.Equal(t, 0, s.PendingActions)
	assert.Equal(t, 1, s.FailedActions)
	assert.Equal(t, 1, s.TotalActions)

	// Terminal actions are excluded from later passes.
	before := len(cap.calls())
	_, err = q.Process(ctx)
	require.NoError(t, err)
	assert.Len(t, cap.calls(), before)

	require.Len(t, completions, 3)
	assert.Equal(t, []string{id}, completions[1].NewlyFailed)
}

func TestConcurrentProcessRunsHandlersOnce(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var mutex sync.Mutex
	var calls int

	slow := func(_ context.Context, a *Action) error {
		mutex.Lock()
		calls++
		mutex.Unlock()
		<-release
		return nil
	}
	q := New(store.NewMemory(), allTypes(slow))

	_, err := q.AddMessage(ctx, "c1", "one")
	require.NoError(t, err)
	_, err = q.AddMessage(ctx, "c1", "two")
	require.NoError(t, err)

	results := make(chan Result, 2)
	go func() {
		r, _ := q.Process(ctx)
		results <- r
	}()
	// Give the first pass time to claim the processing flag.
	time.Sleep(50 * time.Millisecond)
	go func() {
		r, _ := q.Process(ctx)
		results <- r
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	first, second := <-results, <-results
	// Exactly one pass ran; the other was skipped.
	assert.True(t, first.Skipped != second.Skipped)
	mutex.Lock()
	assert.Equal(t, 2, calls)
	mutex.Unlock()
}

func TestRetryFailedReArms(t *testing.T) {
	ctx := context.Background()
	cap := &capture{fail: map[string]int{}}
	q := New(store.NewMemory(), allTypes(cap.handler))

	id, err := q.Add(ctx, &MessagePayload{ChatID: "c1", Text: "hi"}, PriorityHigh, 1)
	require.NoError(t, err)
	cap.fail[id] = 1

	_, err = q.Process(ctx)
	require.NoError(t, err)
	s, _ := q.Status(ctx)
	require.Equal(t, 1, s.FailedActions)

	require.NoError(t, q.RetryFailed(ctx, id))
	s, _ = q.Status(ctx)
	assert.Equal(t, 1, s.PendingActions)
	assert.Equal(t, 0, s.FailedActions)

	// Re-armed action is not failed, so retrying again is an error.
	assert.ErrorIs(t, q.RetryFailed(ctx, id), ErrNotFailed)
	assert.ErrorIs(t, q.RetryFailed(ctx, "nope"), ErrNotFound)

	result, err := q.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
}

func TestClearDropsEverything(t *testing.T) {
	ctx := context.Background()
	cap := &capture{fail: map[string]int{}}
	q := New(store.NewMemory(), allTypes(cap.handler))

	id, err := q.Add(ctx, &MessagePayload{ChatID: "c1", Text: "x"}, PriorityHigh, 1)
	require.NoError(t, err)
	cap.fail[id] = 1
	_, err = q.Process(ctx) // moves it to failed
	require.NoError(t, err)
	_, err = q.AddPing(ctx, "l1", "")
	require.NoError(t, err)

	require.NoError(t, q.Clear(ctx))
	s, _ := q.Status(ctx)
	assert.Equal(t, 0, s.TotalActions)
}

func TestRecordSurvivesDecodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := New(st, allTypes(func(context.Context, *Action) error { return nil }))

	id, err := q.AddPing(ctx, "l7", "interested")
	require.NoError(t, err)

	action, err := q.get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TypePing, action.Type)
	assert.Equal(t, PriorityHigh, action.Priority)
	assert.Equal(t, 5, action.MaxRetries)
	p, ok := action.Payload.(*PingPayload)
	require.True(t, ok)
	assert.Equal(t, "l7", p.ListingID)
	assert.Equal(t, "interested", p.Message)
}
