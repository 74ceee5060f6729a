package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdeenkov/remindrelay/internal/kv/memory"
)

func newTestQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	clock := newFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	store := NewStore(memory.NewStore(), DefaultClaimTTL)
	return NewQueue(store, DefaultRetryPolicy(), clock), clock
}

func enqueue(t *testing.T, q *Queue, clock *fakeClock, reminderID string, due time.Duration) *Item {
	t.Helper()
	item, err := q.Enqueue(context.Background(), EnqueueInput{
		ReminderID:  reminderID,
		RecipientID: "user-1",
		DueAt:       clock.Now().Add(due),
		Timezone:    "UTC",
		Message:     "stand-up in 5",
	})
	require.NoError(t, err)
	return item
}

func TestQueue_Enqueue(t *testing.T) {
	q, clock := newTestQueue(t)

	item := enqueue(t, q, clock, "rem-1", time.Hour)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, 0, item.Attempt)
	// MaxAttempts falls back to the policy default.
	assert.Equal(t, 3, item.MaxAttempts)

	_, err := q.Enqueue(context.Background(), EnqueueInput{
		ReminderID:  "rem-1",
		RecipientID: "user-1",
		DueAt:       clock.Now().Add(2 * time.Hour),
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestQueue_PollDue(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, clock, "rem-later", 30*time.Minute)
	enqueue(t, q, clock, "rem-soon", 5*time.Minute)
	enqueue(t, q, clock, "rem-future", 2*time.Hour)

	clock.Advance(time.Hour)

	due, err := q.PollDue(ctx, clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	// Ascending by due instant.
	assert.Equal(t, "rem-soon", due[0].ReminderID)
	assert.Equal(t, "rem-later", due[1].ReminderID)
}

func TestQueue_RecordSuccess(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	item := enqueue(t, q, clock, "rem-1", time.Minute)
	clock.Advance(2 * time.Minute)

	claimed, err := q.Claim(ctx, item)
	require.NoError(t, err)

	require.NoError(t, q.RecordSuccess(ctx, claimed.ID))

	stats, err := q.Stats(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Stats{Delivered: 1}, stats)

	// Recording again for the finalized id is a no-op success.
	require.NoError(t, q.RecordSuccess(ctx, claimed.ID))

	stats, err = q.Stats(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delivered)
}

func TestQueue_RecordFailure_Reschedules(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	item := enqueue(t, q, clock, "rem-1", time.Minute)
	clock.Advance(2 * time.Minute)

	claimed, err := q.Claim(ctx, item)
	require.NoError(t, err)

	result, err := q.RecordFailure(ctx, claimed.ID, errors.New("connection reset"))
	require.NoError(t, err)
	assert.True(t, result.WillRetry)
	assert.True(t, result.NextRetryAt.Equal(clock.Now().Add(60*time.Second)))

	// Not due again until the retry instant.
	due, err := q.PollDue(ctx, clock.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	clock.Advance(61 * time.Second)
	due, err = q.PollDue(ctx, clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempt)
	assert.Equal(t, "connection reset", due[0].LastError)
	assert.Nil(t, due[0].ClaimedAt)
}

func TestQueue_RecordFailure_ExhaustsAttempts(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	item := enqueue(t, q, clock, "rem-1", time.Minute)
	clock.Advance(2 * time.Minute)

	for attempt := 0; attempt < 3; attempt++ {
		current, err := q.store.Get(ctx, item.ID)
		require.NoError(t, err)

		claimed, err := q.Claim(ctx, current)
		require.NoError(t, err)

		result, err := q.RecordFailure(ctx, claimed.ID, errors.New("boom"))
		require.NoError(t, err)

		if attempt < 2 {
			assert.True(t, result.WillRetry, "attempt %d", attempt)
			clock.Advance(2 * time.Hour)
		} else {
			assert.False(t, result.WillRetry)
		}
	}

	_, err := q.store.Get(ctx, item.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err := q.Stats(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	// Only a single failed history entry despite three attempts.
	delivered, err := q.store.CountHistory(ctx, OutcomeDelivered)
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
}

func TestQueue_RecordFailure_PermanentErrorSkipsRetry(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	item := enqueue(t, q, clock, "rem-1", time.Minute)
	clock.Advance(2 * time.Minute)

	claimed, err := q.Claim(ctx, item)
	require.NoError(t, err)

	cause := NewPermanentTransportError(errors.New("recipient does not exist"))
	result, err := q.RecordFailure(ctx, claimed.ID, cause)
	require.NoError(t, err)
	assert.False(t, result.WillRetry)

	stats, err := q.Stats(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}

func TestQueue_RecordFailure_MissingItemIsNoop(t *testing.T) {
	q, _ := newTestQueue(t)

	result, err := q.RecordFailure(context.Background(), "missing", errors.New("x"))
	require.NoError(t, err)
	assert.False(t, result.WillRetry)
}

func TestQueue_Cancel(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, clock, "rem-1", time.Hour)

	removed, err := q.Cancel(ctx, "rem-1")
	require.NoError(t, err)
	assert.Equal(t, "rem-1", removed.ReminderID)

	_, err = q.Cancel(ctx, "rem-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Cancelled items leave the reminder free for a new schedule.
	enqueue(t, q, clock, "rem-1", time.Hour)
}

func TestQueue_Stats(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, clock, "rem-due", time.Minute)
	enqueue(t, q, clock, "rem-future", 3*time.Hour)
	clock.Advance(time.Hour)

	stats, err := q.Stats(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Scheduled: 1}, stats)
}

func TestQueue_ListByRecipient(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, clock, "rem-1", time.Hour)
	enqueue(t, q, clock, "rem-2", 2*time.Hour)

	items, err := q.ListByRecipient(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = q.ListByRecipient(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestQueue_PruneHistory(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	item := enqueue(t, q, clock, "rem-1", time.Minute)
	clock.Advance(2 * time.Minute)
	claimed, err := q.Claim(ctx, item)
	require.NoError(t, err)
	require.NoError(t, q.RecordSuccess(ctx, claimed.ID))

	clock.Advance(40 * 24 * time.Hour)

	pruned, err := q.PruneHistory(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = q.PruneHistory(ctx, 0)
	assert.Error(t, err)
}
