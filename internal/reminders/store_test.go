package reminders

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdeenkov/remindrelay/internal/domain"
	"github.com/avdeenkov/remindrelay/internal/kv/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(memory.NewStore())
}

func testReminder(id string, status domain.ReminderStatus) *domain.Reminder {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Reminder{
		ID:              id,
		RecipientID:     "user-1",
		Message:         "check the backups",
		Timezone:        "UTC",
		Status:          status,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testReminder("rem-1", "")))

	got, err := store.Get(ctx, "rem-1")
	require.NoError(t, err)
	// Empty status defaults to pending.
	assert.Equal(t, domain.ReminderStatusPending, got.Status)

	err = store.Create(ctx, testReminder("rem-1", ""))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, testReminder("rem-1", domain.ReminderStatusPending)))

	require.NoError(t, store.UpdateStatus(ctx, "rem-1", domain.ReminderStatusSent, at))

	got, err := store.Get(ctx, "rem-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusSent, got.Status)
	assert.True(t, got.StatusChangedAt.Equal(at))

	t.Run("illegal transition", func(t *testing.T) {
		err := store.UpdateStatus(ctx, "rem-1", domain.ReminderStatusExpired, at)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("missing reminder", func(t *testing.T) {
		err := store.UpdateStatus(ctx, "missing", domain.ReminderStatusSent, at)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("status index follows the transition", func(t *testing.T) {
		pending, err := store.ListByStatus(ctx, domain.ReminderStatusPending)
		require.NoError(t, err)
		assert.Empty(t, pending)

		sent, err := store.ListByStatus(ctx, domain.ReminderStatusSent)
		require.NoError(t, err)
		require.Len(t, sent, 1)
		assert.Equal(t, "rem-1", sent[0].ID)
	})
}

func TestStore_ListActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, testReminder("rem-pending", domain.ReminderStatusPending)))
	require.NoError(t, store.Create(ctx, testReminder("rem-sent", domain.ReminderStatusPending)))
	require.NoError(t, store.UpdateStatus(ctx, "rem-sent", domain.ReminderStatusSent, at))
	require.NoError(t, store.Create(ctx, testReminder("rem-done", domain.ReminderStatusPending)))
	require.NoError(t, store.UpdateStatus(ctx, "rem-done", domain.ReminderStatusSent, at))
	require.NoError(t, store.UpdateStatus(ctx, "rem-done", domain.ReminderStatusAcknowledged, at))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(active))
	for _, reminder := range active {
		ids = append(ids, reminder.ID)
	}
	assert.ElementsMatch(t, []string{"rem-pending", "rem-sent"}, ids)
}

func TestStore_MarkSent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, testReminder("rem-1", domain.ReminderStatusPending)))
	require.NoError(t, store.MarkSent(ctx, "rem-1", at))

	got, err := store.Get(ctx, "rem-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusSent, got.Status)

	t.Run("already sent is untouched", func(t *testing.T) {
		require.NoError(t, store.MarkSent(ctx, "rem-1", at.Add(time.Minute)))
		got, err := store.Get(ctx, "rem-1")
		require.NoError(t, err)
		assert.True(t, got.StatusChangedAt.Equal(at))
	})

	t.Run("escalated resend is untouched", func(t *testing.T) {
		require.NoError(t, store.UpdateStatus(ctx, "rem-1", domain.ReminderStatusEscalated, at))
		require.NoError(t, store.MarkSent(ctx, "rem-1", at.Add(time.Minute)))
		got, err := store.Get(ctx, "rem-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ReminderStatusEscalated, got.Status)
	})

	t.Run("missing reminder is a no-op", func(t *testing.T) {
		assert.NoError(t, store.MarkSent(ctx, "missing", at))
	})
}

func TestStore_MarkDeliveryExhausted(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)

	t.Run("pending expires", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Create(ctx, testReminder("rem-1", domain.ReminderStatusPending)))
		require.NoError(t, store.MarkDeliveryExhausted(ctx, "rem-1", at))

		got, err := store.Get(ctx, "rem-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ReminderStatusExpired, got.Status)
	})

	t.Run("escalated fails", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Create(ctx, testReminder("rem-1", domain.ReminderStatusPending)))
		require.NoError(t, store.UpdateStatus(ctx, "rem-1", domain.ReminderStatusSent, at))
		require.NoError(t, store.UpdateStatus(ctx, "rem-1", domain.ReminderStatusEscalated, at))
		require.NoError(t, store.MarkDeliveryExhausted(ctx, "rem-1", at))

		got, err := store.Get(ctx, "rem-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ReminderStatusFailed, got.Status)
	})

	t.Run("responded reminder is untouched", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Create(ctx, testReminder("rem-1", domain.ReminderStatusPending)))
		require.NoError(t, store.UpdateStatus(ctx, "rem-1", domain.ReminderStatusSent, at))
		require.NoError(t, store.UpdateStatus(ctx, "rem-1", domain.ReminderStatusAcknowledged, at))
		require.NoError(t, store.MarkDeliveryExhausted(ctx, "rem-1", at))

		got, err := store.Get(ctx, "rem-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ReminderStatusAcknowledged, got.Status)
	})

	t.Run("missing reminder is a no-op", func(t *testing.T) {
		store := newTestStore(t)
		assert.NoError(t, store.MarkDeliveryExhausted(ctx, "missing", at))
	})
}
