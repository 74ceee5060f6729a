package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue orchestrates enqueue, due-item polling and success/failure
// bookkeeping against the Store, and owns the retry schedule.
type Queue struct {
	store  *Store
	policy RetryPolicy
	clock  Clock
}

// NewQueue creates a delivery queue.
func NewQueue(store *Store, policy RetryPolicy, clock Clock) *Queue {
	return &Queue{store: store, policy: policy, clock: clock}
}

// EnqueueInput describes a delivery to add to the queue.
type EnqueueInput struct {
	ReminderID  string
	RecipientID string
	DueAt       time.Time
	Timezone    string
	DisplayTime string
	Message     string
	MaxAttempts int
}

// Enqueue adds a new live item. It fails with ErrConflict if a live
// item already exists for the reminder: the at-most-one-live-item
// invariant is enforced explicitly rather than by silent overwrite.
func (q *Queue) Enqueue(ctx context.Context, in EnqueueInput) (*Item, error) {
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = q.policy.MaxAttempts
	}

	now := q.clock.Now()
	item := &Item{
		ID:          uuid.New().String(),
		ReminderID:  in.ReminderID,
		RecipientID: in.RecipientID,
		DueAt:       in.DueAt.UTC(),
		Timezone:    in.Timezone,
		DisplayTime: in.DisplayTime,
		Message:     in.Message,
		Attempt:     0,
		MaxAttempts: in.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := q.store.Put(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// PollDue returns items whose effective due instant is at or before
// now, in non-decreasing due order. Callers must Claim an item before
// acting on it.
func (q *Queue) PollDue(ctx context.Context, now time.Time, limit int) ([]*Item, error) {
	entries, err := q.store.ScanDue(ctx, now, limit)
	if err != nil {
		return nil, err
	}

	items := make([]*Item, 0, len(entries))
	for _, entry := range entries {
		item, err := q.store.Get(ctx, entry.ItemID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Finalized between index scan and load; skip.
				continue
			}
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Claim takes exclusive ownership of the item for its current attempt.
func (q *Queue) Claim(ctx context.Context, item *Item) (*Item, error) {
	return q.store.Claim(ctx, item.ID, item.Attempt, q.clock.Now())
}

// RecordSuccess removes the item from all active structures and appends
// it to delivered history. Calling it for an id that is already gone is
// a no-op success: a crash between delivery and bookkeeping must be
// safely retryable.
func (q *Queue) RecordSuccess(ctx context.Context, itemID string) error {
	item, err := q.store.Get(ctx, itemID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	now := q.clock.Now()
	item.Attempt++
	item.ClaimedAt = nil
	item.UpdatedAt = now

	err = q.store.Finalize(ctx, item, OutcomeDelivered, now)
	if err != nil && errors.Is(err, ErrClaimConflict) {
		// Lost a race with another recorder; the item reached a
		// terminal state either way.
		return nil
	}
	return err
}

// FailureResult reports what RecordFailure decided.
type FailureResult struct {
	WillRetry   bool
	NextRetryAt time.Time
}

// RecordFailure increments the attempt count and either reschedules the
// item per the retry policy or moves it to failed history once attempts
// are exhausted. Like RecordSuccess it is a no-op for ids already gone.
func (q *Queue) RecordFailure(ctx context.Context, itemID string, cause error) (FailureResult, error) {
	item, err := q.store.Get(ctx, itemID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return FailureResult{}, nil
		}
		return FailureResult{}, err
	}

	now := q.clock.Now()
	oldDue := item.EffectiveDueAt()

	item.Attempt++
	item.ClaimedAt = nil
	item.UpdatedAt = now
	if cause != nil {
		item.LastError = cause.Error()
	}

	if !q.policy.ShouldRetry(item.Attempt, item.MaxAttempts) || !isRetryable(cause) {
		if err := q.store.Finalize(ctx, item, OutcomeFailed, now); err != nil {
			if errors.Is(err, ErrClaimConflict) {
				return FailureResult{}, nil
			}
			return FailureResult{}, err
		}
		return FailureResult{WillRetry: false}, nil
	}

	next := now.Add(q.policy.NextDelay(item.Attempt))
	item.NextRetryAt = &next

	if err := q.store.Reschedule(ctx, item, oldDue); err != nil {
		if errors.Is(err, ErrClaimConflict) {
			return FailureResult{}, nil
		}
		return FailureResult{}, err
	}
	return FailureResult{WillRetry: true, NextRetryAt: next}, nil
}

// Cancel removes the live item for a reminder and appends a cancelled
// history entry. Returns the removed item, or ErrNotFound if the
// reminder has no live item.
func (q *Queue) Cancel(ctx context.Context, reminderID string) (*Item, error) {
	item, err := q.store.FindByReminder(ctx, reminderID)
	if err != nil {
		return nil, err
	}

	now := q.clock.Now()
	item.UpdatedAt = now

	if err := q.store.Finalize(ctx, item, OutcomeCancelled, now); err != nil {
		if errors.Is(err, ErrClaimConflict) {
			// The item reached a terminal state concurrently.
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// ListByRecipient returns all live items for a recipient, for
// user-facing "your upcoming notifications" queries.
func (q *Queue) ListByRecipient(ctx context.Context, recipientID string) ([]*Item, error) {
	return q.store.ListByRecipient(ctx, recipientID)
}

// Stats is an informational snapshot of the queue; it is never
// authoritative for control flow.
type Stats struct {
	Pending   int `json:"pending"`
	Scheduled int `json:"scheduled"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Stats counts live items that are due (pending) or future (scheduled)
// relative to now, plus terminal history by outcome.
func (q *Queue) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats

	due, err := q.store.AllDue(ctx)
	if err != nil {
		return Stats{}, err
	}
	for _, entry := range due {
		if entry.DueAt.After(now) {
			stats.Scheduled++
		} else {
			stats.Pending++
		}
	}

	if stats.Delivered, err = q.store.CountHistory(ctx, OutcomeDelivered); err != nil {
		return Stats{}, err
	}
	if stats.Failed, err = q.store.CountHistory(ctx, OutcomeFailed); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// PruneHistory removes terminal history entries older than the given
// retention period.
func (q *Queue) PruneHistory(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive")
	}
	return q.store.PruneHistory(ctx, q.clock.Now().Add(-retention))
}
