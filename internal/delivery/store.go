package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avdeenkov/remindrelay/internal/kv"
)

// DefaultClaimTTL bounds how long a worker may hold a claim before
// another worker can take the item over (crashed-worker recovery).
const DefaultClaimTTL = 2 * time.Minute

// Store persists queue items as one primary record plus three secondary
// indexes, mutated only through the kv store's atomic commit. Callers
// never observe a primary record without its index entries or vice
// versa.
type Store struct {
	kv       kv.Store
	claimTTL time.Duration
}

// NewStore creates a delivery store on top of the given kv store.
func NewStore(store kv.Store, claimTTL time.Duration) *Store {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &Store{kv: store, claimTTL: claimTTL}
}

func encodeItem(item *Item) ([]byte, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	return data, nil
}

func decodeItem(raw []byte) (*Item, error) {
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	item.raw = raw
	return &item, nil
}

// Put writes the primary record and all three index entries in one
// commit. It fails with ErrConflict if a live item already exists for
// the same reminder.
func (s *Store) Put(ctx context.Context, item *Item) error {
	data, err := encodeItem(item)
	if err != nil {
		return err
	}

	var batch kv.Batch
	batch.Expect(reminderIndexKey(item.ReminderID), nil)
	batch.Put(itemKey(item.ID), data)
	batch.Put(dueIndexKey(item.EffectiveDueAt(), item.ID), nil)
	batch.Put(recipientIndexKey(item.RecipientID, item.ID), nil)
	batch.Put(reminderIndexKey(item.ReminderID), []byte(item.ID))

	if err := s.kv.Commit(ctx, &batch); err != nil {
		if errors.Is(err, kv.ErrConditionFailed) {
			return ErrConflict
		}
		return fmt.Errorf("put item: %w", err)
	}
	item.raw = data
	return nil
}

// Get loads a live item by id.
func (s *Store) Get(ctx context.Context, itemID string) (*Item, error) {
	raw, err := s.kv.Get(ctx, itemKey(itemID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return decodeItem(raw)
}

// FindByReminder resolves the single live item for a reminder via the
// reverse index.
func (s *Store) FindByReminder(ctx context.Context, reminderID string) (*Item, error) {
	itemID, err := s.kv.Get(ctx, reminderIndexKey(reminderID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve reminder index: %w", err)
	}
	return s.Get(ctx, string(itemID))
}

// Claim grants the caller exclusive permission to process the item for
// one attempt. The conditional write succeeds only while the stored
// attempt still equals expectedAttempt and no unexpired claim is held.
// Returns ErrClaimConflict when another worker won the race and
// ErrNotFound when the item is already gone.
func (s *Store) Claim(ctx context.Context, itemID string, expectedAttempt int, now time.Time) (*Item, error) {
	item, err := s.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}

	if item.Attempt != expectedAttempt {
		return nil, ErrClaimConflict
	}
	if item.ClaimedAt != nil && now.Sub(*item.ClaimedAt) < s.claimTTL {
		return nil, ErrClaimConflict
	}

	prev := item.raw
	claimed := now
	item.ClaimedAt = &claimed
	item.UpdatedAt = now

	data, err := encodeItem(item)
	if err != nil {
		return nil, err
	}

	var batch kv.Batch
	batch.Expect(itemKey(item.ID), prev)
	batch.Put(itemKey(item.ID), data)

	if err := s.kv.Commit(ctx, &batch); err != nil {
		if errors.Is(err, kv.ErrConditionFailed) {
			return nil, ErrClaimConflict
		}
		return nil, fmt.Errorf("claim item: %w", err)
	}
	item.raw = data
	return item, nil
}

// Reschedule writes the mutated item and moves its due-index entry from
// oldDue to the item's current effective due instant, in one commit.
// The write is conditioned on the bytes the item was loaded from.
func (s *Store) Reschedule(ctx context.Context, item *Item, oldDue time.Time) error {
	data, err := encodeItem(item)
	if err != nil {
		return err
	}

	var batch kv.Batch
	batch.Expect(itemKey(item.ID), item.raw)
	batch.Put(itemKey(item.ID), data)
	batch.Delete(dueIndexKey(oldDue, item.ID))
	batch.Put(dueIndexKey(item.EffectiveDueAt(), item.ID), nil)

	if err := s.kv.Commit(ctx, &batch); err != nil {
		if errors.Is(err, kv.ErrConditionFailed) {
			return ErrClaimConflict
		}
		return fmt.Errorf("reschedule item: %w", err)
	}
	item.raw = data
	return nil
}

// Finalize removes the live item from the primary record and every
// index, and appends the terminal copy to history, in one commit.
func (s *Store) Finalize(ctx context.Context, item *Item, outcome Outcome, at time.Time) error {
	entry := HistoryEntry{Item: *item, Outcome: outcome, RecordedAt: at}
	entry.Item.raw = nil
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}

	var batch kv.Batch
	batch.Expect(itemKey(item.ID), item.raw)
	batch.Delete(itemKey(item.ID))
	batch.Delete(dueIndexKey(item.EffectiveDueAt(), item.ID))
	batch.Delete(recipientIndexKey(item.RecipientID, item.ID))
	batch.Delete(reminderIndexKey(item.ReminderID))
	batch.Put(historyKey(outcome, item.ID), data)

	if err := s.kv.Commit(ctx, &batch); err != nil {
		if errors.Is(err, kv.ErrConditionFailed) {
			return ErrClaimConflict
		}
		return fmt.Errorf("finalize item: %w", err)
	}
	return nil
}

// DueEntry is one due-index entry: the instant an item becomes
// eligible plus its id.
type DueEntry struct {
	DueAt  time.Time
	ItemID string
}

// ScanDue returns ids of items whose effective due instant is at or
// before the given instant, ascending by instant then id. The scan
// reads only the index and does not mutate state.
func (s *Store) ScanDue(ctx context.Context, before time.Time, limit int) ([]DueEntry, error) {
	start := []byte(prefixDueIndex)
	// The due index is inclusive of the boundary instant, so the scan
	// upper bound is the first key strictly after it.
	end := []byte(prefixDueIndex + encodeInstant(before) + "/\xff")

	entries, err := s.kv.Scan(ctx, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("scan due index: %w", err)
	}

	due := make([]DueEntry, 0, len(entries))
	for _, e := range entries {
		at, itemID, err := dueIndexEntry(e.Key)
		if err != nil {
			return nil, err
		}
		due = append(due, DueEntry{DueAt: at, ItemID: itemID})
	}
	return due, nil
}

// AllDue returns every due-index entry, for stats bucketing.
func (s *Store) AllDue(ctx context.Context) ([]DueEntry, error) {
	start := []byte(prefixDueIndex)
	entries, err := s.kv.Scan(ctx, start, kv.PrefixEnd(start), 0)
	if err != nil {
		return nil, fmt.Errorf("scan due index: %w", err)
	}

	due := make([]DueEntry, 0, len(entries))
	for _, e := range entries {
		at, itemID, err := dueIndexEntry(e.Key)
		if err != nil {
			return nil, err
		}
		due = append(due, DueEntry{DueAt: at, ItemID: itemID})
	}
	return due, nil
}

// ListByRecipient returns all live items for a recipient.
func (s *Store) ListByRecipient(ctx context.Context, recipientID string) ([]*Item, error) {
	start := []byte(prefixRecipient + recipientID + "/")
	entries, err := s.kv.Scan(ctx, start, kv.PrefixEnd(start), 0)
	if err != nil {
		return nil, fmt.Errorf("scan recipient index: %w", err)
	}

	items := make([]*Item, 0, len(entries))
	for _, e := range entries {
		item, err := s.Get(ctx, recipientIndexItemID(e.Key, recipientID))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Index entry raced with a finalize; skip.
				continue
			}
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// CountHistory returns the number of history entries for an outcome.
func (s *Store) CountHistory(ctx context.Context, outcome Outcome) (int, error) {
	start := []byte(prefixHistory + string(outcome) + "/")
	entries, err := s.kv.Scan(ctx, start, kv.PrefixEnd(start), 0)
	if err != nil {
		return 0, fmt.Errorf("scan history: %w", err)
	}
	return len(entries), nil
}

// PruneHistory deletes history entries recorded before the given
// instant and returns how many were removed.
func (s *Store) PruneHistory(ctx context.Context, before time.Time) (int, error) {
	start := []byte(prefixHistory)
	entries, err := s.kv.Scan(ctx, start, kv.PrefixEnd(start), 0)
	if err != nil {
		return 0, fmt.Errorf("scan history: %w", err)
	}

	pruned := 0
	for _, e := range entries {
		var entry HistoryEntry
		if err := json.Unmarshal(e.Value, &entry); err != nil {
			return pruned, fmt.Errorf("decode history entry: %w", err)
		}
		if !entry.RecordedAt.Before(before) {
			continue
		}
		var batch kv.Batch
		batch.Delete(e.Key)
		if err := s.kv.Commit(ctx, &batch); err != nil {
			return pruned, fmt.Errorf("prune history entry: %w", err)
		}
		pruned++
	}
	return pruned, nil
}
