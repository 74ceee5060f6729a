// Package reminders persists reminder records and their escalation
// state machine on the kv store.
package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avdeenkov/remindrelay/internal/domain"
	"github.com/avdeenkov/remindrelay/internal/kv"
)

// Store errors.
var (
	ErrNotFound          = errors.New("reminder not found")
	ErrAlreadyExists     = errors.New("reminder already exists")
	ErrInvalidTransition = errors.New("invalid reminder status transition")
)

// Key layout:
//
//	reminder/<id>                    reminder record
//	reminder_by_status/<status>/<id> status index (empty value)
const (
	prefixReminder = "reminder/"
	prefixByStatus = "reminder_by_status/"
)

func reminderKey(id string) []byte {
	return []byte(prefixReminder + id)
}

func statusIndexKey(status domain.ReminderStatus, id string) []byte {
	return []byte(prefixByStatus + string(status) + "/" + id)
}

// Store provides reminder persistence with a by-status index so the
// escalation sweep only loads reminders that can still transition.
type Store struct {
	kv kv.Store
}

// NewStore creates a reminder store.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

func encode(reminder *domain.Reminder) ([]byte, error) {
	data, err := json.Marshal(reminder)
	if err != nil {
		return nil, fmt.Errorf("encode reminder: %w", err)
	}
	return data, nil
}

// Create persists a new reminder in Pending status.
func (s *Store) Create(ctx context.Context, reminder *domain.Reminder) error {
	if reminder.Status == "" {
		reminder.Status = domain.ReminderStatusPending
	}
	data, err := encode(reminder)
	if err != nil {
		return err
	}

	var batch kv.Batch
	batch.Expect(reminderKey(reminder.ID), nil)
	batch.Put(reminderKey(reminder.ID), data)
	batch.Put(statusIndexKey(reminder.Status, reminder.ID), nil)

	if err := s.kv.Commit(ctx, &batch); err != nil {
		if errors.Is(err, kv.ErrConditionFailed) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create reminder: %w", err)
	}
	return nil
}

// Get loads a reminder by id.
func (s *Store) Get(ctx context.Context, id string) (*domain.Reminder, error) {
	raw, err := s.kv.Get(ctx, reminderKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get reminder: %w", err)
	}

	var reminder domain.Reminder
	if err := json.Unmarshal(raw, &reminder); err != nil {
		return nil, fmt.Errorf("decode reminder: %w", err)
	}
	return &reminder, nil
}

// UpdateStatus transitions a reminder to the next status, moving its
// status index entry in the same commit. The write is conditioned on
// the record bytes it was read from, so two concurrent transitions
// cannot both apply.
func (s *Store) UpdateStatus(ctx context.Context, id string, next domain.ReminderStatus, at time.Time) error {
	raw, err := s.kv.Get(ctx, reminderKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get reminder: %w", err)
	}

	var reminder domain.Reminder
	if err := json.Unmarshal(raw, &reminder); err != nil {
		return fmt.Errorf("decode reminder: %w", err)
	}

	if !reminder.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, reminder.Status, next)
	}

	prevStatus := reminder.Status
	reminder.Status = next
	reminder.StatusChangedAt = at
	reminder.UpdatedAt = at

	data, err := encode(&reminder)
	if err != nil {
		return err
	}

	var batch kv.Batch
	batch.Expect(reminderKey(id), raw)
	batch.Put(reminderKey(id), data)
	batch.Delete(statusIndexKey(prevStatus, id))
	batch.Put(statusIndexKey(next, id), nil)

	if err := s.kv.Commit(ctx, &batch); err != nil {
		if errors.Is(err, kv.ErrConditionFailed) {
			return fmt.Errorf("%w: concurrent update", ErrInvalidTransition)
		}
		return fmt.Errorf("update reminder status: %w", err)
	}
	return nil
}

// ListByStatus returns all reminders currently in the given status.
func (s *Store) ListByStatus(ctx context.Context, status domain.ReminderStatus) ([]*domain.Reminder, error) {
	start := []byte(prefixByStatus + string(status) + "/")
	entries, err := s.kv.Scan(ctx, start, kv.PrefixEnd(start), 0)
	if err != nil {
		return nil, fmt.Errorf("scan status index: %w", err)
	}

	reminders := make([]*domain.Reminder, 0, len(entries))
	for _, entry := range entries {
		id := string(entry.Key[len(start):])
		reminder, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		// Index entry may lag a concurrent transition.
		if reminder.Status != status {
			continue
		}
		reminders = append(reminders, reminder)
	}
	return reminders, nil
}

// ListActive returns all reminders in a non-terminal status.
func (s *Store) ListActive(ctx context.Context) ([]*domain.Reminder, error) {
	active := make([]*domain.Reminder, 0)
	for _, status := range []domain.ReminderStatus{
		domain.ReminderStatusPending,
		domain.ReminderStatusSent,
		domain.ReminderStatusEscalated,
	} {
		reminders, err := s.ListByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		active = append(active, reminders...)
	}
	return active, nil
}

// MarkSent transitions a pending reminder to sent once the transport
// accepted the message. Reminders already past pending (an escalation
// re-send, a concurrent ack) are left untouched.
func (s *Store) MarkSent(ctx context.Context, reminderID string, at time.Time) error {
	reminder, err := s.Get(ctx, reminderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if reminder.Status != domain.ReminderStatusPending {
		return nil
	}
	err = s.UpdateStatus(ctx, reminderID, domain.ReminderStatusSent, at)
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	return err
}

// MarkDeliveryExhausted records a permanently failed delivery: a
// reminder that never reached its recipient expires, an escalated
// reminder whose secondary delivery exhausted retries fails.
func (s *Store) MarkDeliveryExhausted(ctx context.Context, reminderID string, at time.Time) error {
	reminder, err := s.Get(ctx, reminderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	var next domain.ReminderStatus
	switch reminder.Status {
	case domain.ReminderStatusPending:
		next = domain.ReminderStatusExpired
	case domain.ReminderStatusEscalated:
		next = domain.ReminderStatusFailed
	default:
		return nil
	}

	err = s.UpdateStatus(ctx, reminderID, next, at)
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	return err
}
