package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avdeenkov/remindrelay/internal/pkg/ctxlog"
)

// Transport hands a message to the chat platform. Implementations must
// be idempotent-safe to call twice for the same reminder id: the queue
// guarantees at-least-once, not exactly-once.
type Transport interface {
	Deliver(ctx context.Context, recipientID, message, reminderID string) (messageID string, err error)
}

// StatusRecorder reflects delivery outcomes onto the owning reminder.
type StatusRecorder interface {
	// MarkSent transitions a pending reminder to sent. Reminders past
	// pending (e.g. already escalated) are left untouched.
	MarkSent(ctx context.Context, reminderID string, at time.Time) error

	// MarkDeliveryExhausted records that the delivery ran out of
	// attempts: pending reminders expire, escalated reminders fail.
	MarkDeliveryExhausted(ctx context.Context, reminderID string, at time.Time) error
}

// Service is the façade toward the CRUD layer: it validates a request,
// drives the queue, performs the actual send through the injected
// transport and interprets the outcome.
type Service struct {
	resolver  *TimeResolver
	queue     *Queue
	transport Transport
	recorder  StatusRecorder
	clock     Clock
}

// NewService creates a delivery service.
func NewService(resolver *TimeResolver, queue *Queue, transport Transport, recorder StatusRecorder, clock Clock) *Service {
	return &Service{
		resolver:  resolver,
		queue:     queue,
		transport: transport,
		recorder:  recorder,
		clock:     clock,
	}
}

// ScheduleRequest describes a delivery to schedule.
type ScheduleRequest struct {
	ReminderID  string
	RecipientID string
	LocalTime   string
	Timezone    string
	Message     string
	MaxAttempts int
}

// ScheduleResult reports the scheduled delivery back to the caller.
type ScheduleResult struct {
	ItemID      string    `json:"item_id"`
	DueAt       time.Time `json:"due_at"`
	DisplayTime string    `json:"display_time"`
}

// ScheduleDelivery validates the request through the time resolver and
// enqueues the delivery. Validation failures are returned without
// touching the queue.
func (s *Service) ScheduleDelivery(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error) {
	resolved, err := s.resolver.Resolve(req.LocalTime, req.Timezone)
	if err != nil {
		return nil, err
	}

	item, err := s.queue.Enqueue(ctx, EnqueueInput{
		ReminderID:  req.ReminderID,
		RecipientID: req.RecipientID,
		DueAt:       resolved.Instant,
		Timezone:    req.Timezone,
		DisplayTime: resolved.DisplayTime,
		Message:     req.Message,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	return &ScheduleResult{
		ItemID:      item.ID,
		DueAt:       item.DueAt,
		DisplayTime: item.DisplayTime,
	}, nil
}

// ScheduleImmediate enqueues a delivery due right now, bypassing the
// wall-clock resolver. The escalation engine uses it to re-address an
// unanswered reminder to the secondary recipient.
func (s *Service) ScheduleImmediate(ctx context.Context, reminderID, recipientID, timezone, message string) (*ScheduleResult, error) {
	now := s.clock.Now()

	displayTime := now.UTC().Format(displayTimeLayout)
	if loc, err := time.LoadLocation(timezone); err == nil {
		displayTime = now.In(loc).Format(displayTimeLayout)
	}

	item, err := s.queue.Enqueue(ctx, EnqueueInput{
		ReminderID:  reminderID,
		RecipientID: recipientID,
		DueAt:       now,
		Timezone:    timezone,
		DisplayTime: displayTime,
		Message:     message,
	})
	if err != nil {
		return nil, err
	}

	return &ScheduleResult{
		ItemID:      item.ID,
		DueAt:       item.DueAt,
		DisplayTime: item.DisplayTime,
	}, nil
}

// ProcessResult aggregates one processing cycle.
type ProcessResult struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// ProcessDueDeliveries polls due items and processes each one:
// claim, send through the transport, record the outcome. A claim
// conflict means another worker owns the item and is skipped silently.
// Per-item failures are logged, never returned: one bad item must not
// abort the cycle.
func (s *Service) ProcessDueDeliveries(ctx context.Context, now time.Time) (ProcessResult, error) {
	logger := ctxlog.FromContext(ctx)

	items, err := s.queue.PollDue(ctx, now, 0)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("poll due deliveries: %w", err)
	}

	var result ProcessResult
	for _, item := range items {
		claimed, err := s.queue.Claim(ctx, item)
		if err != nil {
			if errors.Is(err, ErrClaimConflict) || errors.Is(err, ErrNotFound) {
				continue
			}
			logger.Error("claim failed", "item_id", item.ID, "error", err)
			continue
		}

		result.Processed++
		if s.processItem(ctx, claimed) {
			result.Successful++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

// processItem performs one delivery attempt for a claimed item and
// records the outcome. Returns true when the send succeeded.
func (s *Service) processItem(ctx context.Context, item *Item) bool {
	logger := ctxlog.FromContext(ctx)
	start := s.clock.Now()

	messageID, err := s.transport.Deliver(ctx, item.RecipientID, item.Message, item.ReminderID)
	recordSendDuration(time.Since(start))

	if err == nil {
		if recErr := s.queue.RecordSuccess(ctx, item.ID); recErr != nil {
			logger.Error("record success failed", "item_id", item.ID, "error", recErr)
		}
		if recErr := s.recorder.MarkSent(ctx, item.ReminderID, s.clock.Now()); recErr != nil {
			logger.Error("mark reminder sent failed", "reminder_id", item.ReminderID, "error", recErr)
		}
		recordDelivery("delivered")
		logger.Debug("delivery sent",
			"item_id", item.ID,
			"recipient_id", item.RecipientID,
			"message_id", messageID,
		)
		return true
	}

	failure, recErr := s.queue.RecordFailure(ctx, item.ID, err)
	if recErr != nil {
		logger.Error("record failure failed", "item_id", item.ID, "error", recErr)
		return false
	}

	if failure.WillRetry {
		recordDelivery("retry")
		logger.Warn("delivery failed, will retry",
			"item_id", item.ID,
			"attempt", item.Attempt+1,
			"max_attempts", item.MaxAttempts,
			"next_retry_at", failure.NextRetryAt,
			"error", err,
		)
	} else {
		recordDelivery("failed")
		logger.Error("delivery failed permanently",
			"item_id", item.ID,
			"attempts", item.Attempt+1,
			"error", err,
		)
		if recErr := s.recorder.MarkDeliveryExhausted(ctx, item.ReminderID, s.clock.Now()); recErr != nil {
			logger.Error("mark reminder exhausted failed", "reminder_id", item.ReminderID, "error", recErr)
		}
	}
	return false
}

// CancelDelivery removes the live delivery for a reminder.
func (s *Service) CancelDelivery(ctx context.Context, reminderID string) error {
	_, err := s.queue.Cancel(ctx, reminderID)
	if err == nil {
		recordDelivery("cancelled")
	}
	return err
}

// UpdateRequest describes new scheduling parameters for a reminder's
// delivery.
type UpdateRequest struct {
	RecipientID string
	LocalTime   string
	Timezone    string
	Message     string
	MaxAttempts int
}

// UpdateDelivery is implemented as cancel-then-reschedule rather than
// in-place mutation, so the full validation path always re-runs. The
// old delivery is only cancelled after the new parameters validate.
func (s *Service) UpdateDelivery(ctx context.Context, reminderID string, req UpdateRequest) (*ScheduleResult, error) {
	resolved, err := s.resolver.Resolve(req.LocalTime, req.Timezone)
	if err != nil {
		return nil, err
	}

	old, err := s.queue.Cancel(ctx, reminderID)
	if err != nil {
		return nil, err
	}

	if req.RecipientID == "" {
		req.RecipientID = old.RecipientID
	}
	if req.Message == "" {
		req.Message = old.Message
	}

	item, err := s.queue.Enqueue(ctx, EnqueueInput{
		ReminderID:  reminderID,
		RecipientID: req.RecipientID,
		DueAt:       resolved.Instant,
		Timezone:    req.Timezone,
		DisplayTime: resolved.DisplayTime,
		Message:     req.Message,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	return &ScheduleResult{
		ItemID:      item.ID,
		DueAt:       item.DueAt,
		DisplayTime: item.DisplayTime,
	}, nil
}

// GetQueueStats returns the informational queue snapshot.
func (s *Service) GetQueueStats(ctx context.Context) (Stats, error) {
	return s.queue.Stats(ctx, s.clock.Now())
}

// GetUserDeliveries returns the live deliveries scheduled for a
// recipient.
func (s *Service) GetUserDeliveries(ctx context.Context, recipientID string) ([]*Item, error) {
	return s.queue.ListByRecipient(ctx, recipientID)
}
