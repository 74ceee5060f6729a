// Package escalation drives the reminder escalation state machine:
// reminders whose primary delivery went unanswered past their timeout
// are re-addressed to a secondary recipient.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avdeenkov/remindrelay/internal/delivery"
	"github.com/avdeenkov/remindrelay/internal/domain"
	"github.com/avdeenkov/remindrelay/internal/reminders"
)

// Engine errors.
var (
	ErrNotRespondable = errors.New("reminder is not awaiting a response")
)

// DeliveryScheduler is the slice of the delivery service the engine
// needs: immediate scheduling for the secondary recipient and
// cancellation of still-live items.
type DeliveryScheduler interface {
	ScheduleImmediate(ctx context.Context, reminderID, recipientID, timezone, message string) (*delivery.ScheduleResult, error)
	CancelDelivery(ctx context.Context, reminderID string) error
}

// Config contains engine configuration.
type Config struct {
	ScanInterval time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{ScanInterval: 5 * time.Minute}
}

// Engine periodically scans non-terminal reminders and fires state
// machine transitions whose timeout has elapsed.
type Engine struct {
	config    Config
	store     *reminders.Store
	scheduler DeliveryScheduler
	renderer  *Renderer
	clock     delivery.Clock

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates an escalation engine.
func NewEngine(config Config, store *reminders.Store, scheduler DeliveryScheduler, clock delivery.Clock) *Engine {
	if config.ScanInterval <= 0 {
		config.ScanInterval = DefaultConfig().ScanInterval
	}
	return &Engine{
		config:    config,
		store:     store,
		scheduler: scheduler,
		renderer:  NewRenderer(),
		clock:     clock,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the periodic sweep goroutine.
func (e *Engine) Start(ctx context.Context) {
	slog.Info("starting escalation engine", "scan_interval", e.config.ScanInterval)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.config.ScanInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				if _, err := e.Sweep(ctx, e.clock.Now()); err != nil {
					slog.Error("escalation sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop gracefully stops the engine.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	slog.Info("escalation engine stopped")
}

// SweepResult aggregates one sweep over the non-terminal reminders.
type SweepResult struct {
	Scanned   int
	Escalated int
	Failed    int
}

// Sweep examines every non-terminal reminder, compares the time since
// its last status change against the active rule's timeout, and fires
// the due transitions. Per-reminder errors are logged and do not abort
// the sweep.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list active reminders: %w", err)
	}

	var result SweepResult
	result.Scanned = len(active)

	for _, reminder := range active {
		switch reminder.Status {
		case domain.ReminderStatusSent:
			if !e.timeoutElapsed(reminder, now) {
				continue
			}
			if !reminder.EscalationRule.HasTrigger(domain.TriggerTimeout) &&
				!reminder.EscalationRule.HasTrigger(domain.TriggerNoResponse) {
				continue
			}
			if err := e.escalate(ctx, reminder, now); err != nil {
				slog.Error("escalation failed", "reminder_id", reminder.ID, "error", err)
				continue
			}
			result.Escalated++

		case domain.ReminderStatusEscalated:
			if !e.timeoutElapsed(reminder, now) {
				continue
			}
			if err := e.fail(ctx, reminder, now); err != nil {
				slog.Error("escalation failure transition failed", "reminder_id", reminder.ID, "error", err)
				continue
			}
			result.Failed++
		}
	}
	return result, nil
}

// timeoutElapsed reports whether the reminder's escalation timeout has
// passed since its last status change.
func (e *Engine) timeoutElapsed(reminder *domain.Reminder, now time.Time) bool {
	if reminder.EscalationRule == nil || reminder.EscalationRule.TimeoutMinutes <= 0 {
		return false
	}
	timeout := time.Duration(reminder.EscalationRule.TimeoutMinutes) * time.Minute
	return now.Sub(reminder.StatusChangedAt) >= timeout
}

// escalate transitions the reminder to Escalated and schedules an
// immediate delivery for the secondary recipient. The status transition
// goes first: its conditional write is what stops two replicas from
// escalating the same reminder twice.
func (e *Engine) escalate(ctx context.Context, reminder *domain.Reminder, now time.Time) error {
	if err := e.store.UpdateStatus(ctx, reminder.ID, domain.ReminderStatusEscalated, now); err != nil {
		return err
	}
	recordTransition("escalated")

	message := e.renderer.EscalationMessage(reminder)
	result, err := e.scheduler.ScheduleImmediate(ctx,
		reminder.ID,
		reminder.EscalationRule.SecondaryRecipientID,
		reminder.Timezone,
		message,
	)
	if err != nil {
		// The reminder stays Escalated; the sweep will fail it once the
		// timeout elapses again.
		return fmt.Errorf("schedule escalation delivery: %w", err)
	}

	slog.Info("reminder escalated",
		"reminder_id", reminder.ID,
		"secondary_recipient", reminder.EscalationRule.SecondaryRecipientID,
		"item_id", result.ItemID,
	)
	return nil
}

// fail transitions an escalated reminder that the secondary recipient
// also left unanswered. Any still-live queue item is cancelled first.
func (e *Engine) fail(ctx context.Context, reminder *domain.Reminder, now time.Time) error {
	if err := e.scheduler.CancelDelivery(ctx, reminder.ID); err != nil && !errors.Is(err, delivery.ErrNotFound) {
		return fmt.Errorf("cancel escalation delivery: %w", err)
	}
	if err := e.store.UpdateStatus(ctx, reminder.ID, domain.ReminderStatusFailed, now); err != nil {
		return err
	}
	recordTransition("failed")

	slog.Warn("reminder failed after escalation", "reminder_id", reminder.ID)
	return nil
}

// Acknowledge records the recipient's acknowledgment.
func (e *Engine) Acknowledge(ctx context.Context, reminderID string) error {
	return e.respond(ctx, reminderID,
		domain.ReminderStatusAcknowledged,
		domain.ReminderStatusEscalatedAcknowledged,
		"acknowledged",
	)
}

// Decline records the recipient's decline. When the escalation rule
// lists Declined as a trigger, a declined primary reminder escalates
// immediately instead of terminating.
func (e *Engine) Decline(ctx context.Context, reminderID string) error {
	reminder, err := e.store.Get(ctx, reminderID)
	if err != nil {
		return err
	}

	if reminder.Status == domain.ReminderStatusSent &&
		reminder.EscalationRule != nil &&
		reminder.EscalationRule.HasTrigger(domain.TriggerDeclined) {
		return e.escalate(ctx, reminder, e.clock.Now())
	}

	return e.respond(ctx, reminderID,
		domain.ReminderStatusDeclined,
		domain.ReminderStatusEscalatedDeclined,
		"declined",
	)
}

// respond applies the primary or escalated response transition
// depending on the reminder's current state.
func (e *Engine) respond(ctx context.Context, reminderID string, onSent, onEscalated domain.ReminderStatus, label string) error {
	reminder, err := e.store.Get(ctx, reminderID)
	if err != nil {
		return err
	}

	var next domain.ReminderStatus
	switch reminder.Status {
	case domain.ReminderStatusSent:
		next = onSent
	case domain.ReminderStatusEscalated:
		next = onEscalated
	default:
		return fmt.Errorf("%w: status %s", ErrNotRespondable, reminder.Status)
	}

	if err := e.store.UpdateStatus(ctx, reminderID, next, e.clock.Now()); err != nil {
		return err
	}
	recordTransition(label)
	return nil
}

// Cancel administratively cancels a reminder, removing any still-live
// queue item before marking the reminder cancelled.
func (e *Engine) Cancel(ctx context.Context, reminderID string) error {
	if err := e.scheduler.CancelDelivery(ctx, reminderID); err != nil && !errors.Is(err, delivery.ErrNotFound) {
		return fmt.Errorf("cancel delivery: %w", err)
	}
	if err := e.store.UpdateStatus(ctx, reminderID, domain.ReminderStatusCancelled, e.clock.Now()); err != nil {
		return err
	}
	recordTransition("cancelled")
	return nil
}
