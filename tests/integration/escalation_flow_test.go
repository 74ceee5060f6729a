//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdeenkov/remindrelay/internal/delivery"
	"github.com/avdeenkov/remindrelay/internal/domain"
	"github.com/avdeenkov/remindrelay/internal/escalation"
	kvpostgres "github.com/avdeenkov/remindrelay/internal/kv/postgres"
	"github.com/avdeenkov/remindrelay/internal/reminders"
)

type sentMessage struct {
	RecipientID string
	Message     string
	ReminderID  string
}

// recordingTransport accepts every send and remembers it.
type recordingTransport struct {
	mu    sync.Mutex
	sends []sentMessage
}

func (r *recordingTransport) Deliver(_ context.Context, recipientID, message, reminderID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, sentMessage{RecipientID: recipientID, Message: message, ReminderID: reminderID})
	return "msg-" + uuid.New().String(), nil
}

func (r *recordingTransport) Sends() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sends...)
}

// escalationHarness wires the full pipeline over the shared database,
// with a hand-advanced clock and a recording transport in place of the
// chat platform.
type escalationHarness struct {
	clock     *manualClock
	transport *recordingTransport
	reminders *reminders.Store
	service   *delivery.Service
	engine    *escalation.Engine
}

func newEscalationHarness() *escalationHarness {
	clock := newManualClock()
	transport := &recordingTransport{}

	store := kvpostgres.NewStore(testDB)
	reminderStore := reminders.NewStore(store)
	queue := delivery.NewQueue(
		delivery.NewStore(store, 2*time.Minute),
		delivery.DefaultRetryPolicy(),
		clock,
	)
	service := delivery.NewService(
		delivery.NewTimeResolver(clock),
		queue,
		transport,
		reminderStore,
		clock,
	)
	engine := escalation.NewEngine(
		escalation.Config{ScanInterval: time.Hour},
		reminderStore,
		service,
		clock,
	)

	return &escalationHarness{
		clock:     clock,
		transport: transport,
		reminders: reminderStore,
		service:   service,
		engine:    engine,
	}
}

// createReminder stores a pending reminder and schedules its delivery
// due right now.
func (h *escalationHarness) createReminder(t *testing.T, rule *domain.EscalationRule) *domain.Reminder {
	t.Helper()

	now := h.clock.Now()
	reminder := &domain.Reminder{
		ID:              uuid.New().String(),
		RecipientID:     "primary-" + uuid.New().String(),
		Message:         "water the plants",
		Timezone:        "UTC",
		Status:          domain.ReminderStatusPending,
		EscalationRule:  rule,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, h.reminders.Create(context.Background(), reminder))

	_, err := h.service.ScheduleImmediate(context.Background(),
		reminder.ID, reminder.RecipientID, reminder.Timezone, reminder.Message)
	require.NoError(t, err)
	return reminder
}

// deliverDue runs one processing cycle and requires every processed
// item to succeed.
func (h *escalationHarness) deliverDue(t *testing.T) {
	t.Helper()

	result, err := h.service.ProcessDueDeliveries(context.Background(), h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, result.Processed, result.Successful)
}

func (h *escalationHarness) reminderStatus(t *testing.T, id string) domain.ReminderStatus {
	t.Helper()

	reminder, err := h.reminders.Get(context.Background(), id)
	require.NoError(t, err)
	return reminder.Status
}

// sendsFor filters the transport log down to one reminder, so state
// left behind by other tests sharing the database never interferes.
func (h *escalationHarness) sendsFor(reminderID string) []sentMessage {
	var out []sentMessage
	for _, send := range h.transport.Sends() {
		if send.ReminderID == reminderID {
			out = append(out, send)
		}
	}
	return out
}

func TestEscalation_TimeoutReaddressesToSecondary(t *testing.T) {
	ctx := context.Background()
	h := newEscalationHarness()

	reminder := h.createReminder(t, &domain.EscalationRule{
		SecondaryRecipientID: "backup-" + uuid.New().String(),
		TimeoutMinutes:       30,
		Triggers:             []domain.EscalationTrigger{domain.TriggerTimeout},
	})

	h.deliverDue(t)
	require.Equal(t, domain.ReminderStatusSent, h.reminderStatus(t, reminder.ID))

	sends := h.sendsFor(reminder.ID)
	require.Len(t, sends, 1)
	assert.Equal(t, reminder.RecipientID, sends[0].RecipientID)
	assert.Equal(t, "water the plants", sends[0].Message)

	// Before the timeout the sweep leaves the reminder alone.
	h.clock.Advance(29 * time.Minute)
	_, err := h.engine.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusSent, h.reminderStatus(t, reminder.ID))

	// Past the timeout it escalates and schedules the secondary send.
	h.clock.Advance(2 * time.Minute)
	_, err = h.engine.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, domain.ReminderStatusEscalated, h.reminderStatus(t, reminder.ID))

	h.deliverDue(t)
	sends = h.sendsFor(reminder.ID)
	require.Len(t, sends, 2)
	assert.Equal(t, reminder.EscalationRule.SecondaryRecipientID, sends[1].RecipientID)
	assert.Contains(t, sends[1].Message, "[Escalation]")
	assert.Contains(t, sends[1].Message, "water the plants")

	// A repeated sweep right after escalating must not escalate again.
	_, err = h.engine.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Len(t, h.sendsFor(reminder.ID), 2)

	// The secondary recipient resolves it.
	require.NoError(t, h.engine.Acknowledge(ctx, reminder.ID))
	assert.Equal(t, domain.ReminderStatusEscalatedAcknowledged, h.reminderStatus(t, reminder.ID))
}

func TestEscalation_SecondaryUnansweredFails(t *testing.T) {
	ctx := context.Background()
	h := newEscalationHarness()

	reminder := h.createReminder(t, &domain.EscalationRule{
		SecondaryRecipientID: "backup-" + uuid.New().String(),
		TimeoutMinutes:       15,
		Triggers:             []domain.EscalationTrigger{domain.TriggerNoResponse},
	})

	h.deliverDue(t)

	h.clock.Advance(16 * time.Minute)
	_, err := h.engine.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, domain.ReminderStatusEscalated, h.reminderStatus(t, reminder.ID))

	h.deliverDue(t)

	// The secondary recipient also stays silent.
	h.clock.Advance(16 * time.Minute)
	_, err = h.engine.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusFailed, h.reminderStatus(t, reminder.ID))

	// Terminal reminders take no further responses.
	assert.Error(t, h.engine.Acknowledge(ctx, reminder.ID))
}

func TestEscalation_DeclineTriggerEscalatesImmediately(t *testing.T) {
	ctx := context.Background()
	h := newEscalationHarness()

	reminder := h.createReminder(t, &domain.EscalationRule{
		SecondaryRecipientID: "backup-" + uuid.New().String(),
		TimeoutMinutes:       30,
		Triggers:             []domain.EscalationTrigger{domain.TriggerDeclined},
	})

	h.deliverDue(t)
	require.Equal(t, domain.ReminderStatusSent, h.reminderStatus(t, reminder.ID))

	// Declining skips the timeout entirely.
	require.NoError(t, h.engine.Decline(ctx, reminder.ID))
	require.Equal(t, domain.ReminderStatusEscalated, h.reminderStatus(t, reminder.ID))

	h.deliverDue(t)
	sends := h.sendsFor(reminder.ID)
	require.Len(t, sends, 2)
	assert.Equal(t, reminder.EscalationRule.SecondaryRecipientID, sends[1].RecipientID)
	assert.Contains(t, sends[1].Message, "declined")
}

func TestEscalation_DeclineWithoutTriggerTerminates(t *testing.T) {
	ctx := context.Background()
	h := newEscalationHarness()

	reminder := h.createReminder(t, &domain.EscalationRule{
		SecondaryRecipientID: "backup-" + uuid.New().String(),
		TimeoutMinutes:       30,
		Triggers:             []domain.EscalationTrigger{domain.TriggerTimeout},
	})

	h.deliverDue(t)

	require.NoError(t, h.engine.Decline(ctx, reminder.ID))
	assert.Equal(t, domain.ReminderStatusDeclined, h.reminderStatus(t, reminder.ID))

	// Declined is terminal when the rule only escalates on timeout.
	h.clock.Advance(31 * time.Minute)
	_, err := h.engine.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusDeclined, h.reminderStatus(t, reminder.ID))
	assert.Len(t, h.sendsFor(reminder.ID), 1)
}
