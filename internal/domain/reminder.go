package domain

import "time"

// ReminderStatus represents where a reminder is in its delivery and
// escalation lifecycle.
type ReminderStatus string

// Reminder statuses.
const (
	ReminderStatusPending               ReminderStatus = "pending"
	ReminderStatusSent                  ReminderStatus = "sent"
	ReminderStatusAcknowledged          ReminderStatus = "acknowledged"
	ReminderStatusDeclined              ReminderStatus = "declined"
	ReminderStatusEscalated             ReminderStatus = "escalated"
	ReminderStatusEscalatedAcknowledged ReminderStatus = "escalated_acknowledged"
	ReminderStatusEscalatedDeclined     ReminderStatus = "escalated_declined"
	ReminderStatusFailed                ReminderStatus = "failed"
	ReminderStatusCancelled             ReminderStatus = "cancelled"
	ReminderStatusExpired               ReminderStatus = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s ReminderStatus) IsTerminal() bool {
	switch s {
	case ReminderStatusAcknowledged,
		ReminderStatusDeclined,
		ReminderStatusEscalatedAcknowledged,
		ReminderStatusEscalatedDeclined,
		ReminderStatusFailed,
		ReminderStatusCancelled,
		ReminderStatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal step
// in the reminder state machine.
func (s ReminderStatus) CanTransition(next ReminderStatus) bool {
	switch s {
	case ReminderStatusPending:
		return next == ReminderStatusSent ||
			next == ReminderStatusExpired ||
			next == ReminderStatusCancelled
	case ReminderStatusSent:
		return next == ReminderStatusAcknowledged ||
			next == ReminderStatusDeclined ||
			next == ReminderStatusEscalated ||
			next == ReminderStatusCancelled
	case ReminderStatusEscalated:
		return next == ReminderStatusEscalatedAcknowledged ||
			next == ReminderStatusEscalatedDeclined ||
			next == ReminderStatusFailed ||
			next == ReminderStatusCancelled
	}
	return false
}

// EscalationTrigger names a condition that fires an escalation.
type EscalationTrigger string

// Escalation triggers.
const (
	TriggerTimeout    EscalationTrigger = "timeout"
	TriggerDeclined   EscalationTrigger = "declined"
	TriggerNoResponse EscalationTrigger = "no_response"
)

// EscalationRule configures how an unanswered reminder escalates.
type EscalationRule struct {
	SecondaryRecipientID string              `json:"secondary_recipient_id"`
	TimeoutMinutes       int                 `json:"timeout_minutes"`
	Triggers             []EscalationTrigger `json:"triggers"`
}

// HasTrigger reports whether the rule contains the given trigger.
func (r *EscalationRule) HasTrigger(trigger EscalationTrigger) bool {
	for _, t := range r.Triggers {
		if t == trigger {
			return true
		}
	}
	return false
}

// Reminder is the scheduled message a recipient is notified about.
type Reminder struct {
	ID              string          `json:"id"`
	RecipientID     string          `json:"recipient_id"`
	Message         string          `json:"message"`
	Timezone        string          `json:"timezone"`
	Status          ReminderStatus  `json:"status"`
	EscalationRule  *EscalationRule `json:"escalation_rule,omitempty"`
	StatusChangedAt time.Time       `json:"status_changed_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
