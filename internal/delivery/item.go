package delivery

import "time"

// Outcome is the terminal result recorded in history when an item
// leaves the live queue.
type Outcome string

// Terminal outcomes.
const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Item is one pending or in-flight delivery attempt in the queue.
type Item struct {
	ID          string     `json:"id"`
	ReminderID  string     `json:"reminder_id"`
	RecipientID string     `json:"recipient_id"`
	DueAt       time.Time  `json:"due_at"`
	Timezone    string     `json:"timezone"`
	DisplayTime string     `json:"display_time"`
	Message     string     `json:"message"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// raw holds the encoded bytes the item was loaded from, used as the
	// compare value for conditional writes.
	raw []byte
}

// EffectiveDueAt returns the instant the item becomes eligible for an
// attempt: the retry instant once one is set, the original due instant
// otherwise.
func (i *Item) EffectiveDueAt() time.Time {
	if i.NextRetryAt != nil {
		return *i.NextRetryAt
	}
	return i.DueAt
}

// HistoryEntry is the append-only terminal copy of a queue item.
type HistoryEntry struct {
	Item       Item      `json:"item"`
	Outcome    Outcome   `json:"outcome"`
	RecordedAt time.Time `json:"recorded_at"`
}
