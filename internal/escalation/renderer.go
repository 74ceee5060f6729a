package escalation

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/avdeenkov/remindrelay/internal/domain"
)

var titleCaser = cases.Title(language.English)

// Renderer builds the messages the engine sends on escalation.
type Renderer struct{}

// NewRenderer creates a message renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// EscalationMessage builds the message delivered to the secondary
// recipient when a reminder escalates.
func (r *Renderer) EscalationMessage(reminder *domain.Reminder) string {
	reason := "did not respond in time"
	if reminder.Status == domain.ReminderStatusSent &&
		reminder.EscalationRule != nil &&
		reminder.EscalationRule.HasTrigger(domain.TriggerDeclined) {
		reason = "did not respond or declined"
	}

	return fmt.Sprintf("[Escalation] %s %s.\nOriginal reminder: %s",
		titleCaser.String(humanizeID(reminder.RecipientID)),
		reason,
		reminder.Message,
	)
}

// humanizeID turns a recipient id like "on-call.primary" into words.
func humanizeID(id string) string {
	replacer := strings.NewReplacer("-", " ", "_", " ", ".", " ")
	return replacer.Replace(id)
}
