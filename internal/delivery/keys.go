package delivery

import (
	"fmt"
	"strings"
	"time"
)

// Key layout in the kv store. The due index encodes the instant as a
// zero-padded unix-nano string so lexicographic key order matches
// chronological order, with the item id as tiebreaker.
//
//	queue/<itemID>                          primary record
//	queue_by_instant/<instant>/<itemID>     due index
//	queue_by_recipient/<recipientID>/<itemID>
//	queue_by_reminder/<reminderID>          -> itemID
//	history/<outcome>/<itemID>              terminal records
const (
	prefixQueue     = "queue/"
	prefixDueIndex  = "queue_by_instant/"
	prefixRecipient = "queue_by_recipient/"
	prefixReminder  = "queue_by_reminder/"
	prefixHistory   = "history/"
)

func encodeInstant(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func itemKey(itemID string) []byte {
	return []byte(prefixQueue + itemID)
}

func dueIndexKey(due time.Time, itemID string) []byte {
	return []byte(prefixDueIndex + encodeInstant(due) + "/" + itemID)
}

func recipientIndexKey(recipientID, itemID string) []byte {
	return []byte(prefixRecipient + recipientID + "/" + itemID)
}

func reminderIndexKey(reminderID string) []byte {
	return []byte(prefixReminder + reminderID)
}

func historyKey(outcome Outcome, itemID string) []byte {
	return []byte(prefixHistory + string(outcome) + "/" + itemID)
}

// dueIndexEntry splits a due-index key back into instant and item id.
func dueIndexEntry(key []byte) (time.Time, string, error) {
	rest := strings.TrimPrefix(string(key), prefixDueIndex)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed due index key %q", key)
	}
	var nanos int64
	if _, err := fmt.Sscanf(parts[0], "%d", &nanos); err != nil {
		return time.Time{}, "", fmt.Errorf("malformed due index instant %q: %w", parts[0], err)
	}
	return time.Unix(0, nanos).UTC(), parts[1], nil
}

// recipientIndexItemID extracts the item id from a recipient index key.
func recipientIndexItemID(key []byte, recipientID string) string {
	return strings.TrimPrefix(string(key), prefixRecipient+recipientID+"/")
}
