package chat

import "time"

// Status is an event chat's availability, derived purely from time and
// recomputed on every access — it is never cached.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusArchived Status = "archived"
)

// ArchiveAfter is how long past the event's end a chat stays readable
// before it is archived.
const ArchiveAfter = 7 * 24 * time.Hour

// Classify derives chat availability from the linked event's end time. A
// chat with no known end time stays active (fail-open). The boundaries are
// inclusive on the later state: at exactly endAt the chat is expired, at
// exactly endAt+7d it is archived.
func Classify(eventEndAt *time.Time, now time.Time) Status {
	if eventEndAt == nil {
		return StatusActive
	}
	if now.Before(*eventEndAt) {
		return StatusActive
	}
	if now.Before(eventEndAt.Add(ArchiveAfter)) {
		return StatusExpired
	}
	return StatusArchived
}

// CanSendMessages reports whether new messages are accepted.
func CanSendMessages(eventEndAt *time.Time, now time.Time) bool {
	return Classify(eventEndAt, now) == StatusActive
}
