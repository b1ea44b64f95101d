package contracts

import "time"

// EventRecord is the raw event row as returned by the event backend.
// Records decode into event.Event at the boundary; malformed records are
// dropped and logged rather than silently defaulted.
type EventRecord struct {
	ID         string             `json:"id"`
	ClientRef  string             `json:"client_ref,omitempty"`
	Title      string             `json:"title"`
	Location   string             `json:"location"`
	StartsAt   time.Time          `json:"starts_at"`
	EndsAt     time.Time          `json:"ends_at"`
	OwnerID    string             `json:"owner_id"`
	Privacy    string             `json:"privacy"`
	Latitude   *float64           `json:"latitude,omitempty"`
	Longitude  *float64           `json:"longitude,omitempty"`
	ImageURL   string             `json:"image_url,omitempty"`
	InvitedIDs []string           `json:"invited_ids,omitempty"`
	Attendance []AttendanceRecord `json:"attendance,omitempty"`
}

// AttendanceRecord is one user's RSVP state on an event.
type AttendanceRecord struct {
	UserID      string     `json:"user_id"`
	IsGoing     bool       `json:"is_going"`
	ArrivalTime *time.Time `json:"arrival_time,omitempty"`
}

// EventChange is published to JetStream whenever the event backend applies
// a write, and consumed by streamers to push feed refresh hints.
type EventChange struct {
	ChangeID   string    `json:"change_id"`
	EventID    string    `json:"event_id"`
	ActorID    string    `json:"actor_id"`
	ChangeType string    `json:"change_type"`
	OccurredAt time.Time `json:"occurred_at"`
	ShardID    int       `json:"shard_id"`
}

// Event change types carried on the wire.
const (
	EventCreated  = "event.created"
	EventUpdated  = "event.updated"
	EventDeleted  = "event.deleted"
	AttendanceSet = "event.attendance_set"
	EventShared   = "event.shared"
)

// ChatMessage is published per chat subject and persisted by the chat
// repository. Consumers re-sort by CreatedAt before display; JetStream
// redelivery may hand batches out of order.
type ChatMessage struct {
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
