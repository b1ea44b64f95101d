package event

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrValidation is the root of every constraint failure in this package.
// Handlers match it with errors.Is and map it to a 400; validation
// failures are never retried against the backend.
var ErrValidation = errors.New("invalid event")

var (
	ErrTitleRequired    = fmt.Errorf("%w: title is required", ErrValidation)
	ErrLocationRequired = fmt.Errorf("%w: location is required", ErrValidation)
	ErrEndNotAfterStart = fmt.Errorf("%w: end time must be after start time", ErrValidation)
	ErrOwnerRequired    = fmt.Errorf("%w: owner id is required", ErrValidation)
)

type Privacy string

const (
	PrivacyPublic  Privacy = "public"
	PrivacyPrivate Privacy = "private"
)

// Coordinate is an optional geographic point for map display.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Attendance is one user's RSVP state. An arrival time is meaningless for
// a non-attendee, so IsGoing == false always carries a nil ArrivalTime.
type Attendance struct {
	IsGoing     bool
	ArrivalTime *time.Time
}

// Event is the canonical representation of a social event. Instances are
// immutable per fetch; mutations go through the documented methods on a
// copy owned by the feed session.
type Event struct {
	ID        string
	ClientRef string
	Title     string
	Location  string
	StartsAt  time.Time
	EndsAt    time.Time
	OwnerID   string
	Privacy   Privacy

	Coordinate *Coordinate

	// ImageURL and LocalImageData are the two cover image sources; local
	// data (picked but not yet uploaded) takes precedence when both exist.
	ImageURL       string
	LocalImageData []byte

	// InvitedFriendIDs is meaningful only while Privacy is private.
	InvitedFriendIDs []string

	Attendance map[string]Attendance
}

// Draft carries the caller-supplied fields for a new event.
type Draft struct {
	Title      string
	Location   string
	StartsAt   time.Time
	EndsAt     time.Time
	OwnerID    string
	Privacy    Privacy
	Coordinate *Coordinate
	ImageURL   string
	ImageData  []byte
	InvitedIDs []string
}

// New validates a draft and returns the event with a caller-assigned
// client-local id. The backend replaces the id with a canonical one on
// create; ClientRef keeps the local id so the merged feed can drop the
// unconfirmed copy once the backend echoes it back.
func New(localID string, draft Draft) (Event, error) {
	e := Event{
		ID:             strings.TrimSpace(localID),
		ClientRef:      strings.TrimSpace(localID),
		Title:          strings.TrimSpace(draft.Title),
		Location:       strings.TrimSpace(draft.Location),
		StartsAt:       draft.StartsAt,
		EndsAt:         draft.EndsAt,
		OwnerID:        strings.TrimSpace(draft.OwnerID),
		Privacy:        draft.Privacy,
		Coordinate:     draft.Coordinate,
		ImageURL:       strings.TrimSpace(draft.ImageURL),
		LocalImageData: draft.ImageData,
		Attendance:     map[string]Attendance{},
	}
	if e.Privacy == "" {
		e.Privacy = PrivacyPublic
	}
	if e.Privacy == PrivacyPrivate {
		e.InvitedFriendIDs = dedupeIDs(draft.InvitedIDs)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Validate enforces the construction invariants.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return ErrTitleRequired
	}
	if strings.TrimSpace(e.Location) == "" {
		return ErrLocationRequired
	}
	if !e.EndsAt.IsZero() && !e.EndsAt.After(e.StartsAt) {
		return ErrEndNotAfterStart
	}
	if strings.TrimSpace(e.OwnerID) == "" {
		return ErrOwnerRequired
	}
	return nil
}

// SetPrivacy applies the privacy transition rules: going public clears the
// invite list (a public event cannot carry a stale one), going private
// starts with an empty list until the caller repopulates it.
func (e *Event) SetPrivacy(p Privacy) {
	if e.Privacy == p {
		return
	}
	e.Privacy = p
	e.InvitedFriendIDs = nil
}

// SetAttendance writes one user's RSVP, normalizing a not-going entry to a
// nil arrival time.
func (e *Event) SetAttendance(userID string, isGoing bool, arrivalTime *time.Time) {
	if e.Attendance == nil {
		e.Attendance = map[string]Attendance{}
	}
	isGoing, arrivalTime = NormalizeAttendance(isGoing, arrivalTime)
	e.Attendance[userID] = Attendance{IsGoing: isGoing, ArrivalTime: arrivalTime}
}

// NormalizeAttendance nils the arrival time when not going.
func NormalizeAttendance(isGoing bool, arrivalTime *time.Time) (bool, *time.Time) {
	if !isGoing {
		return false, nil
	}
	return true, arrivalTime
}

// AttendingCount counts entries with IsGoing == true.
func (e Event) AttendingCount() int {
	n := 0
	for _, a := range e.Attendance {
		if a.IsGoing {
			n++
		}
	}
	return n
}

// IsInvited reports whether the user is on the explicit invite list.
func (e Event) IsInvited(userID string) bool {
	for _, id := range e.InvitedFriendIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// VisibleTo applies the privacy rule: private events are visible only to
// the owner, invited users, and users with an attendance entry.
func (e Event) VisibleTo(viewerID string) bool {
	if e.Privacy != PrivacyPrivate {
		return true
	}
	if e.OwnerID == viewerID || e.IsInvited(viewerID) {
		return true
	}
	_, ok := e.Attendance[viewerID]
	return ok
}

// HasLocalImage reports whether freshly picked image data should win over
// the remote URL.
func (e Event) HasLocalImage() bool {
	return len(e.LocalImageData) > 0
}

// Clone deep-copies the event so session-local mutations never alias a
// fetched snapshot.
func (e Event) Clone() Event {
	out := e
	if e.Coordinate != nil {
		c := *e.Coordinate
		out.Coordinate = &c
	}
	if e.InvitedFriendIDs != nil {
		out.InvitedFriendIDs = append([]string(nil), e.InvitedFriendIDs...)
	}
	if e.LocalImageData != nil {
		out.LocalImageData = append([]byte(nil), e.LocalImageData...)
	}
	out.Attendance = make(map[string]Attendance, len(e.Attendance))
	for id, a := range e.Attendance {
		if a.ArrivalTime != nil {
			at := *a.ArrivalTime
			a.ArrivalTime = &at
		}
		out.Attendance[id] = a
	}
	return out
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
