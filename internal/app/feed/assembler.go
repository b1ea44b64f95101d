// Package feed assembles the per-viewer event feed: backend snapshot
// merged with unconfirmed local events, filtered, partitioned into
// upcoming and past, and resolved against the viewer's pending
// attendance edits.
package feed

import (
	"sort"
	"time"

	"github.com/gatherly/backend/internal/app/attendance"
	"github.com/gatherly/backend/internal/app/badge"
	"github.com/gatherly/backend/internal/app/directory"
	"github.com/gatherly/backend/internal/app/event"
)

// PastPreviewLimit is how many past events the feed shows before the
// viewer asks for the rest.
const PastPreviewLimit = 5

// FeedEvent is one rendered feed entry: the event plus everything the
// viewer-specific projection derives from it.
type FeedEvent struct {
	Event          event.Event         `json:"event"`
	IsAttending    bool                `json:"is_attending"`
	MyArrivalTime  *time.Time          `json:"my_arrival_time,omitempty"`
	AttendingCount int                 `json:"attending_count"`
	Badges         []badge.FriendBadge `json:"badges"`
	IsEditable     bool                `json:"is_editable"`
	Unconfirmed    bool                `json:"unconfirmed,omitempty"`
}

// Feed is the assembled view. PastTotal counts all past events even when
// Past holds only the preview page.
type Feed struct {
	Upcoming  []FeedEvent `json:"upcoming"`
	Past      []FeedEvent `json:"past"`
	PastTotal int         `json:"past_total"`
	Stale     bool        `json:"stale,omitempty"`
}

// Input is everything one assembly pass reads. The assembler itself is
// pure; the session gathers these and serializes calls.
type Input struct {
	ViewerID string
	Now      time.Time

	// Backend is the decoded server snapshot.
	Backend []event.Event
	// LocalUnconfirmed are events created in this session whose backend
	// confirmation has not arrived yet. An entry is dropped from here the
	// moment the backend snapshot echoes its id as a ClientRef.
	LocalUnconfirmed []event.Event

	Friends directory.Lookup
	Blocks  directory.BlockSet

	ShowAllPast bool

	// Observe, when set, receives the reconcile outcome for each event.
	Observe func(attendance.Outcome)
}

// Assemble builds the feed. The reconciler carries the viewer's pending
// attendance edits across passes and is mutated here: confirmed edits
// are discarded as the backend catches up.
func Assemble(in Input, rec *attendance.Reconciler) Feed {
	merged := merge(in.Backend, in.LocalUnconfirmed)

	visible := merged[:0]
	for _, e := range merged {
		if in.Blocks.Blocked(e.OwnerID) {
			continue
		}
		if !e.VisibleTo(in.ViewerID) {
			continue
		}
		visible = append(visible, e)
	}

	var upcoming, past []FeedEvent
	for _, e := range visible {
		fe := project(e, in, rec)
		if !e.StartsAt.Before(in.Now) {
			upcoming = append(upcoming, fe)
		} else {
			past = append(past, fe)
		}
	}

	sort.Slice(upcoming, func(i, j int) bool {
		a, b := upcoming[i].Event, upcoming[j].Event
		if !a.StartsAt.Equal(b.StartsAt) {
			return a.StartsAt.Before(b.StartsAt)
		}
		return a.ID < b.ID
	})
	sort.Slice(past, func(i, j int) bool {
		a, b := past[i].Event, past[j].Event
		if !a.StartsAt.Equal(b.StartsAt) {
			return a.StartsAt.After(b.StartsAt)
		}
		return a.ID < b.ID
	})

	total := len(past)
	if !in.ShowAllPast && total > PastPreviewLimit {
		past = past[:PastPreviewLimit]
	}

	return Feed{Upcoming: upcoming, Past: past, PastTotal: total}
}

// merge overlays locally created events onto the backend snapshot. A
// local event is superseded once the backend returns an event carrying
// its id as ClientRef (or, defensively, the same id).
func merge(backend, local []event.Event) []event.Event {
	confirmed := make(map[string]struct{}, len(backend))
	out := make([]event.Event, 0, len(backend)+len(local))
	for _, e := range backend {
		if e.ClientRef != "" {
			confirmed[e.ClientRef] = struct{}{}
		}
		confirmed[e.ID] = struct{}{}
		out = append(out, e)
	}
	for _, e := range local {
		if _, ok := confirmed[e.ID]; ok {
			continue
		}
		out = append(out, e)
	}
	return out
}

func project(e event.Event, in Input, rec *attendance.Reconciler) FeedEvent {
	backendAtt, known := e.Attendance[in.ViewerID]
	resolved, outcome := rec.Resolve(e.ID, in.ViewerID, backendAtt, known)
	if in.Observe != nil {
		in.Observe(outcome)
	}

	// The badges and the attending count must agree with what the viewer
	// sees, so a pending edit is folded back in before deriving.
	shown := e
	if outcome == attendance.OutcomePendingWins {
		shown = e.Clone()
		shown.SetAttendance(in.ViewerID, resolved.IsGoing, resolved.ArrivalTime)
	}

	return FeedEvent{
		Event:          shown,
		IsAttending:    resolved.IsGoing,
		MyArrivalTime:  resolved.ArrivalTime,
		AttendingCount: shown.AttendingCount(),
		Badges:         badge.Derive(shown, in.ViewerID, in.Friends),
		IsEditable:     e.OwnerID == in.ViewerID,
		Unconfirmed:    isLocal(e, in.LocalUnconfirmed),
	}
}

func isLocal(e event.Event, local []event.Event) bool {
	for _, l := range local {
		if l.ID == e.ID {
			return true
		}
	}
	return false
}
