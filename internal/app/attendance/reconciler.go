// Package attendance merges backend-authoritative RSVP state with pending
// optimistic edits into one effective value per (event, viewer) pair.
package attendance

import (
	"time"

	"github.com/gatherly/backend/internal/app/event"
)

// Outcome reports which side of a reconciliation won, for metrics.
type Outcome string

const (
	OutcomeBackend     Outcome = "backend"
	OutcomeConfirmed   Outcome = "confirmed"
	OutcomePendingWins Outcome = "pending_wins"
)

type key struct {
	EventID  string
	ViewerID string
}

// PendingEdit is an optimistic RSVP write not yet confirmed by a fetch.
// Never persisted; it lives and dies with the session.
type PendingEdit struct {
	IsGoing     bool
	ArrivalTime *time.Time
	AppliedAt   time.Time
}

// Reconciler holds at most one pending edit per (event, viewer) pair.
// It is not safe for concurrent use; the owning feed session serializes
// access behind its own mutex.
type Reconciler struct {
	pending map[key]PendingEdit
	Now     func() time.Time
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		pending: map[key]PendingEdit{},
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetAttendance records an optimistic edit and returns the normalized
// value. A repeat call for the same pair overwrites the previous edit
// (last-write-wins); it never blocks on backend confirmation — issuing the
// backend call and rolling back on failure is the caller's job.
func (r *Reconciler) SetAttendance(eventID, viewerID string, isGoing bool, arrivalTime *time.Time) PendingEdit {
	isGoing, arrivalTime = event.NormalizeAttendance(isGoing, arrivalTime)
	edit := PendingEdit{IsGoing: isGoing, ArrivalTime: arrivalTime, AppliedAt: r.Now()}
	r.pending[key{EventID: eventID, ViewerID: viewerID}] = edit
	return edit
}

// Resolve returns the effective attendance for the pair given the latest
// backend value. When the backend has caught up to the pending edit the
// edit is discarded (confirmed); while they differ the pending edit wins
// for display. Divergence is a normal reconciliation case, not an error.
func (r *Reconciler) Resolve(eventID, viewerID string, backend event.Attendance, backendKnown bool) (event.Attendance, Outcome) {
	k := key{EventID: eventID, ViewerID: viewerID}
	edit, ok := r.pending[k]
	if !ok {
		return backend, OutcomeBackend
	}
	if backendKnown && matches(edit, backend) {
		delete(r.pending, k)
		return backend, OutcomeConfirmed
	}
	return event.Attendance{IsGoing: edit.IsGoing, ArrivalTime: edit.ArrivalTime}, OutcomePendingWins
}

// Rollback drops the pending edit for the pair, reverting the effective
// value to the last remote-confirmed state. Used when the backend call
// behind an optimistic edit fails.
func (r *Reconciler) Rollback(eventID, viewerID string) {
	delete(r.pending, key{EventID: eventID, ViewerID: viewerID})
}

// RollbackEdit drops the pending edit only if it is still the given one.
// With rapid successive edits the newest wins; a failure report for an
// already-superseded edit must not revert the newer value.
func (r *Reconciler) RollbackEdit(eventID, viewerID string, edit PendingEdit) {
	k := key{EventID: eventID, ViewerID: viewerID}
	if cur, ok := r.pending[k]; ok && cur == edit {
		delete(r.pending, k)
	}
}

// PendingCount reports how many edits await confirmation.
func (r *Reconciler) PendingCount() int {
	return len(r.pending)
}

// Reset discards all pending edits. Called on session change: optimistic
// state never survives a viewer switch.
func (r *Reconciler) Reset() {
	r.pending = map[key]PendingEdit{}
}

func matches(edit PendingEdit, backend event.Attendance) bool {
	if edit.IsGoing != backend.IsGoing {
		return false
	}
	if (edit.ArrivalTime == nil) != (backend.ArrivalTime == nil) {
		return false
	}
	if edit.ArrivalTime == nil {
		return true
	}
	return edit.ArrivalTime.Equal(*backend.ArrivalTime)
}
