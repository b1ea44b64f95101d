package attendance

import (
	"testing"
	"time"

	"github.com/gatherly/backend/internal/app/event"
)

var now = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func newTestReconciler() *Reconciler {
	r := NewReconciler()
	r.Now = func() time.Time { return now }
	return r
}

func TestResolve_NoPendingReturnsBackend(t *testing.T) {
	r := newTestReconciler()
	backend := event.Attendance{IsGoing: true}
	got, outcome := r.Resolve("e1", "u1", backend, true)
	if !got.IsGoing || outcome != OutcomeBackend {
		t.Fatalf("expected backend value verbatim, got %+v (%s)", got, outcome)
	}
}

func TestResolve_PendingWinsUntilBackendCatchesUp(t *testing.T) {
	r := newTestReconciler()
	arrival := now.Add(time.Hour)
	r.SetAttendance("e1", "u1", true, &arrival)

	// Backend still says not going: pending wins for display.
	got, outcome := r.Resolve("e1", "u1", event.Attendance{}, true)
	if !got.IsGoing || got.ArrivalTime == nil || !got.ArrivalTime.Equal(arrival) {
		t.Fatalf("pending edit should win: %+v", got)
	}
	if outcome != OutcomePendingWins {
		t.Fatalf("expected pending_wins, got %s", outcome)
	}

	// Backend catches up exactly: edit is confirmed and discarded.
	backend := event.Attendance{IsGoing: true, ArrivalTime: &arrival}
	got, outcome = r.Resolve("e1", "u1", backend, true)
	if outcome != OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %s", outcome)
	}
	if r.PendingCount() != 0 {
		t.Fatalf("confirmed edit must be discarded, %d pending", r.PendingCount())
	}
	if !got.IsGoing || !got.ArrivalTime.Equal(arrival) {
		t.Fatalf("unexpected confirmed value: %+v", got)
	}

	// Subsequent resolves come straight from the backend.
	if _, outcome = r.Resolve("e1", "u1", backend, true); outcome != OutcomeBackend {
		t.Fatalf("expected backend after confirmation, got %s", outcome)
	}
}

func TestSetAttendance_Idempotent(t *testing.T) {
	r := newTestReconciler()
	arrival := now.Add(time.Hour)
	r.SetAttendance("e1", "u1", true, &arrival)
	r.SetAttendance("e1", "u1", true, &arrival)

	if r.PendingCount() != 1 {
		t.Fatalf("repeat identical edits must collapse to one, got %d", r.PendingCount())
	}
	got, _ := r.Resolve("e1", "u1", event.Attendance{}, true)
	if !got.IsGoing || !got.ArrivalTime.Equal(arrival) {
		t.Fatalf("unexpected reconciled state: %+v", got)
	}
}

func TestSetAttendance_LastWriteWins(t *testing.T) {
	r := newTestReconciler()
	first := now.Add(time.Hour)
	second := now.Add(2 * time.Hour)
	r.SetAttendance("e1", "u1", true, &first)
	r.SetAttendance("e1", "u1", true, &second)

	got, _ := r.Resolve("e1", "u1", event.Attendance{}, true)
	if got.ArrivalTime == nil || !got.ArrivalTime.Equal(second) {
		t.Fatalf("newer edit must overwrite older: %+v", got)
	}
	if r.PendingCount() != 1 {
		t.Fatalf("expected a single pending edit, got %d", r.PendingCount())
	}
}

func TestSetAttendance_NormalizesNotGoing(t *testing.T) {
	r := newTestReconciler()
	arrival := now.Add(2 * time.Hour)
	edit := r.SetAttendance("e1", "u1", false, &arrival)
	if edit.IsGoing || edit.ArrivalTime != nil {
		t.Fatalf("not-going edit must drop arrival time: %+v", edit)
	}
}

func TestRollback_RevertsToBackend(t *testing.T) {
	r := newTestReconciler()
	r.SetAttendance("e1", "u1", true, nil)
	r.Rollback("e1", "u1")

	backend := event.Attendance{IsGoing: false}
	got, outcome := r.Resolve("e1", "u1", backend, true)
	if got.IsGoing || outcome != OutcomeBackend {
		t.Fatalf("rollback must restore backend value, got %+v (%s)", got, outcome)
	}
}

func TestResolve_UnknownBackendKeepsPending(t *testing.T) {
	r := newTestReconciler()
	r.SetAttendance("e1", "u1", true, nil)

	// Viewer has no backend attendance row at all yet.
	got, outcome := r.Resolve("e1", "u1", event.Attendance{}, false)
	if !got.IsGoing || outcome != OutcomePendingWins {
		t.Fatalf("pending must win while backend has no row: %+v (%s)", got, outcome)
	}
}

func TestReset_DropsEverything(t *testing.T) {
	r := newTestReconciler()
	r.SetAttendance("e1", "u1", true, nil)
	r.SetAttendance("e2", "u1", true, nil)
	r.Reset()
	if r.PendingCount() != 0 {
		t.Fatalf("reset must drop all pending edits, got %d", r.PendingCount())
	}
}

func TestRollbackEdit_SkipsSupersededEdit(t *testing.T) {
	r := newTestReconciler()
	first := r.SetAttendance("e1", "u1", true, nil)
	r.Now = func() time.Time { return now.Add(time.Second) }
	r.SetAttendance("e1", "u1", false, nil)

	// The failure report for the first write arrives after a newer edit.
	r.RollbackEdit("e1", "u1", first)
	if r.PendingCount() != 1 {
		t.Fatal("newer edit must survive a stale rollback")
	}

	got, outcome := r.Resolve("e1", "u1", event.Attendance{IsGoing: true}, true)
	if got.IsGoing || outcome != OutcomePendingWins {
		t.Fatalf("expected newer edit to win: %+v (%s)", got, outcome)
	}
}

func TestRollbackEdit_RemovesMatchingEdit(t *testing.T) {
	r := newTestReconciler()
	edit := r.SetAttendance("e1", "u1", true, nil)
	r.RollbackEdit("e1", "u1", edit)
	if r.PendingCount() != 0 {
		t.Fatal("matching edit should be rolled back")
	}
}
