package feed

import (
	"testing"
	"time"

	"github.com/gatherly/backend/internal/app/attendance"
	"github.com/gatherly/backend/internal/app/directory"
	"github.com/gatherly/backend/internal/app/event"
)

var assembleNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func ev(id, owner string, startsAt time.Time) event.Event {
	return event.Event{
		ID:         id,
		Title:      "Event " + id,
		Location:   "Somewhere",
		StartsAt:   startsAt,
		OwnerID:    owner,
		Privacy:    event.PrivacyPublic,
		Attendance: map[string]event.Attendance{},
	}
}

func baseInput(backend ...event.Event) Input {
	return Input{
		ViewerID: "viewer",
		Now:      assembleNow,
		Backend:  backend,
		Friends:  directory.Snapshot{},
		Blocks:   directory.BlockSet{},
	}
}

func ids(entries []FeedEvent) []string {
	out := make([]string, 0, len(entries))
	for _, fe := range entries {
		out = append(out, fe.Event.ID)
	}
	return out
}

func TestAssemblePartitionsByStartTime(t *testing.T) {
	in := baseInput(
		ev("past", "owner", assembleNow.Add(-time.Hour)),
		ev("boundary", "owner", assembleNow),
		ev("future", "owner", assembleNow.Add(time.Hour)),
	)
	feed := Assemble(in, attendance.NewReconciler())

	got := ids(feed.Upcoming)
	if len(got) != 2 || got[0] != "boundary" || got[1] != "future" {
		t.Fatalf("upcoming = %v", got)
	}
	if got := ids(feed.Past); len(got) != 1 || got[0] != "past" {
		t.Fatalf("past = %v", got)
	}
}

func TestAssembleOrdersUpcomingAscPastDesc(t *testing.T) {
	in := baseInput(
		ev("u2", "owner", assembleNow.Add(2*time.Hour)),
		ev("u1", "owner", assembleNow.Add(time.Hour)),
		ev("p1", "owner", assembleNow.Add(-time.Hour)),
		ev("p2", "owner", assembleNow.Add(-2*time.Hour)),
	)
	feed := Assemble(in, attendance.NewReconciler())

	if got := ids(feed.Upcoming); got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("upcoming = %v", got)
	}
	if got := ids(feed.Past); got[0] != "p1" || got[1] != "p2" {
		t.Fatalf("past = %v", got)
	}
}

func TestAssembleTieBreaksOnID(t *testing.T) {
	at := assembleNow.Add(time.Hour)
	in := baseInput(ev("b", "owner", at), ev("a", "owner", at))
	feed := Assemble(in, attendance.NewReconciler())

	if got := ids(feed.Upcoming); got[0] != "a" || got[1] != "b" {
		t.Fatalf("upcoming = %v", got)
	}
}

func TestAssemblePastPreviewLimit(t *testing.T) {
	var backend []event.Event
	for i := 0; i < 8; i++ {
		backend = append(backend, ev(string(rune('a'+i)), "owner", assembleNow.Add(-time.Duration(i+1)*time.Hour)))
	}
	in := baseInput(backend...)

	feed := Assemble(in, attendance.NewReconciler())
	if len(feed.Past) != PastPreviewLimit {
		t.Fatalf("past = %d entries, want %d", len(feed.Past), PastPreviewLimit)
	}
	if feed.PastTotal != 8 {
		t.Fatalf("PastTotal = %d, want 8", feed.PastTotal)
	}
	// Newest first, so the preview holds the five most recent.
	if got := ids(feed.Past); got[0] != "a" || got[4] != "e" {
		t.Fatalf("past preview = %v", got)
	}

	in.ShowAllPast = true
	feed = Assemble(in, attendance.NewReconciler())
	if len(feed.Past) != 8 {
		t.Fatalf("past with ShowAllPast = %d entries, want 8", len(feed.Past))
	}
}

func TestAssembleFiltersBlockedOwners(t *testing.T) {
	in := baseInput(
		ev("ok", "owner", assembleNow.Add(time.Hour)),
		ev("hidden", "enemy", assembleNow.Add(time.Hour)),
	)
	in.Blocks = directory.NewBlockSet([]string{"enemy"})

	feed := Assemble(in, attendance.NewReconciler())
	if got := ids(feed.Upcoming); len(got) != 1 || got[0] != "ok" {
		t.Fatalf("upcoming = %v", got)
	}
}

func TestAssembleFiltersPrivateEvents(t *testing.T) {
	private := ev("private", "owner", assembleNow.Add(time.Hour))
	private.Privacy = event.PrivacyPrivate

	invited := ev("invited", "owner", assembleNow.Add(time.Hour))
	invited.Privacy = event.PrivacyPrivate
	invited.InvitedFriendIDs = []string{"viewer"}

	in := baseInput(private, invited)
	feed := Assemble(in, attendance.NewReconciler())
	if got := ids(feed.Upcoming); len(got) != 1 || got[0] != "invited" {
		t.Fatalf("upcoming = %v", got)
	}
}

func TestAssembleDropsConfirmedLocalEvent(t *testing.T) {
	confirmed := ev("server-1", "viewer", assembleNow.Add(time.Hour))
	confirmed.ClientRef = "local-1"
	local := ev("local-1", "viewer", assembleNow.Add(time.Hour))

	in := baseInput(confirmed)
	in.LocalUnconfirmed = []event.Event{local}

	feed := Assemble(in, attendance.NewReconciler())
	if got := ids(feed.Upcoming); len(got) != 1 || got[0] != "server-1" {
		t.Fatalf("upcoming = %v", got)
	}
}

func TestAssembleKeepsUnconfirmedLocalEvent(t *testing.T) {
	local := ev("local-1", "viewer", assembleNow.Add(time.Hour))
	in := baseInput(ev("server-1", "other", assembleNow.Add(2*time.Hour)))
	in.LocalUnconfirmed = []event.Event{local}

	feed := Assemble(in, attendance.NewReconciler())
	if got := ids(feed.Upcoming); len(got) != 2 || got[0] != "local-1" {
		t.Fatalf("upcoming = %v", got)
	}
	if !feed.Upcoming[0].Unconfirmed {
		t.Fatal("local event should be marked unconfirmed")
	}
	if feed.Upcoming[1].Unconfirmed {
		t.Fatal("backend event should not be marked unconfirmed")
	}
}

func TestAssemblePendingEditWins(t *testing.T) {
	rec := attendance.NewReconciler()
	rec.Now = func() time.Time { return assembleNow }
	rec.SetAttendance("e1", "viewer", true, nil)

	e := ev("e1", "other", assembleNow.Add(time.Hour))
	e.Attendance["viewer"] = event.Attendance{IsGoing: false}
	e.Attendance["friend"] = event.Attendance{IsGoing: true}

	feed := Assemble(baseInput(e), rec)
	fe := feed.Upcoming[0]
	if !fe.IsAttending {
		t.Fatal("pending edit should win over the stale backend value")
	}
	if fe.AttendingCount != 2 {
		t.Fatalf("AttendingCount = %d, want 2", fe.AttendingCount)
	}
	if rec.PendingCount() != 1 {
		t.Fatal("divergent pending edit must be retained")
	}
}

func TestAssembleConfirmedEditDiscarded(t *testing.T) {
	rec := attendance.NewReconciler()
	rec.Now = func() time.Time { return assembleNow }
	rec.SetAttendance("e1", "viewer", true, nil)

	e := ev("e1", "other", assembleNow.Add(time.Hour))
	e.Attendance["viewer"] = event.Attendance{IsGoing: true}

	feed := Assemble(baseInput(e), rec)
	if !feed.Upcoming[0].IsAttending {
		t.Fatal("confirmed value should show as attending")
	}
	if rec.PendingCount() != 0 {
		t.Fatal("matching backend value must discard the pending edit")
	}
}

func TestAssembleEditableOnlyForOwner(t *testing.T) {
	in := baseInput(
		ev("mine", "viewer", assembleNow.Add(time.Hour)),
		ev("theirs", "other", assembleNow.Add(2*time.Hour)),
	)
	feed := Assemble(in, attendance.NewReconciler())

	if !feed.Upcoming[0].IsEditable {
		t.Fatal("owner's event should be editable")
	}
	if feed.Upcoming[1].IsEditable {
		t.Fatal("someone else's event should not be editable")
	}
}
