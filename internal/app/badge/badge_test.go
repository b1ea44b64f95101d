package badge

import (
	"testing"
	"time"

	"github.com/gatherly/backend/internal/app/directory"
	"github.com/gatherly/backend/internal/app/event"
)

var start = time.Date(2026, 9, 1, 19, 0, 0, 0, time.UTC)

func testEvent(privacy event.Privacy) event.Event {
	return event.Event{
		ID:         "e1",
		Title:      "Dinner",
		Location:   "Somewhere",
		StartsAt:   start,
		EndsAt:     start.Add(2 * time.Hour),
		OwnerID:    "owner",
		Privacy:    privacy,
		Attendance: map[string]event.Attendance{},
	}
}

func testLookup() directory.Snapshot {
	return directory.Snapshot{
		"owner": {ID: "owner", DisplayName: "Olivia"},
		"a":     {ID: "a", DisplayName: "alice"},
		"b":     {ID: "b", DisplayName: "Bob"},
		"c":     {ID: "c", DisplayName: "carol"},
	}
}

func rolesByID(badges []FriendBadge) map[string]Role {
	out := map[string]Role{}
	for _, b := range badges {
		out[b.Friend.ID] = b.Role
	}
	return out
}

func TestDerive_NoDuplicates(t *testing.T) {
	e := testEvent(event.PrivacyPrivate)
	e.InvitedFriendIDs = []string{"a", "b"}
	e.SetAttendance("a", true, nil)
	e.SetAttendance("owner", true, nil)

	badges := Derive(e, "owner", testLookup())
	seen := map[string]bool{}
	for _, b := range badges {
		if seen[b.Friend.ID] {
			t.Fatalf("duplicate badge for %q", b.Friend.ID)
		}
		seen[b.Friend.ID] = true
	}
}

func TestDerive_RolePriority(t *testing.T) {
	// "a" is both going and invited-by-owner: going outranks invitedByMe.
	e := testEvent(event.PrivacyPrivate)
	e.InvitedFriendIDs = []string{"a", "b"}
	e.SetAttendance("a", true, nil)

	got := rolesByID(Derive(e, "owner", testLookup()))
	if got["owner"] != RoleMe {
		t.Fatalf("owner badge role = %q, want me", got["owner"])
	}
	if got["a"] != RoleGoing {
		t.Fatalf("a role = %q, want going", got["a"])
	}
	if got["b"] != RoleInvitedByMe {
		t.Fatalf("b role = %q, want invitedByMe", got["b"])
	}
}

func TestDerive_InvitedMe(t *testing.T) {
	e := testEvent(event.PrivacyPrivate)
	e.InvitedFriendIDs = []string{"a"}

	got := rolesByID(Derive(e, "a", testLookup()))
	if got["owner"] != RoleInvitedMe {
		t.Fatalf("owner role for invited viewer = %q, want invitedMe", got["owner"])
	}
	if _, ok := got["a"]; ok {
		t.Fatal("invited-but-not-going viewer must not get a me badge")
	}
}

func TestDerive_ViewerAttendeeGetsMeBadge(t *testing.T) {
	e := testEvent(event.PrivacyPublic)
	e.SetAttendance("a", true, nil)

	got := rolesByID(Derive(e, "a", testLookup()))
	if got["a"] != RoleMe {
		t.Fatalf("attending viewer role = %q, want me", got["a"])
	}
}

func TestDerive_Ordering(t *testing.T) {
	e := testEvent(event.PrivacyPublic)
	e.SetAttendance("owner", true, nil)
	e.SetAttendance("b", true, nil)
	e.SetAttendance("a", true, nil)
	e.SetAttendance("c", true, nil)

	badges := Derive(e, "owner", testLookup())
	if len(badges) != 4 {
		t.Fatalf("expected 4 badges, got %d", len(badges))
	}
	if badges[0].Friend.ID != "owner" {
		t.Fatalf("me badge must sort first, got %q", badges[0].Friend.ID)
	}
	// Case-insensitive by name: alice < Bob < carol.
	wantOrder := []string{"a", "b", "c"}
	for i, want := range wantOrder {
		if badges[i+1].Friend.ID != want {
			t.Fatalf("badge %d = %q, want %q", i+1, badges[i+1].Friend.ID, want)
		}
	}
}

func TestDerive_UnknownFriendFallsBackToID(t *testing.T) {
	e := testEvent(event.PrivacyPublic)
	e.SetAttendance("ghost", true, nil)

	badges := Derive(e, "viewer", testLookup())
	if len(badges) != 1 || badges[0].Friend.DisplayName != "ghost" {
		t.Fatalf("unknown attendee must fall back to id, got %+v", badges)
	}
}

func TestAttendeeList_ArrivalOrdering(t *testing.T) {
	e := testEvent(event.PrivacyPublic)
	early := start.Add(10 * time.Minute)
	late := start.Add(time.Hour)
	e.SetAttendance("b", true, &late)
	e.SetAttendance("c", true, &early)
	e.SetAttendance("a", true, nil) // missing arrival sorts last
	e.SetAttendance("owner", false, nil)

	list := AttendeeList(e, testLookup())
	got := make([]string, len(list))
	for i, b := range list {
		got[i] = b.Friend.ID
	}
	want := []string{"c", "b", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attendee order = %v, want %v", got, want)
		}
	}
}

func TestAttendeeList_TiesBrokenByName(t *testing.T) {
	e := testEvent(event.PrivacyPublic)
	arrival := start.Add(30 * time.Minute)
	e.SetAttendance("b", true, &arrival)
	e.SetAttendance("a", true, &arrival)

	list := AttendeeList(e, testLookup())
	if list[0].Friend.ID != "a" || list[1].Friend.ID != "b" {
		t.Fatalf("equal arrivals must sort by name: %+v", list)
	}
}
