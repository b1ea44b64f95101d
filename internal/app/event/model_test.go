package event

import (
	"errors"
	"testing"
	"time"
)

var testStart = time.Date(2026, 8, 15, 18, 0, 0, 0, time.UTC)

func validDraft() Draft {
	return Draft{
		Title:    "Rooftop BBQ",
		Location: "12 Harbor St",
		StartsAt: testStart,
		EndsAt:   testStart.Add(3 * time.Hour),
		OwnerID:  "owner-1",
	}
}

func TestNew_Valid(t *testing.T) {
	e, err := New("local-1", validDraft())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if e.ID != "local-1" || e.ClientRef != "local-1" {
		t.Fatalf("unexpected ids: %+v", e)
	}
	if e.Privacy != PrivacyPublic {
		t.Fatalf("privacy should default to public, got %q", e.Privacy)
	}
}

func TestNew_OpenEndedEvent(t *testing.T) {
	d := validDraft()
	d.EndsAt = time.Time{}
	e, err := New("local-1", d)
	if err != nil {
		t.Fatalf("open-ended draft should be valid, got %v", err)
	}
	if !e.EndsAt.IsZero() {
		t.Fatalf("EndsAt should stay zero, got %v", e.EndsAt)
	}
}

func TestNew_EndNotAfterStart(t *testing.T) {
	d := validDraft()
	d.EndsAt = d.StartsAt
	if _, err := New("local-1", d); !errors.Is(err, ErrEndNotAfterStart) {
		t.Fatalf("expected ErrEndNotAfterStart, got %v", err)
	}
	d.EndsAt = d.StartsAt.Add(-time.Hour)
	_, err := New("local-1", d)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestNew_EmptyFieldsAfterTrim(t *testing.T) {
	d := validDraft()
	d.Title = "   "
	if _, err := New("local-1", d); !errors.Is(err, ErrTitleRequired) {
		t.Fatalf("expected ErrTitleRequired, got %v", err)
	}
	d = validDraft()
	d.Location = "\t"
	if _, err := New("local-1", d); !errors.Is(err, ErrLocationRequired) {
		t.Fatalf("expected ErrLocationRequired, got %v", err)
	}
}

func TestNew_PublicDraftDropsInvites(t *testing.T) {
	d := validDraft()
	d.InvitedIDs = []string{"f1", "f2"}
	e, err := New("local-1", d)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if len(e.InvitedFriendIDs) != 0 {
		t.Fatalf("public event must not carry invites: %v", e.InvitedFriendIDs)
	}
}

func TestSetPrivacy_Transitions(t *testing.T) {
	d := validDraft()
	d.Privacy = PrivacyPrivate
	d.InvitedIDs = []string{"f2", "f1", "f1", " "}
	e, err := New("local-1", d)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if len(e.InvitedFriendIDs) != 2 || e.InvitedFriendIDs[0] != "f1" || e.InvitedFriendIDs[1] != "f2" {
		t.Fatalf("invite list not deduped/sorted: %v", e.InvitedFriendIDs)
	}

	e.SetPrivacy(PrivacyPublic)
	if len(e.InvitedFriendIDs) != 0 {
		t.Fatalf("private->public must clear invites: %v", e.InvitedFriendIDs)
	}

	e.SetPrivacy(PrivacyPrivate)
	if len(e.InvitedFriendIDs) != 0 {
		t.Fatalf("public->private must start empty: %v", e.InvitedFriendIDs)
	}
}

func TestSetAttendance_NormalizesArrival(t *testing.T) {
	e, _ := New("local-1", validDraft())
	arrival := testStart.Add(30 * time.Minute)

	e.SetAttendance("u1", false, &arrival)
	if got := e.Attendance["u1"]; got.IsGoing || got.ArrivalTime != nil {
		t.Fatalf("not-going entry must carry nil arrival, got %+v", got)
	}

	e.SetAttendance("u1", true, &arrival)
	got := e.Attendance["u1"]
	if !got.IsGoing || got.ArrivalTime == nil || !got.ArrivalTime.Equal(arrival) {
		t.Fatalf("going entry lost arrival time: %+v", got)
	}
}

func TestAttendingCount(t *testing.T) {
	e, _ := New("local-1", validDraft())
	e.SetAttendance("u1", true, nil)
	e.SetAttendance("u2", true, nil)
	e.SetAttendance("u3", false, nil)
	if got := e.AttendingCount(); got != 2 {
		t.Fatalf("expected 2 attending, got %d", got)
	}
}

func TestVisibleTo(t *testing.T) {
	d := validDraft()
	d.Privacy = PrivacyPrivate
	d.InvitedIDs = []string{"friend-a", "friend-b"}
	e, _ := New("local-1", d)
	e.SetAttendance("attendee-1", true, nil)

	cases := []struct {
		viewer string
		want   bool
	}{
		{"owner-1", true},
		{"friend-a", true},
		{"attendee-1", true},
		{"stranger", false},
	}
	for _, tc := range cases {
		if got := e.VisibleTo(tc.viewer); got != tc.want {
			t.Fatalf("VisibleTo(%q) = %v, want %v", tc.viewer, got, tc.want)
		}
	}

	e.SetPrivacy(PrivacyPublic)
	if !e.VisibleTo("stranger") {
		t.Fatal("public event must be visible to everyone")
	}
}

func TestClone_NoAliasing(t *testing.T) {
	e, _ := New("local-1", validDraft())
	arrival := testStart.Add(time.Hour)
	e.SetAttendance("u1", true, &arrival)

	c := e.Clone()
	c.SetAttendance("u1", false, nil)
	if got := e.Attendance["u1"]; !got.IsGoing {
		t.Fatal("mutating the clone changed the original attendance map")
	}
}
