package event

import (
	"errors"
	"testing"
	"time"

	"github.com/gatherly/backend/internal/contracts"
)

func validRecord() contracts.EventRecord {
	start := time.Date(2026, 8, 15, 18, 0, 0, 0, time.UTC)
	return contracts.EventRecord{
		ID:       "evt-1",
		Title:    "Rooftop BBQ",
		Location: "12 Harbor St",
		StartsAt: start,
		EndsAt:   start.Add(3 * time.Hour),
		OwnerID:  "owner-1",
		Privacy:  "public",
	}
}

func TestDecode_Valid(t *testing.T) {
	rec := validRecord()
	arrival := rec.StartsAt.Add(time.Hour)
	rec.Attendance = []contracts.AttendanceRecord{
		{UserID: "u1", IsGoing: true, ArrivalTime: &arrival},
		{UserID: "u2", IsGoing: false, ArrivalTime: &arrival},
	}

	e, err := Decode(rec)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if got := e.Attendance["u2"]; got.ArrivalTime != nil {
		t.Fatalf("decoder must normalize not-going arrival, got %+v", got)
	}
	if got := e.Attendance["u1"]; got.ArrivalTime == nil || !got.ArrivalTime.Equal(arrival) {
		t.Fatalf("going arrival lost in decode: %+v", got)
	}
}

func TestDecode_RejectsBadPrivacy(t *testing.T) {
	rec := validRecord()
	rec.Privacy = "friends-only"
	if _, err := Decode(rec); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestDecode_RejectsInvalidDates(t *testing.T) {
	rec := validRecord()
	rec.EndsAt = rec.StartsAt
	if _, err := Decode(rec); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestDecodeAll_DropsMalformedAndLogs(t *testing.T) {
	good := validRecord()
	bad := validRecord()
	bad.ID = "evt-bad"
	bad.Title = ""

	var logged int
	events := DecodeAll([]contracts.EventRecord{good, bad}, func(string, ...any) { logged++ })
	if len(events) != 1 || events[0].ID != "evt-1" {
		t.Fatalf("expected only the good record, got %+v", events)
	}
	if logged != 1 {
		t.Fatalf("expected 1 logged drop, got %d", logged)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rec := validRecord()
	rec.ClientRef = "local-9"
	rec.InvitedIDs = []string{"f1"}
	rec.Privacy = "private"
	e, err := Decode(rec)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	back := Record(e)
	if back.ID != rec.ID || back.ClientRef != "local-9" || back.Privacy != "private" {
		t.Fatalf("round-trip lost fields: %+v", back)
	}
	if len(back.InvitedIDs) != 1 || back.InvitedIDs[0] != "f1" {
		t.Fatalf("round-trip lost invites: %+v", back.InvitedIDs)
	}
}
