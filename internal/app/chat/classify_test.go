package chat

import (
	"testing"
	"time"
)

func TestClassify_NoEndTimeIsActive(t *testing.T) {
	if got := Classify(nil, time.Now()); got != StatusActive {
		t.Fatalf("nil end time must be active, got %s", got)
	}
}

func TestClassify_Boundaries(t *testing.T) {
	end := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)
	cases := []struct {
		now  time.Time
		want Status
	}{
		{end.Add(-time.Minute), StatusActive},
		{end, StatusExpired}, // exactly at the boundary: expired, not active
		{end.Add(time.Hour), StatusExpired},
		{end.Add(ArchiveAfter - time.Second), StatusExpired},
		{end.Add(ArchiveAfter), StatusArchived}, // exactly at +7d: archived
		{end.Add(30 * 24 * time.Hour), StatusArchived},
	}
	for _, tc := range cases {
		if got := Classify(&end, tc.now); got != tc.want {
			t.Fatalf("Classify(end, %s) = %s, want %s", tc.now, got, tc.want)
		}
	}
}

func TestCanSendMessages(t *testing.T) {
	end := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)
	if !CanSendMessages(&end, end.Add(-time.Hour)) {
		t.Fatal("active chat must accept messages")
	}
	if CanSendMessages(&end, end) {
		t.Fatal("expired chat must reject messages")
	}
	if CanSendMessages(&end, end.Add(ArchiveAfter)) {
		t.Fatal("archived chat must reject messages")
	}
}
