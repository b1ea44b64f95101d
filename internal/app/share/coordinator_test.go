package share

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gatherly/backend/internal/app/directory"
	"github.com/gatherly/backend/internal/app/event"
)

type senderFunc func(ctx context.Context, eventID string, recipientIDs []string) (Result, error)

func (f senderFunc) ShareEvent(ctx context.Context, eventID string, recipientIDs []string) (Result, error) {
	return f(ctx, eventID, recipientIDs)
}

func shareEvent() event.Event {
	e, err := event.New("local-1", event.Draft{
		Title:    "Picnic",
		Location: "Park",
		StartsAt: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
		OwnerID:  "owner",
	})
	if err != nil {
		panic(err)
	}
	e.InvitedFriendIDs = []string{"invited-already"}
	return e
}

func lookup() directory.Lookup {
	return directory.NewSnapshot([]directory.Friend{
		{ID: "invited-already", DisplayName: "Zed"},
		{ID: "blocked-1", DisplayName: "Bea"},
		{ID: "carol", DisplayName: "carol"},
		{ID: "alice", DisplayName: "Alice"},
		{ID: "viewer", DisplayName: "Me"},
		{ID: "owner", DisplayName: "Owner"},
	})
}

func TestBeginFiltersAndSorts(t *testing.T) {
	c := NewCoordinator(nil)
	blocks := directory.NewBlockSet([]string{"blocked-1"})

	sctx := c.Begin(shareEvent(), "viewer", lookup(), blocks)

	if len(sctx.AvailableFriends) != 2 {
		t.Fatalf("available = %d, want 2", len(sctx.AvailableFriends))
	}
	if sctx.AvailableFriends[0].ID != "alice" || sctx.AvailableFriends[1].ID != "carol" {
		t.Fatalf("order = %q, %q", sctx.AvailableFriends[0].ID, sctx.AvailableFriends[1].ID)
	}
}

func TestCompleteWithoutBegin(t *testing.T) {
	c := NewCoordinator(nil)
	if _, err := c.Complete(context.Background(), []string{"alice"}); !errors.Is(err, ErrNoActiveShare) {
		t.Fatalf("err = %v, want ErrNoActiveShare", err)
	}
}

func TestCompleteRejectsUnknownRecipient(t *testing.T) {
	c := NewCoordinator(nil)
	c.Begin(shareEvent(), "viewer", lookup(), directory.NewBlockSet(nil))

	if _, err := c.Complete(context.Background(), []string{"stranger"}); !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("err = %v, want ErrUnknownRecipient", err)
	}
	if _, ok := c.Active(); !ok {
		t.Fatal("context destroyed on validation failure")
	}
}

func TestCompletePartialFailureKeepsSuccesses(t *testing.T) {
	c := NewCoordinator(senderFunc(func(_ context.Context, eventID string, ids []string) (Result, error) {
		return Result{Succeeded: []string{"alice"}, Failed: []string{"carol"}}, nil
	}))
	c.Begin(shareEvent(), "viewer", lookup(), directory.NewBlockSet(nil))

	res, err := c.Complete(context.Background(), []string{"alice", "carol"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !res.PartialFailure() {
		t.Fatal("want partial failure")
	}
	if _, ok := c.Active(); ok {
		t.Fatal("context should be destroyed after completion")
	}
}

func TestCompleteTransportErrorKeepsContext(t *testing.T) {
	boom := errors.New("nats down")
	c := NewCoordinator(senderFunc(func(context.Context, string, []string) (Result, error) {
		return Result{}, boom
	}))
	c.Begin(shareEvent(), "viewer", lookup(), directory.NewBlockSet(nil))

	if _, err := c.Complete(context.Background(), []string{"alice"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if _, ok := c.Active(); !ok {
		t.Fatal("context should survive a transport failure for retry")
	}
}

func TestCancelDestroysContext(t *testing.T) {
	c := NewCoordinator(nil)
	c.Begin(shareEvent(), "viewer", lookup(), directory.NewBlockSet(nil))
	c.Cancel()
	if _, ok := c.Active(); ok {
		t.Fatal("context should be gone after cancel")
	}
}
