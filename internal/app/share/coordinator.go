// Package share manages the ephemeral share-to-friends flow for one
// session: pick recipients, send, report partial failure.
package share

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/gatherly/backend/internal/app/directory"
	"github.com/gatherly/backend/internal/app/event"
)

var (
	ErrNoActiveShare    = errors.New("no share in progress")
	ErrNoRecipients     = errors.New("at least one recipient is required")
	ErrUnknownRecipient = errors.New("recipient is not an available friend")
)

// Result is the per-recipient outcome of a completed share. Successes are
// never rolled back when other recipients fail.
type Result struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// PartialFailure reports whether some but not all recipients failed.
func (r Result) PartialFailure() bool {
	return len(r.Failed) > 0 && len(r.Succeeded) > 0
}

// Sender issues the backend share call. The backend may batch or fan out
// per recipient; either way it reports per-recipient results.
type Sender interface {
	ShareEvent(ctx context.Context, eventID string, recipientIDs []string) (Result, error)
}

// Context is the ephemeral state of one share dialog: the target event and
// the candidate recipients. Destroyed on completion, cancel, or dismissal.
type Context struct {
	EventID          string             `json:"event_id"`
	AvailableFriends []directory.Friend `json:"available_friends"`
}

func (c *Context) available(id string) bool {
	for _, f := range c.AvailableFriends {
		if f.ID == id {
			return true
		}
	}
	return false
}

// Coordinator tracks at most one in-flight share per session. It carries
// no lock of its own; the owning session guards every call that touches
// the active context.
type Coordinator struct {
	Sender Sender
	active *Context
}

func NewCoordinator(sender Sender) *Coordinator {
	return &Coordinator{Sender: sender}
}

// Begin opens a share dialog for the event. Available friends are the
// viewer's directory minus friends already invited, minus blocked users,
// minus the event owner and the viewer themselves. Starting a new share
// replaces any previous unfinished one.
func (c *Coordinator) Begin(e event.Event, viewerID string, friends directory.Lookup, blocks directory.BlockSet) *Context {
	candidates := friends.All()
	available := make([]directory.Friend, 0, len(candidates))
	for _, f := range candidates {
		switch {
		case f.ID == viewerID || f.ID == e.OwnerID:
		case e.IsInvited(f.ID):
		case blocks.Blocked(f.ID):
		default:
			available = append(available, f)
		}
	}
	sort.Slice(available, func(i, j int) bool {
		ni := strings.ToLower(available[i].DisplayName)
		nj := strings.ToLower(available[j].DisplayName)
		if ni != nj {
			return ni < nj
		}
		return available[i].ID < available[j].ID
	})

	c.active = &Context{EventID: e.ID, AvailableFriends: available}
	return c.active
}

// Active returns the in-flight share context, if any.
func (c *Coordinator) Active() (*Context, bool) {
	if c.active == nil {
		return nil, false
	}
	return c.active, true
}

// Prepare validates the recipients against the in-flight context and
// returns it, so the caller can release its lock for the send and pass
// the context back to Commit afterwards.
func (c *Coordinator) Prepare(recipientIDs []string) (*Context, error) {
	active := c.active
	if active == nil {
		return nil, ErrNoActiveShare
	}
	if len(recipientIDs) == 0 {
		return nil, ErrNoRecipients
	}
	for _, id := range recipientIDs {
		if !active.available(id) {
			return nil, ErrUnknownRecipient
		}
	}
	return active, nil
}

// Commit destroys the context after a successful send. A context that a
// newer Begin already replaced is left alone.
func (c *Coordinator) Commit(sent *Context) {
	if c.active == sent {
		c.active = nil
	}
}

// Complete sends the share to the chosen recipients and destroys the
// context. A transport-level failure keeps the context so the user can
// retry; per-recipient failures are reported in the result without
// rolling back the successes.
func (c *Coordinator) Complete(ctx context.Context, recipientIDs []string) (Result, error) {
	active, err := c.Prepare(recipientIDs)
	if err != nil {
		return Result{}, err
	}
	result, err := c.Sender.ShareEvent(ctx, active.EventID, recipientIDs)
	if err != nil {
		return Result{}, err
	}
	c.Commit(active)
	return result, nil
}

// Cancel destroys the context without any backend call.
func (c *Coordinator) Cancel() {
	c.active = nil
}
