package feed

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nuid"

	"github.com/gatherly/backend/internal/app/attendance"
	"github.com/gatherly/backend/internal/app/badge"
	"github.com/gatherly/backend/internal/app/directory"
	"github.com/gatherly/backend/internal/app/event"
	"github.com/gatherly/backend/internal/app/share"
	"github.com/gatherly/backend/internal/platform/metrics"
)

// EventPatch carries the fields an owner may change on an event. Nil
// means "leave as is".
type EventPatch struct {
	Title            *string        `json:"title,omitempty"`
	Location         *string        `json:"location,omitempty"`
	StartsAt         *time.Time     `json:"starts_at,omitempty"`
	EndsAt           *time.Time     `json:"ends_at,omitempty"`
	Privacy          *event.Privacy `json:"privacy,omitempty"`
	ImageURL         *string        `json:"image_url,omitempty"`
	InvitedFriendIDs *[]string      `json:"invited_friend_ids,omitempty"`
	Latitude         *float64       `json:"latitude,omitempty"`
	Longitude        *float64       `json:"longitude,omitempty"`
}

// Session is the per-viewer feed state: the last good backend snapshot,
// locally created events awaiting confirmation, and pending attendance
// edits. All methods are safe for concurrent use; backend and directory
// calls run outside the lock.
type Session struct {
	ViewerID string

	backend EventBackend
	dir     directory.Repository
	metrics *metrics.Set
	logf    func(format string, args ...any)
	newID   func() string

	mu           sync.Mutex
	rec          *attendance.Reconciler
	local        map[string]event.Event
	snapshot     []event.Event
	friends      directory.Snapshot
	blocks       directory.BlockSet
	haveSnapshot bool
	refreshSeq   uint64
	shares       *share.Coordinator
}

// Refresh fetches the backend snapshot and reassembles the feed.
// Overlapping refreshes follow last-requested-wins: a result whose
// request was superseded is discarded in favour of the cached state, or
// of ErrFeedUnavailable when no snapshot exists yet.
// On fetch failure the previous feed is returned marked stale together
// with ErrFeedUnavailable, so callers can keep showing it.
func (s *Session) Refresh(ctx context.Context, showAllPast bool) (Feed, error) {
	s.mu.Lock()
	s.refreshSeq++
	seq := s.refreshSeq
	s.mu.Unlock()

	recs, err := s.backend.FetchFeed(ctx, s.ViewerID)
	var friends directory.Snapshot
	var blocks directory.BlockSet
	if err == nil {
		friends, err = s.dir.FriendsOf(ctx, s.ViewerID)
	}
	if err == nil {
		blocks, err = s.dir.BlocksFor(ctx, s.ViewerID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if seq != s.refreshSeq {
		s.countRefresh("superseded")
		if !s.haveSnapshot {
			return Feed{}, fmt.Errorf("%w: superseded before first snapshot", ErrFeedUnavailable)
		}
		return s.assembleLocked(showAllPast), nil
	}
	if err != nil {
		if !s.haveSnapshot {
			s.countRefresh("failed")
			return Feed{}, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
		}
		s.countRefresh("stale")
		feed := s.assembleLocked(showAllPast)
		feed.Stale = true
		return feed, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}

	s.snapshot = event.DecodeAll(recs, s.logf)
	s.friends = friends
	s.blocks = blocks
	s.haveSnapshot = true
	s.retireConfirmedLocked()
	s.countRefresh("ok")
	return s.assembleLocked(showAllPast), nil
}

// Current reassembles the feed from the cached snapshot without touching
// the backend. Pending edits are still resolved, so the view reflects
// optimistic state applied since the last refresh.
func (s *Session) Current(showAllPast bool) (Feed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveSnapshot {
		return Feed{}, false
	}
	return s.assembleLocked(showAllPast), true
}

// CreateEvent shows the event immediately under a client-local id, then
// asks the backend to persist it. On success the confirmed copy (with
// the canonical id) replaces the local one; on failure the local copy is
// removed and the error surfaced.
func (s *Session) CreateEvent(ctx context.Context, draft event.Draft) (event.Event, error) {
	e, err := event.New(s.newID(), draft)
	if err != nil {
		return event.Event{}, err
	}

	s.mu.Lock()
	s.local[e.ID] = e
	s.mu.Unlock()

	stored, err := s.backend.CreateEvent(ctx, event.Record(e))

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.local, e.ID)
	if err != nil {
		return event.Event{}, err
	}
	confirmed, decErr := event.Decode(stored)
	if decErr != nil {
		return event.Event{}, decErr
	}
	s.upsertSnapshotLocked(confirmed)
	return confirmed, nil
}

// UpdateEvent applies an owner-only patch. The ownership check runs
// against the cached copy first so a non-owner fails fast; the backend
// enforces it again on write.
func (s *Session) UpdateEvent(ctx context.Context, eventID string, patch EventPatch) (event.Event, error) {
	s.mu.Lock()
	cached, ok := s.findLocked(eventID)
	s.mu.Unlock()
	if !ok {
		return event.Event{}, ErrEventNotFound
	}
	if cached.OwnerID != s.ViewerID {
		return event.Event{}, ErrNotEventOwner
	}

	updated := cached.Clone()
	applyPatch(&updated, patch)
	if err := updated.Validate(); err != nil {
		return event.Event{}, err
	}

	stored, err := s.backend.UpdateEvent(ctx, s.ViewerID, event.Record(updated))
	if err != nil {
		return event.Event{}, err
	}
	confirmed, decErr := event.Decode(stored)
	if decErr != nil {
		return event.Event{}, decErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertSnapshotLocked(confirmed)
	return confirmed, nil
}

func (s *Session) DeleteEvent(ctx context.Context, eventID string) error {
	s.mu.Lock()
	cached, ok := s.findLocked(eventID)
	s.mu.Unlock()
	if !ok {
		return ErrEventNotFound
	}
	if cached.OwnerID != s.ViewerID {
		return ErrNotEventOwner
	}

	if err := s.backend.DeleteEvent(ctx, s.ViewerID, eventID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeSnapshotLocked(eventID)
	s.rec.Rollback(eventID, s.ViewerID)
	return nil
}

// SetAttendance records an optimistic edit, pushes it to the backend,
// and rolls the edit back if the push fails. The returned attendance is
// the normalized optimistic value, already visible in the feed.
func (s *Session) SetAttendance(ctx context.Context, eventID string, isGoing bool, arrivalTime *time.Time) (event.Attendance, error) {
	s.mu.Lock()
	edit := s.rec.SetAttendance(eventID, s.ViewerID, isGoing, arrivalTime)
	s.mu.Unlock()

	if err := s.backend.SetAttendance(ctx, eventID, s.ViewerID, edit.IsGoing, edit.ArrivalTime); err != nil {
		s.mu.Lock()
		s.rec.RollbackEdit(eventID, s.ViewerID, edit)
		s.mu.Unlock()
		return event.Attendance{}, err
	}
	return event.Attendance{IsGoing: edit.IsGoing, ArrivalTime: edit.ArrivalTime}, nil
}

// Attendees returns the going attendees of a cached event ordered by
// stated arrival time, with the viewer's pending edit folded in.
func (s *Session) Attendees(eventID string) ([]badge.FriendBadge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.findLocked(eventID)
	if !ok {
		return nil, ErrEventNotFound
	}
	backendAtt, known := e.Attendance[s.ViewerID]
	resolved, outcome := s.rec.Resolve(eventID, s.ViewerID, backendAtt, known)
	if outcome == attendance.OutcomePendingWins {
		e = e.Clone()
		e.SetAttendance(s.ViewerID, resolved.IsGoing, resolved.ArrivalTime)
	}
	return badge.AttendeeList(e, s.friends), nil
}

// BeginShare opens the share dialog for a cached event. The candidate
// list is computed from the snapshot's directory state.
func (s *Session) BeginShare(eventID string) (*share.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.findLocked(eventID)
	if !ok {
		return nil, ErrEventNotFound
	}
	return s.shares.Begin(e, s.ViewerID, s.friends, s.blocks), nil
}

// CompleteShare sends the active share context to the chosen recipients.
// Validation and the post-send teardown run under the session lock; only
// the backend send itself runs outside it.
func (s *Session) CompleteShare(ctx context.Context, recipientIDs []string) (share.Result, error) {
	s.mu.Lock()
	active, err := s.shares.Prepare(recipientIDs)
	s.mu.Unlock()
	if err != nil {
		return share.Result{}, err
	}

	result, err := s.shares.Sender.ShareEvent(ctx, active.EventID, recipientIDs)
	if err != nil {
		return share.Result{}, err
	}

	s.mu.Lock()
	s.shares.Commit(active)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SharesDelivered.WithLabelValues("ok").Add(float64(len(result.Succeeded)))
		s.metrics.SharesDelivered.WithLabelValues("failed").Add(float64(len(result.Failed)))
	}
	return result, nil
}

func (s *Session) CancelShare() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares.Cancel()
}

// Reset discards all per-session state. Called on viewer change; nothing
// optimistic survives it.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Reset()
	s.local = map[string]event.Event{}
	s.snapshot = nil
	s.friends = nil
	s.blocks = nil
	s.haveSnapshot = false
	s.shares.Cancel()
}

func (s *Session) assembleLocked(showAllPast bool) Feed {
	localEvents := make([]event.Event, 0, len(s.local))
	for _, e := range s.local {
		localEvents = append(localEvents, e)
	}
	in := Input{
		ViewerID:         s.ViewerID,
		Now:              s.rec.Now(),
		Backend:          s.snapshot,
		LocalUnconfirmed: localEvents,
		Friends:          s.friends,
		Blocks:           s.blocks,
		ShowAllPast:      showAllPast,
	}
	if s.metrics != nil {
		in.Observe = func(o attendance.Outcome) {
			s.metrics.ReconcileOutcomes.WithLabelValues(string(o)).Inc()
		}
	}
	feed := Assemble(in, s.rec)
	if s.metrics != nil {
		s.metrics.PendingEditsActive.Set(float64(s.rec.PendingCount()))
	}
	return feed
}

// retireConfirmedLocked drops local events whose id the fresh snapshot
// echoes back as a client ref.
func (s *Session) retireConfirmedLocked() {
	if len(s.local) == 0 {
		return
	}
	for _, e := range s.snapshot {
		if e.ClientRef != "" {
			delete(s.local, e.ClientRef)
		}
		delete(s.local, e.ID)
	}
}

func (s *Session) findLocked(eventID string) (event.Event, bool) {
	for _, e := range s.snapshot {
		if e.ID == eventID {
			return e, true
		}
	}
	if e, ok := s.local[eventID]; ok {
		return e, true
	}
	return event.Event{}, false
}

func (s *Session) upsertSnapshotLocked(e event.Event) {
	for i := range s.snapshot {
		if s.snapshot[i].ID == e.ID {
			s.snapshot[i] = e
			return
		}
	}
	s.snapshot = append(s.snapshot, e)
}

func (s *Session) removeSnapshotLocked(eventID string) {
	for i := range s.snapshot {
		if s.snapshot[i].ID == eventID {
			s.snapshot = append(s.snapshot[:i], s.snapshot[i+1:]...)
			return
		}
	}
}

func (s *Session) countRefresh(outcome string) {
	if s.metrics != nil {
		s.metrics.FeedRefreshes.WithLabelValues(outcome).Inc()
	}
}

func applyPatch(e *event.Event, patch EventPatch) {
	if patch.Title != nil {
		e.Title = *patch.Title
	}
	if patch.Location != nil {
		e.Location = *patch.Location
	}
	if patch.StartsAt != nil {
		e.StartsAt = *patch.StartsAt
	}
	if patch.EndsAt != nil {
		e.EndsAt = *patch.EndsAt
	}
	if patch.Privacy != nil {
		e.SetPrivacy(*patch.Privacy)
	}
	if patch.ImageURL != nil {
		e.ImageURL = *patch.ImageURL
	}
	if patch.InvitedFriendIDs != nil {
		e.InvitedFriendIDs = append([]string(nil), (*patch.InvitedFriendIDs)...)
	}
	// Invites are meaningful only while private; a patch carrying both a
	// public privacy and an invite list must not persist the list.
	if e.Privacy == event.PrivacyPublic {
		e.InvitedFriendIDs = nil
	}
	if patch.Latitude != nil && patch.Longitude != nil {
		e.Coordinate = &event.Coordinate{Latitude: *patch.Latitude, Longitude: *patch.Longitude}
	}
}

// Manager hands out one Session per viewer and drops them on session
// change so optimistic state never leaks across logins.
type Manager struct {
	Backend EventBackend
	Dir     directory.Repository
	Metrics *metrics.Set
	Logf    func(format string, args ...any)
	NewID   func() string

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(backend EventBackend, dir directory.Repository) *Manager {
	return &Manager{
		Backend:  backend,
		Dir:      dir,
		Logf:     log.Printf,
		NewID:    nuid.Next,
		sessions: map[string]*Session{},
	}
}

func (m *Manager) Session(viewerID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[viewerID]; ok {
		return s
	}
	s := &Session{
		ViewerID: viewerID,
		backend:  m.Backend,
		dir:      m.Dir,
		metrics:  m.Metrics,
		logf:     m.Logf,
		newID:    m.NewID,
		rec:      attendance.NewReconciler(),
		local:    map[string]event.Event{},
	}
	s.shares = share.NewCoordinator(sessionSender{s})
	m.sessions[viewerID] = s
	return s
}

// Drop discards the viewer's session. Wired to login and logout so a
// viewer change always starts from a clean slate.
func (m *Manager) Drop(viewerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, viewerID)
}

// sessionSender adapts the backend share call to the coordinator's
// Sender, pinning the actor to the session's viewer.
type sessionSender struct {
	s *Session
}

func (a sessionSender) ShareEvent(ctx context.Context, eventID string, recipientIDs []string) (share.Result, error) {
	return a.s.backend.ShareEvent(ctx, a.s.ViewerID, eventID, recipientIDs)
}
