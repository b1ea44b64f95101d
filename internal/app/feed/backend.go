package feed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nuid"

	"github.com/gatherly/backend/internal/app/share"
	"github.com/gatherly/backend/internal/contracts"
	"github.com/gatherly/backend/internal/platform/natsutil"
	"github.com/gatherly/backend/internal/sharding"
)

var (
	ErrEventNotFound   = errors.New("event not found")
	ErrNotEventOwner   = errors.New("only the event owner can do that")
	ErrFeedUnavailable = errors.New("feed backend unavailable")
)

// EventBackend is the server store the session talks to. All calls are
// synchronous; the session layers the optimistic behaviour on top.
type EventBackend interface {
	FetchFeed(ctx context.Context, viewerID string) ([]contracts.EventRecord, error)
	CreateEvent(ctx context.Context, rec contracts.EventRecord) (contracts.EventRecord, error)
	UpdateEvent(ctx context.Context, actorID string, rec contracts.EventRecord) (contracts.EventRecord, error)
	DeleteEvent(ctx context.Context, actorID, eventID string) error
	SetAttendance(ctx context.Context, eventID, userID string, isGoing bool, arrivalTime *time.Time) error
	ShareEvent(ctx context.Context, actorID, eventID string, recipientIDs []string) (share.Result, error)
}

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS events (
  event_id text PRIMARY KEY,
  client_ref text NOT NULL DEFAULT '',
  title text NOT NULL,
  location text NOT NULL,
  starts_at timestamptz NOT NULL,
  ends_at timestamptz,
  owner_id text NOT NULL,
  privacy text NOT NULL DEFAULT 'public',
  latitude double precision,
  longitude double precision,
  image_url text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const alterEventsClientRefSQL = `
ALTER TABLE events
ADD COLUMN IF NOT EXISTS client_ref text NOT NULL DEFAULT ''`

const createEventInvitesTableSQL = `
CREATE TABLE IF NOT EXISTS event_invites (
  event_id text NOT NULL REFERENCES events(event_id) ON DELETE CASCADE,
  user_id text NOT NULL,
  invited_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (event_id, user_id)
)`

const createEventAttendanceTableSQL = `
CREATE TABLE IF NOT EXISTS event_attendance (
  event_id text NOT NULL REFERENCES events(event_id) ON DELETE CASCADE,
  user_id text NOT NULL,
  is_going boolean NOT NULL,
  arrival_time timestamptz,
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (event_id, user_id)
)`

const selectFeedEventsSQL = `
SELECT e.event_id, e.client_ref, e.title, e.location, e.starts_at, e.ends_at,
       e.owner_id, e.privacy, e.latitude, e.longitude, e.image_url
FROM events e
WHERE e.privacy = 'public'
   OR e.owner_id = $1
   OR EXISTS (SELECT 1 FROM event_invites i WHERE i.event_id = e.event_id AND i.user_id = $1)
   OR EXISTS (SELECT 1 FROM event_attendance a WHERE a.event_id = e.event_id AND a.user_id = $1)
ORDER BY e.starts_at, e.event_id
`

const selectInvitesSQL = `
SELECT event_id, user_id
FROM event_invites
WHERE event_id = ANY($1)
ORDER BY event_id, user_id
`

const selectAttendanceSQL = `
SELECT event_id, user_id, is_going, arrival_time
FROM event_attendance
WHERE event_id = ANY($1)
ORDER BY event_id, user_id
`

const insertEventSQL = `
INSERT INTO events (
  event_id, client_ref, title, location, starts_at, ends_at,
  owner_id, privacy, latitude, longitude, image_url
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

const updateEventSQL = `
UPDATE events
SET title = $2,
    location = $3,
    starts_at = $4,
    ends_at = $5,
    privacy = $6,
    latitude = $7,
    longitude = $8,
    image_url = $9,
    updated_at = now()
WHERE event_id = $1
`

const selectEventOwnerSQL = `
SELECT owner_id FROM events WHERE event_id = $1
`

const deleteEventSQL = `
DELETE FROM events WHERE event_id = $1
`

const deleteInvitesSQL = `
DELETE FROM event_invites WHERE event_id = $1
`

const insertInviteSQL = `
INSERT INTO event_invites (event_id, user_id)
VALUES ($1, $2)
ON CONFLICT (event_id, user_id) DO NOTHING
`

const upsertAttendanceSQL = `
INSERT INTO event_attendance (event_id, user_id, is_going, arrival_time, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (event_id, user_id) DO UPDATE
SET is_going = EXCLUDED.is_going,
    arrival_time = EXCLUDED.arrival_time,
    updated_at = now()
`

// PostgresBackend stores events and publishes a change notification for
// every applied write.
type PostgresBackend struct {
	Pool      *pgxpool.Pool
	Publisher natsutil.Publisher
	NewID     func() string
	Now       func() time.Time
}

func NewPostgresBackend(pool *pgxpool.Pool, publisher natsutil.Publisher) *PostgresBackend {
	return &PostgresBackend{
		Pool:      pool,
		Publisher: publisher,
		NewID:     nuid.Next,
		Now:       time.Now,
	}
}

func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createEventsTableSQL,
		alterEventsClientRefSQL,
		createEventInvitesTableSQL,
		createEventAttendanceTableSQL,
	} {
		if _, err := b.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *PostgresBackend) FetchFeed(ctx context.Context, viewerID string) ([]contracts.EventRecord, error) {
	rows, err := b.Pool.Query(ctx, selectFeedEventsSQL, viewerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []contracts.EventRecord
	index := map[string]int{}
	for rows.Next() {
		var rec contracts.EventRecord
		var endsAt *time.Time
		if err := rows.Scan(
			&rec.ID, &rec.ClientRef, &rec.Title, &rec.Location, &rec.StartsAt, &endsAt,
			&rec.OwnerID, &rec.Privacy, &rec.Latitude, &rec.Longitude, &rec.ImageURL,
		); err != nil {
			return nil, err
		}
		if endsAt != nil {
			rec.EndsAt = *endsAt
		}
		index[rec.ID] = len(recs)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return recs, nil
	}

	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	if err := b.loadInvites(ctx, ids, index, recs); err != nil {
		return nil, err
	}
	if err := b.loadAttendance(ctx, ids, index, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (b *PostgresBackend) loadInvites(ctx context.Context, ids []string, index map[string]int, recs []contracts.EventRecord) error {
	rows, err := b.Pool.Query(ctx, selectInvitesSQL, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var eventID, userID string
		if err := rows.Scan(&eventID, &userID); err != nil {
			return err
		}
		if i, ok := index[eventID]; ok {
			recs[i].InvitedIDs = append(recs[i].InvitedIDs, userID)
		}
	}
	return rows.Err()
}

func (b *PostgresBackend) loadAttendance(ctx context.Context, ids []string, index map[string]int, recs []contracts.EventRecord) error {
	rows, err := b.Pool.Query(ctx, selectAttendanceSQL, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var a contracts.AttendanceRecord
		var eventID string
		if err := rows.Scan(&eventID, &a.UserID, &a.IsGoing, &a.ArrivalTime); err != nil {
			return err
		}
		if i, ok := index[eventID]; ok {
			recs[i].Attendance = append(recs[i].Attendance, a)
		}
	}
	return rows.Err()
}

// CreateEvent assigns a canonical server id and echoes the client-local
// id back as client_ref so the session can retire its unconfirmed copy.
func (b *PostgresBackend) CreateEvent(ctx context.Context, rec contracts.EventRecord) (contracts.EventRecord, error) {
	stored := rec
	stored.ClientRef = rec.ID
	stored.ID = b.NewID()

	tx, err := b.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return contracts.EventRecord{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertEventSQL,
		stored.ID, stored.ClientRef, stored.Title, stored.Location,
		stored.StartsAt, nullableTime(stored.EndsAt),
		stored.OwnerID, stored.Privacy, stored.Latitude, stored.Longitude, stored.ImageURL,
	); err != nil {
		return contracts.EventRecord{}, err
	}
	for _, userID := range stored.InvitedIDs {
		if _, err := tx.Exec(ctx, insertInviteSQL, stored.ID, userID); err != nil {
			return contracts.EventRecord{}, err
		}
	}
	for _, a := range stored.Attendance {
		if _, err := tx.Exec(ctx, upsertAttendanceSQL, stored.ID, a.UserID, a.IsGoing, a.ArrivalTime); err != nil {
			return contracts.EventRecord{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return contracts.EventRecord{}, err
	}

	b.publishChange(stored.ID, stored.OwnerID, contracts.EventCreated)
	return stored, nil
}

func (b *PostgresBackend) UpdateEvent(ctx context.Context, actorID string, rec contracts.EventRecord) (contracts.EventRecord, error) {
	tx, err := b.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return contracts.EventRecord{}, err
	}
	defer tx.Rollback(ctx)

	if err := requireOwner(ctx, tx, rec.ID, actorID); err != nil {
		return contracts.EventRecord{}, err
	}
	if _, err := tx.Exec(ctx, updateEventSQL,
		rec.ID, rec.Title, rec.Location, rec.StartsAt, nullableTime(rec.EndsAt),
		rec.Privacy, rec.Latitude, rec.Longitude, rec.ImageURL,
	); err != nil {
		return contracts.EventRecord{}, err
	}
	// The invite list is replaced wholesale; flipping to public clears it.
	if _, err := tx.Exec(ctx, deleteInvitesSQL, rec.ID); err != nil {
		return contracts.EventRecord{}, err
	}
	for _, userID := range rec.InvitedIDs {
		if _, err := tx.Exec(ctx, insertInviteSQL, rec.ID, userID); err != nil {
			return contracts.EventRecord{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return contracts.EventRecord{}, err
	}

	b.publishChange(rec.ID, actorID, contracts.EventUpdated)
	return rec, nil
}

func (b *PostgresBackend) DeleteEvent(ctx context.Context, actorID, eventID string) error {
	tx, err := b.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := requireOwner(ctx, tx, eventID, actorID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, deleteEventSQL, eventID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	b.publishChange(eventID, actorID, contracts.EventDeleted)
	return nil
}

func (b *PostgresBackend) SetAttendance(ctx context.Context, eventID, userID string, isGoing bool, arrivalTime *time.Time) error {
	var owner string
	if err := b.Pool.QueryRow(ctx, selectEventOwnerSQL, eventID).Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrEventNotFound
		}
		return err
	}
	if !isGoing {
		arrivalTime = nil
	}
	if _, err := b.Pool.Exec(ctx, upsertAttendanceSQL, eventID, userID, isGoing, arrivalTime); err != nil {
		return err
	}
	b.publishChange(eventID, userID, contracts.AttendanceSet)
	return nil
}

// ShareEvent invites each recipient independently. A recipient failure
// lands in Failed without undoing the others.
func (b *PostgresBackend) ShareEvent(ctx context.Context, actorID, eventID string, recipientIDs []string) (share.Result, error) {
	var owner string
	if err := b.Pool.QueryRow(ctx, selectEventOwnerSQL, eventID).Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return share.Result{}, ErrEventNotFound
		}
		return share.Result{}, err
	}

	var result share.Result
	for _, userID := range recipientIDs {
		if _, err := b.Pool.Exec(ctx, insertInviteSQL, eventID, userID); err != nil {
			result.Failed = append(result.Failed, userID)
			continue
		}
		result.Succeeded = append(result.Succeeded, userID)
	}
	if len(result.Succeeded) > 0 {
		b.publishChange(eventID, actorID, contracts.EventShared)
	}
	return result, nil
}

func requireOwner(ctx context.Context, tx pgx.Tx, eventID, actorID string) error {
	var owner string
	if err := tx.QueryRow(ctx, selectEventOwnerSQL, eventID).Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrEventNotFound
		}
		return err
	}
	if owner != actorID {
		return ErrNotEventOwner
	}
	return nil
}

// publishChange is best effort: the write already committed, and readers
// reconcile on their next refresh even if the hint is lost.
func (b *PostgresBackend) publishChange(eventID, actorID, changeType string) {
	if b.Publisher == nil {
		return
	}
	change := contracts.EventChange{
		ChangeID:   b.NewID(),
		EventID:    eventID,
		ActorID:    actorID,
		ChangeType: changeType,
		OccurredAt: b.Now().UTC(),
		ShardID:    sharding.GetShardID(eventID),
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	_ = b.Publisher.Publish(sharding.ChangeSubject(eventID), payload)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
