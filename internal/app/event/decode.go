package event

import (
	"errors"
	"fmt"

	"github.com/gatherly/backend/internal/contracts"
)

// ErrDecode marks a backend record that failed the typed decode step.
// Malformed records are dropped and logged at the boundary, never
// silently defaulted field by field.
var ErrDecode = errors.New("undecodable event record")

// Decode converts one raw backend record into a validated Event.
func Decode(rec contracts.EventRecord) (Event, error) {
	var privacy Privacy
	switch Privacy(rec.Privacy) {
	case PrivacyPublic, PrivacyPrivate:
		privacy = Privacy(rec.Privacy)
	case "":
		privacy = PrivacyPublic
	default:
		return Event{}, fmt.Errorf("%w %q: unknown privacy %q", ErrDecode, rec.ID, rec.Privacy)
	}

	e := Event{
		ID:               rec.ID,
		ClientRef:        rec.ClientRef,
		Title:            rec.Title,
		Location:         rec.Location,
		StartsAt:         rec.StartsAt,
		EndsAt:           rec.EndsAt,
		OwnerID:          rec.OwnerID,
		Privacy:          privacy,
		ImageURL:         rec.ImageURL,
		InvitedFriendIDs: dedupeIDs(rec.InvitedIDs),
		Attendance:       make(map[string]Attendance, len(rec.Attendance)),
	}
	if rec.Latitude != nil && rec.Longitude != nil {
		e.Coordinate = &Coordinate{Latitude: *rec.Latitude, Longitude: *rec.Longitude}
	}
	for _, a := range rec.Attendance {
		if a.UserID == "" {
			return Event{}, fmt.Errorf("%w %q: attendance entry without user id", ErrDecode, rec.ID)
		}
		isGoing, arrival := NormalizeAttendance(a.IsGoing, a.ArrivalTime)
		e.Attendance[a.UserID] = Attendance{IsGoing: isGoing, ArrivalTime: arrival}
	}

	if err := e.Validate(); err != nil {
		return Event{}, fmt.Errorf("%w %q: %v", ErrDecode, rec.ID, err)
	}
	return e, nil
}

// DecodeAll decodes a fetched batch, dropping malformed records. Each drop
// is reported through logf so the failure is visible without poisoning the
// whole fetch.
func DecodeAll(recs []contracts.EventRecord, logf func(format string, args ...any)) []Event {
	out := make([]Event, 0, len(recs))
	for _, rec := range recs {
		e, err := Decode(rec)
		if err != nil {
			if logf != nil {
				logf("dropping event record: %v", err)
			}
			continue
		}
		out = append(out, e)
	}
	return out
}

// Record converts an Event back to its wire form for backend writes.
func Record(e Event) contracts.EventRecord {
	rec := contracts.EventRecord{
		ID:         e.ID,
		ClientRef:  e.ClientRef,
		Title:      e.Title,
		Location:   e.Location,
		StartsAt:   e.StartsAt,
		EndsAt:     e.EndsAt,
		OwnerID:    e.OwnerID,
		Privacy:    string(e.Privacy),
		ImageURL:   e.ImageURL,
		InvitedIDs: append([]string(nil), e.InvitedFriendIDs...),
	}
	if e.Coordinate != nil {
		lat, lng := e.Coordinate.Latitude, e.Coordinate.Longitude
		rec.Latitude, rec.Longitude = &lat, &lng
	}
	for id, a := range e.Attendance {
		rec.Attendance = append(rec.Attendance, contracts.AttendanceRecord{
			UserID:      id,
			IsGoing:     a.IsGoing,
			ArrivalTime: a.ArrivalTime,
		})
	}
	return rec
}
