// Package badge derives the ordered relationship badges shown on each
// feed event for a given viewer.
package badge

import (
	"sort"
	"strings"

	"github.com/gatherly/backend/internal/app/directory"
	"github.com/gatherly/backend/internal/app/event"
)

type Role string

const (
	RoleMe          Role = "me"
	RoleGoing       Role = "going"
	RoleInvitedByMe Role = "invitedByMe"
	RoleInvitedMe   Role = "invitedMe"
)

// rolePriority: lower wins when a friend qualifies for multiple roles.
var rolePriority = map[Role]int{
	RoleMe:          0,
	RoleGoing:       1,
	RoleInvitedByMe: 2,
	RoleInvitedMe:   3,
}

// FriendBadge pairs a friend's display data with their relationship role.
type FriendBadge struct {
	Friend directory.Friend `json:"friend"`
	Role   Role             `json:"role"`
}

// Derive computes the badge list for one event as seen by viewerID. The
// result never contains two entries for the same friend id; a friend
// qualifying for multiple roles keeps only the highest-priority one.
// Ordering: the viewer's own badge first, the rest by display name
// (case-insensitive), ties broken by id.
func Derive(e event.Event, viewerID string, friends directory.Lookup) []FriendBadge {
	roles := map[string]Role{}

	assign := func(id string, role Role) {
		if id == "" {
			return
		}
		if current, ok := roles[id]; ok && rolePriority[current] <= rolePriority[role] {
			return
		}
		roles[id] = role
	}

	// The viewer's own badge appears when they own the event or attend it.
	if viewerID == e.OwnerID {
		assign(viewerID, RoleMe)
	} else if a, ok := e.Attendance[viewerID]; ok && a.IsGoing {
		assign(viewerID, RoleMe)
	}

	for id, a := range e.Attendance {
		if id == viewerID {
			continue
		}
		if a.IsGoing {
			assign(id, RoleGoing)
		}
	}

	if viewerID == e.OwnerID {
		for _, id := range e.InvitedFriendIDs {
			if id == viewerID {
				continue
			}
			assign(id, RoleInvitedByMe)
		}
	}

	if viewerID != e.OwnerID && e.IsInvited(viewerID) {
		assign(e.OwnerID, RoleInvitedMe)
	}

	badges := make([]FriendBadge, 0, len(roles))
	for id, role := range roles {
		badges = append(badges, FriendBadge{Friend: resolve(friends, id), Role: role})
	}

	sort.Slice(badges, func(i, j int) bool {
		if (badges[i].Role == RoleMe) != (badges[j].Role == RoleMe) {
			return badges[i].Role == RoleMe
		}
		ni := strings.ToLower(badges[i].Friend.DisplayName)
		nj := strings.ToLower(badges[j].Friend.DisplayName)
		if ni != nj {
			return ni < nj
		}
		return badges[i].Friend.ID < badges[j].Friend.ID
	})
	return badges
}

// AttendeeList returns the going attendees ordered for the detail view:
// arrival time ascending with missing times last, ties broken by name.
func AttendeeList(e event.Event, friends directory.Lookup) []FriendBadge {
	going := make([]struct {
		badge   FriendBadge
		arrival *int64
	}, 0, len(e.Attendance))

	for id, a := range e.Attendance {
		if !a.IsGoing {
			continue
		}
		var arrival *int64
		if a.ArrivalTime != nil {
			v := a.ArrivalTime.UnixNano()
			arrival = &v
		}
		going = append(going, struct {
			badge   FriendBadge
			arrival *int64
		}{
			badge:   FriendBadge{Friend: resolve(friends, id), Role: RoleGoing},
			arrival: arrival,
		})
	}

	sort.Slice(going, func(i, j int) bool {
		ai, aj := going[i].arrival, going[j].arrival
		switch {
		case ai != nil && aj != nil && *ai != *aj:
			return *ai < *aj
		case ai == nil && aj != nil:
			return false
		case ai != nil && aj == nil:
			return true
		}
		ni := strings.ToLower(going[i].badge.Friend.DisplayName)
		nj := strings.ToLower(going[j].badge.Friend.DisplayName)
		if ni != nj {
			return ni < nj
		}
		return going[i].badge.Friend.ID < going[j].badge.Friend.ID
	})

	out := make([]FriendBadge, len(going))
	for i, g := range going {
		out[i] = g.badge
	}
	return out
}

// resolve falls back to an id-only friend when the directory has no entry,
// so unknown attendees still render deterministically.
func resolve(friends directory.Lookup, id string) directory.Friend {
	if friends != nil {
		if f, ok := friends.Friend(id); ok {
			return f
		}
	}
	return directory.Friend{ID: id, DisplayName: id}
}
