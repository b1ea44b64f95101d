// Package directory supplies read-only friend display data and the
// block-list. The feed core only ever reads from both.
package directory

import "strings"

// Friend is the display data behind a badge: name, avatar, initials.
type Friend struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Initials derives up to two uppercase initials from the display name.
func (f Friend) Initials() string {
	fields := strings.Fields(f.DisplayName)
	switch len(fields) {
	case 0:
		return ""
	case 1:
		return strings.ToUpper(firstRune(fields[0]))
	default:
		return strings.ToUpper(firstRune(fields[0]) + firstRune(fields[len(fields)-1]))
	}
}

func firstRune(s string) string {
	for _, r := range s {
		return string(r)
	}
	return ""
}

// Lookup resolves a friend id to display data. Badge derivation is pure
// and synchronous, so lookups run against an in-memory snapshot, not a
// live connection.
type Lookup interface {
	Friend(id string) (Friend, bool)
	All() []Friend
}

// Snapshot is a map-backed Lookup captured once per feed refresh.
type Snapshot map[string]Friend

func NewSnapshot(friends []Friend) Snapshot {
	s := make(Snapshot, len(friends))
	for _, f := range friends {
		s[f.ID] = f
	}
	return s
}

func (s Snapshot) Friend(id string) (Friend, bool) {
	f, ok := s[id]
	return f, ok
}

func (s Snapshot) All() []Friend {
	out := make([]Friend, 0, len(s))
	for _, f := range s {
		out = append(out, f)
	}
	return out
}

// BlockSet is the set of user ids mutually hidden from a given viewer.
// Membership is already symmetric: the repository folds both directions
// of the pair into one set.
type BlockSet map[string]struct{}

func NewBlockSet(userIDs []string) BlockSet {
	b := make(BlockSet, len(userIDs))
	for _, id := range userIDs {
		b[id] = struct{}{}
	}
	return b
}

func (b BlockSet) Blocked(userID string) bool {
	_, ok := b[userID]
	return ok
}
