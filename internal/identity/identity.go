// Package identity defines participant identifiers and the deterministic
// pairwise roles derived from them.
package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// ParticipantID identifies one client for the lifetime of a session.
// It is a UUIDv7, so comparing two IDs as strings also compares their
// creation times: the participant that joined first sorts first.
type ParticipantID string

// NewParticipantID generates a fresh time-ordered identifier.
func NewParticipantID() (ParticipantID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate participant id: %w", err)
	}
	return ParticipantID(id.String()), nil
}

func (p ParticipantID) String() string { return string(p) }

// ConnectionKey canonically names the connection between two participants.
// Both sides compute the same key regardless of argument order.
func ConnectionKey(a, b ParticipantID) string {
	if a < b {
		return string(a) + "_" + string(b)
	}
	return string(b) + "_" + string(a)
}

// IsOfferer reports whether local initiates the offer toward remote.
// The older participant (smaller UUIDv7) always offers, so exactly one
// side of any pair takes the offerer role without a coordination round
// trip.
func IsOfferer(local, remote ParticipantID) bool {
	return local < remote
}
