package event

import "github.com/google/uuid"

// NewID returns a fresh event id: a random 128-bit identifier in
// canonical UUID text form, as spec'd for event_id.
func NewID() string {
	return uuid.NewString()
}
