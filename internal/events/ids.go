package events

import (
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a short prefixed identifier such as "order-1a2b3c4d".
// Entity IDs use this form; event IDs stay full UUIDs.
func NewID(prefix string) string {
	u := uuid.New()
	return fmt.Sprintf("%s-%x", prefix, u[:4])
}
