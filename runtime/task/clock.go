package task

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time for components that make scheduling or period
// decisions, so tests can drive rollovers and retry deadlines directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// NewID mints a short unique identifier for domain records. Twelve hex
// characters of a v4 UUID keep IDs log-friendly while staying collision-safe
// at this system's scale.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
