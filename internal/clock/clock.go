// Package clock provides the engine's time and id primitives: a monotonic
// millisecond clock, UUIDv7 id generation, and IANA zone resolution.
package clock

import (
	"time"

	// tzdata bundles the IANA zone database into the binary so zone
	// resolution does not depend on the host having zoneinfo installed.
	_ "time/tzdata"

	"github.com/google/uuid"
)

// Clock is the engine's notion of "now". Production code uses Real; tests
// substitute Fixed or a manually-advanced clock to make backfill/cascade
// resumption deterministic.
type Clock interface {
	NowMillis() int64
	Now() time.Time
}

// Real reads the system clock.
type Real struct{}

// NowMillis returns the current UTC time as milliseconds since the Unix
// epoch.
func (Real) NowMillis() int64 { return time.Now().UTC().UnixMilli() }

// Now returns the current UTC time.
func (Real) Now() time.Time { return time.Now().UTC() }

// Fixed is a Clock that always reports the same instant; useful for golden
// tests of manifests and checkpoints.
type Fixed struct {
	At time.Time
}

// NowMillis returns the fixed instant in milliseconds.
func (f Fixed) NowMillis() int64 { return f.At.UTC().UnixMilli() }

// Now returns the fixed instant.
func (f Fixed) Now() time.Time { return f.At.UTC() }

// NewID mints a UUIDv7 id: time-ordered, suitable as a primary key for rows
// created under concurrent writers.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ResolveZone parses name as an IANA zone identifier. An empty name is
// invalid; callers that want a fallback chain should apply it before calling
// ResolveZone.
func ResolveZone(name string) (*time.Location, error) {
	if name == "" {
		return nil, errInvalidZone(name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errInvalidZone(name)
	}
	return loc, nil
}

// DefaultFallbackZone is used by the backfill operation when neither the
// household nor the caller supplies a zone.
const DefaultFallbackZone = "Europe/London"

type zoneError struct{ name string }

func (e zoneError) Error() string { return "unknown timezone: " + e.name }

func errInvalidZone(name string) error { return zoneError{name: name} }
