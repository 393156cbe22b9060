package clock

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedClock(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	f := Fixed{At: at}

	assert.Equal(t, at.UTC(), f.Now())
	assert.Equal(t, at.UTC().UnixMilli(), f.NowMillis())
}

func TestRealClockIsUTC(t *testing.T) {
	r := Real{}
	assert.Equal(t, time.UTC, r.Now().Location())
}

func TestNewIDIsUUIDv7(t *testing.T) {
	id := NewID()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestNewIDIsTimeOrdered(t *testing.T) {
	first := NewID()
	time.Sleep(2 * time.Millisecond)
	second := NewID()
	assert.Less(t, first, second)
}

func TestResolveZoneValid(t *testing.T) {
	loc, err := ResolveZone("Europe/London")
	require.NoError(t, err)
	assert.Equal(t, "Europe/London", loc.String())
}

func TestResolveZoneEmptyIsInvalid(t *testing.T) {
	_, err := ResolveZone("")
	assert.Error(t, err)
}

func TestResolveZoneUnknownIsInvalid(t *testing.T) {
	_, err := ResolveZone("Not/AZone")
	assert.Error(t, err)
}
