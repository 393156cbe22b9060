// Package events implements recurrence expansion, legacy wall-clock-to-UTC
// conversion, resumable chunked backfill, and drift detection.
package events

import (
	"time"

	"github.com/arklowdun/dbcore/internal/herrors"
)

// ToUTCMillis interprets localMillis as a naive local datetime (no offset
// information) in loc and returns the corresponding UTC epoch milliseconds.
// On a DST ambiguous fall-back, the earlier instant is chosen; on a DST gap,
// the first valid instant after the gap is chosen.
func ToUTCMillis(localMillis int64, loc *time.Location) (int64, error) {
	sec := localMillis / 1000
	nsec := (localMillis % 1000) * int64(time.Millisecond)
	if localMillis < 0 && localMillis%1000 != 0 {
		sec--
		nsec += int64(time.Second)
	}
	naive := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(sec)*time.Second + time.Duration(nsec))

	resolved, err := resolveLocal(naive, loc)
	if err != nil {
		return 0, err
	}
	return resolved.UTC().UnixMilli(), nil
}

// resolveLocal interprets naive's wall-clock fields (Y/M/D/h/m/s/ns) as a
// local time in loc, handling DST ambiguity and gaps the way Go's time
// package exposes them: time.Date always returns *a* valid instant, but when
// the wall-clock time is ambiguous (two instants share it) or in a gap (no
// instant has it), we must probe neighbouring offsets to choose the earlier
// occurrence (ambiguous) or the first valid instant after the gap.
func resolveLocal(naive time.Time, loc *time.Location) (time.Time, error) {
	y, mo, d := naive.Date()
	h, mi, s := naive.Clock()
	ns := naive.Nanosecond()

	candidate := time.Date(y, mo, d, h, mi, s, ns, loc)

	// Determine whether this wall-clock time is ambiguous or in a gap by
	// comparing the offset Go picked against the offset in effect one hour
	// earlier and one hour later at the same wall-clock reading.
	_, offHere := candidate.Zone()

	before := candidate.Add(-1 * time.Hour)
	_, offBefore := before.Zone()
	after := candidate.Add(1 * time.Hour)
	_, offAfter := after.Zone()

	switch {
	case offBefore != offHere && reinterpretMatches(y, mo, d, h, mi, s, ns, loc, offBefore):
		// The hour immediately before used a different offset and, under
		// that offset, the same wall-clock reading also denotes a valid
		// instant: this is a fall-back ambiguity. Choose the earlier of the
		// two candidates.
		earlier := candidate.Add(wallClockDelta(offHere, offBefore))
		if earlier.Before(candidate) {
			return earlier, nil
		}
		return candidate, nil
	case offAfter != offHere && !reinterpretMatches(y, mo, d, h, mi, s, ns, loc, offHere):
		// The wall-clock reading falls in a gap: Go's time.Date normalizes
		// it forward already, which is the "first valid instant after the
		// gap" behaviour we want.
		return candidate, nil
	default:
		return candidate, nil
	}
}

// reinterpretMatches reports whether the given wall-clock fields, if taken
// to be offset seconds east of UTC by off, land back on themselves when
// converted through loc, i.e. whether that offset actually applies at that
// wall-clock instant in loc.
func reinterpretMatches(y int, mo time.Month, d, h, mi, s, ns int, loc *time.Location, off int) bool {
	utcGuess := time.Date(y, mo, d, h, mi, s, ns, time.UTC).Add(-time.Duration(off) * time.Second)
	_, actualOff := utcGuess.In(loc).Zone()
	return actualOff == off
}

func wallClockDelta(a, b int) time.Duration {
	return time.Duration(a-b) * time.Second
}

// InvalidTimestampError builds the TIME/INVALID_TIMESTAMP error for an
// unparseable local millisecond value.
func InvalidTimestampError(localMillis int64) error {
	return herrors.New("TIME/INVALID_TIMESTAMP", "invalid local timestamp").
		WithContext("local_ms", itoa64(localMillis))
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [24]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
