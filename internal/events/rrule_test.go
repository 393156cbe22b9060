package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRuleDefaults(t *testing.T) {
	r, err := ParseRule("FREQ=DAILY")
	require.NoError(t, err)
	assert.Equal(t, FreqDaily, r.Freq)
	assert.Equal(t, 1, r.Interval)
	assert.Equal(t, 0, r.Count)
	assert.Nil(t, r.Until)
}

func TestParseRuleFullySpecified(t *testing.T) {
	r, err := ParseRule("FREQ=WEEKLY;INTERVAL=2;COUNT=5;BYDAY=MO,WE,FR")
	require.NoError(t, err)
	assert.Equal(t, FreqWeekly, r.Freq)
	assert.Equal(t, 2, r.Interval)
	assert.Equal(t, 5, r.Count)
	assert.ElementsMatch(t, []Weekday{Monday, Wednesday, Friday}, r.ByDay)
}

func TestParseRuleWithUntil(t *testing.T) {
	r, err := ParseRule("FREQ=DAILY;UNTIL=20251231T235959Z")
	require.NoError(t, err)
	require.NotNil(t, r.Until)
	assert.Equal(t, time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC), *r.Until)
}

func TestParseRuleIgnoresUnsupportedComponents(t *testing.T) {
	r, err := ParseRule("FREQ=MONTHLY;BYMONTH=3;WKST=SU")
	require.NoError(t, err)
	assert.Equal(t, FreqMonthly, r.Freq)
}

func TestParseRuleMissingFreqIsInvalid(t *testing.T) {
	_, err := ParseRule("INTERVAL=2")
	assert.Error(t, err)
}

func TestParseRuleRejectsMalformedComponent(t *testing.T) {
	_, err := ParseRule("FREQ")
	assert.Error(t, err)
}

func TestParseRuleRejectsBadFreq(t *testing.T) {
	_, err := ParseRule("FREQ=HOURLY")
	assert.Error(t, err)
}

func TestParseRuleRejectsNonPositiveInterval(t *testing.T) {
	_, err := ParseRule("FREQ=DAILY;INTERVAL=0")
	assert.Error(t, err)
}

func TestParseRuleRejectsBadByDay(t *testing.T) {
	_, err := ParseRule("FREQ=WEEKLY;BYDAY=ZZ")
	assert.Error(t, err)
}

func TestParseUntilRequiresUTCSuffix(t *testing.T) {
	_, err := ParseUntil("20251231T235959")
	assert.Error(t, err)
}

func TestParseUntilRejectsMalformed(t *testing.T) {
	_, err := ParseUntil("not-a-timestamp")
	assert.Error(t, err)
}

func TestExpandDailyRespectsCount(t *testing.T) {
	r, err := ParseRule("FREQ=DAILY;COUNT=3")
	require.NoError(t, err)

	seed := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	instants, truncated := r.Expand(seed, 0)

	require.Len(t, instants, 3)
	assert.False(t, truncated)
	assert.Equal(t, seed, instants[0])
	assert.Equal(t, seed.AddDate(0, 0, 2), instants[2])
}

func TestExpandDailyRespectsUntil(t *testing.T) {
	r, err := ParseRule("FREQ=DAILY")
	require.NoError(t, err)
	until := time.Date(2025, 1, 3, 9, 0, 0, 0, time.UTC)
	r.Until = &until

	seed := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	instants, truncated := r.Expand(seed, 0)

	require.Len(t, instants, 3)
	assert.False(t, truncated)
}

func TestExpandRespectsSeriesCap(t *testing.T) {
	r, err := ParseRule("FREQ=DAILY")
	require.NoError(t, err)

	seed := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	instants, truncated := r.Expand(seed, 5)

	require.Len(t, instants, 5)
	assert.True(t, truncated)
}

func TestExpandWeeklyByDayWalksDayByDay(t *testing.T) {
	r, err := ParseRule("FREQ=WEEKLY;INTERVAL=1;COUNT=4;BYDAY=MO,WE")
	require.NoError(t, err)

	// Seed on a Monday so the first week's Monday/Wednesday both qualify.
	seed := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC) // a Monday
	instants, truncated := r.Expand(seed, 0)

	require.Len(t, instants, 4)
	assert.False(t, truncated)

	want := []time.Time{
		seed, // the seed's own Monday occurrence
		time.Date(2025, 1, 8, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 13, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, want, instants)
	for _, inst := range instants {
		wd := inst.Weekday()
		assert.True(t, wd == time.Monday || wd == time.Wednesday)
		assert.Equal(t, 9, inst.Hour(), "occurrences must keep the seed's time-of-day")
		assert.Equal(t, 0, inst.Minute())
	}
}

func TestExpandMonthlyAndYearlyStepByPeriod(t *testing.T) {
	monthly, err := ParseRule("FREQ=MONTHLY;COUNT=3")
	require.NoError(t, err)
	seed := time.Date(2025, 1, 31, 9, 0, 0, 0, time.UTC)
	instants, _ := monthly.Expand(seed, 0)
	require.Len(t, instants, 3)

	yearly, err := ParseRule("FREQ=YEARLY;COUNT=2")
	require.NoError(t, err)
	instants, _ = yearly.Expand(seed, 0)
	require.Len(t, instants, 2)
	assert.Equal(t, seed.AddDate(1, 0, 0), instants[1])
}

func TestNormalizeExdatesDedupsAndSorts(t *testing.T) {
	raw := "2025-06-02T09:00:00Z,2025-06-01T09:00:00Z,2025-06-01T09:00:00Z"
	canonical, skipped := NormalizeExdates(raw, nil, nil)
	assert.Equal(t, "2025-06-01T09:00:00Z,2025-06-02T09:00:00Z", canonical)
	assert.Equal(t, 1, skipped)
}

func TestNormalizeExdatesDropsOutOfBoundsAndMalformed(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	raw := "2024-01-01T00:00:00Z,2025-06-01T09:00:00Z,not-a-date,2026-01-01T00:00:00Z"

	canonical, skipped := NormalizeExdates(raw, &start, &until)
	assert.Equal(t, "2025-06-01T09:00:00Z", canonical)
	assert.Equal(t, 3, skipped)
}

func TestNormalizeExdatesEmptyInput(t *testing.T) {
	canonical, skipped := NormalizeExdates("", nil, nil)
	assert.Equal(t, "", canonical)
	assert.Equal(t, 0, skipped)
}
