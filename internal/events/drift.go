package events

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/herrors"
)

// DriftCategory classifies why a backfilled event's stored UTC value no
// longer agrees with its legacy local value.
type DriftCategory string

const (
	DriftTimedMismatch      DriftCategory = "timed_mismatch"
	DriftAlldayBoundaryError DriftCategory = "allday_boundary_error"
	DriftTZMissing          DriftCategory = "tz_missing"
)

// driftMinuteMS is the threshold below which a timed event's recomputed
// start/end is considered noise rather than drift.
const driftMinuteMS = 60_000

// DriftRecord describes one event whose stored UTC value disagrees with what
// re-deriving it from its legacy local value and zone would produce.
type DriftRecord struct {
	EventID             string
	HouseholdID         string
	StartAt             int64
	EndAt               *int64
	RecomputedStartAt   *int64
	RecomputedEndAt     *int64
	DeltaMS             int64
	Category            DriftCategory
}

// DriftReport summarises a drift check across however many events it
// examined.
type DriftReport struct {
	TotalEvents        int
	DriftEvents        []DriftRecord
	CountsByCategory    map[DriftCategory]int
	CountsByHousehold   map[string]int
}

// DriftCheckOptions narrows a drift check to a single household; the zero
// value checks every household.
type DriftCheckOptions struct {
	HouseholdID string
}

type driftEventRow struct {
	id          string
	householdID string
	startAt     int64
	endAt       sql.NullInt64
	tz          sql.NullString
	startAtUTC  int64
	endAtUTC    sql.NullInt64
}

// RunDriftCheck re-derives every already-backfilled event's UTC value from
// its legacy local value and zone, and reports any event where the two
// disagree by a minute or more (or, for all-day events, by more than a
// calendar day). Only rows with start_at_utc already populated are
// considered: an event still awaiting backfill is not drift, it is pending
// work that Backfill will pick up.
func RunDriftCheck(ctx context.Context, db *dbx.DB, opts DriftCheckOptions) (*DriftReport, error) {
	query := `
		SELECT id, household_id, start_at, ends_at, tz, start_at_utc, end_at_utc
		FROM events
		WHERE deleted_at IS NULL
		  AND start_at_utc IS NOT NULL
		  AND (ends_at IS NULL OR end_at_utc IS NOT NULL)`
	args := []any{}
	if opts.HouseholdID != "" {
		query += " AND household_id = ?"
		args = append(args, opts.HouseholdID)
	}
	query += " ORDER BY household_id, start_at, id"

	rows, err := db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, herrors.FromSQLError(err)
	}
	defer rows.Close()

	var all []driftEventRow
	for rows.Next() {
		var r driftEventRow
		if err := rows.Scan(&r.id, &r.householdID, &r.startAt, &r.endAt, &r.tz, &r.startAtUTC, &r.endAtUTC); err != nil {
			return nil, herrors.FromSQLError(err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, herrors.FromSQLError(err)
	}

	report := &DriftReport{
		TotalEvents:       len(all),
		CountsByCategory:  make(map[DriftCategory]int),
		CountsByHousehold: make(map[string]int),
	}

	for _, row := range all {
		rec, err := evaluateDriftRow(row)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		report.DriftEvents = append(report.DriftEvents, *rec)
		report.CountsByCategory[rec.Category]++
		report.CountsByHousehold[rec.HouseholdID]++
	}

	sort.Slice(report.DriftEvents, func(i, j int) bool {
		a, b := report.DriftEvents[i], report.DriftEvents[j]
		if a.HouseholdID != b.HouseholdID {
			return a.HouseholdID < b.HouseholdID
		}
		if a.StartAt != b.StartAt {
			return a.StartAt < b.StartAt
		}
		return a.EventID < b.EventID
	})

	return report, nil
}

func evaluateDriftRow(row driftEventRow) (*DriftRecord, error) {
	tzName := row.tz.String
	if !row.tz.Valid || tzName == "" {
		return buildDriftRecord(row, DriftTZMissing, nil, nil, 0), nil
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return buildDriftRecord(row, DriftTZMissing, nil, nil, 0), nil
	}

	storedStart, err := naiveFromMillis(row.startAt)
	if err != nil {
		return nil, err
	}
	computedStart := utcFromMillis(row.startAtUTC).In(loc)

	var storedEnd *time.Time
	if row.endAt.Valid {
		t, err := naiveFromMillis(row.endAt.Int64)
		if err != nil {
			return nil, err
		}
		storedEnd = &t
	}
	var computedEnd *time.Time
	if row.endAtUTC.Valid {
		t := utcFromMillis(row.endAtUTC.Int64).In(loc)
		computedEnd = &t
	}

	if isAllDay(storedStart, storedEnd) {
		ok := allowAllDayShift(storedStart, computedStart)
		if storedEnd != nil {
			if computedEnd != nil {
				ok = ok && allowAllDayShift(*storedEnd, *computedEnd)
			} else {
				ok = false
			}
		}
		if ok {
			return nil, nil
		}
		recomputedStart := localWallClockMillis(computedStart)
		var recomputedEnd *int64
		delta := absDiff(row.startAt, recomputedStart)
		if row.endAt.Valid && computedEnd != nil {
			e := localWallClockMillis(*computedEnd)
			recomputedEnd = &e
			delta = maxInt64(delta, absDiff(row.endAt.Int64, e))
		}
		return buildDriftRecord(row, DriftAlldayBoundaryError, &recomputedStart, recomputedEnd, delta), nil
	}

	recomputedStart := localWallClockMillis(computedStart)
	delta := absDiff(row.startAt, recomputedStart)
	mismatch := delta >= driftMinuteMS

	var recomputedEnd *int64
	if row.endAt.Valid && computedEnd != nil {
		e := localWallClockMillis(*computedEnd)
		recomputedEnd = &e
		endDelta := absDiff(row.endAt.Int64, e)
		if endDelta >= driftMinuteMS {
			mismatch = true
		}
		delta = maxInt64(delta, endDelta)
	}

	if mismatch {
		return buildDriftRecord(row, DriftTimedMismatch, &recomputedStart, recomputedEnd, delta), nil
	}
	return nil, nil
}

func buildDriftRecord(row driftEventRow, category DriftCategory, recomputedStart, recomputedEnd *int64, delta int64) *DriftRecord {
	var endAt *int64
	if row.endAt.Valid {
		e := row.endAt.Int64
		endAt = &e
	}
	return &DriftRecord{
		EventID:           row.id,
		HouseholdID:       row.householdID,
		StartAt:           row.startAt,
		EndAt:             endAt,
		RecomputedStartAt: recomputedStart,
		RecomputedEndAt:   recomputedEnd,
		DeltaMS:           delta,
		Category:          category,
	}
}

// naiveFromMillis interprets ms as a naive (zone-less) wall-clock reading,
// the same representation legacy start_at/ends_at columns store.
func naiveFromMillis(ms int64) (time.Time, error) {
	return time.UnixMilli(ms).UTC(), nil
}

func utcFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// localWallClockMillis reinterprets t's wall-clock fields (already shifted
// into the event's zone by In(loc)) as if they were a naive UTC reading,
// mirroring the legacy column's representation so it is directly comparable
// to the stored local value.
func localWallClockMillis(t time.Time) int64 {
	naive := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	return naive.UnixMilli()
}

func isAllDay(start time.Time, end *time.Time) bool {
	if end == nil {
		return false
	}
	if !isMidnight(start) || !isMidnight(*end) {
		return false
	}
	d := end.Sub(start)
	return d.Hours() >= 24 && int64(d.Hours())%24 == 0
}

func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

// allowAllDayShift tolerates an all-day boundary recomputing to an adjacent
// calendar day (±1), which can happen near a DST transition at local
// midnight, without flagging it as drift.
func allowAllDayShift(stored, recomputed time.Time) bool {
	if !isMidnight(recomputed) {
		return false
	}
	storedDay := daysSinceEpoch(stored)
	recomputedDay := daysSinceEpoch(recomputed)
	diff := storedDay - recomputedDay
	if diff < 0 {
		diff = -diff
	}
	return diff <= 1
}

func daysSinceEpoch(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix() / 86400
}

func absDiff(a, b int64) int64 {
	if a >= b {
		return a - b
	}
	return b - a
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
