package events

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/types"
)

// MaxQueryInstances caps the total number of occurrences a single Expand
// call may return across every series and single event.
const MaxQueryInstances = 10000

// ExpandResult is the response to an Expand call.
type ExpandResult struct {
	Occurrences []types.Occurrence
	Truncated   bool
}

// Expand returns every concrete occurrence of householdID's events that
// falls in the half-open UTC window [from, to), expanding recurring series
// and subtracting their exdates. Series are capped at MaxSeriesInstances
// instances each; the whole response is capped at MaxQueryInstances. Either
// cap sets Truncated.
func Expand(ctx context.Context, db *dbx.DB, householdID string, from, to int64) (*ExpandResult, error) {
	rows, err := db.SQL().QueryContext(ctx, `
		SELECT id, household_id, title, start_at_utc, end_at_utc, tz, rrule, exdates
		FROM events
		WHERE household_id = ? AND deleted_at IS NULL
		ORDER BY start_at_utc`, householdID)
	if err != nil {
		return nil, herrors.FromSQLError(err)
	}
	defer rows.Close()

	var out []types.Occurrence
	truncated := false

	for rows.Next() {
		var id, hh, title, tz string
		var startUTC int64
		var endUTC sql.NullInt64
		var rrule, exdates sql.NullString
		if err := rows.Scan(&id, &hh, &title, &startUTC, &endUTC, &tz, &rrule, &exdates); err != nil {
			return nil, herrors.FromSQLError(err)
		}

		if len(out) >= MaxQueryInstances {
			truncated = true
			break
		}

		if !rrule.Valid || rrule.String == "" {
			if startUTC >= from && startUTC < to {
				out = append(out, singleOccurrence(id, startUTC, endUTC))
			}
			continue
		}

		rule, err := ParseRule(rrule.String)
		if err != nil {
			return nil, err
		}
		excluded, err := parseExdateSet(exdates.String)
		if err != nil {
			return nil, err
		}

		seed := time.UnixMilli(startUTC).UTC()
		instants, seriesTruncated := rule.Expand(seed, MaxSeriesInstances)
		if seriesTruncated {
			truncated = true
		}

		duration := int64(0)
		hasEnd := endUTC.Valid
		if hasEnd {
			duration = endUTC.Int64 - startUTC
		}

		remaining := MaxQueryInstances - len(out)
		for _, inst := range instants {
			ms := inst.UnixMilli()
			if _, skip := excluded[ms]; skip {
				continue
			}
			if ms < from || ms >= to {
				continue
			}
			if remaining <= 0 {
				truncated = true
				break
			}
			occ := types.Occurrence{
				ID:         id + "::" + strconv.FormatInt(ms, 10),
				SeriesID:   id,
				StartAtUTC: ms,
			}
			if hasEnd {
				e := ms + duration
				occ.EndAtUTC = &e
			}
			out = append(out, occ)
			remaining--
		}
	}
	if err := rows.Err(); err != nil {
		return nil, herrors.FromSQLError(err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartAtUTC < out[j].StartAtUTC })
	if len(out) > MaxQueryInstances {
		out = out[:MaxQueryInstances]
		truncated = true
	}

	return &ExpandResult{Occurrences: out, Truncated: truncated}, nil
}

func singleOccurrence(id string, startUTC int64, endUTC sql.NullInt64) types.Occurrence {
	occ := types.Occurrence{ID: id, SeriesID: id, StartAtUTC: startUTC}
	if endUTC.Valid {
		e := endUTC.Int64
		occ.EndAtUTC = &e
	}
	return occ
}

// parseExdateSet parses a deduplicated, ascending, comma-separated list of
// "YYYY-MM-DDTHH:MM:SSZ" strings (the canonical exdates column form) into a
// set of UTC epoch milliseconds.
func parseExdateSet(raw string) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	if raw == "" {
		return out, nil
	}
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		t, err := time.Parse("2006-01-02T15:04:05Z", tok)
		if err != nil {
			return nil, herrors.New("EVENTS/INVALID_EXDATE", fmt.Sprintf("exdate %q is not a valid UTC timestamp", tok))
		}
		out[t.UTC().UnixMilli()] = struct{}{}
	}
	return out, nil
}

// NormalizeExdates canonicalises a raw, possibly-unsorted, possibly
// duplicate-laden exdates string into the deduplicated ascending canonical
// form, dropping entries outside [seriesStart, until] when those bounds are
// known.
func NormalizeExdates(raw string, seriesStart *time.Time, until *time.Time) (canonical string, skipped int) {
	seen := make(map[int64]struct{})
	var kept []int64
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, tok)
		if err != nil || !strings.HasSuffix(tok, "Z") {
			skipped++
			continue
		}
		t = t.UTC()
		if seriesStart != nil && t.Before(*seriesStart) {
			skipped++
			continue
		}
		if until != nil && t.After(*until) {
			skipped++
			continue
		}
		ms := t.UnixMilli()
		if _, dup := seen[ms]; dup {
			skipped++
			continue
		}
		seen[ms] = struct{}{}
		kept = append(kept, ms)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })
	parts := make([]string, 0, len(kept))
	for _, ms := range kept {
		parts = append(parts, time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05Z"))
	}
	return strings.Join(parts, ","), skipped
}
