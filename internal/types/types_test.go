package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSONRoundTripMinimal(t *testing.T) {
	in := Event{
		ID:          "evt-1",
		HouseholdID: "hh-1",
		Title:       "standup",
		TZ:          "UTC",
		StartAtUTC:  0,
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Event
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestEventJSONRoundTripAllFields(t *testing.T) {
	end := int64(1_700_003_600_000)
	rrule := "FREQ=WEEKLY;COUNT=10"
	exdates := "2024-01-02T00:00:00Z"
	reminder := int64(900_000)
	deleted := int64(1_700_100_000_000)

	in := Event{
		ID:          "evt-2",
		HouseholdID: "hh-1",
		Title:       "bin collection",
		StartAtUTC:  1_700_000_000_000,
		EndAtUTC:    &end,
		TZ:          "Europe/London",
		RRule:       &rrule,
		Exdates:     &exdates,
		Reminder:    &reminder,
		CreatedAt:   1,
		UpdatedAt:   2,
		DeletedAt:   &deleted,
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Event
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestEventJSONOmitsAbsentOptionalFields(t *testing.T) {
	data, err := json.Marshal(Event{ID: "evt-3", HouseholdID: "hh-1", Title: "once", TZ: "UTC"})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, absent := range []string{"end_at_utc", "rrule", "exdates", "reminder", "deleted_at"} {
		assert.NotContains(t, raw, absent)
	}
}

func TestBackupManifestUsesCamelCaseKeys(t *testing.T) {
	data, err := json.Marshal(BackupManifest{
		AppVersion:  "1.0.0",
		SchemaHash:  "abc",
		DBSizeBytes: 4096,
		CreatedAt:   "2024-06-01T12:00:00.000Z",
		SHA256:      "def",
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"appVersion", "schemaHash", "dbSizeBytes", "createdAt", "sha256"} {
		assert.Contains(t, raw, key)
	}
}

func TestHealthReportRoundTrip(t *testing.T) {
	in := HealthReport{
		Status: HealthError,
		Checks: []CheckResult{
			{Name: "integrity_check", Passed: true},
			{Name: "foreign_key_check", Passed: false, Details: "1 offending rows"},
		},
		Offenders:   []Offender{{Table: "events", RowID: "42"}},
		SchemaHash:  "abc",
		AppVersion:  "1.0.0",
		GeneratedAt: "2024-06-01T12:00:00Z",
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out HealthReport
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
