// Package types holds the engine's shared data model: rows and reports that
// cross component boundaries, mirrored 1:1 from the domain tables. Nullable
// columns get pointer fields rather than sentinel values, except Event.TZ and
// Event.StartAtUTC, which are plain values although their columns allow NULL.
package types

// Household mirrors the household table.
type Household struct {
	ID        string
	Name      string
	CreatedAt int64
	UpdatedAt int64
	DeletedAt *int64
	IsDefault bool
	Color     *string
	TZ        *string
}

// Event mirrors the events table.
type Event struct {
	ID          string `json:"id"`
	HouseholdID string `json:"household_id"`
	Title       string `json:"title"`
	StartAtUTC  int64  `json:"start_at_utc"`
	EndAtUTC    *int64 `json:"end_at_utc,omitempty"`
	TZ          string `json:"tz"`
	RRule       *string `json:"rrule,omitempty"`
	Exdates     *string `json:"exdates,omitempty"`
	Reminder    *int64  `json:"reminder,omitempty"`
	CreatedAt   int64   `json:"created_at"`
	UpdatedAt   int64   `json:"updated_at"`
	DeletedAt   *int64  `json:"deleted_at,omitempty"`
}

// Occurrence is one concrete instance produced by event expansion.
type Occurrence struct {
	ID         string
	SeriesID   string
	StartAtUTC int64
	EndAtUTC   *int64
}

// Attachment describes the attachment-bearing columns shared by many domain
// tables.
type Attachment struct {
	RootKey      *string
	RelativePath *string
	Category     *string
}

// BackfillCheckpoint mirrors events_backfill_checkpoint.
type BackfillCheckpoint struct {
	HouseholdID string
	Processed   int64
	Updated     int64
	Skipped     int64
	Total       int64
	LastRowID   int64
	UpdatedAt   int64
}

// CascadeCheckpoint mirrors cascade_checkpoints.
type CascadeCheckpoint struct {
	HouseholdID    string
	PhaseIndex     int
	Phase          string
	DeletedCount   int64
	Total          int64
	RemainingPaths int64
	VacuumPending  bool
	UpdatedAt      int64
}

// BackupManifest is the per-snapshot manifest.json payload.
type BackupManifest struct {
	AppVersion  string `json:"appVersion"`
	SchemaHash  string `json:"schemaHash"`
	DBSizeBytes int64  `json:"dbSizeBytes"`
	CreatedAt   string `json:"createdAt"`
	SHA256      string `json:"sha256"`
}

// CheckResult is one entry in a HealthReport's ordered check list.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// Offender identifies a row that failed a health check (currently only
// foreign_key_check produces these).
type Offender struct {
	Table string `json:"table"`
	RowID string `json:"rowId"`
}

// HealthStatus is the overall outcome of a health pass.
type HealthStatus string

const (
	HealthOK    HealthStatus = "ok"
	HealthError HealthStatus = "error"
)

// HealthReport is the in-memory, CLI-serialisable result of a health pass.
type HealthReport struct {
	Status      HealthStatus  `json:"status"`
	Checks      []CheckResult `json:"checks"`
	Offenders   []Offender    `json:"offenders,omitempty"`
	SchemaHash  string        `json:"schemaHash"`
	AppVersion  string        `json:"appVersion"`
	GeneratedAt string        `json:"generatedAt"`
}

// BundleTableEntry is one table's manifest entry inside a bundle manifest.
type BundleTableEntry struct {
	Count  int    `json:"count"`
	SHA256 string `json:"sha256"`
}

// BundleAttachments summarises the attachments carried by a bundle.
type BundleAttachments struct {
	TotalCount     int    `json:"totalCount"`
	TotalBytes     int64  `json:"totalBytes"`
	SHA256Manifest string `json:"sha256Manifest"`
}

// BundleManifest is manifest.json for an import/export bundle.
type BundleManifest struct {
	AppVersion    string                       `json:"appVersion"`
	SchemaVersion string                       `json:"schemaVersion"`
	CreatedAt     string                       `json:"createdAt"`
	Tables        map[string]BundleTableEntry  `json:"tables"`
	Attachments   BundleAttachments            `json:"attachments"`
}
