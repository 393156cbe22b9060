// Package registry holds the compile-time table of every household-scoped
// table, carrying the metadata operations that would otherwise need
// open-ended dispatch: cascade phase, attachment columns, position column.
// The set of domain tables is closed; every new table is added here
// deliberately.
package registry

import "fmt"

// CascadePhase orders the phases a household cascade delete walks through.
type CascadePhase int

const (
	PhaseNoteLinks CascadePhase = iota
	PhaseChildren
	PhaseParents
	PhaseFilesCleanup
	PhaseHousehold
)

func (p CascadePhase) String() string {
	switch p {
	case PhaseNoteLinks:
		return "note_links"
	case PhaseChildren:
		return "children"
	case PhaseParents:
		return "parents"
	case PhaseFilesCleanup:
		return "files_cleanup"
	case PhaseHousehold:
		return "household"
	default:
		return "unknown"
	}
}

// Table describes one household-scoped table's static metadata.
type Table struct {
	Name              string
	HasPosition       bool
	HasAttachmentCols bool
	Phase             CascadePhase
	// Rank orders tables within the same phase (lower first).
	Rank int
}

// Tables is the exhaustive, compile-time registry of household-scoped
// tables. Every table that carries a household_id column must be listed
// here: CheckExhaustive fails startup if the live schema names a table this
// registry does not know about.
var Tables = []Table{
	{Name: "note_links", Phase: PhaseNoteLinks, Rank: 0},

	{Name: "events", HasAttachmentCols: false, Phase: PhaseChildren, Rank: 0},
	{Name: "notes", HasPosition: true, HasAttachmentCols: true, Phase: PhaseChildren, Rank: 1},
	{Name: "bills", HasAttachmentCols: true, Phase: PhaseChildren, Rank: 2},
	{Name: "policies", HasAttachmentCols: true, Phase: PhaseChildren, Rank: 3},
	{Name: "property_documents", HasAttachmentCols: true, Phase: PhaseChildren, Rank: 4},
	{Name: "inventory_items", HasAttachmentCols: true, Phase: PhaseChildren, Rank: 5},
	{Name: "pet_medical", HasAttachmentCols: true, Phase: PhaseChildren, Rank: 6},
	{Name: "vehicle_maintenance", HasAttachmentCols: true, Phase: PhaseChildren, Rank: 7},

	{Name: "pets", HasAttachmentCols: true, Phase: PhaseParents, Rank: 0},
	{Name: "vehicles", HasAttachmentCols: true, Phase: PhaseParents, Rank: 1},
	{Name: "categories", HasPosition: true, Phase: PhaseParents, Rank: 2},

	{Name: "household", Phase: PhaseHousehold, Rank: 0},
}

// ByName looks up a table's metadata by name.
func ByName(name string) (Table, bool) {
	for _, t := range Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// InPhaseOrder returns the registry's tables grouped by cascade phase, each
// group sorted by rank, in the order a cascade delete walks them. The
// household row's own table is returned as the final phase.
func InPhaseOrder() [][]Table {
	byPhase := make(map[CascadePhase][]Table)
	for _, t := range Tables {
		byPhase[t.Phase] = append(byPhase[t.Phase], t)
	}
	phases := []CascadePhase{PhaseNoteLinks, PhaseChildren, PhaseParents, PhaseFilesCleanup, PhaseHousehold}
	out := make([][]Table, 0, len(phases))
	for _, p := range phases {
		group := byPhase[p]
		for i := 1; i < len(group); i++ {
			for j := i; j > 0 && group[j-1].Rank > group[j].Rank; j-- {
				group[j-1], group[j] = group[j], group[j-1]
			}
		}
		out = append(out, group)
	}
	return out
}

// WithAttachmentColumns returns every table that carries root_key /
// relative_path / category columns, in registry order.
func WithAttachmentColumns() []Table {
	var out []Table
	for _, t := range Tables {
		if t.HasAttachmentCols {
			out = append(out, t)
		}
	}
	return out
}

// internalTables are engine bookkeeping tables that carry a household_id
// column but are not domain tables: the cascade clears them explicitly and
// the exhaustiveness check skips them.
var internalTables = map[string]struct{}{
	"events_backfill_checkpoint": {},
	"cascade_checkpoints":        {},
	"cascade_vacuum_queue":       {},
}

// CheckExhaustive verifies that every household-scoped table name present in
// the live schema appears in this registry. liveTables is the set of table
// names the caller discovered via sqlite_master filtered to those that carry
// a household_id column.
func CheckExhaustive(liveTables []string) error {
	known := make(map[string]struct{}, len(Tables))
	for _, t := range Tables {
		known[t.Name] = struct{}{}
	}
	for name := range internalTables {
		known[name] = struct{}{}
	}
	var missing []string
	for _, name := range liveTables {
		if _, ok := known[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("registry: household-scoped tables missing from registry: %v", missing)
	}
	return nil
}
