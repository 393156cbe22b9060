// Package vault guards access to the attachment content vault: every
// attachment path is resolved through here so traversal, reserved names, and
// symlink escapes are rejected consistently. Segment length limits are
// checked after NFC normalisation via golang.org/x/text/unicode/norm.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"go.uber.org/zap"

	"github.com/arklowdun/dbcore/internal/herrors"
)

const (
	maxComponentBytes = 255
	maxPathBytes      = 32 * 1024
)

// Category enumerates the fixed set of attachment categories. This is the
// only open door for where a new attachment kind is wired in; every
// component name must appear here.
type Category string

const (
	CategoryBills               Category = "bills"
	CategoryPolicies            Category = "policies"
	CategoryPropertyDocuments   Category = "property_documents"
	CategoryInventoryItems      Category = "inventory_items"
	CategoryPetMedical          Category = "pet_medical"
	CategoryPetImage            Category = "pet_image"
	CategoryVehicles            Category = "vehicles"
	CategoryVehicleMaintenance  Category = "vehicle_maintenance"
	CategoryNotes               Category = "notes"
	CategoryMisc                Category = "misc"
)

var validCategories = map[Category]struct{}{
	CategoryBills:              {},
	CategoryPolicies:           {},
	CategoryPropertyDocuments:  {},
	CategoryInventoryItems:     {},
	CategoryPetMedical:         {},
	CategoryPetImage:           {},
	CategoryVehicles:           {},
	CategoryVehicleMaintenance: {},
	CategoryNotes:              {},
	CategoryMisc:               {},
}

// IsValidCategory reports whether c is one of the fixed enumeration.
func IsValidCategory(c Category) bool {
	_, ok := validCategories[c]
	return ok
}

var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

const forbiddenChars = `<>:"/\|?*`

// Guard resolves attachment paths under a single base directory.
type Guard struct {
	base   string
	logger *zap.Logger
}

// New constructs a Guard rooted at base. base must already exist as an
// absolute, canonical directory; New does not create it.
func New(base string, logger *zap.Logger) (*Guard, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, herrors.FromIOError(err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{base: filepath.Clean(abs), logger: logger}, nil
}

// Base returns the vault's root directory.
func (g *Guard) Base() string { return g.base }

// Resolve validates and resolves (householdID, category, relativePath) to an
// absolute filesystem path. See package doc for the full rejection contract.
func (g *Guard) Resolve(householdID string, category Category, relativePath string) (string, error) {
	abs, err := g.resolve(householdID, category, relativePath)
	g.log(err == nil, abs, err)
	return abs, err
}

func (g *Guard) resolve(householdID string, category Category, relativePath string) (string, error) {
	if householdID == "" || strings.ContainsAny(householdID, `/\`) {
		return "", herrors.New("INVALID_HOUSEHOLD", "household id is empty or contains a path separator").
			WithContext("household_id", householdID)
	}
	if !IsValidCategory(category) {
		return "", herrors.New("INVALID_CATEGORY", "category is not a recognised attachment category").
			WithContext("category", string(category))
	}
	if relativePath == "" {
		return "", herrors.New("FILENAME_INVALID", "relative path is empty")
	}
	if isAbsoluteLike(relativePath) {
		return "", herrors.New("PATH_OUT_OF_VAULT", "relative path must not be absolute").
			WithContext("path", relativePath)
	}

	segments := splitSegments(relativePath)
	if len(segments) == 0 {
		return "", herrors.New("FILENAME_INVALID", "relative path has no segments")
	}
	for _, seg := range segments {
		if seg == "." || seg == ".." {
			return "", herrors.New("PATH_OUT_OF_VAULT", "path segment traverses outside the vault").
				WithContext("segment", seg)
		}
		if err := validateComponent(seg); err != nil {
			return "", err
		}
	}

	rel := filepath.Join(householdID, string(category), filepath.Join(segments...))
	full := filepath.Join(g.base, rel)

	if len(full) > maxPathBytes {
		return "", herrors.New("NAME_TOO_LONG", "assembled path exceeds the maximum byte length").
			WithContext("length", strconv.Itoa(len(full)))
	}

	cleanBase := g.base + string(filepath.Separator)
	if full != g.base && !strings.HasPrefix(full, cleanBase) {
		return "", herrors.New("PATH_OUT_OF_VAULT", "resolved path escapes the vault base")
	}

	if err := rejectSymlinks(g.base, full); err != nil {
		return "", err
	}

	return full, nil
}

// Reverse takes an absolute path and a (household, category) pair and
// returns the vault-relative path, or ok=false if the path is outside the
// expected household/category subtree.
func (g *Guard) Reverse(absPath, householdID string, category Category) (relPath string, ok bool) {
	root := filepath.Join(g.base, householdID, string(category)) + string(filepath.Separator)
	clean := filepath.Clean(absPath)
	if !strings.HasPrefix(clean+string(filepath.Separator), root) && clean+string(filepath.Separator) != root {
		return "", false
	}
	rel, err := filepath.Rel(root, clean)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func isAbsoluteLike(p string) bool {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return true
	}
	if len(p) >= 2 && p[1] == ':' {
		c := p[0]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			return true
		}
	}
	return false
}

func splitSegments(p string) []string {
	p = strings.ReplaceAll(p, `\`, "/")
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func validateComponent(seg string) error {
	normalized := norm.NFC.String(seg)
	if len(normalized) > maxComponentBytes {
		return herrors.New("NAME_TOO_LONG", "path segment exceeds the maximum normalised length").
			WithContext("segment", seg)
	}
	if strings.HasSuffix(seg, " ") || strings.HasSuffix(seg, ".") {
		return herrors.New("FILENAME_INVALID", "path segment ends with a space or dot").
			WithContext("segment", seg)
	}
	for _, r := range seg {
		if r < 0x20 {
			return herrors.New("FILENAME_INVALID", "path segment contains a control character").
				WithContext("segment", seg)
		}
	}
	if strings.ContainsAny(seg, forbiddenChars) {
		return herrors.New("FILENAME_INVALID", "path segment contains a forbidden character").
			WithContext("segment", seg)
	}
	bare := seg
	if idx := strings.LastIndex(bare, "."); idx > 0 {
		bare = bare[:idx]
	}
	if _, reserved := reservedNames[strings.ToUpper(bare)]; reserved {
		return herrors.New("FILENAME_INVALID", "path segment is a reserved device name").
			WithContext("segment", seg)
	}
	return nil
}

// rejectSymlinks walks every existing segment from base down to full and
// fails if any of them is a symlink. Non-existent tail segments are allowed
// so create flows can resolve a path that doesn't exist yet. The caller must
// re-guard before every actual filesystem operation: this check accepts a
// TOCTOU window by design.
func rejectSymlinks(base, full string) error {
	rel, err := filepath.Rel(base, full)
	if err != nil {
		return herrors.New("PATH_OUT_OF_VAULT", "path is not relative to the vault base")
	}
	cur := base
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == "" {
			continue
		}
		cur = filepath.Join(cur, seg)
		info, err := os.Lstat(cur)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return herrors.FromIOError(err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return herrors.New("SYMLINK_DENIED", "path traverses a symbolic link").
				WithContext("segment", cur)
		}
	}
	return nil
}

func (g *Guard) log(allowed bool, path string, err error) {
	digest := sha256.Sum256([]byte(path))
	fields := []zap.Field{
		zap.Bool("allowed", allowed),
		zap.String("path_sha256", hex.EncodeToString(digest[:])),
	}
	if err != nil {
		if e, ok := herrors.As(err); ok {
			fields = append(fields, zap.String("code", e.Code))
		}
		g.logger.Warn("vault.deny", fields...)
		return
	}
	g.logger.Info("vault.allow", fields...)
}
