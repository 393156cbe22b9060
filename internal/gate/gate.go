// Package gate implements the write gate: a synchronous, non-blocking check
// that consults the cached health report and either lets a mutation through
// or refuses it.
package gate

import (
	"errors"
	"sync"

	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/types"
)

// Permit is returned by Check when the database is healthy. It carries no
// observable state; its only purpose is to force call sites to acknowledge
// the gate was consulted. Go has no enforced must-use attribute, so callers
// are expected to bind it (`permit := gate.Check(); _ = permit`) rather than
// discard the call outright; reviewed at code-review time, not compile time.
type Permit struct{ _ [0]byte }

// Gate holds the single cached health report shared across request
// handlers, protected by a mutex and written atomically as a whole.
type Gate struct {
	mu     sync.RWMutex
	report *types.HealthReport
}

// New constructs a Gate with no cached report; Check refuses until the first
// Update.
func New() *Gate {
	return &Gate{}
}

// Update replaces the cached health report. Callers that can heal the
// database (migration, repair, vacuum) must call Update with a fresh report
// before releasing their operation.
func (g *Gate) Update(report *types.HealthReport) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.report = report
}

// Report returns a copy of the currently cached report, or nil if none has
// ever been recorded.
func (g *Gate) Report() *types.HealthReport {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.report == nil {
		return nil
	}
	cp := *g.report
	return &cp
}

// Check consults the cached report. If it is ok, Check returns a Permit. If
// it is anything else (including "no report yet"), Check returns a
// DB_UNHEALTHY_WRITE_BLOCKED error carrying the report for UI display.
func (g *Gate) Check() (Permit, error) {
	g.mu.RLock()
	report := g.report
	g.mu.RUnlock()

	if report != nil && report.Status == types.HealthOK {
		return Permit{}, nil
	}

	status := "unknown"
	if report != nil {
		status = string(report.Status)
	}
	err := herrors.New("DB_UNHEALTHY_WRITE_BLOCKED", "the database is not known to be healthy; mutations are blocked").
		WithContext("status", status)
	return Permit{}, &blockedError{inner: err, report: report}
}

// blockedError attaches the full health report to the structured error so a
// maintenance UI can render it, without making *herrors.Error itself carry a
// report field (which would couple the generic error type to this one
// domain). The *herrors.Error is held as a named field (rather than
// embedded) because embedding a type named "Error" would shadow its own
// promoted Error() method and break the error interface.
type blockedError struct {
	inner  *herrors.Error
	report *types.HealthReport
}

// Error implements the error interface.
func (be *blockedError) Error() string { return be.inner.Error() }

// Unwrap lets errors.As/herrors.As reach the wrapped *herrors.Error from a
// *blockedError.
func (be *blockedError) Unwrap() error { return be.inner }

// Report returns the health report attached to a write-blocked error, if
// err is (or wraps) one. errors.As is used so a caller that wrapped the
// gate's error with fmt.Errorf("...: %w", err) still maps to the
// write-blocked exit path.
func Report(err error) (*types.HealthReport, bool) {
	var be *blockedError
	if !errors.As(err, &be) {
		return nil, false
	}
	return be.report, true
}
