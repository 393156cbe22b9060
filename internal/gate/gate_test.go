package gate

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/types"
)

func TestCheckBlocksWithNoReport(t *testing.T) {
	g := New()

	_, err := g.Check()
	require.Error(t, err)
	assert.Equal(t, "DB_UNHEALTHY_WRITE_BLOCKED", herrors.Code(err))

	report, ok := Report(err)
	assert.True(t, ok)
	assert.Nil(t, report)
}

func TestCheckBlocksOnUnhealthyReport(t *testing.T) {
	g := New()
	g.Update(&types.HealthReport{Status: types.HealthError})

	_, err := g.Check()
	require.Error(t, err)

	report, ok := Report(err)
	require.True(t, ok)
	require.NotNil(t, report)
	assert.Equal(t, types.HealthError, report.Status)
}

func TestCheckAllowsOnHealthyReport(t *testing.T) {
	g := New()
	g.Update(&types.HealthReport{Status: types.HealthOK})

	permit, err := g.Check()
	require.NoError(t, err)
	assert.Equal(t, Permit{}, permit)
}

func TestUpdateReplacesCachedReport(t *testing.T) {
	g := New()
	g.Update(&types.HealthReport{Status: types.HealthOK})
	g.Update(&types.HealthReport{Status: types.HealthError})

	report := g.Report()
	require.NotNil(t, report)
	assert.Equal(t, types.HealthError, report.Status)
}

func TestReportReturnsCopy(t *testing.T) {
	g := New()
	original := &types.HealthReport{Status: types.HealthOK}
	g.Update(original)

	cp := g.Report()
	require.NotNil(t, cp)
	cp.Status = types.HealthError

	assert.Equal(t, types.HealthOK, g.Report().Status)
}

func TestReportOnNonGateError(t *testing.T) {
	_, ok := Report(errors.New("unrelated"))
	assert.False(t, ok)
}

func TestReportUnwrapsWrappedGateError(t *testing.T) {
	g := New()
	g.Update(&types.HealthReport{Status: types.HealthError})

	_, err := g.Check()
	require.Error(t, err)

	wrapped := fmt.Errorf("saving note: %w", err)
	report, ok := Report(wrapped)
	require.True(t, ok, "a wrapped write-blocked error must still be recognised")
	require.NotNil(t, report)
	assert.Equal(t, types.HealthError, report.Status)
}
