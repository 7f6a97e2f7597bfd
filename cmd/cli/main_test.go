package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilters(t *testing.T) {
	filters, err := parseFilters([]string{"region=EU,US", "utm_source=google", "region=APAC"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"region":     {"EU", "US", "APAC"},
		"utm_source": {"google"},
	}, filters)

	_, err = parseFilters([]string{"region"})
	assert.Error(t, err)

	filters, err = parseFilters(nil)
	require.NoError(t, err)
	assert.Nil(t, filters)
}

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	progress := filepath.Join(dir, "progress.csv")

	var out bytes.Buffer
	sim := newSimulateCmd()
	sim.SetOut(&out)
	sim.SetArgs([]string{progress, "--units", "300", "--seed", "5"})
	require.NoError(t, sim.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "300 units written")

	t.Setenv("PROGRESS_FILE", progress)
	t.Setenv("CACHE_BACKEND", "file")
	t.Setenv("CACHE_PATH", filepath.Join(dir, "runs.json"))
	t.Setenv("N_PERMUTATIONS", "20")
	t.Setenv("FUNNEL_FILE", "")
	t.Setenv("LOG_LEVEL", "ERROR")

	out.Reset()
	abtest := newABTestCmd()
	abtest.SetOut(&out)
	abtest.SetArgs([]string{"--breakdown", "region", "--steps", "cart"})
	require.NoError(t, abtest.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "SEGMENT")
	assert.Contains(t, out.String(), "All")

	out.Reset()
	powerCmd := newPowerCmd()
	powerCmd.SetOut(&out)
	powerCmd.SetArgs([]string{"--steps", "cart", "--seed", "9", "--json"})
	require.NoError(t, powerCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), `"reliably_detected_effect"`)

	report := filepath.Join(dir, "report.md")
	export := newExportCmd()
	export.SetOut(&out)
	export.SetArgs([]string{report, "--steps", "cart"})
	require.NoError(t, export.ExecuteContext(context.Background()))
	assert.FileExists(t, report)
}
