package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxbase-eu/rlsprobe/internal/probe"
	"github.com/fluxbase-eu/rlsprobe/internal/runner"
)

func sampleResults() *runner.TestResults {
	return &runner.TestResults{
		Results: []runner.TestResult{
			{TableKey: "public.posts", Scenario: "anonymous", Op: probe.OpSelect, Actual: probe.OutcomeDeny},
			{TableKey: "public.posts", Scenario: "anonymous", Op: probe.OpInsert, Actual: probe.OutcomeDeny},
			{TableKey: "public.posts", Scenario: "authenticated", Op: probe.OpSelect, Actual: probe.OutcomeAllow},
			{TableKey: "public.nopk", Scenario: "anonymous", Op: probe.OpUpdate, Actual: probe.OutcomeSkipped},
		},
	}
}

func TestBuild(t *testing.T) {
	snap := Build(sampleResults(), "db.example.com/app")

	assert.Equal(t, FormatVersion, snap.Version)
	assert.Equal(t, "db.example.com/app", snap.Database)
	assert.False(t, snap.CreatedAt.IsZero())

	assert.Equal(t, "DENY", snap.Tables["public.posts"]["anonymous"]["SELECT"])
	assert.Equal(t, "ALLOW", snap.Tables["public.posts"]["authenticated"]["SELECT"])
	assert.NotContains(t, snap.Tables, "public.nopk", "skipped probes are not snapshotted")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	snap := Build(sampleResults(), "db.example.com/app")
	path := filepath.Join(t.TempDir(), "nested", "snapshot.yaml")

	require.NoError(t, Save(snap, path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, snap.Version, loaded.Version)
	assert.Equal(t, snap.Database, loaded.Database)
	assert.Equal(t, snap.Tables, loaded.Tables)
	assert.True(t, snap.CreatedAt.Equal(loaded.CreatedAt))
}

func TestLoad_MissingFileIsNotExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoad_RejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	content := "version: 99\ntables: {}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tables: [not: a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
