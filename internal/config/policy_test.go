package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxbase-eu/rlsprobe/internal/probe"
)

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rlsprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPolicy_Valid(t *testing.T) {
	path := writePolicyFile(t, `
tables:
  public.todos:
    test_scenarios:
      - name: anonymous
        jwt_claims: {}
        expected_outcomes:
          select: DENY
          insert: DENY
      - name: authenticated
        jwt_claims:
          role: authenticated
          sub: user-1
        expected_outcomes:
          select: ALLOW
`)

	cfg, err := LoadPolicy(path)
	require.NoError(t, err)
	require.Contains(t, cfg.Tables, "public.todos")

	scenarios := cfg.Tables["public.todos"].TestScenarios
	require.Len(t, scenarios, 2)
	assert.Equal(t, "anonymous", scenarios[0].Name)

	expected := scenarios[0].ExpectedOutcomes(nil)
	assert.Equal(t, probe.OutcomeDeny, expected[probe.OpSelect])
	assert.Equal(t, probe.OutcomeDeny, expected[probe.OpInsert])
	_, hasUpdate := expected[probe.OpUpdate]
	assert.False(t, hasUpdate, "undeclared operations are skipped")
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadPolicy_DuplicateTableKey(t *testing.T) {
	path := writePolicyFile(t, `
tables:
  public.todos:
    test_scenarios:
      - name: anonymous
  public.todos:
    test_scenarios:
      - name: authenticated
`)

	_, err := LoadPolicy(path)
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadPolicy_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"Empty", `{}`},
		{"UnqualifiedTableKey", `
tables:
  todos:
    test_scenarios:
      - name: anonymous
`},
		{"NoScenarios", `
tables:
  public.todos:
    test_scenarios: []
`},
		{"UnnamedScenario", `
tables:
  public.todos:
    test_scenarios:
      - jwt_claims: {}
`},
		{"DuplicateScenarioName", `
tables:
  public.todos:
    test_scenarios:
      - name: anonymous
      - name: anonymous
`},
		{"UnknownOperation", `
tables:
  public.todos:
    test_scenarios:
      - name: anonymous
        expected_outcomes:
          truncate: DENY
`},
		{"ExpectationNotAllowOrDeny", `
tables:
  public.todos:
    test_scenarios:
      - name: anonymous
        expected_outcomes:
          select: SKIPPED
`},
		{"BadCustomOperation", `
tables:
  public.todos:
    custom_operations: [grant]
    test_scenarios:
      - name: anonymous
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePolicyFile(t, tt.content)
			_, err := LoadPolicy(path)
			require.Error(t, err)
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestLoadPolicy_AppliesDefaults(t *testing.T) {
	path := writePolicyFile(t, `
tables:
  public.todos:
    test_scenarios:
      - name: anonymous
      - name: authenticated
defaults:
  anonymous_user_expectations:
    select: DENY
  authenticated_user_expectations:
    select: ALLOW
  default_jwt_claims:
    anonymous: {}
    authenticated:
      role: authenticated
`)

	cfg, err := LoadPolicy(path)
	require.NoError(t, err)

	scenarios := cfg.Tables["public.todos"].TestScenarios
	anon := scenarios[0].ExpectedOutcomes(nil)
	assert.Equal(t, probe.OutcomeDeny, anon[probe.OpSelect])

	auth := scenarios[1]
	assert.Equal(t, "authenticated", auth.JWTClaims["role"])
	assert.Equal(t, probe.OutcomeAllow, auth.ExpectedOutcomes(nil)[probe.OpSelect])
}

func TestScenarioExpectedOutcomes_CustomOperations(t *testing.T) {
	scenario := Scenario{
		Name: "anonymous",
		Expected: map[string]string{
			"select": "DENY",
			"insert": "DENY",
			"delete": "DENY",
		},
	}

	restricted := scenario.ExpectedOutcomes([]string{"select", "insert"})
	assert.Len(t, restricted, 2)
	_, hasDelete := restricted[probe.OpDelete]
	assert.False(t, hasDelete)
}

func TestPolicyConfig_SortedKeys(t *testing.T) {
	cfg := &PolicyConfig{
		Tables: map[string]*TableConfig{
			"public.b": {}, "public.a": {}, "public.c": {},
		},
		StorageBuckets: map[string]*TableConfig{
			"uploads": {}, "avatars": {},
		},
	}

	assert.Equal(t, []string{"public.a", "public.b", "public.c"}, cfg.TableKeys())
	assert.Equal(t, []string{"avatars", "uploads"}, cfg.BucketNames())
}
