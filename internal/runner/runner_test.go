package runner

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxbase-eu/rlsprobe/internal/config"
	"github.com/fluxbase-eu/rlsprobe/internal/introspect"
	"github.com/fluxbase-eu/rlsprobe/internal/probe"
)

// fakeProber returns scripted outcomes keyed by "table/op" and records every
// request it sees.
type fakeProber struct {
	mu       sync.Mutex
	outcomes map[string]probe.Result
	requests []probe.Request
}

func (f *fakeProber) Probe(ctx context.Context, req probe.Request) probe.Result {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if result, ok := f.outcomes[req.Target.Key()+"/"+string(req.Op)]; ok {
		return result
	}
	return probe.Result{Outcome: probe.OutcomeDeny}
}

func enabledCatalog(keys ...string) *introspect.Catalog {
	catalog := &introspect.Catalog{}
	for _, key := range keys {
		schema, table, _ := splitKey(key)
		catalog.Tables = append(catalog.Tables, introspect.Table{
			Schema: schema, Name: table, RLSEnabled: true,
		})
	}
	return catalog
}

func denyAllConfig(keys ...string) *config.PolicyConfig {
	cfg := &config.PolicyConfig{Tables: make(map[string]*config.TableConfig)}
	for _, key := range keys {
		cfg.Tables[key] = &config.TableConfig{
			TestScenarios: []config.Scenario{{
				Name:      "anonymous",
				JWTClaims: map[string]interface{}{},
				Expected: map[string]string{
					"select": "DENY",
					"insert": "DENY",
				},
			}},
		}
	}
	return cfg
}

func TestRun_PassingScenarios(t *testing.T) {
	prober := &fakeProber{}
	orch := New(prober, enabledCatalog("public.todos"), nil)

	results, err := orch.Run(context.Background(), denyAllConfig("public.todos"), Options{Parallelism: 1})
	require.NoError(t, err)

	assert.Equal(t, 2, results.Total)
	assert.Equal(t, 2, results.Passed)
	assert.Equal(t, 0, results.Failed)
	assert.True(t, results.Pass())
	assert.Len(t, prober.requests, 2)
}

func TestRun_MismatchFails(t *testing.T) {
	prober := &fakeProber{outcomes: map[string]probe.Result{
		"public.todos/SELECT": {Outcome: probe.OutcomeAllow},
	}}
	orch := New(prober, enabledCatalog("public.todos"), nil)

	results, err := orch.Run(context.Background(), denyAllConfig("public.todos"), Options{Parallelism: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, results.Failed)
	assert.Equal(t, 1, results.Passed)
	assert.False(t, results.Pass())

	var failed *TestResult
	for i := range results.Results {
		if !results.Results[i].Passed {
			failed = &results.Results[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, probe.OutcomeDeny, failed.Expected)
	assert.Equal(t, probe.OutcomeAllow, failed.Actual)
}

func TestRun_SkippedNeverPasses(t *testing.T) {
	prober := &fakeProber{outcomes: map[string]probe.Result{
		"public.todos/SELECT": {Outcome: probe.OutcomeSkipped, Reason: "no primary key"},
	}}
	orch := New(prober, enabledCatalog("public.todos"), nil)

	results, err := orch.Run(context.Background(), denyAllConfig("public.todos"), Options{Parallelism: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, results.Skipped)
	assert.Equal(t, 1, results.Passed)
	assert.True(t, results.Pass(), "skips do not fail the run")
}

func TestRun_ErroredFailsRun(t *testing.T) {
	prober := &fakeProber{outcomes: map[string]probe.Result{
		"public.todos/INSERT": {Outcome: probe.OutcomeError, Reason: "connection lost"},
	}}
	orch := New(prober, enabledCatalog("public.todos"), nil)

	results, err := orch.Run(context.Background(), denyAllConfig("public.todos"), Options{Parallelism: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, results.Errored)
	assert.False(t, results.Pass())
}

func TestRun_SkipsNonPublicSchemas(t *testing.T) {
	prober := &fakeProber{}
	catalog := enabledCatalog("public.todos", "audit.events")
	cfg := denyAllConfig("public.todos", "audit.events")
	orch := New(prober, catalog, nil)

	t.Run("Default", func(t *testing.T) {
		results, err := orch.Run(context.Background(), cfg, Options{Parallelism: 1})
		require.NoError(t, err)
		assert.Equal(t, 2, results.Total, "only public.todos probed")
	})

	t.Run("IncludeSystemSchemas", func(t *testing.T) {
		results, err := orch.Run(context.Background(), cfg, Options{
			Parallelism:          1,
			IncludeSystemSchemas: true,
		})
		require.NoError(t, err)
		assert.Equal(t, 4, results.Total)
	})
}

func TestRun_TargetTable(t *testing.T) {
	prober := &fakeProber{}
	catalog := enabledCatalog("public.todos", "public.posts")
	cfg := denyAllConfig("public.todos", "public.posts")
	orch := New(prober, catalog, nil)

	results, err := orch.Run(context.Background(), cfg, Options{
		Parallelism: 1,
		TargetTable: "public.posts",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, results.Total)
	for _, r := range results.Results {
		assert.Equal(t, "public.posts", r.TableKey)
	}
}

func TestRun_UnknownTargetTable(t *testing.T) {
	orch := New(&fakeProber{}, enabledCatalog("public.todos"), nil)

	_, err := orch.Run(context.Background(), denyAllConfig("public.todos"), Options{
		Parallelism: 1,
		TargetTable: "public.absent",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestRun_RLSDisabledSynthesizesWithoutProbing(t *testing.T) {
	prober := &fakeProber{}
	catalog := &introspect.Catalog{Tables: []introspect.Table{
		{Schema: "public", Name: "orders", RLSEnabled: false},
	}}
	orch := New(prober, catalog, nil)

	results, err := orch.Run(context.Background(), denyAllConfig("public.orders"), Options{Parallelism: 1})
	require.NoError(t, err)

	assert.Empty(t, prober.requests, "no probe is issued against an RLS-disabled table")
	require.Len(t, results.Findings, 1)
	assert.Contains(t, results.Findings[0], "CRITICAL")
	assert.Contains(t, results.Findings[0], "public.orders")

	require.Equal(t, 2, results.Total)
	for _, r := range results.Results {
		assert.Equal(t, probe.OutcomeAllow, r.Actual)
		assert.False(t, r.Passed, "DENY was expected but RLS-off reads as ALLOW")
	}
	assert.False(t, results.Pass())
}

func TestRun_StorageBuckets(t *testing.T) {
	prober := &fakeProber{}
	cfg := &config.PolicyConfig{
		Tables: map[string]*config.TableConfig{},
		StorageBuckets: map[string]*config.TableConfig{
			"avatars": {TestScenarios: []config.Scenario{{
				Name:     "anonymous",
				Expected: map[string]string{"select": "DENY"},
			}}},
		},
	}
	orch := New(prober, &introspect.Catalog{}, nil)

	results, err := orch.Run(context.Background(), cfg, Options{Parallelism: 1})
	require.NoError(t, err)

	require.Len(t, prober.requests, 1)
	req := prober.requests[0]
	assert.Equal(t, "storage", req.Target.Schema)
	assert.Equal(t, "objects", req.Target.Table)
	assert.Equal(t, "avatars", req.Target.BucketID)
	assert.Equal(t, "storage:avatars", results.Results[0].TableKey)
}

func TestRun_ResultsSortedDeterministically(t *testing.T) {
	prober := &fakeProber{}
	keys := []string{"public.a", "public.b", "public.c", "public.d"}
	orch := New(prober, enabledCatalog(keys...), nil)

	results, err := orch.Run(context.Background(), denyAllConfig(keys...), Options{Parallelism: 4})
	require.NoError(t, err)

	sorted := sort.SliceIsSorted(results.Results, func(i, j int) bool {
		a, b := results.Results[i], results.Results[j]
		if a.TableKey != b.TableKey {
			return a.TableKey < b.TableKey
		}
		if a.Scenario != b.Scenario {
			return a.Scenario < b.Scenario
		}
		return opOrder[a.Op] < opOrder[b.Op]
	})
	assert.True(t, sorted)
	assert.Equal(t, 8, results.Total)
}

func TestRun_CoverageScenarioProbesAllOperations(t *testing.T) {
	prober := &fakeProber{}
	cfg := &config.PolicyConfig{Tables: map[string]*config.TableConfig{
		"public.todos": {TestScenarios: []config.Scenario{{
			Name:      "observer",
			JWTClaims: map[string]interface{}{"role": "authenticated"},
		}}},
	}}
	orch := New(prober, enabledCatalog("public.todos"), nil)

	results, err := orch.Run(context.Background(), cfg, Options{Parallelism: 1})
	require.NoError(t, err)

	assert.Len(t, prober.requests, 4, "expectation-free scenarios probe every operation")
	assert.Equal(t, 4, results.Passed)
	for _, r := range results.Results {
		assert.Empty(t, r.Expected)
	}
}
