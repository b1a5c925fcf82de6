package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxbase-eu/rlsprobe/internal/probe"
	"github.com/fluxbase-eu/rlsprobe/internal/runner"
	"github.com/fluxbase-eu/rlsprobe/internal/snapshot"
)

func tableFormatter() (*Formatter, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Formatter{Format: FormatTable, Writer: &buf}, &buf
}

func TestRenderResults_PassingProbesCollapse(t *testing.T) {
	f, buf := tableFormatter()
	results := &runner.TestResults{
		Results: []runner.TestResult{
			{TableKey: "public.posts", Scenario: "anonymous", Op: probe.OpSelect,
				Expected: probe.OutcomeDeny, Actual: probe.OutcomeDeny, Passed: true},
		},
		Total:  1,
		Passed: 1,
	}

	require.NoError(t, f.RenderResults(results))

	out := buf.String()
	assert.NotContains(t, out, "anonymous", "passing probes stay out of the table")
	assert.Contains(t, out, "1 probes: 1 passed, 0 failed, 0 errored, 0 skipped")
}

func TestRenderResults_FailureShowsFixHint(t *testing.T) {
	f, buf := tableFormatter()
	results := &runner.TestResults{
		Results: []runner.TestResult{
			{TableKey: "public.posts", Scenario: "authenticated", Op: probe.OpSelect,
				Expected: probe.OutcomeAllow, Actual: probe.OutcomeDeny},
		},
		Total:  1,
		Failed: 1,
	}

	require.NoError(t, f.RenderResults(results))
	assert.Contains(t, buf.String(), "CREATE POLICY")
}

func TestSuggestFix(t *testing.T) {
	t.Run("UnexpectedDenyOnSelect", func(t *testing.T) {
		hint := suggestFix(runner.TestResult{
			TableKey: "public.posts", Scenario: "member", Op: probe.OpSelect,
			Expected: probe.OutcomeAllow, Actual: probe.OutcomeDeny,
		})
		assert.Equal(t,
			`CREATE POLICY "member_select" ON "public"."posts" FOR SELECT TO authenticated USING (auth.uid() IS NOT NULL);`,
			hint)
	})

	t.Run("UnexpectedDenyOnInsertUsesWithCheck", func(t *testing.T) {
		hint := suggestFix(runner.TestResult{
			TableKey: "public.posts", Scenario: "member", Op: probe.OpInsert,
			Expected: probe.OutcomeAllow, Actual: probe.OutcomeDeny,
		})
		assert.Contains(t, hint, "WITH CHECK (auth.uid() IS NOT NULL)")
		assert.NotContains(t, hint, "USING")
	})

	t.Run("UnexpectedAllowPointsAtPolicies", func(t *testing.T) {
		hint := suggestFix(runner.TestResult{
			TableKey: "public.posts", Scenario: "anonymous", Op: probe.OpSelect,
			Expected: probe.OutcomeDeny, Actual: probe.OutcomeAllow,
		})
		assert.Contains(t, hint, "pg_policies")
	})

	t.Run("NoHintForPassedOrObservation", func(t *testing.T) {
		assert.Empty(t, suggestFix(runner.TestResult{
			TableKey: "public.posts", Expected: probe.OutcomeDeny,
			Actual: probe.OutcomeDeny, Passed: true,
		}))
		assert.Empty(t, suggestFix(runner.TestResult{
			TableKey: "public.posts", Actual: probe.OutcomeAllow,
		}))
		assert.Empty(t, suggestFix(runner.TestResult{
			TableKey: "public.posts", Expected: probe.OutcomeDeny,
			Actual: probe.OutcomeError,
		}))
	})
}

func TestRenderDiff(t *testing.T) {
	t.Run("Identical", func(t *testing.T) {
		f, buf := tableFormatter()
		require.NoError(t, f.RenderDiff(&snapshot.DiffResult{}))
		assert.Contains(t, buf.String(), "No policy changes detected")
	})

	t.Run("LeaksFirst", func(t *testing.T) {
		f, buf := tableFormatter()
		diff := &snapshot.DiffResult{
			Leaks:       []string{"public.posts -> anonymous -> SELECT (changed from DENY to ALLOW)"},
			Regressions: []string{"public.posts -> member -> INSERT (changed from ALLOW to DENY)"},
		}
		require.NoError(t, f.RenderDiff(diff))

		out := buf.String()
		leakIdx := bytes.Index(buf.Bytes(), []byte("LEAKS"))
		regressionIdx := bytes.Index(buf.Bytes(), []byte("Regressions"))
		assert.GreaterOrEqual(t, leakIdx, 0)
		assert.Greater(t, regressionIdx, leakIdx)
		assert.Contains(t, out, "changed from DENY to ALLOW")
	})
}
