package runner

import (
	"sort"

	"github.com/fluxbase-eu/rlsprobe/internal/probe"
)

// TestResult is one record per executed (or synthesized) probe.
type TestResult struct {
	TableKey string          `json:"table"`
	Scenario string          `json:"scenario"`
	Op       probe.Operation `json:"operation"`
	// Expected is empty for coverage-style runs that declare no expectation.
	Expected probe.Outcome `json:"expected,omitempty"`
	Actual   probe.Outcome `json:"actual"`
	Passed     bool   `json:"passed"`
	Reason     string `json:"error_message,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// TestResults aggregates a full run.
type TestResults struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
	Skipped int `json:"skipped"`

	Results []TestResult `json:"results"`
	// Findings lists critical non-probe observations, such as configured
	// tables with RLS disabled.
	Findings   []string `json:"findings,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// Pass reports whether the run completed with no failures and no errors.
func (r *TestResults) Pass() bool {
	return r.Failed == 0 && r.Errored == 0
}

var opOrder = map[probe.Operation]int{
	probe.OpSelect: 0,
	probe.OpInsert: 1,
	probe.OpUpdate: 2,
	probe.OpDelete: 3,
}

// sortResults orders results by (table, scenario, operation) so output is
// deterministic regardless of scheduling.
func sortResults(results []TestResult) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.TableKey != b.TableKey {
			return a.TableKey < b.TableKey
		}
		if a.Scenario != b.Scenario {
			return a.Scenario < b.Scenario
		}
		return opOrder[a.Op] < opOrder[b.Op]
	})
}

// tally recomputes the aggregate counters from the detailed results.
func (r *TestResults) tally() {
	r.Total = len(r.Results)
	r.Passed, r.Failed, r.Errored, r.Skipped = 0, 0, 0, 0
	for _, result := range r.Results {
		switch {
		case result.Actual == probe.OutcomeSkipped:
			r.Skipped++
		case result.Actual == probe.OutcomeError:
			r.Errored++
		case result.Passed:
			r.Passed++
		default:
			r.Failed++
		}
	}
}
