package snapshot

import (
	"fmt"

	"github.com/fluxbase-eu/rlsprobe/internal/probe"
)

// DiffResult classifies every change between two snapshots. Leaks are the
// critical bucket; new permissions and regressions are informational.
type DiffResult struct {
	// Leaks are transitions from a denying outcome to an allowing one.
	Leaks []string `json:"leaks,omitempty"`
	// Regressions are every other changed outcome.
	Regressions []string `json:"regressions,omitempty"`
	// NewPermissions are cells present now that the previous snapshot
	// never recorded.
	NewPermissions []string `json:"new_permissions,omitempty"`
	// Removed are cells the previous snapshot recorded that no longer
	// appear, usually a table or scenario dropped from the policy file.
	Removed []string `json:"removed,omitempty"`
}

// IsIdentical reports whether no bucket fired.
func (d *DiffResult) IsIdentical() bool {
	return len(d.Leaks) == 0 && len(d.Regressions) == 0 &&
		len(d.NewPermissions) == 0 && len(d.Removed) == 0
}

// HasLeaks reports whether the diff found any deny-to-allow transition.
func (d *DiffResult) HasLeaks() bool {
	return len(d.Leaks) > 0
}

// Diff compares a previous snapshot against the current one. Classification
// per cell: absent before and present now is newly-introduced; DENY before
// and ALLOW now is a leak; any other change is a regression; unchanged cells
// are ignored.
func Diff(previous, current *PolicySnapshot) *DiffResult {
	diff := &DiffResult{}

	for _, e := range current.entries() {
		currentOutcome, _ := current.lookup(e)
		previousOutcome, existed := previous.lookup(e)

		switch {
		case !existed:
			diff.NewPermissions = append(diff.NewPermissions,
				fmt.Sprintf("%s -> %s -> %s (%s)", e.tableKey, e.scenario, e.op, currentOutcome))
		case previousOutcome == currentOutcome:
			// Unchanged.
		case previousOutcome == string(probe.OutcomeDeny) && currentOutcome == string(probe.OutcomeAllow):
			diff.Leaks = append(diff.Leaks, changeText(e, previousOutcome, currentOutcome))
		default:
			diff.Regressions = append(diff.Regressions, changeText(e, previousOutcome, currentOutcome))
		}
	}

	for _, e := range previous.entries() {
		if _, exists := current.lookup(e); !exists {
			previousOutcome, _ := previous.lookup(e)
			diff.Removed = append(diff.Removed,
				fmt.Sprintf("%s -> %s -> %s (was %s)", e.tableKey, e.scenario, e.op, previousOutcome))
		}
	}

	return diff
}

func changeText(e entry, previous, current string) string {
	return fmt.Sprintf("%s -> %s -> %s (changed from %s to %s)",
		e.tableKey, e.scenario, e.op, previous, current)
}
