// Package lint statically analyzes policy expressions for dangerous
// patterns. The checks are deliberately literal: trimmed string comparison
// and substring search only, so a complex expression is never flagged
// incorrectly at the cost of missing cleverly-obfuscated ones.
package lint

import (
	"fmt"
	"strings"

	"github.com/fluxbase-eu/rlsprobe/internal/introspect"
)

// Severity ranks lint findings.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Severities lists all severities from most to least severe.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
}

// Check identifiers.
const (
	CheckAlwaysTrueUsing     = "ALWAYS_TRUE_USING"
	CheckAlwaysTrueWithCheck = "ALWAYS_TRUE_WITH_CHECK"
	CheckNoAuthUIDCheck      = "NO_AUTH_UID_CHECK"
	CheckPermissiveForAll    = "PERMISSIVE_FOR_ALL"
	CheckMissingWithCheck    = "MISSING_WITH_CHECK"
	CheckRLSDisabled         = "RLS_DISABLED"
	CheckSensitiveColumn     = "SENSITIVE_COLUMN_EXPOSED"
	CheckPublicBucket        = "PUBLIC_BUCKET"
)

// Issue is one lint finding on a policy, table, column, or bucket.
type Issue struct {
	Severity   Severity `json:"severity"`
	CheckID    string   `json:"check_id"`
	PolicyFQN  string   `json:"policy"`
	Text       string   `json:"issue"`
	Expression string   `json:"expression,omitempty"`
	FixHint    string   `json:"fix_hint,omitempty"`
}

// Results groups lint issues by severity.
type Results struct {
	Issues []Issue `json:"issues"`
}

// Count returns the number of issues at the given severity.
func (r *Results) Count(sev Severity) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == sev {
			n++
		}
	}
	return n
}

// BySeverity returns issues grouped by severity, most severe first.
func (r *Results) BySeverity() map[Severity][]Issue {
	grouped := make(map[Severity][]Issue)
	for _, issue := range r.Issues {
		grouped[issue.Severity] = append(grouped[issue.Severity], issue)
	}
	return grouped
}

// Pass reports whether the results contain no CRITICAL or HIGH issues.
func (r *Results) Pass() bool {
	return r.Count(SeverityCritical) == 0 && r.Count(SeverityHigh) == 0
}

// isAlwaysTrue reports whether a trimmed expression is literally true.
func isAlwaysTrue(expr string) bool {
	trimmed := strings.TrimSpace(expr)
	return trimmed == "true" || trimmed == "(true)"
}

// policyFQN renders "schema.table.policy" for a finding.
func policyFQN(table introspect.Table, policy introspect.Policy) string {
	return table.Key() + "." + policy.Name
}

// CheckPolicies runs the five expression checks over every policy of every
// table in scope.
func CheckPolicies(tables []introspect.Table) *Results {
	results := &Results{}
	for _, table := range tables {
		for _, policy := range table.Policies {
			results.Issues = append(results.Issues, checkPolicy(table, policy)...)
		}
	}
	return results
}

func checkPolicy(table introspect.Table, policy introspect.Policy) []Issue {
	var issues []Issue
	fqn := policyFQN(table, policy)

	if policy.Using != nil && isAlwaysTrue(*policy.Using) {
		issues = append(issues, Issue{
			Severity:   SeverityCritical,
			CheckID:    CheckAlwaysTrueUsing,
			PolicyFQN:  fqn,
			Text:       "USING expression is always true, every row is visible to the policy's roles",
			Expression: *policy.Using,
			FixHint:    "Replace USING (true) with a predicate that references the caller, e.g. auth.uid() = user_id",
		})
	}

	if policy.WithCheck != nil && isAlwaysTrue(*policy.WithCheck) {
		issues = append(issues, Issue{
			Severity:   SeverityCritical,
			CheckID:    CheckAlwaysTrueWithCheck,
			PolicyFQN:  fqn,
			Text:       "WITH CHECK expression is always true, any row content can be written",
			Expression: *policy.WithCheck,
			FixHint:    "Replace WITH CHECK (true) with a predicate validating the written row, e.g. auth.uid() = user_id",
		})
	}

	if policy.Command == "SELECT" && policy.Using != nil &&
		!isAlwaysTrue(*policy.Using) &&
		!strings.Contains(*policy.Using, "auth.uid()") {
		issues = append(issues, Issue{
			Severity:   SeverityHigh,
			CheckID:    CheckNoAuthUIDCheck,
			PolicyFQN:  fqn,
			Text:       "SELECT policy does not reference auth.uid(), visibility is not tied to the caller",
			Expression: *policy.Using,
			FixHint:    "Consider scoping visibility to the caller with auth.uid()",
		})
	}

	if policy.AppliesToPublic() {
		issues = append(issues, Issue{
			Severity:  SeverityMedium,
			CheckID:   CheckPermissiveForAll,
			PolicyFQN: fqn,
			Text:      "policy applies to PUBLIC, covering every role including anon",
			FixHint:   "Restrict the policy TO authenticated (or a narrower role list)",
		})
	}

	if (policy.Command == "INSERT" || policy.Command == "UPDATE") &&
		policy.Using != nil && policy.WithCheck == nil {
		issues = append(issues, Issue{
			Severity:   SeverityMedium,
			CheckID:    CheckMissingWithCheck,
			PolicyFQN:  fqn,
			Text:       fmt.Sprintf("%s policy has USING but no WITH CHECK, written rows are not validated", policy.Command),
			Expression: *policy.Using,
			FixHint:    "Add a WITH CHECK expression mirroring the USING predicate",
		})
	}

	return issues
}
