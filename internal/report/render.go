package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fluxbase-eu/rlsprobe/internal/coverage"
	"github.com/fluxbase-eu/rlsprobe/internal/lint"
	"github.com/fluxbase-eu/rlsprobe/internal/probe"
	"github.com/fluxbase-eu/rlsprobe/internal/runner"
	"github.com/fluxbase-eu/rlsprobe/internal/snapshot"
)

// RenderResults prints a full probe run. Table mode shows only failures,
// errors, and skips in detail; passing probes collapse into the summary line.
func (f *Formatter) RenderResults(results *runner.TestResults) error {
	if f.Format != FormatTable {
		return f.Print(results)
	}

	for _, finding := range results.Findings {
		f.PrintWarning(finding)
	}

	var rows [][]string
	for _, r := range results.Results {
		if r.Passed && r.Actual != probe.OutcomeError && r.Actual != probe.OutcomeSkipped {
			continue
		}
		detail := r.Reason
		if hint := suggestFix(r); hint != "" {
			detail = hint
		}
		rows = append(rows, []string{
			r.TableKey,
			r.Scenario,
			string(r.Op),
			string(r.Expected),
			string(r.Actual),
			detail,
		})
	}
	if len(rows) > 0 {
		f.PrintTable(TableData{
			Headers: []string{"Table", "Scenario", "Operation", "Expected", "Actual", "Detail"},
			Rows:    rows,
		})
		f.PrintInfo("")
	}

	f.PrintInfo(fmt.Sprintf("%d probes: %d passed, %d failed, %d errored, %d skipped (%s)",
		results.Total, results.Passed, results.Failed, results.Errored, results.Skipped,
		time.Duration(results.DurationMS)*time.Millisecond))
	return nil
}

// RenderLint prints lint findings grouped by severity, most severe first.
func (f *Formatter) RenderLint(results *lint.Results) error {
	if f.Format != FormatTable {
		return f.Print(results)
	}

	if len(results.Issues) == 0 {
		f.PrintInfo("No issues found")
		return nil
	}

	grouped := results.BySeverity()
	for _, sev := range lint.Severities() {
		issues := grouped[sev]
		if len(issues) == 0 {
			continue
		}
		f.PrintInfo(fmt.Sprintf("%s (%d)", sev, len(issues)))
		rows := make([][]string, 0, len(issues))
		for _, issue := range issues {
			rows = append(rows, []string{issue.CheckID, issue.PolicyFQN, issue.Text, issue.FixHint})
		}
		f.PrintTable(TableData{
			Headers: []string{"Check", "Target", "Issue", "Fix"},
			Rows:    rows,
		})
		f.PrintInfo("")
	}
	return nil
}

// RenderAudit prints the combined audit with a per-severity summary.
func (f *Formatter) RenderAudit(results *lint.AuditResults) error {
	if f.Format != FormatTable {
		return f.Print(results)
	}

	if err := f.RenderLint(results.Lint); err != nil {
		return err
	}

	counts := results.Counts()
	f.PrintInfo(fmt.Sprintf("Audit summary: %d critical, %d high, %d medium, %d low",
		counts[lint.SeverityCritical], counts[lint.SeverityHigh],
		counts[lint.SeverityMedium], counts[lint.SeverityLow]))
	return nil
}

// RenderCoverage prints the access matrix, one row per table and role.
func (f *Formatter) RenderCoverage(report *coverage.Report) error {
	if f.Format != FormatTable {
		return f.Print(report)
	}

	for _, warning := range report.Warnings {
		f.PrintWarning(warning)
	}

	rows := make([][]string, 0, len(report.Tables)*2)
	for _, table := range report.Tables {
		roles := make([]string, 0, len(table.Access))
		for role := range table.Access {
			roles = append(roles, role)
		}
		sort.Strings(roles)

		for _, role := range roles {
			row := []string{table.TableKey, rlsLabel(table.RLSEnabled), role}
			for _, op := range probe.Operations() {
				row = append(row, string(table.Access[role][op]))
			}
			rows = append(rows, row)
		}
	}

	f.PrintTable(TableData{
		Headers: []string{"Table", "RLS", "Role", "Select", "Insert", "Update", "Delete"},
		Rows:    rows,
	})
	f.PrintInfo("")
	f.PrintInfo(fmt.Sprintf("%d tables covered (%s)", len(report.Tables), time.Duration(report.DurationMS)*time.Millisecond))
	return nil
}

// RenderDiff prints a snapshot diff, leaks first.
func (f *Formatter) RenderDiff(diff *snapshot.DiffResult) error {
	if f.Format != FormatTable {
		return f.Print(diff)
	}

	if diff.IsIdentical() {
		f.PrintInfo("No policy changes detected")
		return nil
	}

	sections := []struct {
		title string
		lines []string
	}{
		{"LEAKS (previously denied, now allowed)", diff.Leaks},
		{"Regressions", diff.Regressions},
		{"New permissions", diff.NewPermissions},
		{"Removed", diff.Removed},
	}
	for _, section := range sections {
		if len(section.lines) == 0 {
			continue
		}
		f.PrintInfo(section.title)
		for _, line := range section.lines {
			f.PrintInfo("  " + line)
		}
		f.PrintInfo("")
	}
	return nil
}

// suggestFix proposes a corrective SQL statement for a policy mismatch.
// Unexpected denials get a policy template; unexpected allows point at the
// permissive policies to review.
func suggestFix(r runner.TestResult) string {
	if r.Expected == "" || r.Passed || r.Actual == probe.OutcomeError || r.Actual == probe.OutcomeSkipped {
		return ""
	}

	schema, table, found := strings.Cut(r.TableKey, ".")
	if !found {
		return ""
	}
	qualified := fmt.Sprintf("%q.%q", schema, table)

	if r.Expected == probe.OutcomeAllow && r.Actual == probe.OutcomeDeny {
		clause := "USING (auth.uid() IS NOT NULL)"
		if r.Op == probe.OpInsert {
			clause = "WITH CHECK (auth.uid() IS NOT NULL)"
		}
		return fmt.Sprintf("CREATE POLICY %q ON %s FOR %s TO authenticated %s;",
			r.Scenario+"_"+strings.ToLower(string(r.Op)), qualified, r.Op, clause)
	}

	return fmt.Sprintf("SELECT policyname, qual FROM pg_policies WHERE schemaname = '%s' AND tablename = '%s'; -- tighten the policy that allows %s",
		schema, table, r.Op)
}

func rlsLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
