package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/rlsprobe/internal/lint"
)

var auditSystemSchemas bool

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Statically audit the full RLS posture",
	Long: `Audit policies, table grants, and storage buckets without issuing
probes: policy expression lint, RLS-disabled detection, sensitive column
exposure, and public bucket detection.

Examples:
  rlsprobe audit
  rlsprobe audit -o json`,
	RunE: runAudit,
}

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Lint policy expressions for dangerous patterns",
	Long: `Statically analyze every policy expression: always-true clauses,
missing auth.uid() checks, policies that apply to PUBLIC (every role),
and missing WITH CHECK clauses.

Examples:
  rlsprobe lint
  rlsprobe lint -o yaml`,
	RunE: runLint,
}

func init() {
	auditCmd.Flags().BoolVar(&auditSystemSchemas, "include-system-schemas", false,
		"audit tables outside the public schema")
	lintCmd.Flags().BoolVar(&auditSystemSchemas, "include-system-schemas", false,
		"lint tables outside the public schema")
}

func runAudit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	catalog, err := sess.inspector.Discover(ctx, auditSystemSchemas)
	if err != nil {
		return err
	}

	results, err := lint.Audit(ctx, sess.inspector, catalog, lint.DefaultSensitivePatterns)
	if err != nil {
		return err
	}

	if err := formatter.RenderAudit(results); err != nil {
		return err
	}
	if !results.Pass() {
		counts := results.Counts()
		return fmt.Errorf("audit found %d critical and %d high issues",
			counts[lint.SeverityCritical], counts[lint.SeverityHigh])
	}
	return nil
}

func runLint(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	catalog, err := sess.inspector.Discover(ctx, auditSystemSchemas)
	if err != nil {
		return err
	}

	results := lint.CheckPolicies(catalog.Tables)
	if err := formatter.RenderLint(results); err != nil {
		return err
	}
	if !results.Pass() {
		return fmt.Errorf("lint found %d critical and %d high issues",
			results.Count(lint.SeverityCritical), results.Count(lint.SeverityHigh))
	}
	return nil
}
