package cli

import (
	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/rlsprobe/internal/coverage"
	"github.com/fluxbase-eu/rlsprobe/internal/probe"
)

var (
	coverageParallelism   int
	coverageSystemSchemas bool
)

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Build the anonymous/authenticated access matrix",
	Long: `Probe every discovered table as both the anonymous and the
authenticated caller and report what each can do. Tables with RLS
disabled are reported as full-ALLOW without probing.

Examples:
  rlsprobe coverage
  rlsprobe coverage -o json`,
	RunE: runCoverage,
}

func init() {
	coverageCmd.Flags().IntVarP(&coverageParallelism, "parallelism", "j", 4,
		"number of parallel table workers (1-10)")
	coverageCmd.Flags().BoolVar(&coverageSystemSchemas, "include-system-schemas", false,
		"cover tables outside the public schema")
}

func runCoverage(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	catalog, err := sess.inspector.Discover(ctx, coverageSystemSchemas)
	if err != nil {
		return err
	}

	engine := probe.NewEngine(sess.conn, sess.inspector)
	builder := coverage.NewBuilder(engine, coverageParallelism)

	rep, err := builder.Build(ctx, catalog)
	if err != nil {
		return err
	}
	return formatter.RenderCoverage(rep)
}
