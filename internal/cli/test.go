package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fluxbase-eu/rlsprobe/internal/config"
	"github.com/fluxbase-eu/rlsprobe/internal/probe"
	"github.com/fluxbase-eu/rlsprobe/internal/runner"
)

var (
	testTable         string
	testParallelism   int
	testSystemSchemas bool
	testAsUser        string
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run the configured RLS test scenarios",
	Long: `Run every configured scenario against the live database. Each probe
executes inside a rolled-back transaction, so the run leaves no durable
state behind.

Examples:
  rlsprobe test
  rlsprobe test --table public.todos
  rlsprobe test --as-user alice@example.com
  rlsprobe test --parallelism 8 -o json`,
	RunE: runTest,
}

func init() {
	testCmd.Flags().StringVarP(&testTable, "table", "t", "",
		"restrict the run to one table (schema.table)")
	testCmd.Flags().IntVarP(&testParallelism, "parallelism", "j", 4,
		"number of parallel table workers (1-10)")
	testCmd.Flags().BoolVar(&testSystemSchemas, "include-system-schemas", false,
		"probe tables outside the public schema")
	testCmd.Flags().StringVar(&testAsUser, "as-user", "",
		"probe as a real auth.users record (email or id)")

	_ = viper.BindPFlag("target_table", testCmd.Flags().Lookup("table"))
	_ = viper.BindPFlag("parallelism", testCmd.Flags().Lookup("parallelism"))
	_ = viper.BindPFlag("include_system_schemas", testCmd.Flags().Lookup("include-system-schemas"))
	_ = viper.BindPFlag("as_user", testCmd.Flags().Lookup("as-user"))
}

func runTest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	policy, err := config.LoadPolicy(sess.opts.PolicyPath)
	if err != nil {
		return err
	}

	catalog, err := sess.inspector.Discover(ctx, sess.opts.IncludeSystemSchemas)
	if err != nil {
		return err
	}

	engine := probe.NewEngine(sess.conn, sess.inspector)
	orch := runner.New(engine, catalog, runner.NewAuthUserLookup(sess.conn))

	results, err := orch.Run(ctx, policy, runner.Options{
		TargetTable:          sess.opts.TargetTable,
		IncludeSystemSchemas: sess.opts.IncludeSystemSchemas,
		Parallelism:          sess.opts.Parallelism,
		AsUser:               sess.opts.AsUser,
	})
	if err != nil {
		return err
	}

	if err := formatter.RenderResults(results); err != nil {
		return err
	}
	if !results.Pass() {
		return fmt.Errorf("%d failed, %d errored", results.Failed, results.Errored)
	}
	return nil
}
