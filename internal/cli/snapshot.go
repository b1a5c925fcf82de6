package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/rlsprobe/internal/config"
	"github.com/fluxbase-eu/rlsprobe/internal/probe"
	"github.com/fluxbase-eu/rlsprobe/internal/runner"
	"github.com/fluxbase-eu/rlsprobe/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Persist the current policy posture",
	Long: `Run the configured scenarios and save the observed outcomes as a
snapshot. A later diff run compares against it to catch policy drift.

Examples:
  rlsprobe snapshot
  rlsprobe snapshot --snapshot-path ci/rls-baseline.yaml`,
	RunE: runSnapshot,
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Compare the current posture against a saved snapshot",
	Long: `Run the configured scenarios and classify every change against the
saved snapshot. A previously denied operation that is now allowed is a
leak and fails the run.

Examples:
  rlsprobe diff
  rlsprobe diff --snapshot-path ci/rls-baseline.yaml -o json`,
	RunE: runDiff,
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	snap, opts, err := captureSnapshot(cmd)
	if err != nil {
		return err
	}

	if err := snapshot.Save(snap, opts.SnapshotPath); err != nil {
		return err
	}
	formatter.PrintInfo(fmt.Sprintf("Snapshot written to %s (%d tables)",
		opts.SnapshotPath, len(snap.Tables)))
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	current, opts, err := captureSnapshot(cmd)
	if err != nil {
		return err
	}

	previous, err := snapshot.Load(opts.SnapshotPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("no snapshot at %s, run 'rlsprobe snapshot' first", opts.SnapshotPath)
	}
	if err != nil {
		return err
	}

	diff := snapshot.Diff(previous, current)
	if err := formatter.RenderDiff(diff); err != nil {
		return err
	}
	if diff.HasLeaks() {
		return fmt.Errorf("%d leaks detected", len(diff.Leaks))
	}
	return nil
}

// captureSnapshot runs the configured scenarios and reduces the outcomes to
// snapshot shape.
func captureSnapshot(cmd *cobra.Command) (*snapshot.PolicySnapshot, *config.RunOptions, error) {
	ctx := cmd.Context()

	sess, err := openSession(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer sess.close()

	policy, err := config.LoadPolicy(sess.opts.PolicyPath)
	if err != nil {
		return nil, nil, err
	}

	catalog, err := sess.inspector.Discover(ctx, sess.opts.IncludeSystemSchemas)
	if err != nil {
		return nil, nil, err
	}

	engine := probe.NewEngine(sess.conn, sess.inspector)
	orch := runner.New(engine, catalog, nil)

	results, err := orch.Run(ctx, policy, runner.Options{
		IncludeSystemSchemas: sess.opts.IncludeSystemSchemas,
		Parallelism:          sess.opts.Parallelism,
	})
	if err != nil {
		return nil, nil, err
	}

	return snapshot.Build(results, databaseLabel(sess.opts.DatabaseURL)), sess.opts, nil
}
