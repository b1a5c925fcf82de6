package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/rlsprobe/internal/config"
)

var initSystemSchemas bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a starter policy file from the live schema",
	Long: `Discover the database schema and write a starter policy file: one
anonymous and one authenticated scenario per RLS-enabled table, with
everything denied for anonymous callers. Loosening the seed is an
explicit authoring decision.

Examples:
  rlsprobe init
  rlsprobe init -c rlsprobe.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initSystemSchemas, "include-system-schemas", false,
		"include tables outside the public schema")
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	catalog, err := sess.inspector.Discover(ctx, initSystemSchemas)
	if err != nil {
		return err
	}

	cfg := config.GeneratePolicyConfig(catalog)
	if len(cfg.Tables) == 0 && len(cfg.StorageBuckets) == 0 {
		return fmt.Errorf("no RLS-enabled tables discovered, nothing to scaffold")
	}

	if err := config.WritePolicy(cfg, sess.opts.PolicyPath); err != nil {
		return err
	}

	formatter.PrintInfo(fmt.Sprintf("Wrote %s with %d tables and %d storage buckets",
		sess.opts.PolicyPath, len(cfg.Tables), len(cfg.StorageBuckets)))
	for _, warning := range catalog.Warnings {
		formatter.PrintWarning(warning)
	}
	return nil
}
