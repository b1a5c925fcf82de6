// Package cli provides the Cobra commands for rlsprobe.
package cli

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fluxbase-eu/rlsprobe/internal/report"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"

	// Global flags
	dbURL        string
	policyPath   string
	snapshotPath string
	outputFmt    string
	quiet        bool
	debug        bool

	// Shared across commands
	formatter *report.Formatter
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "rlsprobe",
	Short: "rlsprobe - Test and audit PostgreSQL row level security",
	Long: `rlsprobe probes the row level security posture of a PostgreSQL or
Supabase database without leaving a trace: every probe runs inside a
transaction that is always rolled back.

Commands:
  test      Run the configured policy scenarios against the database
  audit     Statically audit policies, grants, and storage buckets
  lint      Lint policy expressions for dangerous patterns
  coverage  Build the anonymous/authenticated access matrix
  snapshot  Persist the current policy posture
  diff      Compare the current posture against a saved snapshot
  init      Generate a starter policy file from the live schema

Get started:
  rlsprobe init --db-url postgres://...
  rlsprobe test`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceErrors = quiet

		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		if debug || viper.GetBool("debug") {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		}

		format, err := report.ParseFormat(outputFmt)
		if err != nil {
			return err
		}
		formatter = report.NewFormatter(format, quiet)
		return nil
	},
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the CLI under a cancellable context. In-flight probes
// finish their rollback path before workers exit.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "",
		"PostgreSQL connection string (or RLSPROBE_DATABASE_URL / DATABASE_URL)")
	rootCmd.PersistentFlags().StringVarP(&policyPath, "config", "c", "rlsprobe.yaml",
		"policy configuration file")
	rootCmd.PersistentFlags().StringVar(&snapshotPath, "snapshot-path", ".rlsprobe/snapshot.yaml",
		"snapshot file location")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table",
		"output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"minimal output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug output")

	_ = viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("db-url"))
	_ = viper.BindPFlag("policy_path", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("snapshot_path", rootCmd.PersistentFlags().Lookup("snapshot-path"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(lintCmd)
	rootCmd.AddCommand(coverageCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(initCmd)
}
