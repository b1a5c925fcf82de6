package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Parallelism bounds for the probe executor.
const (
	MinParallelism = 1
	MaxParallelism = 10
)

// RunOptions are the resolved options for one invocation, gathered from
// flags, environment variables (RLSPROBE_ prefix), and an optional .env file.
type RunOptions struct {
	DatabaseURL          string `mapstructure:"database_url"`
	PolicyPath           string `mapstructure:"policy_path"`
	SnapshotPath         string `mapstructure:"snapshot_path"`
	Parallelism          int    `mapstructure:"parallelism"`
	IncludeSystemSchemas bool   `mapstructure:"include_system_schemas"`
	TargetTable          string `mapstructure:"target_table"`
	AsUser               string `mapstructure:"as_user"`
	Debug                bool   `mapstructure:"debug"`
}

// LoadOptions resolves run options. Flag values already bound into viper by
// the CLI take precedence over environment variables, which take precedence
// over defaults.
func LoadOptions() (*RunOptions, error) {
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	// Registering the key is what lets AutomaticEnv feed it into Unmarshal
	// even when no flag is bound.
	viper.SetDefault("database_url", "")
	viper.SetDefault("policy_path", "rlsprobe.yaml")
	viper.SetDefault("snapshot_path", ".rlsprobe/snapshot.yaml")
	viper.SetDefault("parallelism", 4)
	viper.SetDefault("include_system_schemas", false)

	viper.AutomaticEnv()
	viper.SetEnvPrefix("RLSPROBE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var opts RunOptions
	if err := viper.Unmarshal(&opts); err != nil {
		return nil, fmt.Errorf("failed to resolve run options: %w", err)
	}

	if opts.DatabaseURL == "" {
		// Supabase deployments conventionally export DATABASE_URL.
		opts.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.DatabaseURL == "" {
		return nil, fmt.Errorf("no database URL configured (set --db-url or RLSPROBE_DATABASE_URL)")
	}

	opts.Parallelism = clampParallelism(opts.Parallelism)

	return &opts, nil
}

func clampParallelism(n int) int {
	if n < MinParallelism {
		return MinParallelism
	}
	if n > MaxParallelism {
		return MaxParallelism
	}
	return n
}

// loadEnvFile loads a .env file from the working directory if present.
func loadEnvFile() error {
	if _, err := os.Stat(".env"); os.IsNotExist(err) {
		return err
	}
	return godotenv.Load()
}
