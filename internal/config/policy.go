// Package config loads the declarative policy test plan and the run options.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fluxbase-eu/rlsprobe/internal/probe"
)

// PolicyConfig is the declarative test plan: per-table scenarios, optional
// storage bucket scenarios, and defaults merged into underspecified
// scenarios. It is immutable once loaded.
type PolicyConfig struct {
	Tables         map[string]*TableConfig `yaml:"tables"`
	StorageBuckets map[string]*TableConfig `yaml:"storage_buckets,omitempty"`
	Defaults       *Defaults               `yaml:"defaults,omitempty"`
}

// TableConfig holds the scenarios for one table or bucket, plus an optional
// restriction of the probed operation set.
type TableConfig struct {
	TestScenarios    []Scenario `yaml:"test_scenarios"`
	CustomOperations []string   `yaml:"custom_operations,omitempty"`
}

// Scenario materializes one simulated caller: a claim set plus the expected
// outcome per operation. Operations without an expectation are skipped.
type Scenario struct {
	Name      string                 `yaml:"name"`
	JWTClaims map[string]interface{} `yaml:"jwt_claims"`
	Expected  map[string]string      `yaml:"expected_outcomes"`
}

// Defaults supplies expectations and claims for scenarios that omit them.
type Defaults struct {
	AnonymousExpectations     map[string]string `yaml:"anonymous_user_expectations,omitempty"`
	AuthenticatedExpectations map[string]string `yaml:"authenticated_user_expectations,omitempty"`
	DefaultJWTClaims          *DefaultClaims    `yaml:"default_jwt_claims,omitempty"`
}

// DefaultClaims carries the default claim maps per simulated caller kind.
type DefaultClaims struct {
	Anonymous     map[string]interface{} `yaml:"anonymous,omitempty"`
	Authenticated map[string]interface{} `yaml:"authenticated,omitempty"`
}

// ConfigError reports a malformed policy file. It is fatal at load time.
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string {
	return "invalid policy configuration: " + e.Detail
}

// LoadPolicy reads, parses, and validates a policy file. The YAML decoder
// rejects duplicate mapping keys, which covers the duplicate-table-key
// load-time error.
func LoadPolicy(path string) (*PolicyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	var cfg PolicyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Detail: err.Error()}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// Validate checks table keys, scenario shapes, operation names, and
// expectation values.
func (c *PolicyConfig) Validate() error {
	if len(c.Tables) == 0 && len(c.StorageBuckets) == 0 {
		return &ConfigError{Detail: "no tables or storage buckets configured"}
	}

	for key, table := range c.Tables {
		if !strings.Contains(key, ".") {
			return &ConfigError{Detail: fmt.Sprintf("table key %q must be schema-qualified (schema.table)", key)}
		}
		if err := validateTableConfig(key, table); err != nil {
			return err
		}
	}
	for name, bucket := range c.StorageBuckets {
		if err := validateTableConfig("storage bucket "+name, bucket); err != nil {
			return err
		}
	}
	if c.Defaults != nil {
		if err := validateExpectations("defaults.anonymous_user_expectations", c.Defaults.AnonymousExpectations); err != nil {
			return err
		}
		if err := validateExpectations("defaults.authenticated_user_expectations", c.Defaults.AuthenticatedExpectations); err != nil {
			return err
		}
	}
	return nil
}

func validateTableConfig(key string, table *TableConfig) error {
	if table == nil || len(table.TestScenarios) == 0 {
		return &ConfigError{Detail: fmt.Sprintf("%s has no test scenarios", key)}
	}

	seen := make(map[string]bool)
	for _, scenario := range table.TestScenarios {
		if scenario.Name == "" {
			return &ConfigError{Detail: fmt.Sprintf("%s has a scenario without a name", key)}
		}
		if seen[scenario.Name] {
			return &ConfigError{Detail: fmt.Sprintf("%s declares scenario %q twice", key, scenario.Name)}
		}
		seen[scenario.Name] = true

		if err := validateExpectations(fmt.Sprintf("%s scenario %q", key, scenario.Name), scenario.Expected); err != nil {
			return err
		}
	}

	for _, op := range table.CustomOperations {
		if _, err := probe.ParseOperation(op); err != nil {
			return &ConfigError{Detail: fmt.Sprintf("%s: %v", key, err)}
		}
	}
	return nil
}

func validateExpectations(context string, expected map[string]string) error {
	for op, outcome := range expected {
		if _, err := probe.ParseOperation(op); err != nil {
			return &ConfigError{Detail: fmt.Sprintf("%s: %v", context, err)}
		}
		parsed, err := probe.ParseOutcome(outcome)
		if err != nil {
			return &ConfigError{Detail: fmt.Sprintf("%s: %v", context, err)}
		}
		if parsed != probe.OutcomeAllow && parsed != probe.OutcomeDeny {
			return &ConfigError{Detail: fmt.Sprintf("%s: expectation for %s must be ALLOW or DENY, got %s", context, op, outcome)}
		}
	}
	return nil
}

// applyDefaults fills empty claims and expectations on scenarios named
// anonymous or authenticated from the defaults block.
func (c *PolicyConfig) applyDefaults() {
	if c.Defaults == nil {
		return
	}
	apply := func(table *TableConfig) {
		for i := range table.TestScenarios {
			s := &table.TestScenarios[i]
			switch s.Name {
			case "anonymous":
				if len(s.Expected) == 0 {
					s.Expected = c.Defaults.AnonymousExpectations
				}
				if len(s.JWTClaims) == 0 && c.Defaults.DefaultJWTClaims != nil {
					s.JWTClaims = c.Defaults.DefaultJWTClaims.Anonymous
				}
			case "authenticated":
				if len(s.Expected) == 0 {
					s.Expected = c.Defaults.AuthenticatedExpectations
				}
				if len(s.JWTClaims) == 0 && c.Defaults.DefaultJWTClaims != nil {
					s.JWTClaims = c.Defaults.DefaultJWTClaims.Authenticated
				}
			}
		}
	}
	for _, table := range c.Tables {
		apply(table)
	}
	for _, bucket := range c.StorageBuckets {
		apply(bucket)
	}
}

// ExpectedOutcomes converts a scenario's expectation map to typed form,
// restricted to the operations the table config allows.
func (s Scenario) ExpectedOutcomes(customOps []string) map[probe.Operation]probe.Outcome {
	allowed := make(map[probe.Operation]bool)
	if len(customOps) == 0 {
		for _, op := range probe.Operations() {
			allowed[op] = true
		}
	} else {
		for _, raw := range customOps {
			if op, err := probe.ParseOperation(raw); err == nil {
				allowed[op] = true
			}
		}
	}

	expected := make(map[probe.Operation]probe.Outcome)
	for rawOp, rawOutcome := range s.Expected {
		op, err := probe.ParseOperation(rawOp)
		if err != nil || !allowed[op] {
			continue
		}
		outcome, err := probe.ParseOutcome(rawOutcome)
		if err != nil {
			continue
		}
		expected[op] = outcome
	}
	return expected
}

// TableKeys returns the configured table keys in sorted order.
func (c *PolicyConfig) TableKeys() []string {
	keys := make([]string, 0, len(c.Tables))
	for key := range c.Tables {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// BucketNames returns the configured bucket names in sorted order.
func (c *PolicyConfig) BucketNames() []string {
	names := make([]string, 0, len(c.StorageBuckets))
	for name := range c.StorageBuckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
