package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fluxbase-eu/rlsprobe/internal/introspect"
)

// GeneratePolicyConfig builds a starter policy file from a discovered
// catalog: one anonymous and one authenticated scenario per RLS-enabled
// table, everything expected DENY for anonymous. The seed is deliberately
// strict so that loosening it is an explicit authoring decision.
func GeneratePolicyConfig(catalog *introspect.Catalog) *PolicyConfig {
	cfg := &PolicyConfig{
		Tables: make(map[string]*TableConfig),
		Defaults: &Defaults{
			DefaultJWTClaims: &DefaultClaims{
				Anonymous:     map[string]interface{}{},
				Authenticated: map[string]interface{}{"role": "authenticated"},
			},
		},
	}

	denyAll := map[string]string{
		"select": "DENY",
		"insert": "DENY",
		"update": "DENY",
		"delete": "DENY",
	}

	for _, table := range catalog.Tables {
		if !table.RLSEnabled {
			continue
		}
		cfg.Tables[table.Key()] = &TableConfig{
			TestScenarios: []Scenario{
				{
					Name:      "anonymous",
					JWTClaims: map[string]interface{}{},
					Expected:  denyAll,
				},
				{
					Name:      "authenticated",
					JWTClaims: map[string]interface{}{"role": "authenticated"},
					Expected:  map[string]string{"select": "ALLOW"},
				},
			},
		}
	}

	if len(catalog.Buckets) > 0 {
		cfg.StorageBuckets = make(map[string]*TableConfig)
		for _, bucket := range catalog.Buckets {
			cfg.StorageBuckets[bucket.Name] = &TableConfig{
				TestScenarios: []Scenario{
					{
						Name:      "anonymous",
						JWTClaims: map[string]interface{}{},
						Expected:  denyAll,
					},
				},
			}
		}
	}

	return cfg
}

// WritePolicy marshals a policy config to the given path, refusing to
// overwrite an existing file.
func WritePolicy(cfg *PolicyConfig, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("policy file %s already exists, refusing to overwrite", path)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal policy config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write policy file: %w", err)
	}
	return nil
}
