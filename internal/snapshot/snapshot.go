// Package snapshot persists run outcomes and diffs them against earlier
// runs, classifying changes by their security impact.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxbase-eu/rlsprobe/internal/probe"
	"github.com/fluxbase-eu/rlsprobe/internal/runner"
)

// FormatVersion identifies the snapshot file layout.
const FormatVersion = 1

// PolicySnapshot is a run's observed outcomes keyed by table, scenario, and
// operation, plus enough metadata to tell snapshots apart.
type PolicySnapshot struct {
	Version   int       `yaml:"version"`
	CreatedAt time.Time `yaml:"created_at"`
	Database  string    `yaml:"database,omitempty"`

	// Tables maps tableKey -> scenario -> operation -> outcome.
	Tables map[string]map[string]map[string]string `yaml:"tables"`
}

// Build reduces a run's results to snapshot shape. Skipped probes carry no
// outcome worth comparing and are left out.
func Build(results *runner.TestResults, database string) *PolicySnapshot {
	snap := &PolicySnapshot{
		Version:   FormatVersion,
		CreatedAt: time.Now().UTC(),
		Database:  database,
		Tables:    make(map[string]map[string]map[string]string),
	}

	for _, result := range results.Results {
		if result.Actual == probe.OutcomeSkipped {
			continue
		}
		scenarios, ok := snap.Tables[result.TableKey]
		if !ok {
			scenarios = make(map[string]map[string]string)
			snap.Tables[result.TableKey] = scenarios
		}
		ops, ok := scenarios[result.Scenario]
		if !ok {
			ops = make(map[string]string)
			scenarios[result.Scenario] = ops
		}
		ops[string(result.Op)] = string(result.Actual)
	}

	return snap
}

// Save writes the snapshot to path, creating parent directories as needed.
func Save(snap *PolicySnapshot, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", path, err)
	}
	return nil
}

// Load reads a snapshot from path. A missing file is reported as-is so
// callers can distinguish first runs from corrupt files.
func Load(path string) (*PolicySnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var snap PolicySnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	if snap.Version > FormatVersion {
		return nil, fmt.Errorf("snapshot %s has version %d, newer than supported version %d", path, snap.Version, FormatVersion)
	}
	return &snap, nil
}

// entry is one flattened snapshot cell used by the diff walk.
type entry struct {
	tableKey string
	scenario string
	op       string
}

// entries returns every populated cell in deterministic order.
func (s *PolicySnapshot) entries() []entry {
	var out []entry
	for tableKey, scenarios := range s.Tables {
		for scenario, ops := range scenarios {
			for op := range ops {
				out = append(out, entry{tableKey: tableKey, scenario: scenario, op: op})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.tableKey != b.tableKey {
			return a.tableKey < b.tableKey
		}
		if a.scenario != b.scenario {
			return a.scenario < b.scenario
		}
		return a.op < b.op
	})
	return out
}

// lookup returns the outcome for one cell, if present.
func (s *PolicySnapshot) lookup(e entry) (string, bool) {
	scenarios, ok := s.Tables[e.tableKey]
	if !ok {
		return "", false
	}
	ops, ok := scenarios[e.scenario]
	if !ok {
		return "", false
	}
	outcome, ok := ops[e.op]
	return outcome, ok
}
