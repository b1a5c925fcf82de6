// Package runner expands a policy config into probe tasks, executes them
// with bounded parallelism, and aggregates the outcomes.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fluxbase-eu/rlsprobe/internal/config"
	"github.com/fluxbase-eu/rlsprobe/internal/introspect"
	"github.com/fluxbase-eu/rlsprobe/internal/probe"
)

// Options narrow and shape one run.
type Options struct {
	// TargetTable restricts the run to a single table key (schema.table).
	TargetTable string
	// IncludeSystemSchemas lifts the public-schema restriction.
	IncludeSystemSchemas bool
	// Parallelism is the worker bound, clamped to the configured range.
	Parallelism int
	// AsUser switches the run into real-user mode: probe as the named
	// auth.users record instead of the configured scenarios.
	AsUser string
}

// prober is the slice of the probe engine the orchestrator needs.
type prober interface {
	Probe(ctx context.Context, req probe.Request) probe.Result
}

// Orchestrator schedules probes across tables and scenarios.
type Orchestrator struct {
	engine  prober
	catalog *introspect.Catalog
	users   UserLookup
}

// New creates an orchestrator over a probe engine and a discovered catalog.
// The user lookup may be nil when real-user mode is not used.
func New(engine prober, catalog *introspect.Catalog, users UserLookup) *Orchestrator {
	return &Orchestrator{engine: engine, catalog: catalog, users: users}
}

// task is the scheduling unit: one table (or bucket) with every scenario and
// operation it probes. Per-table grouping keeps introspection and connection
// affinity together.
type task struct {
	target    probe.Target
	tableKey  string
	scenarios []scenarioPlan
}

// scenarioPlan is one materialized scenario: claims plus the typed
// expectations that survived validation and operation restriction.
type scenarioPlan struct {
	name     string
	claims   map[string]interface{}
	expected map[probe.Operation]probe.Outcome
	// coverage marks expectation-free probes whose result is recorded
	// without being judged.
	coverage bool
}

// Run executes the full plan and returns aggregated results. The only error
// returned is a planning failure (bad target, unknown user); probe failures
// classify into result records instead.
func (o *Orchestrator) Run(ctx context.Context, cfg *config.PolicyConfig, opts Options) (*TestResults, error) {
	start := time.Now()

	plan := cfg
	if opts.AsUser != "" {
		if o.users == nil {
			return nil, fmt.Errorf("real-user mode requires an auth.users lookup")
		}
		user, err := o.users.Find(ctx, opts.AsUser)
		if err != nil {
			return nil, err
		}
		plan = RealUserPlan(cfg, user, opts.TargetTable)
		log.Info().Str("user", user.Email).Str("id", user.ID).Msg("Probing as real user")
	}

	tasks, findings, synthesized, err := o.expand(plan, opts)
	if err != nil {
		return nil, err
	}

	results := &TestResults{Findings: findings}
	results.Results = append(results.Results, synthesized...)

	out := make(chan TestResult)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for result := range out {
			results.Results = append(results.Results, result)
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(clamp(opts.Parallelism))
	for _, t := range tasks {
		t := t
		group.Go(func() error {
			o.runTask(groupCtx, t, out)
			return nil
		})
	}
	_ = group.Wait()
	close(out)
	<-done

	sortResults(results.Results)
	results.tally()
	elapsed := time.Since(start)
	results.DurationMS = elapsed.Milliseconds()

	log.Info().
		Int("total", results.Total).
		Int("passed", results.Passed).
		Int("failed", results.Failed).
		Int("errored", results.Errored).
		Int("skipped", results.Skipped).
		Dur("duration", elapsed).
		Msg("Run complete")

	return results, nil
}

// runTask probes every (scenario, op) pair of one table and funnels results
// into the aggregation channel.
func (o *Orchestrator) runTask(ctx context.Context, t task, out chan<- TestResult) {
	for _, scenario := range t.scenarios {
		for _, op := range probe.Operations() {
			expected, declared := scenario.expected[op]
			if !declared && !scenario.coverage {
				continue
			}

			probeStart := time.Now()
			result := o.engine.Probe(ctx, probe.Request{
				Target: t.target,
				Op:     op,
				Claims: scenario.claims,
			})

			record := TestResult{
				TableKey:   t.tableKey,
				Scenario:   scenario.name,
				Op:         op,
				Actual:     result.Outcome,
				Reason:     result.Reason,
				DurationMS: time.Since(probeStart).Milliseconds(),
			}
			if declared {
				record.Expected = expected
				record.Passed = result.Outcome == expected
			} else {
				// Expectation-free probes record observations; any
				// classified outcome counts as a pass.
				record.Passed = result.Outcome == probe.OutcomeAllow ||
					result.Outcome == probe.OutcomeDeny
			}

			select {
			case out <- record:
			case <-ctx.Done():
				return
			}
		}
	}
}

// expand turns the config into per-table tasks, applying the target-table and
// schema filters. Tables with RLS disabled are not probed: they produce
// synthesized full-ALLOW results and a critical finding instead.
func (o *Orchestrator) expand(cfg *config.PolicyConfig, opts Options) ([]task, []string, []TestResult, error) {
	var (
		tasks       []task
		findings    []string
		synthesized []TestResult
	)

	if opts.TargetTable != "" {
		if _, ok := cfg.Tables[opts.TargetTable]; !ok {
			return nil, nil, nil, fmt.Errorf("table %s is not configured in the policy file", opts.TargetTable)
		}
	}

	for _, key := range cfg.TableKeys() {
		if opts.TargetTable != "" && key != opts.TargetTable {
			continue
		}
		schema, table, ok := splitKey(key)
		if !ok {
			return nil, nil, nil, fmt.Errorf("invalid table key %q", key)
		}
		if schema != "public" && !opts.IncludeSystemSchemas {
			log.Debug().Str("table", key).Msg("Skipping non-public table")
			continue
		}

		tableCfg := cfg.Tables[key]

		if meta, known := o.catalog.TableByKey(key); known && !meta.RLSEnabled {
			findings = append(findings,
				fmt.Sprintf("CRITICAL: table %s has row level security disabled", key))
			synthesized = append(synthesized, synthesizeDisabled(key, tableCfg)...)
			continue
		}

		tasks = append(tasks, task{
			target:    probe.Target{Schema: schema, Table: table},
			tableKey:  key,
			scenarios: planScenarios(tableCfg),
		})
	}

	for _, name := range cfg.BucketNames() {
		if opts.TargetTable != "" {
			continue
		}
		tasks = append(tasks, task{
			target:    probe.Target{Schema: "storage", Table: "objects", BucketID: name},
			tableKey:  "storage:" + name,
			scenarios: planScenarios(cfg.StorageBuckets[name]),
		})
	}

	return tasks, findings, synthesized, nil
}

// synthesizeDisabled fabricates the results an RLS-disabled table would
// produce: access is gated only by grants, so every operation reads as ALLOW.
func synthesizeDisabled(key string, tableCfg *config.TableConfig) []TestResult {
	var results []TestResult
	for _, plan := range planScenarios(tableCfg) {
		for _, op := range probe.Operations() {
			expected, declared := plan.expected[op]
			if !declared && !plan.coverage {
				continue
			}
			record := TestResult{
				TableKey: key,
				Scenario: plan.name,
				Op:       op,
				Actual:   probe.OutcomeAllow,
				Reason:   "RLS disabled: access gated only by grants",
			}
			if declared {
				record.Expected = expected
				record.Passed = expected == probe.OutcomeAllow
			} else {
				record.Passed = true
			}
			results = append(results, record)
		}
	}
	return results
}

// planScenarios converts config scenarios into typed plans. A scenario that
// declares no expectations probes every allowed operation in coverage mode.
func planScenarios(tableCfg *config.TableConfig) []scenarioPlan {
	plans := make([]scenarioPlan, 0, len(tableCfg.TestScenarios))
	for _, s := range tableCfg.TestScenarios {
		plan := scenarioPlan{
			name:     s.Name,
			claims:   s.JWTClaims,
			expected: s.ExpectedOutcomes(tableCfg.CustomOperations),
		}
		if len(plan.expected) == 0 {
			plan.coverage = true
		}
		plans = append(plans, plan)
	}
	return plans
}

func splitKey(key string) (schema, table string, ok bool) {
	idx := strings.Index(key, ".")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

func clamp(n int) int {
	if n < config.MinParallelism {
		return config.MinParallelism
	}
	if n > config.MaxParallelism {
		return config.MaxParallelism
	}
	return n
}
