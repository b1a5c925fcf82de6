// Package coverage builds the access matrix: what the anonymous and
// authenticated roles can actually do on every discovered table.
package coverage

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fluxbase-eu/rlsprobe/internal/introspect"
	"github.com/fluxbase-eu/rlsprobe/internal/probe"
)

// Role labels one simulated caller kind in the matrix.
const (
	RoleAnonymous     = "anonymous"
	RoleAuthenticated = "authenticated"
)

// TableCoverage is one row of the matrix.
type TableCoverage struct {
	TableKey   string                                       `json:"table"`
	RLSEnabled bool                                         `json:"rls_enabled"`
	Access     map[string]map[probe.Operation]probe.Outcome `json:"access"`
}

// Report is the full matrix plus the warnings raised while building it.
type Report struct {
	Tables     []TableCoverage `json:"tables"`
	Warnings   []string        `json:"warnings,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// prober is the slice of the probe engine the builder needs.
type prober interface {
	Probe(ctx context.Context, req probe.Request) probe.Result
}

// Builder probes every table in a catalog under both caller kinds.
type Builder struct {
	engine      prober
	parallelism int
}

// NewBuilder creates a coverage builder with the given worker bound,
// clamped to the same range the orchestrator uses.
func NewBuilder(engine prober, parallelism int) *Builder {
	if parallelism < 1 {
		parallelism = 1
	}
	if parallelism > 10 {
		parallelism = 10
	}
	return &Builder{engine: engine, parallelism: parallelism}
}

// roleClaims maps each matrix role to the claim set installed for its probes.
var roleClaims = map[string]map[string]interface{}{
	RoleAnonymous:     {},
	RoleAuthenticated: {"role": "authenticated"},
}

// Build produces the access matrix for the catalog. Tables with RLS disabled
// are not probed: access is gated only by grants there, so every cell reads
// ALLOW and a critical warning flags the table.
func (b *Builder) Build(ctx context.Context, catalog *introspect.Catalog) (*Report, error) {
	start := time.Now()
	report := &Report{}

	rows := make([]TableCoverage, len(catalog.Tables))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(b.parallelism)

	for i, table := range catalog.Tables {
		i, table := i, table
		if !table.RLSEnabled {
			rows[i] = syntheticAllow(table)
			report.Warnings = append(report.Warnings,
				"CRITICAL: table "+table.Key()+" has row level security disabled")
			continue
		}
		group.Go(func() error {
			rows[i] = b.probeTable(groupCtx, table)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].TableKey < rows[j].TableKey })
	report.Tables = rows
	elapsed := time.Since(start)
	report.DurationMS = elapsed.Milliseconds()

	log.Info().Int("tables", len(rows)).Dur("duration", elapsed).Msg("Coverage matrix built")
	return report, nil
}

func (b *Builder) probeTable(ctx context.Context, table introspect.Table) TableCoverage {
	row := TableCoverage{
		TableKey:   table.Key(),
		RLSEnabled: true,
		Access:     make(map[string]map[probe.Operation]probe.Outcome, len(roleClaims)),
	}
	target := probe.Target{Schema: table.Schema, Table: table.Name}

	for role, claims := range roleClaims {
		cells := make(map[probe.Operation]probe.Outcome, len(probe.Operations()))
		for _, op := range probe.Operations() {
			result := b.engine.Probe(ctx, probe.Request{Target: target, Op: op, Claims: claims})
			cells[op] = result.Outcome
		}
		row.Access[role] = cells
	}
	return row
}

func syntheticAllow(table introspect.Table) TableCoverage {
	row := TableCoverage{
		TableKey: table.Key(),
		Access:   make(map[string]map[probe.Operation]probe.Outcome, len(roleClaims)),
	}
	for role := range roleClaims {
		cells := make(map[probe.Operation]probe.Outcome, len(probe.Operations()))
		for _, op := range probe.Operations() {
			cells[op] = probe.OutcomeAllow
		}
		row.Access[role] = cells
	}
	return row
}
