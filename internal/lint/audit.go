package lint

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fluxbase-eu/rlsprobe/internal/introspect"
)

// AuditResults is the combined static audit: policy lint, RLS-disabled
// findings, sensitive-column exposure, and storage bucket findings.
type AuditResults struct {
	Lint *Results `json:"lint"`
}

// Pass reports whether the audit found no CRITICAL or HIGH issues.
func (a *AuditResults) Pass() bool {
	return a.Lint.Pass()
}

// Counts returns per-severity issue counts, keyed by severity name.
func (a *AuditResults) Counts() map[Severity]int {
	counts := make(map[Severity]int)
	for _, sev := range Severities() {
		counts[sev] = a.Lint.Count(sev)
	}
	return counts
}

// Audit runs the full static audit against a discovered catalog.
func Audit(ctx context.Context, inspector *introspect.Inspector, catalog *introspect.Catalog, sensitivePatterns []string) (*AuditResults, error) {
	results := CheckPolicies(catalog.Tables)

	for _, table := range catalog.Tables {
		if table.RLSEnabled {
			continue
		}
		results.Issues = append(results.Issues, Issue{
			Severity:  SeverityCritical,
			CheckID:   CheckRLSDisabled,
			PolicyFQN: table.Key(),
			Text:      "row level security is disabled, access is gated only by grants",
			FixHint:   fmt.Sprintf("ALTER TABLE %s ENABLE ROW LEVEL SECURITY", table.Key()),
		})
	}

	for _, bucket := range catalog.Buckets {
		if !bucket.Public {
			continue
		}
		results.Issues = append(results.Issues, Issue{
			Severity:  SeverityMedium,
			CheckID:   CheckPublicBucket,
			PolicyFQN: "storage." + bucket.Name,
			Text:      "storage bucket is public, objects are readable without authentication",
			FixHint:   "Mark the bucket private and grant access through storage.objects policies",
		})
	}

	scanner, err := NewSensitiveColumnScanner(sensitivePatterns)
	if err != nil {
		return nil, err
	}
	grants, err := inspector.ColumnGrants(ctx, ExposedGrantees)
	if err != nil {
		return nil, err
	}
	results.Issues = append(results.Issues, scanner.Scan(grants)...)

	audit := &AuditResults{Lint: results}
	log.Info().
		Int("critical", results.Count(SeverityCritical)).
		Int("high", results.Count(SeverityHigh)).
		Int("medium", results.Count(SeverityMedium)).
		Int("low", results.Count(SeverityLow)).
		Msg("Static audit complete")

	return audit, nil
}
