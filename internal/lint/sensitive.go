package lint

import (
	"fmt"
	"regexp"

	"github.com/fluxbase-eu/rlsprobe/internal/introspect"
)

// DefaultSensitivePatterns matches column names that commonly hold data
// which should never be readable by anonymous or broadly-granted roles.
var DefaultSensitivePatterns = []string{
	`password`,
	`secret`,
	`token`,
	`ssn`,
	`credit_card`,
	`api_key`,
	`private_key`,
	`salary`,
	`bank_account`,
}

// ExposedGrantees are the roles whose column grants the scan inspects.
var ExposedGrantees = []string{"anon", "authenticated", "PUBLIC", "public"}

// SensitiveColumnScanner flags sensitive-looking columns granted to
// broadly-available roles.
type SensitiveColumnScanner struct {
	patterns []*regexp.Regexp
}

// NewSensitiveColumnScanner compiles the given patterns, or the defaults
// when none are supplied. Patterns are matched case-insensitively.
func NewSensitiveColumnScanner(patterns []string) (*SensitiveColumnScanner, error) {
	if len(patterns) == 0 {
		patterns = DefaultSensitivePatterns
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("invalid sensitive column pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &SensitiveColumnScanner{patterns: compiled}, nil
}

// Scan inspects column grants and produces one HIGH issue per sensitive
// column exposed to a broad grantee. Duplicate privileges on the same
// column and grantee collapse into a single issue.
func (s *SensitiveColumnScanner) Scan(grants []introspect.ColumnGrant) []Issue {
	seen := make(map[string]bool)
	var issues []Issue

	for _, grant := range grants {
		if !s.matches(grant.Column) {
			continue
		}
		key := grant.Schema + "." + grant.Table + "." + grant.Column + ":" + grant.Grantee
		if seen[key] {
			continue
		}
		seen[key] = true

		issues = append(issues, Issue{
			Severity:  SeverityHigh,
			CheckID:   CheckSensitiveColumn,
			PolicyFQN: fmt.Sprintf("%s.%s.%s", grant.Schema, grant.Table, grant.Column),
			Text:      fmt.Sprintf("sensitive column %q is granted to %s", grant.Column, grant.Grantee),
			FixHint:   fmt.Sprintf("REVOKE SELECT (%s) ON %s.%s FROM %s", grant.Column, grant.Schema, grant.Table, grant.Grantee),
		})
	}

	return issues
}

func (s *SensitiveColumnScanner) matches(column string) bool {
	for _, re := range s.patterns {
		if re.MatchString(column) {
			return true
		}
	}
	return false
}
