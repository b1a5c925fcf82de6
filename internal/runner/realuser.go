package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fluxbase-eu/rlsprobe/internal/config"
	"github.com/fluxbase-eu/rlsprobe/internal/database"
	"github.com/fluxbase-eu/rlsprobe/internal/probe"
)

// AuthUser is one auth.users record reduced to the fields that matter for
// claim synthesis.
type AuthUser struct {
	ID          string
	Email       string
	Role        string
	AppMetadata map[string]interface{}
}

// Claims synthesizes the JWT claim set the platform would mint for this user.
func (u *AuthUser) Claims() map[string]interface{} {
	role := u.Role
	if role == "" {
		role = "authenticated"
	}
	claims := map[string]interface{}{
		"sub":   u.ID,
		"email": u.Email,
		"role":  role,
	}
	if len(u.AppMetadata) > 0 {
		claims["app_metadata"] = u.AppMetadata
	}
	return claims
}

// UserLookup resolves a user identifier to an auth.users record.
type UserLookup interface {
	Find(ctx context.Context, identifier string) (*AuthUser, error)
}

// AuthUserLookup queries the auth.users table directly.
type AuthUserLookup struct {
	db database.Executor
}

// NewAuthUserLookup creates a lookup over the given executor.
func NewAuthUserLookup(db database.Executor) *AuthUserLookup {
	return &AuthUserLookup{db: db}
}

// Find resolves the identifier first as an email, then as a stringified user
// id, and returns the first matching record. No match is an error.
func (l *AuthUserLookup) Find(ctx context.Context, identifier string) (*AuthUser, error) {
	user, err := l.query(ctx,
		"SELECT id::text, COALESCE(email, ''), COALESCE(role, ''), COALESCE(raw_app_meta_data, '{}'::jsonb) FROM auth.users WHERE email = $1",
		identifier)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up user by email: %w", err)
	}

	user, err = l.query(ctx,
		"SELECT id::text, COALESCE(email, ''), COALESCE(role, ''), COALESCE(raw_app_meta_data, '{}'::jsonb) FROM auth.users WHERE id::text = $1",
		identifier)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no auth.users record matches %q", identifier)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user by id: %w", err)
	}
	return user, nil
}

func (l *AuthUserLookup) query(ctx context.Context, sql, arg string) (*AuthUser, error) {
	var (
		user AuthUser
		meta []byte
	)
	if err := l.db.QueryRow(ctx, sql, arg).Scan(&user.ID, &user.Email, &user.Role, &meta); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &user.AppMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode app metadata: %w", err)
		}
	}
	return &user, nil
}

// RealUserPlan rewrites a policy config for real-user diagnosis: one scenario
// per table carrying the user's claims, every operation expected ALLOW. The
// point is to surface what the user can actually do, so expectations exist
// only to make denials visible as failures.
func RealUserPlan(cfg *config.PolicyConfig, user *AuthUser, targetTable string) *config.PolicyConfig {
	allowAll := make(map[string]string, len(probe.Operations()))
	for _, op := range probe.Operations() {
		allowAll[string(op)] = string(probe.OutcomeAllow)
	}

	scenario := config.Scenario{
		Name:      "user:" + user.Email,
		JWTClaims: user.Claims(),
		Expected:  allowAll,
	}
	if user.Email == "" {
		scenario.Name = "user:" + user.ID
	}

	plan := &config.PolicyConfig{Tables: make(map[string]*config.TableConfig)}
	for key, table := range cfg.Tables {
		if targetTable != "" && key != targetTable {
			continue
		}
		plan.Tables[key] = &config.TableConfig{
			TestScenarios:    []config.Scenario{scenario},
			CustomOperations: table.CustomOperations,
		}
	}
	return plan
}
