// Package database owns the connection pool and the privilege gatekeeper.
//
// Probing only produces trustworthy results when the logged-in role is an
// ordinary one: a superuser bypasses RLS entirely, and a role with CREATE or
// global DML can escape transactional containment. The gatekeeper inspects
// the role at connect time and refuses to hand out a usable pool otherwise.
package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DefaultConnectTimeout bounds the initial connection attempt.
const DefaultConnectTimeout = 30 * time.Second

// quoteIdentifier safely quotes a PostgreSQL identifier to prevent SQL injection.
// It wraps the identifier in double quotes and escapes any embedded double quotes.
func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// QuoteIdentifier exposes identifier quoting to the probe builders.
func QuoteIdentifier(identifier string) string {
	return quoteIdentifier(identifier)
}

// QuoteQualified renders a schema-qualified relation name with both parts quoted.
func QuoteQualified(schema, name string) string {
	return quoteIdentifier(schema) + "." + quoteIdentifier(name)
}

// PrivilegeProfile describes what the logged-in role is allowed to do.
// It is populated once at connect time and never refreshed.
type PrivilegeProfile struct {
	RoleName           string
	IsSuperuser        bool
	HasGlobalDML       bool
	HasCreatePrivilege bool
	// TablePrivileges maps "schema.table" to the DML privileges the role
	// holds on it. Diagnostic only; never consulted by the probe engine.
	TablePrivileges map[string][]string
}

// Connection represents a gatekept database connection pool.
type Connection struct {
	pool    *pgxpool.Pool
	profile PrivilegeProfile
}

// Options controls pool construction.
type Options struct {
	// URL is the PostgreSQL connection string.
	URL string
	// MaxConns caps the pool size. Should equal the probe parallelism;
	// oversizing buys nothing and risks server-side connection limits.
	MaxConns int32
	// ConnectTimeout bounds the initial connect and ping. Zero means
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Connect opens a pool, verifies connectivity, and runs the privilege
// gatekeeper. It returns a PrivilegeError when the role is unsafe to probe
// with; the pool is closed before returning in that case.
func Connect(ctx context.Context, opts Options) (*Connection, error) {
	poolConfig, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, &ConnectionError{Kind: ConnErrParse, Err: err}
	}

	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	poolConfig.MinConns = 0

	// Plain exec mode: probes switch session roles constantly and cached
	// statement plans must not outlive a SET LOCAL ROLE.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, &ConnectionError{Kind: ConnErrConnect, Err: err}
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, classifyConnectError(err)
	}

	conn := &Connection{pool: pool}

	profile, err := LoadPrivilegeProfile(connectCtx, conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to inspect connection privileges: %w", err)
	}
	conn.profile = *profile

	if err := profile.RejectUnsafe(); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Str("role", profile.RoleName).
		Int("table_grants", len(profile.TablePrivileges)).
		Msg("Database connection established")

	return conn, nil
}

// classifyConnectError maps a driver connect failure onto the error taxonomy.
func classifyConnectError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "password authentication failed"),
		strings.Contains(msg, "SASL auth"),
		strings.Contains(msg, "does not exist") && strings.Contains(msg, "role"):
		return &ConnectionError{Kind: ConnErrAuth, Err: err}
	case strings.Contains(msg, "no such host"),
		strings.Contains(msg, "server misbehaving"),
		strings.Contains(msg, "lookup "):
		return &ConnectionError{Kind: ConnErrDNS, Err: err}
	default:
		return &ConnectionError{Kind: ConnErrConnect, Err: err}
	}
}

// LoadPrivilegeProfile runs the diagnostic queries that decide whether a
// role may be used for probing.
func LoadPrivilegeProfile(ctx context.Context, db Executor) (*PrivilegeProfile, error) {
	profile := &PrivilegeProfile{
		TablePrivileges: make(map[string][]string),
	}

	err := db.QueryRow(ctx, `
		SELECT current_user,
		       (SELECT rolsuper FROM pg_roles WHERE rolname = current_user),
		       has_database_privilege(current_user, current_database(), 'CREATE')
	`).Scan(&profile.RoleName, &profile.IsSuperuser, &profile.HasCreatePrivilege)
	if err != nil {
		return nil, fmt.Errorf("failed to query role attributes: %w", err)
	}

	// A role granted DML on information_schema relations effectively has
	// write access everywhere; treat that as global DML.
	err = db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM information_schema.role_table_grants
			WHERE grantee = current_user
			  AND table_schema = 'information_schema'
			  AND privilege_type IN ('INSERT', 'UPDATE', 'DELETE')
		)
	`).Scan(&profile.HasGlobalDML)
	if err != nil {
		return nil, fmt.Errorf("failed to query global DML grants: %w", err)
	}

	rows, err := db.Query(ctx, `
		SELECT table_schema, table_name, privilege_type
		FROM information_schema.role_table_grants
		WHERE grantee = current_user
		  AND privilege_type IN ('SELECT', 'INSERT', 'UPDATE', 'DELETE')
		  AND table_schema NOT IN ('information_schema', 'pg_catalog')
		ORDER BY table_schema, table_name, privilege_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query table grants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, privilege string
		if err := rows.Scan(&schema, &table, &privilege); err != nil {
			return nil, fmt.Errorf("failed to scan table grant: %w", err)
		}
		key := schema + "." + table
		profile.TablePrivileges[key] = append(profile.TablePrivileges[key], privilege)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read table grants: %w", err)
	}

	return profile, nil
}

// RejectUnsafe returns a PrivilegeError naming the first offending privilege,
// or nil when the role is safe for probing.
func (p *PrivilegeProfile) RejectUnsafe() error {
	switch {
	case p.IsSuperuser:
		return &PrivilegeError{Role: p.RoleName, Privilege: "SUPERUSER",
			Detail: "a superuser bypasses row level security, so every probe would report ALLOW"}
	case p.HasGlobalDML:
		return &PrivilegeError{Role: p.RoleName, Privilege: "GLOBAL DML",
			Detail: "the role holds DML on information_schema relations and can escape transactional containment"}
	case p.HasCreatePrivilege:
		return &PrivilegeError{Role: p.RoleName, Privilege: "CREATE",
			Detail: "the role can create database objects and can escape transactional containment"}
	default:
		return nil
	}
}

// Profile returns the privilege profile captured at connect time.
func (c *Connection) Profile() PrivilegeProfile {
	return c.profile
}

// Close closes the database connection pool.
func (c *Connection) Close() {
	c.pool.Close()
	log.Debug().Msg("Database connection closed")
}

// Pool returns the underlying connection pool.
func (c *Connection) Pool() *pgxpool.Pool {
	return c.pool
}

// Query executes a query that returns rows.
func (c *Connection) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return c.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query that returns a single row.
func (c *Connection) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return c.pool.QueryRow(ctx, sql, args...)
}

// Exec executes a query that doesn't return rows.
func (c *Connection) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return c.pool.Exec(ctx, sql, args...)
}

// BeginTx starts a new transaction. The transaction owns a pooled connection
// exclusively until it commits or rolls back, which is what gives each probe
// its session isolation.
func (c *Connection) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return c.pool.Begin(ctx)
}

// Health checks the health of the database connection.
func (c *Connection) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := c.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("unexpected health check result: %d", result)
	}
	return nil
}
