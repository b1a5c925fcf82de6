// Package introspect discovers tables, policies, storage buckets, and grants
// from the PostgreSQL catalogs. Discovery runs once per invocation and its
// output is read-only input to everything downstream.
package introspect

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fluxbase-eu/rlsprobe/internal/database"
)

// Table represents a base table in scope, with its row security state and
// the policies attached to it.
type Table struct {
	Schema     string   `json:"schema"`
	Name       string   `json:"name"`
	RLSEnabled bool     `json:"rls_enabled"`
	RLSForced  bool     `json:"rls_forced"`
	Policies   []Policy `json:"policies"`
}

// Key returns the canonical "schema.name" identifier for the table.
func (t Table) Key() string {
	return t.Schema + "." + t.Name
}

// Policy is one row security policy as decompiled from the catalog.
type Policy struct {
	Name      string   `json:"name"`
	Command   string   `json:"command"` // SELECT, INSERT, UPDATE, DELETE, ALL
	Roles     []string `json:"roles"`
	Using     *string  `json:"using_expression"`
	WithCheck *string  `json:"with_check_expression"`
}

// AppliesToPublic reports whether the policy's role list contains the
// all-roles marker (catalog OID 0, rendered as PUBLIC).
func (p Policy) AppliesToPublic() bool {
	for _, r := range p.Roles {
		if r == "PUBLIC" {
			return true
		}
	}
	return false
}

// Bucket is one storage bucket. All buckets share the policies attached to
// storage.objects; they differ only in the bucket_id filter used by probes.
type Bucket struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Public   bool     `json:"is_public"`
	Policies []Policy `json:"policies"`
}

// Column is the column metadata the probe value generator needs.
type Column struct {
	Name       string `json:"name"`
	DataType   string `json:"data_type"`
	HasDefault bool   `json:"has_default"`
	IsNullable bool   `json:"is_nullable"`
}

// ColumnGrant is one column-level privilege, used by the sensitive-column scan.
type ColumnGrant struct {
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	Column    string `json:"column"`
	Grantee   string `json:"grantee"`
	Privilege string `json:"privilege"`
}

// Catalog is the full discovery output for one run.
type Catalog struct {
	Tables  []Table
	Buckets []Bucket
	// Warnings lists non-fatal discovery findings, currently tables in
	// scope with RLS disabled. They are surfaced, not raised.
	Warnings []string
}

// TableByKey returns the discovered table for "schema.name", if any.
func (c *Catalog) TableByKey(key string) (Table, bool) {
	for _, t := range c.Tables {
		if t.Key() == key {
			return t, true
		}
	}
	return Table{}, false
}

// Inspector issues catalog queries against a gatekept connection.
type Inspector struct {
	db database.Executor
}

// NewInspector creates an inspector over the given executor.
func NewInspector(db database.Executor) *Inspector {
	return &Inspector{db: db}
}

// Discover enumerates tables (with policies), storage buckets, and emits
// warnings for RLS-disabled tables in scope.
func (i *Inspector) Discover(ctx context.Context, includeSystemSchemas bool) (*Catalog, error) {
	tables, err := i.Tables(ctx, includeSystemSchemas)
	if err != nil {
		return nil, err
	}

	buckets, err := i.StorageBuckets(ctx)
	if err != nil {
		return nil, err
	}

	catalog := &Catalog{Tables: tables, Buckets: buckets}
	for _, t := range tables {
		if !t.RLSEnabled {
			warning := fmt.Sprintf("table %s has row level security disabled", t.Key())
			catalog.Warnings = append(catalog.Warnings, warning)
			log.Warn().Str("table", t.Key()).Msg("Row level security is disabled")
		}
	}

	log.Debug().
		Int("tables", len(tables)).
		Int("buckets", len(buckets)).
		Msg("Catalog discovery complete")

	return catalog, nil
}

// Tables enumerates base tables with their RLS flags and policies. The scope
// is the public schema only, or every non-system schema when
// includeSystemSchemas is set.
func (i *Inspector) Tables(ctx context.Context, includeSystemSchemas bool) ([]Table, error) {
	query := `
		SELECT n.nspname, c.relname, c.relrowsecurity, c.relforcerowsecurity
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'r'
		  AND CASE WHEN $1 THEN
			n.nspname NOT IN ('information_schema', 'pg_catalog', 'pg_toast')
		  ELSE
			n.nspname = 'public'
		  END
		ORDER BY n.nspname, c.relname
	`

	rows, err := i.db.Query(ctx, query, includeSystemSchemas)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.Schema, &t.Name, &t.RLSEnabled, &t.RLSForced); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tables: %w", err)
	}

	for idx := range tables {
		policies, err := i.Policies(ctx, tables[idx].Schema, tables[idx].Name)
		if err != nil {
			return nil, err
		}
		tables[idx].Policies = policies
	}

	return tables, nil
}

// Policies pulls the policies attached to one relation, with role OID 0
// rendered as PUBLIC and expressions decompiled via pg_get_expr.
func (i *Inspector) Policies(ctx context.Context, schema, table string) ([]Policy, error) {
	query := `
		SELECT p.polname,
		       CASE p.polcmd
		           WHEN 'r' THEN 'SELECT'
		           WHEN 'a' THEN 'INSERT'
		           WHEN 'w' THEN 'UPDATE'
		           WHEN 'd' THEN 'DELETE'
		           ELSE 'ALL'
		       END,
		       ARRAY(
		           SELECT CASE WHEN m = 0 THEN 'PUBLIC' ELSE pg_get_userbyid(m) END
		           FROM unnest(p.polroles) AS m
		       ),
		       pg_get_expr(p.polqual, p.polrelid),
		       pg_get_expr(p.polwithcheck, p.polrelid)
		FROM pg_policy p
		JOIN pg_class c ON c.oid = p.polrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2
		ORDER BY p.polname
	`

	rows, err := i.db.Query(ctx, query, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies for %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.Name, &p.Command, &p.Roles, &p.Using, &p.WithCheck); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read policies: %w", err)
	}

	return policies, nil
}

// StorageBuckets enumerates storage.buckets if the storage schema exists.
// Its absence is not an error: plain PostgreSQL deployments have no storage.
func (i *Inspector) StorageBuckets(ctx context.Context) ([]Bucket, error) {
	var exists bool
	err := i.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_namespace WHERE nspname = 'storage')",
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check for storage schema: %w", err)
	}
	if !exists {
		log.Debug().Msg("No storage schema found, skipping bucket discovery")
		return nil, nil
	}

	rows, err := i.db.Query(ctx, "SELECT id, name, public FROM storage.buckets ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query storage buckets: %w", err)
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.ID, &b.Name, &b.Public); err != nil {
			return nil, fmt.Errorf("failed to scan storage bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read storage buckets: %w", err)
	}

	if len(buckets) == 0 {
		return buckets, nil
	}

	// Storage policies live on the shared storage.objects relation; fetch
	// them once and attach the same list to every bucket.
	policies, err := i.Policies(ctx, "storage", "objects")
	if err != nil {
		return nil, err
	}
	for idx := range buckets {
		buckets[idx].Policies = policies
	}

	return buckets, nil
}

// Columns retrieves column metadata for a table, for the INSERT value generator.
func (i *Inspector) Columns(ctx context.Context, schema, table string) ([]Column, error) {
	query := `
		SELECT column_name,
		       CASE WHEN data_type = 'USER-DEFINED' THEN udt_name ELSE data_type END,
		       column_default IS NOT NULL,
		       is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`

	rows, err := i.db.Query(ctx, query, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns for %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.DataType, &c.HasDefault, &c.IsNullable); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	return columns, nil
}

// PrimaryKey returns the primary key column names of a table, in key order.
// An empty slice means the table has no primary key.
func (i *Inspector) PrimaryKey(ctx context.Context, schema, table string) ([]string, error) {
	query := `
		SELECT a.attname
		FROM pg_index ix
		JOIN pg_class c ON c.oid = ix.indrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = ANY(ix.indkey)
		WHERE n.nspname = $1 AND c.relname = $2 AND ix.indisprimary
		ORDER BY array_position(ix.indkey, a.attnum)
	`

	rows, err := i.db.Query(ctx, query, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query primary key for %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan primary key column: %w", err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read primary key columns: %w", err)
	}

	return columns, nil
}

// ColumnGrants lists column-level privileges held by the given grantees on
// tables in scope. Used by the sensitive-column audit.
func (i *Inspector) ColumnGrants(ctx context.Context, grantees []string) ([]ColumnGrant, error) {
	query := `
		SELECT table_schema, table_name, column_name, grantee, privilege_type
		FROM information_schema.column_privileges
		WHERE grantee = ANY($1)
		  AND table_schema NOT IN ('information_schema', 'pg_catalog')
		ORDER BY table_schema, table_name, column_name, grantee
	`

	rows, err := i.db.Query(ctx, query, grantees)
	if err != nil {
		return nil, fmt.Errorf("failed to query column privileges: %w", err)
	}
	defer rows.Close()

	var grants []ColumnGrant
	for rows.Next() {
		var g ColumnGrant
		if err := rows.Scan(&g.Schema, &g.Table, &g.Column, &g.Grantee, &g.Privilege); err != nil {
			return nil, fmt.Errorf("failed to scan column privilege: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read column privileges: %w", err)
	}

	return grants, nil
}
