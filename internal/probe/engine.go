package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/fluxbase-eu/rlsprobe/internal/database"
	"github.com/fluxbase-eu/rlsprobe/internal/introspect"
)

// savepointName marks the nested rollback point inside every probe
// transaction.
const savepointName = "test_probe"

// Target identifies the relation a probe runs against. When BucketID is set
// the probe targets storage.objects filtered to that bucket's row set.
type Target struct {
	Schema   string
	Table    string
	BucketID string
}

// Qualified returns the quoted schema-qualified relation name.
func (t Target) Qualified() string {
	return database.QuoteQualified(t.Schema, t.Table)
}

// Key returns the canonical "schema.table" identifier.
func (t Target) Key() string {
	return t.Schema + "." + t.Table
}

// Request is one probe: an operation against a target under a claim set.
type Request struct {
	Target Target
	Op     Operation
	Claims jwt.MapClaims
}

// Engine executes contained probes. It holds no mutable state; a single
// engine is shared by all workers.
type Engine struct {
	db        database.Executor
	inspector *introspect.Inspector
}

// NewEngine creates a probe engine over a gatekept executor.
func NewEngine(db database.Executor, inspector *introspect.Inspector) *Engine {
	return &Engine{db: db, inspector: inspector}
}

// Probe runs one contained probe and classifies the outcome. It never
// returns an error: infrastructure failures classify as ERROR, structural
// impossibilities as SKIPPED.
//
// The protocol is strictly ordered: BEGIN, claims install, SAVEPOINT,
// attempt, ROLLBACK TO SAVEPOINT, ROLLBACK. The final rollback runs even on
// success.
func (e *Engine) Probe(ctx context.Context, req Request) Result {
	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to begin probe transaction: %v", err))
	}
	// Containment backstop: runs even when classification already rolled back.
	defer func() { _ = tx.Rollback(ctx) }()

	if res, ok := e.installIdentity(ctx, tx, req.Claims); !ok {
		return res
	}

	if _, err := tx.Exec(ctx, "SAVEPOINT "+savepointName); err != nil {
		return errorResult(fmt.Sprintf("failed to establish savepoint: %v", err))
	}

	result := e.attempt(ctx, tx, req)
	if result.Outcome == OutcomeSkipped {
		// Nothing was attempted; unwind and report as-is.
		_ = tx.Rollback(ctx)
		return result
	}

	if _, err := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepointName); err != nil {
		return errorResult(fmt.Sprintf("failed to roll back to savepoint: %v", err))
	}

	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errorResult(fmt.Sprintf("failed to roll back probe transaction: %v", err))
	}

	log.Debug().
		Str("table", req.Target.Key()).
		Str("op", string(req.Op)).
		Str("outcome", string(result.Outcome)).
		Msg("Probe complete")

	return result
}

// installIdentity serializes the claims into the request.jwt.claims GUC and
// switches the session role. Claims with role "authenticated" map to the
// authenticated role; everything else probes as anon. A non-authenticated
// role claim is additionally written to the role GUC because some policy
// styles consult current_setting('role') instead of current_role.
func (e *Engine) installIdentity(ctx context.Context, tx pgx.Tx, claims jwt.MapClaims) (Result, bool) {
	if claims == nil {
		claims = jwt.MapClaims{}
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to serialize JWT claims: %v", err)), false
	}
	if _, err := tx.Exec(ctx,
		"SELECT set_config('request.jwt.claims', $1, true)", string(payload)); err != nil {
		return errorResult(fmt.Sprintf("failed to install JWT claims: %v", err)), false
	}

	claimRole, _ := claims["role"].(string)
	sessionRole := "anon"
	if claimRole == "authenticated" {
		sessionRole = "authenticated"
	}
	if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+database.QuoteIdentifier(sessionRole)); err != nil {
		return errorResult(fmt.Sprintf("failed to set session role %q: %v", sessionRole, err)), false
	}

	if claimRole != "" && claimRole != "authenticated" {
		if _, err := tx.Exec(ctx,
			"SELECT set_config('role', $1, true)", claimRole); err != nil {
			return errorResult(fmt.Sprintf("failed to set role setting: %v", err)), false
		}
	}

	return Result{}, true
}

func (e *Engine) attempt(ctx context.Context, tx pgx.Tx, req Request) Result {
	switch req.Op {
	case OpSelect:
		return e.attemptSelect(ctx, tx, req.Target)
	case OpInsert:
		return e.attemptInsert(ctx, tx, req.Target)
	case OpUpdate, OpDelete:
		return e.attemptMutation(ctx, tx, req.Target, req.Op)
	default:
		return skipped(fmt.Sprintf("unknown operation %q", req.Op))
	}
}

// attemptSelect reads at most one row. A returned row is ALLOW, an empty
// result is DENY: an always-denying policy and an empty table are
// indistinguishable from the caller's side, and both read as "cannot see
// anything here".
func (e *Engine) attemptSelect(ctx context.Context, tx pgx.Tx, target Target) Result {
	query := "SELECT * FROM " + target.Qualified()
	var args []interface{}
	if target.BucketID != "" {
		query += " WHERE bucket_id = $1"
		args = append(args, target.BucketID)
	}
	query += " LIMIT 1"

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return e.classifyOpError(ctx, err)
	}
	defer rows.Close()

	if rows.Next() {
		rows.Close()
		return allow()
	}
	if err := rows.Err(); err != nil {
		return e.classifyOpError(ctx, err)
	}
	return deny()
}

// attemptInsert synthesizes a minimal row from the table's column metadata
// and tries to write it. Columns with defaults are left out; if every column
// has a default the insert degrades to DEFAULT VALUES.
func (e *Engine) attemptInsert(ctx context.Context, tx pgx.Tx, target Target) Result {
	columns, err := e.inspector.Columns(ctx, target.Schema, target.Table)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to introspect columns: %v", err))
	}

	var names, values []string
	for _, col := range columns {
		if col.HasDefault {
			continue
		}
		expr := ValueExpr(col)
		if target.BucketID != "" && strings.EqualFold(col.Name, "bucket_id") {
			expr = quoteLiteral(target.BucketID)
		}
		names = append(names, database.QuoteIdentifier(col.Name))
		values = append(values, expr)
	}

	var query string
	if len(names) == 0 {
		query = "INSERT INTO " + target.Qualified() + " DEFAULT VALUES"
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			target.Qualified(),
			strings.Join(names, ", "),
			strings.Join(values, ", "))
	}

	if _, err := tx.Exec(ctx, query); err != nil {
		return e.classifyOpError(ctx, err)
	}
	return allow()
}

// attemptMutation probes UPDATE or DELETE against one row the session can
// see. Without a primary key the probe is structurally ambiguous and skips.
// When no row is visible under the active claims the result is DENY: a
// caller cannot modify a row they cannot see.
func (e *Engine) attemptMutation(ctx context.Context, tx pgx.Tx, target Target, op Operation) Result {
	pkColumns, err := e.inspector.PrimaryKey(ctx, target.Schema, target.Table)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to introspect primary key: %v", err))
	}
	if len(pkColumns) == 0 {
		return skipped("no primary key: mutation probe would be ambiguous")
	}

	quoted := make([]string, len(pkColumns))
	for i, col := range pkColumns {
		quoted[i] = database.QuoteIdentifier(col)
	}

	lookup := "SELECT " + strings.Join(quoted, ", ") + " FROM " + target.Qualified()
	var lookupArgs []interface{}
	if target.BucketID != "" {
		lookup += " WHERE bucket_id = $1"
		lookupArgs = append(lookupArgs, target.BucketID)
	}
	lookup += " LIMIT 1"

	pkValues := make([]interface{}, len(pkColumns))
	pkScan := make([]interface{}, len(pkColumns))
	for i := range pkValues {
		pkScan[i] = &pkValues[i]
	}

	err = tx.QueryRow(ctx, lookup, lookupArgs...).Scan(pkScan...)
	if errors.Is(err, pgx.ErrNoRows) {
		return deny()
	}
	if err != nil {
		return e.classifyOpError(ctx, err)
	}

	where := make([]string, len(pkColumns))
	for i, col := range quoted {
		where[i] = fmt.Sprintf("%s = $%d", col, i+1)
	}

	var query string
	switch op {
	case OpUpdate:
		// A self-assignment update: exercises the policy without changing
		// row content, and the enclosing rollback discards even that.
		query = fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s",
			target.Qualified(), quoted[0], quoted[0], strings.Join(where, " AND "))
	case OpDelete:
		query = fmt.Sprintf("DELETE FROM %s WHERE %s",
			target.Qualified(), strings.Join(where, " AND "))
	}

	tag, err := tx.Exec(ctx, query, pkValues...)
	if err != nil {
		return e.classifyOpError(ctx, err)
	}
	if tag.RowsAffected() > 0 {
		return allow()
	}
	return deny()
}

// classifyOpError maps a driver error from an attempted operation onto an
// outcome. Policy violations and permission failures are DENY. A duplicate
// key is ALLOW: the write check passed and the collision is coincidental.
// Everything else is ALLOW with the underlying error preserved, because the
// operation was attempted and not blocked by a policy. A cancelled context is
// the one case classified ERROR here; a lost connection surfaces as ERROR from
// Probe when the following rollback to the savepoint fails.
func (e *Engine) classifyOpError(ctx context.Context, err error) Result {
	if ctx.Err() != nil {
		return errorResult(fmt.Sprintf("probe aborted: %v", ctx.Err()))
	}
	switch {
	case database.IsPermissionDenied(err):
		return deny()
	case database.IsUniqueViolation(err):
		return allowBecause("duplicate key: the write check passed, the collision is coincidental")
	default:
		return allowBecause(fmt.Sprintf("non-policy error: %v", err))
	}
}
