// Package testutil provides scripted pgx doubles for unit tests that drive
// the probe machinery without a live database.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Response scripts the reply to one statement matched by SQL fragment.
type Response struct {
	// Rows are returned for Query/QueryRow calls, one slice per row.
	Rows [][]interface{}
	// Tag is returned for Exec calls.
	Tag pgconn.CommandTag
	// Err fails the statement.
	Err error
}

// Script matches executed SQL against scripted responses and records every
// statement in order.
type Script struct {
	responses map[string]Response
	Executed  []string
}

// NewScript creates an empty script.
func NewScript() *Script {
	return &Script{responses: make(map[string]Response)}
}

// On registers the response for statements containing fragment.
func (s *Script) On(fragment string, resp Response) *Script {
	s.responses[fragment] = resp
	return s
}

// lookup records the statement and returns the response with the longest
// matching fragment, so overlapping registrations behave predictably.
func (s *Script) lookup(sql string) (Response, bool) {
	s.Executed = append(s.Executed, sql)
	best := -1
	var found Response
	for fragment, resp := range s.responses {
		if strings.Contains(sql, fragment) && len(fragment) > best {
			best = len(fragment)
			found = resp
		}
	}
	return found, best >= 0
}

// MockExecutor satisfies the database executor surface over a script.
type MockExecutor struct {
	Script *Script
	// BeginErr fails BeginTx when set.
	BeginErr error
	// LastTx is the most recent transaction handed out by BeginTx.
	LastTx *MockTx
}

// NewMockExecutor creates an executor over a fresh script.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{Script: NewScript()}
}

func (m *MockExecutor) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	resp, ok := m.Script.lookup(sql)
	if !ok {
		return &MockRows{}, nil
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &MockRows{rows: resp.Rows}, nil
}

func (m *MockExecutor) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	resp, ok := m.Script.lookup(sql)
	if !ok {
		return &MockRow{Err: pgx.ErrNoRows}
	}
	if resp.Err != nil {
		return &MockRow{Err: resp.Err}
	}
	if len(resp.Rows) == 0 {
		return &MockRow{Err: pgx.ErrNoRows}
	}
	return &MockRow{Values: resp.Rows[0]}
}

func (m *MockExecutor) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	resp, ok := m.Script.lookup(sql)
	if !ok {
		return pgconn.CommandTag{}, nil
	}
	return resp.Tag, resp.Err
}

func (m *MockExecutor) BeginTx(ctx context.Context) (pgx.Tx, error) {
	if m.BeginErr != nil {
		return nil, m.BeginErr
	}
	m.LastTx = &MockTx{script: m.Script}
	return m.LastTx, nil
}

// MockTx is a transaction over the same script as its executor.
type MockTx struct {
	script     *Script
	Committed  bool
	RolledBack bool
}

func (t *MockTx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("nested transactions not supported")
}

func (t *MockTx) Commit(ctx context.Context) error {
	t.Committed = true
	return nil
}

func (t *MockTx) Rollback(ctx context.Context) error {
	if t.RolledBack {
		return pgx.ErrTxClosed
	}
	t.RolledBack = true
	return nil
}

func (t *MockTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("copy not supported")
}

func (t *MockTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return nil
}

func (t *MockTx) LargeObjects() pgx.LargeObjects {
	return pgx.LargeObjects{}
}

func (t *MockTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("prepare not supported")
}

func (t *MockTx) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	resp, ok := t.script.lookup(sql)
	if !ok {
		return pgconn.CommandTag{}, nil
	}
	return resp.Tag, resp.Err
}

func (t *MockTx) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	resp, ok := t.script.lookup(sql)
	if !ok {
		return &MockRows{}, nil
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &MockRows{rows: resp.Rows}, nil
}

func (t *MockTx) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	resp, ok := t.script.lookup(sql)
	if !ok {
		return &MockRow{Err: pgx.ErrNoRows}
	}
	if resp.Err != nil {
		return &MockRow{Err: resp.Err}
	}
	if len(resp.Rows) == 0 {
		return &MockRow{Err: pgx.ErrNoRows}
	}
	return &MockRow{Values: resp.Rows[0]}
}

func (t *MockTx) Conn() *pgx.Conn {
	return nil
}

// MockRows iterates scripted row values.
type MockRows struct {
	rows [][]interface{}
	idx  int
	err  error
}

func (r *MockRows) Close()                                       {}
func (r *MockRows) Err() error                                   { return r.err }
func (r *MockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *MockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *MockRows) Values() ([]interface{}, error)               { return r.rows[r.idx-1], nil }
func (r *MockRows) RawValues() [][]byte                          { return nil }
func (r *MockRows) Conn() *pgx.Conn                              { return nil }

func (r *MockRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *MockRows) Scan(dest ...interface{}) error {
	return scanInto(r.rows[r.idx-1], dest)
}

// MockRow is a single scripted row.
type MockRow struct {
	Values []interface{}
	Err    error
}

func (r *MockRow) Scan(dest ...interface{}) error {
	if r.Err != nil {
		return r.Err
	}
	return scanInto(r.Values, dest)
}

func scanInto(values []interface{}, dest []interface{}) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: %d values for %d destinations", len(values), len(dest))
	}
	for i, v := range values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *bool:
			*d = v.(bool)
		case *int:
			*d = v.(int)
		case *[]byte:
			*d = v.([]byte)
		case *interface{}:
			*d = v
		case *[]string:
			*d = v.([]string)
		case **string:
			if v == nil {
				*d = nil
			} else {
				s := v.(string)
				*d = &s
			}
		default:
			return fmt.Errorf("scan: unsupported destination type %T", dest[i])
		}
	}
	return nil
}

// PermissionDenied builds the driver error RLS denials surface as.
func PermissionDenied() error {
	return &pgconn.PgError{Code: "42501", Message: "permission denied for table probe_target"}
}

// UniqueViolation builds a duplicate key driver error.
func UniqueViolation() error {
	return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
}
