package cli

import (
	"context"
	"net/url"
	"strings"

	"github.com/fluxbase-eu/rlsprobe/internal/config"
	"github.com/fluxbase-eu/rlsprobe/internal/database"
	"github.com/fluxbase-eu/rlsprobe/internal/introspect"
)

// session bundles the per-invocation collaborators every database-touching
// command needs.
type session struct {
	opts      *config.RunOptions
	conn      *database.Connection
	inspector *introspect.Inspector
}

// openSession resolves run options, opens the gatekept pool, and wires the
// introspector. The pool is sized to the probe parallelism.
func openSession(ctx context.Context) (*session, error) {
	opts, err := config.LoadOptions()
	if err != nil {
		return nil, err
	}

	conn, err := database.Connect(ctx, database.Options{
		URL:      opts.DatabaseURL,
		MaxConns: int32(opts.Parallelism),
	})
	if err != nil {
		return nil, err
	}

	return &session{
		opts:      opts,
		conn:      conn,
		inspector: introspect.NewInspector(conn),
	}, nil
}

func (s *session) close() {
	s.conn.Close()
}

// databaseLabel reduces a connection string to a credential-free label
// suitable for snapshot metadata.
func databaseLabel(connString string) string {
	parsed, err := url.Parse(connString)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return parsed.Host + strings.TrimSuffix(parsed.Path, "/")
}
