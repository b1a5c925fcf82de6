package probe

import (
	"strings"

	"github.com/google/uuid"

	"github.com/fluxbase-eu/rlsprobe/internal/introspect"
)

// ValueExpr returns the SQL expression used to populate one column of a
// synthesized INSERT row. The rules are deterministic over the column name
// and declared type:
//
//   - id/user_id uuid columns get auth.uid(), matching the usual RLS
//     pattern that ties ownership columns to the caller
//   - other uuid columns get a fresh UUID literal
//   - text gets 'test', numbers get 1, booleans get true
//   - anything else falls back to DEFAULT
func ValueExpr(col introspect.Column) string {
	name := strings.ToLower(col.Name)
	typ := strings.ToLower(col.DataType)

	switch {
	case typ == "uuid" && (name == "id" || name == "user_id"):
		return "auth.uid()"
	case typ == "uuid":
		return "'" + uuid.NewString() + "'"
	case typ == "text" || strings.Contains(typ, "char"):
		return "'test'"
	case strings.Contains(typ, "int") ||
		strings.Contains(typ, "numeric") ||
		strings.Contains(typ, "decimal") ||
		typ == "real" || typ == "double precision":
		return "1"
	case typ == "boolean":
		return "true"
	default:
		return "DEFAULT"
	}
}

// quoteLiteral renders a string as a single-quoted SQL literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
