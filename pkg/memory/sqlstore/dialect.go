package sqlstore

import (
	"fmt"
	"regexp"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavor and database/sql driver.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Driver returns the database/sql driver name for the dialect.
func (d Dialect) Driver() string {
	switch d {
	case Postgres:
		return "pgx"
	case SQLite:
		return "sqlite"
	default:
		return ""
	}
}

// Valid reports whether d is supported.
func (d Dialect) Valid() bool {
	return d.Driver() != ""
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func quoteIdent(name string) string {
	return `"` + name + `"`
}

// tableRef is a schema-qualified, quoted table name.
type tableRef struct {
	schema string
	table  string
}

func newTableRef(schema, table string) (tableRef, error) {
	for _, ident := range []string{schema, table} {
		if !identRe.MatchString(ident) {
			return tableRef{}, fmt.Errorf("invalid identifier %q", ident)
		}
	}
	return tableRef{schema: schema, table: table}, nil
}

func (t tableRef) String() string {
	return quoteIdent(t.schema) + "." + quoteIdent(t.table)
}

// migrations returns the DDL that creates the entries table and its indexes.
func (d Dialect) migrations(t tableRef) []string {
	switch d {
	case Postgres:
		return []string{
			fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdent(t.schema)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				"key"        TEXT PRIMARY KEY,
				"value"      JSONB NOT NULL,
				"type"       TEXT NOT NULL,
				"scope"      TEXT NOT NULL,
				"metadata"   JSONB,
				"indices"    JSONB,
				"created_at" TIMESTAMPTZ NOT NULL,
				"updated_at" TIMESTAMPTZ NOT NULL,
				"expires_at" TIMESTAMPTZ
			)`, t),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ("scope")`, quoteIdent(t.table+"_scope_idx"), t),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ("expires_at")`, quoteIdent(t.table+"_expires_idx"), t),
		}
	default:
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				"key"        TEXT PRIMARY KEY,
				"value"      TEXT NOT NULL,
				"type"       TEXT NOT NULL,
				"scope"      TEXT NOT NULL,
				"metadata"   TEXT,
				"indices"    TEXT,
				"created_at" TIMESTAMP NOT NULL,
				"updated_at" TIMESTAMP NOT NULL,
				"expires_at" TIMESTAMP
			)`, t),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s.%s ON %s ("scope")`,
				quoteIdent(t.schema), quoteIdent(t.table+"_scope_idx"), quoteIdent(t.table)),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s.%s ON %s ("expires_at")`,
				quoteIdent(t.schema), quoteIdent(t.table+"_expires_idx"), quoteIdent(t.table)),
		}
	}
}

const columns = `"key", "value", "type", "scope", "metadata", "indices", "created_at", "updated_at", "expires_at"`

func upsertSQL(t tableRef) string {
	return fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT ("key") DO UPDATE SET
			"value" = excluded."value",
			"type" = excluded."type",
			"scope" = excluded."scope",
			"metadata" = excluded."metadata",
			"indices" = excluded."indices",
			"updated_at" = excluded."updated_at",
			"expires_at" = excluded."expires_at"
		RETURNING "created_at"`, t, columns)
}

// orderColumns is the allow-list for Query.OrderBy.
var orderColumns = map[string]string{
	"key":        `"key"`,
	"type":       `"type"`,
	"scope":      `"scope"`,
	"created_at": `"created_at"`,
	"updated_at": `"updated_at"`,
	"expires_at": `"expires_at"`,
}

// selectBuilder accumulates a SELECT with $N placeholders.
type selectBuilder struct {
	table tableRef
	where []string
	args  []any
	order string
}

func (b *selectBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *selectBuilder) whereIn(col string, values []string) {
	ph := make([]string, len(values))
	for i, v := range values {
		ph[i] = b.arg(v)
	}
	b.where = append(b.where, fmt.Sprintf("%s IN (%s)", col, strings.Join(ph, ", ")))
}

func (b *selectBuilder) whereEq(col string, v any) {
	b.where = append(b.where, fmt.Sprintf("%s = %s", col, b.arg(v)))
}

func (b *selectBuilder) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", columns, b.table)
	if len(b.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.where, " AND "))
	}
	if b.order != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(b.order)
	}
	return sb.String()
}
