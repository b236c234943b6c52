// Package sqlstore is the relational adapter. It speaks plain database/sql —
// the concrete driver is injected by name (lib/pq in production, sqlite in
// tests) — and translates the shared filter language into parameterized
// statements. Storage-facing field names are camelCase; columns are
// snake_case; mapping happens at the row boundary.
package sqlstore

import (
	"fmt"
	"strings"
	"unicode"
)

// columnKind drives operand conversion when a predicate is pushed down.
type columnKind int

const (
	kindText columnKind = iota
	kindInteger
	kindTimestamp
)

type column struct {
	name string // snake_case
	kind columnKind
}

// tableSchema is the closed column set of one table. Every table carries the
// base columns (id, created_at, updated_at, version, metadata) plus a data
// spill column holding fields without a dedicated column.
type tableSchema struct {
	name    string
	columns []column // table-specific, beyond the base set
}

// builtinSchemas are ensured on connect. This is "ensure schema", not
// migration management: CREATE TABLE IF NOT EXISTS and nothing else.
var builtinSchemas = []tableSchema{
	{name: "users", columns: []column{
		{"email", kindText}, {"name", kindText}, {"status", kindText},
	}},
	{name: "posts", columns: []column{
		{"title", kindText}, {"content", kindText}, {"author_id", kindText},
		{"category", kindText}, {"status", kindText},
	}},
	{name: "comments", columns: []column{
		{"post_id", kindText}, {"author_id", kindText}, {"content", kindText},
	}},
}

func (t tableSchema) createStatement() string {
	var cols []string
	cols = append(cols,
		`"id" TEXT PRIMARY KEY`,
		`"created_at" TEXT NOT NULL`,
		`"updated_at" TEXT NOT NULL`,
		`"version" BIGINT NOT NULL`,
		`"metadata" TEXT`,
	)
	for _, c := range t.columns {
		cols = append(cols, fmt.Sprintf("%q %s", c.name, sqlType(c.kind)))
	}
	cols = append(cols, `"data" TEXT`)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", t.name, strings.Join(cols, ", "))
}

func sqlType(k columnKind) string {
	switch k {
	case kindInteger:
		return "BIGINT"
	case kindTimestamp:
		return "TEXT"
	default:
		return "TEXT"
	}
}

// fieldColumn resolves a storage-facing field name to its dedicated column,
// covering both the system fields and the table-specific set.
func (t tableSchema) fieldColumn(field string) (column, bool) {
	switch field {
	case "id":
		return column{"id", kindText}, true
	case "createdAt":
		return column{"created_at", kindTimestamp}, true
	case "updatedAt":
		return column{"updated_at", kindTimestamp}, true
	case "version":
		return column{"version", kindInteger}, true
	}
	snake := toSnake(field)
	for _, c := range t.columns {
		if c.name == snake {
			return c, true
		}
	}
	return column{}, false
}

// toSnake converts a camelCase field name to its snake_case column name
// (authorId → author_id).
func toSnake(field string) string {
	var sb strings.Builder
	for i, r := range field {
		if unicode.IsUpper(r) {
			if i > 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// toCamel converts a snake_case column name back to the storage-facing
// camelCase field name (author_id → authorId).
func toCamel(col string) string {
	parts := strings.Split(col, "_")
	var sb strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			sb.WriteString(p)
			continue
		}
		sb.WriteString(strings.ToUpper(p[:1]))
		sb.WriteString(p[1:])
	}
	return sb.String()
}

// dialect selects placeholder syntax. Postgres counts ($1, $2, ...); the
// sqlite driver used in tests takes bare question marks.
type dialect struct {
	dollar bool
}

func dialectFor(driver string) dialect {
	return dialect{dollar: driver == "postgres"}
}

func (d dialect) placeholder(n int) string {
	if d.dollar {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
