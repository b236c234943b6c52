package sqlstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stratumdb/stratum/internal/storage"
)

// errNoPushdown signals that a filter references fields or operand types the
// table's columns cannot express; the caller falls back to loading the table
// and running the shared in-memory filter engine.
var errNoPushdown = errors.New("filter cannot be pushed down")

// compiler accumulates positional parameters left-to-right so placeholder
// indices stay consistent across the recursion.
type compiler struct {
	d      dialect
	schema tableSchema
	args   []any
}

func (c *compiler) add(v any) string {
	c.args = append(c.args, v)
	return c.d.placeholder(len(c.args))
}

// compileWhere turns a predicate tree into a parameterized WHERE fragment.
// Logical nodes become parenthesized AND/OR/NOT groups; comparison nodes
// become placeholders. Returns errNoPushdown for shapes SQL cannot cover
// with this table's columns.
func (c *compiler) compileWhere(p storage.Predicate) (string, error) {
	if p == nil {
		return "", nil
	}
	switch node := p.(type) {
	case storage.Cmp:
		return c.compileCmp(node)
	case *storage.Cmp:
		return c.compileCmp(*node)
	case storage.And:
		return c.compileGroup(node.Preds, "AND", "1 = 1")
	case *storage.And:
		return c.compileGroup(node.Preds, "AND", "1 = 1")
	case storage.Or:
		return c.compileGroup(node.Preds, "OR", "1 = 0")
	case *storage.Or:
		return c.compileGroup(node.Preds, "OR", "1 = 0")
	case storage.Not:
		inner, err := c.compileWhere(node.Pred)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case *storage.Not:
		inner, err := c.compileWhere(node.Pred)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	}
	return "", fmt.Errorf("unsupported predicate type: %T", p)
}

func (c *compiler) compileGroup(preds []storage.Predicate, join, empty string) (string, error) {
	if len(preds) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		sql, err := c.compileWhere(p)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	return "(" + strings.Join(parts, " "+join+" ") + ")", nil
}

func (c *compiler) compileCmp(cmp storage.Cmp) (string, error) {
	col, ok := c.schema.fieldColumn(cmp.Field)
	if !ok {
		return "", errNoPushdown
	}
	ident := fmt.Sprintf("%q", col.name)

	switch cmp.Op {
	case storage.OpEq:
		v, err := operand(col, cmp.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s = %s", ident, c.add(v)), nil
	case storage.OpNe:
		v, err := operand(col, cmp.Value)
		if err != nil {
			return "", err
		}
		// NULL columns (field absent) count as "not equal".
		return fmt.Sprintf("(%s IS NULL OR %s <> %s)", ident, ident, c.add(v)), nil
	case storage.OpGt, storage.OpGte, storage.OpLt, storage.OpLte:
		v, err := operand(col, cmp.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", ident, relOp(cmp.Op), c.add(v)), nil
	case storage.OpIn, storage.OpNotIn:
		placeholders, err := c.addSet(col, cmp.Value)
		if err != nil {
			return "", err
		}
		if cmp.Op == storage.OpIn {
			return fmt.Sprintf("%s IN (%s)", ident, placeholders), nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s NOT IN (%s))", ident, ident, placeholders), nil
	case storage.OpContains:
		s, isStr := cmp.Value.(string)
		if !isStr || col.kind != kindText {
			return "", errNoPushdown
		}
		// The needle is literal text, not a pattern: its % and _ must be
		// escaped or SQL treats them as wildcards while the in-memory
		// engine matches them verbatim.
		needle := "%" + escapeLike(strings.ToLower(s)) + "%"
		return fmt.Sprintf("LOWER(%s) LIKE %s ESCAPE '\\'", ident, c.add(needle)), nil
	case storage.OpMatch:
		s, isStr := cmp.Value.(string)
		if !isStr || col.kind != kindText {
			return "", errNoPushdown
		}
		return fmt.Sprintf("LOWER(%s) LIKE LOWER(%s)", ident, c.add(s)), nil
	}
	return "", fmt.Errorf("unsupported operator: %s", cmp.Op)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike escapes the LIKE metacharacters so a needle matches them
// literally under an ESCAPE '\' clause.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func relOp(op storage.Op) string {
	switch op {
	case storage.OpGt:
		return ">"
	case storage.OpGte:
		return ">="
	case storage.OpLt:
		return "<"
	default:
		return "<="
	}
}

func (c *compiler) addSet(col column, value any) (string, error) {
	var items []any
	switch set := value.(type) {
	case []any:
		items = set
	case []string:
		for _, s := range set {
			items = append(items, s)
		}
	default:
		return "", errNoPushdown
	}
	if len(items) == 0 {
		return "", errNoPushdown
	}
	placeholders := make([]string, 0, len(items))
	for _, item := range items {
		v, err := operand(col, item)
		if err != nil {
			return "", err
		}
		placeholders = append(placeholders, c.add(v))
	}
	return strings.Join(placeholders, ", "), nil
}

// operand converts a predicate operand into the driver value matching the
// column's storage representation.
func operand(col column, v any) (any, error) {
	switch col.kind {
	case kindText:
		s, ok := v.(string)
		if !ok {
			return nil, errNoPushdown
		}
		return s, nil
	case kindInteger:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			// A fractional operand cannot round-trip through a bigint
			// comparison without shifting the boundary.
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		}
		return nil, errNoPushdown
	case kindTimestamp:
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Format(time.RFC3339Nano), nil
		case string:
			return t, nil
		}
		return nil, errNoPushdown
	}
	return nil, errNoPushdown
}

// compileOrderBy renders an ORDER BY clause; errNoPushdown when a sort key
// has no dedicated column.
func (c *compiler) compileOrderBy(keys []storage.SortKey) (string, error) {
	if len(keys) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		col, ok := c.schema.fieldColumn(k.Field)
		if !ok {
			return "", errNoPushdown
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf("%q %s", col.name, dir))
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

// compileSelect builds the full SELECT for a filter, or errNoPushdown when
// any part of it cannot be expressed over this table's columns. Projection
// is always applied in Go afterwards.
func compileSelect(d dialect, schema tableSchema, f storage.Filter) (string, []any, error) {
	c := &compiler{d: d, schema: schema}

	var where string
	if f.Where != nil {
		sql, err := c.compileWhere(f.Where)
		if err != nil {
			return "", nil, err
		}
		where = " WHERE " + sql
	}

	orderBy, err := c.compileOrderBy(f.OrderBy)
	if err != nil {
		return "", nil, err
	}

	var page string
	if f.Limit > 0 {
		page += fmt.Sprintf(" LIMIT %d", f.Limit)
	} else if f.Offset > 0 && !d.dollar {
		// sqlite requires a LIMIT before OFFSET; -1 means unlimited.
		page += " LIMIT -1"
	}
	if f.Offset > 0 {
		page += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	sql := fmt.Sprintf("SELECT %s FROM %q%s%s%s",
		schema.selectList(), schema.name, where, orderBy, page)
	return sql, c.args, nil
}

// compileCount builds SELECT COUNT(*) with the same pushdown rules.
func compileCount(d dialect, schema tableSchema, where storage.Predicate) (string, []any, error) {
	c := &compiler{d: d, schema: schema}
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %q", schema.name)
	if where != nil {
		frag, err := c.compileWhere(where)
		if err != nil {
			return "", nil, err
		}
		sql += " WHERE " + frag
	}
	return sql, c.args, nil
}

func (t tableSchema) selectList() string {
	cols := []string{`"id"`, `"created_at"`, `"updated_at"`, `"version"`, `"metadata"`}
	for _, c := range t.columns {
		cols = append(cols, fmt.Sprintf("%q", c.name))
	}
	cols = append(cols, `"data"`)
	return strings.Join(cols, ", ")
}
