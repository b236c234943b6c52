package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/stratumdb/stratum/internal/storage"
)

var (
	errNilTxHandle     = errors.New("nil transaction handle")
	errUnknownTxHandle = errors.New("unknown or already ended transaction")
)

// Aggregate translates a match/group/sort pipeline into SQL clauses.
// Stages the translator does not know are ignored rather than rejected;
// callers should treat the stage set as the minimal supported surface.
func (s *Store) Aggregate(ctx context.Context, table string, pipeline []storage.Stage) ([]map[string]any, error) {
	var out []map[string]any
	err := s.Measure("aggregate", table, func() error {
		schema, db, err := s.schemaFor("aggregate", table)
		if err != nil {
			return err
		}

		var matches []storage.Predicate
		var groupBy string
		var sortKeys []storage.SortKey
		for _, stage := range pipeline {
			switch stage.Kind {
			case storage.StageMatch:
				if stage.Match != nil {
					matches = append(matches, stage.Match)
				}
			case storage.StageGroup:
				groupBy = stage.GroupBy
			case storage.StageSort:
				sortKeys = append(sortKeys, stage.Sort...)
			default:
				// Unknown stage: ignored.
			}
		}

		var where storage.Predicate
		if len(matches) > 0 {
			where = storage.And{Preds: matches}
		}

		if groupBy == "" {
			// Without a group stage the pipeline degenerates to a query.
			entities, err := s.Query(ctx, table, storage.Filter{Where: where, OrderBy: sortKeys})
			if err != nil {
				return err
			}
			out = flatten(entities)
			return nil
		}

		rows, err := s.groupSQL(ctx, db, schema, where, groupBy, sortKeys)
		if err == errNoPushdown {
			rows, err = s.groupScan(ctx, db, schema, where, groupBy, sortKeys)
		}
		if err != nil {
			return err
		}
		out = rows
		return nil
	})
	return out, err
}

// groupSQL compiles GROUP BY + COUNT(*) into SQL. errNoPushdown when the
// group field or a match field has no dedicated column.
func (s *Store) groupSQL(ctx context.Context, db *sql.DB, schema tableSchema, where storage.Predicate, groupBy string, sortKeys []storage.SortKey) ([]map[string]any, error) {
	col, ok := schema.fieldColumn(groupBy)
	if !ok {
		return nil, errNoPushdown
	}

	c := &compiler{d: s.d, schema: schema}
	var whereClause string
	if where != nil {
		frag, err := c.compileWhere(where)
		if err != nil {
			return nil, err
		}
		whereClause = " WHERE " + frag
	}

	var orderParts []string
	for _, k := range sortKeys {
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		switch k.Field {
		case "count":
			orderParts = append(orderParts, `"count" `+dir)
		case groupBy:
			orderParts = append(orderParts, fmt.Sprintf("%q %s", col.name, dir))
		default:
			return nil, errNoPushdown
		}
	}
	orderBy := ""
	if len(orderParts) > 0 {
		orderBy = " ORDER BY " + strings.Join(orderParts, ", ")
	}

	stmt := fmt.Sprintf(`SELECT %q, COUNT(*) AS "count" FROM %q%s GROUP BY %q%s`,
		col.name, schema.name, whereClause, col.name, orderBy)
	rows, err := db.QueryContext(ctx, stmt, c.args...)
	if err != nil {
		return nil, storage.NewError(storage.CodeConnection, "aggregate", schema.name, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var group sql.NullString
		var count int64
		if err := rows.Scan(&group, &count); err != nil {
			return nil, err
		}
		row := map[string]any{"count": count}
		if group.Valid {
			row[groupBy] = group.String
		} else {
			row[groupBy] = nil
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// groupScan is the in-memory fallback: load, filter, group, sort.
func (s *Store) groupScan(ctx context.Context, db *sql.DB, schema tableSchema, where storage.Predicate, groupBy string, sortKeys []storage.SortKey) ([]map[string]any, error) {
	all, err := s.loadAll(ctx, db, schema)
	if err != nil {
		return nil, err
	}
	counts := make(map[any]int64)
	var order []any
	for _, e := range all {
		if !storage.Matches(e, where) {
			continue
		}
		v, _ := e.Field(groupBy)
		if _, seen := counts[v]; !seen {
			order = append(order, v)
		}
		counts[v]++
	}

	out := make([]map[string]any, 0, len(order))
	for _, v := range order {
		out = append(out, map[string]any{groupBy: v, "count": counts[v]})
	}

	if len(sortKeys) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, k := range sortKeys {
				rel := compareAny(out[i][k.Field], out[j][k.Field])
				if rel == 0 {
					continue
				}
				if k.Desc {
					return rel > 0
				}
				return rel < 0
			}
			return false
		})
	}
	return out, nil
}

func compareAny(a, b any) int {
	switch av := a.(type) {
	case int64:
		if bv, ok := b.(int64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	return 0
}

// flatten converts entities into row maps (system fields plus data fields).
func flatten(entities []*storage.Entity) []map[string]any {
	out := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		row := map[string]any{
			"id":        e.ID,
			"createdAt": e.CreatedAt,
			"updatedAt": e.UpdatedAt,
			"version":   e.Version,
		}
		for k, v := range e.Fields {
			row[k] = v
		}
		out = append(out, row)
	}
	return out
}
