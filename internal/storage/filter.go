package storage

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Op is the closed set of comparison operators. Adding an operator means
// extending the switch in evalCmp (and the SQL compiler); there is no string
// dispatch to fall through silently.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
	OpIn
	OpNotIn
	OpContains // case-insensitive substring, strings only
	OpMatch    // LIKE-style pattern with % and _
)

// String returns the operator's mnemonic, used in errors and SQL compilation
// diagnostics.
func (op Op) String() string {
	switch op {
	case OpEq:
		return "eq"
	case OpNe:
		return "ne"
	case OpGt:
		return "gt"
	case OpGte:
		return "gte"
	case OpLt:
		return "lt"
	case OpLte:
		return "lte"
	case OpIn:
		return "in"
	case OpNotIn:
		return "nin"
	case OpContains:
		return "contains"
	case OpMatch:
		return "match"
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// Predicate is a node in the filter's predicate tree: either a field
// comparison (Cmp) or a logical combinator (And, Or, Not) over children.
type Predicate interface {
	pred()
}

// Cmp compares a single field against an operand.
type Cmp struct {
	Field string
	Op    Op
	Value any
}

// And is true when every child is true. An empty And is vacuously true.
type And struct {
	Preds []Predicate
}

// Or is true when any child is true. An empty Or is false.
type Or struct {
	Preds []Predicate
}

// Not negates its child.
type Not struct {
	Pred Predicate
}

func (Cmp) pred() {}
func (And) pred() {}
func (Or) pred()  {}
func (Not) pred() {}

// SortKey is one key of a multi-key ordering.
type SortKey struct {
	Field string
	Desc  bool
}

// Filter is a declarative description of a read: predicate, ordering,
// pagination and projection. The zero value selects everything.
type Filter struct {
	Where   Predicate
	OrderBy []SortKey
	Offset  int
	Limit   int // 0 means no limit
	Select  []string
}

// Matches evaluates the predicate tree against an entity. A nil predicate
// matches everything. Logical nodes short-circuit.
func Matches(e *Entity, p Predicate) bool {
	if p == nil {
		return true
	}
	switch node := p.(type) {
	case Cmp:
		return evalCmp(e, node)
	case *Cmp:
		return evalCmp(e, *node)
	case And:
		for _, child := range node.Preds {
			if !Matches(e, child) {
				return false
			}
		}
		return true
	case *And:
		return Matches(e, And{Preds: node.Preds})
	case Or:
		for _, child := range node.Preds {
			if Matches(e, child) {
				return true
			}
		}
		return false
	case *Or:
		return Matches(e, Or{Preds: node.Preds})
	case Not:
		return !Matches(e, node.Pred)
	case *Not:
		return !Matches(e, node.Pred)
	}
	return false
}

func evalCmp(e *Entity, c Cmp) bool {
	v, ok := e.Field(c.Field)
	switch c.Op {
	case OpEq:
		return ok && valuesEqual(v, c.Value)
	case OpNe:
		return !ok || !valuesEqual(v, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if !ok {
			return false
		}
		rel, comparable := compareValues(v, c.Value)
		if !comparable {
			// Ordering is undefined for non-comparable operand types.
			return false
		}
		switch c.Op {
		case OpGt:
			return rel > 0
		case OpGte:
			return rel >= 0
		case OpLt:
			return rel < 0
		default:
			return rel <= 0
		}
	case OpIn:
		return ok && memberOf(v, c.Value)
	case OpNotIn:
		return !ok || !memberOf(v, c.Value)
	case OpContains:
		s, sok := v.(string)
		sub, subok := c.Value.(string)
		if !ok || !sok || !subok {
			return false
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
	case OpMatch:
		s, sok := v.(string)
		pat, patok := c.Value.(string)
		if !ok || !sok || !patok {
			return false
		}
		return likeMatch(s, pat)
	}
	return false
}

// valuesEqual compares loosely across numeric kinds (1 == 1.0, which matters
// after a JSON round trip) and strictly otherwise.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			return at.Equal(bt)
		}
		return false
	}
	return a == b
}

// compareValues returns -1/0/+1 and whether the pair is comparable at all.
// Numbers compare numerically, strings lexically, times chronologically.
func compareValues(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, aok := a.(string); aok {
		bs, bok := b.(string)
		if !bok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if at, aok := a.(time.Time); aok {
		bt, bok := b.(time.Time)
		if !bok {
			return 0, false
		}
		return at.Compare(bt), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func memberOf(v, set any) bool {
	switch s := set.(type) {
	case []any:
		for _, item := range s {
			if valuesEqual(v, item) {
				return true
			}
		}
	case []string:
		for _, item := range s {
			if valuesEqual(v, item) {
				return true
			}
		}
	case []int:
		for _, item := range s {
			if valuesEqual(v, item) {
				return true
			}
		}
	case []float64:
		for _, item := range s {
			if valuesEqual(v, item) {
				return true
			}
		}
	}
	return false
}

// likeMatch evaluates a SQL-LIKE pattern (% = any run, _ = any one rune)
// against s. Matching is case-insensitive, mirroring OpContains.
func likeMatch(s, pattern string) bool {
	var sb strings.Builder
	sb.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// Apply runs the full filter pipeline over a collection: predicate, stable
// multi-key sort, offset (applied unconditionally, even without a limit),
// limit, then projection. The input slice is not mutated.
func Apply(entities []*Entity, f Filter) []*Entity {
	out := make([]*Entity, 0, len(entities))
	for _, e := range entities {
		if Matches(e, f.Where) {
			out = append(out, e)
		}
	}

	if len(f.OrderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			return lessByKeys(out[i], out[j], f.OrderBy)
		})
	}

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			out = out[:0]
		} else {
			out = out[f.Offset:]
		}
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}

	if len(f.Select) > 0 {
		projected := make([]*Entity, len(out))
		for i, e := range out {
			projected[i] = project(e, f.Select)
		}
		out = projected
	}
	return out
}

// lessByKeys orders by each sort key in declaration order; ties fall through
// to the next key. Non-comparable pairs are treated as equal.
func lessByKeys(a, b *Entity, keys []SortKey) bool {
	for _, key := range keys {
		av, _ := a.Field(key.Field)
		bv, _ := b.Field(key.Field)
		rel, ok := compareValues(av, bv)
		if !ok || rel == 0 {
			continue
		}
		if key.Desc {
			return rel > 0
		}
		return rel < 0
	}
	return false
}

// project copies an entity keeping only the named fields. System fields
// (id, timestamps, version) always survive projection.
func project(e *Entity, fields []string) *Entity {
	cp := &Entity{
		ID:        e.ID,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		Version:   e.Version,
	}
	if len(e.Fields) > 0 {
		cp.Fields = make(map[string]any, len(fields))
		for _, name := range fields {
			if v, ok := e.Fields[name]; ok {
				cp.Fields[name] = v
			}
		}
	}
	return cp
}

// CollectFields returns the set of field names referenced anywhere in the
// predicate tree. The SQL compiler uses this to decide whether a predicate
// can be pushed down to the database.
func CollectFields(p Predicate) []string {
	seen := map[string]struct{}{}
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch node := p.(type) {
		case Cmp:
			seen[node.Field] = struct{}{}
		case *Cmp:
			seen[node.Field] = struct{}{}
		case And:
			for _, c := range node.Preds {
				walk(c)
			}
		case *And:
			for _, c := range node.Preds {
				walk(c)
			}
		case Or:
			for _, c := range node.Preds {
				walk(c)
			}
		case *Or:
			for _, c := range node.Preds {
				walk(c)
			}
		case Not:
			walk(node.Pred)
		case *Not:
			walk(node.Pred)
		}
	}
	if p != nil {
		walk(p)
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
