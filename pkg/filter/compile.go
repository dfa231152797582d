package filter

import (
	"fmt"
	"strings"
)

// likeEscape marks the next pattern character as a literal
const likeEscape = '\\'

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike quotes the LIKE wildcards in s so it matches only itself.
// The pattern must be used with PatternSQL.
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// Predicate is a SQL boolean expression with '?' placeholders
type Predicate struct {
	SQL    string
	Params []any
}

// Empty reports whether the predicate applies no filtering
func (p Predicate) Empty() bool {
	return p.SQL == ""
}

// Compiler turns a tree into a Predicate
type Compiler struct {
	// Like is the pattern operator, "LIKE" by default. PostgreSQL callers
	// pass "ILIKE" to keep matching case-insensitive.
	Like string
	// Fields, when set, rejects comparisons on columns outside the allow-list
	Fields Fields
}

// Compile compiles n with the default compiler
func Compile(n Node) Predicate {
	return Compiler{}.Compile(n)
}

// Compile returns the predicate for n. An unrecognized operator anywhere in
// the tree, or a logical node whose child fails, yields the empty predicate.
func (c Compiler) Compile(n Node) Predicate {
	p, ok := c.compile(n)
	if !ok {
		return Predicate{}
	}
	return p
}

func (c Compiler) like() string {
	if c.Like == "" {
		return "LIKE"
	}
	return c.Like
}

func (c Compiler) compile(n Node) (Predicate, bool) {
	switch n := n.(type) {
	case Comparison:
		if n.Field == "" || (c.Fields != nil && !c.Fields.Has(n.Field)) {
			return Predicate{}, false
		}
		switch n.Op {
		case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe:
			return Predicate{SQL: n.Field + " " + string(n.Op) + " ?", Params: []any{n.Value}}, true
		case OpContains, OpStartsWith, OpEndsWith:
			return Predicate{SQL: c.PatternSQL(n.Field), Params: []any{likePattern(n.Op, n.Value)}}, true
		default:
			return Predicate{}, false
		}
	case Logical:
		if !n.Op.IsLogical() || n.Left == nil || n.Right == nil {
			return Predicate{}, false
		}
		left, ok := c.compile(n.Left)
		if !ok {
			return Predicate{}, false
		}
		right, ok := c.compile(n.Right)
		if !ok {
			return Predicate{}, false
		}
		keyword := "AND"
		if n.Op == OpOr {
			keyword = "OR"
		}
		params := make([]any, 0, len(left.Params)+len(right.Params))
		params = append(params, left.Params...)
		params = append(params, right.Params...)
		return Predicate{
			SQL:    "(" + left.SQL + ") " + keyword + " (" + right.SQL + ")",
			Params: params,
		}, true
	default:
		return Predicate{}, false
	}
}

// PatternSQL is the placeholder test of field against an escaped pattern
func (c Compiler) PatternSQL(field string) string {
	return field + " " + c.like() + ` ? ESCAPE '\'`
}

// likePattern wraps the literal value for a pattern operator
func likePattern(op Op, value any) string {
	v := EscapeLike(fmt.Sprint(value))
	switch op {
	case OpStartsWith:
		return v + "%"
	case OpEndsWith:
		return "%" + v
	default:
		return "%" + v + "%"
	}
}
