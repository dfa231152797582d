package filter

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Eval evaluates n against row in memory with the same semantics the
// compiled predicate has in SQLite: numeric comparison when both sides are
// numbers, text comparison otherwise, NULL never matches, and LIKE patterns
// with '%' and '_' wildcards and '\' escapes, matched case-insensitively
// for ASCII.
// A tree that would compile to the empty predicate matches every row.
func Eval(n Node, row map[string]any) bool {
	if _, ok := (Compiler{}).compile(n); !ok {
		return true
	}
	return eval(n, row)
}

func eval(n Node, row map[string]any) bool {
	switch n := n.(type) {
	case Comparison:
		v, ok := row[n.Field]
		if !ok || v == nil {
			return false
		}
		switch n.Op {
		case OpContains, OpStartsWith, OpEndsWith:
			return like(toText(v), likePattern(n.Op, n.Value))
		}
		cmp := compare(v, n.Value)
		switch n.Op {
		case OpEq:
			return cmp == 0
		case OpNe:
			return cmp != 0
		case OpGt:
			return cmp > 0
		case OpGe:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		case OpLe:
			return cmp <= 0
		}
		return false
	case Logical:
		if n.Op == OpAnd {
			return eval(n.Left, row) && eval(n.Right, row)
		}
		return eval(n.Left, row) || eval(n.Right, row)
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		// REAL values render with a fractional part, as SQLite does
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatFloat(x, 'f', 1, 64)
		}
		return strconv.FormatFloat(x, 'g', 15, 64)
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(x)
	}
}

// compare orders a column value against a literal. A literal compared with
// a numeric column is converted to a number when it parses as one, and a
// literal compared with a text column is compared as text, mirroring
// SQLite's column affinity rules.
func compare(col, lit any) int {
	a, colNum := toNumber(col)
	if !colNum {
		return strings.Compare(toText(col), toText(lit))
	}
	b, litNum := toNumber(lit)
	if !litNum {
		s, isText := lit.(string)
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if !isText || err != nil {
			// numbers sort before text
			return -1
		}
		b = f
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// like implements SQL LIKE with ASCII case folding
func like(s, pattern string) bool {
	return likeMatch([]rune(foldASCII(s)), []rune(foldASCII(pattern)))
}

func foldASCII(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

func likeMatch(s, p []rune) bool {
	// iterative wildcard match with single-star backtracking
	si, pi := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		if pi < len(p) && p[pi] == '%' {
			star = pi
			mark = si
			pi++
			continue
		}
		if pi < len(p) {
			lit, width := p[pi], 1
			if lit == likeEscape && pi+1 < len(p) {
				lit, width = p[pi+1], 2
			}
			if (width == 1 && lit == '_') || lit == s[si] {
				si++
				pi += width
				continue
			}
		}
		if star < 0 {
			return false
		}
		pi = star + 1
		mark++
		si = mark
	}
	for pi < len(p) && p[pi] == '%' {
		pi++
	}
	return pi == len(p)
}
