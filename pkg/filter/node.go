// Package filter decodes filter expressions into a validated tree and
// compiles the tree into a parameterized SQL predicate.
//
// Grammar (JSON):
//
//	expr       := comparison | logical
//	comparison := [field, op, value]        op in = <> > >= < <= contains startswith endswith
//	logical    := [expr, "and" | "or", expr]
//
// value is a JSON string, number or boolean.
package filter

import "fmt"

// Op is a comparison or logical operator
type Op string

const (
	OpEq         Op = "="
	OpNe         Op = "<>"
	OpGt         Op = ">"
	OpGe         Op = ">="
	OpLt         Op = "<"
	OpLe         Op = "<="
	OpContains   Op = "contains"
	OpStartsWith Op = "startswith"
	OpEndsWith   Op = "endswith"

	OpAnd Op = "and"
	OpOr  Op = "or"
)

// IsComparison reports whether op is valid in a Comparison node
func (op Op) IsComparison() bool {
	switch op {
	case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe, OpContains, OpStartsWith, OpEndsWith:
		return true
	}
	return false
}

// IsLogical reports whether op is valid in a Logical node
func (op Op) IsLogical() bool {
	return op == OpAnd || op == OpOr
}

// Node is either Comparison or Logical
type Node interface {
	fmt.Stringer
	node()
}

// Comparison tests one field against a literal
type Comparison struct {
	Field string
	Op    Op
	Value any
}

// Logical combines exactly two children
type Logical struct {
	Op    Op
	Left  Node
	Right Node
}

func (Comparison) node() {}
func (Logical) node()    {}

func (c Comparison) String() string {
	return fmt.Sprintf("[%s %s %v]", c.Field, c.Op, c.Value)
}

func (l Logical) String() string {
	return fmt.Sprintf("(%v %s %v)", l.Left, l.Op, l.Right)
}

// FieldType is the storage type of a filterable column
type FieldType int

const (
	Text FieldType = iota
	Number
)

// Fields is the allow-list of filterable columns
type Fields map[string]FieldType

// Has reports whether name is an allowed field
func (f Fields) Has(name string) bool {
	_, ok := f[name]
	return ok
}
