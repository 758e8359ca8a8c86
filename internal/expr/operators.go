package expr

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rcs/pkg/errors"
)

// Op is a canonical operator name.
type Op string

const (
	OpEq    Op = "eq"
	OpNe    Op = "ne"
	OpGt    Op = "gt"
	OpGe    Op = "ge"
	OpLt    Op = "lt"
	OpLe    Op = "le"
	OpAnd   Op = "and"
	OpOr    Op = "or"
	OpNot   Op = "not"
	OpIn    Op = "in"
	OpAdd   Op = "add"
	OpSub   Op = "sub"
	OpMul   Op = "mul"
	OpDiv   Op = "div"
	OpAbs   Op = "abs"
	OpStr   Op = "str"
	OpInt   Op = "int"
	OpUpper Op = "upper"
	OpLower Op = "lower"
	OpScene Op = "scene"
)

var aliases = map[string]Op{
	"=": OpEq, "==": OpEq, "eq": OpEq,
	"!=": OpNe, "ne": OpNe, "neq": OpNe,
	">": OpGt, "gt": OpGt,
	">=": OpGe, "ge": OpGe, "gte": OpGe,
	"<": OpLt, "lt": OpLt,
	"<=": OpLe, "le": OpLe, "lte": OpLe,
	"and": OpAnd, "and_": OpAnd,
	"or": OpOr, "or_": OpOr,
	"not": OpNot, "not_": OpNot,
	"in": OpIn, "in_": OpIn,
	"+": OpAdd, "add": OpAdd, "plus": OpAdd,
	"-": OpSub, "sub": OpSub, "minus": OpSub,
	"*": OpMul, "mul": OpMul, "multiply": OpMul,
	"/": OpDiv, "div": OpDiv, "divide": OpDiv,
	"abs": OpAbs,
	"str": OpStr, "str_": OpStr,
	"int": OpInt, "int_": OpInt,
	"upper": OpUpper,
	"lower": OpLower,
	"scene": OpScene, "sce": OpScene,
}

// unbounded arity
const variadic = -1

type operator struct {
	minArgs int
	maxArgs int
	fn      func(args []interface{}) (interface{}, error)
}

var operators map[Op]operator

func init() {
	operators = map[Op]operator{
		OpEq:    {2, 2, func(a []interface{}) (interface{}, error) { return equal(a[0], a[1]), nil }},
		OpNe:    {2, 2, func(a []interface{}) (interface{}, error) { return !equal(a[0], a[1]), nil }},
		OpGt:    {2, 2, ordered(func(c int) bool { return c > 0 })},
		OpGe:    {2, 2, ordered(func(c int) bool { return c >= 0 })},
		OpLt:    {2, 2, ordered(func(c int) bool { return c < 0 })},
		OpLe:    {2, 2, ordered(func(c int) bool { return c <= 0 })},
		OpAnd:   {1, variadic, and},
		OpOr:    {1, variadic, or},
		OpNot:   {1, 1, func(a []interface{}) (interface{}, error) { return !Truthy(a[0]), nil }},
		OpIn:    {2, variadic, in},
		OpAdd:   {1, variadic, fold(OpAdd)},
		OpSub:   {1, variadic, fold(OpSub)},
		OpMul:   {1, variadic, fold(OpMul)},
		OpDiv:   {1, variadic, fold(OpDiv)},
		OpAbs:   {1, 1, abs},
		OpStr:   {1, 1, func(a []interface{}) (interface{}, error) { return stringify(a[0]), nil }},
		OpInt:   {1, 1, toInt},
		OpUpper: {1, 1, caseFold(strings.ToUpper)},
		OpLower: {1, 1, caseFold(strings.ToLower)},
		// scene calls are replaced by the resolver before evaluation
		OpScene: {1, variadic, nil},
	}
}

// Lookup resolves an operator alias, case-insensitively.
func Lookup(alias string) (Op, bool) {
	op, ok := aliases[strings.ToLower(strings.TrimSpace(alias))]
	return op, ok
}

// Comparison reports whether op compares two operands and may therefore
// bind a scene parameter.
func (o Op) Comparison() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe, OpIn:
		return true
	}
	return false
}

// Apply runs op over already evaluated operands.
func Apply(op Op, args ...interface{}) (interface{}, error) {
	spec, ok := operators[op]
	if !ok || spec.fn == nil {
		return nil, errors.ErrUnknownOperator.WithMessage("operator %q cannot be applied", op)
	}
	if len(args) < spec.minArgs || (spec.maxArgs != variadic && len(args) > spec.maxArgs) {
		return nil, errors.ErrEvaluation.WithMessage("%s: unexpected argument count %d", op, len(args))
	}
	normalized := make([]interface{}, len(args))
	for i, a := range args {
		normalized[i] = Normalize(a)
	}
	return spec.fn(normalized)
}

// Compare applies a comparison operator to left and right.
func Compare(op Op, left, right interface{}) (bool, error) {
	if !op.Comparison() {
		return false, errors.ErrUnknownOperator.WithMessage("%q is not a comparison", op)
	}
	out, err := Apply(op, left, right)
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func ordered(pred func(int) bool) func([]interface{}) (interface{}, error) {
	return func(a []interface{}) (interface{}, error) {
		c, err := compare(a[0], a[1])
		if err != nil {
			return nil, err
		}
		return pred(c), nil
	}
}

func and(args []interface{}) (interface{}, error) {
	for _, a := range args {
		if !Truthy(a) {
			return false, nil
		}
	}
	return true, nil
}

func or(args []interface{}) (interface{}, error) {
	for _, a := range args {
		if Truthy(a) {
			return true, nil
		}
	}
	return false, nil
}

// in tests args[0] against the remaining operands, or against the elements
// of args[1] when it is the only one and is a list.
func in(args []interface{}) (interface{}, error) {
	candidates := args[1:]
	if len(candidates) == 1 {
		if list, ok := candidates[0].([]interface{}); ok {
			candidates = list
		}
	}
	for _, c := range candidates {
		if equal(args[0], c) {
			return true, nil
		}
	}
	return false, nil
}

func fold(op Op) func([]interface{}) (interface{}, error) {
	return func(args []interface{}) (interface{}, error) {
		acc := args[0]
		if _, ok := acc.(string); ok {
			d, err := asDecimal(acc)
			if err != nil {
				return nil, err
			}
			acc = d
		}
		for _, next := range args[1:] {
			var err error
			if acc, err = arith(op, acc, next); err != nil {
				return nil, err
			}
		}
		return acc, nil
	}
}

func arith(op Op, a, b interface{}) (interface{}, error) {
	switch x := a.(type) {
	case decimal.Decimal:
		y, err := asDecimal(b)
		if err != nil {
			return nil, err
		}
		switch op {
		case OpAdd:
			return x.Add(y), nil
		case OpSub:
			return x.Sub(y), nil
		case OpMul:
			return x.Mul(y), nil
		default:
			if y.IsZero() {
				return nil, errors.ErrEvaluation.WithMessage("division by zero")
			}
			return x.Div(y), nil
		}
	case time.Time:
		switch y := b.(type) {
		case time.Duration:
			if op == OpAdd {
				return x.Add(y), nil
			}
			if op == OpSub {
				return x.Add(-y), nil
			}
		case time.Time:
			if op == OpSub {
				return x.Sub(y), nil
			}
		}
	case time.Duration:
		if y, ok := b.(time.Duration); ok {
			if op == OpAdd {
				return x + y, nil
			}
			if op == OpSub {
				return x - y, nil
			}
		}
	}
	return nil, errors.ErrEvaluation.WithMessage("%s not defined for %s and %s", op, typeName(a), typeName(b))
}

func abs(args []interface{}) (interface{}, error) {
	switch x := args[0].(type) {
	case time.Duration:
		if x < 0 {
			return -x, nil
		}
		return x, nil
	}
	d, err := asDecimal(args[0])
	if err != nil {
		return nil, err
	}
	return d.Abs(), nil
}

func toInt(args []interface{}) (interface{}, error) {
	d, err := asDecimal(args[0])
	if err != nil {
		return nil, err
	}
	return d.Truncate(0), nil
}

func caseFold(fn func(string) string) func([]interface{}) (interface{}, error) {
	return func(args []interface{}) (interface{}, error) {
		s, ok := args[0].(string)
		if !ok {
			return nil, errors.ErrEvaluation.WithMessage("expected string, got %s", typeName(args[0]))
		}
		return fn(s), nil
	}
}
