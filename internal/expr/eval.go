package expr

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"rcs/pkg/errors"
)

// Evaluate reduces a fully rendered tree to a value. Arguments are evaluated
// before their operator runs, so and/or do not short-circuit. References and
// scene calls left in the tree are reported as ErrReferenceResolution.
func Evaluate(n Node) (interface{}, error) {
	switch node := n.(type) {
	case Literal:
		return Normalize(node.Value), nil
	case Ref:
		return nil, errors.ErrReferenceResolution.WithMessage("unresolved reference %s", node)
	case *Call:
		if node.Op == OpScene {
			return nil, errors.ErrReferenceResolution.WithMessage("scene %s was not rendered", node.SceneName())
		}
		args := make([]interface{}, len(node.Args))
		for i, a := range node.Args {
			v, err := Evaluate(a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return Apply(node.Op, args...)
	}
	return nil, errors.ErrEvaluation.WithMessage("unexpected node %T", n)
}

// EvaluateBool evaluates n and reports its truthiness. isBool is false when
// the result was not a boolean.
func EvaluateBool(n Node) (result bool, isBool bool, err error) {
	v, err := Evaluate(n)
	if err != nil {
		return false, false, err
	}
	if b, ok := v.(bool); ok {
		return b, true, nil
	}
	return Truthy(v), false, nil
}

// Format converts n back into its nested-array form. Decimals are emitted as
// json.Number so they survive JSON and BSON encoding without float rounding.
func Format(n Node) interface{} {
	switch node := n.(type) {
	case Literal:
		return formatValue(node.Value)
	case Ref:
		return node.String()
	case *Call:
		out := make([]interface{}, 0, len(node.Args)+1)
		out = append(out, string(node.Op))
		for _, a := range node.Args {
			out = append(out, Format(a))
		}
		return out
	}
	return nil
}

func formatValue(v interface{}) interface{} {
	switch x := v.(type) {
	case decimal.Decimal:
		return json.Number(x.String())
	case time.Duration:
		return json.Number(decimal.NewFromInt(int64(x)).Div(decimal.NewFromInt(int64(time.Second))).String())
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = formatValue(e)
		}
		return out
	}
	return v
}
