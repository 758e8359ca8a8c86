package expr

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"rcs/pkg/errors"
)

// wireNode is the tagged encoding of a rendered tree carried on the
// rule_evaluation_requested topic. Literal values keep their type so that
// decimals and datetimes survive the trip exactly.
type wireNode struct {
	Kind  string     `json:"kind"`
	Value *wireValue `json:"value,omitempty"`
	Ref   *wireRef   `json:"ref,omitempty"`
	Op    string     `json:"op,omitempty"`
	Args  []wireNode `json:"args,omitempty"`
}

type wireRef struct {
	Kind RefKind  `json:"kind"`
	Path []string `json:"path"`
}

type wireValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

const (
	kindLiteral = "lit"
	kindRef     = "ref"
	kindCall    = "call"
)

func Encode(n Node) (json.RawMessage, error) {
	w, err := toWire(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Decode rebuilds a tree from Encode output, validating operator names.
func Decode(data []byte) (Node, error) {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.ErrValidation.WithCause(err).WithMessage("malformed expression encoding")
	}
	return fromWire(w)
}

func toWire(n Node) (wireNode, error) {
	switch node := n.(type) {
	case Literal:
		v, err := encodeValue(Normalize(node.Value))
		if err != nil {
			return wireNode{}, err
		}
		return wireNode{Kind: kindLiteral, Value: &v}, nil
	case Ref:
		return wireNode{Kind: kindRef, Ref: &wireRef{Kind: node.Kind, Path: node.Path}}, nil
	case *Call:
		w := wireNode{Kind: kindCall, Op: string(node.Op), Args: make([]wireNode, 0, len(node.Args))}
		for _, a := range node.Args {
			aw, err := toWire(a)
			if err != nil {
				return wireNode{}, err
			}
			w.Args = append(w.Args, aw)
		}
		return w, nil
	}
	return wireNode{}, fmt.Errorf("cannot encode node %T", n)
}

func fromWire(w wireNode) (Node, error) {
	switch w.Kind {
	case kindLiteral:
		if w.Value == nil {
			return nil, errors.ErrValidation.WithMessage("literal without value")
		}
		v, err := decodeValue(*w.Value)
		if err != nil {
			return nil, err
		}
		return Literal{Value: v}, nil
	case kindRef:
		if w.Ref == nil {
			return nil, errors.ErrValidation.WithMessage("reference without path")
		}
		return Ref{Kind: w.Ref.Kind, Path: w.Ref.Path}, nil
	case kindCall:
		op, ok := Lookup(w.Op)
		if !ok {
			return nil, errors.ErrUnknownOperator.WithMessage("unknown operator %q", w.Op).WithDetail("operator", w.Op)
		}
		call := &Call{Op: op, Args: make([]Node, 0, len(w.Args))}
		for _, a := range w.Args {
			n, err := fromWire(a)
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, n)
		}
		return call, nil
	}
	return nil, errors.ErrValidation.WithMessage("unknown node kind %q", w.Kind)
}

func encodeValue(v interface{}) (wireValue, error) {
	var (
		typ     string
		payload interface{}
	)
	switch x := v.(type) {
	case nil:
		return wireValue{Type: "null"}, nil
	case bool:
		typ, payload = "bool", x
	case decimal.Decimal:
		typ, payload = "decimal", x.String()
	case string:
		typ, payload = "string", x
	case time.Time:
		typ, payload = "datetime", x.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		typ, payload = "duration", int64(x)
	case []interface{}:
		items := make([]wireValue, 0, len(x))
		for _, e := range x {
			ev, err := encodeValue(e)
			if err != nil {
				return wireValue{}, err
			}
			items = append(items, ev)
		}
		typ, payload = "list", items
	default:
		return wireValue{}, fmt.Errorf("cannot encode literal of type %T", v)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return wireValue{}, err
	}
	return wireValue{Type: typ, Value: raw}, nil
}

func decodeValue(w wireValue) (interface{}, error) {
	switch w.Type {
	case "null":
		return nil, nil
	case "bool":
		var b bool
		if err := unmarshalValue(w, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "string":
		var s string
		if err := unmarshalValue(w, &s); err != nil {
			return nil, err
		}
		return s, nil
	case "decimal":
		var s string
		if err := unmarshalValue(w, &s); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, errors.ErrValidation.WithCause(err).WithMessage("bad decimal literal %q", s)
		}
		return d, nil
	case "datetime":
		var s string
		if err := unmarshalValue(w, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, errors.ErrValidation.WithCause(err).WithMessage("bad datetime literal %q", s)
		}
		return t.UTC(), nil
	case "duration":
		var ns int64
		if err := unmarshalValue(w, &ns); err != nil {
			return nil, err
		}
		return time.Duration(ns), nil
	case "list":
		var items []wireValue
		if err := unmarshalValue(w, &items); err != nil {
			return nil, err
		}
		out := make([]interface{}, 0, len(items))
		for _, it := range items {
			v, err := decodeValue(it)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return nil, errors.ErrValidation.WithMessage("unknown literal type %q", w.Type)
}

func unmarshalValue(w wireValue, dst interface{}) error {
	if err := json.Unmarshal(w.Value, dst); err != nil {
		return errors.ErrValidation.WithCause(err).WithMessage("bad %s literal", w.Type)
	}
	return nil
}
