// Package schema validates and coerces occurrence payloads and scene
// parameters against a declared PayloadSchema.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"rcs/internal/domain"
	"rcs/pkg/cel"
	"rcs/pkg/errors"
)

// millisecond timestamps are assumed above this many seconds (year 5138)
const msTimestampThreshold = 1e11

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02",
}

type Mode int

const (
	// Strict requires every non-optional field and fills defaults.
	Strict Mode = iota
	// Partial only coerces the keys present. Scene parameters use it since
	// each rule binds a subset of the scene's fields.
	Partial
)

type Validator struct {
	constraints *cel.Evaluator
}

func NewValidator(constraints *cel.Evaluator) *Validator {
	return &Validator{constraints: constraints}
}

// Validate returns a coerced copy of data. Any failure is an
// ErrSchemaValidation carrying the offending field.
func (v *Validator) Validate(ctx context.Context, schema domain.PayloadSchema, data map[string]interface{}, mode Mode) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(data))

	for key := range data {
		if _, ok := schema[key]; !ok {
			return nil, fieldError(key, "field not declared by schema")
		}
	}

	for _, name := range sortedFields(schema) {
		spec := schema[name]
		raw, present := data[name]
		if !present || raw == nil {
			if mode == Partial {
				continue
			}
			if spec.Default != nil {
				raw = spec.Default
			} else if !spec.Optional {
				return nil, fieldError(name, "missing required field")
			} else {
				continue
			}
		}

		value, err := coerceField(spec, raw, mode)
		if err != nil {
			return nil, fieldError(name, err.Error())
		}
		out[name] = value
	}

	if err := v.checkConstraints(ctx, schema, out); err != nil {
		return nil, err
	}

	return out, nil
}

func (v *Validator) checkConstraints(ctx context.Context, schema domain.PayloadSchema, payload map[string]interface{}) error {
	if v.constraints == nil {
		return nil
	}

	celPayload := make(map[string]interface{}, len(payload))
	for k, val := range payload {
		celPayload[k] = celValue(val)
	}

	for _, name := range sortedFields(schema) {
		spec := schema[name]
		value, ok := payload[name]
		if spec.Constraint == "" || !ok {
			continue
		}
		for _, item := range elements(value) {
			holds, err := v.constraints.Check(ctx, spec.Constraint, celValue(item), celPayload)
			if err != nil {
				return fieldError(name, err.Error())
			}
			if !holds {
				return fieldError(name, fmt.Sprintf("constraint %q not satisfied", spec.Constraint))
			}
		}
	}
	return nil
}

// coerceField coerces raw against spec. A scene parameter bound with "in"
// carries a list, so Partial mode coerces each element instead.
func coerceField(spec domain.FieldSpec, raw interface{}, mode Mode) (interface{}, error) {
	items, isList := asList(raw)
	if !isList {
		return Coerce(spec, raw)
	}
	if mode != Partial {
		return nil, fmt.Errorf("cannot convert a list to %s", spec.Type)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("empty list")
	}
	out := make([]interface{}, len(items))
	for i, item := range items {
		value, err := Coerce(spec, item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %v", i, err)
		}
		out[i] = value
	}
	return out, nil
}

func asList(raw interface{}) ([]interface{}, bool) {
	switch v := raw.(type) {
	case []interface{}:
		return v, true
	case primitive.A:
		return v, true
	}
	return nil, false
}

func elements(value interface{}) []interface{} {
	if items, ok := asList(value); ok {
		return items
	}
	return []interface{}{value}
}

// ValidateDefinition checks that a schema is well formed before it is stored.
func (v *Validator) ValidateDefinition(schema domain.PayloadSchema) error {
	for _, name := range sortedFields(schema) {
		spec := schema[name]
		if name == "" {
			return errors.ErrValidation.WithMessage("schema field name must not be empty")
		}
		if !spec.Type.Valid() {
			return errors.ErrValidation.WithMessage("field %s: unsupported type %q", name, spec.Type)
		}
		if spec.Type == domain.FieldEnum && len(spec.Enum) == 0 {
			return errors.ErrValidation.WithMessage("field %s: enum requires allowed values", name)
		}
		if spec.Timezone != "" {
			if _, err := time.LoadLocation(spec.Timezone); err != nil {
				return errors.ErrValidation.WithMessage("field %s: unknown timezone %q", name, spec.Timezone)
			}
		}
		if spec.Default != nil {
			if _, err := Coerce(spec, spec.Default); err != nil {
				return errors.ErrValidation.WithMessage("field %s: invalid default: %v", name, err)
			}
		}
		if spec.Constraint != "" && v.constraints != nil {
			if err := v.constraints.ValidateExpression(spec.Constraint); err != nil {
				return errors.ErrValidation.WithMessage("field %s: %v", name, err)
			}
		}
	}
	return nil
}

// Coerce converts raw into the Go representation of spec.Type:
// int64, decimal.Decimal, string, time.Time (UTC) or time.Duration.
func Coerce(spec domain.FieldSpec, raw interface{}) (interface{}, error) {
	switch spec.Type {
	case domain.FieldInt:
		return toInt(raw)
	case domain.FieldDecimal:
		d, err := ToDecimal(raw)
		if err != nil {
			return nil, err
		}
		if _, err := primitive.ParseDecimal128(d.String()); err != nil {
			return nil, fmt.Errorf("%s exceeds decimal128 precision", d)
		}
		return d, nil
	case domain.FieldString, domain.FieldCoinName:
		return toString(raw)
	case domain.FieldEnum:
		s, err := toString(raw)
		if err != nil {
			return nil, err
		}
		for _, allowed := range spec.Enum {
			if s == allowed {
				return s, nil
			}
		}
		return nil, fmt.Errorf("value %q not in %v", s, spec.Enum)
	case domain.FieldDatetime:
		return toDatetime(raw, spec.Timezone)
	case domain.FieldTimestamp:
		return toTimestamp(raw)
	case domain.FieldDuration:
		return toDuration(raw)
	default:
		return nil, fmt.Errorf("unsupported type %q", spec.Type)
	}
}

func toInt(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", v)
		}
		return n, nil
	case decimal.Decimal:
		if !v.IsInteger() {
			return 0, fmt.Errorf("%s is not an integer", v)
		}
		return v.IntPart(), nil
	}
	return 0, fmt.Errorf("cannot convert %T to int", raw)
}

// ToDecimal normalizes any numeric representation, including BSON
// Decimal128, to an arbitrary precision decimal.
func ToDecimal(raw interface{}) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int32:
		return decimal.NewFromInt32(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromString(strconv.FormatFloat(v, 'f', -1, 64))
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%q is not a decimal", v)
		}
		return d, nil
	case primitive.Decimal128:
		return decimal.NewFromString(v.String())
	}
	return decimal.Decimal{}, fmt.Errorf("cannot convert %T to decimal", raw)
}

func toString(raw interface{}) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case bool, int, int32, int64, json.Number:
		return fmt.Sprint(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case decimal.Decimal:
		return v.String(), nil
	}
	return "", fmt.Errorf("cannot convert %T to string", raw)
}

func toDatetime(raw interface{}, timezone string) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case primitive.DateTime:
		return v.Time().UTC(), nil
	case string:
		loc := time.UTC
		if timezone != "" {
			l, err := time.LoadLocation(timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("unknown timezone %q", timezone)
			}
			loc = l
		}
		s := strings.TrimSpace(v)
		for _, layout := range datetimeLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%q is not a datetime", v)
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to datetime", raw)
}

func toTimestamp(raw interface{}) (time.Time, error) {
	if t, ok := raw.(time.Time); ok {
		return t.UTC(), nil
	}
	d, err := ToDecimal(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot convert %v to timestamp", raw)
	}
	if d.GreaterThanOrEqual(decimal.NewFromFloat(msTimestampThreshold)) {
		return time.UnixMilli(d.IntPart()).UTC(), nil
	}
	nanos := d.Mul(decimal.NewFromInt(int64(time.Second))).IntPart()
	return time.Unix(0, nanos).UTC(), nil
}

func toDuration(raw interface{}) (time.Duration, error) {
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d, nil
		}
	}
	secs, err := ToDecimal(raw)
	if err != nil {
		return 0, fmt.Errorf("cannot convert %v to duration", raw)
	}
	return time.Duration(secs.Mul(decimal.NewFromInt(int64(time.Second))).IntPart()), nil
}

// celValue maps coerced values onto types CEL understands natively.
func celValue(v interface{}) interface{} {
	switch x := v.(type) {
	case decimal.Decimal:
		f, _ := x.Float64()
		return f
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = celValue(e)
		}
		return out
	}
	return v
}

func fieldError(field, reason string) error {
	return errors.ErrSchemaValidation.
		WithMessage("field %s: %s", field, reason).
		WithDetail("field", field)
}

func sortedFields(schema domain.PayloadSchema) []string {
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
