package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"rcs/pkg/errors"
)

// Normalize maps storage and wire representations onto the evaluator's value
// set: bool, decimal.Decimal, string, time.Time, time.Duration, []interface{}
// and nil. Every numeric type becomes a decimal.
func Normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case int:
		return decimal.NewFromInt(int64(x))
	case int32:
		return decimal.NewFromInt32(x)
	case int64:
		return decimal.NewFromInt(x)
	case float32:
		return decimal.NewFromFloat32(x)
	case float64:
		d, err := decimal.NewFromString(strconv.FormatFloat(x, 'f', -1, 64))
		if err != nil {
			return decimal.NewFromFloat(x)
		}
		return d
	case json.Number:
		if d, err := decimal.NewFromString(x.String()); err == nil {
			return d
		}
		return x.String()
	case primitive.Decimal128:
		if d, err := decimal.NewFromString(x.String()); err == nil {
			return d
		}
		return x.String()
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.A:
		return normalizeList([]interface{}(x))
	case []interface{}:
		return normalizeList(x)
	case []string:
		out := make([]interface{}, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	}
	return v
}

func normalizeList(in []interface{}) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = Normalize(v)
	}
	return out
}

// Truthy reports the boolean reading of a non-bool result.
func Truthy(v interface{}) bool {
	switch x := Normalize(v).(type) {
	case nil:
		return false
	case bool:
		return x
	case decimal.Decimal:
		return !x.IsZero()
	case string:
		return x != ""
	case time.Time:
		return !x.IsZero()
	case time.Duration:
		return x != 0
	case []interface{}:
		return len(x) > 0
	}
	return true
}

// compare orders two normalized values. Strings that parse as numbers are
// compared numerically against decimals.
func compare(a, b interface{}) (int, error) {
	switch x := a.(type) {
	case decimal.Decimal:
		y, err := asDecimal(b)
		if err != nil {
			return 0, err
		}
		return x.Cmp(y), nil
	case string:
		switch y := b.(type) {
		case string:
			return strings.Compare(x, y), nil
		case decimal.Decimal:
			xd, err := asDecimal(x)
			if err != nil {
				return 0, err
			}
			return xd.Cmp(y), nil
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), nil
		}
	case time.Duration:
		if y, ok := b.(time.Duration); ok {
			switch {
			case x < y:
				return -1, nil
			case x > y:
				return 1, nil
			}
			return 0, nil
		}
	}
	return 0, errors.ErrEvaluation.WithMessage("cannot compare %s with %s", typeName(a), typeName(b))
}

func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case []interface{}:
		y, ok := b.([]interface{})
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equal(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	c, err := compare(a, b)
	return err == nil && c == 0
}

func asDecimal(v interface{}) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err == nil {
			return d, nil
		}
	case bool:
		if x {
			return decimal.NewFromInt(1), nil
		}
		return decimal.Zero, nil
	}
	return decimal.Decimal{}, errors.ErrEvaluation.WithMessage("%s is not numeric", typeName(v))
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case decimal.Decimal:
		return x.String()
	case time.Time:
		return x.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case decimal.Decimal:
		return "decimal"
	case string:
		return "string"
	case time.Time:
		return "datetime"
	case time.Duration:
		return "duration"
	case []interface{}:
		return "list"
	}
	return fmt.Sprintf("%T", v)
}
