package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// toBSON rewrites coerced payload values into types MongoDB can aggregate:
// decimals become Decimal128 so $sum stays exact, durations become decimal
// seconds.
func toBSON(v interface{}) interface{} {
	switch x := v.(type) {
	case decimal.Decimal:
		return decimal128(x)
	case json.Number:
		if d, err := decimal.NewFromString(x.String()); err == nil {
			return decimal128(d)
		}
		return x.String()
	case time.Duration:
		return decimal128(decimal.NewFromInt(int64(x)).Div(decimal.NewFromInt(int64(time.Second))))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = toBSON(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = toBSON(e)
		}
		return out
	}
	return v
}

func decimal128(d decimal.Decimal) primitive.Decimal128 {
	// schema coercion already rejects values Decimal128 cannot hold
	v, _ := primitive.ParseDecimal128(d.String())
	return v
}

func encodePayload(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return map[string]interface{}{}
	}
	return toBSON(payload).(map[string]interface{})
}

// encodeExpression stores numeric rule literals as Decimal128.
func encodeExpression(raw []interface{}) []interface{} {
	if raw == nil {
		return nil
	}
	return toBSON(raw).([]interface{})
}
