package expr

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"rcs/pkg/errors"
)

func eval(t *testing.T, raw []interface{}) interface{} {
	t.Helper()
	n, err := Parse(raw)
	require.NoError(t, err)
	v, err := Evaluate(n)
	require.NoError(t, err)
	return v
}

func TestEvaluate_DecimalNormalization(t *testing.T) {
	assert.Equal(t, true, eval(t, []interface{}{"=", []interface{}{"+", 0.1, 0.2}, 0.3}))
	assert.Equal(t, true, eval(t, []interface{}{"==", []interface{}{"*", 1.1, 3}, "3.3"}))

	d128, err := primitive.ParseDecimal128("1500.00")
	require.NoError(t, err)
	assert.Equal(t, true, eval(t, []interface{}{">", d128, 1000}))
}

func TestEvaluate_Operators(t *testing.T) {
	tests := []struct {
		name string
		raw  []interface{}
		want interface{}
	}{
		{"gt", []interface{}{">", 2, 1}, true},
		{"le string numeric", []interface{}{"<=", "5", 5}, true},
		{"ne", []interface{}{"!=", "USDT", "BTC"}, true},
		{"and", []interface{}{"and", true, []interface{}{">", 3, 1}}, true},
		{"or", []interface{}{"or", false, []interface{}{"<", 3, 1}}, false},
		{"not", []interface{}{"not", false}, true},
		{"in varargs", []interface{}{"in", 2, 1, 2, 3}, true},
		{"in computed", []interface{}{"in", "ETH", []interface{}{"upper", "btc"}, "ETH"}, true},
		{"sub fold", []interface{}{"-", 10, 3, 2}, decimal.NewFromInt(5)},
		{"div fold", []interface{}{"/", 100, 4, 5}, decimal.NewFromInt(5)},
		{"abs", []interface{}{"abs", -7.5}, decimal.RequireFromString("7.5")},
		{"int", []interface{}{"int", "2.9"}, decimal.NewFromInt(2)},
		{"str", []interface{}{"str", 12.50}, "12.5"},
		{"lower", []interface{}{"lower", "USDT"}, "usdt"},
		{"alias case", []interface{}{"AND", true, true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := eval(t, tt.raw)
			if d, ok := tt.want.(decimal.Decimal); ok {
				require.IsType(t, decimal.Decimal{}, got)
				assert.True(t, d.Equal(got.(decimal.Decimal)), "got %v", got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_InResolvedList(t *testing.T) {
	n := &Call{Op: OpIn, Args: []Node{Literal{Value: "USDT"}, Literal{Value: []interface{}{"BTC", "USDT"}}}}
	v, err := Evaluate(n)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvaluate_TimeArithmetic(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	n := &Call{Op: OpGt, Args: []Node{
		&Call{Op: OpSub, Args: []Node{Literal{Value: base}, Literal{Value: time.Hour}}},
		Literal{Value: base.Add(-2 * time.Hour)},
	}}
	v, err := Evaluate(n)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvaluate_Errors(t *testing.T) {
	_, err := Evaluate(&Call{Op: OpDiv, Args: []Node{Literal{Value: 1}, Literal{Value: 0}}})
	assert.True(t, errors.IsEvaluation(err))

	_, err = Evaluate(&Call{Op: OpGt, Args: []Node{Literal{Value: "abc"}, Literal{Value: 1}}})
	assert.True(t, errors.IsEvaluation(err))

	_, err = Evaluate(&Call{Op: OpUpper, Args: []Node{Literal{Value: 3}}})
	assert.True(t, errors.IsEvaluation(err))

	_, err = Evaluate(&Call{Op: OpEq, Args: []Node{Ref{Kind: RefPayload, Path: []string{"amount"}}, Literal{Value: 1}}})
	assert.True(t, errors.IsReferenceResolution(err))
}

func TestEvaluate_Deterministic(t *testing.T) {
	raw := []interface{}{"and", []interface{}{">", []interface{}{"+", 1, 2.5}, 3}, []interface{}{"in", "a", "b", "a"}}
	n, err := Parse(raw)
	require.NoError(t, err)

	first, err := Evaluate(n)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Evaluate(n)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEvaluateBool_NonBoolResult(t *testing.T) {
	n, err := Parse([]interface{}{"+", 1, 1})
	require.NoError(t, err)

	result, isBool, err := EvaluateBool(n)
	require.NoError(t, err)
	assert.True(t, result)
	assert.False(t, isBool)
}

func TestScenarioExpressions(t *testing.T) {
	// amount > 1000 AND coin_name = USDT, after payload references are rendered
	rule := func(amount interface{}) []interface{} {
		return []interface{}{"and",
			[]interface{}{">", amount, 1000},
			[]interface{}{"=", "USDT", "USDT"},
		}
	}
	assert.Equal(t, true, eval(t, rule("1500")))
	assert.Equal(t, false, eval(t, rule(decimal.NewFromInt(500))))
}
