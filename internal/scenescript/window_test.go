package scenescript

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcs/internal/domain"
	"rcs/internal/expr"
	"rcs/internal/store"
)

// msOccurrences keeps created_at to the millisecond and cuts query bounds
// down the same way, as Mongo and its driver do.
type msOccurrences struct {
	stored []domain.Occurrence
}

func (m *msOccurrences) add(occ domain.Occurrence) {
	occ.CreatedAt = occ.CreatedAt.Truncate(time.Millisecond)
	m.stored = append(m.stored, occ)
}

func (m *msOccurrences) matching(q store.WindowQuery) []domain.Occurrence {
	since := q.Since.Truncate(time.Millisecond)
	until := q.Until.Truncate(time.Millisecond)
	through := q.Through.Truncate(time.Millisecond)

	var out []domain.Occurrence
	for _, occ := range m.stored {
		if len(q.EventIDs) > 0 && occ.EventID != q.EventIDs[0] {
			continue
		}
		if !q.Since.IsZero() && occ.CreatedAt.Before(since) {
			continue
		}
		if !q.Until.IsZero() && !occ.CreatedAt.Before(until) {
			continue
		}
		if !q.Through.IsZero() && occ.CreatedAt.After(through) {
			continue
		}
		out = append(out, occ)
	}
	return out
}

func (m *msOccurrences) Sum(_ context.Context, q store.WindowQuery, _ string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, occ := range m.matching(q) {
		if amount, ok := occ.Payload["amount"].(decimal.Decimal); ok {
			total = total.Add(amount)
		}
	}
	return total, nil
}

func (m *msOccurrences) Count(_ context.Context, q store.WindowQuery) (int64, error) {
	return int64(len(m.matching(q))), nil
}

func (m *msOccurrences) DistinctCount(_ context.Context, q store.WindowQuery, _ string) (int64, error) {
	users := map[string]struct{}{}
	for _, occ := range m.matching(q) {
		users[occ.User.UserID] = struct{}{}
	}
	return int64(len(users)), nil
}

func (m *msOccurrences) Exists(_ context.Context, q store.WindowQuery) (bool, error) {
	return len(m.matching(q)) > 0, nil
}

func TestNumPerTime_CountsTriggeringOccurrenceAtMillisecondPrecision(t *testing.T) {
	occ := &msOccurrences{}
	script := newScripts(occ).NumPerTime("lland_withdrawal_num_per_time_limit", Dimensions{})
	params := NewParams([]expr.SceneArg{
		{Field: "number", Op: expr.OpGe, Value: int64(3)},
		{Field: "unit_of_time", Op: expr.OpEq, Value: time.Hour},
	})

	base := time.Date(2026, 1, 1, 12, 0, 0, 5_123_456, time.UTC)
	var got []bool
	for i := 0; i < 3; i++ {
		current := *withdrawal()
		current.ID = fmt.Sprintf("occ-%d", i)
		current.CreatedAt = base.Add(time.Duration(i) * time.Second)
		occ.add(current)

		hit, err := script(context.Background(), &current, params)
		require.NoError(t, err)
		got = append(got, hit)
	}
	assert.Equal(t, []bool{false, false, true}, got)
}

func TestAmountPerTime_SumsOccurrencesInSameMillisecond(t *testing.T) {
	occ := &msOccurrences{}
	script := newScripts(occ).AmountPerTime("lland_withdrawal_amount_per_time_limit", Dimensions{})
	params := NewParams([]expr.SceneArg{
		{Field: "amount", Op: expr.OpGe, Value: decimal.NewFromInt(3000)},
		{Field: "unit_of_time", Op: expr.OpEq, Value: time.Hour},
	})

	at := time.Date(2026, 1, 1, 12, 0, 0, 5_000_100, time.UTC)
	first := *withdrawal()
	first.CreatedAt = at
	occ.add(first)

	second := *withdrawal()
	second.ID = "occ-2"
	second.CreatedAt = at.Add(700 * time.Microsecond)
	occ.add(second)

	hit, err := script(context.Background(), &second, params)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestWithoutRecharge_IgnoresRechargeInSameMillisecondAfterWithdrawal(t *testing.T) {
	occ := &msOccurrences{}
	script := newScripts(occ).WithoutRecharge("lland_withdraw_without_recharge", Dimensions{})
	params := NewParams([]expr.SceneArg{{Field: "coin_name", Op: expr.OpEq, Value: SelfValue}})

	at := time.Date(2026, 1, 1, 12, 0, 0, 5_000_000, time.UTC)
	current := *withdrawal()
	current.CreatedAt = at
	occ.add(current)
	occ.add(domain.Occurrence{
		ID:        "occ-recharge",
		EventID:   "ev-recharge",
		CreatedAt: at.Add(300 * time.Microsecond),
		Payload:   map[string]interface{}{"coin_name": "USDT"},
	})

	hit, err := script(context.Background(), &current, params)
	require.NoError(t, err)
	assert.True(t, hit)
}
