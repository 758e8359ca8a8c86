package management

import (
	"context"
	"sort"
	"time"

	"rcs/internal/domain"
	"rcs/internal/expr"
	"rcs/internal/store"
	pkgerrors "rcs/pkg/errors"
)

const (
	fieldCoinName = "payload.coin_name"
	fieldAmount   = "payload.amount"
	fieldOrderTo  = "payload.order_to"
	fieldUserID   = "user.user_id"
	fieldTenant   = "tenant"
)

// Statistics summarizes the withdraw or recharge history of the
// occurrence's user, counting occurrences stored up to the occurrence
// itself.
func (s *service) Statistics(ctx context.Context, occurrenceID, kind string) (*Statistics, error) {
	var names []string
	switch kind {
	case StatisticsWithdraw:
		names = s.stats.WithdrawEvents
	case StatisticsRecharge:
		names = s.stats.RechargeEvents
	default:
		return nil, pkgerrors.ErrValidation.WithMessage("unknown statistics kind %q", kind)
	}

	occ, err := s.occurrences.Get(ctx, occurrenceID)
	if err != nil {
		return nil, err
	}

	eventIDs, err := s.eventIDs(ctx, names)
	if err != nil {
		return nil, err
	}
	if len(eventIDs) == 0 {
		return nil, pkgerrors.ErrNotFound.WithMessage("no %s events defined", kind)
	}

	// created_at is stored with millisecond precision
	until := occ.CreatedAt.Truncate(time.Millisecond).Add(time.Millisecond)
	byUser := store.WindowQuery{
		EventIDs: eventIDs,
		Until:    until,
		Conditions: []store.Condition{
			{Field: fieldTenant, Op: expr.OpEq, Value: occ.Tenant},
			{Field: fieldUserID, Op: expr.OpEq, Value: occ.User.UserID},
		},
	}

	sums, err := s.occurrences.SumBy(ctx, byUser, fieldCoinName, fieldAmount)
	if err != nil {
		return nil, err
	}
	out := &Statistics{
		OccurrenceID: occ.ID,
		Kind:         kind,
		Totals:       make([]CoinTotal, 0, len(sums)),
	}
	for coin, total := range sums {
		out.Totals = append(out.Totals, CoinTotal{Coin: coin, Total: total})
	}
	sort.Slice(out.Totals, func(i, j int) bool { return out.Totals[i].Coin < out.Totals[j].Coin })

	if kind == StatisticsWithdraw {
		if address, ok := occ.Payload["order_to"].(string); ok && address != "" {
			out.Address, err = s.addressStatistics(ctx, occ, byUser, address)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (s *service) addressStatistics(ctx context.Context, occ *domain.Occurrence, byUser store.WindowQuery, address string) (*AddressStatistics, error) {
	toAddress := store.Condition{Field: fieldOrderTo, Op: expr.OpEq, Value: address}
	byAddress := store.WindowQuery{
		EventIDs:   byUser.EventIDs,
		Until:      byUser.Until,
		Conditions: []store.Condition{{Field: fieldTenant, Op: expr.OpEq, Value: occ.Tenant}, toAddress},
	}
	byUserAndAddress := byUser
	byUserAndAddress.Conditions = append(append([]store.Condition{}, byUser.Conditions...), toAddress)

	st := &AddressStatistics{Address: address}
	var err error
	if st.UserCount, err = s.occurrences.DistinctCount(ctx, byAddress, fieldUserID); err != nil {
		return nil, err
	}
	if st.AddressCount, err = s.occurrences.Count(ctx, byAddress); err != nil {
		return nil, err
	}
	if st.UserToAddressCount, err = s.occurrences.Count(ctx, byUserAndAddress); err != nil {
		return nil, err
	}
	if st.UserWithdrawCount, err = s.occurrences.Count(ctx, byUser); err != nil {
		return nil, err
	}
	return st, nil
}

// eventIDs resolves event names, skipping the ones that are not defined.
func (s *service) eventIDs(ctx context.Context, names []string) ([]string, error) {
	ids := make([]string, 0, len(names))
	for _, name := range names {
		ev, err := s.catalog.EventByName(ctx, name)
		if err != nil {
			if pkgerrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		ids = append(ids, ev.ID)
	}
	return ids, nil
}
