package scenescript

import (
	"context"

	"github.com/shopspring/decimal"

	"rcs/internal/domain"
	"rcs/internal/expr"
	"rcs/internal/logger"
	"rcs/internal/store"
	"rcs/pkg/errors"
)

// OccurrenceQuerier aggregates stored occurrences over a window.
type OccurrenceQuerier interface {
	Sum(ctx context.Context, q store.WindowQuery, field string) (decimal.Decimal, error)
	Count(ctx context.Context, q store.WindowQuery) (int64, error)
	DistinctCount(ctx context.Context, q store.WindowQuery, field string) (int64, error)
	Exists(ctx context.Context, q store.WindowQuery) (bool, error)
}

type EventLookup interface {
	EventByName(ctx context.Context, name string) (*domain.EventDefinition, error)
}

// Dimensions names the optional filter parameters a script honours. Payload
// names are occurrence payload fields, User names are user fields.
type Dimensions struct {
	Payload []string
	User    []string
}

var allUserFields = []string{"user_id", "project", "platform_id", "game_id", "chain_name"}

// Scripts builds the reusable check shapes over the occurrence store.
type Scripts struct {
	occurrences    OccurrenceQuerier
	events         EventLookup
	rechargeEvents []string
	logger         logger.Logger
}

func NewScripts(occurrences OccurrenceQuerier, events EventLookup, rechargeEvents []string, log logger.Logger) *Scripts {
	return &Scripts{
		occurrences:    occurrences,
		events:         events,
		rechargeEvents: rechargeEvents,
		logger:         log,
	}
}

// AmountLimit compares the occurrence's own amount against the bound
// threshold. Filters bound to SelfValue always hold here.
func (s *Scripts) AmountLimit(name string, dims Dimensions) Script {
	return func(ctx context.Context, occ *domain.Occurrence, params Params) (bool, error) {
		amount, err := params.required(name, "amount")
		if err != nil {
			return false, err
		}
		for _, field := range dims.Payload {
			ok, err := localFilter(params, field, occ.Payload[field])
			if err != nil || !ok {
				return false, err
			}
		}
		for _, field := range dims.User {
			value, _ := occ.User.Field(field)
			ok, err := localFilter(params, field, value)
			if err != nil || !ok {
				return false, err
			}
		}
		return amount.Holds(occ.Payload["amount"])
	}
}

// AmountPerTime sums the amount of matching occurrences of the same event
// inside the trailing window and compares the total against the threshold.
func (s *Scripts) AmountPerTime(name string, dims Dimensions) Script {
	return func(ctx context.Context, occ *domain.Occurrence, params Params) (bool, error) {
		amount, err := params.required(name, "amount")
		if err != nil {
			return false, err
		}
		q, err := s.sameEventWindow(name, occ, params, dims)
		if err != nil {
			return false, err
		}
		total, err := s.occurrences.Sum(ctx, q, "payload.amount")
		if err != nil {
			return false, err
		}
		s.logger.DebugwCtx(ctx, "Scene window sum", "scene", name, "total", total.String())
		return amount.Holds(total)
	}
}

// NumPerTime counts matching occurrences of the same event inside the
// trailing window.
func (s *Scripts) NumPerTime(name string, dims Dimensions) Script {
	return func(ctx context.Context, occ *domain.Occurrence, params Params) (bool, error) {
		number, err := params.required(name, "number")
		if err != nil {
			return false, err
		}
		q, err := s.sameEventWindow(name, occ, params, dims)
		if err != nil {
			return false, err
		}
		n, err := s.occurrences.Count(ctx, q)
		if err != nil {
			return false, err
		}
		s.logger.DebugwCtx(ctx, "Scene window count", "scene", name, "count", n)
		return number.Holds(n)
	}
}

// ManyToOne counts the distinct users that sent to the occurrence's
// destination (payload order_to) inside the window.
func (s *Scripts) ManyToOne(name string, dims Dimensions) Script {
	return func(ctx context.Context, occ *domain.Occurrence, params Params) (bool, error) {
		number, err := params.required(name, "number")
		if err != nil {
			return false, err
		}
		dest, ok := occ.Payload["order_to"]
		if !ok || dest == nil {
			return false, nil
		}
		q, err := s.sameEventWindow(name, occ, params, dims)
		if err != nil {
			return false, err
		}
		q.Conditions = append(q.Conditions, store.Condition{Field: "payload.order_to", Op: expr.OpEq, Value: dest})

		n, err := s.occurrences.DistinctCount(ctx, q, "user.user_id")
		if err != nil {
			return false, err
		}
		s.logger.DebugwCtx(ctx, "Scene distinct senders", "scene", name, "count", n)
		return number.Holds(n)
	}
}

// ContractAddressNum counts distinct contract addresses in the window.
func (s *Scripts) ContractAddressNum(name string, dims Dimensions) Script {
	return func(ctx context.Context, occ *domain.Occurrence, params Params) (bool, error) {
		number, err := params.required(name, "number")
		if err != nil {
			return false, err
		}
		q, err := s.sameEventWindow(name, occ, params, dims)
		if err != nil {
			return false, err
		}
		n, err := s.occurrences.DistinctCount(ctx, q, "payload.coin_contract_address")
		if err != nil {
			return false, err
		}
		return number.Holds(n)
	}
}

// WithoutRecharge holds when the user has no recharge-class occurrence of the
// bound coin before this one.
func (s *Scripts) WithoutRecharge(name string, dims Dimensions) Script {
	return func(ctx context.Context, occ *domain.Occurrence, params Params) (bool, error) {
		coin, err := requiredFilter(name, params, "coin_name")
		if err != nil {
			return false, err
		}

		eventIDs, err := s.rechargeEventIDs(ctx)
		if err != nil {
			return false, err
		}

		conditions := filters(occ, params, dims)
		value := coin.Value
		if coin.Self() {
			value = occ.Payload["coin_name"]
		}
		conditions = append(conditions, store.Condition{Field: "payload.coin_name", Op: coin.Op, Value: value})

		found, err := s.occurrences.Exists(ctx, store.WindowQuery{
			EventIDs:   eventIDs,
			Until:      occ.CreatedAt,
			Conditions: conditions,
		})
		if err != nil {
			return false, err
		}
		return !found, nil
	}
}

func (s *Scripts) rechargeEventIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(s.rechargeEvents))
	for _, eventName := range s.rechargeEvents {
		ev, err := s.events.EventByName(ctx, eventName)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, ev.ID)
	}
	if len(ids) == 0 {
		return nil, errors.ErrReferenceResolution.WithMessage("no recharge event defined among %v", s.rechargeEvents)
	}
	return ids, nil
}

// sameEventWindow selects occurrences of occ's event created in
// [created-window, created]. Anchoring on the stored creation time keeps the
// result stable when the same rule is rendered again.
func (s *Scripts) sameEventWindow(name string, occ *domain.Occurrence, params Params, dims Dimensions) (store.WindowQuery, error) {
	window, err := params.window(name)
	if err != nil {
		return store.WindowQuery{}, err
	}
	conditions := filters(occ, params, dims)
	return store.WindowQuery{
		EventIDs:   []string{occ.EventID},
		Since:      occ.CreatedAt.Add(-window),
		Through:    occ.CreatedAt,
		Conditions: conditions,
	}, nil
}

// filters turns the bound optional parameters into store conditions.
func filters(occ *domain.Occurrence, params Params, dims Dimensions) []store.Condition {
	var out []store.Condition
	for _, field := range dims.Payload {
		param, ok := params[field]
		if !ok {
			continue
		}
		value := param.Value
		if param.Self() {
			value = occ.Payload[field]
		}
		out = append(out, store.Condition{Field: "payload." + field, Op: param.Op, Value: value})
	}
	for _, field := range dims.User {
		param, ok := params[field]
		if !ok {
			continue
		}
		value := param.Value
		if param.Self() {
			value, _ = occ.User.Field(field)
		}
		out = append(out, store.Condition{Field: "user." + field, Op: param.Op, Value: value})
	}
	return out
}

func localFilter(params Params, field string, actual interface{}) (bool, error) {
	param, ok := params[field]
	if !ok || param.Self() {
		return true, nil
	}
	return param.Holds(actual)
}

func requiredFilter(scene string, params Params, name string) (Param, error) {
	param, ok := params[name]
	if !ok {
		return Param{}, errors.ErrReferenceResolution.
			WithMessage("scene %s requires parameter %s", scene, name).
			WithDetail("scene", scene)
	}
	return param, nil
}
