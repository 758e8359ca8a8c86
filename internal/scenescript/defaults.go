package scenescript

import "rcs/internal/constants"

// DefaultRechargeEvents are the event names counted as prior recharges.
var DefaultRechargeEvents = constants.DefaultRechargeEvents

var (
	exchangeUser = []string{"user_id", "project"}
	llandAssets  = []string{"coin_name", "coin_contract_address", "token_id"}
)

// RegisterDefaults installs the built-in scenes.
func RegisterDefaults(r *Registry, s *Scripts) error {
	scripts := map[string]func(string, Dimensions) Script{
		"single_withdrawal_amount_limit": s.AmountLimit,

		"exchange_recharge_amount_limit":                 s.AmountLimit,
		"exchange_recharge_amount_per_time_limit":        s.AmountPerTime,
		"exchange_recharge_num_per_time_limit":           s.NumPerTime,
		"exchange_recharge_multi_stellar_address_to_one": s.ManyToOne,

		"lland_recharge_amount_per_time_limit": s.AmountPerTime,
		"lland_recharge_num_per_time_limit":    s.NumPerTime,

		"lland_withdrawal_amount_limit":                     s.AmountLimit,
		"lland_withdrawal_amount_per_time_limit":            s.AmountPerTime,
		"lland_withdrawal_num_per_time_limit":               s.NumPerTime,
		"lland_multi_address_withdraw_to_one":               s.ManyToOne,
		"lland_withdrawal_contract_addr_num_per_time_limit": s.ContractAddressNum,
		"lland_withdraw_without_recharge":                   s.WithoutRecharge,
	}

	dims := map[string]Dimensions{
		"single_withdrawal_amount_limit": {Payload: []string{"coin_name"}},

		"exchange_recharge_amount_limit":                 {Payload: []string{"coin_name"}, User: exchangeUser},
		"exchange_recharge_amount_per_time_limit":        {Payload: []string{"coin_name"}, User: exchangeUser},
		"exchange_recharge_num_per_time_limit":           {Payload: []string{"coin_name"}, User: exchangeUser},
		"exchange_recharge_multi_stellar_address_to_one": {User: exchangeUser},

		"lland_recharge_amount_per_time_limit": {Payload: llandAssets, User: allUserFields},
		"lland_recharge_num_per_time_limit":    {Payload: llandAssets, User: allUserFields},

		"lland_withdrawal_amount_limit":                     {Payload: llandAssets, User: allUserFields},
		"lland_withdrawal_amount_per_time_limit":            {Payload: llandAssets, User: allUserFields},
		"lland_withdrawal_num_per_time_limit":               {Payload: llandAssets, User: allUserFields},
		"lland_multi_address_withdraw_to_one":               {Payload: []string{"coin_contract_address", "token_id"}, User: allUserFields},
		"lland_withdrawal_contract_addr_num_per_time_limit": {Payload: []string{"coin_name", "token_id"}, User: allUserFields},
		"lland_withdraw_without_recharge":                   {Payload: []string{"coin_contract_address", "token_id"}, User: allUserFields},
	}

	for name, build := range scripts {
		if err := r.Register(name, build(name, dims[name])); err != nil {
			return err
		}
	}
	return nil
}
