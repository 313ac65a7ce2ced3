package config

import "math"

// Fee is the fee policy for outbound payments. All values are percentages
// of the payment amount.
type Fee struct {
	// route fee cap for payments above 1000 sat
	PayLimitPct float64 `mapstructure:"pay_limit_pct"`
	// route fee cap for small payments, where minimum route fees weigh
	// proportionally heavier
	SmallPayLimitPct float64 `mapstructure:"small_pay_limit_pct"`
	// fee charged on payments between two users of this server
	InternalPct float64 `mapstructure:"internal_pct"`
	// service fee charged on every payment
	ServicePct float64 `mapstructure:"service_pct"`
}

// smallPayLimitMsat is the boundary between the small and the regular
// route fee cap: 1000 sat.
const smallPayLimitMsat = 1_000_000

func pct(msat int64, p float64) int64 {
	return int64(math.Floor(float64(msat) * p / 100))
}

// Calc returns (fee, serviceFee) in msat for a payment of the given
// amount. For external payments fee is the maximum route fee we are
// willing to pay, for internal payments it is the fee charged.
func (f Fee) Calc(msat int64, internal bool) (int64, int64) {
	var feePct float64
	switch {
	case internal:
		feePct = f.InternalPct
	case msat > smallPayLimitMsat:
		feePct = f.PayLimitPct
	default:
		feePct = f.SmallPayLimitPct
	}
	return pct(msat, feePct), pct(msat, f.ServicePct)
}
