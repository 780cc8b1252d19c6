// Package analytics prices European options and extracts implied volatility
// when the upstream feed omits it. All functions are pure; the worker pool in
// pool.go is the only stateful piece.
package analytics

import (
	"math"
	"time"
)

// Volatility bounds for implied-vol extraction, as annualized fractions.
const (
	VolFloor = 0.005
	VolCap   = 5.0
)

// Result carries model outputs. Theta is per calendar day, vega is per one
// percentage point of volatility. InvalidInputs is set when spot or strike is
// non-positive; every numeric field is zero in that case.
type Result struct {
	Price         float64
	IV            float64
	Delta         float64
	Gamma         float64
	Theta         float64
	Vega          float64
	InvalidInputs bool
}

// YearsToExpiry converts a wall-clock distance to expiry into year fractions
// on a 365-day calendar. Negative distances stay negative so callers can
// detect expired contracts.
func YearsToExpiry(now, expiry time.Time) float64 {
	return expiry.Sub(now).Hours() / (24 * 365)
}

// normCDF is the standard normal cumulative distribution.
func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// normPDF is the standard normal density.
func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

// Price returns the Black-Scholes value of a European option with continuous
// dividend yield q. T is in years, rate and yield are annualized fractions.
// T <= 0 returns intrinsic value.
func Price(call bool, spot, strike, tYears, rate, yield, sigma float64) float64 {
	if spot <= 0 || strike <= 0 {
		return 0
	}
	if tYears <= 0 {
		return intrinsic(call, spot, strike)
	}
	if sigma <= 0 {
		// Degenerate diffusion: discounted forward payoff.
		fwd := spot*math.Exp(-yield*tYears) - strike*math.Exp(-rate*tYears)
		if !call {
			fwd = -fwd
		}
		return math.Max(fwd, 0)
	}

	sqrtT := math.Sqrt(tYears)
	d1 := (math.Log(spot/strike) + (rate-yield+sigma*sigma/2)*tYears) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	if call {
		return spot*math.Exp(-yield*tYears)*normCDF(d1) - strike*math.Exp(-rate*tYears)*normCDF(d2)
	}
	return strike*math.Exp(-rate*tYears)*normCDF(-d2) - spot*math.Exp(-yield*tYears)*normCDF(-d1)
}

// Greeks evaluates price and sensitivities at a known volatility.
func Greeks(call bool, spot, strike, tYears, rate, yield, sigma float64) Result {
	if spot <= 0 || strike <= 0 {
		return Result{InvalidInputs: true}
	}
	if tYears <= 0 {
		return Result{Price: intrinsic(call, spot, strike), IV: sigma}
	}
	if sigma <= 0 {
		return Result{Price: Price(call, spot, strike, tYears, rate, yield, sigma)}
	}

	sqrtT := math.Sqrt(tYears)
	d1 := (math.Log(spot/strike) + (rate-yield+sigma*sigma/2)*tYears) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	discS := spot * math.Exp(-yield*tYears)
	discK := strike * math.Exp(-rate*tYears)
	pdf := normPDF(d1)

	out := Result{IV: sigma}
	out.Gamma = math.Exp(-yield*tYears) * pdf / (spot * sigma * sqrtT)
	out.Vega = discS * pdf * sqrtT / 100

	thetaCore := -discS * pdf * sigma / (2 * sqrtT)
	if call {
		out.Price = discS*normCDF(d1) - discK*normCDF(d2)
		out.Delta = math.Exp(-yield*tYears) * normCDF(d1)
		out.Theta = (thetaCore - rate*discK*normCDF(d2) + yield*discS*normCDF(d1)) / 365
	} else {
		out.Price = discK*normCDF(-d2) - discS*normCDF(-d1)
		out.Delta = math.Exp(-yield*tYears) * (normCDF(d1) - 1)
		out.Theta = (thetaCore + rate*discK*normCDF(-d2) - yield*discS*normCDF(-d1)) / 365
	}
	return out
}

func intrinsic(call bool, spot, strike float64) float64 {
	if call {
		return math.Max(spot-strike, 0)
	}
	return math.Max(strike-spot, 0)
}

// vegaRaw is the derivative of price with respect to sigma (per 1.0 of vol),
// used as the Newton step denominator in iv.go.
func vegaRaw(spot, strike, tYears, rate, yield, sigma float64) float64 {
	sqrtT := math.Sqrt(tYears)
	d1 := (math.Log(spot/strike) + (rate-yield+sigma*sigma/2)*tYears) / (sigma * sqrtT)
	return spot * math.Exp(-yield*tYears) * normPDF(d1) * sqrtT
}
