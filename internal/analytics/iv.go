package analytics

import "math"

const (
	ivMaxIterations = 64
	ivRelTolerance  = 1e-5
)

// ImpliedVol solves for the volatility that reproduces the observed price.
// Newton-Raphson on vega converges in a handful of steps near the money; when
// vega collapses (deep ITM/OTM) or the step escapes [VolFloor, VolCap] the
// solver falls back to Brent's method on the same bracket. Returns false when
// no volatility in bounds reproduces the price.
func ImpliedVol(call bool, spot, strike, tYears, rate, yield, price float64) (float64, bool) {
	if spot <= 0 || strike <= 0 || tYears <= 0 || price <= 0 {
		return 0, false
	}

	// Price must sit between the zero-vol floor and the cap price, else no
	// root exists in bounds.
	f := func(sigma float64) float64 {
		return Price(call, spot, strike, tYears, rate, yield, sigma) - price
	}
	tol := ivRelTolerance * price
	if tol < 1e-9 {
		tol = 1e-9
	}

	// Brenner-Subrahmanyam seed, clamped to bounds.
	sigma := math.Sqrt(2*math.Pi/tYears) * price / spot
	sigma = math.Min(math.Max(sigma, VolFloor), VolCap)

	for i := 0; i < ivMaxIterations; i++ {
		diff := f(sigma)
		if math.Abs(diff) <= tol {
			return sigma, true
		}
		vega := vegaRaw(spot, strike, tYears, rate, yield, sigma)
		if vega < 1e-10 {
			break
		}
		next := sigma - diff/vega
		if next <= VolFloor || next >= VolCap || math.IsNaN(next) {
			break
		}
		if math.Abs(next-sigma) <= 1e-12 {
			return next, true
		}
		sigma = next
	}

	return brent(f, VolFloor, VolCap, tol)
}

// brent finds a root of f in [lo, hi]. Standard inverse-quadratic /
// secant / bisection hybrid.
func brent(f func(float64) float64, lo, hi, tol float64) (float64, bool) {
	a, b := lo, hi
	fa, fb := f(a), f(b)
	if fa*fb > 0 {
		return 0, false
	}
	if math.Abs(fa) < math.Abs(fb) {
		a, b = b, a
		fa, fb = fb, fa
	}
	c, fc := a, fa
	var d float64
	bisected := true

	for i := 0; i < ivMaxIterations; i++ {
		if math.Abs(fb) <= tol {
			return b, true
		}
		var s float64
		if fa != fc && fb != fc {
			s = a*fb*fc/((fa-fb)*(fa-fc)) +
				b*fa*fc/((fb-fa)*(fb-fc)) +
				c*fa*fb/((fc-fa)*(fc-fb))
		} else {
			s = b - fb*(b-a)/(fb-fa)
		}

		lim := (3*a + b) / 4
		useBisect := (s < math.Min(lim, b) || s > math.Max(lim, b)) ||
			(bisected && math.Abs(s-b) >= math.Abs(b-c)/2) ||
			(!bisected && math.Abs(s-b) >= math.Abs(c-d)/2)
		if useBisect {
			s = (a + b) / 2
			bisected = true
		} else {
			bisected = false
		}

		fs := f(s)
		d, c, fc = c, b, fb
		if fa*fs < 0 {
			b, fb = s, fs
		} else {
			a, fa = s, fs
		}
		if math.Abs(fa) < math.Abs(fb) {
			a, b = b, a
			fa, fb = fb, fa
		}
		if math.Abs(b-a) < 1e-12 {
			break
		}
	}

	if math.Abs(fb) <= tol {
		return b, true
	}
	return 0, false
}
