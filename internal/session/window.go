package session

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"optionrelay/pkg/types"
)

// keyInfo is what the session needs to know about one subscribed option key.
type keyInfo struct {
	Strike decimal.Decimal
	Call   bool
}

// liveWindow is the authoritative set of strikes the session keeps subscribed
// around the ATM. Clients render exactly these strikes; anything else the
// upstream sends for a stale key is filtered at flush time.
type liveWindow struct {
	ATM     decimal.Decimal
	Step    decimal.Decimal
	Strikes []decimal.Decimal  // ascending
	Keys    map[string]keyInfo // option instrument key -> leg info
}

// roundToStep snaps a spot price to the nearest strike on the step grid.
func roundToStep(spot, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return spot
	}
	return spot.Div(step).Round(0).Mul(step)
}

// buildWindow asks the chain source for up to 2*halfWidth+1 rows centered on
// atm and assembles the subscription window. Rows outside the chain are
// clipped; the result is always contiguous.
func buildWindow(chains ChainSource, underlying, expiry string, atm decimal.Decimal, halfWidth int) (*liveWindow, error) {
	rows, err := chains.ChainAround(underlying, expiry, atm, halfWidth)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty chain for %s %s around %s", underlying, expiry, atm)
	}

	step, err := chains.StepFor(underlying)
	if err != nil {
		return nil, err
	}

	w := &liveWindow{
		ATM:     atm,
		Step:    step,
		Strikes: make([]decimal.Decimal, 0, len(rows)),
		Keys:    make(map[string]keyInfo, 2*len(rows)),
	}
	for _, r := range rows {
		w.Strikes = append(w.Strikes, r.Strike)
		if r.CallKey != "" {
			w.Keys[types.CanonicalKey(r.CallKey)] = keyInfo{Strike: r.Strike, Call: true}
		}
		if r.PutKey != "" {
			w.Keys[types.CanonicalKey(r.PutKey)] = keyInfo{Strike: r.Strike, Call: false}
		}
	}
	sort.Slice(w.Strikes, func(i, j int) bool { return w.Strikes[i].LessThan(w.Strikes[j]) })
	return w, nil
}

// SubscribedKeys returns every option key in the window, sorted for stable
// subscribe commands.
func (w *liveWindow) SubscribedKeys() []string {
	keys := make([]string, 0, len(w.Keys))
	for k := range w.Keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StrikeFloats converts the strike column for the FEED_STATE frame.
func (w *liveWindow) StrikeFloats() []float64 {
	out := make([]float64, len(w.Strikes))
	for i, s := range w.Strikes {
		out[i] = s.InexactFloat64()
	}
	return out
}

// Contains reports whether a key belongs to the window.
func (w *liveWindow) Contains(key string) bool {
	_, ok := w.Keys[key]
	return ok
}

// diffKeys splits a window change into the keys to subscribe and the keys to
// unsubscribe. Keys present in both windows are untouched.
func diffKeys(oldW, newW *liveWindow) (add, drop []string) {
	for k := range newW.Keys {
		if oldW == nil || !oldW.Contains(k) {
			add = append(add, k)
		}
	}
	if oldW != nil {
		for k := range oldW.Keys {
			if !newW.Contains(k) {
				drop = append(drop, k)
			}
		}
	}
	sort.Strings(add)
	sort.Strings(drop)
	return add, drop
}
