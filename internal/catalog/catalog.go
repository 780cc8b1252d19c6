// Package catalog provides read-only lookup of option chains: the strikes
// around an ATM for an underlying and expiry, their call/put instrument keys,
// trading symbols, lot sizes, and the strike step.
//
// The catalog is built once at startup from the instrument master (REST
// endpoint with a local snapshot fallback) and treated as immutable for the
// lifetime of a feed session. Expiry rollover requires a reload outside the
// session path.
package catalog

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionrelay/pkg/types"
)

var (
	ErrUnknownInstrument  = errors.New("unknown instrument")
	ErrUnknownExpiry      = errors.New("unknown expiry")
	ErrCatalogUnavailable = errors.New("catalog unavailable")
)

type chainKey struct {
	underlying string
	expiry     string
}

// SearchEntry is one hit from a symbol search.
type SearchEntry struct {
	Key    string `json:"key"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// Catalog indexes the instrument master for chain lookups.
type Catalog struct {
	mu       sync.RWMutex
	chains   map[chainKey]*types.OptionChain
	steps    map[string]decimal.Decimal
	lotSizes map[string]int
	aliases  map[string]string   // colon-form key -> canonical key
	expiries map[string][]string // underlying -> sorted ISO dates
	entries  []SearchEntry
}

// instrumentRecord is the JSON shape of one row of the instrument master.
type instrumentRecord struct {
	InstrumentKey string          `json:"instrument_key"`
	UnderlyingKey string          `json:"underlying_key"`
	Expiry        string          `json:"expiry"`
	Strike        decimal.Decimal `json:"strike_price"`
	OptionType    string          `json:"instrument_type"` // "CE" or "PE"
	TradingSymbol string          `json:"trading_symbol"`
	LotSize       int             `json:"lot_size"`
	Name          string          `json:"name"`
}

// build assembles the index from raw instrument rows. Rows that cannot form
// a chain (missing underlying or expiry) are skipped.
func build(records []instrumentRecord) *Catalog {
	c := &Catalog{
		chains:   make(map[chainKey]*types.OptionChain),
		steps:    make(map[string]decimal.Decimal),
		lotSizes: make(map[string]int),
		aliases:  make(map[string]string),
		expiries: make(map[string][]string),
	}

	type rowKey struct {
		chain  chainKey
		strike string
	}
	rows := make(map[rowKey]*types.StrikeRow)

	for _, rec := range records {
		key := types.CanonicalKey(rec.InstrumentKey)
		c.aliases[types.AliasKey(key)] = key
		if rec.LotSize > 0 {
			c.lotSizes[key] = rec.LotSize
		}
		if rec.TradingSymbol != "" || rec.Name != "" {
			c.entries = append(c.entries, SearchEntry{Key: key, Symbol: rec.TradingSymbol, Name: rec.Name})
		}

		if rec.UnderlyingKey == "" || rec.Expiry == "" {
			continue
		}
		underlying := types.CanonicalKey(rec.UnderlyingKey)
		c.aliases[types.AliasKey(underlying)] = underlying

		ck := chainKey{underlying: underlying, expiry: rec.Expiry}
		rk := rowKey{chain: ck, strike: rec.Strike.String()}
		row, ok := rows[rk]
		if !ok {
			row = &types.StrikeRow{Strike: rec.Strike, LotSize: rec.LotSize}
			rows[rk] = row
		}
		switch strings.ToUpper(rec.OptionType) {
		case "CE":
			row.CallKey = key
			row.CallSymbol = rec.TradingSymbol
		case "PE":
			row.PutKey = key
			row.PutSymbol = rec.TradingSymbol
		}
	}

	for rk, row := range rows {
		chain, ok := c.chains[rk.chain]
		if !ok {
			chain = &types.OptionChain{
				Underlying: rk.chain.underlying,
				Expiry:     rk.chain.expiry,
			}
			c.chains[rk.chain] = chain
		}
		chain.Rows = append(chain.Rows, *row)
	}

	for ck, chain := range c.chains {
		sort.Slice(chain.Rows, func(i, j int) bool {
			return chain.Rows[i].Strike.LessThan(chain.Rows[j].Strike)
		})
		chain.Step = inferStep(chain.Rows)

		if _, ok := c.steps[ck.underlying]; !ok && !chain.Step.IsZero() {
			c.steps[ck.underlying] = chain.Step
		}
		c.expiries[ck.underlying] = append(c.expiries[ck.underlying], ck.expiry)
	}
	for u := range c.expiries {
		sort.Strings(c.expiries[u])
	}

	return c
}

// inferStep returns the smallest positive gap between adjacent strikes.
// Chains carry a uniform step, so the minimum is the step.
func inferStep(rows []types.StrikeRow) decimal.Decimal {
	step := decimal.Zero
	for i := 1; i < len(rows); i++ {
		gap := rows[i].Strike.Sub(rows[i-1].Strike)
		if gap.IsPositive() && (step.IsZero() || gap.LessThan(step)) {
			step = gap
		}
	}
	return step
}

// resolve maps either separator form to the canonical underlying key.
func (c *Catalog) resolve(key string) string {
	canon := types.CanonicalKey(key)
	if alias, ok := c.aliases[types.AliasKey(canon)]; ok {
		return alias
	}
	return canon
}

// ChainAround returns up to 2*count+1 contiguous strike rows centered on the
// strike closest to atm, clipped to the chain bounds.
func (c *Catalog) ChainAround(underlying, expiry string, atm decimal.Decimal, count int) ([]types.StrikeRow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.chains) == 0 {
		return nil, ErrCatalogUnavailable
	}
	underlying = c.resolve(underlying)
	if len(c.expiries[underlying]) == 0 {
		return nil, ErrUnknownInstrument
	}
	chain, ok := c.chains[chainKey{underlying: underlying, expiry: expiry}]
	if !ok {
		return nil, ErrUnknownExpiry
	}
	if len(chain.Rows) == 0 {
		return nil, ErrUnknownExpiry
	}

	// Index of the row closest to atm.
	center := 0
	best := chain.Rows[0].Strike.Sub(atm).Abs()
	for i := 1; i < len(chain.Rows); i++ {
		d := chain.Rows[i].Strike.Sub(atm).Abs()
		if d.LessThan(best) {
			best = d
			center = i
		}
	}

	lo := center - count
	if lo < 0 {
		lo = 0
	}
	hi := center + count + 1
	if hi > len(chain.Rows) {
		hi = len(chain.Rows)
	}

	out := make([]types.StrikeRow, hi-lo)
	copy(out, chain.Rows[lo:hi])
	return out, nil
}

// StepFor returns the strike step for an underlying.
func (c *Catalog) StepFor(underlying string) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.chains) == 0 {
		return decimal.Zero, ErrCatalogUnavailable
	}
	step, ok := c.steps[c.resolve(underlying)]
	if !ok {
		return decimal.Zero, ErrUnknownInstrument
	}
	return step, nil
}

// LotSizeFor returns the contract lot size for an instrument key.
func (c *Catalog) LotSizeFor(key string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lot, ok := c.lotSizes[c.resolve(key)]
	if !ok {
		return 0, ErrUnknownInstrument
	}
	return lot, nil
}

// Expiries lists the known expiries for an underlying, ascending.
func (c *Catalog) Expiries(underlying string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.chains) == 0 {
		return nil, ErrCatalogUnavailable
	}
	exps := c.expiries[c.resolve(underlying)]
	if len(exps) == 0 {
		return nil, ErrUnknownInstrument
	}
	out := make([]string, len(exps))
	copy(out, exps)
	return out, nil
}

// NearestExpiry returns the first expiry on or after the given day.
func (c *Catalog) NearestExpiry(underlying string, notBefore time.Time) (string, error) {
	exps, err := c.Expiries(underlying)
	if err != nil {
		return "", err
	}
	day := notBefore.Format("2006-01-02")
	for _, e := range exps {
		if e >= day {
			return e, nil
		}
	}
	return "", ErrUnknownExpiry
}

// Search returns up to 20 instruments whose trading symbol or name starts
// with the given prefix, case-insensitive.
func (c *Catalog) Search(prefix string) []SearchEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	prefix = strings.ToUpper(prefix)
	var out []SearchEntry
	for _, e := range c.entries {
		if strings.HasPrefix(strings.ToUpper(e.Symbol), prefix) ||
			strings.HasPrefix(strings.ToUpper(e.Name), prefix) {
			out = append(out, e)
			if len(out) == 20 {
				break
			}
		}
	}
	return out
}
