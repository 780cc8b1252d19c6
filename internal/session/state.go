package session

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionrelay/pkg/types"
)

// instrumentState is the per-instrument aggregate: the merged view of every
// accepted tick, the last applied sequence number, and derivation bookkeeping.
type instrumentState struct {
	tick       types.Tick
	seq        uint64
	lastDerive time.Time
	missed     int // consecutive window rebuilds that excluded this key
}

// applyResult classifies what happened to an incoming tick.
type applyResult int

const (
	applied applyResult = iota
	regression
)

// stateTable holds every instrumentState for a session. The session loop is
// the only writer; the mutex exists for the health snapshot and tests.
type stateTable struct {
	mu     sync.RWMutex
	states map[string]*instrumentState
}

func newStateTable() *stateTable {
	return &stateTable{states: make(map[string]*instrumentState)}
}

// Apply runs the sequence discipline and field-wise merge for one incoming
// tick. It returns the delta to buffer for broadcast (the incoming fields
// that survived the merge, carrying the merged seq), the result, and the
// sequence gap size when one was skipped.
//
// A zero ltp means "no trade" upstream and never replaces a known price; the
// delta loses the field too so clients keep their last value.
func (t *stateTable) Apply(key string, in types.Tick) (types.Tick, applyResult, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[key]
	if !ok {
		st = &instrumentState{}
		t.states[key] = st
	}
	if in.Seq <= st.seq {
		return types.Tick{}, regression, 0
	}
	var gap uint64
	if st.seq > 0 && in.Seq > st.seq+1 {
		gap = in.Seq - st.seq - 1
	}

	if in.Ltp != nil && in.Ltp.IsZero() {
		in.Ltp = nil
	}
	st.tick.MergeFrom(in)
	st.seq = in.Seq
	in.Seq = st.seq
	return in, applied, gap
}

// MergeDerived folds an analytics result into state, but only while the
// state still sits at the sequence the derivation was computed against.
// A fresher upstream tick wins over a stale local derive.
func (t *stateTable) MergeDerived(key string, seq uint64, iv, delta, gamma, theta, vega float64) (types.Tick, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[key]
	if !ok || st.seq != seq {
		return types.Tick{}, false
	}
	d := types.Tick{
		IV:    types.Float64Ptr(iv),
		Delta: types.Float64Ptr(delta),
		Gamma: types.Float64Ptr(gamma),
		Theta: types.Float64Ptr(theta),
		Vega:  types.Float64Ptr(vega),
		Seq:   seq,
	}
	st.tick.MergeFrom(d)
	return d, true
}

// FillSimulatedQuotes injects a synthetic bid/ask around the last traded
// price for an illiquid option that has traded but carries no live quote.
// Real upstream quotes always win: only absent sides are filled, and a later
// tick with a real quote overwrites the simulated one. Returns the delta to
// broadcast and whether anything was injected.
func (t *stateTable) FillSimulatedQuotes(key string, spreadBps int64) (types.Tick, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[key]
	if !ok || st.tick.Ltp == nil {
		return types.Tick{}, false
	}
	if st.tick.Bid != nil && st.tick.Ask != nil {
		return types.Tick{}, false
	}

	half := st.tick.Ltp.Mul(decimal.NewFromInt(spreadBps)).Div(decimal.NewFromInt(20000))
	minPrice := decimal.New(5, -2) // exchange floor of 0.05
	delta := types.Tick{Seq: st.seq, Synthetic: true}

	if st.tick.Bid == nil {
		bid := st.tick.Ltp.Sub(half)
		if bid.LessThan(minPrice) {
			bid = minPrice
		}
		st.tick.Bid = &bid
		st.tick.BidSimulated = true
		delta.Bid = &bid
		delta.BidSimulated = true
	}
	if st.tick.Ask == nil {
		ask := st.tick.Ltp.Add(half)
		if ask.LessThan(minPrice) {
			ask = minPrice
		}
		st.tick.Ask = &ask
		st.tick.AskSimulated = true
		delta.Ask = &ask
		delta.AskSimulated = true
	}
	return delta, true
}

// Get returns a copy of the merged tick for a key.
func (t *stateTable) Get(key string) (types.Tick, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[key]
	if !ok {
		return types.Tick{}, false
	}
	return st.tick, true
}

// Seq returns the last applied sequence number for a key.
func (t *stateTable) Seq(key string) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st, ok := t.states[key]; ok {
		return st.seq
	}
	return 0
}

// Len reports how many instruments have state.
func (t *stateTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// ShouldDerive checks and advances the per-instrument derivation throttle.
func (t *stateTable) ShouldDerive(key string, now time.Time, minInterval time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[key]
	if !ok {
		return false
	}
	if st.tick.HasGreeks() {
		return false
	}
	if now.Sub(st.lastDerive) < minInterval {
		return false
	}
	st.lastDerive = now
	return true
}

// Prune ages out state for keys that left the subscribed set. A key survives
// one rebuild outside the window (so an ATM bounce straight back keeps its
// history) and is purged on the second consecutive miss. Keys back inside
// reset their miss count. Returns the purged keys.
func (t *stateTable) Prune(subscribed func(key string) bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var purged []string
	for key, st := range t.states {
		if subscribed(key) {
			st.missed = 0
			continue
		}
		st.missed++
		if st.missed >= 2 {
			delete(t.states, key)
			purged = append(purged, key)
		}
	}
	return purged
}

// updateBuffer accumulates the most-recent unflushed delta per instrument.
// The session loop is both writer and reader; Swap hands the whole map off
// and starts a fresh one, so a flush never holds up ingestion.
type updateBuffer struct {
	mu      sync.Mutex
	pending map[string]types.Tick
}

func newUpdateBuffer() *updateBuffer {
	return &updateBuffer{pending: make(map[string]types.Tick)}
}

// Put coalesces a delta onto any unflushed delta for the same key.
func (b *updateBuffer) Put(key string, delta types.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.pending[key]; ok {
		prev.MergeFrom(delta)
		b.pending[key] = prev
		return
	}
	b.pending[key] = delta
}

// Swap exchanges the buffer for an empty one and returns the old contents.
func (b *updateBuffer) Swap() map[string]types.Tick {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = make(map[string]types.Tick)
	return out
}

// Len reports how many deltas are waiting for the next flush.
func (b *updateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
