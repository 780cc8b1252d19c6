// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the relay: instrument keys,
// normalized ticks, option chains, feed status, and the JSON frame shapes
// exchanged with browser clients. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ----------------------------------------------------------------------
// Instrument keys
// ----------------------------------------------------------------------

// Upstream uses two separator forms for instrument keys: "NSE_INDEX|Nifty 50"
// and "NSE_INDEX:Nifty 50". The relay normalizes to the pipe form on ingress
// and keeps the colon form only as a lookup alias.

// CanonicalKey normalizes an instrument key to the pipe separator form.
// Keys already in canonical form pass through unchanged.
func CanonicalKey(key string) string {
	if strings.ContainsRune(key, '|') {
		return key
	}
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i] + "|" + key[i+1:]
	}
	return key
}

// AliasKey returns the colon separator form of a canonical key, used to
// index alias lookups. Returns the input unchanged if it has no separator.
func AliasKey(key string) string {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[:i] + ":" + key[i+1:]
	}
	return key
}

// ----------------------------------------------------------------------
// Core enums
// ----------------------------------------------------------------------

// Mode selects how much of the feed upstream sends for a subscription.
type Mode string

const (
	ModeFull Mode = "full" // quotes, depth of one, volume, oi, greeks when available
	ModeLTPC Mode = "ltpc" // last traded price and close only
)

// FeedStatus is the per-session feed state machine value.
type FeedStatus string

const (
	StatusDisconnected FeedStatus = "DISCONNECTED"
	StatusConnecting   FeedStatus = "CONNECTING"
	StatusLive         FeedStatus = "LIVE"
	StatusResetting    FeedStatus = "RESETTING"
	StatusMarketClosed FeedStatus = "MARKET_CLOSED"
	StatusUnavailable  FeedStatus = "UNAVAILABLE"
)

// Terminal reports whether the status requires external action (reauth or
// next market open) before the session can make progress again.
func (s FeedStatus) Terminal() bool {
	return s == StatusMarketClosed || s == StatusUnavailable
}

// ----------------------------------------------------------------------
// Ticks
// ----------------------------------------------------------------------

// Tick is a normalized market-data update for one instrument. Numeric fields
// are pointers: nil means the upstream frame did not carry the field, which
// is different from the field being zero.
type Tick struct {
	Ltp    *decimal.Decimal
	Volume *int64
	OI     *int64

	Bid    *decimal.Decimal
	Ask    *decimal.Decimal
	BidQty *int64
	AskQty *int64
	BidTS  *int64 // exchange timestamp of the bid, unix ms
	AskTS  *int64

	BidSimulated bool
	AskSimulated bool

	IV    *float64
	Delta *float64
	Gamma *float64
	Theta *float64
	Vega  *float64

	RecvTS    time.Time
	Seq       uint64
	Synthetic bool // injected by the relay rather than received upstream
}

// MergeFrom overlays the present fields of in onto t. Absent (nil) fields in
// in keep their prior values. A zero ltp means "no trade" upstream and never
// replaces a known last traded price.
func (t *Tick) MergeFrom(in Tick) {
	if in.Ltp != nil && !in.Ltp.IsZero() {
		t.Ltp = in.Ltp
	}
	if in.Volume != nil {
		t.Volume = in.Volume
	}
	if in.OI != nil {
		t.OI = in.OI
	}
	if in.Bid != nil {
		t.Bid = in.Bid
		t.BidSimulated = in.BidSimulated
	}
	if in.Ask != nil {
		t.Ask = in.Ask
		t.AskSimulated = in.AskSimulated
	}
	if in.BidQty != nil {
		t.BidQty = in.BidQty
	}
	if in.AskQty != nil {
		t.AskQty = in.AskQty
	}
	if in.BidTS != nil {
		t.BidTS = in.BidTS
	}
	if in.AskTS != nil {
		t.AskTS = in.AskTS
	}
	if in.IV != nil {
		t.IV = in.IV
	}
	if in.Delta != nil {
		t.Delta = in.Delta
	}
	if in.Gamma != nil {
		t.Gamma = in.Gamma
	}
	if in.Theta != nil {
		t.Theta = in.Theta
	}
	if in.Vega != nil {
		t.Vega = in.Vega
	}
	if in.Seq > t.Seq {
		t.Seq = in.Seq
	}
	if !in.RecvTS.IsZero() {
		t.RecvTS = in.RecvTS
	}
	t.Synthetic = in.Synthetic
}

// HasGreeks reports whether upstream already supplied IV and the full Greek
// set, in which case local derivation is skipped.
func (t *Tick) HasGreeks() bool {
	return t.IV != nil && t.Delta != nil && t.Gamma != nil && t.Theta != nil && t.Vega != nil
}

// Pointer helpers for building ticks with optional fields set.

func DecPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func Int64Ptr(v int64) *int64 { return &v }

func Float64Ptr(v float64) *float64 { return &v }

// ----------------------------------------------------------------------
// Option chains
// ----------------------------------------------------------------------

// StrikeRow is one strike of an option chain with its call and put legs.
type StrikeRow struct {
	Strike     decimal.Decimal
	CallKey    string
	PutKey     string
	LotSize    int
	CallSymbol string
	PutSymbol  string
}

// OptionChain is a contiguous, strike-ascending slice of an underlying's
// chain for a single expiry. Step is uniform across the chain.
type OptionChain struct {
	Underlying string
	Expiry     string // ISO date, e.g. "2025-02-27"
	Step       decimal.Decimal
	Rows       []StrikeRow
}

// Strikes returns the strike column in ascending order.
func (c *OptionChain) Strikes() []decimal.Decimal {
	out := make([]decimal.Decimal, len(c.Rows))
	for i, r := range c.Rows {
		out[i] = r.Strike
	}
	return out
}

// Row returns the StrikeRow for an exact strike, if present.
func (c *OptionChain) Row(strike decimal.Decimal) (StrikeRow, bool) {
	for _, r := range c.Rows {
		if r.Strike.Equal(strike) {
			return r, true
		}
	}
	return StrikeRow{}, false
}

// ----------------------------------------------------------------------
// Client frames (server -> client)
// ----------------------------------------------------------------------
// These structs map 1:1 to the JSON text frames pushed to browser clients.
// Every frame is {"type": ..., "data": {...}}; frames with no payload omit
// the data object.

// Frame type names.
const (
	TypeFeedConnected    = "UPSTOX_FEED_CONNECTED"
	TypeFeedDisconnected = "UPSTOX_FEED_DISCONNECTED"
	TypeMarketStatus     = "MARKET_STATUS"
	TypeFeedUnavailable  = "FEED_UNAVAILABLE"
	TypeFeedState        = "FEED_STATE"
	TypeFeedHealth       = "FEED_HEALTH"
	TypeMarketUpdate     = "MARKET_UPDATE"
	TypeSubscriptionAck  = "SUBSCRIPTION_ACK"
	TypeError            = "ERROR"
	TypeSessionExpired   = "SESSION_EXPIRED"
)

// Frame is the outbound envelope.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// FeedStateData advertises the authoritative live-strike window. Clients
// render exactly the strikes listed here and switch filter sets atomically
// on Version.
type FeedStateData struct {
	Status            FeedStatus `json:"status"`
	Underlying        string     `json:"underlying"`
	CurrentATM        float64    `json:"current_atm"`
	LiveStrikes       []float64  `json:"live_strikes"`
	MaxStrikeDistance int        `json:"max_strike_distance"`
	Version           int        `json:"version"`
	Timestamp         int64      `json:"timestamp"`
}

// FeedHealthData is the 1 Hz heartbeat payload.
type FeedHealthData struct {
	State       FeedStatus `json:"state"`
	ActiveKeys  int        `json:"active_keys"`
	BufferSize  int        `json:"buffer_size"`
	ResetLocked bool       `json:"reset_locked"`
	Timestamp   int64      `json:"timestamp"`
}

// MarketStatusData carries a market-wide status change, currently only CLOSED.
type MarketStatusData struct {
	Status string `json:"status"`
	Msg    string `json:"msg"`
}

// FeedUnavailableData is sent when entitlement is denied for the session.
type FeedUnavailableData struct {
	Msg string `json:"msg"`
}

// DisconnectedData carries the reason for an upstream disconnect.
type DisconnectedData struct {
	Reason string `json:"reason"`
}

// SubscriptionAckData acknowledges advisory client subscribe requests.
type SubscriptionAckData struct {
	Count      int    `json:"count"`
	Underlying string `json:"underlying"`
}

// ErrorData is a user-facing error notice.
type ErrorData struct {
	Kind string `json:"kind"`
	Msg  string `json:"msg"`
}

// TickPayload is the per-instrument entry inside a MARKET_UPDATE. Prices
// serialize as strings (decimal JSON form); absent fields are omitted
// entirely rather than sent as zero.
type TickPayload struct {
	Ltp       *decimal.Decimal `json:"ltp,omitempty"`
	Volume    *int64           `json:"volume,omitempty"`
	OI        *int64           `json:"oi,omitempty"`
	Bid       *decimal.Decimal `json:"bid,omitempty"`
	Ask       *decimal.Decimal `json:"ask,omitempty"`
	BidQty    *int64           `json:"bid_qty,omitempty"`
	AskQty    *int64           `json:"ask_qty,omitempty"`
	IV        *float64         `json:"iv,omitempty"`
	Delta     *float64         `json:"delta,omitempty"`
	Gamma     *float64         `json:"gamma,omitempty"`
	Theta     *float64         `json:"theta,omitempty"`
	Vega      *float64         `json:"vega,omitempty"`
	Seq       uint64           `json:"seq"`
	Synthetic bool             `json:"synthetic,omitempty"`
}

// NewTickPayload converts a merged tick delta to its wire form.
func NewTickPayload(t Tick) TickPayload {
	return TickPayload{
		Ltp:       t.Ltp,
		Volume:    t.Volume,
		OI:        t.OI,
		Bid:       t.Bid,
		Ask:       t.Ask,
		BidQty:    t.BidQty,
		AskQty:    t.AskQty,
		IV:        t.IV,
		Delta:     t.Delta,
		Gamma:     t.Gamma,
		Theta:     t.Theta,
		Vega:      t.Vega,
		Seq:       t.Seq,
		Synthetic: t.Synthetic,
	}
}

// MarketUpdateData maps instrument keys to their coalesced deltas for one
// flush interval.
type MarketUpdateData map[string]TickPayload

// ----------------------------------------------------------------------
// Client commands (client -> server)
// ----------------------------------------------------------------------

// Client command actions.
const (
	ActionSwitchUnderlying = "switch_underlying"
	ActionSwitchExpiry     = "switch_expiry"
	ActionSubscribe        = "subscribe"
	ActionUnsubscribe      = "unsubscribe"
	ActionPing             = "ping"
)

// ClientCommand is an inbound frame from a browser client. Keys is advisory:
// the relay logs it but shapes subscriptions from its own live window.
type ClientCommand struct {
	Action        string   `json:"action"`
	UnderlyingKey string   `json:"underlying_key,omitempty"`
	Keys          []string `json:"keys,omitempty"`
	ExpiryDate    string   `json:"expiry_date,omitempty"`
	Ts            int64    `json:"ts,omitempty"`
}
