// Package broker maintains the upstream market-data WebSocket: handshake
// with a bearer credential, binary frame decoding, subscribe/unsubscribe
// commands, and reconnect with backoff. It is a leaf component; sessions
// consume its events and ticks without reaching into the connection.
package broker

import "optionrelay/pkg/types"

// Event is a control notice from the upstream connection. One concrete type
// per condition; consumers type-switch. Ticks travel separately through the
// mailbox so a slow consumer can never block the read loop.
type Event interface {
	isEvent()
}

// Connected fires after the dial succeeds and the full subscription set has
// been re-sent.
type Connected struct{}

// Disconnected fires on a transient connection loss. The client keeps
// retrying with backoff.
type Disconnected struct {
	Reason string
}

// AuthInvalid fires when the upstream rejects the bearer credential. The
// client stops retrying; reconnecting requires a fresh credential.
type AuthInvalid struct{}

// EntitlementDenied fires when the credential is valid but the account lacks
// feed entitlement. Terminal, like AuthInvalid.
type EntitlementDenied struct {
	Msg string
}

// Subscribed acknowledges that a subscribe command for these keys was
// written upstream.
type Subscribed struct {
	Keys []string
}

// MarketClosed is the upstream end-of-session notice.
type MarketClosed struct {
	Msg string
}

// UpstreamError reports a recoverable protocol problem, e.g. a frame that
// failed to parse. The connection stays up.
type UpstreamError struct {
	Kind ErrorKind
	Msg  string
}

// ErrorKind classifies an UpstreamError.
type ErrorKind string

const (
	ParseError ErrorKind = "ParseError"
)

func (Connected) isEvent()         {}
func (Disconnected) isEvent()      {}
func (AuthInvalid) isEvent()       {}
func (EntitlementDenied) isEvent() {}
func (Subscribed) isEvent()        {}
func (MarketClosed) isEvent()      {}
func (UpstreamError) isEvent()     {}

// KeyedTick pairs a decoded tick with its canonical instrument key.
type KeyedTick struct {
	Key  string
	Tick types.Tick
}
