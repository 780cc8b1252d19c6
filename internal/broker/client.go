// client.go maintains the single upstream feed connection for a session:
// bearer handshake, auto-reconnect with jittered exponential backoff, full
// subscription replay before each Connected event, and paced JSON commands.
//
// Ticks do not travel on the event channel. They land in a mailbox that
// keeps the latest coalesced tick per instrument, so a consumer that falls
// behind loses intermediate values, never the connection.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"optionrelay/internal/config"
	"optionrelay/internal/metrics"
	"optionrelay/pkg/types"
)

const (
	pingInterval     = 30 * time.Second
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	eventBufferSize  = 32
	commandQueueSize = 64
)

// Application close codes the upstream sends for terminal conditions.
const (
	closeCodeAuthInvalid       = 4001
	closeCodeEntitlementDenied = 4003
)

var (
	// ErrAuthInvalid means the bearer credential was rejected. No retries.
	ErrAuthInvalid = errors.New("broker: credential rejected")
	// ErrEntitlementDenied means the account lacks feed entitlement. No retries.
	ErrEntitlementDenied = errors.New("broker: feed entitlement denied")
)

type commandMsg struct {
	Method string      `json:"method"`
	Data   commandData `json:"data"`
}

type commandData struct {
	InstrumentKeys []string `json:"instrumentKeys"`
	Mode           string   `json:"mode,omitempty"`
}

// Client owns the upstream socket and the desired subscription set. One
// client per feed session; Run blocks until the context is cancelled or a
// terminal auth condition is hit.
type Client struct {
	cfg     config.BrokerConfig
	token   string
	logger  *slog.Logger
	metrics *metrics.Relay

	conn   *websocket.Conn
	connMu sync.Mutex // guards conn pointer and all writes

	subscribedMu sync.RWMutex
	subscribed   map[string]types.Mode // desired set, replayed on reconnect

	events  chan Event
	mailbox *tickMailbox
	limiter *rate.Limiter
	cmds    chan commandMsg

	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates an upstream client for one session's credential.
func NewClient(cfg config.BrokerConfig, token string, m *metrics.Relay, logger *slog.Logger) *Client {
	perSec := cfg.CommandsPerSec
	if perSec <= 0 {
		perSec = 10
	}
	return &Client{
		cfg:        cfg,
		token:      token,
		logger:     logger.With("component", "broker"),
		metrics:    m,
		subscribed: make(map[string]types.Mode),
		events:     make(chan Event, eventBufferSize),
		mailbox:    newTickMailbox(),
		limiter:    rate.NewLimiter(rate.Limit(perSec), perSec),
		cmds:       make(chan commandMsg, commandQueueSize),
		closed:     make(chan struct{}),
	}
}

// Events returns the control event channel.
func (c *Client) Events() <-chan Event { return c.events }

// TickSignal fires when the mailbox has unread ticks. Pair with DrainTicks.
func (c *Client) TickSignal() <-chan struct{} { return c.mailbox.notify }

// DrainTicks empties the mailbox in arrival order.
func (c *Client) DrainTicks() []KeyedTick { return c.mailbox.drain() }

// Subscribe adds keys to the desired set and sends the command when
// connected. Idempotent; on reconnect the whole set is replayed.
func (c *Client) Subscribe(keys []string, mode types.Mode) {
	if len(keys) == 0 {
		return
	}
	c.subscribedMu.Lock()
	for _, k := range keys {
		c.subscribed[types.CanonicalKey(k)] = mode
	}
	c.subscribedMu.Unlock()
	c.enqueue(commandMsg{Method: "sub", Data: commandData{InstrumentKeys: keys, Mode: string(mode)}})
}

// Unsubscribe removes keys from the desired set.
func (c *Client) Unsubscribe(keys []string) {
	if len(keys) == 0 {
		return
	}
	c.subscribedMu.Lock()
	for _, k := range keys {
		delete(c.subscribed, types.CanonicalKey(k))
	}
	c.subscribedMu.Unlock()
	c.enqueue(commandMsg{Method: "unsub", Data: commandData{InstrumentKeys: keys}})
}

// ChangeMode re-subscribes keys at a different depth.
func (c *Client) ChangeMode(keys []string, mode types.Mode) {
	c.Subscribe(keys, mode)
}

// SubscribedKeys snapshots the desired set.
func (c *Client) SubscribedKeys() []string {
	c.subscribedMu.RLock()
	defer c.subscribedMu.RUnlock()
	keys := make([]string, 0, len(c.subscribed))
	for k := range c.subscribed {
		keys = append(keys, k)
	}
	return keys
}

// Close tears the connection down and stops Run.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()
	})
}

// Run connects and maintains the upstream socket until ctx is cancelled or
// the credential turns terminal. Backoff doubles per failed cycle with up to
// 50% jitter and resets after a successful dial.
func (c *Client) Run(ctx context.Context) error {
	go c.senderLoop(ctx)

	backoff := c.cfg.ReconnectBase()
	maxWait := c.cfg.ReconnectCap()
	for {
		select {
		case <-c.closed:
			return nil
		default:
		}

		connected, err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-c.closed:
			return nil
		default:
		}
		if errors.Is(err, ErrAuthInvalid) {
			c.emit(AuthInvalid{})
			return err
		}
		if errors.Is(err, ErrEntitlementDenied) {
			c.emit(EntitlementDenied{Msg: err.Error()})
			return err
		}
		if connected {
			c.emit(Disconnected{Reason: err.Error()})
			backoff = c.cfg.ReconnectBase()
		}
		c.metrics.Reconnects.Inc()

		wait := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		c.logger.Warn("upstream disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > maxWait {
			backoff = maxWait
		}
	}
}

func (c *Client) connectAndRead(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return false, ErrAuthInvalid
			case http.StatusForbidden:
				return false, ErrEntitlementDenied
			}
		}
		return false, fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// The full subscription set goes out before Connected so consumers never
	// observe a live connection with missing subscriptions.
	if err := c.replaySubscriptions(); err != nil {
		return true, fmt.Errorf("replay subscriptions: %w", err)
	}
	c.logger.Info("upstream connected", "url", c.cfg.WSURL)
	c.emit(Connected{})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	decoder := newFrameDecoder(c.cfg.MaxFrameBytes)
	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				switch ce.Code {
				case closeCodeAuthInvalid:
					return true, ErrAuthInvalid
				case closeCodeEntitlementDenied:
					return true, ErrEntitlementDenied
				}
			}
			return true, fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			c.logger.Debug("ignoring non-binary upstream message", "type", msgType)
			continue
		}

		payloads, oversized := decoder.feed(data)
		if oversized > 0 {
			c.metrics.FramesOversized.Add(float64(oversized))
			c.logger.Warn("oversized upstream frames discarded", "count", oversized)
		}
		for _, p := range payloads {
			c.dispatch(p)
		}
	}
}

// dispatch routes one decoded payload by message type.
func (c *Client) dispatch(payload []byte) {
	if len(payload) == 0 {
		c.metrics.FramesMalformed.Inc()
		c.emit(UpstreamError{Kind: ParseError, Msg: "empty payload"})
		return
	}
	switch payload[0] {
	case msgTypeTick:
		kt, err := decodeTick(payload[1:])
		if err != nil {
			c.metrics.FramesMalformed.Inc()
			c.emit(UpstreamError{Kind: ParseError, Msg: err.Error()})
			return
		}
		kt.Tick.RecvTS = time.Now()
		c.metrics.TicksDecoded.Inc()
		if coalesced := c.mailbox.put(kt); coalesced {
			c.metrics.TicksDropped.Inc()
		}
	case msgTypeMarketStatus:
		code, msg, err := decodeMarketStatus(payload[1:])
		if err != nil {
			c.metrics.FramesMalformed.Inc()
			c.emit(UpstreamError{Kind: ParseError, Msg: err.Error()})
			return
		}
		if code == statusClosed {
			c.emit(MarketClosed{Msg: msg})
		} else {
			c.logger.Debug("unhandled market status", "code", code, "msg", msg)
		}
	default:
		c.metrics.FramesUnknown.Inc()
		c.logger.Debug("unknown upstream message type", "type", payload[0])
	}
}

// replaySubscriptions re-sends the desired set, one command per mode.
func (c *Client) replaySubscriptions() error {
	c.subscribedMu.RLock()
	byMode := make(map[types.Mode][]string)
	for k, m := range c.subscribed {
		byMode[m] = append(byMode[m], k)
	}
	c.subscribedMu.RUnlock()

	for mode, keys := range byMode {
		msg := commandMsg{Method: "sub", Data: commandData{InstrumentKeys: keys, Mode: string(mode)}}
		if err := c.writeJSON(msg); err != nil {
			return err
		}
		c.emit(Subscribed{Keys: keys})
	}
	return nil
}

// senderLoop paces queued commands onto the socket. Commands that race a
// reconnect are skipped; the replay covers them.
func (c *Client) senderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case msg := <-c.cmds:
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			if err := c.writeJSON(msg); err != nil {
				c.logger.Debug("command skipped", "method", msg.Method, "error", err)
				continue
			}
			if msg.Method == "sub" {
				c.emit(Subscribed{Keys: msg.Data.InstrumentKeys})
			}
		}
	}
}

func (c *Client) enqueue(msg commandMsg) {
	select {
	case c.cmds <- msg:
	default:
		c.logger.Warn("command queue full, dropping command",
			"method", msg.Method,
			"keys", len(msg.Data.InstrumentKeys),
		)
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage); err != nil {
				c.logger.Debug("upstream ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) writeControl(msgType int) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.conn.WriteControl(msgType, nil, time.Now().Add(writeTimeout))
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// tickMailbox holds the latest unread tick per instrument. put coalesces
// field-wise onto any unread tick for the same key, so a lagging reader sees
// the newest values without breaking per-instrument order.
type tickMailbox struct {
	mu      sync.Mutex
	pending map[string]types.Tick
	order   []string
	notify  chan struct{}
}

func newTickMailbox() *tickMailbox {
	return &tickMailbox{
		pending: make(map[string]types.Tick),
		notify:  make(chan struct{}, 1),
	}
}

// put stores a tick and reports whether it coalesced onto an unread one.
func (m *tickMailbox) put(kt KeyedTick) bool {
	m.mu.Lock()
	prev, exists := m.pending[kt.Key]
	if exists {
		prev.MergeFrom(kt.Tick)
		m.pending[kt.Key] = prev
	} else {
		m.pending[kt.Key] = kt.Tick
		m.order = append(m.order, kt.Key)
	}
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return exists
}

// drain returns unread ticks in arrival order and clears the mailbox.
func (m *tickMailbox) drain() []KeyedTick {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return nil
	}
	out := make([]KeyedTick, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, KeyedTick{Key: k, Tick: m.pending[k]})
		delete(m.pending, k)
	}
	m.order = m.order[:0]
	return out
}
