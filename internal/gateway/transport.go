package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"optionrelay/internal/metrics"
	"optionrelay/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8 * 1024 // inbound commands are tiny
)

// transport is one connected client WebSocket: a bounded outbound frame
// queue plus read/write pumps. Heartbeats run here: a ping every interval,
// and the connection closes when no pong arrives within the timeout.
type transport struct {
	id    string
	conn  *websocket.Conn
	queue *frameQueue

	pingEvery time.Duration
	pongWait  time.Duration

	onCommand  func(types.ClientCommand)
	onActivity func()
	onClose    func(*transport)

	metrics   *metrics.Relay
	logger    *slog.Logger
	closeOnce sync.Once
}

func newTransport(
	conn *websocket.Conn,
	queueCap int,
	pingEvery, pongWait time.Duration,
	onCommand func(types.ClientCommand),
	onActivity func(),
	onClose func(*transport),
	m *metrics.Relay,
	logger *slog.Logger,
) *transport {
	id := uuid.NewString()
	return &transport{
		id:         id,
		conn:       conn,
		queue:      newFrameQueue(queueCap),
		pingEvery:  pingEvery,
		pongWait:   pongWait,
		onCommand:  onCommand,
		onActivity: onActivity,
		onClose:    onClose,
		metrics:    m,
		logger:     logger.With("transport", id),
	}
}

// start launches both pumps.
func (t *transport) start() {
	go t.writePump()
	go t.readPump()
}

// push enqueues an outbound frame under the overflow policy.
func (t *transport) push(f types.Frame) {
	if t.queue.push(f) {
		t.metrics.ClientFramesDropped.Inc()
	}
}

// close shuts the transport down. Idempotent; both pumps funnel through it.
// A backlog at close time means the client could not keep up with the feed.
func (t *transport) close() {
	t.closeOnce.Do(func() {
		if t.queue.len() > 0 {
			t.metrics.SlowTransportCloses.Inc()
		}
		t.queue.close()
		t.conn.Close()
		if t.onClose != nil {
			t.onClose(t)
		}
	})
}

// writePump drains the frame queue onto the socket and keeps the heartbeat
// going.
func (t *transport) writePump() {
	ticker := time.NewTicker(t.pingEvery)
	defer func() {
		ticker.Stop()
		t.close()
	}()

	for {
		select {
		case _, open := <-t.queue.wait():
			for {
				f, ok := t.queue.pop()
				if !ok {
					break
				}
				data, err := json.Marshal(f)
				if err != nil {
					t.logger.Error("frame marshal failed", "type", f.Type, "error", err)
					continue
				}
				t.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
				t.metrics.ClientFramesSent.Inc()
			}
			if !open {
				t.conn.SetWriteDeadline(time.Now().Add(writeWait))
				t.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump parses inbound client commands. Unknown actions get an ERROR on
// this transport only; valid commands go to the session.
func (t *transport) readPump() {
	defer t.close()

	t.conn.SetReadLimit(maxMessageSize)
	t.conn.SetReadDeadline(time.Now().Add(t.pingEvery + t.pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(t.pingEvery + t.pongWait))
		if t.onActivity != nil {
			t.onActivity()
		}
		return nil
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Debug("transport read failed", "error", err)
			}
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(t.pingEvery + t.pongWait))
		if t.onActivity != nil {
			t.onActivity()
		}

		var cmd types.ClientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			t.push(types.Frame{Type: types.TypeError, Data: types.ErrorData{
				Kind: "BadRequest",
				Msg:  "command is not valid JSON",
			}})
			continue
		}
		if !knownAction(cmd.Action) {
			t.push(types.Frame{Type: types.TypeError, Data: types.ErrorData{
				Kind: "UnknownAction",
				Msg:  "unsupported action " + cmd.Action,
			}})
			continue
		}
		if t.onCommand != nil {
			t.onCommand(cmd)
		}
	}
}

func knownAction(action string) bool {
	switch action {
	case types.ActionSwitchUnderlying, types.ActionSwitchExpiry,
		types.ActionSubscribe, types.ActionUnsubscribe, types.ActionPing:
		return true
	}
	return false
}
