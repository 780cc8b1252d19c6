package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"optionrelay/internal/analytics"
	"optionrelay/internal/auth"
	"optionrelay/internal/broker"
	"optionrelay/internal/config"
	"optionrelay/internal/metrics"
	"optionrelay/internal/session"
	"optionrelay/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// nullFeed satisfies session.FeedClient without an upstream.
type nullFeed struct {
	events chan broker.Event
	notify chan struct{}
}

func newNullFeed() *nullFeed {
	return &nullFeed{events: make(chan broker.Event, 8), notify: make(chan struct{}, 1)}
}

func (f *nullFeed) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *nullFeed) Events() <-chan broker.Event    { return f.events }
func (f *nullFeed) TickSignal() <-chan struct{}    { return f.notify }
func (f *nullFeed) DrainTicks() []broker.KeyedTick { return nil }
func (f *nullFeed) Subscribe([]string, types.Mode) {}
func (f *nullFeed) Unsubscribe([]string)           {}
func (f *nullFeed) Close()                         {}

type stubChains struct{}

func (stubChains) ChainAround(_, _ string, atm decimal.Decimal, _ int) ([]types.StrikeRow, error) {
	return []types.StrikeRow{{Strike: atm, CallKey: "NSE_FO|C", PutKey: "NSE_FO|P"}}, nil
}

func (stubChains) StepFor(string) (decimal.Decimal, error) {
	return decimal.NewFromInt(100), nil
}

func (stubChains) NearestExpiry(string, time.Time) (string, error) {
	return time.Now().AddDate(0, 0, 7).Format("2006-01-02"), nil
}

type stubCreds struct{}

func (stubCreds) Token(string) (string, error) { return "tok", nil }
func (stubCreds) MarkExpired(string) error     { return nil }

type gatewayRig struct {
	srv      *httptest.Server
	registry *session.Registry
	verifier *auth.Verifier
}

func (r *gatewayRig) wsURL(token string) string {
	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func newGatewayRig(t *testing.T) *gatewayRig {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{JWTSecret: "test-secret"},
		Feed: config.FeedConfig{
			LiveWindowHalfWidth:    2,
			FlushIntervalMs:        50,
			HealthIntervalMs:       1000,
			ATMHysteresisMs:        250,
			ResetDeadlineMs:        5000,
			AnalyticsWorkerCount:   1,
			AnalyticsMinIntervalMs: 1000,
		},
		Sessions: config.SessionsConfig{
			OutboundQueueCap:    64,
			IdleSessionTimeoutS: 1800,
			HeartbeatIntervalS:  30,
			HeartbeatTimeoutS:   30,
		},
		Market: config.MarketConfig{
			Open: "00:00", Close: "23:59", Timezone: "UTC",
			SilenceTimeoutS: 60, ClosedDebounceS: 5,
		},
	}
	clock, err := session.NewMarketClock(cfg.Market)
	if err != nil {
		t.Fatalf("NewMarketClock: %v", err)
	}

	m := metrics.New()
	logger := testLogger()
	factory := func(userID string) (*session.Session, session.Emitter, error) {
		bc := NewBroadcaster(cfg.Sessions, m, logger)
		sess := session.New(userID, cfg, session.Deps{
			Chains:  stubChains{},
			Creds:   stubCreds{},
			NewFeed: func(string) session.FeedClient { return newNullFeed() },
			Pool:    analytics.NewPool(1, logger),
			Clock:   clock,
			Out:     bc,
			Metrics: m,
		}, logger)
		bc.BindSession(sess)
		return sess, bc, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := session.NewRegistry(ctx, factory, cfg.Sessions.IdleTimeout(), m, logger)
	verifier := auth.NewVerifier(cfg.Server.JWTSecret)

	gw := NewServer(cfg.Server, registry, verifier, m, logger)
	srv := httptest.NewServer(gw.srv.Handler)
	t.Cleanup(func() {
		srv.Close()
		registry.CloseAll()
		cancel()
	})
	return &gatewayRig{srv: srv, registry: registry, verifier: verifier}
}

func (r *gatewayRig) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := r.verifier.Issue(userID, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL(token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// awaitFrame reads until a frame of the wanted type arrives, skipping the
// session's periodic FEED_HEALTH noise.
func awaitFrame(t *testing.T, conn *websocket.Conn, wantType string) types.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var f types.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if f.Type == wantType {
			return f
		}
	}
	t.Fatalf("timed out waiting for %s", wantType)
	return types.Frame{}
}

func TestServer_RejectsMissingToken(t *testing.T) {
	t.Parallel()
	rig := newGatewayRig(t)

	resp, err := http.Get(rig.srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServer_RejectsForgedToken(t *testing.T) {
	t.Parallel()
	rig := newGatewayRig(t)

	forged, err := auth.NewVerifier("wrong-secret").Issue("mallory", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	resp, err := http.Get(rig.srv.URL + "/ws?token=" + forged)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServer_HealthEndpoint(t *testing.T) {
	t.Parallel()
	rig := newGatewayRig(t)

	resp, err := http.Get(rig.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()
	rig := newGatewayRig(t)

	resp, err := http.Get(rig.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestGateway_BroadcastReachesEveryTransport(t *testing.T) {
	t.Parallel()
	rig := newGatewayRig(t)

	c1 := rig.dial(t, "alice")
	c2 := rig.dial(t, "alice")

	h, err := rig.registry.Attach("alice")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	bc := h.Emitter.(*Broadcaster)

	deadline := time.Now().Add(2 * time.Second)
	for bc.TransportCount() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bc.TransportCount() != 2 {
		t.Fatalf("transports = %d, want 2", bc.TransportCount())
	}

	bc.Send(types.Frame{Type: types.TypeFeedState, Data: types.FeedStateData{Status: types.StatusLive}})

	for _, conn := range []*websocket.Conn{c1, c2} {
		awaitFrame(t, conn, types.TypeFeedState)
	}
}

func TestGateway_UnknownActionErrorStaysLocal(t *testing.T) {
	t.Parallel()
	rig := newGatewayRig(t)

	c1 := rig.dial(t, "bob")
	c2 := rig.dial(t, "bob")

	h, err := rig.registry.Attach("bob")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	bc := h.Emitter.(*Broadcaster)
	deadline := time.Now().Add(2 * time.Second)
	for bc.TransportCount() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := c1.WriteJSON(types.ClientCommand{Action: "teleport"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	awaitFrame(t, c1, types.TypeError)

	// The sibling transport gets the broadcast but never the local error.
	bc.Send(types.Frame{Type: types.TypeFeedState, Data: types.FeedStateData{Status: types.StatusLive}})
	readDeadline := time.Now().Add(3 * time.Second)
	for {
		c2.SetReadDeadline(readDeadline)
		_, data, err := c2.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var f types.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if f.Type == types.TypeError {
			t.Fatalf("error frame leaked across transports")
		}
		if f.Type == types.TypeFeedState {
			break
		}
	}
}

func TestGateway_MalformedCommandGetsBadRequest(t *testing.T) {
	t.Parallel()
	rig := newGatewayRig(t)

	conn := rig.dial(t, "carol")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := awaitFrame(t, conn, types.TypeError)
	var ed struct {
		Kind string `json:"kind"`
	}
	raw, _ := json.Marshal(f.Data)
	json.Unmarshal(raw, &ed)
	if ed.Kind != "BadRequest" {
		t.Errorf("kind = %q, want BadRequest", ed.Kind)
	}
}

func TestServer_OriginFiltering(t *testing.T) {
	t.Parallel()

	cfg := config.ServerConfig{AllowedOrigins: []string{"https://app.example.com"}}
	s := &Server{cfg: cfg}

	mk := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	if !s.checkOrigin(mk("https://app.example.com")) {
		t.Errorf("allowed origin rejected")
	}
	if s.checkOrigin(mk("https://evil.example.com")) {
		t.Errorf("unlisted origin accepted")
	}
	if !s.checkOrigin(mk("")) {
		t.Errorf("non-browser client without Origin rejected")
	}

	s.cfg.AllowedOrigins = []string{"*"}
	if !s.checkOrigin(mk("https://anything.example.com")) {
		t.Errorf("wildcard origin rejected")
	}
}
