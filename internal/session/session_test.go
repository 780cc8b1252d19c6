package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"optionrelay/internal/analytics"
	"optionrelay/internal/broker"
	"optionrelay/internal/catalog"
	"optionrelay/internal/config"
	"optionrelay/internal/metrics"
	"optionrelay/pkg/types"
)

const testUnderlying = "NSE_INDEX|Nifty 50"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeFeed stands in for the broker client: a controllable mailbox plus an
// event channel, with automatic Subscribed acks so window replacements
// settle deterministically.
type fakeFeed struct {
	mu         sync.Mutex
	subscribed map[string]bool
	unsubbed   map[string]bool
	pending    []broker.KeyedTick
	notify     chan struct{}
	events     chan broker.Event
	autoAck    bool
}

func newFakeFeed(autoAck bool) *fakeFeed {
	return &fakeFeed{
		subscribed: make(map[string]bool),
		unsubbed:   make(map[string]bool),
		notify:     make(chan struct{}, 1),
		events:     make(chan broker.Event, 64),
		autoAck:    autoAck,
	}
}

func (f *fakeFeed) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeFeed) Events() <-chan broker.Event { return f.events }
func (f *fakeFeed) TickSignal() <-chan struct{} { return f.notify }
func (f *fakeFeed) Close()                      {}

func (f *fakeFeed) DrainTicks() []broker.KeyedTick {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out
}

func (f *fakeFeed) Subscribe(keys []string, _ types.Mode) {
	f.mu.Lock()
	for _, k := range keys {
		f.subscribed[k] = true
	}
	f.mu.Unlock()
	if f.autoAck {
		f.events <- broker.Subscribed{Keys: keys}
	}
}

func (f *fakeFeed) Unsubscribe(keys []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.subscribed, k)
		f.unsubbed[k] = true
	}
}

func (f *fakeFeed) isSubscribed(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[key]
}

func (f *fakeFeed) pushTick(key string, tick types.Tick) {
	f.mu.Lock()
	f.pending = append(f.pending, broker.KeyedTick{Key: key, Tick: tick})
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// captureEmitter records every frame the session emits.
type captureEmitter struct {
	mu     sync.Mutex
	frames []types.Frame
}

func (e *captureEmitter) Send(f types.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, f)
}

func (e *captureEmitter) IdleSince() time.Time { return time.Now() }
func (e *captureEmitter) Close()               {}

func (e *captureEmitter) all() []types.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Frame, len(e.frames))
	copy(out, e.frames)
	return out
}

// await polls until a frame matching the predicate appears.
func (e *captureEmitter) await(t *testing.T, what string, match func(types.Frame) bool) types.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range e.all() {
			if match(f) {
				return f
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return types.Frame{}
}

func (e *captureEmitter) count(match func(types.Frame) bool) int {
	n := 0
	for _, f := range e.all() {
		if match(f) {
			n++
		}
	}
	return n
}

// fakeChains serves a synthetic Nifty chain: strikes 20000..28000, step 100.
type fakeChains struct {
	mu  sync.Mutex
	err error
}

func (c *fakeChains) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeChains) ChainAround(_, _ string, atm decimal.Decimal, count int) ([]types.StrikeRow, error) {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	const lo, hi, step = 20000, 28000, 100
	center := int(atm.Div(decimal.NewFromInt(step)).Round(0).IntPart()) * step
	if center < lo {
		center = lo
	}
	if center > hi {
		center = hi
	}
	from := center - count*step
	if from < lo {
		from = lo
	}
	to := center + count*step
	if to > hi {
		to = hi
	}

	var rows []types.StrikeRow
	for s := from; s <= to; s += step {
		rows = append(rows, types.StrikeRow{
			Strike:  decimal.NewFromInt(int64(s)),
			CallKey: callKey(s),
			PutKey:  putKey(s),
			LotSize: 75,
		})
	}
	return rows, nil
}

func (c *fakeChains) StepFor(string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return decimal.Zero, c.err
	}
	return decimal.NewFromInt(100), nil
}

func (c *fakeChains) NearestExpiry(string, time.Time) (string, error) {
	return time.Now().AddDate(0, 0, 30).Format("2006-01-02"), nil
}

func callKey(strike int) string { return fmt.Sprintf("NSE_FO|NIFTY-CE-%d", strike) }
func putKey(strike int) string  { return fmt.Sprintf("NSE_FO|NIFTY-PE-%d", strike) }

// fakeCreds always has a valid token and records expirations.
type fakeCreds struct {
	mu      sync.Mutex
	expired []string
}

func (c *fakeCreds) Token(string) (string, error) { return "tok-1", nil }

func (c *fakeCreds) MarkExpired(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expired = append(c.expired, userID)
	return nil
}

func (c *fakeCreds) expiredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expired)
}

type testRig struct {
	sess   *Session
	feed   *fakeFeed
	out    *captureEmitter
	chains *fakeChains
	creds  *fakeCreds
}

func newTestRig(t *testing.T, mutate func(*config.Config)) *testRig {
	t.Helper()

	cfg := &config.Config{
		Feed: config.FeedConfig{
			LiveWindowHalfWidth:    2,
			FlushIntervalMs:        10,
			HealthIntervalMs:       25,
			ATMHysteresisMs:        1,
			ResetDeadlineMs:        1000,
			AnalyticsWorkerCount:   1,
			AnalyticsMinIntervalMs: 1000,
			RiskFreeRate:           0.065,
		},
		Market: config.MarketConfig{
			Open:            "00:00",
			Close:           "23:59",
			Timezone:        "UTC",
			SilenceTimeoutS: 60,
			ClosedDebounceS: 5,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	clock, err := NewMarketClock(cfg.Market)
	if err != nil {
		t.Fatalf("NewMarketClock: %v", err)
	}

	rig := &testRig{
		feed:   newFakeFeed(true),
		out:    &captureEmitter{},
		chains: &fakeChains{},
		creds:  &fakeCreds{},
	}
	rig.sess = New("user-1", cfg, Deps{
		Chains:  rig.chains,
		Creds:   rig.creds,
		NewFeed: func(string) FeedClient { return rig.feed },
		Pool:    analytics.NewPool(1, testLogger()),
		Clock:   clock,
		Out:     rig.out,
		Metrics: metrics.New(),
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rig.sess.Run(ctx)
	return rig
}

// goLive drives the session through a fresh switch to LIVE at the given spot.
func (r *testRig) goLive(t *testing.T, spot int64) {
	t.Helper()
	r.sess.Dispatch(types.ClientCommand{Action: types.ActionSwitchUnderlying, UnderlyingKey: testUnderlying})
	r.out.await(t, "FEED_STATE RESETTING", isFeedState(types.StatusResetting))
	r.feed.pushTick(testUnderlying, types.Tick{Ltp: types.DecPtr(fmt.Sprint(spot)), Seq: 1})
	r.out.await(t, "FEED_STATE LIVE", isFeedState(types.StatusLive))
}

func isFeedState(status types.FeedStatus) func(types.Frame) bool {
	return func(f types.Frame) bool {
		d, ok := f.Data.(types.FeedStateData)
		return f.Type == types.TypeFeedState && ok && d.Status == status
	}
}

func updateWith(key string) func(types.Frame) bool {
	return func(f types.Frame) bool {
		d, ok := f.Data.(types.MarketUpdateData)
		if f.Type != types.TypeMarketUpdate || !ok {
			return false
		}
		_, present := d[key]
		return present
	}
}

func TestSession_FreshSwitchGoesLive(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil)

	rig.sess.Dispatch(types.ClientCommand{Action: types.ActionSwitchUnderlying, UnderlyingKey: testUnderlying})

	resetting := rig.out.await(t, "FEED_STATE RESETTING", isFeedState(types.StatusResetting))
	if d := resetting.Data.(types.FeedStateData); len(d.LiveStrikes) != 0 {
		t.Errorf("RESETTING live_strikes = %v, want empty", d.LiveStrikes)
	}
	if !rig.feed.isSubscribed(testUnderlying) {
		t.Fatalf("underlying not subscribed after switch")
	}

	rig.feed.pushTick(testUnderlying, types.Tick{Ltp: types.DecPtr("23500"), Seq: 1})

	live := rig.out.await(t, "FEED_STATE LIVE", isFeedState(types.StatusLive))
	d := live.Data.(types.FeedStateData)
	if d.CurrentATM != 23500 {
		t.Errorf("current_atm = %v, want 23500", d.CurrentATM)
	}
	if d.Version != 1 {
		t.Errorf("version = %d, want 1", d.Version)
	}
	want := []float64{23300, 23400, 23500, 23600, 23700}
	if len(d.LiveStrikes) != len(want) {
		t.Fatalf("live_strikes = %v, want %v", d.LiveStrikes, want)
	}
	for i, s := range want {
		if d.LiveStrikes[i] != s {
			t.Errorf("live_strikes[%d] = %v, want %v", i, d.LiveStrikes[i], s)
		}
	}
	if !rig.feed.isSubscribed(callKey(23500)) || !rig.feed.isSubscribed(putKey(23300)) {
		t.Errorf("window legs not subscribed")
	}

	// The underlying and at least one option show up in updates.
	rig.feed.pushTick(callKey(23500), types.Tick{Ltp: types.DecPtr("142.5"), Seq: 1})
	rig.out.await(t, "MARKET_UPDATE with underlying", updateWith(testUnderlying))
	rig.out.await(t, "MARKET_UPDATE with option", updateWith(callKey(23500)))
}

func TestSession_FeedStateVersionPrecedesNewStrikes(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil)
	rig.goLive(t, 23500)

	// Drift the spot to 23612: two qualifying ticks past the hysteresis gap.
	rig.feed.pushTick(testUnderlying, types.Tick{Ltp: types.DecPtr("23608"), Seq: 2})
	time.Sleep(10 * time.Millisecond)
	rig.feed.pushTick(testUnderlying, types.Tick{Ltp: types.DecPtr("23612"), Seq: 3})
	time.Sleep(10 * time.Millisecond)
	rig.feed.pushTick(testUnderlying, types.Tick{Ltp: types.DecPtr("23615"), Seq: 4})

	live2 := rig.out.await(t, "FEED_STATE v2", func(f types.Frame) bool {
		d, ok := f.Data.(types.FeedStateData)
		return f.Type == types.TypeFeedState && ok && d.Status == types.StatusLive && d.Version == 2
	})
	d := live2.Data.(types.FeedStateData)
	if d.CurrentATM != 23600 {
		t.Errorf("rebuilt atm = %v, want 23600", d.CurrentATM)
	}
	if d.LiveStrikes[0] != 23400 || d.LiveStrikes[len(d.LiveStrikes)-1] != 23800 {
		t.Errorf("rebuilt strikes = %v, want 23400..23800", d.LiveStrikes)
	}

	// Exactly one rebuild.
	if n := rig.out.count(func(f types.Frame) bool {
		fd, ok := f.Data.(types.FeedStateData)
		return f.Type == types.TypeFeedState && ok && fd.Status == types.StatusLive && fd.Version > 2
	}); n != 0 {
		t.Errorf("unexpected additional rebuilds: %d", n)
	}

	// A tick for the newly added strike flushes only after FEED_STATE v2.
	newKey := callKey(23800)
	rig.feed.pushTick(newKey, types.Tick{Ltp: types.DecPtr("12.4"), Seq: 1})
	rig.out.await(t, "MARKET_UPDATE with new strike", updateWith(newKey))

	frames := rig.out.all()
	liveIdx, updIdx := -1, -1
	for i, f := range frames {
		if liveIdx < 0 {
			if fd, ok := f.Data.(types.FeedStateData); ok && fd.Status == types.StatusLive && fd.Version == 2 {
				liveIdx = i
			}
		}
		if updIdx < 0 && updateWith(newKey)(f) {
			updIdx = i
		}
	}
	if liveIdx < 0 || updIdx < 0 || liveIdx > updIdx {
		t.Errorf("FEED_STATE v2 at %d does not precede first new-strike update at %d", liveIdx, updIdx)
	}

	// The strike dropped by the rebuild never broadcasts again, even though
	// its state survives the first miss.
	droppedKey := callKey(23300)
	rig.feed.pushTick(droppedKey, types.Tick{Ltp: types.DecPtr("310"), Seq: 5})
	rig.feed.pushTick(callKey(23600), types.Tick{Ltp: types.DecPtr("98"), Seq: 1})
	rig.out.await(t, "MARKET_UPDATE with surviving strike", updateWith(callKey(23600)))
	if n := rig.out.count(updateWith(droppedKey)); n != 0 {
		t.Errorf("dropped strike %s appeared in %d updates after rebuild", droppedKey, n)
	}
}

func TestSession_SequenceRegressionDiscarded(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil)
	rig.goLive(t, 23500)

	key := callKey(23500)
	for _, tc := range []struct {
		seq uint64
		ltp string
	}{
		{10, "100"}, {11, "101"}, {9, "999"}, {12, "102"},
	} {
		rig.feed.pushTick(key, types.Tick{Ltp: types.DecPtr(tc.ltp), Seq: tc.seq})
	}

	deadline := time.Now().Add(2 * time.Second)
	for rig.sess.states.Seq(key) != 12 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	merged, ok := rig.sess.states.Get(key)
	if !ok {
		t.Fatalf("no state for %s", key)
	}
	if merged.Seq != 12 {
		t.Fatalf("seq = %d, want 12", merged.Seq)
	}
	if merged.Ltp == nil || !merged.Ltp.Equal(decimal.RequireFromString("102")) {
		t.Errorf("ltp = %v, want 102 (seq 9 replay must be discarded)", merged.Ltp)
	}

	// The replayed value never reaches a broadcast.
	for _, f := range rig.out.all() {
		d, ok := f.Data.(types.MarketUpdateData)
		if !ok {
			continue
		}
		if p, present := d[key]; present && p.Ltp != nil && p.Ltp.Equal(decimal.RequireFromString("999")) {
			t.Errorf("stale ltp 999 from seq 9 was broadcast")
		}
	}
}

func TestSession_LtpStickyAgainstZero(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil)
	rig.goLive(t, 23500)

	key := callKey(23400)
	rig.feed.pushTick(key, types.Tick{Ltp: types.DecPtr("55.5"), Seq: 1})
	rig.feed.pushTick(key, types.Tick{Ltp: types.DecPtr("0"), Volume: types.Int64Ptr(9000), Seq: 2})

	deadline := time.Now().Add(2 * time.Second)
	for rig.sess.states.Seq(key) != 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	merged, _ := rig.sess.states.Get(key)
	if merged.Ltp == nil || !merged.Ltp.Equal(decimal.RequireFromString("55.5")) {
		t.Errorf("ltp = %v, want sticky 55.5 after zero-ltp tick", merged.Ltp)
	}
	if merged.Volume == nil || *merged.Volume != 9000 {
		t.Errorf("volume = %v, want 9000 (other fields still merge)", merged.Volume)
	}
}

func TestSession_SpotInjectedEveryFlush(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil)
	rig.goLive(t, 23500)

	// No further underlying ticks: the spot must still ride every flush.
	time.Sleep(60 * time.Millisecond)
	n := rig.out.count(func(f types.Frame) bool {
		d, ok := f.Data.(types.MarketUpdateData)
		if !ok {
			return false
		}
		p, present := d[testUnderlying]
		return present && p.Ltp != nil && p.Synthetic
	})
	if n < 2 {
		t.Errorf("synthetic spot injections = %d, want >= 2 across idle flushes", n)
	}
}

func TestSession_SwitchIdempotent(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil)
	rig.goLive(t, 23500)

	rig.sess.Dispatch(types.ClientCommand{Action: types.ActionSwitchUnderlying, UnderlyingKey: testUnderlying})
	time.Sleep(30 * time.Millisecond)

	frames := rig.out.all()
	var last types.FeedStateData
	for _, f := range frames {
		if d, ok := f.Data.(types.FeedStateData); ok && d.Status == types.StatusLive {
			last = d
		}
	}
	if last.CurrentATM != 23500 || len(last.LiveStrikes) != 5 {
		t.Errorf("repeat switch changed the window: atm=%v strikes=%v", last.CurrentATM, last.LiveStrikes)
	}
}

func TestSession_AuthInvalidIsTerminal(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil)
	rig.goLive(t, 23500)

	rig.feed.events <- broker.AuthInvalid{}

	rig.out.await(t, "ERROR Broker Token Invalid", func(f types.Frame) bool {
		d, ok := f.Data.(types.ErrorData)
		return f.Type == types.TypeError && ok && d.Kind == "Broker Token Invalid"
	})
	rig.out.await(t, "FEED_HEALTH UNAVAILABLE", func(f types.Frame) bool {
		d, ok := f.Data.(types.FeedHealthData)
		return f.Type == types.TypeFeedHealth && ok && d.State == types.StatusUnavailable
	})
	if rig.creds.expiredCount() != 1 {
		t.Errorf("credential expirations = %d, want 1", rig.creds.expiredCount())
	}

	// No further market updates once unavailable.
	before := rig.out.count(func(f types.Frame) bool { return f.Type == types.TypeMarketUpdate })
	rig.feed.pushTick(callKey(23500), types.Tick{Ltp: types.DecPtr("140"), Seq: 99})
	time.Sleep(40 * time.Millisecond)
	after := rig.out.count(func(f types.Frame) bool { return f.Type == types.TypeMarketUpdate })
	if after != before {
		t.Errorf("market updates continued after auth failure: %d -> %d", before, after)
	}
}

func TestSession_EntitlementDeniedEmitsFeedUnavailable(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil)
	rig.goLive(t, 23500)

	rig.feed.events <- broker.EntitlementDenied{Msg: "no market data entitlement"}

	f := rig.out.await(t, "FEED_UNAVAILABLE", func(f types.Frame) bool {
		return f.Type == types.TypeFeedUnavailable
	})
	if d := f.Data.(types.FeedUnavailableData); d.Msg != "no market data entitlement" {
		t.Errorf("msg = %q", d.Msg)
	}
}

func TestSession_MarketClosedDebounced(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil)
	rig.goLive(t, 23500)

	rig.feed.events <- broker.MarketClosed{Msg: "normal close"}
	rig.feed.events <- broker.MarketClosed{Msg: "normal close"}

	rig.out.await(t, "MARKET_STATUS CLOSED", func(f types.Frame) bool {
		return f.Type == types.TypeMarketStatus
	})
	rig.out.await(t, "FEED_HEALTH CLOSED", func(f types.Frame) bool {
		d, ok := f.Data.(types.FeedHealthData)
		return f.Type == types.TypeFeedHealth && ok && d.State == types.StatusMarketClosed
	})
	if n := rig.out.count(func(f types.Frame) bool { return f.Type == types.TypeMarketStatus }); n != 1 {
		t.Errorf("MARKET_STATUS emitted %d times, want 1 (debounced)", n)
	}

	// The feed is frozen: no updates after close.
	before := rig.out.count(func(f types.Frame) bool { return f.Type == types.TypeMarketUpdate })
	rig.feed.pushTick(callKey(23500), types.Tick{Ltp: types.DecPtr("140"), Seq: 50})
	time.Sleep(40 * time.Millisecond)
	after := rig.out.count(func(f types.Frame) bool { return f.Type == types.TypeMarketUpdate })
	if after != before {
		t.Errorf("market updates continued after close: %d -> %d", before, after)
	}
}

func TestSession_SwitchUnderlyingDropsOldIndex(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil)
	rig.goLive(t, 23500)

	const other = "NSE_INDEX|Nifty Bank"
	rig.sess.Dispatch(types.ClientCommand{Action: types.ActionSwitchUnderlying, UnderlyingKey: other})

	rig.out.await(t, "FEED_STATE RESETTING for new underlying", func(f types.Frame) bool {
		d, ok := f.Data.(types.FeedStateData)
		return f.Type == types.TypeFeedState && ok && d.Status == types.StatusResetting && d.Underlying == other
	})
	rig.feed.pushTick(other, types.Tick{Ltp: types.DecPtr("24000"), Seq: 1})
	rig.out.await(t, "FEED_STATE LIVE on new underlying", func(f types.Frame) bool {
		d, ok := f.Data.(types.FeedStateData)
		return f.Type == types.TypeFeedState && ok && d.Status == types.StatusLive && d.Underlying == other
	})

	// The subscribed set is exactly the new index plus its window legs.
	if rig.feed.isSubscribed(testUnderlying) {
		t.Errorf("old underlying %q still subscribed after the switch", testUnderlying)
	}
	if !rig.feed.isSubscribed(other) {
		t.Errorf("new underlying %q not subscribed", other)
	}
	if rig.feed.isSubscribed(callKey(23500)) {
		t.Errorf("old window leg still subscribed after the switch")
	}
	if !rig.feed.isSubscribed(callKey(24000)) {
		t.Errorf("new window leg not subscribed")
	}
}

func TestSession_MarketClosedOncePerTransition(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Market.ClosedDebounceS = 1
	})
	rig.goLive(t, 23500)

	rig.feed.events <- broker.MarketClosed{Msg: "normal close"}
	rig.out.await(t, "MARKET_STATUS CLOSED", func(f types.Frame) bool {
		return f.Type == types.TypeMarketStatus
	})

	// A re-sent close notice after the debounce window (e.g. replayed on a
	// reconnect cycle) must not announce the same transition again.
	time.Sleep(1200 * time.Millisecond)
	rig.feed.events <- broker.MarketClosed{Msg: "normal close"}
	time.Sleep(50 * time.Millisecond)

	if n := rig.out.count(func(f types.Frame) bool { return f.Type == types.TypeMarketStatus }); n != 1 {
		t.Errorf("MARKET_STATUS emitted %d times for one CLOSED transition, want 1", n)
	}
}

func TestSession_CatalogUnavailableRejectsSwitch(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil)
	rig.chains.setErr(catalog.ErrCatalogUnavailable)

	rig.sess.Dispatch(types.ClientCommand{Action: types.ActionSwitchUnderlying, UnderlyingKey: testUnderlying})

	rig.out.await(t, "ERROR CatalogUnavailable", func(f types.Frame) bool {
		d, ok := f.Data.(types.ErrorData)
		return f.Type == types.TypeError && ok && d.Kind == "CatalogUnavailable"
	})
	// The session never left DISCONNECTED.
	rig.out.await(t, "FEED_HEALTH DISCONNECTED", func(f types.Frame) bool {
		d, ok := f.Data.(types.FeedHealthData)
		return f.Type == types.TypeFeedHealth && ok && d.State == types.StatusDisconnected
	})
}

func TestSession_SimulatedQuotesForIlliquidStrike(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Feed.SimulateQuotes = true
		cfg.Feed.SimulatedSpreadBps = 100
	})
	rig.goLive(t, 23500)

	key := putKey(23700)
	rig.feed.pushTick(key, types.Tick{Ltp: types.DecPtr("200"), Seq: 1})

	f := rig.out.await(t, "update with simulated quotes", func(f types.Frame) bool {
		d, ok := f.Data.(types.MarketUpdateData)
		if !ok {
			return false
		}
		p, present := d[key]
		return present && p.Bid != nil && p.Ask != nil
	})
	p := f.Data.(types.MarketUpdateData)[key]
	// 100 bps total spread on 200 = 1.00 each side.
	if !p.Bid.Equal(decimal.RequireFromString("199")) || !p.Ask.Equal(decimal.RequireFromString("201")) {
		t.Errorf("simulated quotes bid=%v ask=%v, want 199/201", p.Bid, p.Ask)
	}
	merged, _ := rig.sess.states.Get(key)
	if !merged.BidSimulated || !merged.AskSimulated {
		t.Errorf("simulated flags not set on state")
	}
}

func TestSession_DerivesGreeksWhenUpstreamOmits(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil)
	rig.goLive(t, 23500)

	key := callKey(23500)
	rig.feed.pushTick(key, types.Tick{Ltp: types.DecPtr("350"), Seq: 1})

	f := rig.out.await(t, "update with derived greeks", func(f types.Frame) bool {
		d, ok := f.Data.(types.MarketUpdateData)
		if !ok {
			return false
		}
		p, present := d[key]
		return present && p.IV != nil && p.Delta != nil
	})
	p := f.Data.(types.MarketUpdateData)[key]
	if *p.IV <= 0 || *p.Delta <= 0 || *p.Delta >= 1 {
		t.Errorf("derived iv=%v delta=%v out of range for an ATM call", *p.IV, *p.Delta)
	}
}

func TestSession_ReconnectPairEmitted(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil)
	rig.goLive(t, 23500)

	rig.feed.events <- broker.Disconnected{Reason: "read: connection reset"}
	rig.out.await(t, "UPSTOX_FEED_DISCONNECTED", func(f types.Frame) bool {
		return f.Type == types.TypeFeedDisconnected
	})

	rig.feed.events <- broker.Connected{}
	rig.out.await(t, "UPSTOX_FEED_CONNECTED", func(f types.Frame) bool {
		return f.Type == types.TypeFeedConnected
	})
	// Back live with the same window after the replayed subscriptions.
	rig.out.await(t, "FEED_HEALTH LIVE after reconnect", func(f types.Frame) bool {
		d, ok := f.Data.(types.FeedHealthData)
		return f.Type == types.TypeFeedHealth && ok && d.State == types.StatusLive
	})
}

func TestSession_UnknownActionReturnsError(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil)

	rig.sess.Dispatch(types.ClientCommand{Action: "teleport"})
	rig.out.await(t, "ERROR UnknownAction", func(f types.Frame) bool {
		d, ok := f.Data.(types.ErrorData)
		return f.Type == types.TypeError && ok && d.Kind == "UnknownAction"
	})
}

func TestSession_AdvisorySubscribeAcked(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil)
	rig.goLive(t, 23500)

	rig.sess.Dispatch(types.ClientCommand{Action: types.ActionSubscribe, Keys: []string{"NSE_FO|whatever"}})
	f := rig.out.await(t, "SUBSCRIPTION_ACK", func(f types.Frame) bool {
		return f.Type == types.TypeSubscriptionAck
	})
	d := f.Data.(types.SubscriptionAckData)
	// 5 strikes x 2 legs + the underlying.
	if d.Count != 11 {
		t.Errorf("ack count = %d, want 11", d.Count)
	}
	if d.Underlying != testUnderlying {
		t.Errorf("ack underlying = %q", d.Underlying)
	}
	// Advisory keys never reach the broker.
	if rig.feed.isSubscribed("NSE_FO|whatever") {
		t.Errorf("advisory key was subscribed upstream")
	}
}
