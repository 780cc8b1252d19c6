// Package session implements the per-user feed session: the state machine
// that binds one user to a live market view.
//
// A session owns its upstream broker connection, the authoritative
// live-strike window around the ATM, per-instrument sequence discipline, and
// the coalescing update buffer. Everything mutable is owned by the single
// Run goroutine; the only other writers in the system are the analytics
// workers, whose results come back over a channel and are merged here.
//
// Per-loop flow:
//  1. Client commands (switch underlying/expiry, advisory subscribes) arrive
//     on a bounded channel and drive the subscription lifecycle.
//  2. Upstream ticks are drained from the broker mailbox, sequence-checked,
//     merged field-wise into state, and staged in the update buffer.
//  3. Underlying ticks feed the ATM tracker; a confirmed shift rebuilds the
//     window under a single-flight reset lock.
//  4. Option ticks missing IV or Greeks are sent to the analytics pool, at
//     most once per instrument per interval; results merge back under the
//     same sequence discipline.
//  5. A flush timer batches the buffer into one MARKET_UPDATE per interval,
//     always re-injecting the spot; a health timer reports at 1 Hz.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"optionrelay/internal/analytics"
	"optionrelay/internal/auth"
	"optionrelay/internal/broker"
	"optionrelay/internal/catalog"
	"optionrelay/internal/config"
	"optionrelay/internal/metrics"
	"optionrelay/pkg/types"
)

const (
	commandQueueSize  = 16
	settleFallback    = 500 * time.Millisecond
	deriveDeadline    = 50 * time.Millisecond
	pendingMaxAge     = 15 * time.Second
	pendingMaxRetries = 3
)

// FeedClient is the upstream connection a session drives. Implemented by
// broker.Client; tests substitute a fake.
type FeedClient interface {
	Run(ctx context.Context) error
	Events() <-chan broker.Event
	TickSignal() <-chan struct{}
	DrainTicks() []broker.KeyedTick
	Subscribe(keys []string, mode types.Mode)
	Unsubscribe(keys []string)
	Close()
}

// FeedFactory builds a FeedClient for a bearer token. The session creates
// its client lazily on the first switch, once a credential is known good.
type FeedFactory func(token string) FeedClient

// ChainSource is the read-only option-chain oracle. Implemented by
// catalog.Catalog.
type ChainSource interface {
	ChainAround(underlying, expiry string, atm decimal.Decimal, count int) ([]types.StrikeRow, error)
	StepFor(underlying string) (decimal.Decimal, error)
	NearestExpiry(underlying string, notBefore time.Time) (string, error)
}

// CredentialSource supplies and invalidates broker tokens. Implemented by
// auth.CredentialStore.
type CredentialSource interface {
	Token(userID string) (string, error)
	MarkExpired(userID string) error
}

// Emitter fans frames out to the user's connected transports. Implemented by
// gateway.Broadcaster.
type Emitter interface {
	Send(frame types.Frame)
	IdleSince() time.Time
	Close()
}

// Deps are the collaborators a session needs.
type Deps struct {
	Chains  ChainSource
	Creds   CredentialSource
	NewFeed FeedFactory
	Pool    *analytics.Pool
	Clock   *MarketClock
	Out     Emitter
	Metrics *metrics.Relay
}

// pendingSwitch is a switch waiting for the first underlying tick (the spot
// is needed to center the window). It expires rather than lingering.
type pendingSwitch struct {
	underlying string
	expiry     string
	requested  []string
	enqueuedAt time.Time
	retries    int
}

// settleState tracks a window replacement between the subscribe commands
// going out and the new window becoming authoritative. The replacement
// settles on the subscription ack, the first tick for an added key, or the
// fallback timer, whichever comes first.
type settleState struct {
	window  *liveWindow
	added   map[string]struct{}
	timer   *time.Timer
	rebuild bool
}

// Session is the per-user feed state machine.
type Session struct {
	userID  string
	feedCfg config.FeedConfig
	mktCfg  config.MarketConfig

	chains  ChainSource
	creds   CredentialSource
	newFeed FeedFactory
	pool    *analytics.Pool
	clock   *MarketClock
	out     Emitter
	metrics *metrics.Relay
	logger  *slog.Logger

	commands chan types.ClientCommand

	// Owned by the Run goroutine.
	status     types.FeedStatus
	feed       FeedClient
	underlying string
	expiry     string
	expiryAt   time.Time
	step       decimal.Decimal
	window     *liveWindow
	version    int
	states     *stateTable
	buffer     *updateBuffer
	atm        *atmTracker

	spotLtp decimal.Decimal
	spotSeq uint64

	pending       *pendingSwitch
	settle        *settleState
	resetDeadline *time.Timer
	resetLocked   bool
	coalescedATM  decimal.Decimal
	hasCoalesced  bool

	lastUpstream   time.Time
	lastClosedEmit time.Time
}

// New creates a session for one user. Run must be started for the session to
// make progress.
func New(userID string, cfg *config.Config, deps Deps, logger *slog.Logger) *Session {
	return &Session{
		userID:   userID,
		feedCfg:  cfg.Feed,
		mktCfg:   cfg.Market,
		chains:   deps.Chains,
		creds:    deps.Creds,
		newFeed:  deps.NewFeed,
		pool:     deps.Pool,
		clock:    deps.Clock,
		out:      deps.Out,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "session", "user", userID),
		commands: make(chan types.ClientCommand, commandQueueSize),
		status:   types.StatusDisconnected,
		states:   newStateTable(),
		buffer:   newUpdateBuffer(),
		atm:      newATMTracker(cfg.Feed.ATMHysteresis()),
	}
}

// Dispatch hands a client command to the session loop without blocking.
// Transports call this from their read pumps; a full queue sheds the command.
func (s *Session) Dispatch(cmd types.ClientCommand) {
	select {
	case s.commands <- cmd:
	default:
		s.logger.Warn("command queue full, dropping command", "action", cmd.Action)
	}
}

// Run is the session loop. Blocks until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	flush := time.NewTicker(s.feedCfg.FlushInterval())
	health := time.NewTicker(s.feedCfg.HealthInterval())
	defer flush.Stop()
	defer health.Stop()
	defer s.pool.Close()
	defer s.closeFeed()

	s.logger.Info("session started")
	for {
		// The feed channels are nil until the first switch creates the
		// client; a nil channel parks its select case.
		var events <-chan broker.Event
		var ticks <-chan struct{}
		if s.feed != nil {
			events = s.feed.Events()
			ticks = s.feed.TickSignal()
		}

		select {
		case <-ctx.Done():
			s.logger.Info("session stopped")
			return

		case cmd := <-s.commands:
			s.handleCommand(ctx, cmd)

		case ev := <-events:
			s.handleFeedEvent(ev)

		case <-ticks:
			s.ingest()

		case out := <-s.pool.Results():
			s.mergeDerived(out)

		case <-flush.C:
			s.flush()

		case <-health.C:
			s.health()

		case <-s.settleTimerC():
			s.finalizeWindow()

		case <-s.resetDeadlineC():
			s.switchDeadlineExpired()
		}
	}
}

func (s *Session) settleTimerC() <-chan time.Time {
	if s.settle == nil || s.settle.timer == nil {
		return nil
	}
	return s.settle.timer.C
}

func (s *Session) resetDeadlineC() <-chan time.Time {
	if s.resetDeadline == nil {
		return nil
	}
	return s.resetDeadline.C
}

func (s *Session) closeFeed() {
	if s.feed != nil {
		s.feed.Close()
		s.feed = nil
	}
}

// ----------------------------------------------------------------------
// Client commands
// ----------------------------------------------------------------------

func (s *Session) handleCommand(ctx context.Context, cmd types.ClientCommand) {
	switch cmd.Action {
	case types.ActionSwitchUnderlying:
		if len(cmd.Keys) > 0 {
			// Advisory only: the backend shapes subscriptions from its own
			// window.
			s.logger.Debug("client advisory keys ignored", "count", len(cmd.Keys))
		}
		s.switchTo(ctx, cmd.UnderlyingKey, cmd.ExpiryDate, cmd.Keys)

	case types.ActionSwitchExpiry:
		if s.underlying == "" {
			s.emitError("NoUnderlying", "switch_expiry before any underlying is active")
			return
		}
		s.switchTo(ctx, s.underlying, cmd.ExpiryDate, nil)

	case types.ActionSubscribe, types.ActionUnsubscribe:
		count := 0
		if s.window != nil {
			count = len(s.window.Keys) + 1
		}
		s.out.Send(types.Frame{Type: types.TypeSubscriptionAck, Data: types.SubscriptionAckData{
			Count:      count,
			Underlying: s.underlying,
		}})

	case types.ActionPing:
		// Activity is tracked at the transport; nothing to do here.

	default:
		s.emitError("UnknownAction", "unsupported action "+cmd.Action)
	}
}

// switchTo replaces the active underlying/expiry. The window itself is built
// on the first underlying tick, since the spot is needed to center it.
func (s *Session) switchTo(ctx context.Context, underlying, expiry string, requested []string) {
	underlying = types.CanonicalKey(underlying)
	if underlying == "" {
		s.emitError("UnknownInstrument", "switch without an underlying key")
		return
	}

	step, err := s.chains.StepFor(underlying)
	if err != nil {
		s.emitCatalogError(err)
		return
	}
	if expiry == "" {
		expiry, err = s.chains.NearestExpiry(underlying, time.Now())
		if err != nil {
			s.emitCatalogError(err)
			return
		}
	}
	expiryAt, err := s.clock.ExpiryTime(expiry)
	if err != nil {
		s.emitError("InvalidExpiry", err.Error())
		return
	}

	// A switch identical to the active view is a no-op: re-advertise the
	// current window instead of tearing it down.
	if s.status == types.StatusLive && s.window != nil &&
		underlying == s.underlying && expiry == s.expiry {
		s.emitFeedState(types.StatusLive, s.window.ATM, s.window.StrikeFloats())
		return
	}

	if s.feed == nil {
		token, err := s.creds.Token(s.userID)
		if err != nil {
			if errors.Is(err, auth.ErrCredentialExpired) || errors.Is(err, auth.ErrNoCredential) {
				s.status = types.StatusUnavailable
				s.emitError("Broker Token Invalid", err.Error())
				return
			}
			s.emitError("CredentialLookup", err.Error())
			return
		}
		s.feed = s.newFeed(token)
		go s.runFeed(ctx, s.feed)
		s.status = types.StatusConnecting
	} else {
		s.status = types.StatusResetting
	}

	if underlying != s.underlying {
		// The option legs are dropped by the window diff; the old index key
		// has to be dropped here or it stays in the broker's replay set.
		if s.underlying != "" {
			s.feed.Unsubscribe([]string{s.underlying})
		}
		s.spotLtp = decimal.Zero
		s.spotSeq = 0
		s.atm.Reset()
	}
	s.underlying = underlying
	s.expiry = expiry
	s.expiryAt = expiryAt
	s.step = step
	s.pending = &pendingSwitch{
		underlying: underlying,
		expiry:     expiry,
		requested:  requested,
		enqueuedAt: time.Now(),
	}
	s.cancelSettle()
	s.armResetDeadline()

	s.emitFeedState(types.StatusResetting, s.currentATM(), []float64{})
	s.feed.Subscribe([]string{underlying}, types.ModeFull)
	s.logger.Info("switching underlying", "underlying", underlying, "expiry", expiry)

	// The spot may already be known (expiry switch, or a re-switch while
	// live); consume the pending switch immediately then.
	if s.spotLtp.IsPositive() {
		s.consumePending()
	}
}

func (s *Session) emitCatalogError(err error) {
	switch {
	case errors.Is(err, catalog.ErrCatalogUnavailable):
		s.emitError("CatalogUnavailable", err.Error())
	case errors.Is(err, catalog.ErrUnknownExpiry):
		s.emitError("UnknownExpiry", err.Error())
	default:
		s.emitError("UnknownInstrument", err.Error())
	}
}

func (s *Session) runFeed(ctx context.Context, feed FeedClient) {
	if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("upstream feed stopped", "error", err)
	}
}

func (s *Session) armResetDeadline() {
	if s.resetDeadline != nil {
		s.resetDeadline.Stop()
	}
	s.resetDeadline = time.NewTimer(s.feedCfg.ResetDeadline())
}

func (s *Session) stopResetDeadline() {
	if s.resetDeadline != nil {
		s.resetDeadline.Stop()
		s.resetDeadline = nil
	}
}

// switchDeadlineExpired fires when a switch failed to settle inside the
// reset deadline. The session stays where it is; the client may retry.
func (s *Session) switchDeadlineExpired() {
	s.resetDeadline = nil
	if s.pending == nil && s.settle == nil {
		return
	}
	s.pending = nil
	s.emitError("SwitchTimeout", "switch did not settle within the reset deadline")
}

// consumePending builds the window for a queued switch now that the spot is
// known. Transient catalog failures are retried on later underlying ticks,
// up to a cap.
func (s *Session) consumePending() {
	p := s.pending
	if p == nil {
		return
	}
	if time.Since(p.enqueuedAt) > pendingMaxAge {
		s.pending = nil
		s.emitError("SwitchTimeout", "queued switch went stale before the feed was ready")
		return
	}
	if p.expiry != s.expiry || p.underlying != s.underlying {
		s.pending = nil
		s.emitError("ExpiryChanged", "queued switch superseded by a newer one")
		return
	}

	candidate := roundToStep(s.spotLtp, s.step)
	newW, err := buildWindow(s.chains, p.underlying, p.expiry, candidate, s.feedCfg.LiveWindowHalfWidth)
	if err != nil {
		if errors.Is(err, catalog.ErrCatalogUnavailable) && p.retries < pendingMaxRetries {
			p.retries++
			s.logger.Warn("window build failed, will retry", "error", err, "attempt", p.retries)
			return
		}
		s.pending = nil
		s.emitCatalogError(err)
		return
	}
	s.pending = nil
	s.applyWindow(newW, false)
}

// ----------------------------------------------------------------------
// Window lifecycle
// ----------------------------------------------------------------------

// rebuild recenters the window on a confirmed ATM shift. Single-flight: a
// trigger during an in-progress replacement is coalesced into one further
// rebuild at the latest observed ATM.
func (s *Session) rebuild(target decimal.Decimal) {
	if s.resetLocked {
		s.coalescedATM = target
		s.hasCoalesced = true
		return
	}
	newW, err := buildWindow(s.chains, s.underlying, s.expiry, target, s.feedCfg.LiveWindowHalfWidth)
	if err != nil {
		s.logger.Warn("window rebuild failed, keeping current window", "error", err, "atm", target)
		return
	}
	s.metrics.WindowRebuilds.Inc()
	s.status = types.StatusResetting
	s.emitFeedState(types.StatusResetting, target, []float64{})
	s.applyWindow(newW, true)
}

// applyWindow issues the subscription diff and starts the settle phase. The
// new window becomes authoritative in finalizeWindow.
func (s *Session) applyWindow(newW *liveWindow, rebuild bool) {
	s.resetLocked = true
	add, drop := diffKeys(s.window, newW)
	if len(add) > 0 {
		s.feed.Subscribe(add, types.ModeFull)
	}
	if len(drop) > 0 {
		s.feed.Unsubscribe(drop)
	}

	addSet := make(map[string]struct{}, len(add))
	for _, k := range add {
		addSet[k] = struct{}{}
	}
	s.settle = &settleState{
		window:  newW,
		added:   addSet,
		rebuild: rebuild,
	}
	if len(add) == 0 {
		s.finalizeWindow()
		return
	}
	s.settle.timer = time.NewTimer(settleFallback)
}

// finalizeWindow makes the settling window authoritative: bump the version,
// advertise it, prune stale state, and run any coalesced rebuild.
func (s *Session) finalizeWindow() {
	if s.settle == nil {
		return
	}
	if s.settle.timer != nil {
		s.settle.timer.Stop()
	}
	s.window = s.settle.window
	s.settle = nil
	s.version++
	s.resetLocked = false
	s.stopResetDeadline()
	s.atm.Reset()

	purged := s.states.Prune(func(key string) bool {
		return key == s.underlying || s.window.Contains(key)
	})
	if len(purged) > 0 {
		s.logger.Debug("purged instrument state", "count", len(purged))
	}

	s.status = types.StatusLive
	s.emitFeedState(types.StatusLive, s.window.ATM, s.window.StrikeFloats())
	s.logger.Info("live window settled",
		"atm", s.window.ATM,
		"strikes", len(s.window.Strikes),
		"version", s.version,
	)

	if s.hasCoalesced {
		target := s.coalescedATM
		s.hasCoalesced = false
		if !target.Equal(s.window.ATM) {
			s.rebuild(target)
		}
	}
}

func (s *Session) cancelSettle() {
	if s.settle != nil && s.settle.timer != nil {
		s.settle.timer.Stop()
	}
	s.settle = nil
	s.resetLocked = false
	s.hasCoalesced = false
}

// ----------------------------------------------------------------------
// Ingestion
// ----------------------------------------------------------------------

// ingest drains the broker mailbox and merges each tick under the sequence
// discipline. This path does no I/O and never blocks on analytics or
// broadcast.
func (s *Session) ingest() {
	if s.feed == nil {
		return
	}
	now := time.Now()
	for _, kt := range s.feed.DrainTicks() {
		s.lastUpstream = now
		s.applyTick(kt.Key, kt.Tick, now)
	}
}

func (s *Session) applyTick(key string, tick types.Tick, now time.Time) {
	isUnderlying := key == s.underlying
	if !isUnderlying && !s.knownOption(key) {
		// Tick for an instrument this session never subscribed. Dropped
		// silently per the data-error policy.
		s.logger.Debug("tick for unknown instrument dropped", "key", key)
		return
	}

	delta, res, gap := s.states.Apply(key, tick)
	if res == regression {
		s.metrics.SeqRegressions.Inc()
		return
	}
	if gap > 0 {
		s.metrics.SeqGaps.Inc()
		s.logger.Warn("sequence gap accepted", "key", key, "gap", gap)
	}
	s.buffer.Put(key, delta)

	if isUnderlying {
		s.onUnderlyingTick(now)
		return
	}

	if s.feedCfg.SimulateQuotes {
		if simDelta, ok := s.states.FillSimulatedQuotes(key, int64(s.feedCfg.SimulatedSpreadBps)); ok {
			s.buffer.Put(key, simDelta)
		}
	}

	// A tick for a key added by the settling window confirms the new
	// subscription.
	if s.settle != nil {
		if _, added := s.settle.added[key]; added {
			s.finalizeWindow()
		}
	}

	s.maybeDerive(key, now)
}

// knownOption reports whether a key belongs to the current window, the
// settling window, or still has state from a recently dropped window.
func (s *Session) knownOption(key string) bool {
	if s.window != nil && s.window.Contains(key) {
		return true
	}
	if s.settle != nil && s.settle.window.Contains(key) {
		return true
	}
	_, ok := s.states.Get(key)
	return ok
}

// onUnderlyingTick refreshes the spot, consumes a queued switch, and feeds
// the ATM tracker.
func (s *Session) onUnderlyingTick(now time.Time) {
	merged, ok := s.states.Get(s.underlying)
	if !ok || merged.Ltp == nil {
		return
	}
	s.spotLtp = *merged.Ltp
	s.spotSeq = merged.Seq

	if s.pending != nil {
		s.consumePending()
		return
	}
	if s.status != types.StatusLive || s.window == nil {
		return
	}
	candidate := roundToStep(s.spotLtp, s.window.Step)
	if target, fire := s.atm.Observe(candidate, s.window.ATM, s.window.Step, now); fire {
		s.logger.Info("atm shift confirmed", "from", s.window.ATM, "to", target)
		s.rebuild(target)
	}
}

// maybeDerive schedules an analytics derivation for an option missing IV or
// Greeks, throttled per instrument.
func (s *Session) maybeDerive(key string, now time.Time) {
	if !s.spotLtp.IsPositive() || s.expiryAt.IsZero() {
		return
	}
	info, ok := s.keyInfoFor(key)
	if !ok {
		return
	}
	if !s.states.ShouldDerive(key, now, s.feedCfg.AnalyticsMinInterval()) {
		return
	}
	merged, ok := s.states.Get(key)
	if !ok {
		return
	}
	req := analytics.Request{
		Key:        key,
		Call:       info.Call,
		Spot:       s.spotLtp.InexactFloat64(),
		Strike:     info.Strike.InexactFloat64(),
		TYears:     analytics.YearsToExpiry(now, s.expiryAt),
		Rate:       s.feedCfg.RiskFreeRate,
		Yield:      s.feedCfg.DividendYield,
		Seq:        merged.Seq,
		EnqueuedAt: now,
	}
	if merged.Ltp != nil {
		req.Price = merged.Ltp.InexactFloat64()
	}
	if merged.IV != nil {
		req.IV = *merged.IV
	}
	if !s.pool.Submit(req) {
		s.metrics.DerivesDropped.Inc()
	}
}

func (s *Session) keyInfoFor(key string) (keyInfo, bool) {
	if s.window != nil {
		if info, ok := s.window.Keys[key]; ok {
			return info, true
		}
	}
	if s.settle != nil {
		if info, ok := s.settle.window.Keys[key]; ok {
			return info, true
		}
	}
	return keyInfo{}, false
}

// mergeDerived folds an analytics result back into state. Overrun results
// are discarded; so are results computed against a superseded sequence.
func (s *Session) mergeDerived(out analytics.Outcome) {
	if !out.OK {
		return
	}
	if out.Elapsed > deriveDeadline {
		s.metrics.DerivesDeadline.Inc()
		return
	}
	delta, ok := s.states.MergeDerived(out.Key, out.Seq,
		out.Result.IV, out.Result.Delta, out.Result.Gamma, out.Result.Theta, out.Result.Vega)
	if !ok {
		return
	}
	s.metrics.Derives.Inc()
	s.buffer.Put(out.Key, delta)
}

// ----------------------------------------------------------------------
// Broadcast
// ----------------------------------------------------------------------

// flush swaps the buffer and emits one coalesced MARKET_UPDATE. Keys outside
// the authoritative window are filtered: their state survives a bounce, but
// clients never see strikes the current FEED_STATE does not advertise.
func (s *Session) flush() {
	if s.status != types.StatusLive && s.status != types.StatusResetting && s.status != types.StatusConnecting {
		return
	}

	pending := s.buffer.Swap()
	data := make(types.MarketUpdateData, len(pending)+1)
	for key, delta := range pending {
		if key != s.underlying && (s.window == nil || !s.window.Contains(key)) {
			continue
		}
		data[key] = types.NewTickPayload(delta)
	}

	// Spot injection: the underlying's ltp rides every flush so clients
	// never stall on the spot when options dominate the feed.
	if s.spotLtp.IsPositive() {
		if _, ok := data[s.underlying]; !ok {
			ltp := s.spotLtp
			data[s.underlying] = types.TickPayload{Ltp: &ltp, Seq: s.spotSeq, Synthetic: true}
		}
	}
	if len(data) == 0 {
		return
	}

	s.metrics.Flushes.Inc()
	s.out.Send(types.Frame{Type: types.TypeMarketUpdate, Data: data})
}

// health emits the 1 Hz FEED_HEALTH heartbeat and checks upstream silence.
func (s *Session) health() {
	s.out.Send(types.Frame{Type: types.TypeFeedHealth, Data: types.FeedHealthData{
		State:       s.status,
		ActiveKeys:  s.states.Len(),
		BufferSize:  s.buffer.Len(),
		ResetLocked: s.resetLocked,
		Timestamp:   time.Now().UnixMilli(),
	}})

	// Prolonged upstream silence outside market hours means the session
	// missed the close notice.
	if (s.status == types.StatusLive || s.status == types.StatusResetting) &&
		!s.lastUpstream.IsZero() &&
		time.Since(s.lastUpstream) > s.mktCfg.SilenceTimeout() &&
		!s.clock.IsOpen(time.Now()) {
		s.marketClosed("no upstream activity outside market hours")
	}
}

// ----------------------------------------------------------------------
// Upstream events and error semantics
// ----------------------------------------------------------------------

func (s *Session) handleFeedEvent(ev broker.Event) {
	switch ev := ev.(type) {
	case broker.Connected:
		s.lastUpstream = time.Now()
		s.out.Send(types.Frame{Type: types.TypeFeedConnected})
		// Reconnect with an already-settled window goes straight back live;
		// the broker replayed the full subscription set before this event.
		if s.status == types.StatusConnecting && s.window != nil && s.settle == nil && s.pending == nil {
			s.status = types.StatusLive
			s.emitFeedState(types.StatusLive, s.window.ATM, s.window.StrikeFloats())
		}

	case broker.Disconnected:
		s.out.Send(types.Frame{Type: types.TypeFeedDisconnected, Data: types.DisconnectedData{Reason: ev.Reason}})
		if s.status == types.StatusLive || s.status == types.StatusResetting {
			s.status = types.StatusConnecting
		}

	case broker.AuthInvalid:
		s.status = types.StatusUnavailable
		s.emitError("Broker Token Invalid", "upstream rejected the broker credential")
		if err := s.creds.MarkExpired(s.userID); err != nil {
			s.logger.Error("failed to mark credential expired", "error", err)
		}
		s.cancelSettle()
		s.pending = nil
		s.stopResetDeadline()
		s.closeFeed()

	case broker.EntitlementDenied:
		s.status = types.StatusUnavailable
		s.out.Send(types.Frame{Type: types.TypeFeedUnavailable, Data: types.FeedUnavailableData{Msg: ev.Msg}})
		s.cancelSettle()
		s.pending = nil
		s.stopResetDeadline()
		s.closeFeed()

	case broker.Subscribed:
		if s.settle == nil {
			return
		}
		for _, k := range ev.Keys {
			if _, added := s.settle.added[types.CanonicalKey(k)]; added {
				s.finalizeWindow()
				return
			}
		}

	case broker.MarketClosed:
		msg := ev.Msg
		if msg == "" {
			msg = "market closed"
		}
		s.marketClosed(msg)

	case broker.UpstreamError:
		s.logger.Warn("upstream protocol error", "kind", ev.Kind, "msg", ev.Msg)
	}
}

// marketClosed freezes the session for the day. MARKET_STATUS is emitted
// once per transition into the closed state; the time debounce additionally
// suppresses a re-emission when the state flaps around the boundary.
func (s *Session) marketClosed(msg string) {
	if s.status == types.StatusMarketClosed {
		return
	}
	if time.Since(s.lastClosedEmit) >= s.mktCfg.ClosedDebounce() {
		s.lastClosedEmit = time.Now()
		s.out.Send(types.Frame{Type: types.TypeMarketStatus, Data: types.MarketStatusData{Status: "CLOSED", Msg: msg}})
	}
	s.status = types.StatusMarketClosed
	s.atm.Reset()
	s.cancelSettle()
	s.pending = nil
	s.stopResetDeadline()
	s.logger.Info("market closed", "msg", msg)
}

// ----------------------------------------------------------------------
// Frame helpers
// ----------------------------------------------------------------------

func (s *Session) currentATM() decimal.Decimal {
	if s.window != nil {
		return s.window.ATM
	}
	return decimal.Zero
}

func (s *Session) emitFeedState(status types.FeedStatus, atm decimal.Decimal, strikes []float64) {
	if strikes == nil {
		strikes = []float64{}
	}
	s.out.Send(types.Frame{Type: types.TypeFeedState, Data: types.FeedStateData{
		Status:            status,
		Underlying:        s.underlying,
		CurrentATM:        atm.InexactFloat64(),
		LiveStrikes:       strikes,
		MaxStrikeDistance: s.feedCfg.LiveWindowHalfWidth,
		Version:           s.version,
		Timestamp:         time.Now().UnixMilli(),
	}})
}

func (s *Session) emitError(kind, msg string) {
	s.out.Send(types.Frame{Type: types.TypeError, Data: types.ErrorData{Kind: kind, Msg: msg}})
}
