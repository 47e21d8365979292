// Package engine drives the evaluation loop: one cycle purges the watchlist,
// resolves tokens, tags live-game context, updates prices, runs the filter
// chain, owns every status transition, and hands promoted signals to the
// execution bridge. The loop is the single writer for the watchlist;
// execution records are guarded by the bridge itself, since the reconcile
// loop shares them.
package engine

import (
	"context"
	"log/slog"
	"time"

	"polysniper/internal/book"
	"polysniper/internal/clock"
	"polysniper/internal/config"
	"polysniper/internal/discovery"
	"polysniper/internal/exec"
	"polysniper/internal/httpq"
	"polysniper/internal/journal"
	"polysniper/internal/metrics"
	"polysniper/internal/resolver"
	"polysniper/internal/scoreboard"
	"polysniper/internal/stream"
	"polysniper/internal/tracker"
	"polysniper/internal/watchlist"
	"polysniper/internal/winprob"
	"polysniper/pkg/types"
)

const (
	cycleInterval = 1 * time.Second

	// Stream updates this old no longer protect a live market from purge.
	liveStreamFresh = 10 * time.Minute

	// Horizon for the scoreboard event cache.
	scoreCacheHorizon = 24 * time.Hour
)

// Deps collects the engine's collaborators. Stream, Discovery, Scores and
// Tracker may be nil; the corresponding cycle steps are skipped.
type Deps struct {
	Watchlist *watchlist.Store
	Discovery *discovery.Client
	Stream    *stream.Client
	Queue     *httpq.Queue
	Books     *book.Fetcher
	Resolver  *resolver.Resolver
	Scores    *scoreboard.Client
	Bridge    *exec.Bridge
	Tracker   *tracker.Tracker
	Metrics   *metrics.Metrics
	Journal   *journal.Journal
}

// Engine is the cycle driver.
type Engine struct {
	cfg    *config.Config
	clk    clock.Clock
	watch  *watchlist.Store
	disc   *discovery.Client
	stream *stream.Client
	queue  *httpq.Queue
	books  *book.Fetcher
	res    *resolver.Resolver
	scores *scoreboard.Client
	bridge *exec.Bridge
	track  *tracker.Tracker
	mets   *metrics.Metrics
	jr     *journal.Journal
	logger *slog.Logger

	lastDiscoveryMs int64
	depthCache      map[string]depthEntry
	timedOut        map[string]timeoutProbe
}

// New assembles the engine. All mutation of Deps members after this point
// happens on the engine's goroutine.
func New(cfg *config.Config, clk clock.Clock, d Deps, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		clk:        clk,
		watch:      d.Watchlist,
		disc:       d.Discovery,
		stream:     d.Stream,
		queue:      d.Queue,
		books:      d.Books,
		res:        d.Resolver,
		scores:     d.Scores,
		bridge:     d.Bridge,
		track:      d.Tracker,
		mets:       d.Metrics,
		jr:         d.Journal,
		logger:     logger.With("component", "engine"),
		depthCache: make(map[string]depthEntry),
		timedOut:   make(map[string]timeoutProbe),
	}
}

// Run drives cycles until ctx is cancelled, then persists final state.
func (e *Engine) Run(ctx context.Context) {
	e.resubscribe()

	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()
	e.logger.Info("evaluation loop started", "interval", cycleInterval)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// resubscribe restores stream subscriptions for markets resolved before a
// restart.
func (e *Engine) resubscribe() {
	if e.stream == nil {
		return
	}
	var tokens []string
	for _, m := range e.watch.All() {
		if m.Resolved() {
			tokens = append(tokens, m.YesTokenID, m.NoTokenID)
		}
	}
	if len(tokens) > 0 {
		e.stream.Subscribe(tokens)
		e.logger.Info("resubscribed resolved tokens", "tokens", len(tokens))
	}
}

func (e *Engine) shutdown() {
	if err := e.watch.Persist(); err != nil {
		e.logger.Error("final watchlist persist failed", "error", err)
	}
	e.logger.Info("evaluation loop stopped")
}

// Cycle runs one pass in the fixed step order. Exported so tests can drive
// cycles with a fake clock.
func (e *Engine) Cycle(ctx context.Context) {
	now := e.clk.Now()
	nowMs := clock.Ms(now)

	e.mets.Tick(nowMs)
	e.discover(ctx, now, nowMs)
	e.resolveTokens(ctx, nowMs)
	e.tagContexts(ctx, now, nowMs)
	e.purge(now, nowMs)

	quotes := e.evaluate(ctx, nowMs)

	e.bridge.CheckExits(ctx, nowMs, quotes, e.contextViews(), e.stopLossFor)
	if e.track != nil && e.cfg.Mode == types.ModePaper {
		e.track.Poll(ctx, nowMs)
	}
	e.settleTraded(nowMs)

	if err := e.watch.Persist(); err != nil {
		e.logger.Error("watchlist persist failed", "error", err)
	}
}

// discover polls the event feed on its own cadence and upserts candidates.
func (e *Engine) discover(ctx context.Context, now time.Time, nowMs int64) {
	if e.disc == nil {
		return
	}
	if nowMs-e.lastDiscoveryMs < e.cfg.Discovery.Interval.Milliseconds() {
		return
	}
	e.lastDiscoveryMs = nowMs

	cands, stats := e.disc.Discover(ctx, now)
	fresh := 0
	for _, c := range cands {
		if _, isNew := e.watch.Upsert(c, nowMs); isNew {
			fresh++
		}
	}
	if fresh > 0 || stats.Dropped() > 0 {
		e.logger.Info("discovery pass",
			"candidates", len(cands), "new", fresh,
			"dropped", stats.Dropped(), "watchlist", e.watch.Len())
	}
}

// resolveTokens spends the per-cycle resolver budget, which drops to zero
// whenever any market is pending so the cycle confirms pendings instead.
func (e *Engine) resolveTokens(ctx context.Context, nowMs int64) {
	if e.res == nil {
		return
	}
	if e.watch.Counts()[types.StatusPending] > 0 {
		return
	}

	quotas := make(map[string]int)
	for _, lg := range e.cfg.Leagues {
		if lg.ResolveQuota > 0 {
			quotas[lg.Tag] = lg.ResolveQuota
		}
	}

	for _, m := range resolver.Pick(e.watch.All(), e.cfg.Resolver.MaxPerCycle, quotas) {
		e.mets.Inc(metrics.KeyResolveAttempt)
		e.mets.Inc(metrics.LeagueKey(metrics.KeyResolveAttempt, m.League))

		res := e.res.Resolve(ctx, m)
		if res.Reason != "" {
			e.mets.Inc(metrics.KeyResolveFail)
			e.mets.Inc(metrics.LeagueKey(metrics.KeyResolveFail, m.League))
			e.mets.Reject(m.League, res.Reason)
			m.LastReject = &types.Reject{Reason: res.Reason, Ms: nowMs}
			continue
		}

		e.watch.SetResolved(m, res.YesToken, res.NoToken)
		e.mets.Inc(metrics.KeyResolveSuccess)
		e.mets.Inc(metrics.LeagueKey(metrics.KeyResolveSuccess, m.League))
		if res.SanityFail {
			e.mets.Reject(m.League, types.ReasonComplementSanityFail)
		}
		if e.stream != nil {
			e.stream.Subscribe([]string{res.YesToken, res.NoToken})
		}
		e.logger.Info("tokens resolved", "slug", m.Slug,
			"complement_sum", res.ComplementSum, "sanity_fail", res.SanityFail)
	}
}

// tagContexts refreshes the per-market live-game snapshot and entry-gate
// result for every sport the scoreboard covers.
func (e *Engine) tagContexts(ctx context.Context, now time.Time, nowMs int64) {
	if e.scores == nil {
		return
	}

	for _, m := range e.watch.All() {
		if !inPriceUniverse(m.Status) {
			continue
		}
		lg := e.cfg.League(m.League)
		if lg == nil || !scoreboardSport(lg.Sport) {
			continue
		}

		day := now
		if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
			day = t.UTC()
		}
		events, err := e.scores.EventsFor(ctx, lg.Sport, day, nowMs)
		if err != nil {
			e.logger.Debug("scoreboard fetch failed", "sport", lg.Sport, "error", err)
			continue
		}

		ev, ok := scoreboard.MatchTitle(m.Question, events, e.scores.Overrides)
		if ok && lg.Sport == scoreboard.SportSoccer && !scoreboard.SameDayTolerant(ev.Date, m.EndDate) {
			ok = false
		}
		if !ok {
			m.ContextEntry = nil
			continue
		}

		cs := scoreboard.DeriveContext(lg.Sport, ev, nowMs)
		m.Context = cs
		if ev.Home.HasScore && ev.Away.HasScore {
			e.scores.Tracker.Observe(ev.ID, ev.Home.Score, ev.Away.Score, nowMs)
		}

		m.ContextEntry = e.entryGate(m, lg.Sport, ev, cs, nowMs)

		if cs.State == types.GameIn {
			e.jr.Context(map[string]any{
				"slug": m.Slug, "sport": lg.Sport, "ts": nowMs,
				"state": string(cs.State), "period": cs.Period,
				"minutes_left": cs.MinutesLeft, "clock": cs.Clock,
				"home": cs.Home.Name, "home_score": cs.Home.Score,
				"away": cs.Away.Name, "away_score": cs.Away.Score,
				"margin_for_yes": m.ContextEntry.MarginForYes,
				"win_prob":       m.ContextEntry.WinProb,
				"allowed":        m.ContextEntry.Allowed,
				"blocked_reason": m.ContextEntry.BlockedReason,
			})
		}
	}

	e.scores.PurgeCache(nowMs, scoreCacheHorizon)
	e.scores.Tracker.Purge(nowMs)
}

// entryGate runs the sport-specific context entry gate for a market.
func (e *Engine) entryGate(m *types.Market, sport string, ev *scoreboard.Event, cs *types.ContextSnapshot, nowMs int64) *types.ContextEntry {
	outcome := yesOutcomeName(m)
	margin, hasMargin := 0, false
	if outcome != "" {
		margin, hasMargin = scoreboard.MarginFor(outcome, ev, e.scores.Overrides)
	}

	var gr winprob.GateResult
	switch {
	case !hasMargin:
		gr = winprob.GateResult{Reason: "margin_unknown"}
	case sport == scoreboard.SportSoccer:
		age := e.scores.Tracker.AgeSeconds(ev.ID, nowMs)
		gr = winprob.SoccerGate(cs, margin, age, e.cfg.Scores.SoccerCooldown.Seconds())
	default:
		gr = winprob.BasketballGate(sport, cs, margin)
	}

	return &types.ContextEntry{
		YesOutcome:    outcome,
		MarginForYes:  margin,
		HasMargin:     hasMargin,
		WinProb:       gr.WinProb,
		Allowed:       gr.Allowed,
		BlockedReason: gr.Reason,
		UpdatedMs:     nowMs,
	}
}

// purge runs the watchlist expiries in their fixed order.
func (e *Engine) purge(now time.Time, nowMs int64) {
	e.watch.ExpireTTL(nowMs)
	e.watch.ExpireDateWindow(now, nowMs, func(league string) (int, int, bool) {
		lg := e.cfg.League(league)
		if lg == nil {
			return 0, 0, false
		}
		return lg.MinDaysDelta, lg.MaxDaysDelta, true
	})

	openSlugs := make(map[string]bool)
	for _, pos := range e.bridge.OpenPositions() {
		openSlugs[pos.Slug] = true
	}
	e.watch.PurgeTerminal(nowMs, openSlugs)

	liveMs := e.cfg.Watchlist.LiveFreshness.Milliseconds()
	e.watch.PurgeGates(nowMs,
		func(m *types.Market) bool {
			return m.Context != nil && m.Context.State == types.GameIn &&
				nowMs-m.Context.UpdatedMs <= liveMs
		},
		func(token string) bool {
			return e.stream != nil && e.stream.Healthy() &&
				nowMs-e.stream.LastUpdate(token) <= liveStreamFresh.Milliseconds()
		})
	e.watch.EnforceBound()
}

// settleTraded moves traded markets whose position is gone to closed, so
// the purge machinery can reclaim them. Signaled markets without a
// position (a restored state file, or a buy that never opened) settle
// the same way.
func (e *Engine) settleTraded(nowMs int64) {
	open := make(map[string]bool)
	for _, pos := range e.bridge.OpenPositions() {
		open[pos.Slug] = true
	}
	for _, m := range e.watch.All() {
		if m.Status != types.StatusTraded && m.Status != types.StatusSignaled {
			continue
		}
		if open[m.Slug] {
			continue
		}
		e.watch.SetStatus(m, types.StatusClosed, nowMs)
		e.logger.Info("traded market settled", "slug", m.Slug)
	}
}

// contextViews builds the per-slug live view the exit checks consume.
func (e *Engine) contextViews() map[string]exec.ContextView {
	out := make(map[string]exec.ContextView)
	for _, m := range e.watch.All() {
		lg := e.cfg.League(m.League)
		if lg == nil || m.ContextEntry == nil {
			continue
		}
		out[m.Slug] = exec.ContextView{
			Sport:     lg.Sport,
			Margin:    m.ContextEntry.MarginForYes,
			HasMargin: m.ContextEntry.HasMargin,
		}
	}
	return out
}

func (e *Engine) stopLossFor(league string) (exec.SLThresholds, bool) {
	lg := e.cfg.League(league)
	if lg == nil || lg.StopLossBid == 0 || lg.StopLossAsk == 0 {
		return exec.SLThresholds{}, false
	}
	return exec.SLThresholds{Bid: lg.StopLossBid, Ask: lg.StopLossAsk}, true
}

func inPriceUniverse(s types.Status) bool {
	switch s {
	case types.StatusWatching, types.StatusPending, types.StatusSignaled, types.StatusTraded:
		return true
	}
	return false
}

func scoreboardSport(sport string) bool {
	switch sport {
	case scoreboard.SportNBA, scoreboard.SportNCAAB, scoreboard.SportSoccer:
		return true
	}
	return false
}

// yesOutcomeName maps the resolved YES token back to its outcome label.
func yesOutcomeName(m *types.Market) string {
	if len(m.Outcomes) != 2 || len(m.TokenPair) != 2 || !m.Resolved() {
		return ""
	}
	if m.YesTokenID == m.TokenPair[0] {
		return m.Outcomes[0]
	}
	return m.Outcomes[1]
}
