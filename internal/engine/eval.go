package engine

import (
	"context"
	"math"
	"sort"
	"time"

	"polysniper/internal/clock"
	"polysniper/internal/exec"
	"polysniper/internal/filters"
	"polysniper/internal/metrics"
	"polysniper/internal/scoreboard"
	"polysniper/internal/winprob"
	"polysniper/pkg/types"
)

const (
	// Timed-out pendings are probed afterwards to judge whether the filter
	// saved or cost us: a later bid through verdictWinBid means the signal
	// would have won; a drop of verdictLossDrop below the entry ask means
	// it would have lost. Probes expire after verdictHorizon.
	verdictWinBid   = 0.99
	verdictLossDrop = 0.10
	verdictHorizon  = 1 * time.Hour
)

type timeoutProbe struct {
	ms       int64
	signalID string
	entryAsk float64
}

// evaluate runs steps 5 through 12 of the cycle over the ordered universe
// and returns the per-slug quotes collected for the exit checks.
func (e *Engine) evaluate(ctx context.Context, nowMs int64) map[string]types.Quote {
	quotes := make(map[string]types.Quote)
	universe := e.universe()

	pendingAtStart := false
	for _, m := range universe {
		if m.Status == types.StatusPending {
			pendingAtStart = true
			break
		}
	}

	for _, m := range universe {
		if m.Status == types.StatusPending && e.fixPendingIntegrity(m, nowMs) {
			continue
		}
		if !m.Resolved() {
			continue
		}

		q, src, ok := e.priceFor(ctx, m, nowMs)
		if ok {
			quotes[m.Slug] = q
		}
		e.resolveTimeoutProbe(m, q, ok, nowMs)
		if !ok {
			if m.Status == types.StatusPending && nowMs >= m.PendingDeadlineMs {
				e.timeoutPending(m, nowMs)
			}
			continue
		}

		e.watch.ObserveTerminal(m, e.watch.InTerminalBand(q), nowMs)
		if m.Status == types.StatusWatching && src == types.SourceHTTP &&
			q.HasBid && q.BestBid >= e.cfg.Watchlist.TerminalBid {
			m.LastReject = &types.Reject{Reason: types.ReasonTerminalPriceOnHTTP, Ms: nowMs}
			e.mets.Reject(m.League, types.ReasonTerminalPriceOnHTTP)
			e.watch.SetStatus(m, types.StatusExpired, nowMs)
			continue
		}

		// Signaled and traded markets are price-update only; their quotes
		// feed the exit checks.
		if m.Status == types.StatusSignaled || m.Status == types.StatusTraded {
			continue
		}

		reason, nb := e.gates(ctx, m, q, nowMs)
		if reason != "" {
			if m.Status == types.StatusPending {
				reason = types.ConfirmationReason(reason)
			}
			m.LastReject = &types.Reject{Reason: reason, Ms: nowMs}
			e.mets.Reject(m.League, reason)
			if m.Status == types.StatusPending && nowMs >= m.PendingDeadlineMs {
				e.timeoutPending(m, nowMs)
			}
			continue
		}

		if m.Status == types.StatusWatching {
			e.enterPending(m, q, nb, nowMs)
			// Scheduling guard: a cycle that starts pending-free stops at
			// the first new pending so the next cycle confirms it inside
			// the window.
			if !pendingAtStart {
				break
			}
			continue
		}

		if nowMs >= m.PendingDeadlineMs {
			e.timeoutPending(m, nowMs)
			continue
		}
		e.promote(ctx, m, q, nb, nowMs)
	}

	return quotes
}

// universe orders the price-update universe: pendings first by deadline,
// then signaled, then watching by nearness to the entry range. Ties break
// by volume, then slug, so runs are reproducible.
func (e *Engine) universe() []*types.Market {
	var pend, sig, watch []*types.Market
	for _, m := range e.watch.All() {
		switch m.Status {
		case types.StatusPending:
			pend = append(pend, m)
		case types.StatusSignaled, types.StatusTraded:
			sig = append(sig, m)
		case types.StatusWatching:
			watch = append(watch, m)
		}
	}

	sort.Slice(pend, func(i, j int) bool {
		if pend[i].PendingDeadlineMs != pend[j].PendingDeadlineMs {
			return pend[i].PendingDeadlineMs < pend[j].PendingDeadlineMs
		}
		return pend[i].Slug < pend[j].Slug
	})
	sort.Slice(sig, func(i, j int) bool { return sig[i].Slug < sig[j].Slug })
	sort.Slice(watch, func(i, j int) bool {
		ni, nj := e.nearness(watch[i]), e.nearness(watch[j])
		if ni != nj {
			return ni < nj
		}
		if watch[i].Volume24h != watch[j].Volume24h {
			return watch[i].Volume24h > watch[j].Volume24h
		}
		return watch[i].Slug < watch[j].Slug
	})

	out := make([]*types.Market, 0, len(pend)+len(sig)+len(watch))
	out = append(out, pend...)
	out = append(out, sig...)
	return append(out, watch...)
}

// nearness is the ask's distance from the entry range; inside is 0, no
// price yet sorts last.
func (e *Engine) nearness(m *types.Market) float64 {
	if m.LastPrice == nil || !m.LastPrice.HasAsk {
		return math.Inf(1)
	}
	minProb, maxEntry, _ := e.cfg.StageThresholds(m.League)
	ask := m.LastPrice.BestAsk
	switch {
	case ask < minProb:
		return minProb - ask
	case ask > maxEntry:
		return ask - maxEntry
	}
	return 0
}

// gates runs steps 6 through 10 for one market. An empty reason means a
// full pass; nb labels how the near-margin rule qualified.
func (e *Engine) gates(ctx context.Context, m *types.Market, q types.Quote, nowMs int64) (string, filters.NearBy) {
	// Soccer is the one sport whose context gate blocks entry outright.
	if lg := e.cfg.League(m.League); lg != nil && lg.Sport == scoreboard.SportSoccer {
		if m.ContextEntry == nil {
			return winprob.SoccerGateReason("no_context"), filters.NearByNone
		}
		if !m.ContextEntry.Allowed {
			return winprob.SoccerGateReason(m.ContextEntry.BlockedReason), filters.NearByNone
		}
	}

	e.mets.Inc(metrics.KeyStage1Evaluated)
	minProb, maxEntry, maxSpread := e.cfg.StageThresholds(m.League)
	th := filters.Thresholds{
		MinProb:       minProb,
		MaxEntryPrice: maxEntry,
		MaxSpread:     maxSpread,
		NearProbMin:   e.cfg.Filters.NearProbMin,
		NearSpreadMax: e.cfg.Filters.NearSpreadMax,
	}

	if ok, reason := filters.Stage1(q, th); !ok {
		return reason, filters.NearByNone
	}

	ok, nb := filters.Near(q, th)
	if !ok {
		return types.ReasonFailNearMargin, nb
	}
	e.mets.Inc(metrics.KeyHotCandidate)

	b, err := e.depthBook(ctx, m, q, nowMs)
	if err != nil {
		return types.ReasonHTTPFallbackFailed, nb
	}
	d, ok, reason := filters.Stage2(b, e.cfg.Filters.DepthLevels,
		e.cfg.Filters.MinEntryDepthUSD, e.cfg.Filters.MinExitDepthUSD)
	m.LastDepth = d.Snapshot(nowMs)
	if !ok {
		return reason, nb
	}

	// Cooldown guards only the watching -> pending transition; a pending
	// confirmation is never cooled down.
	if m.Status == types.StatusWatching && m.CooldownUntilMs > nowMs {
		return types.ReasonCooldownActive, nb
	}
	return "", nb
}

// fixPendingIntegrity resets a pending record whose timestamps are invalid.
// Returns true when the market was reset this cycle.
func (e *Engine) fixPendingIntegrity(m *types.Market, nowMs int64) bool {
	if m.PendingSinceMs > 0 && m.PendingDeadlineMs >= m.PendingSinceMs {
		return false
	}
	e.logger.Warn("pending timestamps invalid, resetting", "slug", m.Slug,
		"since", m.PendingSinceMs, "deadline", m.PendingDeadlineMs)
	m.LastReject = &types.Reject{Reason: types.ReasonPendingIntegrityFix, Ms: nowMs}
	e.mets.Reject(m.League, types.ReasonPendingIntegrityFix)
	e.clearPending(m)
	e.watch.SetStatus(m, types.StatusWatching, nowMs)
	return true
}

func (e *Engine) enterPending(m *types.Market, q types.Quote, nb filters.NearBy, nowMs int64) {
	e.watch.SetStatus(m, types.StatusPending, nowMs)
	m.PendingSinceMs = nowMs
	m.PendingDeadlineMs = nowMs + e.cfg.Pending.Window.Milliseconds()
	m.PendingEntryBid = q.BestBid
	m.Signals.LastType = filters.SignalType(nb)

	e.mets.Inc(metrics.KeyPendingEnter)
	e.mets.RecordPendingEnter(metrics.Event{
		Ms: nowMs, Slug: m.Slug, League: m.League,
		SignalType: string(m.Signals.LastType),
		BestBid:    q.BestBid, BestAsk: q.BestAsk,
	})
	e.logger.Info("pending entered", "slug", m.Slug, "near_by", string(nb),
		"ask", q.BestAsk, "bid", q.BestBid, "deadline_ms", m.PendingDeadlineMs)
}

// timeoutPending reverts a pending market to watching and journals the
// dominant confirmation failure.
func (e *Engine) timeoutPending(m *types.Market, nowMs int64) {
	dominant := types.ReasonPendingTimeout
	if m.LastReject != nil && m.LastReject.Ms >= m.PendingSinceMs {
		dominant = m.LastReject.Reason
	}
	delta := nowMs - m.PendingDeadlineMs
	sid := clock.SignalID(m.PendingSinceMs, m.Slug)

	e.jr.Signal("signal_timeout", map[string]any{
		"signal_id": sid, "slug": m.Slug, "league": m.League, "ts": nowMs,
		"dominant_reason": dominant, "deadline_delta_ms": delta,
		"pending_since_ms": m.PendingSinceMs, "entry_bid": m.PendingEntryBid,
	})
	e.mets.Inc(metrics.KeyPendingTimeout)
	e.mets.RecordPendingTimeout(metrics.Event{
		Ms: nowMs, SignalID: sid, Slug: m.Slug, League: m.League, Reason: dominant,
	})
	e.logger.Info("pending timed out", "slug", m.Slug,
		"dominant_reason", dominant, "delta_ms", delta)

	entryAsk := 0.0
	if m.LastPrice != nil && m.LastPrice.HasAsk {
		entryAsk = m.LastPrice.BestAsk
	}
	e.timedOut[m.Slug] = timeoutProbe{ms: nowMs, signalID: sid, entryAsk: entryAsk}

	m.LastReject = &types.Reject{Reason: types.ReasonPendingTimeout, Ms: nowMs, Detail: dominant}
	e.clearPending(m)
	e.watch.SetStatus(m, types.StatusWatching, nowMs)
}

// promote moves a confirmed pending to signaled and hands the buy to the
// execution bridge.
func (e *Engine) promote(ctx context.Context, m *types.Market, q types.Quote, nb filters.NearBy, nowMs int64) {
	sid := clock.SignalID(m.PendingSinceMs, m.Slug)
	st := filters.SignalType(nb)

	e.clearPending(m)
	e.watch.SetStatus(m, types.StatusSignaled, nowMs)
	m.Signals.Count++
	m.Signals.LastMs = nowMs
	m.Signals.LastType = st
	m.CooldownUntilMs = nowMs + e.cfg.Pending.Cooldown.Milliseconds()

	e.mets.Inc(metrics.KeyPendingPromoted)
	e.mets.Inc(metrics.KeySignaled)
	e.mets.Inc(metrics.SignalTypeKey(string(st)))
	e.mets.Inc(metrics.LeagueKey(metrics.KeySignaled, m.League))
	e.mets.RecordSignal(metrics.Event{
		Ms: nowMs, SignalID: sid, Slug: m.Slug, League: m.League,
		SignalType: string(st), BestBid: q.BestBid, BestAsk: q.BestAsk,
	})

	e.jr.Signal("signal_open", map[string]any{
		"signal_id": sid, "slug": m.Slug, "league": m.League, "ts": nowMs,
		"ask": q.BestAsk, "bid": q.BestBid, "spread": q.Spread(),
		"signal_type": string(st), "signal_count": m.Signals.Count,
	})
	e.logger.Info("signal promoted", "slug", m.Slug, "signal_id", sid,
		"type", string(st), "ask", q.BestAsk)

	tr := e.bridge.OpenBuy(ctx, exec.OpenRequest{
		SignalID:   sid,
		Slug:       m.Slug,
		League:     m.League,
		TokenID:    m.YesTokenID,
		YesOutcome: yesOutcomeName(m),
		EntryPrice: q.BestAsk,
		NowMs:      nowMs,
	})
	switch tr.Status {
	case types.TradeFilled, types.TradePartial, types.TradeShadow:
		e.watch.SetStatus(m, types.StatusTraded, nowMs)
	default:
		e.logger.Warn("signal buy did not open", "slug", m.Slug,
			"status", string(tr.Status), "error", tr.Error)
		e.watch.SetStatus(m, types.StatusClosed, nowMs)
	}
}

func (e *Engine) clearPending(m *types.Market) {
	m.PendingSinceMs = 0
	m.PendingDeadlineMs = 0
	m.PendingEntryBid = 0
}

// resolveTimeoutProbe settles the saved-us/cost-us verdict for a market
// whose pending timed out earlier.
func (e *Engine) resolveTimeoutProbe(m *types.Market, q types.Quote, ok bool, nowMs int64) {
	probe, exists := e.timedOut[m.Slug]
	if !exists {
		return
	}
	if nowMs-probe.ms > verdictHorizon.Milliseconds() {
		delete(e.timedOut, m.Slug)
		return
	}
	if !ok || !q.Complete() || probe.entryAsk <= 0 {
		return
	}

	shares := exec.Shares(e.cfg.Execution.BudgetUSD, probe.entryAsk)
	switch {
	case q.BestBid >= verdictWinBid:
		e.jr.Signal("timeout_resolved", map[string]any{
			"signal_id": probe.signalID, "slug": m.Slug, "ts": nowMs,
			"verdict":              "filter_cost_us",
			"hypothetical_pnl_usd": shares * (1 - probe.entryAsk),
		})
		delete(e.timedOut, m.Slug)
	case q.BestBid <= probe.entryAsk-verdictLossDrop:
		e.jr.Signal("timeout_resolved", map[string]any{
			"signal_id": probe.signalID, "slug": m.Slug, "ts": nowMs,
			"verdict":              "filter_saved_us",
			"hypothetical_pnl_usd": shares * (q.BestBid - probe.entryAsk),
		})
		delete(e.timedOut, m.Slug)
	}
}
