package exec

import (
	"context"
	"time"

	"polysniper/pkg/types"
)

// SLThresholds is a per-league stop-loss pair. Both sides must be at or
// below their threshold to trigger.
type SLThresholds struct {
	Bid float64
	Ask float64
}

// ContextView is the per-slug live context the eval loop hands to the
// exit checks. Margin is from the position's YES outcome's perspective.
type ContextView struct {
	Sport     string
	Margin    int
	HasMargin bool
}

const reconcileInterval = 5 * time.Minute

// CheckExits runs the price-driven exit rules over every open position.
// quotes maps slug to the freshest YES quote; contexts carries the
// optional live game view; slFor resolves the league's stop-loss pair.
func (b *Bridge) CheckExits(ctx context.Context, nowMs int64, quotes map[string]types.Quote, contexts map[string]ContextView, slFor func(league string) (SLThresholds, bool)) {
	for _, pos := range b.OpenPositions() {
		q, ok := quotes[pos.Slug]
		if !ok || !q.Complete() {
			continue
		}

		b.journal.PriceTick(pos.SignalID, nowMs, map[string]any{
			"bid": q.BestBid, "ask": q.BestAsk, "spread": q.Spread(),
			"entry_price": pos.AvgFillPrice, "shares": pos.FilledShares,
			"unrealized_pnl": pos.FilledShares * (q.BestBid - pos.AvgFillPrice),
		})

		// Resolved via book: the market has effectively settled YES.
		if q.BestBid > b.cfg.ResolvedBid || (q.BestAsk >= b.cfg.ResolvedAsk && q.BestBid > b.cfg.ResolvedBid) {
			b.logger.Info("position resolved via book", "slug", pos.Slug, "bid", q.BestBid, "ask", q.BestAsk)
			b.Close(ctx, CloseRequest{
				SignalID: pos.SignalID, Reason: types.CloseResolved,
				TriggerPrice: q.BestBid, NowMs: nowMs,
			})
			continue
		}

		// Price stop-loss needs both sides through the league thresholds.
		if sl, ok := slFor(pos.League); ok {
			if q.BestBid <= sl.Bid && q.BestAsk <= sl.Ask {
				b.logger.Warn("price stop-loss triggered", "slug", pos.Slug,
					"bid", q.BestBid, "ask", q.BestAsk, "sl_bid", sl.Bid, "sl_ask", sl.Ask)
				b.Close(ctx, CloseRequest{
					SignalID: pos.SignalID, Reason: types.CloseStopLoss,
					TriggerPrice: q.BestBid, NowMs: nowMs,
				})
				continue
			}
		}

		// Context stop-loss, basketball only: the live margin for our
		// outcome has shrunk below the hold threshold.
		if cv, ok := contexts[pos.Slug]; ok && cv.HasMargin && isBasketball(cv.Sport) {
			if cv.Margin < b.cfg.MinMarginHold {
				b.logger.Warn("context stop-loss triggered", "slug", pos.Slug,
					"margin", cv.Margin, "min_margin_hold", b.cfg.MinMarginHold)
				b.Close(ctx, CloseRequest{
					SignalID: pos.SignalID, Reason: types.CloseContextSL,
					TriggerPrice: q.BestBid, NowMs: nowMs,
				})
			}
		}
	}
}

func isBasketball(sport string) bool {
	return sport == "nba" || sport == "ncaab"
}

// RunReconcile loops the exchange reconciliation every five minutes until
// ctx is cancelled. Paper mode has nothing to reconcile.
func (b *Bridge) RunReconcile(ctx context.Context) {
	if b.mode == types.ModePaper {
		return
	}
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Reconcile(ctx, time.Now().UnixMilli())
		}
	}
}

// Reconcile reads the exchange positions and closes local records whose
// position has vanished (sold or redeemed outside this process).
func (b *Bridge) Reconcile(ctx context.Context, nowMs int64) {
	if b.mode == types.ModePaper || b.orders == nil {
		return
	}

	positions, err := b.orders.GetPositions(ctx, b.funder)
	if err != nil {
		b.logger.Warn("reconcile: positions read failed", "error", err)
		return
	}
	held := make(map[string]float64, len(positions))
	for _, p := range positions {
		held[p.Asset] = p.Size
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	changed := false
	for _, tr := range b.trades {
		if !b.isOpen(tr) || held[tr.TokenID] > fillEpsilon {
			continue
		}
		tr.Status = types.TradeOrphanClosed
		tr.DoneMs = nowMs
		changed = true
		b.logger.Info("orphan position closed", "slug", tr.Slug, "token", tr.TokenID)
		b.journal.Execution("trade_executed", map[string]any{
			"trade_id": tr.Key, "slug": tr.Slug, "ts": nowMs,
			"status": string(types.TradeOrphanClosed),
		})
		b.journal.ForgetTick(tr.SignalID)
	}
	if changed {
		b.persist()
	}
}
