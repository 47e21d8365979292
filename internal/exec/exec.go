// Package exec is the execution bridge: it turns signal_open and
// signal_close events into idempotent buy and sell trade records,
// enforces the trading limits, and reconciles local state against the
// exchange. The evaluation loop issues the buys and sells, the
// reconcile loop and the status surface run on their own goroutines, so
// every record access goes through the bridge mutex and callers only
// ever see copies. The state file is persisted atomically after each
// change.
package exec

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"polysniper/internal/config"
	"polysniper/internal/journal"
	"polysniper/internal/store"
	"polysniper/pkg/types"
)

const (
	stateFile = "exec_state"

	// Escalating-floor schedule for stop-loss sells, as offsets below the
	// trigger price. The absolute floor never drops more than 0.10 below
	// the trigger.
	maxFloorDrop = 0.10

	fillEpsilon = 1e-6

	realFillRetries = 5
	realFillDelay   = 700 * time.Millisecond
)

var slFloorSteps = []float64{0, 0.01, 0.02, 0.03, 0.05}

// Orders is the order-submission client surface the bridge depends on.
type Orders interface {
	ExecuteBuy(ctx context.Context, tokenID string, shares, maxPrice float64) types.FillResult
	ExecuteSell(ctx context.Context, tokenID string, shares, floor float64) types.FillResult
	GetBalance(ctx context.Context) (float64, error)
	GetConditionalBalance(ctx context.Context, tokenID string) (float64, error)
	GetPositions(ctx context.Context, funder string) ([]types.Position, error)
	FetchRealFillPrice(ctx context.Context, orderID string, retries int, delay time.Duration) (float64, bool)
}

// Notifier receives terminal trade events out of band. Implementations
// must not block.
type Notifier interface {
	Notify(event string, fields map[string]any)
}

// OpenRequest is a signal_open handoff from the evaluation loop.
type OpenRequest struct {
	SignalID   string
	Slug       string
	League     string
	TokenID    string
	YesOutcome string
	EntryPrice float64 // best ask at signal time
	NowMs      int64
}

// CloseRequest asks the bridge to unwind one position.
type CloseRequest struct {
	SignalID     string
	Reason       types.CloseReason
	TriggerPrice float64 // best bid at trigger time
	NowMs        int64
}

// persistedState is the exec state file shape.
type persistedState struct {
	Trades     map[string]*types.Trade `json:"trades"`
	DailyDay   string                  `json:"daily_day"`
	DailyCount int                     `json:"daily_count"`
	Paused     bool                    `json:"paused"`
}

// Bridge owns the execution trade records, keyed by "<side>:<signal_id>".
type Bridge struct {
	mode    types.Mode
	cfg     config.ExecutionConfig
	orders  Orders
	store   *store.Store
	journal *journal.Journal
	notify  Notifier
	funder  string
	logger  *slog.Logger

	mu         sync.RWMutex
	trades     map[string]*types.Trade
	dailyDay   string
	dailyCount int
	paused     bool
}

// New creates the bridge. orders may be nil in paper mode; notify may be
// nil to disable out-of-band notification.
func New(mode types.Mode, cfg config.ExecutionConfig, orders Orders, st *store.Store, jr *journal.Journal, notify Notifier, funder string, logger *slog.Logger) *Bridge {
	return &Bridge{
		mode:    mode,
		cfg:     cfg,
		orders:  orders,
		store:   st,
		journal: jr,
		notify:  notify,
		funder:  funder,
		logger:  logger.With("component", "exec"),
		trades:  make(map[string]*types.Trade),
	}
}

// Load restores the trade records from the state file.
func (b *Bridge) Load() error {
	var st persistedState
	found, err := b.store.Load(stateFile, &st)
	if err != nil {
		return fmt.Errorf("load exec state: %w", err)
	}
	if !found {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if st.Trades != nil {
		b.trades = st.Trades
	}
	b.dailyDay = st.DailyDay
	b.dailyCount = st.DailyCount
	b.paused = st.Paused
	b.logger.Info("exec state restored", "trades", len(b.trades), "paused", b.paused)
	return nil
}

// persist writes the state file. The caller holds the bridge mutex.
func (b *Bridge) persist() {
	st := persistedState{
		Trades:     b.trades,
		DailyDay:   b.dailyDay,
		DailyCount: b.dailyCount,
		Paused:     b.paused,
	}
	if err := b.store.Save(stateFile, st); err != nil {
		b.logger.Error("persist exec state failed", "error", err)
	}
}

// Pause stops new buys; open positions keep being managed.
func (b *Bridge) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
	b.persist()
}

// Resume re-enables buys.
func (b *Bridge) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
	b.persist()
}

// Paused reports whether new buys are blocked.
func (b *Bridge) Paused() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.paused
}

// Trade returns a copy of one trade record by key, or nil.
func (b *Bridge) Trade(key string) *types.Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tr, ok := b.trades[key]
	if !ok {
		return nil
	}
	c := *tr
	return &c
}

// OpenPositions returns copies of the filled buys without a completed
// sell, for the exit checks and the status surface.
func (b *Bridge) OpenPositions() []types.Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []types.Trade
	for _, tr := range b.trades {
		if b.isOpen(tr) {
			out = append(out, *tr)
		}
	}
	return out
}

// openCount counts live positions. The caller holds the bridge mutex.
func (b *Bridge) openCount() int {
	n := 0
	for _, tr := range b.trades {
		if b.isOpen(tr) {
			n++
		}
	}
	return n
}

// copyTrade snapshots a live record for callers outside the mutex.
func copyTrade(tr *types.Trade) *types.Trade {
	if tr == nil {
		return nil
	}
	c := *tr
	return &c
}

// isOpen reports whether a buy record represents a live position.
func (b *Bridge) isOpen(tr *types.Trade) bool {
	if tr.Side != types.TradeBuy {
		return false
	}
	switch tr.Status {
	case types.TradeFilled, types.TradePartial:
		return true
	}
	return false
}

func dayKey(nowMs int64) string {
	return time.UnixMilli(nowMs).UTC().Format("2006-01-02")
}

// openExposure sums the spent USD across open positions.
func (b *Bridge) openExposure() float64 {
	var sum float64
	for _, tr := range b.trades {
		if b.isOpen(tr) {
			sum += tr.SpentUSD
		}
	}
	return sum
}

// Shares computes the buy size from the per-trade budget, truncated to
// two decimals.
func Shares(budgetUSD, entryPrice float64) float64 {
	if entryPrice <= 0 {
		return 0
	}
	return math.Floor(budgetUSD/entryPrice*100) / 100
}

// checkLimits runs the admission gates for a new buy. Returns the reject
// reason or "".
func (b *Bridge) checkLimits(req OpenRequest) string {
	if b.paused {
		return types.ReasonPaused
	}
	if req.TokenID == "" {
		return types.ReasonNoTokenID
	}
	if len(b.cfg.Allowlist) > 0 {
		allowed := false
		for _, slug := range b.cfg.Allowlist {
			if slug == req.Slug {
				allowed = true
				break
			}
		}
		if !allowed {
			return types.ReasonAllowlist
		}
	}
	if day := dayKey(req.NowMs); day != b.dailyDay {
		b.dailyDay = day
		b.dailyCount = 0
	}
	if b.cfg.MaxDailyTrades > 0 && b.dailyCount >= b.cfg.MaxDailyTrades {
		return types.ReasonDailyLimit
	}
	if b.cfg.MaxConcurrent > 0 && b.openCount() >= b.cfg.MaxConcurrent {
		return types.ReasonConcurrentLimit
	}
	if b.openExposure()+b.cfg.BudgetUSD > b.cfg.MaxTotalExposure {
		return types.ReasonExposureLimit
	}
	return ""
}

// OpenBuy handles a signal_open. Idempotent per signal ID: an existing
// buy record is returned unchanged. The returned record is a copy.
func (b *Bridge) OpenBuy(ctx context.Context, req OpenRequest) *types.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyTrade(b.openBuyLocked(ctx, req))
}

func (b *Bridge) openBuyLocked(ctx context.Context, req OpenRequest) *types.Trade {
	key := types.TradeKey(types.TradeBuy, req.SignalID)
	if existing, ok := b.trades[key]; ok {
		return existing
	}

	tr := &types.Trade{
		Key:        key,
		SignalID:   req.SignalID,
		Slug:       req.Slug,
		League:     req.League,
		Side:       types.TradeBuy,
		TokenID:    req.TokenID,
		YesOutcome: req.YesOutcome,
		Status:     types.TradeQueued,
		EntryPrice: req.EntryPrice,
		QueuedMs:   req.NowMs,
	}
	b.trades[key] = tr

	if reason := b.checkLimits(req); reason != "" {
		tr.Status = types.TradeFailed
		tr.Error = reason
		tr.DoneMs = req.NowMs
		b.persist()
		b.journal.Execution("trade_failed", map[string]any{
			"trade_id": key, "slug": req.Slug, "side": "buy", "reason": reason,
		})
		return tr
	}

	shares := Shares(b.cfg.BudgetUSD, req.EntryPrice)
	if shares <= 0 {
		tr.Status = types.TradeFailed
		tr.Error = "zero share size"
		tr.DoneMs = req.NowMs
		b.persist()
		return tr
	}
	tr.RequestedShares = shares

	switch b.mode {
	case types.ModePaper:
		tr.Status = types.TradeFilled
		tr.FilledShares = shares
		tr.AvgFillPrice = req.EntryPrice
		tr.SpentUSD = shares * req.EntryPrice
		tr.OrderID = "paper-" + req.SignalID
		tr.DoneMs = req.NowMs
	case types.ModeShadowLive:
		if b.orders != nil {
			if usd, err := b.orders.GetBalance(ctx); err == nil {
				b.logger.Info("shadow buy", "slug", req.Slug, "shares", shares,
					"entry", req.EntryPrice, "balance_usd", usd)
			}
		}
		tr.Status = types.TradeShadow
		tr.FilledShares = shares
		tr.AvgFillPrice = req.EntryPrice
		tr.SpentUSD = shares * req.EntryPrice
		tr.DoneMs = req.NowMs
	default:
		tr.Status = types.TradeSent
		tr.SentMs = req.NowMs
		fill := b.orders.ExecuteBuy(ctx, req.TokenID, shares, req.EntryPrice)
		tr.DoneMs = req.NowMs
		tr.OrderID = fill.OrderID
		if !fill.OK {
			if fill.OrderID != "" {
				// The order reached the exchange but its outcome is unclear.
				// Keep the record in error so reconcile can settle it.
				tr.Status = types.TradeError
				tr.Error = types.ReasonOrderStatusUnknown
			} else {
				tr.Status = types.TradeFailed
				tr.Error = fill.Error
			}
			b.persist()
			b.journal.Execution("trade_failed", map[string]any{
				"trade_id": key, "slug": req.Slug, "side": "buy",
				"order_id": fill.OrderID, "reason": tr.Error,
			})
			return tr
		}
		tr.FilledShares = fill.FilledShares
		tr.AvgFillPrice = fill.AvgFillPrice
		tr.SpentUSD = fill.SpentUSD
		tr.IsPartial = fill.IsPartial
		if fill.IsPartial {
			tr.Status = types.TradePartial
			if !b.cfg.AcceptPartialFill {
				b.rejectPartial(ctx, tr, req)
			}
		} else {
			tr.Status = types.TradeFilled
		}
	}

	b.dailyCount++
	b.persist()

	kind := "trade_executed"
	if b.mode == types.ModeShadowLive {
		kind = "shadow_trade_executed"
	}
	row := map[string]any{
		"trade_id": key, "side": "buy", "ts": req.NowMs, "slug": req.Slug,
		"order_id": tr.OrderID, "requested_shares": tr.RequestedShares,
		"filled_shares": tr.FilledShares, "avg_fill_price": tr.AvgFillPrice,
		"spent_usd": tr.SpentUSD, "is_partial": tr.IsPartial,
	}
	b.journal.Execution(kind, row)
	if b.notify != nil {
		b.notify.Notify(kind, row)
	}
	return tr
}

// rejectPartial unwinds a partial buy when partial fills are configured
// off. A full unwind closes the buy; anything less shrinks the buy to
// the shares still held, so the exit checks manage the remainder, and
// keeps the sell record free for a later close.
func (b *Bridge) rejectPartial(ctx context.Context, buy *types.Trade, req OpenRequest) {
	sell := &types.Trade{
		Key:         types.TradeKey(types.TradeSell, req.SignalID),
		SignalID:    req.SignalID,
		Slug:        buy.Slug,
		League:      buy.League,
		Side:        types.TradeSell,
		TokenID:     buy.TokenID,
		Status:      types.TradeSent,
		CloseReason: types.ClosePartialRejected,
		QueuedMs:    req.NowMs,
		SentMs:      req.NowMs,
	}
	b.sellEscalating(ctx, sell, buy.FilledShares, buy.AvgFillPrice)
	sell.DoneMs = req.NowMs

	if sell.Status == types.TradeFilled {
		b.trades[sell.Key] = sell
		buy.Status = types.TradeClosed
		buy.Error = types.ReasonPartialRejected
		buy.DoneMs = req.NowMs
	} else {
		if sell.FilledShares > 0 {
			buy.FilledShares -= sell.FilledShares
			buy.SpentUSD -= sell.FilledShares * buy.AvgFillPrice
		}
		b.logger.Warn("partial unwind incomplete, remainder stays open",
			"slug", buy.Slug, "unwound", sell.FilledShares, "held", buy.FilledShares)
	}
	b.journal.Execution("partial_rejected", map[string]any{
		"trade_id": buy.Key, "slug": buy.Slug, "ts": req.NowMs,
		"unwound_shares": sell.FilledShares, "held_shares": buy.FilledShares,
		"fully_unwound": sell.Status == types.TradeFilled,
	})
}

// Close handles a signal_close for an open position. Idempotent per
// signal ID: an existing sell record is returned unchanged. The
// returned record is a copy.
func (b *Bridge) Close(ctx context.Context, req CloseRequest) *types.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyTrade(b.closeLocked(ctx, req))
}

func (b *Bridge) closeLocked(ctx context.Context, req CloseRequest) *types.Trade {
	key := types.TradeKey(types.TradeSell, req.SignalID)
	if existing, ok := b.trades[key]; ok {
		return existing
	}

	buy := b.trades[types.TradeKey(types.TradeBuy, req.SignalID)]
	if buy == nil || !b.isOpen(buy) {
		return nil
	}

	tr := &types.Trade{
		Key:         key,
		SignalID:    req.SignalID,
		Slug:        buy.Slug,
		League:      buy.League,
		Side:        types.TradeSell,
		TokenID:     buy.TokenID,
		Status:      types.TradeQueued,
		CloseReason: req.Reason,
		QueuedMs:    req.NowMs,
	}
	b.trades[key] = tr

	shares := buy.FilledShares
	switch b.mode {
	case types.ModePaper:
		tr.Status = types.TradeFilled
		tr.FilledShares = shares
		tr.AvgFillPrice = req.TriggerPrice
		tr.ReceivedUSD = shares * req.TriggerPrice
		tr.DoneMs = req.NowMs
	case types.ModeShadowLive:
		tr.Status = types.TradeShadow
		tr.FilledShares = shares
		tr.AvgFillPrice = req.TriggerPrice
		tr.ReceivedUSD = shares * req.TriggerPrice
		tr.DoneMs = req.NowMs
	default:
		// Bound by the conditional balance when readable, so a re-run after
		// a failed tail cannot double-sell.
		if held, err := b.orders.GetConditionalBalance(ctx, buy.TokenID); err == nil && held < shares {
			shares = held
		}
		tr.Status = types.TradeSent
		tr.SentMs = req.NowMs
		if req.Reason == types.CloseResolved {
			b.sellResolved(ctx, tr, shares)
		} else {
			b.sellEscalating(ctx, tr, shares, req.TriggerPrice)
		}
		tr.DoneMs = req.NowMs
	}

	b.finishClose(buy, tr, req)
	return tr
}

// sellResolved market-sells at the permissive resolved floor and then
// tries to replace the provisional price with the real fill average.
func (b *Bridge) sellResolved(ctx context.Context, tr *types.Trade, shares float64) {
	tr.Attempts = 1
	fill := b.orders.ExecuteSell(ctx, tr.TokenID, shares, b.cfg.ResolvedSellFloor)
	tr.OrderID = fill.OrderID
	if !fill.OK {
		tr.Status = types.TradeFailed
		tr.Error = fill.Error
		return
	}
	tr.FilledShares = fill.FilledShares
	tr.AvgFillPrice = fill.AvgFillPrice
	tr.ReceivedUSD = fill.SpentUSD
	tr.IsPartial = fill.IsPartial
	tr.Status = types.TradeFilled
	if fill.IsPartial {
		tr.Status = types.TradePartial
	}

	if real, ok := b.orders.FetchRealFillPrice(ctx, fill.OrderID, realFillRetries, realFillDelay); ok {
		tr.AvgFillPrice = real
		tr.ReceivedUSD = real * tr.FilledShares
	}
}

// sellEscalating walks the stop-loss floor schedule, aggregating partial
// fills, until all shares are sold or the schedule is exhausted.
func (b *Bridge) sellEscalating(ctx context.Context, tr *types.Trade, shares, trigger float64) {
	lowerBound := trigger - maxFloorDrop
	remaining := shares
	var soldShares, soldUSD float64

	for _, step := range slFloorSteps {
		if remaining <= fillEpsilon {
			break
		}
		floor := trigger - step
		if floor < lowerBound {
			floor = lowerBound
		}
		tr.Attempts++
		fill := b.orders.ExecuteSell(ctx, tr.TokenID, remaining, floor)
		if fill.OrderID != "" {
			tr.OrderID = fill.OrderID
		}
		if !fill.OK || fill.FilledShares <= 0 {
			continue
		}
		soldShares += fill.FilledShares
		soldUSD += fill.SpentUSD
		remaining -= fill.FilledShares
	}

	tr.FilledShares = soldShares
	if soldShares > 0 {
		tr.AvgFillPrice = soldUSD / soldShares
	}
	tr.ReceivedUSD = soldUSD

	switch {
	case remaining <= fillEpsilon:
		tr.Status = types.TradeFilled
	case soldShares > 0:
		tr.Status = types.TradePartial
		tr.IsPartial = true
		tr.Error = types.ReasonSLAllAttemptsFail
	default:
		tr.Status = types.TradeFailed
		tr.Error = types.ReasonSLAllAttemptsFail
	}
}

// finishClose journals the sell outcome and closes the buy record when
// the position is fully unwound. A failed stop-loss tail leaves the buy
// open; the system keeps running.
func (b *Bridge) finishClose(buy, tr *types.Trade, req CloseRequest) {
	closed := tr.Status == types.TradeFilled || tr.Status == types.TradeShadow
	if closed {
		buy.Status = types.TradeClosed
		buy.DoneMs = req.NowMs
	}
	b.persist()

	pnl := tr.ReceivedUSD - tr.FilledShares*buy.AvgFillPrice
	roi := 0.0
	if spent := tr.FilledShares * buy.AvgFillPrice; spent > 0 {
		roi = pnl / spent
	}

	kind := "trade_executed"
	switch {
	case b.mode == types.ModeShadowLive:
		kind = "shadow_trade_executed"
	case tr.Status == types.TradeFailed:
		kind = "sl_sell_failed"
	}
	row := map[string]any{
		"trade_id": tr.Key, "side": "sell", "ts": req.NowMs, "slug": tr.Slug,
		"order_id": tr.OrderID, "close_reason": string(req.Reason),
		"requested_shares": buy.FilledShares, "filled_shares": tr.FilledShares,
		"avg_fill_price": tr.AvgFillPrice, "received_usd": tr.ReceivedUSD,
		"attempts": tr.Attempts, "is_partial": tr.IsPartial,
	}
	if tr.Error != "" {
		row["error"] = tr.Error
	}
	b.journal.Execution(kind, row)

	b.journal.Signal("signal_close", map[string]any{
		"signal_id": tr.SignalID, "slug": tr.Slug, "ts": req.NowMs,
		"close_reason": string(req.Reason), "win": pnl > 0,
		"pnl_usd": pnl, "roi": roi,
	})
	b.journal.ForgetTick(tr.SignalID)

	if b.notify != nil {
		b.notify.Notify(kind, row)
	}
}
