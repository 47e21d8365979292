package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"polysniper/internal/book"
	"polysniper/internal/clock"
	"polysniper/internal/config"
	"polysniper/internal/exec"
	"polysniper/internal/httpq"
	"polysniper/internal/journal"
	"polysniper/internal/metrics"
	"polysniper/internal/resolver"
	"polysniper/internal/store"
	"polysniper/internal/watchlist"
	"polysniper/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Mode: types.ModePaper,
		Watchlist: config.WatchlistConfig{
			TTL: 30 * time.Minute, Max: 50,
			TerminalBid: 0.995, TerminalAsk: 0.005, TerminalConfirm: 30 * time.Second,
			StaleBook: 10 * time.Minute, StaleQuote: 10 * time.Minute,
			StaleTradeability: 20 * time.Minute,
			LiveFreshness:     90 * time.Second, LiveExpiredGrace: 2 * time.Hour,
		},
		Filters: config.FiltersConfig{
			MinProb: 0.90, MaxEntryPrice: 0.97, MaxSpread: 0.03,
			NearProbMin: 0.94, NearSpreadMax: 0.02,
			MinEntryDepthUSD: 200, MinExitDepthUSD: 100,
			DepthLevels: 3, MaxBookLevels: 10,
		},
		Pending:  config.PendingConfig{Window: 6 * time.Second, Cooldown: 120 * time.Second},
		Resolver: config.ResolverConfig{MaxPerCycle: 4},
		Execution: config.ExecutionConfig{
			BudgetUSD: 5, MaxDailyTrades: 50, MaxConcurrent: 10, MaxTotalExposure: 100,
			ResolvedBid: 0.997, ResolvedAsk: 0.999, ResolvedSellFloor: 0.95, MinMarginHold: 3,
		},
		Leagues: []config.LeagueConfig{
			{Tag: "ncaab", Sport: "ncaab", StopLossBid: 0.45, StopLossAsk: 0.52},
			{Tag: "epl", Sport: "soccer", StopLossBid: 0.45, StopLossAsk: 0.52},
		},
	}
}

type fixture struct {
	t      *testing.T
	e      *Engine
	w      *watchlist.Store
	bridge *exec.Bridge

	clk *clock.Fake

	mu    sync.Mutex
	books map[string]types.BookResponse
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	cfg := testConfig()

	f := &fixture{
		t:     t,
		clk:   &clock.Fake{T: time.UnixMilli(1_000_000)},
		books: make(map[string]types.BookResponse),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		b, ok := f.books[r.URL.Query().Get("token_id")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(b)
	}))
	t.Cleanup(srv.Close)

	queue := httpq.New(4, 32, 2*time.Second, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go queue.Run(ctx)

	fetcher := book.NewFetcher(srv.URL, 2*time.Second)
	st, err := store.Open(t.TempDir(), "t")
	if err != nil {
		t.Fatal(err)
	}
	jr, err := journal.Open(t.TempDir(), time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { jr.Close() })

	f.w = watchlist.New(cfg.Watchlist, "", logger)
	f.bridge = exec.New(types.ModePaper, cfg.Execution, nil, st, jr, nil, "", logger)
	f.e = New(cfg, f.clk, Deps{
		Watchlist: f.w,
		Queue:     queue,
		Books:     fetcher,
		Resolver:  resolver.New(fetcher, queue, cfg.Filters.MaxBookLevels, logger),
		Bridge:    f.bridge,
		Metrics:   metrics.New(),
		Journal:   jr,
	}, logger)
	return f
}

func (f *fixture) nowMs() int64 { return clock.Ms(f.clk.T) }

func (f *fixture) addMarket(slug, league, yes, no string) *types.Market {
	f.t.Helper()
	m, _ := f.w.Upsert(types.Candidate{
		ConditionID: "c-" + slug, Slug: slug, Question: slug, League: league,
		TokenPair: []string{yes, no}, Outcomes: []string{"A", "B"}, Volume24h: 1000,
		EndDate: time.UnixMilli(1_000_000).UTC().Add(6 * time.Hour).Format(time.RFC3339),
	}, f.nowMs())
	f.w.SetResolved(m, yes, no)
	return m
}

func (f *fixture) setBook(token string, bid, ask float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := types.BookResponse{AssetID: token}
	if bid > 0 {
		b.Bids = []types.PriceLevel{{Price: flex(bid), Size: "600"}}
	}
	if ask > 0 {
		b.Asks = []types.PriceLevel{{Price: flex(ask), Size: "600"}}
	}
	f.books[token] = b
}

func flex(v float64) types.Flex { return types.Flex(fmt.Sprintf("%.3f", v)) }

// pair sets a YES book plus a NO book whose complement is strictly looser,
// so the direct YES quote always wins the complement rule unchanged.
func (f *fixture) pair(yes, no string, bid, ask float64) {
	f.setBook(yes, bid, ask)
	f.setBook(no, 1-ask-0.01, 1-bid+0.01)
}

func TestNearMarginPromotion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.addMarket("duke-unc", "ncaab", "y1", "n1")
	// Qualifies on spread alone: ask below near_prob_min, spread 0.015.
	f.pair("y1", "n1", 0.920, 0.935)

	f.e.Cycle(context.Background())
	if m.Status != types.StatusPending {
		t.Fatalf("status after first pass = %q, want pending", m.Status)
	}
	if m.PendingDeadlineMs != 1_000_000+6000 {
		t.Errorf("deadline = %d, want entry+6000", m.PendingDeadlineMs)
	}
	if m.PendingEntryBid != 0.920 {
		t.Errorf("entry bid snapshot = %v", m.PendingEntryBid)
	}

	f.clk.Advance(3 * time.Second)
	f.e.Cycle(context.Background())
	if m.Status != types.StatusTraded {
		t.Fatalf("status after confirmation = %q, want traded", m.Status)
	}
	if m.Signals.Count != 1 || m.Signals.LastType != types.SignalMicrostructure {
		t.Errorf("signals = %+v, want count 1, type microstructure", m.Signals)
	}
	if m.CooldownUntilMs <= f.nowMs() {
		t.Error("cooldown not armed on promotion")
	}
	if m.PendingSinceMs != 0 || m.PendingDeadlineMs != 0 {
		t.Error("pending state not cleared on promotion")
	}

	sid := clock.SignalID(1_000_000, "duke-unc")
	buy := f.bridge.Trade(types.TradeKey(types.TradeBuy, sid))
	if buy == nil || buy.Status != types.TradeFilled {
		t.Fatalf("buy = %+v, want paper fill", buy)
	}
	if buy.EntryPrice != 0.935 {
		t.Errorf("entry price = %v, want the confirmed ask", buy.EntryPrice)
	}
}

func TestPendingTimeoutRevertsToWatching(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.addMarket("duke-unc", "ncaab", "y1", "n1")
	f.pair("y1", "n1", 0.920, 0.935)
	f.e.Cycle(context.Background())
	if m.Status != types.StatusPending {
		t.Fatalf("setup: status = %q", m.Status)
	}

	// Price falls out of range before the deadline passes.
	f.pair("y1", "n1", 0.780, 0.800)
	f.clk.Advance(7 * time.Second)
	f.e.Cycle(context.Background())

	if m.Status != types.StatusWatching {
		t.Fatalf("status after timeout = %q, want watching", m.Status)
	}
	if m.PendingSinceMs != 0 || m.PendingDeadlineMs != 0 || m.PendingEntryBid != 0 {
		t.Error("pending state not cleared on timeout")
	}
	if m.LastReject == nil || m.LastReject.Reason != types.ReasonPendingTimeout {
		t.Errorf("last reject = %+v, want pending_timeout", m.LastReject)
	}

	timeouts := f.e.mets.RecentPendingTimeouts()
	if len(timeouts) != 1 {
		t.Fatalf("recorded timeouts = %d, want 1", len(timeouts))
	}
	if want := types.ConfirmationReason(types.ReasonPriceOutOfRange); timeouts[0].Reason != want {
		t.Errorf("dominant reason = %q, want %q", timeouts[0].Reason, want)
	}
	if m.Signals.Count != 0 {
		t.Error("timeout incremented the signal count")
	}
}

func TestSchedulingGuardStopsAfterFirstPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.addMarket("slug-a", "ncaab", "ya", "na")
	b := f.addMarket("slug-b", "ncaab", "yb", "nb")
	f.pair("ya", "na", 0.920, 0.935)
	f.pair("yb", "nb", 0.920, 0.935)

	f.e.Cycle(context.Background())

	if a.Status != types.StatusPending {
		t.Errorf("first market status = %q, want pending", a.Status)
	}
	if b.Status != types.StatusWatching {
		t.Errorf("second market status = %q, want watching (guard)", b.Status)
	}

	// A cycle that starts with a pending does not stop early: the pending
	// promotes and the second market enters pending.
	f.clk.Advance(2 * time.Second)
	f.e.Cycle(context.Background())
	if a.Status != types.StatusTraded {
		t.Errorf("first market status = %q, want traded", a.Status)
	}
	if b.Status != types.StatusPending {
		t.Errorf("second market status = %q, want pending", b.Status)
	}
}

func TestCooldownBlocksOnlyWatchingEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.addMarket("duke-unc", "ncaab", "y1", "n1")
	f.pair("y1", "n1", 0.920, 0.935)
	m.CooldownUntilMs = f.nowMs() + 60_000

	f.e.Cycle(context.Background())
	if m.Status != types.StatusWatching {
		t.Fatalf("status = %q, want watching under cooldown", m.Status)
	}
	if m.LastReject == nil || m.LastReject.Reason != types.ReasonCooldownActive {
		t.Errorf("last reject = %+v, want cooldown_active", m.LastReject)
	}

	// The same cooldown does not block a pending confirmation.
	m.CooldownUntilMs = 0
	f.e.Cycle(context.Background())
	m.CooldownUntilMs = f.nowMs() + 60_000
	f.clk.Advance(2 * time.Second)
	f.e.Cycle(context.Background())
	if m.Status != types.StatusTraded {
		t.Errorf("status = %q, want traded despite cooldown", m.Status)
	}
}

func TestTerminalPriceOverHTTPExpires(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.addMarket("duke-unc", "ncaab", "y1", "n1")
	f.pair("y1", "n1", 0.996, 0.999)

	f.e.Cycle(context.Background())

	if m.Status != types.StatusExpired {
		t.Fatalf("status = %q, want expired on terminal HTTP price", m.Status)
	}
	if m.LastReject == nil || m.LastReject.Reason != types.ReasonTerminalPriceOnHTTP {
		t.Errorf("last reject = %+v", m.LastReject)
	}
}

func TestOneSidedQuoteRecordsIncomplete(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.addMarket("duke-unc", "ncaab", "y1", "n1")
	f.setBook("y1", 0.920, 0) // bids only, no NO book to complement

	f.e.Cycle(context.Background())

	if m.Status != types.StatusWatching {
		t.Fatalf("status = %q, want watching", m.Status)
	}
	if m.LastReject == nil || m.LastReject.Reason != types.ReasonQuoteIncomplete {
		t.Fatalf("last reject = %+v, want quote_incomplete", m.LastReject)
	}
	if m.LastReject.Detail != types.ReasonMissingBestAsk {
		t.Errorf("sub-reason = %q, want missing_best_ask", m.LastReject.Detail)
	}
	if m.FirstIncompleteQuoteMs == 0 {
		t.Error("incomplete-quote timer not started")
	}
	if m.LastPrice == nil || m.LastPrice.HasAsk {
		t.Errorf("partial snapshot = %+v", m.LastPrice)
	}

	// Both sides returning clears the timer.
	f.pair("y1", "n1", 0.920, 0.935)
	f.e.Cycle(context.Background())
	if m.FirstIncompleteQuoteMs != 0 {
		t.Error("incomplete-quote timer not cleared")
	}
}

func TestSoccerGateBlocksBeforeStage1(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.addMarket("ars-che", "epl", "y1", "n1")
	f.pair("y1", "n1", 0.920, 0.935)

	f.e.Cycle(context.Background())
	if m.Status != types.StatusWatching {
		t.Fatalf("status = %q, want watching", m.Status)
	}
	if m.LastReject == nil || m.LastReject.Reason != "soccer_gate:no_context" {
		t.Errorf("last reject = %+v, want soccer_gate:no_context", m.LastReject)
	}

	m.ContextEntry = &types.ContextEntry{Allowed: false, BlockedReason: "first_half", UpdatedMs: f.nowMs()}
	f.e.Cycle(context.Background())
	if m.LastReject.Reason != "soccer_gate:first_half" {
		t.Errorf("last reject = %+v, want soccer_gate:first_half", m.LastReject)
	}

	m.ContextEntry = &types.ContextEntry{Allowed: true, HasMargin: true, MarginForYes: 3, UpdatedMs: f.nowMs()}
	f.e.Cycle(context.Background())
	if m.Status != types.StatusPending {
		t.Errorf("status = %q, want pending once the gate allows", m.Status)
	}
}

func TestPendingIntegrityFix(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.addMarket("duke-unc", "ncaab", "y1", "n1")
	f.pair("y1", "n1", 0.920, 0.935)

	// A pending record with no timestamps is corrupt state from a bad
	// restore; the loop resets it instead of trading on it.
	m.Status = types.StatusPending

	f.e.Cycle(context.Background())
	if m.Status != types.StatusWatching {
		t.Fatalf("status = %q, want watching after integrity fix", m.Status)
	}
	if m.LastReject == nil || m.LastReject.Reason != types.ReasonPendingIntegrityFix {
		t.Errorf("last reject = %+v", m.LastReject)
	}
}

func TestTimeoutVerdictCostUs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.addMarket("duke-unc", "ncaab", "y1", "n1")
	f.pair("y1", "n1", 0.920, 0.935)
	f.e.Cycle(context.Background())

	f.pair("y1", "n1", 0.780, 0.800)
	f.clk.Advance(7 * time.Second)
	f.e.Cycle(context.Background())
	if len(f.e.timedOut) != 1 {
		t.Fatalf("timeout probes = %d, want 1", len(f.e.timedOut))
	}

	// The market then resolves YES: the filter cost us the trade.
	f.pair("y1", "n1", 0.996, 0.999)
	f.clk.Advance(time.Minute)
	f.e.Cycle(context.Background())
	if len(f.e.timedOut) != 0 {
		t.Error("verdict probe not settled on terminal price")
	}
	if m.Status != types.StatusExpired {
		t.Errorf("status = %q, want expired", m.Status)
	}
}

func TestUniverseOrdering(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	near := f.addMarket("near", "ncaab", "y1", "n1")
	far := f.addMarket("far", "ncaab", "y2", "n2")
	pend := f.addMarket("pend", "ncaab", "y3", "n3")
	sig := f.addMarket("sig", "ncaab", "y4", "n4")

	near.LastPrice = &types.PriceSnapshot{BestAsk: 0.92, HasAsk: true}
	far.LastPrice = &types.PriceSnapshot{BestAsk: 0.60, HasAsk: true}
	pend.Status = types.StatusPending
	pend.PendingSinceMs = 1
	pend.PendingDeadlineMs = 100
	sig.Status = types.StatusSignaled
	sig.Signals.Count = 1

	got := f.e.universe()
	order := make([]string, len(got))
	for i, m := range got {
		order[i] = m.Slug
	}
	want := []string{"pend", "sig", "near", "far"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("universe order = %v, want %v", order, want)
		}
	}
}

func TestComplementQuoteTightens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		yes, no  types.Quote
		bid, ask float64
	}{
		{
			"no side tightens both",
			types.Quote{BestBid: 0.90, BestAsk: 0.97, HasBid: true, HasAsk: true},
			types.Quote{BestBid: 0.04, BestAsk: 0.06, HasBid: true, HasAsk: true},
			0.94, 0.96,
		},
		{
			"looser complement ignored",
			types.Quote{BestBid: 0.90, BestAsk: 0.97, HasBid: true, HasAsk: true},
			types.Quote{BestBid: 0.01, BestAsk: 0.20, HasBid: true, HasAsk: true},
			0.90, 0.97,
		},
		{
			"complement fills a missing side",
			types.Quote{BestBid: 0.90, HasBid: true},
			types.Quote{BestBid: 0.04, BestAsk: 0.06, HasBid: true, HasAsk: true},
			0.94, 0.96,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := complementQuote(tt.yes, tt.no)
			if !got.Complete() {
				t.Fatalf("quote incomplete: %+v", got)
			}
			if got.BestBid != tt.bid || got.BestAsk != tt.ask {
				t.Errorf("got (%v, %v), want (%v, %v)", got.BestBid, got.BestAsk, tt.bid, tt.ask)
			}
		})
	}
}

func TestTradedMarketsArePriceOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.addMarket("duke-unc", "ncaab", "y1", "n1")
	f.pair("y1", "n1", 0.920, 0.935)
	f.e.Cycle(context.Background())
	f.clk.Advance(2 * time.Second)
	f.e.Cycle(context.Background())
	if m.Status != types.StatusTraded {
		t.Fatalf("setup: status = %q", m.Status)
	}
	count := m.Signals.Count

	// Further passing cycles never re-signal a market holding a position.
	f.clk.Advance(2 * time.Second)
	f.e.Cycle(context.Background())
	if m.Signals.Count != count {
		t.Error("traded market was re-promoted")
	}
	if m.LastPrice == nil || m.LastPrice.UpdatedMs != f.nowMs() {
		t.Error("traded market price not refreshed")
	}
}

func TestClosedPositionLeavesWatchlist(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.addMarket("duke-unc", "ncaab", "y1", "n1")
	f.pair("y1", "n1", 0.920, 0.935)
	f.e.Cycle(context.Background())
	f.clk.Advance(2 * time.Second)
	f.e.Cycle(context.Background())
	if m.Status != types.StatusTraded {
		t.Fatalf("setup: status = %q, want traded", m.Status)
	}

	// The book resolves YES: the exit check sells, the position closes,
	// and the market settles to closed in the same cycle.
	f.pair("y1", "n1", 0.998, 0.999)
	f.clk.Advance(2 * time.Second)
	f.e.Cycle(context.Background())
	if m.Status != types.StatusClosed {
		t.Fatalf("status after resolved exit = %q, want closed", m.Status)
	}
	if n := len(f.bridge.OpenPositions()); n != 0 {
		t.Fatalf("open positions = %d, want 0", n)
	}

	// The sustained terminal price then reclaims the closed record.
	f.clk.Advance(31 * time.Second)
	f.e.Cycle(context.Background())
	f.clk.Advance(time.Second)
	f.e.Cycle(context.Background())
	if _, ok := f.w.Get("c-duke-unc"); ok {
		t.Error("closed market never left the watchlist")
	}
}
