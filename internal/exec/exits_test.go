package exec

import (
	"context"
	"testing"

	"polysniper/pkg/types"
)

func nbaSL(league string) (SLThresholds, bool) {
	if league == "nba" {
		return SLThresholds{Bid: 0.45, Ask: 0.52}, true
	}
	return SLThresholds{}, false
}

func quote(bid, ask float64) types.Quote {
	return types.Quote{BestBid: bid, BestAsk: ask, HasBid: true, HasAsk: true}
}

func sellOf(b *Bridge, sid string) *types.Trade {
	return b.Trade(types.TradeKey(types.TradeSell, sid))
}

func TestExitResolvedViaBook(t *testing.T) {
	t.Parallel()

	b := newBridge(t, types.ModePaper, nil)
	b.OpenBuy(context.Background(), openReq("1|a"))

	b.CheckExits(context.Background(), 2_000_000,
		map[string]types.Quote{"slug-1|a": quote(0.998, 0.999)}, nil, nbaSL)

	tr := sellOf(b, "1|a")
	if tr == nil || tr.CloseReason != types.CloseResolved {
		t.Fatalf("sell = %+v, want resolved close", tr)
	}
	if tr.AvgFillPrice != 0.998 {
		t.Errorf("paper close price = %v, want the bid", tr.AvgFillPrice)
	}
}

func TestExitResolvedNeedsBidThroughThreshold(t *testing.T) {
	t.Parallel()

	b := newBridge(t, types.ModePaper, nil)
	b.OpenBuy(context.Background(), openReq("1|a"))

	// Ask at 0.999 alone does not resolve while the bid sits at 0.99.
	b.CheckExits(context.Background(), 2_000_000,
		map[string]types.Quote{"slug-1|a": quote(0.99, 0.999)}, nil, nbaSL)
	if sellOf(b, "1|a") != nil {
		t.Error("position closed below the resolved bid threshold")
	}
}

func TestExitPriceStopLossRequiresBothSides(t *testing.T) {
	t.Parallel()

	b := newBridge(t, types.ModePaper, nil)
	b.OpenBuy(context.Background(), openReq("1|a"))

	// Bid through the threshold, ask still above: no trigger.
	b.CheckExits(context.Background(), 2_000_000,
		map[string]types.Quote{"slug-1|a": quote(0.44, 0.60)}, nil, nbaSL)
	if sellOf(b, "1|a") != nil {
		t.Fatal("one-sided breach triggered the stop-loss")
	}

	b.CheckExits(context.Background(), 2_100_000,
		map[string]types.Quote{"slug-1|a": quote(0.44, 0.50)}, nil, nbaSL)
	tr := sellOf(b, "1|a")
	if tr == nil || tr.CloseReason != types.CloseStopLoss {
		t.Fatalf("sell = %+v, want stop-loss close", tr)
	}
}

func TestExitContextStopLoss(t *testing.T) {
	t.Parallel()

	b := newBridge(t, types.ModePaper, nil)
	b.OpenBuy(context.Background(), openReq("1|a"))

	quotes := map[string]types.Quote{"slug-1|a": quote(0.80, 0.84)}

	// Margin still above min_margin_hold: hold.
	b.CheckExits(context.Background(), 2_000_000, quotes,
		map[string]ContextView{"slug-1|a": {Sport: "nba", Margin: 9, HasMargin: true}}, nbaSL)
	if sellOf(b, "1|a") != nil {
		t.Fatal("healthy margin triggered the context stop-loss")
	}

	// Soccer context never triggers the basketball rule.
	b.CheckExits(context.Background(), 2_050_000, quotes,
		map[string]ContextView{"slug-1|a": {Sport: "soccer", Margin: 1, HasMargin: true}}, nbaSL)
	if sellOf(b, "1|a") != nil {
		t.Fatal("soccer margin triggered the basketball context stop-loss")
	}

	b.CheckExits(context.Background(), 2_100_000, quotes,
		map[string]ContextView{"slug-1|a": {Sport: "nba", Margin: 3, HasMargin: true}}, nbaSL)
	tr := sellOf(b, "1|a")
	if tr == nil || tr.CloseReason != types.CloseContextSL {
		t.Fatalf("sell = %+v, want context stop-loss close", tr)
	}
}

func TestExitSkipsIncompleteQuotes(t *testing.T) {
	t.Parallel()

	b := newBridge(t, types.ModePaper, nil)
	b.OpenBuy(context.Background(), openReq("1|a"))

	b.CheckExits(context.Background(), 2_000_000,
		map[string]types.Quote{"slug-1|a": {BestBid: 0.999, HasBid: true}}, nil, nbaSL)
	if sellOf(b, "1|a") != nil {
		t.Error("one-sided quote drove an exit")
	}
}

func TestReconcileClosesOrphans(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{
		buy:       types.FillResult{OK: true, FilledShares: 10, AvgFillPrice: 0.75, SpentUSD: 7.5},
		positions: []types.Position{{Asset: "tok-2|b", Size: 10}},
	}
	b := newBridge(t, types.ModeLive, orders)
	b.OpenBuy(context.Background(), openReq("1|a")) // token tok-1|a, absent on exchange
	b.OpenBuy(context.Background(), openReq("2|b")) // still held

	b.Reconcile(context.Background(), 3_000_000)

	if tr := b.Trade(types.TradeKey(types.TradeBuy, "1|a")); tr.Status != types.TradeOrphanClosed {
		t.Errorf("vanished position status = %q, want orphan_closed", tr.Status)
	}
	if tr := b.Trade(types.TradeKey(types.TradeBuy, "2|b")); tr.Status != types.TradeFilled {
		t.Errorf("held position status = %q, want filled", tr.Status)
	}
}

func TestReconcileNoopInPaper(t *testing.T) {
	t.Parallel()

	b := newBridge(t, types.ModePaper, nil)
	b.OpenBuy(context.Background(), openReq("1|a"))
	b.Reconcile(context.Background(), 3_000_000)
	if tr := b.Trade(types.TradeKey(types.TradeBuy, "1|a")); tr.Status != types.TradeFilled {
		t.Errorf("paper reconcile touched the position: %q", tr.Status)
	}
}
