package stream

import (
	"log/slog"
	"testing"
	"time"
)

func newTestClient() *Client {
	return New("wss://example.invalid/ws", 500, 10*time.Second, slog.New(slog.DiscardHandler))
}

func TestDispatchPriceChange(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	msg := []byte(`{"event_type":"price_change","market":"0xabc","price_changes":[
		{"asset_id":"tok-1","best_bid":"0.94","best_ask":"0.96"},
		{"asset_id":"tok-2","best_bid":"0.05","best_ask":"0.07"}]}`)
	c.dispatchMessage(msg, 1000)

	e, ok := c.Get("tok-1")
	if !ok || e.BestBid != 0.94 || e.BestAsk != 0.96 || e.UpdatedMs != 1000 {
		t.Errorf("tok-1 entry = %+v %v, want 0.94/0.96 @1000", e, ok)
	}
	if e, ok := c.Get("tok-2"); !ok || e.BestBid != 0.05 {
		t.Errorf("tok-2 entry = %+v %v", e, ok)
	}
}

func TestDispatchBestBidAsk(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	c.dispatchMessage([]byte(`{"event_type":"best_bid_ask","asset_id":"tok-3","best_bid":"0.91","best_ask":"0.93"}`), 2000)

	e, ok := c.Get("tok-3")
	if !ok || e.BestBid != 0.91 || e.BestAsk != 0.93 {
		t.Errorf("entry = %+v %v, want 0.91/0.93", e, ok)
	}
}

func TestDispatchArraySnapshot(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	c.dispatchMessage([]byte(` [{"asset_id":"tok-4","best_bid":"0.88","best_ask":"0.90"},
		{"asset_id":"tok-5","best_bid":"0.10","best_ask":"0.12"}]`), 3000)

	if e, ok := c.Get("tok-4"); !ok || e.BestBid != 0.88 {
		t.Errorf("tok-4 = %+v %v", e, ok)
	}
	if e, ok := c.Get("tok-5"); !ok || e.BestAsk != 0.12 {
		t.Errorf("tok-5 = %+v %v", e, ok)
	}
}

func TestDispatchIgnoresUnknownAndMalformed(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	c.dispatchMessage([]byte(`{"event_type":"tick_size_change","asset_id":"tok-6"}`), 100)
	c.dispatchMessage([]byte(`not json at all`), 100)

	if _, ok := c.Get("tok-6"); ok {
		t.Error("unknown event type should not populate the cache")
	}
}

func TestOneSidedUpdateKeepsOtherSide(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	c.applyUpdate("tok-7", "0.90", "0.92", 1000)
	c.applyUpdate("tok-7", "", "0.95", 2000)

	e, _ := c.Get("tok-7")
	if !e.HasBid || e.BestBid != 0.90 {
		t.Errorf("bid side lost: %+v", e)
	}
	if e.BestAsk != 0.95 || e.UpdatedMs != 2000 {
		t.Errorf("ask/timestamp not advanced: %+v", e)
	}
}

func TestEmptyUpdateDropped(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	c.applyUpdate("tok-8", "", "", 1000)
	if _, ok := c.Get("tok-8"); ok {
		t.Error("update with neither side should not create an entry")
	}
}

func TestFreshBoundary(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	c.applyUpdate("tok-9", "0.50", "0.52", 10_000)

	if _, ok := c.Fresh("tok-9", 20_000); !ok {
		t.Error("exactly max_stale old should still be fresh")
	}
	if _, ok := c.Fresh("tok-9", 20_001); ok {
		t.Error("past max_stale should be stale")
	}
	if _, ok := c.Fresh("missing", 20_000); ok {
		t.Error("unknown token should not be fresh")
	}
}

func TestSubscribeDedupes(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	c.Subscribe([]string{"a", "b", "", "a"})
	c.Subscribe([]string{"b", "c"})

	if n := c.subscribedCount(); n != 3 {
		t.Errorf("subscribed count = %d, want 3", n)
	}
}

func TestChunks(t *testing.T) {
	t.Parallel()

	ids := make([]string, 1201)
	for i := range ids {
		ids[i] = "t"
	}
	got := chunks(ids, 500)
	if len(got) != 3 || len(got[0]) != 500 || len(got[2]) != 201 {
		t.Errorf("chunks sizes = %v", lens(got))
	}
	if chunks(nil, 500) != nil {
		t.Error("empty input should produce no chunks")
	}
}

func lens(ss [][]string) []int {
	out := make([]int, len(ss))
	for i, s := range ss {
		out[i] = len(s)
	}
	return out
}
