package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"polysniper/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	httpc := resty.New().SetBaseURL(srv.URL)
	return &Client{
		clob:   httpc,
		data:   httpc,
		auth:   testAuth(t),
		rl:     NewRateLimiter(),
		logger: slog.New(slog.DiscardHandler),
	}
}

func orderHandler(t *testing.T, resp types.OrderResponse) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/order" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var payload types.OrderPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("bad order payload: %v", err)
		}
		if payload.Order.Signature == "" {
			t.Error("order arrived unsigned")
		}
		if payload.OrderType != types.OrderTypeFAK {
			t.Errorf("order type = %q, want FAK", payload.OrderType)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
}

func TestExecuteBuyFullFill(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, orderHandler(t, types.OrderResponse{
		Success: true, OrderID: "ord-1", Status: "matched",
		MakingAmount: "6.80", TakingAmount: "10",
	}))

	fill := c.ExecuteBuy(context.Background(), "123456", 10, 0.70)
	if !fill.OK || fill.IsPartial {
		t.Fatalf("fill = %+v, want full fill", fill)
	}
	if fill.FilledShares != 10 || math.Abs(fill.AvgFillPrice-0.68) > 1e-9 {
		t.Errorf("shares %v avg %v, want 10 @ 0.68", fill.FilledShares, fill.AvgFillPrice)
	}
	if fill.OrderID != "ord-1" {
		t.Errorf("order id = %q", fill.OrderID)
	}
}

func TestExecuteSellPartialFill(t *testing.T) {
	t.Parallel()

	// Sold 4 of 10 shares for 2.72 USDC before the rest was killed.
	c := newTestClient(t, orderHandler(t, types.OrderResponse{
		Success: true, OrderID: "ord-2", Status: "matched",
		MakingAmount: "4", TakingAmount: "2.72",
	}))

	fill := c.ExecuteSell(context.Background(), "123456", 10, 0.68)
	if !fill.OK || !fill.IsPartial {
		t.Fatalf("fill = %+v, want partial", fill)
	}
	if fill.FilledShares != 4 || math.Abs(fill.AvgFillPrice-0.68) > 1e-9 {
		t.Errorf("shares %v avg %v, want 4 @ 0.68", fill.FilledShares, fill.AvgFillPrice)
	}
}

func TestExecuteBuyRejected(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, orderHandler(t, types.OrderResponse{
		Success: false, ErrorMsg: "not enough balance",
	}))

	fill := c.ExecuteBuy(context.Background(), "123456", 10, 0.70)
	if fill.OK || fill.Error != "not enough balance" {
		t.Errorf("fill = %+v, want rejection", fill)
	}
}

func TestSubmitValidatesInput(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.NotFoundHandler())
	if fill := c.ExecuteBuy(context.Background(), "123456", 0, 0.5); fill.OK || fill.Error == "" {
		t.Errorf("zero shares accepted: %+v", fill)
	}
	if fill := c.ExecuteBuy(context.Background(), "123456", 10, 1.5); fill.OK || fill.Error == "" {
		t.Errorf("price above 1 accepted: %+v", fill)
	}
}

func TestFillFromResponseProvisional(t *testing.T) {
	t.Parallel()

	// Delayed match ships no amounts; the limit price stands in until a
	// trade lookup corrects it.
	fill := fillFromResponse(types.OrderResponse{Success: true, OrderID: "ord-3", Status: "delayed"}, types.BUY, 12, 0.95)
	if !fill.OK || fill.FilledShares != 12 || fill.AvgFillPrice != 0.95 {
		t.Errorf("provisional fill = %+v", fill)
	}
	if fill.IsPartial {
		t.Error("provisional fill marked partial")
	}
}

func TestGetBalance(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/balance-allowance" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("asset_type") {
		case "COLLATERAL":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(types.BalanceAllowance{Balance: "12500000"})
		case "CONDITIONAL":
			if r.URL.Query().Get("token_id") != "tok" {
				t.Errorf("token_id = %q", r.URL.Query().Get("token_id"))
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(types.BalanceAllowance{Balance: "4000000"})
		}
	}))

	usd, err := c.GetBalance(context.Background())
	if err != nil || usd != 12.5 {
		t.Errorf("GetBalance = %v, %v, want 12.5", usd, err)
	}
	shares, err := c.GetConditionalBalance(context.Background(), "tok")
	if err != nil || shares != 4 {
		t.Errorf("GetConditionalBalance = %v, %v, want 4", shares, err)
	}
}

func TestGetPositions(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/positions" || r.URL.Query().Get("user") != "0xfunder" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]types.Position{{Asset: "tok-a", Size: 10}, {Asset: "tok-b", Size: 2.5}})
	}))

	positions, err := c.GetPositions(context.Background(), "0xfunder")
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 2 || positions[0].Asset != "tok-a" || positions[1].Size != 2.5 {
		t.Errorf("positions = %+v", positions)
	}
}

func TestFetchRealFillPriceRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data/trades" {
			http.NotFound(w, r)
			return
		}
		// Fills appear on the second lookup.
		if calls.Add(1) < 2 {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode([]types.TradeFill{})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]types.TradeFill{
			{ID: "f1", Price: "0.68", Size: "4"},
			{ID: "f2", Price: "0.67", Size: "6"},
		})
	}))

	avg, ok := c.FetchRealFillPrice(context.Background(), "ord-1", 3, time.Millisecond)
	if !ok {
		t.Fatal("fill price not found")
	}
	if math.Abs(avg-0.674) > 1e-9 {
		t.Errorf("avg = %v, want 0.674", avg)
	}

	avg, ok = c.FetchRealFillPrice(context.Background(), "ord-1", 0, time.Millisecond)
	if !ok || math.Abs(avg-0.674) > 1e-9 {
		t.Errorf("single attempt = %v, %v", avg, ok)
	}
}

func TestFetchRealFillPriceExhausted(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]types.TradeFill{})
	}))
	if _, ok := c.FetchRealFillPrice(context.Background(), "ord-x", 2, time.Millisecond); ok {
		t.Error("empty fills reported a price")
	}
}
