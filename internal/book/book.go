// Package book parses raw order-book payloads and derives the quote and
// depth measurements the filter chain runs on.
//
// Parsing is strict: a level must have a price in (0,1] and a positive size;
// anything else is dropped. Bids are sorted price-descending, asks ascending,
// and at most MaxLevels are kept per side. A parse succeeds iff at least one
// side yields a usable level.
package book

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"polysniper/pkg/types"
)

// Level is one parsed price level.
type Level struct {
	Price float64
	Size  float64
}

// Book is a parsed, sorted order book for one token.
type Book struct {
	TokenID string
	Bids    []Level // price descending
	Asks    []Level // price ascending
}

// ErrNotUsable is returned when neither side yields a valid level.
type ErrNotUsable struct{ TokenID string }

func (e ErrNotUsable) Error() string {
	return fmt.Sprintf("book not usable for token %s", e.TokenID)
}

// Parse validates and coerces a raw book response. maxLevels caps how many
// levels are kept per side (0 means unlimited).
func Parse(resp *types.BookResponse, maxLevels int) (*Book, error) {
	b := &Book{TokenID: resp.AssetID}
	b.Bids = parseLevels(resp.Bids)
	b.Asks = parseLevels(resp.Asks)

	sort.Slice(b.Bids, func(i, j int) bool { return b.Bids[i].Price > b.Bids[j].Price })
	sort.Slice(b.Asks, func(i, j int) bool { return b.Asks[i].Price < b.Asks[j].Price })

	if maxLevels > 0 {
		if len(b.Bids) > maxLevels {
			b.Bids = b.Bids[:maxLevels]
		}
		if len(b.Asks) > maxLevels {
			b.Asks = b.Asks[:maxLevels]
		}
	}

	if len(b.Bids) == 0 && len(b.Asks) == 0 {
		return nil, ErrNotUsable{TokenID: resp.AssetID}
	}
	return b, nil
}

func parseLevels(raw []types.PriceLevel) []Level {
	out := make([]Level, 0, len(raw))
	for _, lv := range raw {
		price, err := strconv.ParseFloat(string(lv.Price), 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(string(lv.Size), 64)
		if err != nil {
			continue
		}
		if price <= 0 || price > 1 || size <= 0 {
			continue
		}
		out = append(out, Level{Price: price, Size: size})
	}
	return out
}

// BestBid returns the highest bid, if any.
func (b *Book) BestBid() (float64, bool) {
	if len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the lowest ask, if any.
func (b *Book) BestAsk() (float64, bool) {
	if len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0].Price, true
}

// Quote returns the top-of-book as a Quote value.
func (b *Book) Quote() types.Quote {
	var q types.Quote
	if bid, ok := b.BestBid(); ok {
		q.BestBid, q.HasBid = bid, true
	}
	if ask, ok := b.BestAsk(); ok {
		q.BestAsk, q.HasAsk = ask, true
	}
	return q
}

// Depth is the USD notional available near the top of each side.
type Depth struct {
	EntryUSDAsk float64 // sum(price*size) over first K ask levels
	ExitUSDBid  float64 // sum(price*size) over first K bid levels
	AskLevels   int
	BidLevels   int
}

// ComputeDepth sums price*size over the first k levels of each side.
// Decimal arithmetic keeps the USD sums exact regardless of level count.
func ComputeDepth(b *Book, k int) Depth {
	var d Depth
	askUSD := decimal.Zero
	for i, lv := range b.Asks {
		if i >= k {
			break
		}
		askUSD = askUSD.Add(decimal.NewFromFloat(lv.Price).Mul(decimal.NewFromFloat(lv.Size)))
		d.AskLevels++
	}
	bidUSD := decimal.Zero
	for i, lv := range b.Bids {
		if i >= k {
			break
		}
		bidUSD = bidUSD.Add(decimal.NewFromFloat(lv.Price).Mul(decimal.NewFromFloat(lv.Size)))
		d.BidLevels++
	}
	d.EntryUSDAsk, _ = askUSD.Float64()
	d.ExitUSDBid, _ = bidUSD.Float64()
	return d
}

// Sufficient checks the two-sided depth requirement. The returned reason is
// one of depth_ask_below_min or depth_bid_below_min; empty when ok.
func (d Depth) Sufficient(minEntryUSD, minExitUSD float64) (bool, string) {
	if d.EntryUSDAsk < minEntryUSD {
		return false, types.ReasonDepthAskBelowMin
	}
	if d.ExitUSDBid < minExitUSD {
		return false, types.ReasonDepthBidBelowMin
	}
	return true, ""
}

// Snapshot converts a Depth to the persisted snapshot form.
func (d Depth) Snapshot(nowMs int64) *types.DepthSnapshot {
	return &types.DepthSnapshot{
		EntryDepthUSDAsk: d.EntryUSDAsk,
		ExitDepthUSDBid:  d.ExitUSDBid,
		AskLevelsUsed:    d.AskLevels,
		BidLevelsUsed:    d.BidLevels,
		UpdatedMs:        nowMs,
	}
}
