package engine

import (
	"context"
	"time"

	"polysniper/internal/book"
	"polysniper/internal/filters"
	"polysniper/internal/metrics"
	"polysniper/pkg/types"
)

const depthCacheTTL = 3 * time.Second

type depthEntry struct {
	book *book.Book
	ask  float64
	ms   int64
}

// priceFor determines the market's YES quote: the fresh stream cache wins,
// tightened by the NO complement when both tokens are fresh; otherwise both
// books are pulled over the HTTP queue. Returns ok=false when no complete
// quote could be produced, with the reject already recorded.
func (e *Engine) priceFor(ctx context.Context, m *types.Market, nowMs int64) (types.Quote, types.PriceSource, bool) {
	if e.stream != nil {
		if yes, fresh := e.stream.Fresh(m.YesTokenID, nowMs); fresh {
			q := yes.Quote()
			if no, freshNo := e.stream.Fresh(m.NoTokenID, nowMs); freshNo {
				q = complementQuote(q, no.Quote())
				e.mets.Inc(metrics.KeySourceWSBoth)
			} else {
				e.mets.Inc(metrics.KeySourceWSYes)
			}
			return q, types.SourceWS, e.applyQuote(m, q, types.SourceWS, nowMs)
		}
	}

	e.mets.Inc(metrics.KeySourceHTTP)
	if e.stream == nil {
		e.mets.Inc(metrics.KeySourceHTTPMiss)
	} else if _, known := e.stream.Get(m.YesTokenID); known {
		e.mets.Inc(metrics.KeySourceHTTPStale)
	} else {
		e.mets.Inc(metrics.KeySourceHTTPMiss)
	}

	yb, err := e.fetchBook(ctx, m.YesTokenID)
	if err != nil {
		sub := book.FailureKind(err)
		m.LastReject = &types.Reject{Reason: types.ReasonHTTPFallbackFailed, Ms: nowMs, Detail: sub}
		e.mets.Reject(m.League, types.ReasonHTTPFallbackFailed)
		return types.Quote{}, types.SourceHTTP, false
	}
	m.LastBookUpdateMs = nowMs
	e.cacheDepthBook(m.YesTokenID, yb, nowMs)

	q := yb.Quote()
	if nb, err := e.fetchBook(ctx, m.NoTokenID); err == nil {
		q = complementQuote(q, nb.Quote())
	}

	e.observeTradeability(m, q, yb, nowMs)
	return q, types.SourceHTTP, e.applyQuote(m, q, types.SourceHTTP, nowMs)
}

// applyQuote persists the price snapshot and the incomplete-quote timer.
// A one-sided quote records the reject and keeps the partial snapshot.
func (e *Engine) applyQuote(m *types.Market, q types.Quote, src types.PriceSource, nowMs int64) bool {
	m.LastPrice = &types.PriceSnapshot{
		BestBid:   q.BestBid,
		BestAsk:   q.BestAsk,
		HasBid:    q.HasBid,
		HasAsk:    q.HasAsk,
		Spread:    q.Spread(),
		UpdatedMs: nowMs,
		Source:    src,
	}

	if !q.Complete() {
		sub := types.ReasonMissingBestAsk
		if !q.HasBid {
			sub = types.ReasonMissingBestBid
		}
		m.LastReject = &types.Reject{Reason: types.ReasonQuoteIncomplete, Ms: nowMs, Detail: sub}
		e.mets.Reject(m.League, types.ReasonQuoteIncomplete)
		if m.FirstIncompleteQuoteMs == 0 {
			m.FirstIncompleteQuoteMs = nowMs
		}
		return false
	}

	m.FirstIncompleteQuoteMs = 0
	return true
}

// observeTradeability maintains the degraded-tradeability timer: set while
// spread and depth fail together, cleared as soon as either passes.
func (e *Engine) observeTradeability(m *types.Market, q types.Quote, yb *book.Book, nowMs int64) {
	_, _, maxSpread := e.cfg.StageThresholds(m.League)
	spreadBad := q.Complete() && q.Spread() > maxSpread+filters.Epsilon

	d := book.ComputeDepth(yb, e.cfg.Filters.DepthLevels)
	depthOK, _ := d.Sufficient(e.cfg.Filters.MinEntryDepthUSD, e.cfg.Filters.MinExitDepthUSD)

	if spreadBad && !depthOK {
		if m.FirstBadTradeabilityMs == 0 {
			m.FirstBadTradeabilityMs = nowMs
		}
		return
	}
	m.FirstBadTradeabilityMs = 0
}

func (e *Engine) fetchBook(ctx context.Context, tokenID string) (*book.Book, error) {
	var b *book.Book
	err := e.queue.Do(ctx, func(ctx context.Context) error {
		parsed, err := e.books.FetchParsed(ctx, tokenID, e.cfg.Filters.MaxBookLevels)
		if err != nil {
			return err
		}
		b = parsed
		return nil
	})
	return b, err
}

// depthBook returns a parsed YES book for the stage-2 gate, serving from
// the per-cycle cache unless the ask has moved or the entry aged out.
func (e *Engine) depthBook(ctx context.Context, m *types.Market, q types.Quote, nowMs int64) (*book.Book, error) {
	if ent, ok := e.depthCache[m.YesTokenID]; ok {
		if nowMs-ent.ms <= depthCacheTTL.Milliseconds() {
			if q.HasAsk && absDiff(q.BestAsk, ent.ask) > filters.Epsilon {
				e.mets.Inc(metrics.KeyDepthCacheBust)
			} else {
				e.mets.Inc(metrics.KeyDepthCacheHit)
				return ent.book, nil
			}
		} else {
			e.mets.Inc(metrics.KeyDepthCacheMiss)
		}
	} else {
		e.mets.Inc(metrics.KeyDepthCacheMiss)
	}

	b, err := e.fetchBook(ctx, m.YesTokenID)
	if err != nil {
		return nil, err
	}
	m.LastBookUpdateMs = nowMs
	e.cacheDepthBook(m.YesTokenID, b, nowMs)
	return b, nil
}

func (e *Engine) cacheDepthBook(token string, b *book.Book, nowMs int64) {
	ask := 0.0
	if a, ok := b.BestAsk(); ok {
		ask = a
	}
	e.depthCache[token] = depthEntry{book: b, ask: ask, ms: nowMs}
}

// complementQuote tightens a YES quote with the NO side of the pair:
// ask = min(yes.ask, 1 - no.bid), bid = max(yes.bid, 1 - no.ask).
func complementQuote(yes, no types.Quote) types.Quote {
	q := yes
	if no.HasBid {
		if c := 1 - no.BestBid; !q.HasAsk || c < q.BestAsk {
			q.BestAsk, q.HasAsk = c, true
		}
	}
	if no.HasAsk {
		if c := 1 - no.BestAsk; !q.HasBid || c > q.BestBid {
			q.BestBid, q.HasBid = c, true
		}
	}
	return q
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
