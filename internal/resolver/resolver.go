// Package resolver decides which of a market's two complementary tokens is
// YES by probing both order books and comparing observed prices.
//
// Scheduling is quota-first: each league gets its configured minimum share
// of the per-cycle budget, and leftover slots fill by rank (volume desc,
// then last_seen desc, then slug). The budget drops to zero whenever any
// market is pending, so those cycles confirm pendings instead.
package resolver

import (
	"context"
	"log/slog"
	"sort"

	"polysniper/internal/book"
	"polysniper/internal/httpq"
	"polysniper/pkg/types"
)

// Result is the outcome of one resolve attempt. Reason is empty on success;
// the failure reasons are mutually exclusive per attempt. SanityFail flags a
// complement sum outside [0.90, 1.10] and never blocks the resolution.
type Result struct {
	ConditionID   string
	YesToken      string
	NoToken       string
	Reason        string
	ComplementSum float64
	SanityFail    bool
}

// Resolver probes token books through the shared HTTP queue.
type Resolver struct {
	fetcher   *book.Fetcher
	queue     *httpq.Queue
	maxLevels int
	logger    *slog.Logger
}

// New creates a resolver.
func New(fetcher *book.Fetcher, queue *httpq.Queue, maxLevels int, logger *slog.Logger) *Resolver {
	return &Resolver{
		fetcher:   fetcher,
		queue:     queue,
		maxLevels: maxLevels,
		logger:    logger.With("component", "resolver"),
	}
}

// Pick selects up to budget unresolved markets: league quotas first, then
// rank order, deduplicated by slug. quotas maps league tag to its minimum
// share of the budget.
func Pick(markets []*types.Market, budget int, quotas map[string]int) []*types.Market {
	if budget <= 0 {
		return nil
	}

	eligible := make([]*types.Market, 0, len(markets))
	for _, m := range markets {
		if m.Status != types.StatusWatching || !m.HasValidPair() || m.Resolved() {
			continue
		}
		eligible = append(eligible, m)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Volume24h != eligible[j].Volume24h {
			return eligible[i].Volume24h > eligible[j].Volume24h
		}
		if eligible[i].LastSeenMs != eligible[j].LastSeenMs {
			return eligible[i].LastSeenMs > eligible[j].LastSeenMs
		}
		return eligible[i].Slug < eligible[j].Slug
	})

	var out []*types.Market
	seenSlug := make(map[string]bool)
	take := func(m *types.Market) {
		if seenSlug[m.Slug] {
			return
		}
		seenSlug[m.Slug] = true
		out = append(out, m)
	}

	// Quota pass, in rank order within each league.
	remaining := make(map[string]int, len(quotas))
	for lg, q := range quotas {
		remaining[lg] = q
	}
	for _, m := range eligible {
		if len(out) >= budget {
			return out
		}
		if remaining[m.League] > 0 && !seenSlug[m.Slug] {
			remaining[m.League]--
			take(m)
		}
	}

	// Fill pass by rank.
	for _, m := range eligible {
		if len(out) >= budget {
			break
		}
		take(m)
	}
	return out
}

// Resolve probes both books for one market and decides YES/NO.
func (r *Resolver) Resolve(ctx context.Context, m *types.Market) Result {
	res := Result{ConditionID: m.ConditionID}
	if !m.HasValidPair() {
		res.Reason = types.ReasonResolveMissingScore
		return res
	}

	bookA, reason := r.fetchBook(ctx, m.TokenPair[0])
	if reason != "" {
		res.Reason = reason
		return res
	}
	bookB, reason := r.fetchBook(ctx, m.TokenPair[1])
	if reason != "" {
		res.Reason = reason
		return res
	}

	scoreA, okA := score(bookA)
	scoreB, okB := score(bookB)
	if !okA || !okB {
		res.Reason = types.ReasonResolveMissingScore
		return res
	}
	if scoreA == scoreB {
		res.Reason = types.ReasonResolveTieScore
		return res
	}

	if scoreA > scoreB {
		res.YesToken, res.NoToken = m.TokenPair[0], m.TokenPair[1]
	} else {
		res.YesToken, res.NoToken = m.TokenPair[1], m.TokenPair[0]
	}
	res.ComplementSum = scoreA + scoreB
	res.SanityFail = res.ComplementSum < 0.90 || res.ComplementSum > 1.10
	if res.SanityFail {
		r.logger.Warn("complement sanity fail",
			"condition_id", m.ConditionID,
			"sum", res.ComplementSum,
			"reason", types.ReasonComplementSanityFail,
		)
	}
	return res
}

// fetchBook runs one fetch+parse through the queue and maps failures to the
// resolver's reason set.
func (r *Resolver) fetchBook(ctx context.Context, tokenID string) (*book.Book, string) {
	var parsed *book.Book
	err := r.queue.Do(ctx, func(ctx context.Context) error {
		b, err := r.fetcher.FetchParsed(ctx, tokenID, r.maxLevels)
		if err != nil {
			return err
		}
		parsed = b
		return nil
	})
	if err != nil {
		if book.FailureKind(err) == "parse" {
			return nil, types.ReasonResolveBookNotUsable
		}
		return nil, types.ReasonResolveHTTPFail
	}
	return parsed, ""
}

// score prefers the ask, falling back to the bid on a one-sided book.
func score(b *book.Book) (float64, bool) {
	if ask, ok := b.BestAsk(); ok {
		return ask, true
	}
	if bid, ok := b.BestBid(); ok {
		return bid, true
	}
	return 0, false
}
