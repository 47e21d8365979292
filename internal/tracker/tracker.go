// Package tracker is the fallback resolution poller for paper mode: open
// positions that never hit the order-book exit thresholds are closed by
// polling market metadata for terminal outcome pricing. It also keeps a
// per-slug price trace for offline analysis.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"polysniper/internal/config"
	"polysniper/internal/exec"
	"polysniper/internal/store"
	"polysniper/pkg/types"
)

const tracesFile = "price_traces"

// gammaMarket is the metadata shape polled per slug. Outcomes and prices
// arrive either as JSON arrays or as JSON-encoded array strings.
type gammaMarket struct {
	Slug          string          `json:"slug"`
	Closed        bool            `json:"closed"`
	Outcomes      json.RawMessage `json:"outcomes"`
	OutcomePrices json.RawMessage `json:"outcomePrices"`
}

// PriceTrace accumulates the observed outcome price for one slug.
type PriceTrace struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Last    float64 `json:"last"`
	Samples int     `json:"samples"`
}

// Tracker polls unresolved open positions against the metadata feed.
type Tracker struct {
	http     *resty.Client
	bridge   *exec.Bridge
	store    *store.Store
	max      int
	official float64 // closed-market threshold
	terminal float64 // price-only threshold
	traces   map[string]*PriceTrace
	logger   *slog.Logger
}

// New creates the tracker over the metadata feed.
func New(cfg *config.Config, bridge *exec.Bridge, st *store.Store, logger *slog.Logger) *Tracker {
	httpc := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(cfg.Queue.Timeout).
		SetRetryCount(1)

	t := &Tracker{
		http:     httpc,
		bridge:   bridge,
		store:    st,
		max:      cfg.Tracker.MaxPerCycle,
		official: cfg.Tracker.OfficialPrice,
		terminal: cfg.Tracker.TerminalPrice,
		traces:   make(map[string]*PriceTrace),
		logger:   logger.With("component", "tracker"),
	}
	if st != nil {
		if _, err := st.Load(tracesFile, &t.traces); err != nil {
			logger.Warn("price traces not restored", "error", err)
		}
	}
	return t
}

// Traces returns the per-slug price traces for the status surface.
func (t *Tracker) Traces() map[string]PriceTrace {
	out := make(map[string]PriceTrace, len(t.traces))
	for slug, tr := range t.traces {
		out[slug] = *tr
	}
	return out
}

// Poll checks up to max open positions for terminal resolution. Called
// once per cycle from the evaluation loop.
func (t *Tracker) Poll(ctx context.Context, nowMs int64) {
	positions := t.bridge.OpenPositions()
	checked := 0
	changed := false
	for _, pos := range positions {
		if t.max > 0 && checked >= t.max {
			break
		}
		checked++

		price, closed, err := t.fetchOutcomePrice(ctx, pos.Slug, pos.YesOutcome)
		if err != nil {
			t.logger.Warn("metadata poll failed", "slug", pos.Slug, "error", err)
			continue
		}

		t.observe(pos.Slug, price)
		changed = true

		if t.resolved(price, closed) {
			settle := settlePrice(price)
			t.logger.Info("position resolved via metadata", "slug", pos.Slug,
				"price", price, "closed", closed, "settle", settle)
			t.bridge.Close(ctx, exec.CloseRequest{
				SignalID:     pos.SignalID,
				Reason:       types.CloseResolved,
				TriggerPrice: settle,
				NowMs:        nowMs,
			})
		}
	}

	if changed && t.store != nil {
		if err := t.store.Save(tracesFile, t.traces); err != nil {
			t.logger.Error("persist price traces failed", "error", err)
		}
	}
}

// resolved applies the two terminal rules: an officially closed market
// needs the softer official threshold; an open one needs the harder
// terminal threshold on price alone. Either direction counts, so a
// losing position is also settled.
func (t *Tracker) resolved(price float64, closed bool) bool {
	if closed && (price >= t.official || price <= 1-t.official) {
		return true
	}
	return price >= t.terminal || price <= 1-t.terminal
}

// settlePrice snaps a terminal price to its settlement value.
func settlePrice(price float64) float64 {
	if price >= 0.5 {
		return 1
	}
	return 0
}

func (t *Tracker) observe(slug string, price float64) {
	tr, ok := t.traces[slug]
	if !ok {
		tr = &PriceTrace{Min: price, Max: price}
		t.traces[slug] = tr
	}
	if price < tr.Min {
		tr.Min = price
	}
	if price > tr.Max {
		tr.Max = price
	}
	tr.Last = price
	tr.Samples++
}

// fetchOutcomePrice fetches the market metadata for a slug and returns
// the price of the position's outcome.
func (t *Tracker) fetchOutcomePrice(ctx context.Context, slug, yesOutcome string) (float64, bool, error) {
	var markets []gammaMarket
	resp, err := t.http.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&markets).
		Get("/markets")
	if err != nil {
		return 0, false, fmt.Errorf("fetch market: %w", err)
	}
	if resp.StatusCode() != 200 {
		return 0, false, fmt.Errorf("fetch market: status %d", resp.StatusCode())
	}
	if len(markets) == 0 {
		return 0, false, fmt.Errorf("no metadata for slug %q", slug)
	}
	m := markets[0]

	outcomes, err := parsePair(m.Outcomes)
	if err != nil {
		return 0, false, fmt.Errorf("outcomes: %w", err)
	}
	rawPrices, err := parsePair(m.OutcomePrices)
	if err != nil {
		return 0, false, fmt.Errorf("outcome prices: %w", err)
	}

	idx := outcomeIndex(outcomes, yesOutcome)
	price, err := strconv.ParseFloat(rawPrices[idx], 64)
	if err != nil {
		return 0, false, fmt.Errorf("price %q: %w", rawPrices[idx], err)
	}
	return price, m.Closed, nil
}

// outcomeIndex finds the position's outcome in the pair, defaulting to
// the first entry when the stored name no longer matches.
func outcomeIndex(outcomes []string, yesOutcome string) int {
	for i, o := range outcomes {
		if strings.EqualFold(strings.TrimSpace(o), strings.TrimSpace(yesOutcome)) {
			return i
		}
	}
	return 0
}

// parsePair decodes a length-2 string array that may arrive either as a
// JSON array or as a JSON-encoded array string.
func parsePair(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty")
	}
	var pair []string
	if err := json.Unmarshal(raw, &pair); err != nil {
		var nested string
		if err2 := json.Unmarshal(raw, &nested); err2 != nil {
			return nil, err
		}
		if err2 := json.Unmarshal([]byte(nested), &pair); err2 != nil {
			return nil, err2
		}
	}
	if len(pair) != 2 {
		return nil, fmt.Errorf("expected 2 entries, got %d", len(pair))
	}
	return pair, nil
}
