// Package discovery pulls the event feed per league tag and turns its
// permissive JSON into validated market candidates.
//
// The feed occasionally ships two-element arrays (outcomes, clobTokenIds,
// outcomePrices) as JSON-encoded strings. Ingest coerces both forms and
// counts parse failures and unexpected shapes separately. Candidates with
// invalid shapes are rejected, never passed downstream half-formed.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polysniper/internal/config"
	"polysniper/pkg/types"
)

// GammaMarket is one market inside an event from the discovery feed.
type GammaMarket struct {
	ConditionID   string          `json:"conditionId"`
	Slug          string          `json:"slug"`
	Question      string          `json:"question"`
	Active        bool            `json:"active"`
	Closed        bool            `json:"closed"`
	Volume24hr    float64         `json:"volume24hr"`
	Outcomes      json.RawMessage `json:"outcomes"`
	OutcomePrices json.RawMessage `json:"outcomePrices"`
	ClobTokenIds  json.RawMessage `json:"clobTokenIds"`
	EndDate       string          `json:"endDate"`
}

// GammaEvent is one event from the discovery feed.
type GammaEvent struct {
	ID      string        `json:"id"`
	Slug    string        `json:"slug"`
	Title   string        `json:"title"`
	EndDate string        `json:"endDate"`
	Live    bool          `json:"live"`
	Score   string        `json:"score"`
	Period  string        `json:"period"`
	Markets []GammaMarket `json:"markets"`
}

// Stats counts ingest outcomes for one discovery pass.
type Stats struct {
	Events          int
	Candidates      int
	MetadataMissing int
	ParseFail       int
	UnexpectedShape int
	DateExpired     int
	SlugExcluded    int
	FetchErrors     int
}

// Dropped is the total count of markets and leagues rejected during the pass.
func (s Stats) Dropped() int {
	return s.MetadataMissing + s.ParseFail + s.UnexpectedShape +
		s.DateExpired + s.SlugExcluded + s.FetchErrors
}

// Client polls the discovery feed for each configured league.
type Client struct {
	http    *resty.Client
	leagues []config.LeagueConfig
	limit   int
	logger  *slog.Logger
}

// New creates a discovery client against the gamma base URL.
func New(cfg *config.Config, logger *slog.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(cfg.Queue.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Client{
		http:    client,
		leagues: cfg.Leagues,
		limit:   cfg.Discovery.EventLimit,
		logger:  logger.With("component", "discovery"),
	}
}

// Discover fetches every configured league and returns validated candidates.
// Per-league fetch failures are counted and skipped; one bad league never
// starves the rest.
func (c *Client) Discover(ctx context.Context, now time.Time) ([]types.Candidate, Stats) {
	var out []types.Candidate
	var stats Stats

	for _, lg := range c.leagues {
		events, err := c.fetchEvents(ctx, lg.Tag)
		if err != nil {
			stats.FetchErrors++
			c.logger.Warn("league fetch failed", "league", lg.Tag, "error", err)
			continue
		}
		stats.Events += len(events)
		for _, ev := range events {
			out = append(out, c.parseEvent(ev, lg, now, &stats)...)
		}
	}

	stats.Candidates = len(out)
	c.logger.Info("discovery pass",
		"events", stats.Events,
		"candidates", stats.Candidates,
		"parse_fail", stats.ParseFail,
		"unexpected_shape", stats.UnexpectedShape,
		"date_expired", stats.DateExpired,
	)
	return out, stats
}

func (c *Client) fetchEvents(ctx context.Context, tag string) ([]GammaEvent, error) {
	var events []GammaEvent
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"active":    "true",
			"closed":    "false",
			"tag_slug":  tag,
			"limit":     strconv.Itoa(c.limit),
			"order":     "volume",
			"ascending": "false",
			"live":      "true",
		}).
		SetResult(&events).
		Get("/events")
	if err != nil {
		return nil, fmt.Errorf("fetch events for %s: %w", tag, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch events for %s: status %d", tag, resp.StatusCode())
	}
	return events, nil
}

// parseEvent selects at most MaxPerEvent markets by 24h volume after slug
// exclusions and the league date window, and validates their wire shapes.
func (c *Client) parseEvent(ev GammaEvent, lg config.LeagueConfig, now time.Time, stats *Stats) []types.Candidate {
	kept := make([]GammaMarket, 0, len(ev.Markets))
	for _, m := range ev.Markets {
		if !m.Active || m.Closed {
			continue
		}
		if excludedSlug(m.Slug, lg.ExcludeSlug) {
			stats.SlugExcluded++
			continue
		}
		if lg.Sport == "soccer" && !soccerTeamWin(m.Question) {
			stats.SlugExcluded++
			continue
		}
		kept = append(kept, m)
	}

	// Volume desc, slug asc on ties, so repeated passes pick the same set.
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Volume24hr != kept[j].Volume24hr {
			return kept[i].Volume24hr > kept[j].Volume24hr
		}
		return kept[i].Slug < kept[j].Slug
	})
	if lg.MaxPerEvent > 0 && len(kept) > lg.MaxPerEvent {
		kept = kept[:lg.MaxPerEvent]
	}

	var out []types.Candidate
	for _, m := range kept {
		cand, ok := c.validate(m, ev, lg, now, stats)
		if !ok {
			continue
		}
		out = append(out, cand)
	}
	return out
}

func (c *Client) validate(m GammaMarket, ev GammaEvent, lg config.LeagueConfig, now time.Time, stats *Stats) (types.Candidate, bool) {
	if m.ConditionID == "" || m.Slug == "" {
		stats.MetadataMissing++
		return types.Candidate{}, false
	}

	endDate := m.EndDate
	if endDate == "" {
		endDate = ev.EndDate
	}
	if !WithinDateWindow(endDate, now, lg.MinDaysDelta, lg.MaxDaysDelta) {
		stats.DateExpired++
		return types.Candidate{}, false
	}

	pair, kind := parseStringPair(m.ClobTokenIds)
	switch kind {
	case shapeParseFail:
		stats.ParseFail++
		return types.Candidate{}, false
	case shapeUnexpected:
		stats.UnexpectedShape++
		return types.Candidate{}, false
	}

	outcomes, kind := parseStringPair(m.Outcomes)
	switch kind {
	case shapeParseFail:
		stats.ParseFail++
		return types.Candidate{}, false
	case shapeUnexpected:
		stats.UnexpectedShape++
		return types.Candidate{}, false
	}

	return types.Candidate{
		ConditionID: m.ConditionID,
		League:      lg.Tag,
		Slug:        m.Slug,
		Question:    m.Question,
		TokenPair:   pair,
		Outcomes:    outcomes,
		Volume24h:   m.Volume24hr,
		EndDate:     endDate,
		EventID:     ev.ID,
		EventSlug:   ev.Slug,
		EventScore:  ev.Score,
		EventPeriod: ev.Period,
	}, true
}

type shapeKind int

const (
	shapeOK shapeKind = iota
	shapeParseFail
	shapeUnexpected
)

// parseStringPair accepts ["a","b"] or the JSON-encoded string "[\"a\",\"b\"]"
// and requires exactly two non-empty elements.
func parseStringPair(raw json.RawMessage) ([]string, shapeKind) {
	if len(raw) == 0 {
		return nil, shapeUnexpected
	}
	var pair []string
	if err := json.Unmarshal(raw, &pair); err != nil {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, shapeParseFail
		}
		if err := json.Unmarshal([]byte(encoded), &pair); err != nil {
			return nil, shapeParseFail
		}
	}
	if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
		return nil, shapeUnexpected
	}
	return pair, shapeOK
}

func excludedSlug(slug string, substrings []string) bool {
	lower := strings.ToLower(slug)
	for _, sub := range substrings {
		sub = strings.ToLower(strings.TrimSpace(sub))
		if sub != "" && strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// soccerTeamWin keeps only team-win questions. Draw and totals questions
// ("Will the match end in a draw?", "Will there be over 2.5 goals?") never
// contain the word "win" after a team name.
func soccerTeamWin(question string) bool {
	return strings.Contains(strings.ToLower(question), " win")
}

// WithinDateWindow reports whether endDate (RFC3339) falls within
// [minDays, maxDays] UTC calendar days of now. Unparseable dates fail.
func WithinDateWindow(endDate string, now time.Time, minDays, maxDays int) bool {
	if endDate == "" {
		return false
	}
	end, err := time.Parse(time.RFC3339, endDate)
	if err != nil {
		return false
	}
	nowDay := now.UTC().Truncate(24 * time.Hour)
	endDay := end.UTC().Truncate(24 * time.Hour)
	delta := int(endDay.Sub(nowDay).Hours() / 24)
	return delta >= minDays && delta <= maxDays
}
