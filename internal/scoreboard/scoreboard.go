// Package scoreboard fetches and caches live game state per sport and
// derives per-market context: matched event, period, minutes left, margin.
//
// Matching is deterministic and fails closed: no candidate or an ambiguous
// tie yields no context rather than a guess. Fetches are cached per
// (sport, date) with a short freshness window and deduplicated through
// singleflight so one cycle never fires the same scoreboard request twice.
package scoreboard

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"polysniper/internal/config"
	"polysniper/pkg/types"
)

// Sport identifiers. The league table maps each league tag to one of these.
const (
	SportNBA    = "nba"
	SportNCAAB  = "ncaab"
	SportSoccer = "soccer"
)

// Competitor is one stripped side of an event.
type Competitor struct {
	Name     string `json:"name"` // display name
	Short    string `json:"short"`
	Abbrev   string `json:"abbrev"`
	Location string `json:"location"`
	Score    int    `json:"score"`
	HasScore bool   `json:"has_score"`
	Winner   bool   `json:"winner"`

	aliases []string // normalized, computed once at strip time
}

// Aliases returns the normalized alias set for containment matching,
// computing it on first use for competitors built outside strip.
func (c *Competitor) Aliases() []string {
	if c.aliases == nil {
		c.aliases = buildAliases(*c)
	}
	return c.aliases
}

// Event is the stripped per-game schema kept in the cache. The raw feed
// payload is reduced to this before caching.
type Event struct {
	ID           string          `json:"id"`
	Date         string          `json:"date"`
	Name         string          `json:"name"`
	State        types.GameState `json:"state"`
	Completed    bool            `json:"completed"`
	DisplayClock string          `json:"display_clock"`
	Period       int             `json:"period"`
	Home         Competitor      `json:"home"`
	Away         Competitor      `json:"away"`
}

// Raw feed shapes.
type feedResponse struct {
	Events []feedEvent `json:"events"`
}

type feedEvent struct {
	ID     string `json:"id"`
	Date   string `json:"date"`
	Name   string `json:"name"`
	Status struct {
		Clock        float64 `json:"clock"`
		DisplayClock string  `json:"displayClock"`
		Period       int     `json:"period"`
		Type         struct {
			State       string `json:"state"`
			Name        string `json:"name"`
			Completed   bool   `json:"completed"`
			Description string `json:"description"`
		} `json:"type"`
	} `json:"status"`
	Competitions []struct {
		Date        string `json:"date"`
		Competitors []struct {
			HomeAway string `json:"homeAway"`
			Score    string `json:"score"`
			Winner   bool   `json:"winner"`
			Team     struct {
				ID               string `json:"id"`
				Name             string `json:"name"`
				ShortDisplayName string `json:"shortDisplayName"`
				DisplayName      string `json:"displayName"`
				Abbreviation     string `json:"abbreviation"`
				Location         string `json:"location"`
			} `json:"team"`
		} `json:"competitors"`
	} `json:"competitions"`
}

type cached struct {
	events    []Event
	fetchedMs int64
}

// Client fetches scoreboards for all configured sports.
type Client struct {
	http      *resty.Client
	urls      map[string]string
	freshness time.Duration

	sf    singleflight.Group
	mu    sync.Mutex
	cache map[string]cached // "<sport>|<YYYYMMDD>"

	Overrides *Overrides
	Tracker   *ScoreTracker

	logger *slog.Logger
}

// New creates a scoreboard client from config. Overrides load errors are
// returned so a malformed override file fails boot instead of silently
// matching nothing.
func New(cfg config.ScoreboardConfig, logger *slog.Logger) (*Client, error) {
	ov, err := LoadOverrides(cfg.OverridesFile)
	if err != nil {
		return nil, err
	}
	return &Client{
		http:      resty.New().SetTimeout(cfg.Timeout),
		urls:      map[string]string{SportNBA: cfg.NBABaseURL, SportNCAAB: cfg.NCAABBaseURL, SportSoccer: cfg.SoccerBaseURL},
		freshness: cfg.Freshness,
		cache:     make(map[string]cached),
		Overrides: ov,
		Tracker:   NewScoreTracker(),
		logger:    logger.With("component", "scoreboard"),
	}, nil
}

// EventsFor returns the merged events covering day-1, day, day+1 UTC, so
// games straddling midnight are always visible. Per-day fetch failures are
// tolerated as long as at least one day loads.
func (c *Client) EventsFor(ctx context.Context, sport string, day time.Time, nowMs int64) ([]Event, error) {
	var merged []Event
	var lastErr error
	loaded := 0
	for _, d := range []time.Time{day.AddDate(0, 0, -1), day, day.AddDate(0, 0, 1)} {
		events, err := c.eventsForDay(ctx, sport, d.UTC().Format("20060102"), nowMs)
		if err != nil {
			lastErr = err
			continue
		}
		loaded++
		merged = append(merged, events...)
	}
	if loaded == 0 {
		return nil, fmt.Errorf("scoreboard %s: %w", sport, lastErr)
	}
	return merged, nil
}

func (c *Client) eventsForDay(ctx context.Context, sport, dateKey string, nowMs int64) ([]Event, error) {
	key := sport + "|" + dateKey

	c.mu.Lock()
	entry, ok := c.cache[key]
	c.mu.Unlock()
	if ok && nowMs-entry.fetchedMs <= c.freshness.Milliseconds() {
		return entry.events, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		events, err := c.fetch(ctx, sport, dateKey)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[key] = cached{events: events, fetchedMs: nowMs}
		c.mu.Unlock()
		return events, nil
	})
	if err != nil {
		// Serve a stale cache entry over nothing.
		if ok {
			return entry.events, nil
		}
		return nil, err
	}
	return v.([]Event), nil
}

// PurgeCache drops cache entries older than the horizon. Called once per
// cycle; entries are never lazily evicted on read.
func (c *Client) PurgeCache(nowMs int64, horizon time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.cache {
		if nowMs-entry.fetchedMs > horizon.Milliseconds() {
			delete(c.cache, key)
		}
	}
}

func (c *Client) fetch(ctx context.Context, sport, dateKey string) ([]Event, error) {
	base, ok := c.urls[sport]
	if !ok || base == "" {
		return nil, fmt.Errorf("no scoreboard url for sport %q", sport)
	}

	params := map[string]string{"dates": dateKey}
	if sport == SportNCAAB {
		// College scoreboards default to top-25 only.
		params["limit"] = "500"
		params["groups"] = "50"
	}

	var out feedResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&out).
		Get(base)
	if err != nil {
		return nil, fmt.Errorf("fetch scoreboard %s/%s: %w", sport, dateKey, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch scoreboard %s/%s: status %d", sport, dateKey, resp.StatusCode())
	}

	events := make([]Event, 0, len(out.Events))
	for _, fe := range out.Events {
		events = append(events, strip(fe))
	}
	c.logger.Debug("scoreboard fetched", "sport", sport, "date", dateKey, "events", len(events))
	return events, nil
}

// strip reduces a raw feed event to the cached schema and precomputes the
// competitor alias sets.
func strip(fe feedEvent) Event {
	ev := Event{
		ID:           fe.ID,
		Date:         fe.Date,
		Name:         fe.Name,
		State:        types.GameState(fe.Status.Type.State),
		Completed:    fe.Status.Type.Completed,
		DisplayClock: fe.Status.DisplayClock,
		Period:       fe.Status.Period,
	}
	if len(fe.Competitions) == 0 {
		return ev
	}
	comp := fe.Competitions[0]
	if ev.Date == "" {
		ev.Date = comp.Date
	}
	for _, raw := range comp.Competitors {
		side := Competitor{
			Name:     raw.Team.DisplayName,
			Short:    raw.Team.ShortDisplayName,
			Abbrev:   raw.Team.Abbreviation,
			Location: raw.Team.Location,
			Winner:   raw.Winner,
		}
		if raw.Score != "" {
			if n, err := strconv.Atoi(raw.Score); err == nil {
				side.Score, side.HasScore = n, true
			}
		}
		side.aliases = buildAliases(side)
		if raw.HomeAway == "home" {
			ev.Home = side
		} else {
			ev.Away = side
		}
	}
	return ev
}

// buildAliases assembles the normalized alias set: full name, short name,
// location, abbreviation, and mascot-stripped variants, deduplicated.
func buildAliases(c Competitor) []string {
	seen := make(map[string]bool, 8)
	var out []string
	add := func(s string) {
		n := Normalize(s)
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		out = append(out, n)
	}
	add(c.Name)
	add(stripMascot(Normalize(c.Name)))
	add(c.Short)
	add(c.Location)
	add(c.Abbrev)
	return out
}
