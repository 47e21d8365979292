package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"polysniper/internal/config"
)

func testConfig(gammaURL string, leagues []config.LeagueConfig) *config.Config {
	return &config.Config{
		API:       config.APIConfig{GammaBaseURL: gammaURL},
		Discovery: config.DiscoveryConfig{EventLimit: 50},
		Queue:     config.QueueConfig{Timeout: 2 * time.Second},
		Leagues:   leagues,
	}
}

func TestParseStringPair(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want []string
		kind shapeKind
	}{
		{"plain array", `["a","b"]`, []string{"a", "b"}, shapeOK},
		{"encoded string", `"[\"a\",\"b\"]"`, []string{"a", "b"}, shapeOK},
		{"three elements", `["a","b","c"]`, nil, shapeUnexpected},
		{"one element", `["a"]`, nil, shapeUnexpected},
		{"empty element", `["a",""]`, nil, shapeUnexpected},
		{"garbage", `{"x":1}`, nil, shapeParseFail},
		{"encoded garbage", `"not an array"`, nil, shapeParseFail},
		{"missing", ``, nil, shapeUnexpected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, kind := parseStringPair(json.RawMessage(tc.raw))
			if kind != tc.kind {
				t.Fatalf("kind = %v, want %v", kind, tc.kind)
			}
			if len(got) != len(tc.want) {
				t.Errorf("pair = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWithinDateWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		end      string
		min, max int
		want     bool
	}{
		{"same day", "2025-03-10T23:00:00Z", 0, 1, true},
		{"tomorrow", "2025-03-11T01:00:00Z", 0, 1, true},
		{"yesterday", "2025-03-09T23:00:00Z", 0, 1, false},
		{"too far", "2025-03-13T00:00:00Z", 0, 1, false},
		{"unparseable", "soon", 0, 1, false},
		{"empty", "", 0, 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := WithinDateWindow(tc.end, now, tc.min, tc.max); got != tc.want {
				t.Errorf("WithinDateWindow(%q) = %v, want %v", tc.end, got, tc.want)
			}
		})
	}
}

func TestDiscoverSelectsTopByVolume(t *testing.T) {
	t.Parallel()

	end := time.Now().UTC().Add(6 * time.Hour).Format(time.RFC3339)
	events := []GammaEvent{{
		ID:    "ev1",
		Slug:  "lakers-celtics",
		Title: "Lakers vs Celtics",
		Markets: []GammaMarket{
			{
				ConditionID: "c1", Slug: "nba-lal-bos-moneyline", Question: "Will the Lakers win?",
				Active: true, Volume24hr: 9000,
				Outcomes:     json.RawMessage(`["Lakers","Celtics"]`),
				ClobTokenIds: json.RawMessage(`["t1","t2"]`),
				EndDate:      end,
			},
			{
				ConditionID: "c2", Slug: "nba-lal-bos-spread", Question: "Will the Lakers cover?",
				Active: true, Volume24hr: 20000,
				Outcomes:     json.RawMessage(`["Yes","No"]`),
				ClobTokenIds: json.RawMessage(`["t3","t4"]`),
				EndDate:      end,
			},
			{
				ConditionID: "c3", Slug: "nba-lal-bos-alt", Question: "Will the Celtics win?",
				Active: true, Volume24hr: 100,
				Outcomes:     json.RawMessage(`["Celtics","Lakers"]`),
				ClobTokenIds: json.RawMessage(`["t5","t6"]`),
				EndDate:      end,
			},
		},
	}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tag_slug") != "nba" {
			t.Errorf("tag_slug = %q", r.URL.Query().Get("tag_slug"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, []config.LeagueConfig{{
		Tag: "nba", Sport: "nba", MaxPerEvent: 1,
		MinDaysDelta: 0, MaxDaysDelta: 1,
		ExcludeSlug: []string{"spread", "total"},
	}})
	c := New(cfg, slog.New(slog.DiscardHandler))

	cands, stats := c.Discover(context.Background(), time.Now().UTC())
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1 (top by volume after exclusions)", len(cands))
	}
	// c2 is excluded by slug; of c1 and c3, c1 has higher volume.
	if cands[0].ConditionID != "c1" {
		t.Errorf("selected %s, want c1", cands[0].ConditionID)
	}
	if len(cands[0].TokenPair) != 2 || cands[0].TokenPair[0] != "t1" {
		t.Errorf("token pair = %v", cands[0].TokenPair)
	}
	if stats.SlugExcluded != 1 {
		t.Errorf("slug excluded = %d, want 1", stats.SlugExcluded)
	}
}

func TestDiscoverCountsShapes(t *testing.T) {
	t.Parallel()

	end := time.Now().UTC().Add(2 * time.Hour).Format(time.RFC3339)
	events := []GammaEvent{{
		ID:   "ev2",
		Slug: "bad-shapes",
		Markets: []GammaMarket{
			{
				ConditionID: "c1", Slug: "g1", Active: true,
				Outcomes:     json.RawMessage(`["A","B"]`),
				ClobTokenIds: json.RawMessage(`"not an array"`),
				EndDate:      end,
			},
			{
				ConditionID: "c2", Slug: "g2", Active: true,
				Outcomes:     json.RawMessage(`["A","B","C"]`),
				ClobTokenIds: json.RawMessage(`["t1","t2"]`),
				EndDate:      end,
			},
			{
				ConditionID: "", Slug: "g3", Active: true, EndDate: end,
			},
			{
				ConditionID: "c4", Slug: "g4", Active: true,
				Outcomes:     json.RawMessage(`["A","B"]`),
				ClobTokenIds: json.RawMessage(`["t1","t2"]`),
				EndDate:      "2020-01-01T00:00:00Z",
			},
		},
	}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, []config.LeagueConfig{{
		Tag: "cbb", Sport: "ncaab", MaxPerEvent: 10, MinDaysDelta: 0, MaxDaysDelta: 1,
	}})
	c := New(cfg, slog.New(slog.DiscardHandler))

	cands, stats := c.Discover(context.Background(), time.Now().UTC())
	if len(cands) != 0 {
		t.Errorf("candidates = %d, want 0", len(cands))
	}
	if stats.ParseFail != 1 {
		t.Errorf("parse_fail = %d, want 1", stats.ParseFail)
	}
	if stats.UnexpectedShape != 1 {
		t.Errorf("unexpected_shape = %d, want 1", stats.UnexpectedShape)
	}
	if stats.MetadataMissing != 1 {
		t.Errorf("metadata_missing = %d, want 1", stats.MetadataMissing)
	}
	if stats.DateExpired != 1 {
		t.Errorf("date_expired = %d, want 1", stats.DateExpired)
	}
}

func TestSoccerTeamWinRule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		q    string
		want bool
	}{
		{"Will Arsenal win on March 10?", true},
		{"Will the match end in a draw?", false},
		{"Will there be over 2.5 goals?", false},
		{"Will both teams score?", false},
	}
	for _, tc := range cases {
		if got := soccerTeamWin(tc.q); got != tc.want {
			t.Errorf("soccerTeamWin(%q) = %v, want %v", tc.q, got, tc.want)
		}
	}
}
