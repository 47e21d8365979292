package scoreboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"polysniper/internal/config"
	"polysniper/pkg/types"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"  Real   Madrid ", "real madrid"},
		{"Atlético Madrid", "atletico madrid"},
		{"St. John's", "st john s"},
		{"LOS ANGELES LAKERS", "los angeles lakers"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStripMascot(t *testing.T) {
	t.Parallel()

	if got := stripMascot("los angeles lakers"); got != "los angeles" {
		t.Errorf("stripMascot = %q, want los angeles", got)
	}
	// Never strips down to nothing.
	if got := stripMascot("lakers"); got != "lakers" {
		t.Errorf("stripMascot single word = %q", got)
	}
	if got := stripMascot("real madrid"); got != "real madrid" {
		t.Errorf("unknown mascot stripped: %q", got)
	}
}

func TestParseTitle(t *testing.T) {
	t.Parallel()

	cases := []struct {
		title   string
		a, b    string
		ok      bool
	}{
		{"Lakers vs Celtics", "lakers", "celtics", true},
		{"Arsenal v Chelsea", "arsenal", "chelsea", true},
		{"Duke at UNC", "duke", "unc", true},
		{"Lakers VS. Celtics", "lakers", "celtics", true},
		{"no separator here", "", "", false},
	}
	for _, tc := range cases {
		a, b, ok := ParseTitle(tc.title)
		if ok != tc.ok || a != tc.a || b != tc.b {
			t.Errorf("ParseTitle(%q) = %q %q %v, want %q %q %v", tc.title, a, b, ok, tc.a, tc.b, tc.ok)
		}
	}
}

func gameEvent(id string, home, away string, homeScore, awayScore int, period int, clock string, state types.GameState) Event {
	return Event{
		ID:           id,
		Date:         "2025-03-10T19:00Z",
		State:        state,
		Period:       period,
		DisplayClock: clock,
		Home:         Competitor{Name: home, Score: homeScore, HasScore: true},
		Away:         Competitor{Name: away, Score: awayScore, HasScore: true},
	}
}

func TestMatchTitleExactAndRelaxed(t *testing.T) {
	t.Parallel()

	events := []Event{
		gameEvent("g1", "Los Angeles Lakers", "Boston Celtics", 100, 90, 4, "5:00", types.GameIn),
		gameEvent("g2", "Miami Heat", "Chicago Bulls", 80, 85, 3, "2:00", types.GameIn),
	}

	ev, ok := MatchTitle("Lakers vs Celtics", events, nil)
	if !ok || ev.ID != "g1" {
		t.Errorf("relaxed match = %v %v, want g1", ev, ok)
	}

	ev, ok = MatchTitle("Los Angeles Lakers vs Boston Celtics", events, nil)
	if !ok || ev.ID != "g1" {
		t.Errorf("exact match = %v %v, want g1", ev, ok)
	}

	if _, ok := MatchTitle("Knicks vs Nets", events, nil); ok {
		t.Error("matched a game that is not on the board")
	}
}

func TestMatchTitleAmbiguityFails(t *testing.T) {
	t.Parallel()

	events := []Event{
		gameEvent("g1", "Texas Wildcats", "State Tigers", 0, 0, 1, "20:00", types.GameIn),
		gameEvent("g2", "Texas Wildcats", "State Bulldogs", 0, 0, 1, "20:00", types.GameIn),
	}
	// "state" matches both opponents.
	if _, ok := MatchTitle("Texas vs State", events, nil); ok {
		t.Error("ambiguous match should fail closed")
	}
}

func TestMatchTitleWithOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "overrides.json")
	data := `{"title_school_overrides":{"cal": "california golden bears"},
		"outcome_team_overrides":{"golden bears": "california golden bears", "bad": "too-short"}}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	ov, err := LoadOverrides(path)
	if err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}

	events := []Event{
		gameEvent("g1", "California Golden Bears", "Stanford Cardinal", 60, 55, 2, "10:00", types.GameIn),
	}
	ev, ok := MatchTitle("Cal vs Stanford", events, ov)
	if !ok || ev.ID != "g1" {
		t.Errorf("override match = %v %v, want g1", ev, ok)
	}

	// Single-word outcome override keys are discarded.
	if got := ov.CanonicalOutcome("bad"); got == "too-short" {
		t.Error("single-word outcome override was applied")
	}
	if got := ov.CanonicalOutcome("Golden Bears to advance"); got != "california golden bears" {
		t.Errorf("outcome override = %q", got)
	}
}

func TestMarginFor(t *testing.T) {
	t.Parallel()

	ev := gameEvent("g1", "Duke Blue Devils", "North Carolina Tar Heels", 70, 64, 2, "3:00", types.GameIn)

	if m, ok := MarginFor("Duke Blue Devils", &ev, nil); !ok || m != 6 {
		t.Errorf("home margin = %d %v, want 6", m, ok)
	}
	if m, ok := MarginFor("North Carolina Tar Heels", &ev, nil); !ok || m != -6 {
		t.Errorf("away margin = %d %v, want -6", m, ok)
	}
	if _, ok := MarginFor("Kentucky Wildcats", &ev, nil); ok {
		t.Error("unmatched outcome produced a margin")
	}

	noScore := ev
	noScore.Away.HasScore = false
	if _, ok := MarginFor("Duke Blue Devils", &noScore, nil); ok {
		t.Error("margin computed without both scores")
	}
}

func TestMinutesLeft(t *testing.T) {
	t.Parallel()

	cases := []struct {
		sport  string
		period int
		clock  string
		want   float64
	}{
		{SportNBA, 4, "5:00", 5},
		{SportNBA, 1, "12:00", 48},
		{SportNBA, 3, "6:00", 18},
		{SportNBA, 5, "3:00", 3}, // overtime: just the clock
		{SportNCAAB, 2, "10:30", 10.5},
		{SportNCAAB, 1, "20:00", 40},
		{SportSoccer, 2, "67'", 23},
		{SportSoccer, 2, "90'+3", 0},
		{SportSoccer, 1, "30'", 60},
	}
	for _, tc := range cases {
		got := MinutesLeft(tc.sport, tc.period, tc.clock)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("MinutesLeft(%s, p%d, %q) = %v, want %v", tc.sport, tc.period, tc.clock, got, tc.want)
		}
	}
}

func TestDecidedRule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		margin  int
		minLeft float64
		want    bool
	}{
		{15, 6, true},
		{15, 6.1, false},
		{14, 6, false},
		{10, 3, true},
		{10, 3.1, false},
		{-16, 5, true}, // absolute margin
	}
	for _, tc := range cases {
		if got := Decided(tc.margin, tc.minLeft); got != tc.want {
			t.Errorf("Decided(%d, %v) = %v, want %v", tc.margin, tc.minLeft, got, tc.want)
		}
	}
}

func TestSoccerConfidence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		period int
		clock  string
		want   string
	}{
		{2, "67'", "high"},
		{2, "45'", "high"},
		{2, "90'", "low"}, // at or past regulation
		{1, "30'", "low"},
		{2, "44'", "low"}, // clock behind the half boundary
	}
	for _, tc := range cases {
		if got := SoccerConfidence(tc.period, tc.clock); got != tc.want {
			t.Errorf("SoccerConfidence(p%d, %q) = %q, want %q", tc.period, tc.clock, got, tc.want)
		}
	}
}

func TestScoreTracker(t *testing.T) {
	t.Parallel()

	tr := NewScoreTracker()
	tr.Observe("g1", 0, 0, 1000)
	if age := tr.AgeSeconds("g1", 11_000); age != 10 {
		t.Errorf("age = %v, want 10", age)
	}

	// Unchanged score does not advance the change time.
	tr.Observe("g1", 0, 0, 20_000)
	if age := tr.AgeSeconds("g1", 21_000); age != 20 {
		t.Errorf("age after no-op observe = %v, want 20", age)
	}

	// A goal resets it.
	tr.Observe("g1", 1, 0, 30_000)
	if age := tr.AgeSeconds("g1", 31_000); age != 1 {
		t.Errorf("age after goal = %v, want 1", age)
	}

	if age := tr.AgeSeconds("unknown", 0); age != -1 {
		t.Errorf("unknown game age = %v, want -1", age)
	}

	tr.Purge(30_000 + trackerHorizonMs + 1)
	if age := tr.AgeSeconds("g1", 0); age != -1 {
		t.Error("stale entry survived purge")
	}
}

func TestEventsForCachesAndMerges(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		date := r.URL.Query().Get("dates")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"events": []map[string]any{{
				"id": "ev-" + date,
				"status": map[string]any{
					"displayClock": "5:00", "period": 4,
					"type": map[string]any{"state": "in"},
				},
				"competitions": []map[string]any{{
					"date": "2025-03-10T19:00Z",
					"competitors": []map[string]any{
						{"homeAway": "home", "score": "100", "team": map[string]any{"displayName": "Home Team"}},
						{"homeAway": "away", "score": "90", "team": map[string]any{"displayName": "Away Team"}},
					},
				}},
			}},
		})
	}))
	defer srv.Close()

	c, err := New(config.ScoreboardConfig{
		NBABaseURL: srv.URL,
		Freshness:  15 * time.Second,
		Timeout:    2 * time.Second,
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}

	day := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	events, err := c.EventsFor(context.Background(), SportNBA, day, 1000)
	if err != nil {
		t.Fatalf("EventsFor: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("merged events = %d, want 3 (day-1, day, day+1)", len(events))
	}
	if calls.Load() != 3 {
		t.Errorf("fetches = %d, want 3", calls.Load())
	}
	if events[1].Home.Score != 100 || !events[1].Home.HasScore {
		t.Errorf("stripped event = %+v", events[1].Home)
	}

	// Within the freshness window the cache absorbs the second call.
	if _, err := c.EventsFor(context.Background(), SportNBA, day, 10_000); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Errorf("fetches after cached call = %d, want 3", calls.Load())
	}

	// Past the freshness window everything refetches.
	if _, err := c.EventsFor(context.Background(), SportNBA, day, 17_000); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 6 {
		t.Errorf("fetches after stale window = %d, want 6", calls.Load())
	}
}
