package scoreboard

import (
	"sort"
	"strings"
	"time"
)

// MatchTitle finds the event for a market title. The title is split into
// two team tokens, mapped through the school overrides, then joined against
// the events: first an exact keyed join on the sorted canonical pair, then a
// relaxed alias-containment join. Zero candidates or a tie between two or
// more candidates fails.
func MatchTitle(title string, events []Event, ov *Overrides) (*Event, bool) {
	teamA, teamB, ok := ParseTitle(title)
	if !ok {
		return nil, false
	}
	if ov != nil {
		teamA = ov.CanonicalTitle(teamA)
		teamB = ov.CanonicalTitle(teamB)
	}

	// Exact join on the sorted canonical pair.
	wantKey := pairKey(teamA, teamB)
	var exact []*Event
	for i := range events {
		ev := &events[i]
		for _, homeAlias := range ev.Home.Aliases() {
			for _, awayAlias := range ev.Away.Aliases() {
				if pairKey(homeAlias, awayAlias) == wantKey {
					exact = append(exact, ev)
				}
			}
		}
	}
	exact = dedupe(exact)
	if len(exact) == 1 {
		return exact[0], true
	}
	if len(exact) > 1 {
		return nil, false
	}

	// Relaxed join: each title team must substring-match an alias of a
	// distinct event team.
	var relaxed []*Event
	for i := range events {
		ev := &events[i]
		if containsTeam(teamA, &ev.Home) && containsTeam(teamB, &ev.Away) {
			relaxed = append(relaxed, ev)
			continue
		}
		if containsTeam(teamA, &ev.Away) && containsTeam(teamB, &ev.Home) {
			relaxed = append(relaxed, ev)
		}
	}
	relaxed = dedupe(relaxed)
	if len(relaxed) == 1 {
		return relaxed[0], true
	}
	return nil, false
}

// containsTeam reports whether the title team substring-matches any alias
// of the competitor, in either direction.
func containsTeam(team string, c *Competitor) bool {
	for _, alias := range c.Aliases() {
		if strings.Contains(alias, team) || strings.Contains(team, alias) {
			return true
		}
	}
	return false
}

// MarginFor computes the live margin for an outcome name: the matched
// team's score minus the opponent's. Both scores must be present and the
// outcome must match exactly one side.
func MarginFor(outcome string, ev *Event, ov *Overrides) (int, bool) {
	if !ev.Home.HasScore || !ev.Away.HasScore {
		return 0, false
	}
	name := Normalize(outcome)
	if ov != nil {
		name = ov.CanonicalOutcome(outcome)
	}
	matchHome := containsTeam(name, &ev.Home)
	matchAway := containsTeam(name, &ev.Away)
	if matchHome == matchAway {
		return 0, false
	}
	if matchHome {
		return ev.Home.Score - ev.Away.Score, true
	}
	return ev.Away.Score - ev.Home.Score, true
}

// SameDayTolerant reports whether the event date and the market end date
// fall on the same UTC calendar day, with one day of tolerance. Used as the
// soccer time cross-check; unparseable dates fail.
func SameDayTolerant(eventDate, endDate string) bool {
	evT, err := parseFeedTime(eventDate)
	if err != nil {
		return false
	}
	endT, err := parseFeedTime(endDate)
	if err != nil {
		return false
	}
	evDay := evT.UTC().Truncate(24 * time.Hour)
	endDay := endT.UTC().Truncate(24 * time.Hour)
	diff := evDay.Sub(endDay)
	if diff < 0 {
		diff = -diff
	}
	return diff <= 24*time.Hour
}

// parseFeedTime accepts RFC3339 and the feed's minute-resolution variant.
func parseFeedTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04Z07:00", s)
}

func pairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "|" + pair[1]
}

func dedupe(events []*Event) []*Event {
	seen := make(map[string]bool, len(events))
	out := events[:0]
	for _, ev := range events {
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		out = append(out, ev)
	}
	return out
}
