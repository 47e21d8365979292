package scoreboard

import (
	"strconv"
	"strings"

	"polysniper/pkg/types"
)

// Regulation structure per sport.
const (
	nbaPeriods     = 4
	nbaPeriodMin   = 12.0
	ncaabPeriods   = 2
	ncaabPeriodMin = 20.0
	soccerFullMin  = 90.0
	soccerHalfMin  = 45.0
)

// MinutesLeft computes the regulation minutes remaining for a sport from
// the period and display clock.
//
// Basketball clocks count down within the period ("7:42"); remaining is the
// period clock plus the untouched periods. Overtime returns just the period
// clock. Soccer clocks count up ("67'"); remaining is 90 minus elapsed,
// floored at 0.
func MinutesLeft(sport string, period int, displayClock string) float64 {
	switch sport {
	case SportNBA:
		return basketballMinutesLeft(period, displayClock, nbaPeriods, nbaPeriodMin)
	case SportNCAAB:
		return basketballMinutesLeft(period, displayClock, ncaabPeriods, ncaabPeriodMin)
	case SportSoccer:
		elapsed := soccerElapsed(displayClock)
		left := soccerFullMin - elapsed
		if left < 0 {
			return 0
		}
		return left
	default:
		return 0
	}
}

func basketballMinutesLeft(period int, displayClock string, periods int, periodMin float64) float64 {
	clock := clockMinutes(displayClock)
	if period <= 0 {
		return float64(periods) * periodMin
	}
	if period >= periods {
		return clock
	}
	return clock + float64(periods-period)*periodMin
}

// clockMinutes parses "m:ss" or "mm:ss.d" into fractional minutes.
func clockMinutes(displayClock string) float64 {
	displayClock = strings.TrimSpace(displayClock)
	if displayClock == "" {
		return 0
	}
	parts := strings.SplitN(displayClock, ":", 2)
	if len(parts) == 2 {
		mins, err1 := strconv.Atoi(parts[0])
		secs, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil {
			return 0
		}
		return float64(mins) + secs/60
	}
	// Bare seconds under a minute, e.g. "42.3".
	if secs, err := strconv.ParseFloat(parts[0], 64); err == nil {
		return secs / 60
	}
	return 0
}

// soccerElapsed parses "67'" or "45'+2" into elapsed minutes.
func soccerElapsed(displayClock string) float64 {
	s := strings.TrimSpace(displayClock)
	s = strings.TrimSuffix(s, "'")
	if i := strings.IndexAny(s, "'+"); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return n
}

// Decided applies the basketball decided rule to an absolute margin.
func Decided(margin int, minLeft float64) bool {
	if margin < 0 {
		margin = -margin
	}
	return (margin >= 15 && minLeft <= 6) || (margin >= 10 && minLeft <= 3)
}

// SoccerConfidence is "high" only when the clock is in the second half and
// within regulation game time; everything else fails closed to "low".
func SoccerConfidence(period int, displayClock string) string {
	elapsed := soccerElapsed(displayClock)
	if period == 2 && elapsed >= soccerHalfMin && elapsed < soccerFullMin {
		return "high"
	}
	return "low"
}

// DeriveContext builds the per-market context snapshot from a matched event.
func DeriveContext(sport string, ev *Event, nowMs int64) *types.ContextSnapshot {
	minLeft := MinutesLeft(sport, ev.Period, ev.DisplayClock)
	snap := &types.ContextSnapshot{
		State:       ev.State,
		Period:      ev.Period,
		Clock:       ev.DisplayClock,
		MinutesLeft: minLeft,
		Home:        types.TeamScore{Name: ev.Home.Name, Score: ev.Home.Score, HasScore: ev.Home.HasScore},
		Away:        types.TeamScore{Name: ev.Away.Name, Score: ev.Away.Score, HasScore: ev.Away.HasScore},
		MatchKind:   sport,
		GameID:      ev.ID,
		UpdatedMs:   nowMs,
	}
	if sport == SportSoccer {
		snap.Confidence = SoccerConfidence(ev.Period, ev.DisplayClock)
	}
	if ev.Home.HasScore && ev.Away.HasScore {
		snap.Decided = sport != SportSoccer && Decided(ev.Home.Score-ev.Away.Score, minLeft)
	}
	return snap
}
