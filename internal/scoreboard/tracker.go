package scoreboard

import "sync"

// ScoreTracker records the wall-clock time of every observed score change
// per game, to answer "seconds since the last change". The soccer entry
// gate uses this as its goal cooldown.
type ScoreTracker struct {
	mu      sync.Mutex
	entries map[string]*scoreEntry
}

type scoreEntry struct {
	home, away int
	changedMs  int64
	seenMs     int64
}

const trackerHorizonMs = 24 * 60 * 60 * 1000

// NewScoreTracker creates an empty tracker.
func NewScoreTracker() *ScoreTracker {
	return &ScoreTracker{entries: make(map[string]*scoreEntry)}
}

// Observe records the current (home, away) score for a game. The change
// timestamp advances only when the pair differs from the last observation;
// the first observation of a game counts as a change.
func (t *ScoreTracker) Observe(gameID string, home, away int, nowMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[gameID]
	if !ok {
		t.entries[gameID] = &scoreEntry{home: home, away: away, changedMs: nowMs, seenMs: nowMs}
		return
	}
	e.seenMs = nowMs
	if e.home != home || e.away != away {
		e.home, e.away = home, away
		e.changedMs = nowMs
	}
}

// AgeSeconds returns seconds since the last score change, or -1 when the
// game has never been observed. The gate treats unknown as passing.
func (t *ScoreTracker) AgeSeconds(gameID string, nowMs int64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[gameID]
	if !ok {
		return -1
	}
	return float64(nowMs-e.changedMs) / 1000
}

// Purge drops entries unobserved for 24 hours. Called once per cycle.
func (t *ScoreTracker) Purge(nowMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if nowMs-e.seenMs > trackerHorizonMs {
			delete(t.entries, id)
		}
	}
}
