// Package metrics keeps the rolling observability counters: a 5-minute
// window of per-minute buckets keyed by reason family, cumulative reject
// counts, and fixed-length ring buffers of recent pipeline events.
//
// The evaluation loop is the single writer. Readers receive snapshot maps.
package metrics

import (
	"fmt"
	"sync"
)

const (
	windowMinutes = 5
	ringLen       = 20
)

// Well-known counter keys. Reject keys are built with RejectKey and
// RejectLeagueKey; price-source keys count where each quote came from.
const (
	KeyStage1Evaluated  = "stage1_evaluated"
	KeyHotCandidate     = "hot_candidate"
	KeyPendingEnter     = "pending_enter"
	KeyPendingTimeout   = "pending_timeout"
	KeyPendingPromoted  = "pending_promoted"
	KeySignaled         = "signaled"
	KeyResolveAttempt   = "token_resolve_attempt"
	KeyResolveSuccess   = "token_resolve_success"
	KeyResolveFail      = "token_resolve_fail"
	KeySourceWSBoth     = "ws_both"
	KeySourceWSYes      = "ws_yes"
	KeySourceHTTP       = "http_fallback"
	KeySourceHTTPMiss   = "http_fallback_cache_miss"
	KeySourceHTTPStale  = "http_fallback_stale"
	KeyDepthCacheHit    = "depth_cache_hit"
	KeyDepthCacheMiss   = "depth_cache_miss"
	KeyDepthCacheBust   = "depth_cache_bust"
)

// RejectKey builds the bucket key for a reject reason.
func RejectKey(reason string) string { return "reject:" + reason }

// RejectLeagueKey builds the per-league reject key.
func RejectLeagueKey(league, reason string) string {
	return fmt.Sprintf("reject_by_league:%s:%s", league, reason)
}

// LeagueKey scopes any counter key to a league.
func LeagueKey(key, league string) string {
	return fmt.Sprintf("%s:%s", key, league)
}

// SignalTypeKey breaks the signaled counter down by signal type.
func SignalTypeKey(signalType string) string {
	return "signaled:" + signalType
}

type bucket struct {
	minute int64 // unix minute
	counts map[string]int64
}

// Event is one ring-buffer entry: a recent signal, pending entry, or
// pending timeout, with enough context for the status surface.
type Event struct {
	Ms         int64   `json:"ms"`
	SignalID   string  `json:"signal_id,omitempty"`
	Slug       string  `json:"slug"`
	League     string  `json:"league,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	SignalType string  `json:"signal_type,omitempty"`
	BestBid    float64 `json:"best_bid,omitempty"`
	BestAsk    float64 `json:"best_ask,omitempty"`
}

// Metrics is the rolling-counter aggregate.
type Metrics struct {
	mu sync.RWMutex

	buckets    []bucket // ring of windowMinutes buckets
	cumRejects map[string]int64

	signals         *ring
	pendingEnters   *ring
	pendingTimeouts *ring
}

// New creates an empty metrics aggregate.
func New() *Metrics {
	return &Metrics{
		buckets:         make([]bucket, 0, windowMinutes),
		cumRejects:      make(map[string]int64),
		signals:         newRing(ringLen),
		pendingEnters:   newRing(ringLen),
		pendingTimeouts: newRing(ringLen),
	}
}

// Tick rotates the bucket window to the current minute. Called at the top
// of every cycle.
func (m *Metrics) Tick(nowMs int64) {
	minute := nowMs / 60_000
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.buckets); n > 0 && m.buckets[n-1].minute == minute {
		return
	}
	m.buckets = append(m.buckets, bucket{minute: minute, counts: make(map[string]int64)})
	if len(m.buckets) > windowMinutes {
		m.buckets = m.buckets[len(m.buckets)-windowMinutes:]
	}
}

// Inc bumps a counter in the current minute bucket.
func (m *Metrics) Inc(key string) { m.Add(key, 1) }

// Add bumps a counter by n in the current minute bucket.
func (m *Metrics) Add(key string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buckets) == 0 {
		m.buckets = append(m.buckets, bucket{counts: make(map[string]int64)})
	}
	m.buckets[len(m.buckets)-1].counts[key] += n
}

// Reject records a rejection in both the rolling window and the cumulative
// per-reason counts, with the per-league breakdown.
func (m *Metrics) Reject(league, reason string) {
	m.Add(RejectKey(reason), 1)
	if league != "" {
		m.Add(RejectLeagueKey(league, reason), 1)
	}
	m.mu.Lock()
	m.cumRejects[reason]++
	m.mu.Unlock()
}

// Window sums the rolling buckets into one map.
func (m *Metrics) Window() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64)
	for _, b := range m.buckets {
		for k, v := range b.counts {
			out[k] += v
		}
	}
	return out
}

// CumulativeRejects returns a copy of the all-time per-reason counts.
func (m *Metrics) CumulativeRejects() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.cumRejects))
	for k, v := range m.cumRejects {
		out[k] = v
	}
	return out
}

// RecordSignal pushes onto the recent-signals ring.
func (m *Metrics) RecordSignal(e Event) { m.push(m.signals, e) }

// RecordPendingEnter pushes onto the recent pending-entries ring.
func (m *Metrics) RecordPendingEnter(e Event) { m.push(m.pendingEnters, e) }

// RecordPendingTimeout pushes onto the recent pending-timeouts ring.
func (m *Metrics) RecordPendingTimeout(e Event) { m.push(m.pendingTimeouts, e) }

func (m *Metrics) push(r *ring, e Event) {
	m.mu.Lock()
	r.push(e)
	m.mu.Unlock()
}

// RecentSignals returns the last signals, newest first.
func (m *Metrics) RecentSignals() []Event { return m.snapshot(m.signals) }

// RecentPendingEnters returns the last pending entries, newest first.
func (m *Metrics) RecentPendingEnters() []Event { return m.snapshot(m.pendingEnters) }

// RecentPendingTimeouts returns the last pending timeouts, newest first.
func (m *Metrics) RecentPendingTimeouts() []Event { return m.snapshot(m.pendingTimeouts) }

func (m *Metrics) snapshot(r *ring) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return r.newestFirst()
}

// ring is a fixed-capacity overwrite buffer.
type ring struct {
	buf  []Event
	next int
	full bool
}

func newRing(n int) *ring { return &ring{buf: make([]Event, n)} }

func (r *ring) push(e Event) {
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) newestFirst() []Event {
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	out := make([]Event, 0, size)
	for i := 0; i < size; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
