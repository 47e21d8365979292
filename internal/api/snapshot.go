package api

import (
	"sort"
	"time"

	"polysniper/internal/exec"
	"polysniper/internal/httpq"
	"polysniper/internal/metrics"
	"polysniper/internal/stream"
	"polysniper/internal/tracker"
	"polysniper/internal/watchlist"
	"polysniper/pkg/types"
)

// Sources bundles the readers the status payload is built from. Stream and
// Tracker may be nil.
type Sources struct {
	Mode      types.Mode
	Watchlist *watchlist.Store
	Metrics   *metrics.Metrics
	Bridge    *exec.Bridge
	Tracker   *tracker.Tracker
	Stream    *stream.Client
	Queue     *httpq.Queue

	startedAt time.Time
}

// NewSources stamps the process start time for the uptime field.
func NewSources(src Sources) *Sources {
	src.startedAt = time.Now()
	return &src
}

// MarketRow is the per-market summary in the status payload.
type MarketRow struct {
	Slug     string       `json:"slug"`
	League   string       `json:"league"`
	Status   types.Status `json:"status"`
	BestBid  float64      `json:"best_bid,omitempty"`
	BestAsk  float64      `json:"best_ask,omitempty"`
	Source   string       `json:"source,omitempty"`
	Signals  int          `json:"signals,omitempty"`
	Reject   string       `json:"last_reject,omitempty"`
	RejectMs int64        `json:"last_reject_ms,omitempty"`
}

// Status is the full read-only snapshot.
type Status struct {
	Mode          types.Mode                    `json:"mode"`
	UptimeSeconds int64                         `json:"uptime_seconds"`
	Paused        bool                          `json:"paused"`
	StreamHealthy bool                          `json:"stream_healthy"`
	QueueDropped  int64                         `json:"queue_dropped"`
	Counts        map[types.Status]int          `json:"counts"`
	Markets       []MarketRow                   `json:"markets"`
	Window        map[string]int64              `json:"window"`
	Rejects       map[string]int64              `json:"rejects_cumulative"`
	Signals       []metrics.Event               `json:"recent_signals"`
	PendingEnters []metrics.Event               `json:"recent_pending_enters"`
	Timeouts      []metrics.Event               `json:"recent_pending_timeouts"`
	Positions     []types.Trade                 `json:"open_positions"`
	Traces        map[string]tracker.PriceTrace `json:"price_traces,omitempty"`
}

// Build assembles the payload from current snapshots.
func (s *Sources) Build() Status {
	st := Status{
		Mode:          s.Mode,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Paused:        s.Bridge.Paused(),
		StreamHealthy: s.streamHealthy(),
		Counts:        s.Watchlist.Counts(),
		Window:        s.Metrics.Window(),
		Rejects:       s.Metrics.CumulativeRejects(),
		Signals:       s.Metrics.RecentSignals(),
		PendingEnters: s.Metrics.RecentPendingEnters(),
		Timeouts:      s.Metrics.RecentPendingTimeouts(),
	}

	if s.Queue != nil {
		st.QueueDropped = s.Queue.Dropped()
	}
	if s.Tracker != nil {
		st.Traces = s.Tracker.Traces()
	}

	for _, m := range s.Watchlist.Snapshot() {
		row := MarketRow{
			Slug:    m.Slug,
			League:  m.League,
			Status:  m.Status,
			Signals: m.Signals.Count,
		}
		if m.LastPrice != nil {
			row.BestBid = m.LastPrice.BestBid
			row.BestAsk = m.LastPrice.BestAsk
			row.Source = string(m.LastPrice.Source)
		}
		if m.LastReject != nil {
			row.Reject = m.LastReject.Reason
			row.RejectMs = m.LastReject.Ms
		}
		st.Markets = append(st.Markets, row)
	}

	st.Positions = append(st.Positions, s.Bridge.OpenPositions()...)
	sort.Slice(st.Positions, func(i, j int) bool {
		return st.Positions[i].SignalID < st.Positions[j].SignalID
	})

	return st
}

func (s *Sources) streamHealthy() bool {
	return s.Stream != nil && s.Stream.Healthy()
}
