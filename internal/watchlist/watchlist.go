// Package watchlist maintains the bounded map of tracked markets keyed by
// conditionID, and owns admission, TTL expiry, eviction, and the
// terminal-price and staleness purges.
//
// The evaluation loop is the single writer; status readers get copies via
// Snapshot. State is persisted atomically (write to .tmp, then rename) so a
// crash never leaves a partial file.
package watchlist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"polysniper/internal/config"
	"polysniper/internal/discovery"
	"polysniper/pkg/types"
)

// TokenRef is the derived back-reference from a token to its market.
type TokenRef struct {
	ConditionID string
	Slug        string
}

// Store is the watchlist. All mutation happens on the evaluation loop.
type Store struct {
	mu         sync.RWMutex
	markets    map[string]*types.Market
	tokenIndex map[string]TokenRef

	cfg    config.WatchlistConfig
	path   string
	logger *slog.Logger
}

// New creates an empty watchlist persisted at path (may be "" for no
// persistence, used by tests).
func New(cfg config.WatchlistConfig, path string, logger *slog.Logger) *Store {
	return &Store{
		markets:    make(map[string]*types.Market),
		tokenIndex: make(map[string]TokenRef),
		cfg:        cfg,
		path:       path,
		logger:     logger.With("component", "watchlist"),
	}
}

// Load restores the watchlist from disk. A missing file is a fresh start.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read watchlist: %w", err)
	}
	var markets map[string]*types.Market
	if err := json.Unmarshal(data, &markets); err != nil {
		return fmt.Errorf("unmarshal watchlist: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets = markets
	s.rebuildTokenIndex()
	s.logger.Info("watchlist restored", "markets", len(markets))
	return nil
}

// Persist atomically writes the watchlist to disk.
func (s *Store) Persist() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	data, err := json.Marshal(s.markets)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal watchlist: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write watchlist: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Upsert admits or refreshes a market from a discovery candidate. The merge
// is non-destructive: scalars overwrite only when the incoming value is
// non-empty, outcomes persist once present, and the token pair is replaced
// only when the new one is valid and the old one is missing or invalid.
// Returns the record and whether this was a fresh insert.
func (s *Store) Upsert(cand types.Candidate, nowMs int64) (*types.Market, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[cand.ConditionID]
	if !ok {
		m = &types.Market{
			ConditionID:   cand.ConditionID,
			Status:        types.StatusWatching,
			StatusSinceMs: nowMs,
			FirstSeenMs:   nowMs,
		}
		s.markets[cand.ConditionID] = m
	}

	if cand.Slug != "" {
		m.Slug = cand.Slug
	}
	if cand.Question != "" {
		m.Question = cand.Question
	}
	if cand.League != "" {
		m.League = cand.League
	}
	if cand.EndDate != "" {
		m.EndDate = cand.EndDate
	}
	if cand.EventID != "" {
		m.EventID = cand.EventID
	}
	if cand.EventSlug != "" {
		m.EventSlug = cand.EventSlug
	}
	if cand.Volume24h > 0 {
		m.Volume24h = cand.Volume24h
	}
	if len(m.Outcomes) != 2 && len(cand.Outcomes) == 2 {
		m.Outcomes = cand.Outcomes
	}
	if len(cand.TokenPair) == 2 && !m.HasValidPair() {
		m.TokenPair = cand.TokenPair
		// A new pair invalidates any prior YES/NO resolution not in it.
		if m.Resolved() && !pairContains(m.TokenPair, m.YesTokenID) {
			m.YesTokenID, m.NoTokenID = "", ""
		}
	}
	if nowMs > m.LastSeenMs {
		m.LastSeenMs = nowMs
	}

	// A market seen again after TTL expiry re-enters the pipeline.
	if ok && m.Status == types.StatusExpired {
		m.Status = types.StatusWatching
		m.StatusSinceMs = nowMs
	}

	s.indexMarket(m)
	return m, !ok
}

// Get returns the live record for mutation by the evaluation loop.
func (s *Store) Get(conditionID string) (*types.Market, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[conditionID]
	return m, ok
}

// ByToken resolves a token to its market.
func (s *Store) ByToken(tokenID string) (TokenRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.tokenIndex[tokenID]
	return ref, ok
}

// All returns the live records, for the single-writer evaluation loop only.
func (s *Store) All() []*types.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, m)
	}
	return out
}

// Snapshot returns deep-enough copies for status readers.
func (s *Store) Snapshot() []types.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Len returns the number of tracked markets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.markets)
}

// Counts returns markets per status.
func (s *Store) Counts() map[types.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.Status]int)
	for _, m := range s.markets {
		out[m.Status]++
	}
	return out
}

// SetStatus transitions a market and stamps status_since.
func (s *Store) SetStatus(m *types.Market, status types.Status, nowMs int64) {
	if m.Status == status {
		return
	}
	m.Status = status
	m.StatusSinceMs = nowMs
}

// SetResolved records the YES/NO decision for a market.
func (s *Store) SetResolved(m *types.Market, yesToken, noToken string) {
	m.YesTokenID = yesToken
	m.NoTokenID = noToken
}

// ExpireTTL marks markets unseen for the TTL window as expired.
// Returns the number expired.
func (s *Store) ExpireTTL(nowMs int64) int {
	ttlMs := s.cfg.TTL.Milliseconds()
	n := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.markets {
		if m.Status == types.StatusExpired {
			continue
		}
		if m.Status == types.StatusPending || m.Status == types.StatusSignaled ||
			m.Status == types.StatusTraded {
			continue
		}
		if nowMs-m.LastSeenMs > ttlMs {
			m.Status = types.StatusExpired
			m.StatusSinceMs = nowMs
			m.LastReject = &types.Reject{Reason: types.ReasonPurgeTTL, Ms: nowMs}
			n++
		}
	}
	return n
}

// ExpireDateWindow expires in place any market whose end date has left its
// league's [min,max] UTC-day window. window returns ok=false for unknown
// leagues, which leaves the market alone.
func (s *Store) ExpireDateWindow(now time.Time, nowMs int64, window func(league string) (minDays, maxDays int, ok bool)) int {
	n := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.markets {
		if m.Status != types.StatusWatching {
			continue
		}
		minD, maxD, ok := window(m.League)
		if !ok {
			continue
		}
		if !discovery.WithinDateWindow(m.EndDate, now, minD, maxD) {
			m.Status = types.StatusExpired
			m.StatusSinceMs = nowMs
			m.LastReject = &types.Reject{Reason: types.ReasonPurgeDateWindow, Ms: nowMs}
			n++
		}
	}
	return n
}

// EnforceBound evicts markets beyond the configured maximum: expired first,
// then ignored, closed, traded, watching; never pending or signaled. Ties
// evict the oldest last_seen. Returns the number evicted.
func (s *Store) EnforceBound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	over := len(s.markets) - s.cfg.Max
	if over <= 0 {
		return 0
	}

	type cand struct {
		id   string
		rank int
		seen int64
	}
	cands := make([]cand, 0, len(s.markets))
	for id, m := range s.markets {
		r := evictRank(m.Status)
		if r < 0 {
			continue
		}
		cands = append(cands, cand{id: id, rank: r, seen: m.LastSeenMs})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].rank != cands[j].rank {
			return cands[i].rank < cands[j].rank
		}
		return cands[i].seen < cands[j].seen
	})

	n := 0
	for _, c := range cands {
		if n >= over {
			break
		}
		s.removeLocked(c.id)
		n++
	}
	return n
}

// ObserveTerminal records whether a market's YES price is currently in the
// terminal band. Entering the band starts the confirmation timer; leaving it
// resets the timer.
func (s *Store) ObserveTerminal(m *types.Market, terminal bool, nowMs int64) {
	if terminal {
		if m.TerminalSinceMs == 0 {
			m.TerminalSinceMs = nowMs
		}
		return
	}
	m.TerminalSinceMs = 0
}

// InTerminalBand tests a quote against the configured terminal band.
func (s *Store) InTerminalBand(q types.Quote) bool {
	if q.HasBid && q.BestBid >= s.cfg.TerminalBid {
		return true
	}
	if q.HasAsk && q.BestAsk <= s.cfg.TerminalAsk {
		return true
	}
	return false
}

// PurgeTerminal removes watching, expired, or closed markets whose terminal
// price has been sustained for the confirmation window, skipping any slug
// with an open position. Returns removed slugs.
func (s *Store) PurgeTerminal(nowMs int64, openSlugs map[string]bool) []string {
	confirmMs := s.cfg.TerminalConfirm.Milliseconds()
	var removed []string
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.markets {
		switch m.Status {
		case types.StatusWatching, types.StatusExpired, types.StatusClosed:
		default:
			continue
		}
		if m.YesTokenID == "" || m.TerminalSinceMs == 0 {
			continue
		}
		if nowMs-m.TerminalSinceMs < confirmMs {
			continue
		}
		if openSlugs[m.Slug] {
			continue
		}
		removed = append(removed, m.Slug)
		s.removeLocked(id)
	}
	if len(removed) > 0 {
		s.logger.Info("terminal purge", "removed", len(removed))
	}
	return removed
}

// PurgeGates expires watching markets whose staleness timers have run out:
// no successful book parse, an incomplete quote, or degraded tradeability
// beyond the configured horizons. isLive and streamFresh implement the
// live-protection override from the purge contract.
func (s *Store) PurgeGates(nowMs int64, isLive func(m *types.Market) bool, streamFresh func(token string) bool) int {
	n := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.markets {
		if m.Status != types.StatusWatching {
			continue
		}
		reason := s.gateReason(m, nowMs)
		if reason == "" {
			continue
		}
		if isLive != nil && isLive(m) {
			// Live markets are protected unless long-expired, and always
			// when the stream still has a recent update for the token.
			if streamFresh != nil && m.YesTokenID != "" && streamFresh(m.YesTokenID) {
				continue
			}
			if nowMs-m.StatusSinceMs <= s.cfg.LiveExpiredGrace.Milliseconds() {
				continue
			}
		}
		m.Status = types.StatusExpired
		m.StatusSinceMs = nowMs
		m.LastReject = &types.Reject{Reason: reason, Ms: nowMs}
		n++
	}
	return n
}

func (s *Store) gateReason(m *types.Market, nowMs int64) string {
	if m.LastBookUpdateMs > 0 && nowMs-m.LastBookUpdateMs > s.cfg.StaleBook.Milliseconds() {
		return types.ReasonPurgeBookStale
	}
	if m.FirstIncompleteQuoteMs > 0 && nowMs-m.FirstIncompleteQuoteMs > s.cfg.StaleQuote.Milliseconds() {
		return types.ReasonPurgeQuoteIncomplete
	}
	if m.FirstBadTradeabilityMs > 0 && nowMs-m.FirstBadTradeabilityMs > s.cfg.StaleTradeability.Milliseconds() {
		return types.ReasonPurgeTradeabilityDegraded
	}
	return ""
}

// Remove deletes a market outright (terminal-price-via-HTTP path).
func (s *Store) Remove(conditionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(conditionID)
}

func (s *Store) removeLocked(conditionID string) {
	m, ok := s.markets[conditionID]
	if !ok {
		return
	}
	for _, tok := range m.TokenPair {
		delete(s.tokenIndex, tok)
	}
	delete(s.markets, conditionID)
}

func (s *Store) indexMarket(m *types.Market) {
	for _, tok := range m.TokenPair {
		s.tokenIndex[tok] = TokenRef{ConditionID: m.ConditionID, Slug: m.Slug}
	}
}

func (s *Store) rebuildTokenIndex() {
	s.tokenIndex = make(map[string]TokenRef)
	for _, m := range s.markets {
		s.indexMarket(m)
	}
}

// evictRank orders statuses by eviction priority; -1 is never evicted.
func evictRank(st types.Status) int {
	switch st {
	case types.StatusExpired:
		return 0
	case types.StatusIgnored:
		return 1
	case types.StatusClosed:
		return 2
	case types.StatusTraded:
		return 3
	case types.StatusWatching:
		return 4
	default:
		return -1
	}
}

func pairContains(pair []string, tok string) bool {
	for _, p := range pair {
		if p == tok {
			return true
		}
	}
	return false
}
