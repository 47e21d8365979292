// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: watchlist market
// records, quote/depth snapshots, execution trade records, and WebSocket
// event payloads. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import "fmt"

// Mode selects how the execution bridge behaves.
type Mode string

const (
	ModePaper      Mode = "paper"       // signals only, no external calls
	ModeShadowLive Mode = "shadow_live" // build requests + read balances, write nothing
	ModeLive       Mode = "live"        // execute for real
)

// Status is the watchlist lifecycle state of a market.
// Transitions are owned exclusively by the evaluation loop.
type Status string

const (
	StatusWatching Status = "watching"
	StatusPending  Status = "pending_signal"
	StatusSignaled Status = "signaled"
	StatusTraded   Status = "traded"
	StatusClosed   Status = "closed"
	StatusIgnored  Status = "ignored"
	StatusExpired  Status = "expired"
)

// SignalType classifies how a pending candidate qualified.
type SignalType string

const (
	SignalMicrostructure SignalType = "microstructure" // qualified on spread alone
	SignalHighProb       SignalType = "highprob"       // qualified on ask (or both)
	SignalUnknown        SignalType = "unknown"
)

// PriceSource records which feed produced a price snapshot.
type PriceSource string

const (
	SourceHTTP PriceSource = "http"
	SourceWS   PriceSource = "ws"
)

// Quote is a best bid/ask observation. Either side may be absent on a
// one-sided book; HasBid/HasAsk distinguish "missing" from "zero".
type Quote struct {
	BestBid float64
	BestAsk float64
	HasBid  bool
	HasAsk  bool
}

// Complete reports whether both sides are present.
func (q Quote) Complete() bool { return q.HasBid && q.HasAsk }

// Spread returns bestAsk - bestBid, floored at 0. Only meaningful when
// the quote is complete.
func (q Quote) Spread() float64 {
	s := q.BestAsk - q.BestBid
	if s < 0 {
		return 0
	}
	return s
}

// PriceSnapshot is the last observed price for a market's YES token.
type PriceSnapshot struct {
	BestBid   float64     `json:"best_bid"`
	BestAsk   float64     `json:"best_ask"`
	HasBid    bool        `json:"has_bid"`
	HasAsk    bool        `json:"has_ask"`
	Spread    float64     `json:"spread"`
	UpdatedMs int64       `json:"updated_ms"`
	Source    PriceSource `json:"source"`
}

// DepthSnapshot is the last depth-USD measurement for a market.
type DepthSnapshot struct {
	EntryDepthUSDAsk float64 `json:"entry_depth_usd_ask"`
	ExitDepthUSDBid  float64 `json:"exit_depth_usd_bid"`
	AskLevelsUsed    int     `json:"ask_levels_used"`
	BidLevelsUsed    int     `json:"bid_levels_used"`
	UpdatedMs        int64   `json:"updated_ms"`
}

// GameState is the coarse live-game phase from the scoreboard feed.
type GameState string

const (
	GamePre  GameState = "pre"
	GameIn   GameState = "in"
	GamePost GameState = "post"
)

// TeamScore is one side of a live game.
type TeamScore struct {
	Name     string `json:"name"`
	Score    int    `json:"score"`
	HasScore bool   `json:"has_score"`
}

// ContextSnapshot is a per-market view of external game state, derived by a
// scoreboard adapter and persisted on the market record.
type ContextSnapshot struct {
	State       GameState `json:"state"`
	Period      int       `json:"period"`
	Clock       string    `json:"clock"`
	MinutesLeft float64   `json:"minutes_left"`
	Home        TeamScore `json:"home"`
	Away        TeamScore `json:"away"`
	MatchKind   string    `json:"match_kind"`
	Confidence  string    `json:"confidence"` // soccer only: "high" or "low"
	Decided     bool      `json:"decided"`    // basketball decided-rule flag
	GameID      string    `json:"game_id"`
	UpdatedMs   int64     `json:"updated_ms"`
}

// ContextEntry is the result of the context entry gate for a market.
type ContextEntry struct {
	YesOutcome    string  `json:"yes_outcome_name"`
	MarginForYes  int     `json:"margin_for_yes"`
	HasMargin     bool    `json:"has_margin"`
	WinProb       float64 `json:"win_prob"`
	Allowed       bool    `json:"allowed"`
	BlockedReason string  `json:"blocked_reason,omitempty"`
	UpdatedMs     int64   `json:"updated_ms"`
}

// Reject records the most recent gate failure for a market.
type Reject struct {
	Reason string `json:"reason"`
	Ms     int64  `json:"ms"`
	Detail string `json:"detail,omitempty"`
}

// SignalStats tracks signal bookkeeping on a market.
type SignalStats struct {
	Count    int        `json:"count"`
	LastMs   int64      `json:"last_ms"`
	LastType SignalType `json:"last_type,omitempty"`
}

// Market is the watchlist record for one binary market, keyed by conditionID.
//
// Invariants (enforced by the watchlist and evaluation loop):
//   - TokenPair has length 0 or exactly 2.
//   - YesTokenID and NoTokenID are either both empty or both set, distinct,
//     and together equal the pair set.
//   - PendingSinceMs/PendingDeadlineMs are set iff Status == pending_signal.
//   - Status == signaled implies Signals.Count >= 1.
type Market struct {
	ConditionID string   `json:"condition_id"`
	Slug        string   `json:"slug"`
	Question    string   `json:"question"`
	League      string   `json:"league"`
	Outcomes    []string `json:"outcomes,omitempty"`
	TokenPair   []string `json:"token_pair,omitempty"`
	YesTokenID  string   `json:"yes_token_id,omitempty"`
	NoTokenID   string   `json:"no_token_id,omitempty"`
	Volume24h   float64  `json:"volume_24h"`
	EndDate     string   `json:"end_date,omitempty"` // ISO 8601 from the feed

	EventID   string `json:"event_id,omitempty"`
	EventSlug string `json:"event_slug,omitempty"`

	FirstSeenMs   int64  `json:"first_seen_ms"`
	LastSeenMs    int64  `json:"last_seen_ms"`
	Status        Status `json:"status"`
	StatusSinceMs int64  `json:"status_since_ms"`

	LastPrice *PriceSnapshot `json:"last_price,omitempty"`
	LastDepth *DepthSnapshot `json:"last_depth,omitempty"`

	// Purge gate timers. Zero means "not currently set".
	LastBookUpdateMs       int64 `json:"last_book_update_ms,omitempty"`
	FirstIncompleteQuoteMs int64 `json:"first_incomplete_quote_ms,omitempty"`
	FirstBadTradeabilityMs int64 `json:"first_bad_tradeability_ms,omitempty"`
	TerminalSinceMs        int64 `json:"terminal_since_ms,omitempty"`

	// Pending-signal state. Set iff Status == pending_signal.
	PendingSinceMs    int64   `json:"pending_since_ms,omitempty"`
	PendingDeadlineMs int64   `json:"pending_deadline_ms,omitempty"`
	PendingEntryBid   float64 `json:"pending_entry_bid,omitempty"`

	Context      *ContextSnapshot `json:"context,omitempty"`
	ContextEntry *ContextEntry    `json:"context_entry,omitempty"`

	CooldownUntilMs int64       `json:"cooldown_until_ms,omitempty"`
	LastReject      *Reject     `json:"last_reject,omitempty"`
	Signals         SignalStats `json:"signals"`
}

// HasValidPair reports whether the market carries a usable 2-token pair.
func (m *Market) HasValidPair() bool {
	return len(m.TokenPair) == 2 && m.TokenPair[0] != "" && m.TokenPair[1] != ""
}

// Resolved reports whether the YES/NO tokens have been decided.
func (m *Market) Resolved() bool {
	return m.YesTokenID != "" && m.NoTokenID != ""
}

// Candidate is a market candidate produced by the discovery parser.
type Candidate struct {
	ConditionID string
	League      string
	Slug        string
	Question    string
	TokenPair   []string // validated length-2 or nil
	Outcomes    []string // validated length-2 or nil
	Volume24h   float64
	EndDate     string
	EventID     string
	EventSlug   string
	EventScore  string // raw, esports only
	EventPeriod string // raw, esports only
}

// TradeSide is the direction of an execution trade record.
type TradeSide string

const (
	TradeBuy  TradeSide = "buy"
	TradeSell TradeSide = "sell"
)

// TradeStatus is the lifecycle state of one execution trade record.
type TradeStatus string

const (
	TradeQueued       TradeStatus = "queued"
	TradeSent         TradeStatus = "sent"
	TradeFilled       TradeStatus = "filled"
	TradePartial      TradeStatus = "partial"
	TradeFailed       TradeStatus = "failed"
	TradeError        TradeStatus = "error"
	TradeShadow       TradeStatus = "shadow"
	TradeClosed       TradeStatus = "closed"
	TradeOrphanClosed TradeStatus = "orphan_closed"
)

// CloseReason explains why a position was (or is being) closed.
type CloseReason string

const (
	CloseResolved        CloseReason = "resolved"
	CloseStopLoss        CloseReason = "stop_loss"
	CloseContextSL       CloseReason = "context_sl"
	ClosePartialRejected CloseReason = "partial_rejected"
)

// Trade is one execution trade record, keyed by "<side>:<signal_id>".
// At most one buy and one sell record exist per signal ID.
type Trade struct {
	Key      string    `json:"key"`
	SignalID string    `json:"signal_id"`
	Slug     string    `json:"slug"`
	League   string    `json:"league,omitempty"`
	Side     TradeSide `json:"side"`
	TokenID  string    `json:"token_id"`

	// YesOutcome is the outcome name the position is long, kept for the
	// context stop-loss margin recovery.
	YesOutcome string `json:"yes_outcome,omitempty"`

	Status TradeStatus `json:"status"`

	RequestedShares float64 `json:"requested_shares"`
	FilledShares    float64 `json:"filled_shares"`
	AvgFillPrice    float64 `json:"avg_fill_price"`
	SpentUSD        float64 `json:"spent_usd,omitempty"`    // buy
	ReceivedUSD     float64 `json:"received_usd,omitempty"` // sell
	EntryPrice      float64 `json:"entry_price,omitempty"`  // buy
	IsPartial       bool    `json:"is_partial"`

	CloseReason CloseReason `json:"close_reason,omitempty"` // sell
	OrderID     string      `json:"order_id,omitempty"`
	Error       string      `json:"error,omitempty"`
	Attempts    int         `json:"attempts,omitempty"` // sell floor attempts

	QueuedMs int64 `json:"queued_ms"`
	SentMs   int64 `json:"sent_ms,omitempty"`
	DoneMs   int64 `json:"done_ms,omitempty"`
}

// TradeKey builds the idempotency key for a trade record.
func TradeKey(side TradeSide, signalID string) string {
	return fmt.Sprintf("%s:%s", side, signalID)
}

// FillResult is the order-submission client's response shape for both
// buys and sells.
type FillResult struct {
	OK           bool
	FilledShares float64
	AvgFillPrice float64
	SpentUSD     float64
	IsPartial    bool
	OrderID      string
	Error        string
}

// Position is a minimal exchange-side position view used by reconcile.
type Position struct {
	Asset string  `json:"asset"`
	Size  float64 `json:"size"`
}
