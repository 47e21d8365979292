package types

// Failure reasons. These are not errors: they are surfaced as journal fields,
// metric keys, and last_reject entries. One market's processing stops at the
// first failed gate; iteration continues with the next market.

// Ingress.
const (
	ReasonGammaMetadataMissing    = "gamma_metadata_missing"
	ReasonGammaTokenParseFail     = "gamma_token_parse_fail"
	ReasonGammaTokenCountUnexpect = "gamma_token_count_unexpected"
	ReasonSlugDateExpired         = "slug_date_expired"
)

// Token resolution. Mutually exclusive per attempt.
const (
	ReasonResolveHTTPFail      = "resolve_http_fail"
	ReasonResolveBookNotUsable = "resolve_book_not_usable"
	ReasonResolveMissingScore  = "resolve_missing_score"
	ReasonResolveTieScore      = "resolve_tie_score"

	// Observational only, never blocks resolution.
	ReasonComplementSanityFail = "token_complement_sanity_fail"
)

// Quote.
const (
	ReasonQuoteIncomplete     = "quote_incomplete_one_sided_book"
	ReasonMissingBestAsk      = "missing_best_ask"
	ReasonMissingBestBid      = "missing_best_bid"
	ReasonHTTPFallbackFailed  = "http_fallback_failed"
	ReasonSubHTTPFail         = "http_fail"
	ReasonBookNotUsable       = "book_not_usable"
	ReasonTerminalPriceOnHTTP = "terminal_price_http"
)

// Stage 1 / stage 2.
const (
	ReasonPriceOutOfRange  = "price_out_of_range"
	ReasonSpreadAboveMax   = "spread_above_max"
	ReasonFailNearMargin   = "fail_near_margin"
	ReasonDepthAskBelowMin = "depth_ask_below_min"
	ReasonDepthBidBelowMin = "depth_bid_below_min"
	ReasonCooldownActive   = "cooldown_active"
)

// Pending.
const (
	ReasonPendingTimeout      = "pending_timeout"
	ReasonPendingIntegrityFix = "pending_integrity_fix"
)

// Purge.
const (
	ReasonPurgeBookStale            = "purge_book_stale"
	ReasonPurgeQuoteIncomplete      = "purge_quote_incomplete"
	ReasonPurgeTradeabilityDegraded = "purge_tradeability_degraded"
	ReasonPurgeTerminalPrice        = "purge_terminal_price"
	ReasonPurgeTTL                  = "purge_ttl"
	ReasonPurgeDateWindow           = "purge_date_window"
)

// Execution.
const (
	ReasonPaused             = "paused"
	ReasonAllowlist          = "allowlist"
	ReasonDailyLimit         = "daily_limit"
	ReasonConcurrentLimit    = "concurrent_limit"
	ReasonExposureLimit      = "exposure_limit"
	ReasonNoTokenID          = "no_token_id"
	ReasonSLAllAttemptsFail  = "sl_all_attempts_failed"
	ReasonOrderStatusUnknown = "order_status_unknown"
	ReasonPartialRejected    = "partial_fill_rejected"
)

// ConfirmationReason prefixes a stage reason for pending-confirmation
// failures, e.g. "fail_base_price_out_of_range".
func ConfirmationReason(stage string) string {
	return "fail_" + stage
}
