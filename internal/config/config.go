// Package config defines all configuration for the sniper engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"polysniper/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode      types.Mode      `mapstructure:"mode"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Watchlist WatchlistConfig `mapstructure:"watchlist"`
	Filters   FiltersConfig   `mapstructure:"filters"`
	Pending   PendingConfig   `mapstructure:"pending"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Leagues   []LeagueConfig  `mapstructure:"leagues"`
	Scores    ScoreboardConfig `mapstructure:"scoreboard"`
	Queue     QueueConfig     `mapstructure:"httpqueue"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Store     StoreConfig     `mapstructure:"store"`
	Status    StatusConfig    `mapstructure:"status"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// WalletConfig holds the wallet used for order signing in live mode.
// FunderAddress is the on-chain address that funds orders (may differ from
// the signer when using a proxy wallet).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds external endpoints and optional pre-derived L2 credentials.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	DataBaseURL  string `mapstructure:"data_base_url"` // positions + balances read API
	WSMarketURL  string `mapstructure:"ws_market_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// DiscoveryConfig tunes the event-feed poller.
type DiscoveryConfig struct {
	EventLimit int           `mapstructure:"event_limit"` // per-league page size
	Interval   time.Duration `mapstructure:"interval"`    // poll cadence
}

// WatchlistConfig bounds the watchlist and tunes its purge behavior.
//
//   - TTL: markets unseen in discovery for this long become expired.
//   - Max: hard bound; overflow evicts by status rank, oldest last_seen first.
//   - TerminalBid/TerminalAsk: band treated as "market has resolved".
//   - TerminalConfirm: how long a terminal price must persist before purge.
//   - StaleBook/StaleQuote/StaleTradeability: purge-gate horizons.
//   - LiveFreshness: age limit on the external "live" snapshot that
//     suppresses purges for in-play markets.
type WatchlistConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	Max               int           `mapstructure:"max"`
	TerminalBid       float64       `mapstructure:"terminal_bid"`
	TerminalAsk       float64       `mapstructure:"terminal_ask"`
	TerminalConfirm   time.Duration `mapstructure:"terminal_confirm"`
	StaleBook         time.Duration `mapstructure:"stale_book"`
	StaleQuote        time.Duration `mapstructure:"stale_quote"`
	StaleTradeability time.Duration `mapstructure:"stale_tradeability"`
	LiveFreshness     time.Duration `mapstructure:"live_freshness"`
	LiveExpiredGrace  time.Duration `mapstructure:"live_expired_grace"`
}

// FiltersConfig holds the global stage-1/stage-2 thresholds. Per-league
// overrides live in LeagueConfig.Filters.
type FiltersConfig struct {
	MinProb       float64 `mapstructure:"min_prob"`
	MaxEntryPrice float64 `mapstructure:"max_entry_price"`
	MaxSpread     float64 `mapstructure:"max_spread"`

	NearProbMin   float64 `mapstructure:"near_prob_min"`
	NearSpreadMax float64 `mapstructure:"near_spread_max"`

	MinEntryDepthUSD float64 `mapstructure:"min_entry_depth_usd"`
	MinExitDepthUSD  float64 `mapstructure:"min_exit_depth_usd"`
	DepthLevels      int     `mapstructure:"depth_levels"`
	MaxBookLevels    int     `mapstructure:"max_book_levels"`
}

// FilterOverride replaces any subset of the stage-1 thresholds for a league.
type FilterOverride struct {
	MinProb       *float64 `mapstructure:"min_prob"`
	MaxEntryPrice *float64 `mapstructure:"max_entry_price"`
	MaxSpread     *float64 `mapstructure:"max_spread"`
}

// PendingConfig tunes the pending-signal debounce window.
type PendingConfig struct {
	Window   time.Duration `mapstructure:"window"`   // default 6s
	Cooldown time.Duration `mapstructure:"cooldown"` // per-market re-entry cooldown
}

// ResolverConfig budgets the per-cycle token resolver.
type ResolverConfig struct {
	MaxPerCycle int `mapstructure:"max_per_cycle"`
}

// ExecutionConfig tunes the execution bridge.
type ExecutionConfig struct {
	BudgetUSD        float64  `mapstructure:"budget_usd"`
	MaxDailyTrades   int      `mapstructure:"max_daily_trades"`
	MaxConcurrent    int      `mapstructure:"max_concurrent"`
	MaxTotalExposure float64  `mapstructure:"max_total_exposure"`
	Allowlist        []string `mapstructure:"allowlist"`
	CredentialsFile  string   `mapstructure:"credentials_file"`

	// A partial buy is kept as an open position when true (the default);
	// when false the bridge unwinds the filled shares immediately.
	AcceptPartialFill bool `mapstructure:"accept_partial_fill"`

	// Exchange-observed terminal thresholds (close via book). These differ
	// from the tracker's thresholds and both are configurable.
	ResolvedBid float64 `mapstructure:"resolved_bid"` // default 0.997
	ResolvedAsk float64 `mapstructure:"resolved_ask"` // default 0.999

	ResolvedSellFloor float64 `mapstructure:"resolved_sell_floor"` // default 0.95
	MinMarginHold     int     `mapstructure:"min_margin_hold"`     // context stop-loss
}

// LeagueConfig is one row of the league table. The set of leagues and their
// slug heuristics is deliberately data, not code.
type LeagueConfig struct {
	Tag          string   `mapstructure:"tag"`   // discovery tag_slug
	Sport        string   `mapstructure:"sport"` // nba | ncaab | soccer | esports
	ResolveQuota int      `mapstructure:"resolve_quota"`
	MaxPerEvent  int      `mapstructure:"max_per_event"`
	MinDaysDelta int      `mapstructure:"min_days_delta"`
	MaxDaysDelta int      `mapstructure:"max_days_delta"`
	ExcludeSlug  []string `mapstructure:"exclude_slug"` // substrings: spread, total, draw, ...

	StopLossBid float64 `mapstructure:"stop_loss_bid"`
	StopLossAsk float64 `mapstructure:"stop_loss_ask"`

	Filters *FilterOverride `mapstructure:"filters"`
}

// ScoreboardConfig points at the per-sport scoreboard feeds.
type ScoreboardConfig struct {
	NBABaseURL    string        `mapstructure:"nba_base_url"`
	NCAABBaseURL  string        `mapstructure:"ncaab_base_url"`
	SoccerBaseURL string        `mapstructure:"soccer_base_url"`
	Freshness     time.Duration `mapstructure:"freshness"` // default 15s
	Timeout       time.Duration `mapstructure:"timeout"`   // default 2.5s
	SoccerCooldown time.Duration `mapstructure:"soccer_cooldown"` // score-change cooldown, default 90s
	OverridesFile string        `mapstructure:"overrides_file"`   // team-override JSON
}

// QueueConfig bounds the shared HTTP request queue.
type QueueConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	QueueMax       int           `mapstructure:"queue_max"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// StreamConfig tunes the streaming price client.
type StreamConfig struct {
	MaxStale  time.Duration `mapstructure:"max_stale"`  // freshness window, default 10s
	ChunkSize int           `mapstructure:"chunk_size"` // subscribe batch size, default 500
}

// TrackerConfig tunes the fallback resolution tracker.
type TrackerConfig struct {
	MaxPerCycle   int     `mapstructure:"max_per_cycle"`
	TerminalPrice float64 `mapstructure:"terminal_price"` // default 0.995
	OfficialPrice float64 `mapstructure:"official_price"` // default 0.99
}

// JournalConfig sets where JSONL journals are written.
type JournalConfig struct {
	Dir          string        `mapstructure:"dir"`
	TickInterval time.Duration `mapstructure:"tick_interval"` // price-tick throttle, default 30s
}

// StoreConfig sets where state files are persisted. RunnerID selects the
// state subdirectory so multiple runners can share a host.
type StoreConfig struct {
	DataDir  string `mapstructure:"data_dir"`
	RunnerID string `mapstructure:"runner_id"`
}

// StatusConfig controls the read-only status HTTP surface.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE, POLY_RUNNER_ID, POLY_MODE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if runner := os.Getenv("POLY_RUNNER_ID"); runner != "" {
		cfg.Store.RunnerID = runner
	}
	if mode := os.Getenv("POLY_MODE"); mode != "" {
		cfg.Mode = types.Mode(mode)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(types.ModePaper))

	v.SetDefault("discovery.event_limit", 50)
	v.SetDefault("discovery.interval", "20s")

	v.SetDefault("watchlist.ttl", "30m")
	v.SetDefault("watchlist.max", 400)
	v.SetDefault("watchlist.terminal_bid", 0.995)
	v.SetDefault("watchlist.terminal_ask", 0.005)
	v.SetDefault("watchlist.terminal_confirm", "30s")
	v.SetDefault("watchlist.stale_book", "10m")
	v.SetDefault("watchlist.stale_quote", "10m")
	v.SetDefault("watchlist.stale_tradeability", "20m")
	v.SetDefault("watchlist.live_freshness", "90s")
	v.SetDefault("watchlist.live_expired_grace", "2h")

	v.SetDefault("filters.min_prob", 0.90)
	v.SetDefault("filters.max_entry_price", 0.97)
	v.SetDefault("filters.max_spread", 0.03)
	v.SetDefault("filters.near_prob_min", 0.94)
	v.SetDefault("filters.near_spread_max", 0.02)
	v.SetDefault("filters.min_entry_depth_usd", 200)
	v.SetDefault("filters.min_exit_depth_usd", 100)
	v.SetDefault("filters.depth_levels", 3)
	v.SetDefault("filters.max_book_levels", 10)

	v.SetDefault("pending.window", "6s")
	v.SetDefault("pending.cooldown", "120s")

	v.SetDefault("resolver.max_per_cycle", 4)

	v.SetDefault("execution.budget_usd", 50)
	v.SetDefault("execution.max_daily_trades", 20)
	v.SetDefault("execution.max_concurrent", 3)
	v.SetDefault("execution.max_total_exposure", 300)
	v.SetDefault("execution.accept_partial_fill", true)
	v.SetDefault("execution.resolved_bid", 0.997)
	v.SetDefault("execution.resolved_ask", 0.999)
	v.SetDefault("execution.resolved_sell_floor", 0.95)
	v.SetDefault("execution.min_margin_hold", 3)

	v.SetDefault("scoreboard.freshness", "15s")
	v.SetDefault("scoreboard.timeout", "2500ms")
	v.SetDefault("scoreboard.soccer_cooldown", "90s")

	v.SetDefault("httpqueue.max_concurrency", 8)
	v.SetDefault("httpqueue.queue_max", 64)
	v.SetDefault("httpqueue.timeout", "2500ms")

	v.SetDefault("stream.max_stale", "10s")
	v.SetDefault("stream.chunk_size", 500)

	v.SetDefault("tracker.max_per_cycle", 5)
	v.SetDefault("tracker.terminal_price", 0.995)
	v.SetDefault("tracker.official_price", 0.99)

	v.SetDefault("journal.dir", "data/journal")
	v.SetDefault("journal.tick_interval", "30s")

	v.SetDefault("store.data_dir", "data")

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.port", 8090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// League returns the league table row for a tag, or nil.
func (c *Config) League(tag string) *LeagueConfig {
	for i := range c.Leagues {
		if c.Leagues[i].Tag == tag {
			return &c.Leagues[i]
		}
	}
	return nil
}

// StageThresholds resolves the effective stage-1 thresholds for a league,
// applying any per-league overrides to the global values.
func (c *Config) StageThresholds(tag string) (minProb, maxEntry, maxSpread float64) {
	minProb = c.Filters.MinProb
	maxEntry = c.Filters.MaxEntryPrice
	maxSpread = c.Filters.MaxSpread

	lg := c.League(tag)
	if lg == nil || lg.Filters == nil {
		return
	}
	if lg.Filters.MinProb != nil {
		minProb = *lg.Filters.MinProb
	}
	if lg.Filters.MaxEntryPrice != nil {
		maxEntry = *lg.Filters.MaxEntryPrice
	}
	if lg.Filters.MaxSpread != nil {
		maxSpread = *lg.Filters.MaxSpread
	}
	return
}

// Validate checks required fields and value ranges. Live mode performs the
// full boot validation from the execution bridge contract.
func (c *Config) Validate() error {
	switch c.Mode {
	case types.ModePaper, types.ModeShadowLive, types.ModeLive:
	default:
		return fmt.Errorf("mode must be one of: paper, shadow_live, live (got %q)", c.Mode)
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.Watchlist.Max <= 0 {
		return fmt.Errorf("watchlist.max must be > 0")
	}
	if len(c.Leagues) == 0 {
		return fmt.Errorf("at least one league must be configured")
	}
	for _, lg := range c.Leagues {
		if lg.Tag == "" {
			return fmt.Errorf("league tag must not be empty")
		}
		if lg.StopLossBid != 0 && (lg.StopLossBid <= 0 || lg.StopLossBid >= 1) {
			return fmt.Errorf("league %s: stop_loss_bid must be in (0,1)", lg.Tag)
		}
		if lg.StopLossAsk != 0 && (lg.StopLossAsk <= 0 || lg.StopLossAsk >= 1) {
			return fmt.Errorf("league %s: stop_loss_ask must be in (0,1)", lg.Tag)
		}
	}

	if c.Mode != types.ModeLive {
		return nil
	}

	// Live-mode boot checks.
	if c.Execution.BudgetUSD <= 0 || c.Execution.BudgetUSD > 1000 {
		return fmt.Errorf("execution.budget_usd must be in (0, 1000] for live mode")
	}
	if c.Execution.MaxTotalExposure <= 0 || c.Execution.MaxTotalExposure > 1000 {
		return fmt.Errorf("execution.max_total_exposure must be in (0, 1000] for live mode")
	}
	for _, lg := range c.Leagues {
		if lg.StopLossBid <= 0 || lg.StopLossBid >= 1 || lg.StopLossAsk <= 0 || lg.StopLossAsk >= 1 {
			return fmt.Errorf("league %s: stop-loss thresholds must be in (0,1) for live mode", lg.Tag)
		}
	}
	if c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required for live mode")
	}
	if c.Execution.CredentialsFile == "" {
		return fmt.Errorf("execution.credentials_file is required for live mode")
	}
	if _, err := os.Stat(c.Execution.CredentialsFile); err != nil {
		return fmt.Errorf("execution.credentials_file not readable: %w", err)
	}
	return nil
}
