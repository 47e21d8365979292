// Polysniper is an autonomous trading engine for short-duration binary
// prediction markets on live sports.
//
// Architecture:
//
//	main.go              entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/              evaluation loop: discovery, token resolve, context tagging, purges,
//	                       dual-source pricing, filter chain, pending/signaled transitions
//	watchlist/           bounded market store with TTL, eviction, and terminal/staleness purges
//	discovery/           event-feed poller producing market candidates per league
//	resolver/            YES/NO token resolution from observed book prices
//	stream/              WebSocket price cache with reconnect and chunked subscriptions
//	book/, httpq/        order-book REST fetcher/parser behind a bounded request queue
//	scoreboard/, winprob/ live-game context, fuzzy team matching, win-probability gates
//	exec/                execution bridge: idempotent buy/sell, escalating stop-loss sells
//	exchange/            CLOB client with EIP-712 order signing and HMAC L2 auth
//	tracker/             fallback resolution poller for paper-mode positions
//	api/                 read-only health and status endpoints
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"polysniper/internal/api"
	"polysniper/internal/book"
	"polysniper/internal/clock"
	"polysniper/internal/config"
	"polysniper/internal/discovery"
	"polysniper/internal/engine"
	"polysniper/internal/exchange"
	"polysniper/internal/exec"
	"polysniper/internal/httpq"
	"polysniper/internal/journal"
	"polysniper/internal/metrics"
	"polysniper/internal/resolver"
	"polysniper/internal/scoreboard"
	"polysniper/internal/store"
	"polysniper/internal/stream"
	"polysniper/internal/tracker"
	"polysniper/internal/watchlist"
	"polysniper/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.Store.DataDir, cfg.Store.RunnerID)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	jr, err := journal.Open(cfg.Journal.Dir, cfg.Journal.TickInterval, logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jr.Close()

	watch := watchlist.New(cfg.Watchlist, filepath.Join(st.Dir(), "watchlist.json"), logger)
	if err := watch.Load(); err != nil {
		return fmt.Errorf("restore watchlist: %w", err)
	}

	queue := httpq.New(cfg.Queue.MaxConcurrency, cfg.Queue.QueueMax, cfg.Queue.Timeout, logger)
	go queue.Run(ctx)

	books := book.NewFetcher(cfg.API.CLOBBaseURL, cfg.Queue.Timeout)

	var streamClient *stream.Client
	if cfg.API.WSMarketURL != "" {
		streamClient = stream.New(cfg.API.WSMarketURL, cfg.Stream.ChunkSize, cfg.Stream.MaxStale, logger)
		go func() {
			if err := streamClient.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("stream client stopped", "error", err)
			}
		}()
	}

	scores, err := scoreboard.New(cfg.Scores, logger)
	if err != nil {
		return fmt.Errorf("scoreboard: %w", err)
	}

	// Paper mode never touches the exchange; shadow and live wire the full
	// signing client.
	var orders exec.Orders
	funder := ""
	if cfg.Mode != types.ModePaper {
		auth, err := exchange.NewAuth(cfg)
		if err != nil {
			return fmt.Errorf("wallet auth: %w", err)
		}
		if !auth.HasL2Credentials() && cfg.Execution.CredentialsFile != "" {
			creds, err := loadCredentials(cfg.Execution.CredentialsFile)
			if err != nil {
				return fmt.Errorf("credentials file: %w", err)
			}
			auth.SetCredentials(creds)
		}
		client := exchange.NewClient(cfg, auth, logger)
		if !auth.HasL2Credentials() {
			creds, err := client.DeriveAPIKey(ctx)
			if err != nil {
				return fmt.Errorf("derive api key: %w", err)
			}
			auth.SetCredentials(*creds)
			logger.Info("derived L2 api credentials", "address", auth.Address().Hex())
		}
		orders = client
		funder = auth.FunderAddress().Hex()
	}

	bridge := exec.New(cfg.Mode, cfg.Execution, orders, st, jr, nil, funder, logger)
	if err := bridge.Load(); err != nil {
		return fmt.Errorf("restore execution state: %w", err)
	}
	go bridge.RunReconcile(ctx)

	track := tracker.New(cfg, bridge, st, logger)

	mets := metrics.New()
	eng := engine.New(cfg, clock.System{}, engine.Deps{
		Watchlist: watch,
		Discovery: discovery.New(cfg, logger),
		Stream:    streamClient,
		Queue:     queue,
		Books:     books,
		Resolver:  resolver.New(books, queue, cfg.Filters.MaxBookLevels, logger),
		Scores:    scores,
		Bridge:    bridge,
		Tracker:   track,
		Metrics:   mets,
		Journal:   jr,
	}, logger)

	var apiServer *api.Server
	if cfg.Status.Enabled {
		apiServer = api.NewServer(cfg.Status, api.NewSources(api.Sources{
			Mode:      cfg.Mode,
			Watchlist: watch,
			Metrics:   mets,
			Bridge:    bridge,
			Tracker:   track,
			Stream:    streamClient,
			Queue:     queue,
		}), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	go eng.Run(ctx)

	logger.Info("polysniper started",
		"mode", string(cfg.Mode),
		"leagues", len(cfg.Leagues),
		"budget_usd", cfg.Execution.BudgetUSD,
		"watchlist_max", cfg.Watchlist.Max,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Error("status server stop failed", "error", err)
		}
	}

	cancel()
	// The engine persists on cancellation; give it a moment before exit.
	time.Sleep(2 * cycleGrace)
	if streamClient != nil {
		streamClient.Close()
	}
	return nil
}

const cycleGrace = 1 * time.Second

func loadCredentials(path string) (exchange.Credentials, error) {
	var creds exchange.Credentials
	data, err := os.ReadFile(path)
	if err != nil {
		return creds, err
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
