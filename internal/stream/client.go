// Package stream implements the push-based price client, the primary quote
// source when fresh.
//
// The client maintains a subscription set and a per-token cache of the last
// (best_bid, best_ask, updated) observation. It auto-reconnects with
// exponential backoff (1s doubling to a 60s cap) and re-subscribes to every
// tracked token on reconnection, batching subscribe payloads into chunks of
// at most ChunkSize tokens. Message shapes handled: "price_change" events,
// "best_bid_ask" events, and top-level array book snapshots. A text "ping"
// from the server is answered with "pong".
//
// Concurrency: the connection goroutine is the sole cache writer; the
// evaluation loop reads point-in-time snapshots through Get/Fresh.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polysniper/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	minReconnectWait = time.Second
	maxReconnectWait = 60 * time.Second
	writeTimeout     = 10 * time.Second
)

// Entry is the cached last observation for one token.
type Entry struct {
	BestBid   float64
	BestAsk   float64
	HasBid    bool
	HasAsk    bool
	UpdatedMs int64
}

// Quote converts the entry to the shared quote form.
func (e Entry) Quote() types.Quote {
	return types.Quote{BestBid: e.BestBid, BestAsk: e.BestAsk, HasBid: e.HasBid, HasAsk: e.HasAsk}
}

// Client is the streaming price client.
type Client struct {
	url       string
	chunkSize int
	maxStale  time.Duration

	conn   *websocket.Conn
	connMu sync.Mutex

	subMu      sync.RWMutex
	subscribed map[string]bool

	cacheMu sync.RWMutex
	cache   map[string]Entry

	connected bool
	healthyMu sync.RWMutex

	logger *slog.Logger
}

// New creates a streaming client. Tokens may be added at any time; removals
// happen only at shutdown.
func New(wsURL string, chunkSize int, maxStale time.Duration, logger *slog.Logger) *Client {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &Client{
		url:        wsURL,
		chunkSize:  chunkSize,
		maxStale:   maxStale,
		subscribed: make(map[string]bool),
		cache:      make(map[string]Entry),
		logger:     logger.With("component", "stream"),
	}
}

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := minReconnectWait

	for {
		err := c.connectAndRead(ctx)
		c.setHealthy(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds tokens to the subscription set and, when connected, sends
// a dynamic subscribe in chunks.
func (c *Client) Subscribe(tokens []string) {
	fresh := make([]string, 0, len(tokens))
	c.subMu.Lock()
	for _, tok := range tokens {
		if tok == "" || c.subscribed[tok] {
			continue
		}
		c.subscribed[tok] = true
		fresh = append(fresh, tok)
	}
	c.subMu.Unlock()

	if len(fresh) == 0 {
		return
	}
	for _, chunk := range chunks(fresh, c.chunkSize) {
		msg := types.WSUpdateMsg{AssetIDs: chunk, Operation: "subscribe", CustomFeature: true}
		if err := c.writeJSON(msg); err != nil {
			// Not connected yet; the reconnect path re-subscribes everything.
			c.logger.Debug("dynamic subscribe deferred", "error", err, "tokens", len(chunk))
			return
		}
	}
}

// Get returns the cached entry for a token regardless of age.
func (c *Client) Get(token string) (Entry, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	e, ok := c.cache[token]
	return e, ok
}

// Fresh returns the cached entry only if it is within the staleness window.
func (c *Client) Fresh(token string, nowMs int64) (Entry, bool) {
	e, ok := c.Get(token)
	if !ok {
		return Entry{}, false
	}
	if nowMs-e.UpdatedMs > c.maxStale.Milliseconds() {
		return Entry{}, false
	}
	return e, true
}

// LastUpdate returns the raw cache timestamp for a token (0 if absent).
func (c *Client) LastUpdate(token string) int64 {
	e, _ := c.Get(token)
	return e.UpdatedMs
}

// Healthy reports whether the connection is currently established.
func (c *Client) Healthy() bool {
	c.healthyMu.RLock()
	defer c.healthyMu.RUnlock()
	return c.connected
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) setHealthy(v bool) {
	c.healthyMu.Lock()
	c.connected = v
	c.healthyMu.Unlock()
}

func (c *Client) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	if err := c.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.setHealthy(true)
	c.logger.Info("stream connected", "tokens", c.subscribedCount())

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msgType == websocket.TextMessage && string(msg) == "ping" {
			c.writeMessage(websocket.TextMessage, []byte("pong"))
			continue
		}
		c.dispatchMessage(msg, time.Now().UnixMilli())
	}
}

func (c *Client) subscribedCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscribed)
}

func (c *Client) sendInitialSubscription() error {
	c.subMu.RLock()
	ids := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		ids = append(ids, id)
	}
	c.subMu.RUnlock()

	for _, chunk := range chunks(ids, c.chunkSize) {
		msg := types.WSSubscribeMsg{AssetIDs: chunk, Type: "market", CustomFeature: true}
		if err := c.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// dispatchMessage routes one raw frame into cache updates. Exposed to tests
// via handleMessage semantics; nowMs is the receive timestamp.
func (c *Client) dispatchMessage(data []byte, nowMs int64) {
	trimmed := firstNonSpace(data)
	if trimmed == '[' {
		var entries []types.WSBookEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			c.logger.Debug("ignoring malformed array message")
			return
		}
		for _, e := range entries {
			c.applyUpdate(e.AssetID, e.BestBid, e.BestAsk, nowMs)
		}
		return
	}

	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug("ignoring non-json ws message")
		return
	}

	switch envelope.EventType {
	case "price_change":
		var evt types.WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Error("unmarshal price_change", "error", err)
			return
		}
		for _, pc := range evt.PriceChanges {
			c.applyUpdate(pc.AssetID, pc.BestBid, pc.BestAsk, nowMs)
		}

	case "best_bid_ask":
		var evt types.WSBestBidAsk
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Error("unmarshal best_bid_ask", "error", err)
			return
		}
		c.applyUpdate(evt.AssetID, evt.BestBid, evt.BestAsk, nowMs)

	default:
		c.logger.Debug("ignoring ws event", "type", envelope.EventType)
	}
}

// applyUpdate replaces the cache entry for a token. Empty price strings
// leave that side absent; an accepted update always advances UpdatedMs.
func (c *Client) applyUpdate(token, bid, ask string, nowMs int64) {
	if token == "" {
		return
	}
	var e Entry
	e.UpdatedMs = nowMs
	if v, err := strconv.ParseFloat(bid, 64); err == nil && v > 0 {
		e.BestBid, e.HasBid = v, true
	}
	if v, err := strconv.ParseFloat(ask, 64); err == nil && v > 0 {
		e.BestAsk, e.HasAsk = v, true
	}
	if !e.HasBid && !e.HasAsk {
		return
	}

	c.cacheMu.Lock()
	// Keep the previous side when the update only carries one.
	if prev, ok := c.cache[token]; ok {
		if !e.HasBid && prev.HasBid {
			e.BestBid, e.HasBid = prev.BestBid, true
		}
		if !e.HasAsk && prev.HasAsk {
			e.BestAsk, e.HasAsk = prev.BestAsk, true
		}
	}
	c.cache[token] = e
	c.cacheMu.Unlock()
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) writeMessage(msgType int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(msgType, data)
}

func (c *Client) writeControl(msgType int) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	return c.conn.WriteControl(msgType, nil, time.Now().Add(writeTimeout))
}

func chunks(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
