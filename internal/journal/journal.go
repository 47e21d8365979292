// Package journal writes the append-only JSONL event logs: signal
// lifecycle rows, execution rows, throttled price ticks for open
// positions, and per-market context snapshots for offline calibration.
package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	signalsFile    = "signals.jsonl"
	executionsFile = "executions.jsonl"
	ticksFile      = "price_ticks.jsonl"
	contextsFile   = "context_snapshots.jsonl"
)

// Journal appends JSON rows to the four event files. Appends are
// serialized; a write failure is logged and dropped rather than aborting
// the caller.
type Journal struct {
	dir          string
	tickInterval time.Duration

	mu        sync.Mutex
	files     map[string]*os.File
	lastTick  map[string]int64 // signal_id -> last tick ms
	logger    *slog.Logger
}

// Open creates the journal directory and the appender.
func Open(dir string, tickInterval time.Duration, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Journal{
		dir:          dir,
		tickInterval: tickInterval,
		files:        make(map[string]*os.File),
		lastTick:     make(map[string]int64),
		logger:       logger.With("component", "journal"),
	}, nil
}

// Close flushes and closes all open files.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	for name, f := range j.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(j.files, name)
	}
	return firstErr
}

// Signal appends a row to signals.jsonl. kind is one of signal_open,
// signal_close, signal_timeout, timeout_resolved.
func (j *Journal) Signal(kind string, fields map[string]any) {
	j.append(signalsFile, kind, fields)
}

// Execution appends a row to executions.jsonl. kind is one of
// trade_executed, trade_failed, sl_sell_failed, or a shadow variant.
func (j *Journal) Execution(kind string, fields map[string]any) {
	j.append(executionsFile, kind, fields)
}

// Context appends a live context snapshot row.
func (j *Journal) Context(fields map[string]any) {
	j.append(contextsFile, "context_snapshot", fields)
}

// PriceTick appends a tick for an open position, throttled to one row per
// signal per tick interval. Returns whether the row was written.
func (j *Journal) PriceTick(signalID string, nowMs int64, fields map[string]any) bool {
	j.mu.Lock()
	last := j.lastTick[signalID]
	if nowMs-last < j.tickInterval.Milliseconds() {
		j.mu.Unlock()
		return false
	}
	j.lastTick[signalID] = nowMs
	j.mu.Unlock()

	fields["signal_id"] = signalID
	j.append(ticksFile, "price_tick", fields)
	return true
}

// ForgetTick drops the throttle entry for a closed position.
func (j *Journal) ForgetTick(signalID string) {
	j.mu.Lock()
	delete(j.lastTick, signalID)
	j.mu.Unlock()
}

func (j *Journal) append(file, kind string, fields map[string]any) {
	row := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		row[k] = v
	}
	row["type"] = kind
	if _, ok := row["ts"]; !ok {
		row["ts"] = time.Now().UnixMilli()
	}

	data, err := json.Marshal(row)
	if err != nil {
		j.logger.Error("journal marshal failed", "file", file, "error", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := j.open(file)
	if err != nil {
		j.logger.Error("journal open failed", "file", file, "error", err)
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		j.logger.Error("journal write failed", "file", file, "error", err)
	}
}

func (j *Journal) open(name string) (*os.File, error) {
	if f, ok := j.files[name]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(j.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	j.files[name] = f
	return f, nil
}
