// Package clock supplies the monotonic "now" used by every evaluation cycle
// and the stable signal identifiers derived from it.
package clock

import (
	"fmt"
	"time"
)

// Clock abstracts wall time so the evaluation loop and tests share one
// notion of "now". The engine reads the clock once per cycle and threads
// the value through; components never call time.Now directly on the hot path.
type Clock interface {
	Now() time.Time
}

// System is the real clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Ms converts a time to Unix milliseconds.
func Ms(t time.Time) int64 { return t.UnixMilli() }

// SignalID builds the stable signal identifier "<ts>|<slug>".
// Deterministic and stable across restarts for equality.
func SignalID(nowMs int64, slug string) string {
	return fmt.Sprintf("%d|%s", nowMs, slug)
}

// Fake is a settable clock for tests.
type Fake struct {
	T time.Time
}

func (f *Fake) Now() time.Time { return f.T }

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) { f.T = f.T.Add(d) }
