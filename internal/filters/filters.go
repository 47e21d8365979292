// Package filters implements the stage-1 price/spread gate, the near-margin
// admit rule, and the stage-2 depth gate.
//
// Gates return (ok, reason) pairs rather than errors: a failed gate is a
// normal outcome recorded in metrics and on the market's last_reject, and the
// reasons within one stage are mutually exclusive.
package filters

import (
	"polysniper/internal/book"
	"polysniper/pkg/types"
)

// Epsilon absorbs float drift at the threshold boundaries: a quote exactly
// at min_prob passes, one 2ε below fails.
const Epsilon = 1e-6

// Thresholds are the effective stage-1 values after per-league overrides.
type Thresholds struct {
	MinProb       float64
	MaxEntryPrice float64
	MaxSpread     float64
	NearProbMin   float64
	NearSpreadMax float64
}

// NearBy labels which side of the near-margin rule qualified.
type NearBy string

const (
	NearByAsk    NearBy = "ask"
	NearBySpread NearBy = "spread"
	NearByBoth   NearBy = "both"
	NearByNone   NearBy = "none"
)

// Stage1 applies the price-range and spread gate to a complete quote.
func Stage1(q types.Quote, th Thresholds) (bool, string) {
	if q.BestAsk < th.MinProb-Epsilon || q.BestAsk > th.MaxEntryPrice+Epsilon {
		return false, types.ReasonPriceOutOfRange
	}
	if q.Spread() > th.MaxSpread+Epsilon {
		return false, types.ReasonSpreadAboveMax
	}
	return true, ""
}

// Near applies the near-margin admit rule and labels how it qualified.
func Near(q types.Quote, th Thresholds) (bool, NearBy) {
	byAsk := q.BestAsk >= th.NearProbMin-Epsilon
	bySpread := q.Spread() <= th.NearSpreadMax+Epsilon
	switch {
	case byAsk && bySpread:
		return true, NearByBoth
	case byAsk:
		return true, NearByAsk
	case bySpread:
		return true, NearBySpread
	default:
		return false, NearByNone
	}
}

// SignalType classifies a passing near-margin result: spread-only is a
// microstructure signal, ask-qualified is a high-probability signal.
func SignalType(nb NearBy) types.SignalType {
	switch nb {
	case NearBySpread:
		return types.SignalMicrostructure
	case NearByAsk, NearByBoth:
		return types.SignalHighProb
	default:
		return types.SignalUnknown
	}
}

// Stage2 applies the two-sided depth gate to a parsed book.
func Stage2(b *book.Book, depthLevels int, minEntryUSD, minExitUSD float64) (book.Depth, bool, string) {
	d := book.ComputeDepth(b, depthLevels)
	ok, reason := d.Sufficient(minEntryUSD, minExitUSD)
	return d, ok, reason
}
