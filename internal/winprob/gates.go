package winprob

import (
	"fmt"

	"polysniper/pkg/types"
)

// Basketball entry-gate thresholds.
const (
	nbaFinalPeriod  = 4
	ncaaFinalPeriod = 2

	bballMaxMinLeft = 6.0
	bballMinMargin  = 8
	bballMinWinProb = 0.95
)

// Soccer gate thresholds: margin-sized windows on time and probability.
const (
	soccerMargin2MaxMin  = 15.0
	soccerMargin2MinProb = 0.97
	soccerMargin3MaxMin  = 20.0
	soccerMargin3MinProb = 0.95
	soccerMinMargin      = 2
)

// GateResult is a context entry-gate decision. Reason is set when blocked.
type GateResult struct {
	Allowed bool
	WinProb float64
	Reason  string
}

// BasketballGate decides whether a basketball market may enter, given the
// live context and the YES margin. The gate requires the final period, a
// short clock, a safe margin, and a model probability above threshold.
func BasketballGate(sport string, ctx *types.ContextSnapshot, marginForYes int) GateResult {
	finalPeriod := nbaFinalPeriod
	if sport == "ncaab" {
		finalPeriod = ncaaFinalPeriod
	}
	if ctx.State != types.GameIn {
		return GateResult{Reason: "not_in_game"}
	}
	if ctx.Period < finalPeriod {
		return GateResult{Reason: "early_period"}
	}
	if ctx.MinutesLeft > bballMaxMinLeft {
		return GateResult{Reason: "too_much_time"}
	}
	if marginForYes < bballMinMargin {
		return GateResult{Reason: "margin_too_small"}
	}
	wp, err := Basketball(sport, marginForYes, ctx.MinutesLeft)
	if err != nil {
		return GateResult{Reason: "model_error"}
	}
	if wp < bballMinWinProb {
		return GateResult{WinProb: wp, Reason: "win_prob_low"}
	}
	return GateResult{Allowed: true, WinProb: wp}
}

// SoccerGate is the blocking soccer entry gate. scoreChangeAgeSec is the
// seconds since the last goal (negative means unknown, which passes).
// cooldownSec is the configured goal cooldown.
func SoccerGate(ctx *types.ContextSnapshot, marginForYes int, scoreChangeAgeSec, cooldownSec float64) GateResult {
	if ctx.State != types.GameIn {
		return GateResult{Reason: "not_in_game"}
	}
	if ctx.Confidence != "high" {
		return GateResult{Reason: "low_confidence"}
	}
	if ctx.Period != 2 {
		return GateResult{Reason: "first_half"}
	}
	if marginForYes < soccerMinMargin {
		return GateResult{Reason: "margin_too_small"}
	}
	if scoreChangeAgeSec >= 0 && scoreChangeAgeSec < cooldownSec {
		return GateResult{Reason: "goal_cooldown"}
	}

	wp, ok := Soccer(marginForYes, ctx.MinutesLeft)
	if !ok {
		return GateResult{Reason: "margin_too_small"}
	}

	maxMin, minProb := soccerMargin3MaxMin, soccerMargin3MinProb
	if marginForYes == soccerMinMargin {
		maxMin, minProb = soccerMargin2MaxMin, soccerMargin2MinProb
	}
	if ctx.MinutesLeft > maxMin {
		return GateResult{WinProb: wp, Reason: "too_much_time"}
	}
	if wp < minProb {
		return GateResult{WinProb: wp, Reason: "win_prob_low"}
	}
	return GateResult{Allowed: true, WinProb: wp}
}

// SoccerGateReason prefixes a soccer block for the metrics key family.
func SoccerGateReason(sub string) string {
	return fmt.Sprintf("soccer_gate:%s", sub)
}
