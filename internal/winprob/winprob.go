// Package winprob estimates the live win probability for the leading side
// and applies the sport-specific entry gates.
//
// Basketball uses a normal diffusion of the margin over remaining time;
// soccer uses a Poisson catch-up model on the trailing side. Both return
// undefined for a tied or trailing YES outcome: the engine only trades
// favorites.
package winprob

import (
	"fmt"
	"math"
)

// Basketball model parameters: score-diffusion sigma over a full game and
// regulation minutes.
const (
	nbaSigma     = 18.0
	nbaTotalMin  = 48.0
	ncaaSigma    = 19.0
	ncaaTotalMin = 40.0

	minClockMin = 0.5 // time floor so a buzzer margin never divides by zero

	soccerBaseRate     = 0.014 // goals per minute for the trailing side
	soccerInjuryFactor = 1.5
	soccerInjuryMin    = 5.0
	soccerCatchSpan    = 6 // extra goals summed beyond the margin
)

// normCDF is the standard normal CDF via the Abramowitz and Stegun 26.2.17
// rational approximation, accurate to about 7.5e-8.
func normCDF(x float64) float64 {
	if x < 0 {
		return 1 - normCDF(-x)
	}
	const (
		p  = 0.2316419
		b1 = 0.319381530
		b2 = -0.356563782
		b3 = 1.781477937
		b4 = -1.821255978
		b5 = 1.330274429
	)
	t := 1 / (1 + p*x)
	poly := t * (b1 + t*(b2+t*(b3+t*(b4+t*b5))))
	pdf := math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
	return 1 - pdf*poly
}

// Basketball returns the win probability for the side leading by margin
// with minLeft regulation minutes remaining. sport is "nba" or "ncaab".
func Basketball(sport string, margin int, minLeft float64) (float64, error) {
	var sigma, total float64
	switch sport {
	case "nba":
		sigma, total = nbaSigma, nbaTotalMin
	case "ncaab":
		sigma, total = ncaaSigma, ncaaTotalMin
	default:
		return 0, fmt.Errorf("unknown basketball sport %q", sport)
	}
	frac := math.Max(minLeft, minClockMin) / total
	return normCDF(float64(margin) / (sigma * math.Sqrt(frac))), nil
}

// Soccer returns the win probability for the side leading by margin. The
// catch-up probability is the Poisson chance the trailing side scores at
// least margin more goals in the remaining time, with an injury-time boost
// inside the final five minutes. margin <= 0 is undefined.
func Soccer(margin int, minLeft float64) (float64, bool) {
	if margin <= 0 {
		return 0, false
	}
	lambda := soccerBaseRate * math.Max(minLeft, minClockMin)
	if minLeft <= soccerInjuryMin {
		lambda *= soccerInjuryFactor
	}
	pCatch := 0.0
	for k := margin; k <= margin+soccerCatchSpan; k++ {
		pCatch += poissonPMF(lambda, k)
	}
	return 1 - pCatch, true
}

func poissonPMF(lambda float64, k int) float64 {
	logP := -lambda + float64(k)*math.Log(lambda) - logFactorial(k)
	return math.Exp(logP)
}

func logFactorial(k int) float64 {
	lf := 0.0
	for i := 2; i <= k; i++ {
		lf += math.Log(float64(i))
	}
	return lf
}
