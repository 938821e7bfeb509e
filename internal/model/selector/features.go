package selector

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// FeatureNames lists the model inputs in column order
var FeatureNames = []string{
	"ma20_gap",
	"ma50_gap",
	"roc20",
	"vol20",
	"rsi14",
	"rel_strength_3m",
	"mom_3m",
	"mom_6m",
	"mom_12m",
	"sharpe_3m",
}

// featureLookback is the number of prior closes a feature row needs
const featureLookback = 252

// featureRow computes the features at index t from closes and benchmark
// closes aligned on the same calendar. ok is false when the window has gaps.
func featureRow(closes, bench []float64, t int) ([]float64, bool) {
	if t < featureLookback || t >= len(closes) || t >= len(bench) {
		return nil, false
	}
	window := closes[t-featureLookback : t+1]
	for _, c := range window {
		if math.IsNaN(c) || c <= 0 {
			return nil, false
		}
	}

	last := closes[t]
	ret := func(lag int) float64 { return last/closes[t-lag] - 1 }
	avg := func(n int) float64 { return stat.Mean(closes[t-n+1:t+1], nil) }
	daily := func(n int) []float64 {
		out := make([]float64, n)
		for i := 0; i < n; i++ {
			k := t - n + 1 + i
			out[i] = closes[k]/closes[k-1] - 1
		}
		return out
	}

	r20 := daily(20)
	r63 := daily(63)
	mean63, sd63 := stat.MeanStdDev(r63, nil)
	sharpe := 0.0
	if sd63 > 0 {
		sharpe = mean63 / sd63 * math.Sqrt(252)
	}

	benchMove := bench[t]/bench[t-63] - 1
	rel := (1+ret(63))/(1+benchMove) - 1

	return []float64{
		last/avg(20) - 1,
		last/avg(50) - 1,
		ret(20),
		stat.StdDev(r20, nil),
		rsi(closes[t-14:t+1]) / 100,
		rel,
		ret(63),
		ret(126),
		ret(252),
		sharpe,
	}, true
}

// rsi is the simple-average relative strength index over len(window)-1 changes
func rsi(window []float64) float64 {
	gain, loss := 0.0, 0.0
	for i := 1; i < len(window); i++ {
		d := window[i] - window[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}
