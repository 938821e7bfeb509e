// Package attribution regresses strategy excess returns on the four-factor
// model (market, size, value, momentum).
package attribution

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sawpanic/alphaforge/internal/domain"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Term labels, intercept first
const (
	Alpha    = "Alpha"
	Market   = "Market (Mkt-RF)"
	Size     = "Size (SMB)"
	Value    = "Value (HML)"
	Momentum = "Momentum (UMD)"
)

// Factors are the regressors in column order
var Factors = []string{Market, Size, Value, Momentum}

// Terms are the fitted coefficients in column order
var Terms = append([]string{Alpha}, Factors...)

// Config controls the regression
type Config struct {
	MinObservations int `yaml:"min_observations"` // 0 means factors+2
	RollingWindow   int `yaml:"rolling_window"`   // default 252
	TradingDays     int `yaml:"trading_days"`     // default 252
}

// DefaultConfig returns the minimum-sample setting and a one-year rolling window
func DefaultConfig() Config {
	return Config{RollingWindow: 252, TradingDays: 252}
}

// Exposure is a fitted factor model
type Exposure struct {
	Betas              map[string]float64 `json:"betas"`
	TStats             map[string]float64 `json:"t_stats"`
	PValues            map[string]float64 `json:"p_values"`
	AlphaAnnualizedPct float64            `json:"alpha_annualized_pct"`
	RSquared           float64            `json:"r_squared"`
	Observations       int                `json:"observations"`
}

// Rolling holds time-varying coefficients in split orientation
type Rolling struct {
	Columns []string    `json:"columns"`
	Index   []string    `json:"index"`
	Data    [][]float64 `json:"data"`
}

// Analyzer fits factor models. It holds no state between calls.
type Analyzer struct {
	config Config
}

// New creates an analyzer
func New(config Config) *Analyzer {
	if config.RollingWindow <= len(Terms) {
		config.RollingWindow = 252
	}
	if config.TradingDays <= 0 {
		config.TradingDays = 252
	}
	return &Analyzer{config: config}
}

func (a *Analyzer) required() int {
	floor := len(Factors) + 2
	if a.config.MinObservations > floor {
		return a.config.MinObservations
	}
	return floor
}

type sample struct {
	dates []time.Time
	y     []float64   // strategy return minus RF
	x     [][]float64 // 1, mkt, smb, hml, umd
}

// align inner-joins the strategy returns with factor observations by date
func align(dates []time.Time, returns []float64, factors []domain.FactorObservation) (sample, error) {
	if len(dates) != len(returns) {
		return sample{}, fmt.Errorf("series has %d dates but %d returns", len(dates), len(returns))
	}
	byDay := make(map[time.Time]domain.FactorObservation, len(factors))
	for _, f := range factors {
		byDay[domain.Day(f.Date)] = f
	}
	var s sample
	for i, d := range dates {
		f, ok := byDay[domain.Day(d)]
		if !ok || math.IsNaN(returns[i]) {
			continue
		}
		s.dates = append(s.dates, d)
		s.y = append(s.y, returns[i]-f.RF)
		s.x = append(s.x, []float64{1, f.MktRF, f.SMB, f.HML, f.UMD})
	}
	return s, nil
}

// Exposure fits the full-period factor model
func (a *Analyzer) Exposure(dates []time.Time, returns []float64, factors []domain.FactorObservation) (*Exposure, error) {
	s, err := align(dates, returns, factors)
	if err != nil {
		return nil, err
	}
	if need := a.required(); len(s.y) < need {
		return nil, &domain.AttributionUnavailableError{Observations: len(s.y), Required: need}
	}
	fit, err := ols(s.x, s.y)
	if err != nil {
		return nil, err
	}

	exp := &Exposure{
		Betas:              make(map[string]float64, len(Factors)),
		TStats:             make(map[string]float64, len(Terms)),
		PValues:            make(map[string]float64, len(Terms)),
		AlphaAnnualizedPct: fit.coef[0] * float64(a.config.TradingDays) * 100,
		RSquared:           fit.r2,
		Observations:       len(s.y),
	}
	for j, term := range Terms {
		if j > 0 {
			exp.Betas[term] = fit.coef[j]
		}
		exp.TStats[term] = fit.t[j]
		exp.PValues[term] = fit.p[j]
	}

	log.Debug().Int("observations", exp.Observations).Float64("r_squared", exp.RSquared).
		Float64("alpha_pct", exp.AlphaAnnualizedPct).Msg("Factor exposure fitted")
	return exp, nil
}

// Rolling fits the model over a trailing window ending the day before each
// date, so the coefficients reported for a date use no data from it
func (a *Analyzer) Rolling(dates []time.Time, returns []float64, factors []domain.FactorObservation) (*Rolling, error) {
	s, err := align(dates, returns, factors)
	if err != nil {
		return nil, err
	}
	window := a.config.RollingWindow
	if len(s.y) <= window {
		return nil, &domain.AttributionUnavailableError{Observations: len(s.y), Required: window + 1}
	}

	out := &Rolling{Columns: Terms}
	for i := window; i < len(s.y); i++ {
		fit, err := ols(s.x[i-window:i], s.y[i-window:i])
		if err != nil {
			continue
		}
		out.Index = append(out.Index, s.dates[i].Format(domain.DateLayout))
		out.Data = append(out.Data, fit.coef)
	}
	if len(out.Index) == 0 {
		return nil, &domain.AttributionUnavailableError{Reason: "no rolling window produced a full-rank fit"}
	}
	return out, nil
}

type olsFit struct {
	coef []float64
	t    []float64
	p    []float64
	r2   float64
}

// ols solves y = Xb by Householder QR and derives classical standard errors
func ols(rows [][]float64, y []float64) (*olsFit, error) {
	n, k := len(rows), len(rows[0])
	x := mat.NewDense(n, k, nil)
	for i, row := range rows {
		x.SetRow(i, row)
	}
	yv := mat.NewDense(n, 1, append([]float64(nil), y...))

	var qr mat.QR
	qr.Factorize(x)
	var r mat.Dense
	qr.RTo(&r)
	rk := r.Slice(0, k, 0, k)
	scale := 0.0
	for j := 0; j < k; j++ {
		scale = math.Max(scale, math.Abs(rk.At(j, j)))
	}
	for j := 0; j < k; j++ {
		if math.Abs(rk.At(j, j)) <= 1e-10*scale {
			return nil, &domain.AttributionUnavailableError{Observations: n, Reason: "factor design matrix is rank deficient"}
		}
	}

	var b mat.Dense
	if err := qr.SolveTo(&b, false, yv); err != nil {
		return nil, &domain.AttributionUnavailableError{Observations: n, Reason: err.Error()}
	}
	coef := mat.Col(nil, 0, &b)

	var fitted mat.Dense
	fitted.Mul(x, &b)
	sse, sst, mean := 0.0, 0.0, 0.0
	for _, v := range y {
		mean += v
	}
	mean /= float64(n)
	for i, v := range y {
		res := v - fitted.At(i, 0)
		sse += res * res
		sst += (v - mean) * (v - mean)
	}

	fit := &olsFit{coef: coef, t: make([]float64, k), p: make([]float64, k)}
	if sst > 0 {
		fit.r2 = 1 - sse/sst
	}

	df := float64(n - k)
	if df <= 0 {
		return nil, &domain.AttributionUnavailableError{Observations: n, Required: k + 1}
	}
	var rinv mat.Dense
	if err := rinv.Inverse(rk); err != nil {
		return nil, &domain.AttributionUnavailableError{Observations: n, Reason: err.Error()}
	}
	sigma2 := sse / df
	student := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	for j := 0; j < k; j++ {
		// diag((XᵀX)⁻¹) = row norms of R⁻¹
		v := 0.0
		for c := 0; c < k; c++ {
			v += rinv.At(j, c) * rinv.At(j, c)
		}
		se := math.Sqrt(sigma2 * v)
		if se == 0 {
			fit.t[j] = 0
			fit.p[j] = 1
			continue
		}
		fit.t[j] = coef[j] / se
		fit.p[j] = 2 * student.Survival(math.Abs(fit.t[j]))
	}
	return fit, nil
}
