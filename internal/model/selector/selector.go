// Package selector trains a cross-sectional return model on point-in-time
// history and ranks a universe by predicted forward return.
package selector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sawpanic/alphaforge/internal/domain"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Config controls training and scoring
type Config struct {
	TrainWindowDays int     `yaml:"train_window_days"` // trading days of label history, default 756
	Horizon         int     `yaml:"horizon"`           // forward return horizon in trading days, default 22
	Ridge           float64 `yaml:"ridge"`             // L2 penalty on standardized features
	MinSamples      int     `yaml:"min_samples"`       // minimum training rows
	SampleStride    int     `yaml:"sample_stride"`     // days between training rows per symbol
	Workers         int     `yaml:"workers"`           // scoring concurrency, 0 = GOMAXPROCS
}

// DefaultConfig returns the selector defaults
func DefaultConfig() Config {
	return Config{
		TrainWindowDays: 756,
		Horizon:         22,
		Ridge:           1.0,
		MinSamples:      50,
		SampleStride:    5,
		Workers:         0,
	}
}

// Snapshot is a model trained for one cutoff date. It never contains
// information from the cutoff date or later.
type Snapshot struct {
	// Cutoff is exclusive: the decision date the model was fit for.
	// TrainedThrough is the last date whose labels were seen.
	Cutoff         time.Time `json:"cutoff"`
	TrainedThrough time.Time `json:"trained_through"`
	Samples        int       `json:"samples"`
	Features       []string  `json:"features"`
	Intercept      float64   `json:"intercept"`
	Coefficients   []float64 `json:"coefficients"`
	Means          []float64 `json:"means"`
	Scales         []float64 `json:"scales"`
}

// Predict scores one feature row
func (s *Snapshot) Predict(x []float64) float64 {
	y := s.Intercept
	for j, v := range x {
		y += s.Coefficients[j] * (v - s.Means[j]) / s.Scales[j]
	}
	return y
}

// Score is a ranked prediction
type Score struct {
	Symbol string  `json:"symbol"`
	Value  float64 `json:"value"`
}

// Selector fits snapshots and ranks symbols; it holds no per-run state
type Selector struct {
	config Config
}

// New creates a selector
func New(config Config) *Selector {
	return &Selector{config: config}
}

// Train fits a ridge regression of the forward return on the feature set.
// Only rows whose label window closes strictly before the view cutoff are used.
func (s *Selector) Train(ctx context.Context, view domain.PanelView, symbols []string) (*Snapshot, error) {
	cutoff := view.Cutoff()
	horizon := s.config.Horizon
	stride := s.config.SampleStride
	if stride <= 0 {
		stride = 1
	}
	span := s.config.TrainWindowDays + horizon + featureLookback + 1
	bench := view.BenchmarkCloses(span)
	offset := view.Len() - len(bench)

	var rows [][]float64
	var targets []float64
	lastLabel := -1
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		closes := view.Closes(sym, span)
		if len(closes) != len(bench) {
			continue
		}
		// the newest row's label ends at the last visible close
		for t := len(closes) - 1 - horizon; t >= featureLookback; t -= stride {
			if len(closes)-1-horizon-t >= s.config.TrainWindowDays {
				break
			}
			x, ok := featureRow(closes, bench, t)
			if !ok {
				continue
			}
			future := closes[t+horizon]
			if math.IsNaN(future) || future <= 0 {
				continue
			}
			rows = append(rows, x)
			targets = append(targets, future/closes[t]-1)
			if t+horizon > lastLabel {
				lastLabel = t + horizon
			}
		}
	}

	if len(rows) < s.config.MinSamples {
		return nil, &domain.ModelTrainError{Cutoff: cutoff, Err: &domain.InsufficientDataError{
			Date:   cutoff,
			Need:   s.config.MinSamples,
			Have:   len(rows),
			Reason: "not enough labelled training rows",
		}}
	}

	snap, err := fitRidge(rows, targets, s.config.Ridge)
	if err != nil {
		return nil, &domain.ModelTrainError{Cutoff: cutoff, Err: err}
	}
	snap.Cutoff = cutoff
	snap.TrainedThrough = view.Date(offset + lastLabel)
	snap.Samples = len(rows)

	log.Debug().Str("cutoff", cutoff.Format(domain.DateLayout)).
		Str("trained_through", snap.TrainedThrough.Format(domain.DateLayout)).
		Int("samples", snap.Samples).Msg("Model snapshot trained")

	return snap, nil
}

func fitRidge(rows [][]float64, targets []float64, ridge float64) (*Snapshot, error) {
	n, k := len(rows), len(FeatureNames)
	means := make([]float64, k)
	scales := make([]float64, k)
	for _, r := range rows {
		for j, v := range r {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= float64(n)
	}
	for _, r := range rows {
		for j, v := range r {
			d := v - means[j]
			scales[j] += d * d
		}
	}
	for j := range scales {
		scales[j] = math.Sqrt(scales[j] / float64(n))
		if scales[j] == 0 {
			scales[j] = 1
		}
	}

	yMean := 0.0
	for _, y := range targets {
		yMean += y
	}
	yMean /= float64(n)

	x := mat.NewDense(n, k, nil)
	yc := mat.NewVecDense(n, nil)
	for i, r := range rows {
		for j, v := range r {
			x.Set(i, j, (v-means[j])/scales[j])
		}
		yc.SetVec(i, targets[i]-yMean)
	}

	var gram mat.SymDense
	gram.SymOuterK(1, x.T())
	for j := 0; j < k; j++ {
		gram.SetSym(j, j, gram.At(j, j)+ridge)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return nil, errors.New("normal equations are not positive definite")
	}
	var rhs, beta mat.VecDense
	rhs.MulVec(x.T(), yc)
	if err := chol.SolveVecTo(&beta, &rhs); err != nil {
		return nil, fmt.Errorf("failed to solve normal equations: %w", err)
	}

	coef := make([]float64, k)
	for j := range coef {
		coef[j] = beta.AtVec(j)
		if math.IsNaN(coef[j]) || math.IsInf(coef[j], 0) {
			return nil, errors.New("non-finite coefficient")
		}
	}

	return &Snapshot{
		Features:     append([]string(nil), FeatureNames...),
		Intercept:    yMean,
		Coefficients: coef,
		Means:        means,
		Scales:       scales,
	}, nil
}

// Rank scores symbols under snap concurrently and returns the top n, ordered by
// score descending with ties broken by symbol ascending. Symbols without a
// complete feature window are skipped.
func (s *Selector) Rank(ctx context.Context, snap *Snapshot, view domain.PanelView, symbols []string, n int, positiveOnly bool) ([]Score, error) {
	if snap == nil {
		return nil, errors.New("nil model snapshot")
	}
	if !view.Cutoff().After(snap.TrainedThrough) {
		return nil, fmt.Errorf("snapshot trained through %s cannot score %s",
			snap.TrainedThrough.Format(domain.DateLayout), view.Cutoff().Format(domain.DateLayout))
	}

	span := featureLookback + 1
	bench := view.BenchmarkCloses(span)
	results := make([]*Score, len(symbols))

	workers := s.config.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, sym := range symbols {
		i, sym := i, sym
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			closes := view.Closes(sym, span)
			if len(closes) != len(bench) {
				return nil
			}
			x, ok := featureRow(closes, bench, len(closes)-1)
			if !ok {
				return nil
			}
			v := snap.Predict(x)
			if math.IsNaN(v) {
				return nil
			}
			results[i] = &Score{Symbol: sym, Value: v}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scores := make([]Score, 0, len(symbols))
	for _, r := range results {
		if r == nil || (positiveOnly && r.Value <= 0) {
			continue
		}
		scores = append(scores, *r)
	}
	SortScores(scores)
	if n > 0 && len(scores) > n {
		scores = scores[:n]
	}
	return scores, nil
}

// SortScores orders by value descending, then symbol ascending
func SortScores(scores []Score) {
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Value != scores[j].Value {
			return scores[i].Value > scores[j].Value
		}
		return scores[i].Symbol < scores[j].Symbol
	})
}
