package optimizer

import (
	"context"
	"math"

	"github.com/sawpanic/alphaforge/internal/domain"
	"gonum.org/v1/gonum/mat"
)

// HRP is hierarchical risk parity: single-linkage clustering on correlation
// distance followed by recursive inverse-variance bisection
type HRP struct {
	config Config
}

// NewHRP creates an HRP optimizer
func NewHRP(config Config) *HRP {
	return &HRP{config: config}
}

func (h *HRP) Method() Method { return MethodHRP }

func (h *HRP) Optimize(ctx context.Context, in Input) (Result, error) {
	if err := validateInput(in, h.config); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	n := len(in.Symbols)
	if n == 1 {
		return Result{Weights: domain.Weights{in.Symbols[0]: 1}}, nil
	}

	est := estimate(in.Returns, n, h.config.TradingDays)
	order := quasiDiagonal(correlationDistance(est.corr))
	raw := bisect(order, est.cov)

	weights := make(domain.Weights, n)
	for i, s := range in.Symbols {
		weights[s] = raw[i]
	}
	return Result{Weights: prune(weights, h.config.MinWeight)}, nil
}

// correlationDistance is sqrt((1 − ρ) / 2)
func correlationDistance(corr mat.Symmetric) [][]float64 {
	n := corr.SymmetricDim()
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		for j := range dist[i] {
			rho := corr.At(i, j)
			if math.IsNaN(rho) {
				rho = 0
			}
			dist[i][j] = math.Sqrt(math.Max(0, (1-rho)/2))
		}
	}
	return dist
}

type cluster struct {
	leaves []int
}

// quasiDiagonal merges the closest pair of clusters (single linkage) until one
// remains and returns its leaf order. Ties resolve to the lowest cluster ids.
func quasiDiagonal(dist [][]float64) []int {
	clusters := make([]*cluster, len(dist))
	for i := range clusters {
		clusters[i] = &cluster{leaves: []int{i}}
	}

	linkage := func(a, b *cluster) float64 {
		best := math.Inf(1)
		for _, i := range a.leaves {
			for _, j := range b.leaves {
				best = math.Min(best, dist[i][j])
			}
		}
		return best
	}

	for len(clusters) > 1 {
		bi, bj, bd := 0, 1, math.Inf(1)
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				if d := linkage(clusters[i], clusters[j]); d < bd {
					bi, bj, bd = i, j, d
				}
			}
		}
		merged := &cluster{leaves: append(append([]int(nil), clusters[bi].leaves...), clusters[bj].leaves...)}
		next := make([]*cluster, 0, len(clusters)-1)
		for k, c := range clusters {
			if k != bi && k != bj {
				next = append(next, c)
			}
		}
		clusters = append(next, merged)
	}
	return clusters[0].leaves
}

// bisect allocates top-down: each split gives the lower-variance half the larger share
func bisect(order []int, cov mat.Symmetric) []float64 {
	w := make([]float64, cov.SymmetricDim())
	for _, i := range order {
		w[i] = 1
	}
	queue := [][]int{order}
	for len(queue) > 0 {
		var next [][]int
		for _, items := range queue {
			if len(items) < 2 {
				continue
			}
			half := len(items) / 2
			left, right := items[:half], items[half:]
			vl, vr := clusterVariance(left, cov), clusterVariance(right, cov)
			alpha := 0.5
			if vl+vr > 0 {
				alpha = 1 - vl/(vl+vr)
			}
			for _, i := range left {
				w[i] *= alpha
			}
			for _, i := range right {
				w[i] *= 1 - alpha
			}
			next = append(next, left, right)
		}
		queue = next
	}
	return w
}

// clusterVariance is the variance of the inverse-variance portfolio over items
func clusterVariance(items []int, cov mat.Symmetric) float64 {
	const floor = 1e-12
	ivp := make([]float64, len(items))
	total := 0.0
	for k, i := range items {
		ivp[k] = 1 / math.Max(cov.At(i, i), floor)
		total += ivp[k]
	}
	for k := range ivp {
		ivp[k] /= total
	}
	v := 0.0
	for a, i := range items {
		for b, j := range items {
			v += ivp[a] * ivp[b] * cov.At(i, j)
		}
	}
	return v
}
