package optimizer

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// moments holds annualized sample estimates of a return window
type moments struct {
	mean []float64
	cov  *mat.SymDense
	corr *mat.SymDense
}

func toDense(rows [][]float64, cols int) *mat.Dense {
	data := make([]float64, 0, len(rows)*cols)
	for _, row := range rows {
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data)
}

// estimate computes annualized mean and covariance plus the sample correlation
func estimate(rows [][]float64, cols, periods int) moments {
	x := toDense(rows, cols)
	scale := float64(periods)

	mean := make([]float64, cols)
	col := make([]float64, len(rows))
	for j := 0; j < cols; j++ {
		mat.Col(col, j, x)
		mean[j] = stat.Mean(col, nil) * scale
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, x, nil)
	cov.ScaleSym(scale, &cov)

	corr := mat.NewSymDense(cols, nil)
	for i := 0; i < cols; i++ {
		for j := i; j < cols; j++ {
			if i == j {
				corr.SetSym(i, j, 1)
				continue
			}
			denom := math.Sqrt(cov.At(i, i) * cov.At(j, j))
			rho := 0.0
			if denom > 0 {
				rho = cov.At(i, j) / denom
			}
			corr.SetSym(i, j, math.Max(-1, math.Min(1, rho)))
		}
	}

	return moments{mean: mean, cov: &cov, corr: corr}
}
