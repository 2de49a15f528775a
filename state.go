package probdiffeq

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Normal is a Gaussian belief over the stacked derivatives of the solution.
// The mean is a flat vector of length (q+1)·d in derivative-major order
// (index i·d+k holds derivative i of dimension k); the covariance is carried
// exclusively as a lower-triangular square-root factor L with cov = L·Lᵀ.
//
// The factor is only ever produced by triangularization, never by
// re-factorizing a covariance matrix, so L·Lᵀ stays positive semi-definite
// under floating-point error accumulation.
type Normal struct {
	q, d    int
	mean    *mat.VecDense
	covSqrt *mat.TriDense
}

// NewNormal wraps a mean and covariance factor into a belief. The mean must
// have length (q+1)·d and the factor must be square of the same size.
func NewNormal(order, dim int, mean *mat.VecDense, covSqrt *mat.TriDense) (Normal, error) {
	D := (order + 1) * dim
	if err := checkVecDims(mean, "mean", D); err != nil {
		return Normal{}, err
	}
	if n, _ := covSqrt.Dims(); n != D {
		return Normal{}, configError("dimensions must agree: covariance factor is %dx%d, want %dx%d", n, n, D, D)
	}
	return Normal{q: order, d: dim, mean: mean, covSqrt: covSqrt}, nil
}

// Order returns the smoothness order q of the belief.
func (b Normal) Order() int { return b.q }

// Dim returns the number of state dimensions d.
func (b Normal) Dim() int { return b.d }

// StateDim returns the full state dimension (q+1)·d.
func (b Normal) StateDim() int { return (b.q + 1) * b.d }

// Mean returns the flat mean vector. The returned vector is shared with the
// belief.
func (b Normal) Mean() *mat.VecDense { return b.mean }

// MeanMatrix returns the mean reshaped to (q+1)xd: one row per derivative.
func (b Normal) MeanMatrix() *mat.Dense {
	m := mat.NewDense(b.q+1, b.d, nil)
	for i := 0; i <= b.q; i++ {
		for k := 0; k < b.d; k++ {
			m.Set(i, k, b.mean.AtVec(i*b.d+k))
		}
	}
	return m
}

// Derivative returns a copy of the mean of the i-th derivative of the
// solution (i=0 is the solution itself).
func (b Normal) Derivative(i int) *mat.VecDense {
	if i < 0 || i > b.q {
		panic(fmt.Sprintf("probdiffeq: derivative %d out of range [0, %d]", i, b.q))
	}
	v := mat.NewVecDense(b.d, nil)
	for k := 0; k < b.d; k++ {
		v.SetVec(k, b.mean.AtVec(i*b.d+k))
	}
	return v
}

// Solution returns a copy of the mean of the solution u.
func (b Normal) Solution() *mat.VecDense { return b.Derivative(0) }

// CovSqrt returns the lower-triangular covariance factor, shared with the
// belief.
func (b Normal) CovSqrt() *mat.TriDense { return b.covSqrt }

// Covariance forms the full covariance L·Lᵀ. Only meant for inspection and
// tests; the solver itself never forms it.
func (b Normal) Covariance() *mat.SymDense {
	D := b.StateDim()
	var p mat.Dense
	p.Mul(b.covSqrt, b.covSqrt.T())
	s := mat.NewSymDense(D, nil)
	for i := 0; i < D; i++ {
		for j := i; j < D; j++ {
			s.SetSym(i, j, p.At(i, j))
		}
	}
	return s
}

// StdDev returns the marginal standard deviations of the i-th derivative,
// read off the rows of the factor without forming the covariance.
func (b Normal) StdDev(i int) *mat.VecDense {
	v := mat.NewVecDense(b.d, nil)
	for k := 0; k < b.d; k++ {
		row := i*b.d + k
		var ss float64
		for j := 0; j <= row; j++ {
			l := b.covSqrt.At(row, j)
			ss += l * l
		}
		v.SetVec(k, math.Sqrt(ss))
	}
	return v
}

// IsWithinNσ returns whether the provided truth lies within the N·σ bounds of
// the solution marginal.
func (b Normal) IsWithinNσ(truth *mat.VecDense, N float64) bool {
	σ := b.StdDev(0)
	for k := 0; k < b.d; k++ {
		if math.Abs(b.mean.AtVec(k)-truth.AtVec(k)) > N*σ.AtVec(k) {
			return false
		}
	}
	return true
}

// IsWithin2σ returns whether the provided truth is within the 2σ bounds.
func (b Normal) IsWithin2σ(truth *mat.VecDense) bool {
	return b.IsWithinNσ(truth, 2)
}

func (b Normal) String() string {
	m := mat.Formatted(b.MeanMatrix(), mat.Prefix("  "))
	σ := mat.Formatted(b.StdDev(0).T(), mat.Prefix("  "))
	return fmt.Sprintf("{\nm=%v\nσ=%v\n}", m, σ)
}

// clone returns a deep copy of the belief.
func (b Normal) clone() Normal {
	m := mat.NewVecDense(b.mean.Len(), nil)
	m.CopyVec(b.mean)
	l := mat.NewTriDense(b.StateDim(), mat.Lower, nil)
	l.Copy(b.covSqrt)
	return Normal{q: b.q, d: b.d, mean: m, covSqrt: l}
}

// scaleCov rescales the covariance factor in place by s. Used by the global
// calibration pass.
func (b Normal) scaleCov(s float64) {
	b.covSqrt.ScaleTri(s, b.covSqrt)
}
