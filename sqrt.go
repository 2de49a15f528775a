package probdiffeq

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"
	"gonum.org/v1/gonum/mat"
)

// triangularize computes the lower-triangular square-root factor L such that
// L·Lᵀ = Mᵀ·M, where M is a tall stack of transposed covariance factors.
// This is the QR-based combination that keeps every covariance positive
// semi-definite without ever forming the full matrix: for cov = A·P·Aᵀ + Q
// stack M = [ (A·Lp)ᵀ ; Lqᵀ ] and triangularize.
//
// The diagonal of the returned factor is non-negative, which makes the factor
// unique and lets tests compare factors bit for bit.
func triangularize(stacked *mat.Dense) *mat.TriDense {
	rows, cols := stacked.Dims()
	if rows < cols {
		panic("probdiffeq: triangularize requires a tall (or square) stack")
	}
	var qr mat.QR
	qr.Factorize(stacked)
	var r mat.Dense
	qr.RTo(&r)

	l := mat.NewTriDense(cols, mat.Lower, nil)
	for i := 0; i < cols; i++ {
		sign := 1.0
		if r.At(i, i) < 0 {
			sign = -1.0
		}
		for j := i; j < cols; j++ {
			l.SetTri(j, i, sign*r.At(i, j))
		}
	}
	return l
}

// stackT returns the vertical stack [ aᵀ ; bᵀ ], the input to triangularize
// for a sum of two square-root factors.
func stackT(a, b mat.Matrix) *mat.Dense {
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	if ra != rb {
		panic("probdiffeq: stacked factors must share their row count")
	}
	s := mat.NewDense(ca+cb, ra, nil)
	for i := 0; i < ca; i++ {
		for j := 0; j < ra; j++ {
			s.Set(i, j, a.At(j, i))
		}
	}
	for i := 0; i < cb; i++ {
		for j := 0; j < rb; j++ {
			s.Set(ca+i, j, b.At(j, i))
		}
	}
	return s
}

// sumOfSqrtFactors combines two square-root factors of the same shape into
// the lower-triangular factor of the summed covariances a·aᵀ + b·bᵀ.
func sumOfSqrtFactors(a, b mat.Matrix) *mat.TriDense {
	return triangularize(stackT(a, b))
}

// choleskySolve solves (L·Lᵀ)·X = B in place, overwriting b with X, using two
// triangular solves. L must be lower triangular. This is how every Kalman
// gain in the package is derived; no covariance is ever inverted explicitly.
func choleskySolve(l *mat.TriDense, b *mat.Dense) {
	raw := b.RawMatrix()
	lraw := l.RawTriangular()
	lapack64.Trtrs(blas.NoTrans, lraw, raw)
	lapack64.Trtrs(blas.Trans, lraw, raw)
}

// forwardSolve solves L·x = b in place for lower-triangular L, overwriting b.
// Used to whiten residuals against an innovation factor.
func forwardSolve(l *mat.TriDense, b *mat.VecDense) {
	raw := blas64.General{
		Rows:   b.Len(),
		Cols:   1,
		Stride: 1,
		Data:   b.RawVector().Data,
	}
	lapack64.Trtrs(blas.NoTrans, l.RawTriangular(), raw)
}
