package probdiffeq

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ReferenceFunc returns the true solution u(t), used for consistency checks
// against problems with a known closed form.
type ReferenceFunc func(t float64) *mat.VecDense

// NEES computes the normalized estimation error squared eᵀ·P⁻¹·e of the
// solution marginal of each record against the reference. The initial record
// is skipped: its solution block is pinned exactly and has a singular
// covariance.
func (sol *Solution) NEES(ref ReferenceFunc) ([]float64, error) {
	if len(sol.Records) < 2 {
		return nil, configError("need at least one accepted step to compute NEES")
	}
	nees := make([]float64, 0, len(sol.Records)-1)
	for _, r := range sol.Records[1:] {
		v, err := neesAt(r.Filtered, ref(r.T))
		if err != nil {
			return nil, err
		}
		nees = append(nees, v)
	}
	return nees, nil
}

// MeanNEES is the sample mean of NEES over the accepted records. For a
// consistent filter it concentrates around the state dimension d.
func (sol *Solution) MeanNEES(ref ReferenceFunc) (float64, error) {
	nees, err := sol.NEES(ref)
	if err != nil {
		return 0, err
	}
	return stat.Mean(nees, nil), nil
}

func neesAt(b Normal, truth *mat.VecDense) (float64, error) {
	d := b.Dim()
	if err := checkVecDims(truth, "reference", d); err != nil {
		return 0, err
	}
	e := mat.NewVecDense(d, nil)
	e.SubVec(b.Solution(), truth)

	// Solution block of the covariance: rows 0..d-1 of L times their
	// transpose.
	p := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			var s float64
			for k := 0; k <= i; k++ {
				s += b.covSqrt.At(i, k) * b.covSqrt.At(j, k)
			}
			p.SetSym(i, j, s)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(p); !ok {
		return 0, configError("solution covariance block is not positive definite")
	}
	x := mat.NewVecDense(d, nil)
	if err := chol.SolveVecTo(x, e); err != nil {
		return 0, err
	}
	return mat.Dot(e, x), nil
}

// ChiSquareBounds returns the (lo, hi) acceptance interval for the mean NEES
// of samples records with dof degrees of freedom each, at the given
// confidence level (e.g. 0.95). The mean of N independent χ²(d) variables is
// χ²(N·d)/N distributed.
func ChiSquareBounds(dof, samples int, confidence float64) (float64, float64, error) {
	if dof < 1 || samples < 1 {
		return 0, 0, configError("degrees of freedom and sample count must be positive")
	}
	if confidence <= 0 || confidence >= 1 {
		return 0, 0, configError("confidence must lie in (0, 1), got %g", confidence)
	}
	χ2 := distuv.ChiSquared{K: float64(dof * samples)}
	α := 1 - confidence
	n := float64(samples)
	return χ2.Quantile(α/2) / n, χ2.Quantile(1-α/2) / n, nil
}
