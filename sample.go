package probdiffeq

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Sample draws n joint trajectories from the posterior over the retained
// grid. The terminal state is drawn from the last filtered belief and the
// stored backward models are run in reverse with fresh unit-normal noise, so
// each trajectory is a coherent draw from the smoothing posterior rather than
// a collection of independent marginals.
//
// Each trajectory holds one full state vector (all derivatives, flat
// derivative-major layout) per record, in record order.
func (sol *Solution) Sample(src rand.Source, n int) ([][]*mat.VecDense, error) {
	if n < 1 {
		return nil, configError("sample count must be positive, got %d", n)
	}
	steps := len(sol.Records)
	if steps == 0 {
		return nil, configError("cannot sample from an empty solution")
	}
	unit := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	out := make([][]*mat.VecDense, n)
	for s := 0; s < n; s++ {
		traj := make([]*mat.VecDense, steps)
		last := sol.Records[steps-1].Filtered
		traj[steps-1] = drawNormal(last.mean, last.covSqrt, unit)
		for i := steps - 2; i >= 0; i-- {
			bw := sol.Records[i+1].Backward
			m := mat.NewVecDense(last.StateDim(), nil)
			m.MulVec(bw.Gain, traj[i+1])
			m.AddVec(m, bw.Mean)
			traj[i] = drawNormal(m, bw.CovSqrt, unit)
		}
		out[s] = traj
	}
	return out, nil
}

// drawNormal draws m + L·ξ with ξ a vector of unit normals.
func drawNormal(m *mat.VecDense, l *mat.TriDense, unit distuv.Normal) *mat.VecDense {
	D := m.Len()
	ξ := mat.NewVecDense(D, nil)
	for i := 0; i < D; i++ {
		ξ.SetVec(i, unit.Rand())
	}
	x := mat.NewVecDense(D, nil)
	x.MulVec(l, ξ)
	x.AddVec(x, m)
	return x
}
