package probdiffeq

import (
	"gonum.org/v1/gonum/mat"
)

// BackwardModel is the reversal of one extrapolation: the conditional
// distribution of the earlier state given the later one,
// x_k | x_{k+1} ~ N(G·x_{k+1} + b, L·Lᵀ). The smoother and the interpolation
// adapter run these models backwards; they are computed during the forward
// pass and never mutated afterwards.
type BackwardModel struct {
	Gain    *mat.Dense
	Mean    *mat.VecDense
	CovSqrt *mat.TriDense
}

// Apply marginalizes the backward model against the belief at the later time
// point, producing the smoothed belief at the earlier one:
// m = G·m_next + b, L from triangularizing [ (G·L_next)ᵀ ; L_bwᵀ ].
func (bw BackwardModel) Apply(next Normal) Normal {
	m := mat.NewVecDense(next.StateDim(), nil)
	m.MulVec(bw.Gain, next.mean)
	m.AddVec(m, bw.Mean)

	var gl mat.Dense
	gl.Mul(bw.Gain, next.covSqrt)
	l := sumOfSqrtFactors(&gl, bw.CovSqrt)
	return Normal{q: next.q, d: next.d, mean: m, covSqrt: l}
}

// extrapolateMean propagates only the mean through the prior transition. The
// covariance completion is deferred until the step controller has accepted
// the step (and, for dynamic calibration, until the local diffusion scale is
// known).
func extrapolateMean(b Normal, a *mat.Dense) *mat.VecDense {
	m := mat.NewVecDense(b.StateDim(), nil)
	m.MulVec(a, b.mean)
	return m
}

// extrapolate completes the prediction step: m⁻ = A·m and
// L⁻·L⁻ᵀ = A·L·Lᵀ·Aᵀ + σ²·Qsqrt·Qsqrtᵀ, with L⁻ obtained by jointly
// triangularizing the stacked factors instead of forming the covariance.
func extrapolate(b Normal, a *mat.Dense, qSqrt *mat.TriDense, σ float64, mPred *mat.VecDense) Normal {
	var al mat.Dense
	al.Mul(a, b.covSqrt)
	sq := scaledTri(qSqrt, σ)
	l := sumOfSqrtFactors(&al, sq)
	return Normal{q: b.q, d: b.d, mean: mPred, covSqrt: l}
}

// extrapolateWithRevert performs the prediction step and simultaneously
// reverts the transition into a backward model for later smoothing. The gain
// G = P·Aᵀ·(P⁻)⁻¹ is derived through two triangular solves against the
// predicted factor, and the backward noise factor comes from the Joseph-form
// stack [ ((I-G·A)·L)ᵀ ; (σ·G·Qsqrt)ᵀ ], so positive semi-definiteness is
// preserved by construction.
func extrapolateWithRevert(b Normal, a *mat.Dense, qSqrt *mat.TriDense, σ float64, mPred *mat.VecDense) (Normal, BackwardModel) {
	D := b.StateDim()

	var al mat.Dense
	al.Mul(a, b.covSqrt)
	sq := scaledTri(qSqrt, σ)
	lPred := sumOfSqrtFactors(&al, sq)

	// G = P·Aᵀ·(P⁻)⁻¹, solved as (L⁻·L⁻ᵀ)·Gᵀ = (L·(A·L)ᵀ)ᵀ.
	var w mat.Dense
	w.Mul(b.covSqrt, al.T()) // P·Aᵀ
	gT := mat.NewDense(D, D, nil)
	gT.Copy(w.T())
	choleskySolve(lPred, gT)
	g := mat.NewDense(D, D, nil)
	g.Copy(gT.T())

	// b_bw = m - G·m⁻
	bMean := mat.NewVecDense(D, nil)
	bMean.MulVec(g, mPred)
	bMean.SubVec(b.mean, bMean)

	// L_bw from the Joseph-form stack.
	var ga, iga, igal, gq mat.Dense
	ga.Mul(g, a)
	iga.Sub(eye(D), &ga)
	igal.Mul(&iga, b.covSqrt)
	gq.Mul(g, sq)
	lBw := sumOfSqrtFactors(&igal, &gq)

	pred := Normal{q: b.q, d: b.d, mean: mPred, covSqrt: lPred}
	return pred, BackwardModel{Gain: g, Mean: bMean, CovSqrt: lBw}
}

// scaledTri returns σ·l as a new lower-triangular matrix.
func scaledTri(l *mat.TriDense, σ float64) *mat.TriDense {
	n, _ := l.Dims()
	s := mat.NewTriDense(n, mat.Lower, nil)
	s.ScaleTri(σ, l)
	return s
}

// eye returns the n×n identity.
func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
