package probdiffeq

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// observation is the linearized ODE residual at a predicted mean: the
// information operator z - H·x with residual z = u'⁻ - f(t, u⁻) and local
// Jacobian H with respect to the stacked state.
type observation struct {
	z *mat.VecDense // residual, length d
	h *mat.Dense    // d×(q+1)d
}

// linearize builds the observation for the configured strategy. TS0 uses
// H = E1, the selector of the first derivative; TS1 subtracts the vector
// field's Jacobian against the solution block, H = E1 - J·E0.
func (s *Solver) linearize(t float64, mPred *mat.VecDense) observation {
	d := s.dim
	u := derivativeBlock(mPred, 0, d)
	du := derivativeBlock(mPred, 1, d)

	fu := mat.NewVecDense(d, nil)
	s.f(t, u, fu)
	s.diag.Evaluations++

	z := mat.NewVecDense(d, nil)
	z.SubVec(du, fu)

	h := mat.NewDense(d, s.prior.StateDim(), nil)
	for k := 0; k < d; k++ {
		h.Set(k, d+k, 1)
	}
	if s.cfg.Linearization == TS1 {
		jac := mat.NewDense(d, d, nil)
		s.cfg.Jacobian(t, u, jac)
		for k := 0; k < d; k++ {
			for j := 0; j < d; j++ {
				h.Set(k, j, -jac.At(k, j))
			}
		}
	}
	return observation{z: z, h: h}
}

// estimateError measures the residual before the covariance extrapolation is
// completed. aL is the transported state factor A·L of the attempted step.
//
// Two whitenings with different jobs. The quasi-MLE diffusion scale whitens
// against the process-noise factor H·Qsqrt alone, which is what calibration
// estimates. The step-control error whitens against the full predicted
// innovation [ (H·A·L)ᵀ ; (H·Qsqrt)ᵀ ]: residual mass explained by the
// current state uncertainty (a diffuse initial belief, warm-up steps before
// the higher derivatives are pinned) is not local truncation error and must
// not shrink the step.
func estimateError(obs observation, aL mat.Matrix, qSqrt *mat.TriDense) (σLocal float64, errs []float64) {
	d, _ := obs.z.Dims()

	var hal, hq mat.Dense
	hal.Mul(obs.h, aL)
	hq.Mul(obs.h, qSqrt)
	sQ := triangularize(factorT(&hq))
	sFull := sumOfSqrtFactors(&hal, &hq)

	w := mat.NewVecDense(d, nil)
	w.CopyVec(obs.z)
	forwardSolve(sQ, w)
	σLocal = mat.Norm(w, 2) / math.Sqrt(float64(d))

	wf := mat.NewVecDense(d, nil)
	wf.CopyVec(obs.z)
	forwardSolve(sFull, wf)
	σFull := mat.Norm(wf, 2) / math.Sqrt(float64(d))

	errs = make([]float64, d)
	for k := 0; k < d; k++ {
		var ss float64
		for j := 0; j <= k; j++ {
			l := sQ.At(k, j)
			ss += l * l
		}
		errs[k] = σFull * math.Sqrt(ss)
	}
	return σLocal, errs
}

// correct performs the square-root measurement update on the completed
// prediction: the innovation factor S comes from triangularizing (H·L⁻)ᵀ, the
// gain from two triangular solves (never an explicit inverse), and the
// corrected factor from the Joseph-form product (I - K·H)·L⁻, which has a
// non-negative diagonal by construction regardless of the conditioning of H.
// The measurement noise of the ODE residual is exactly zero.
//
// It returns the filtered belief and the whitened residual magnitude.
func correct(pred Normal, obs observation) (Normal, float64) {
	d := pred.d
	D := pred.StateDim()

	var hl mat.Dense
	hl.Mul(obs.h, pred.covSqrt)
	sSqrt := triangularize(factorT(&hl))

	// K = P⁻·Hᵀ·S⁻¹, from (S_sqrt·S_sqrtᵀ)·Kᵀ = (L⁻·(H·L⁻)ᵀ)ᵀ.
	var w mat.Dense
	w.Mul(pred.covSqrt, hl.T())
	kT := mat.NewDense(d, D, nil)
	kT.Copy(w.T())
	choleskySolve(sSqrt, kT)

	m := mat.NewVecDense(D, nil)
	m.MulVec(kT.T(), obs.z)
	m.SubVec(pred.mean, m)

	var kh, ikh, ikhl mat.Dense
	kh.Mul(kT.T(), obs.h)
	ikh.Sub(eye(D), &kh)
	ikhl.Mul(&ikh, pred.covSqrt)
	l := triangularize(factorT(&ikhl))

	wr := mat.NewVecDense(d, nil)
	wr.CopyVec(obs.z)
	forwardSolve(sSqrt, wr)
	whitened := mat.Norm(wr, 2) / math.Sqrt(float64(d))

	filtered := Normal{q: pred.q, d: pred.d, mean: m, covSqrt: l}
	return filtered, whitened
}

// derivativeBlock views derivative i of a flat derivative-major mean vector.
func derivativeBlock(m *mat.VecDense, i, d int) *mat.VecDense {
	return mat.NewVecDense(d, m.RawVector().Data[i*d:(i+1)*d])
}

// factorT returns aᵀ as a dense matrix, the tall input triangularize expects
// for a single covariance factor.
func factorT(a mat.Matrix) *mat.Dense {
	r, c := a.Dims()
	t := mat.NewDense(c, r, nil)
	t.Copy(a.T())
	return t
}
