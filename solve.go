package probdiffeq

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Solver approximates the posterior distribution over the solution of an ODE
// initial value problem with an extended-Kalman-filter-style probabilistic
// method. Use NewSolver to initialize; configuration is validated eagerly.
type Solver struct {
	f     VectorField
	dim   int
	cfg   Config
	prior *IWP
	diag  Diagnostics
}

// Diagnostics reports what the solve loop did. Rejected-step retries are
// counted here rather than swallowed.
type Diagnostics struct {
	Accepted         int
	Rejected         int
	Evaluations      int
	LastDt           float64
	CalibrationScale float64
}

// Record is one accepted step: the time, the predicted and filtered beliefs,
// the reversal of the extrapolation into this point, the diffusion scale the
// step used and the whitened residual it produced. Records are append-only;
// rejected steps leave no record, and nothing mutates a record after
// acceptance (the global calibration rescale replaces beliefs wholesale).
type Record struct {
	T         float64
	Dt        float64
	Predicted Normal
	Filtered  Normal
	Backward  BackwardModel // zero-valued gain field for the initial record
	Scale     float64
	Whitened  float64
}

// Solution is the retained forward pass: the ordered accepted records plus
// solver diagnostics. The smoother and the interpolation adapter read it; the
// filtered records themselves are never modified by either.
type Solution struct {
	Records []Record
	Diag    Diagnostics

	prior    *IWP
	smoothed []Normal
}

// NewSolver returns a solver for u' = f(t, u) with u of dimension dim.
func NewSolver(f VectorField, dim int, cfg Config) (*Solver, error) {
	if f == nil {
		return nil, configError("vector field must not be nil")
	}
	cfg.normalize()
	if err := cfg.validate(dim); err != nil {
		return nil, err
	}
	prior, err := NewIWP(cfg.Order, dim)
	if err != nil {
		return nil, err
	}
	if cfg.Diffusion != nil {
		if err := prior.SetDiffusion(cfg.Diffusion); err != nil {
			return nil, err
		}
	}
	return &Solver{f: f, dim: dim, cfg: cfg, prior: prior}, nil
}

// Prior returns the solver's Gauss-Markov prior.
func (s *Solver) Prior() *IWP { return s.prior }

// Diag returns the diagnostics of the most recent solve.
func (s *Solver) Diag() Diagnostics { return s.diag }

func (s *Solver) String() string {
	return fmt.Sprintf("Solver{%s, lin=%s, calib=%s, rtol=%g, atol=%g}",
		s.prior, s.cfg.Linearization, s.cfg.Calibration, s.cfg.RTol, s.cfg.ATol)
}

// initialBelief pins u0 (and any configured Taylor coefficients) exactly and
// leaves the remaining derivatives diffuse. When no coefficients are given,
// derivative 1 is pinned to f(t0, u0).
func (s *Solver) initialBelief(t0 float64, u0 *mat.VecDense) Normal {
	q, d := s.cfg.Order, s.dim
	D := (q + 1) * d

	m := mat.NewVecDense(D, nil)
	for k := 0; k < d; k++ {
		m.SetVec(k, u0.AtVec(k))
	}
	pinned := 1
	if len(s.cfg.TaylorCoefficients) > 0 {
		for i, tc := range s.cfg.TaylorCoefficients {
			for k := 0; k < d; k++ {
				m.SetVec((i+1)*d+k, tc.AtVec(k))
			}
		}
		pinned += len(s.cfg.TaylorCoefficients)
	} else {
		fu := mat.NewVecDense(d, nil)
		s.f(t0, u0, fu)
		s.diag.Evaluations++
		for k := 0; k < d; k++ {
			m.SetVec(d+k, fu.AtVec(k))
		}
		pinned = 2
	}

	l := mat.NewTriDense(D, mat.Lower, nil)
	for i := pinned; i <= q; i++ {
		for k := 0; k < d; k++ {
			l.SetTri(i*d+k, i*d+k, s.cfg.InitStdDev)
		}
	}
	return Normal{q: q, d: d, mean: m, covSqrt: l}
}

// Solve integrates from t0 to t1 on an adaptively chosen grid and returns the
// belief at every internally accepted time. On a fatal condition the returned
// error carries the furthest point reached, and the partial solution is
// returned alongside it.
func (s *Solver) Solve(u0 *mat.VecDense, t0, t1 float64) (*Solution, error) {
	return s.solve(u0, t0, t1, nil)
}

// SolveAt integrates from t0 to t1 and guarantees that steps land exactly on
// every query time, so beliefs at the queries can be read off the records.
// Query times must be strictly increasing and lie inside (t0, t1].
func (s *Solver) SolveAt(u0 *mat.VecDense, t0, t1 float64, queries []float64) (*Solution, []Normal, error) {
	if !sort.Float64sAreSorted(queries) {
		return nil, nil, configError("query times must be sorted in increasing order")
	}
	for _, tq := range queries {
		if tq <= t0 || tq > t1 {
			return nil, nil, configError("query time %g outside (%g, %g]", tq, t0, t1)
		}
	}
	sol, err := s.solve(u0, t0, t1, queries)
	if err != nil {
		return sol, nil, err
	}
	beliefs := make([]Normal, len(queries))
	for i, tq := range queries {
		idx := sort.Search(len(sol.Records), func(j int) bool { return sol.Records[j].T >= tq-timeEps })
		beliefs[i] = sol.Records[idx].Filtered
	}
	return sol, beliefs, nil
}

// timeEps guards float comparisons of grid times.
const timeEps = 1e-12

func (s *Solver) solve(u0 *mat.VecDense, t0, t1 float64, queries []float64) (*Solution, error) {
	if err := checkVecDims(u0, "u0", s.dim); err != nil {
		return nil, err
	}
	if !(t1 > t0) {
		return nil, configError("time span must be increasing, got [%g, %g]", t0, t1)
	}

	s.diag = Diagnostics{}
	bel := s.initialBelief(t0, u0)
	sol := &Solution{prior: s.prior}
	sol.Records = append(sol.Records, Record{T: t0, Predicted: bel, Filtered: bel, Scale: 1})

	ctrl := newController(s.cfg)
	calib := newCalibrator(s.cfg.Calibration)
	log := s.cfg.Logger

	dt := s.cfg.InitialDt
	if dt <= 0 {
		dt = initialStepSize(s.f, t0, u0, s.cfg.Order, s.cfg.ATol, s.cfg.RTol, s.cfg.DtMax)
		s.diag.Evaluations += 2
	}
	dt = clip(dt, s.cfg.DtMin, s.cfg.DtMax)

	t := t0
	rejections := 0
	for t < t1-timeEps {
		if s.diag.Accepted >= s.cfg.MaxSteps {
			s.finish(sol, calib)
			return sol, &MaxStepsError{T: t, State: bel, Steps: s.cfg.MaxSteps}
		}

		// Clip the attempt to land exactly on t1 and on the next query.
		dtStep := math.Min(dt, t1-t)
		if next, ok := nextQuery(queries, t); ok {
			dtStep = math.Min(dtStep, next-t)
		}

		a, qSqrt, err := s.prior.Transition(dtStep)
		if err != nil {
			return sol, err
		}
		mPred := extrapolateMean(bel, a)
		obs := s.linearize(t+dtStep, mPred)
		var al mat.Dense
		al.Mul(a, bel.covSqrt)
		σLocal, errs := estimateError(obs, &al, qSqrt)
		eNorm := normalizedError(errs, derivativeBlock(mPred, 0, s.dim), s.cfg.ATol, s.cfg.RTol)

		if eNorm > 1 {
			s.diag.Rejected++
			rejections++
			dt = ctrl.reject(dtStep, eNorm)
			log.WithFields(logrus.Fields{
				"t": t, "dt": dtStep, "error": eNorm, "retry_dt": dt,
			}).Warn("step rejected")
			// Before the first acceptance the controller is still searching
			// for the problem's scale and the ladder down from the initial
			// proposal may be long; only dt_min bounds it there.
			if dt < s.cfg.DtMin || (s.diag.Accepted > 0 && rejections > s.cfg.MaxRejections) {
				s.finish(sol, calib)
				return sol, &StepUnderflowError{T: t, State: bel, Rejections: rejections}
			}
			continue
		}

		σ := calib.stepScale(σLocal)
		pred, bw := extrapolateWithRevert(bel, a, qSqrt, σ, mPred)
		filtered, whitened := correct(pred, obs)
		calib.accumulate(whitened)

		t += dtStep
		bel = filtered
		sol.Records = append(sol.Records, Record{
			T: t, Dt: dtStep, Predicted: pred, Filtered: filtered,
			Backward: bw, Scale: σ, Whitened: whitened,
		})
		s.diag.Accepted++
		s.diag.LastDt = dtStep
		rejections = 0

		dt = clip(ctrl.accept(dtStep, eNorm), s.cfg.DtMin, s.cfg.DtMax)
		log.WithFields(logrus.Fields{
			"t": t, "dt": dtStep, "error": eNorm, "scale": σ, "next_dt": dt,
		}).Debug("step accepted")
	}

	s.finish(sol, calib)
	return sol, nil
}

// finish applies the global calibration rescale to the retained posterior and
// freezes the diagnostics into the solution.
func (s *Solver) finish(sol *Solution, calib *calibrator) {
	scale := calib.finalScale()
	s.diag.CalibrationScale = scale
	if scale != 1 {
		for i := range sol.Records {
			r := &sol.Records[i]
			r.Predicted = r.Predicted.clone()
			r.Predicted.scaleCov(scale)
			r.Filtered = r.Filtered.clone()
			r.Filtered.scaleCov(scale)
			if r.Backward.CovSqrt != nil {
				lbw := mat.NewTriDense(r.Filtered.StateDim(), mat.Lower, nil)
				lbw.ScaleTri(scale, r.Backward.CovSqrt)
				r.Backward.CovSqrt = lbw
			}
		}
	}
	sol.Diag = s.diag
}

// nextQuery returns the first query strictly after t.
func nextQuery(queries []float64, t float64) (float64, bool) {
	idx := sort.SearchFloat64s(queries, t+timeEps)
	if idx == len(queries) {
		return 0, false
	}
	return queries[idx], true
}

// SolveFixedGrid integrates on a caller-supplied grid without step control:
// one extrapolation/correction cycle per grid interval. The grid must be
// strictly increasing. Calibration behaves as in the adaptive loop.
func (s *Solver) SolveFixedGrid(u0 *mat.VecDense, grid []float64) (*Solution, error) {
	if err := checkVecDims(u0, "u0", s.dim); err != nil {
		return nil, err
	}
	if len(grid) < 2 {
		return nil, configError("fixed grid needs at least two points, got %d", len(grid))
	}
	for i := 1; i < len(grid); i++ {
		if grid[i] <= grid[i-1] {
			return nil, configError("fixed grid must be strictly increasing at index %d", i)
		}
	}

	s.diag = Diagnostics{}
	bel := s.initialBelief(grid[0], u0)
	sol := &Solution{prior: s.prior}
	sol.Records = append(sol.Records, Record{T: grid[0], Predicted: bel, Filtered: bel, Scale: 1})
	calib := newCalibrator(s.cfg.Calibration)

	for i := 1; i < len(grid); i++ {
		dt := grid[i] - grid[i-1]
		a, qSqrt, err := s.prior.Transition(dt)
		if err != nil {
			return sol, err
		}
		mPred := extrapolateMean(bel, a)
		obs := s.linearize(grid[i], mPred)
		var al mat.Dense
		al.Mul(a, bel.covSqrt)
		σLocal, _ := estimateError(obs, &al, qSqrt)
		σ := calib.stepScale(σLocal)

		pred, bw := extrapolateWithRevert(bel, a, qSqrt, σ, mPred)
		filtered, whitened := correct(pred, obs)
		calib.accumulate(whitened)

		bel = filtered
		sol.Records = append(sol.Records, Record{
			T: grid[i], Dt: dt, Predicted: pred, Filtered: filtered,
			Backward: bw, Scale: σ, Whitened: whitened,
		})
		s.diag.Accepted++
		s.diag.LastDt = dt
	}

	s.finish(sol, calib)
	return sol, nil
}

// Times returns the times of the retained records.
func (sol *Solution) Times() []float64 {
	ts := make([]float64, len(sol.Records))
	for i, r := range sol.Records {
		ts[i] = r.T
	}
	return ts
}
