package probdiffeq

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// decay is u' = -u with the closed-form solution u0·e^(-t).
func decay(t float64, u, fu *mat.VecDense) {
	fu.SetVec(0, -u.AtVec(0))
}

func decayConfig() Config {
	cfg := DefaultConfig()
	cfg.Order = 3
	cfg.RTol = 1e-6
	cfg.ATol = 1e-9
	return cfg
}

func TestNewSolverErrors(t *testing.T) {
	if _, err := NewSolver(nil, 1, DefaultConfig()); err == nil {
		t.Fatal("nil vector field does not fail")
	}
	if _, err := NewSolver(decay, 1, Config{}); err == nil {
		t.Fatal("zero smoothness order does not fail")
	}

	cfg := DefaultConfig()
	cfg.Linearization = TS1
	if _, err := NewSolver(decay, 1, cfg); err == nil {
		t.Fatal("TS1 without a Jacobian does not fail")
	}

	cfg = DefaultConfig()
	cfg.RTol = -1
	if _, err := NewSolver(decay, 1, cfg); err == nil {
		t.Fatal("negative tolerance does not fail")
	}

	cfg = DefaultConfig()
	cfg.Diffusion = []float64{1, 2}
	if _, err := NewSolver(decay, 1, cfg); err == nil {
		t.Fatal("diffusion of wrong length does not fail")
	}
}

func TestSolveArgumentErrors(t *testing.T) {
	s, err := NewSolver(decay, 1, DefaultConfig())
	require.NoError(t, err)

	if _, err := s.Solve(mat.NewVecDense(2, nil), 0, 1); err == nil {
		t.Fatal("u0 of wrong length does not fail")
	}
	if _, err := s.Solve(mat.NewVecDense(1, []float64{1}), 1, 1); err == nil {
		t.Fatal("empty time span does not fail")
	}
	if _, err := s.Solve(mat.NewVecDense(1, []float64{1}), 1, 0); err == nil {
		t.Fatal("reversed time span does not fail")
	}
}

func TestSolveLinearDecay(t *testing.T) {
	s, err := NewSolver(decay, 1, decayConfig())
	require.NoError(t, err)

	sol, err := s.Solve(mat.NewVecDense(1, []float64{1}), 0, 2)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(sol.Records), 2)

	ts := sol.Times()
	assert.Equal(t, 0.0, ts[0])
	assert.InDelta(t, 2.0, ts[len(ts)-1], timeEps)
	for i := 1; i < len(ts); i++ {
		assert.Greater(t, ts[i], ts[i-1])
	}

	final := sol.Records[len(sol.Records)-1].Filtered
	assert.InDelta(t, math.Exp(-2), final.Solution().AtVec(0), 1e-3)

	diag := sol.Diag
	assert.Equal(t, len(sol.Records)-1, diag.Accepted)
	assert.Greater(t, diag.Evaluations, 0)
	assert.Greater(t, diag.LastDt, 0.0)
	assert.Greater(t, diag.CalibrationScale, 0.0)
}

// Without Taylor coefficients the higher derivatives start diffuse and the
// first residuals are dominated by state uncertainty, not truncation error.
// The solve must converge under tight tolerances across orders instead of
// underflowing at t0.
func TestSolveDiffuseInitTightTolerances(t *testing.T) {
	cases := []struct {
		order int
		rtol  float64
	}{
		{2, 1e-3},
		{2, 1e-6},
		{3, 1e-6},
		{3, 1e-8},
		{4, 1e-8},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		cfg.Order = tc.order
		cfg.RTol = tc.rtol
		cfg.ATol = tc.rtol * 1e-3
		s, err := NewSolver(decay, 1, cfg)
		require.NoError(t, err)

		sol, err := s.Solve(mat.NewVecDense(1, []float64{1}), 0, 1)
		require.NoError(t, err, "order %d rtol %g", tc.order, tc.rtol)

		final := sol.Records[len(sol.Records)-1].Filtered
		assert.InDelta(t, math.Exp(-1), final.Solution().AtVec(0), 1e-2,
			"order %d rtol %g", tc.order, tc.rtol)
	}
}

// An initial step proposal far above the feasible size must walk down to a
// feasible one even when the ladder is longer than MaxRejections: before the
// first acceptance only DtMin bounds the search.
func TestSolveInitialRejectionLadder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Order = 2
	cfg.InitialDt = 10
	cfg.MaxRejections = 2
	cfg.TaylorCoefficients = []*mat.VecDense{
		mat.NewVecDense(1, []float64{-1}),
		mat.NewVecDense(1, []float64{1}),
	}
	s, err := NewSolver(decay, 1, cfg)
	require.NoError(t, err)

	sol, err := s.Solve(mat.NewVecDense(1, []float64{1}), 0, 1)
	require.NoError(t, err)
	assert.Greater(t, sol.Diag.Rejected, cfg.MaxRejections)

	final := sol.Records[len(sol.Records)-1].Filtered
	assert.InDelta(t, math.Exp(-1), final.Solution().AtVec(0), 1e-2)
}

func TestSolveGrowthWithTaylorInit(t *testing.T) {
	// u' = u from exact Taylor coefficients: every derivative is u0.
	cfg := decayConfig()
	cfg.TaylorCoefficients = []*mat.VecDense{
		mat.NewVecDense(1, []float64{1}),
		mat.NewVecDense(1, []float64{1}),
		mat.NewVecDense(1, []float64{1}),
	}
	s, err := NewSolver(func(t float64, u, fu *mat.VecDense) {
		fu.SetVec(0, u.AtVec(0))
	}, 1, cfg)
	require.NoError(t, err)

	sol, err := s.Solve(mat.NewVecDense(1, []float64{1}), 0, 1)
	require.NoError(t, err)

	final := sol.Records[len(sol.Records)-1].Filtered
	assert.InDelta(t, math.E, final.Solution().AtVec(0), 1e-3)
}

func TestSolveOscillatorTS1Dynamic(t *testing.T) {
	// x' = y, y' = -x: the solution from (1, 0) is (cos t, -sin t).
	f := func(t float64, u, fu *mat.VecDense) {
		fu.SetVec(0, u.AtVec(1))
		fu.SetVec(1, -u.AtVec(0))
	}
	cfg := decayConfig()
	cfg.Linearization = TS1
	cfg.Jacobian = func(t float64, u *mat.VecDense, jac *mat.Dense) {
		jac.Set(0, 1, 1)
		jac.Set(1, 0, -1)
	}
	cfg.Calibration = CalibrationDynamic
	cfg.TaylorCoefficients = []*mat.VecDense{
		mat.NewVecDense(2, []float64{0, -1}),
		mat.NewVecDense(2, []float64{-1, 0}),
	}
	s, err := NewSolver(f, 2, cfg)
	require.NoError(t, err)

	sol, err := s.Solve(mat.NewVecDense(2, []float64{1, 0}), 0, math.Pi)
	require.NoError(t, err)

	final := sol.Records[len(sol.Records)-1].Filtered.Solution()
	assert.InDelta(t, -1, final.AtVec(0), 1e-3)
	assert.InDelta(t, 0, final.AtVec(1), 1e-3)
}

func TestSolveAt(t *testing.T) {
	s, err := NewSolver(decay, 1, decayConfig())
	require.NoError(t, err)
	u0 := mat.NewVecDense(1, []float64{1})

	queries := []float64{0.25, 0.5, 0.9}
	sol, beliefs, err := s.SolveAt(u0, 0, 1, queries)
	require.NoError(t, err)
	require.Len(t, beliefs, 3)

	for i, tq := range queries {
		// The grid must contain the query exactly.
		found := false
		for _, rt := range sol.Times() {
			if math.Abs(rt-tq) < 1e-9 {
				found = true
				break
			}
		}
		require.True(t, found, "no record at query time %g", tq)
		assert.InDelta(t, math.Exp(-tq), beliefs[i].Solution().AtVec(0), 1e-4)
	}
}

func TestSolveAtArgumentErrors(t *testing.T) {
	s, err := NewSolver(decay, 1, DefaultConfig())
	require.NoError(t, err)
	u0 := mat.NewVecDense(1, []float64{1})

	if _, _, err := s.SolveAt(u0, 0, 1, []float64{0.5, 0.2}); err == nil {
		t.Fatal("unsorted queries do not fail")
	}
	if _, _, err := s.SolveAt(u0, 0, 1, []float64{0}); err == nil {
		t.Fatal("query at t0 does not fail")
	}
	if _, _, err := s.SolveAt(u0, 0, 1, []float64{1.5}); err == nil {
		t.Fatal("query beyond t1 does not fail")
	}
}

func TestSolveMaxSteps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSteps = 3
	cfg.DtMax = 0.01
	s, err := NewSolver(decay, 1, cfg)
	require.NoError(t, err)

	sol, err := s.Solve(mat.NewVecDense(1, []float64{1}), 0, 10)
	require.Error(t, err)

	var maxErr *MaxStepsError
	require.True(t, errors.As(err, &maxErr))
	assert.Equal(t, 3, maxErr.Steps)
	assert.Less(t, maxErr.T, 10.0)
	// Partial progress is retained.
	require.NotNil(t, sol)
	assert.Equal(t, 4, len(sol.Records))
}

func TestSolveStepUnderflow(t *testing.T) {
	// The derivative jumps by twelve orders of magnitude right after t0, so
	// no step size can pass the error test.
	f := func(t float64, u, fu *mat.VecDense) {
		if t > 0 {
			fu.SetVec(0, 1e12)
		}
	}
	cfg := DefaultConfig()
	cfg.InitialDt = 0.1
	cfg.MaxRejections = 3
	cfg.DtMin = 1e-9
	s, err := NewSolver(f, 1, cfg)
	require.NoError(t, err)

	sol, err := s.Solve(mat.NewVecDense(1, []float64{1}), 0, 1)
	require.Error(t, err)

	var ufErr *StepUnderflowError
	require.True(t, errors.As(err, &ufErr))
	assert.Equal(t, 0.0, ufErr.T)
	assert.Greater(t, ufErr.Rejections, cfg.MaxRejections)
	require.NotNil(t, sol)
	assert.Equal(t, 1, len(sol.Records))
}

func TestSolveFixedGrid(t *testing.T) {
	cfg := decayConfig()
	s, err := NewSolver(decay, 1, cfg)
	require.NoError(t, err)

	grid := make([]float64, 101)
	for i := range grid {
		grid[i] = float64(i) * 0.01
	}
	sol, err := s.SolveFixedGrid(mat.NewVecDense(1, []float64{1}), grid)
	require.NoError(t, err)
	require.Equal(t, 101, len(sol.Records))
	assert.Equal(t, 100, sol.Diag.Accepted)

	final := sol.Records[100].Filtered
	assert.InDelta(t, math.Exp(-1), final.Solution().AtVec(0), 1e-4)
}

func TestSolveFixedGridErrors(t *testing.T) {
	s, err := NewSolver(decay, 1, DefaultConfig())
	require.NoError(t, err)
	u0 := mat.NewVecDense(1, []float64{1})

	if _, err := s.SolveFixedGrid(u0, []float64{0}); err == nil {
		t.Fatal("single-point grid does not fail")
	}
	if _, err := s.SolveFixedGrid(u0, []float64{0, 0.5, 0.5}); err == nil {
		t.Fatal("stalled grid does not fail")
	}
	if _, err := s.SolveFixedGrid(mat.NewVecDense(2, nil), []float64{0, 1}); err == nil {
		t.Fatal("u0 of wrong length does not fail")
	}
}
