package probdiffeq

import (
	"io"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// VectorField is the right-hand side f of the IVP u' = f(t, u). It must write
// f(t, u) into fu, which is pre-allocated with the state dimension.
type VectorField func(t float64, u, fu *mat.VecDense)

// Jacobian evaluates ∂f/∂u at (t, u) into the pre-allocated d×d matrix jac.
// Required by the first-order linearization only.
type Jacobian func(t float64, u *mat.VecDense, jac *mat.Dense)

// Linearization selects how the ODE residual u' - f(t,u) is linearized in the
// correction step. The set is closed by design: the numerical core dispatches
// on the tag, not on open-ended interfaces.
type Linearization uint8

const (
	// TS0 evaluates f at the predicted mean only, ignoring local curvature.
	// This zeroth-order Taylor linearization is the defining approximation
	// of the filter family and the default.
	TS0 Linearization = iota
	// TS1 linearizes with the Jacobian of f, the extended-Kalman-filter
	// style correction. Requires Config.Jacobian.
	TS1
)

func (l Linearization) String() string {
	switch l {
	case TS0:
		return "ts0"
	case TS1:
		return "ts1"
	}
	return "unknown"
}

// Calibration selects how the process-noise diffusion scale is estimated.
type Calibration uint8

const (
	// CalibrationGlobal accumulates whitened residual statistics over the
	// whole solve and rescales the final posterior once. Cheap and stable,
	// but cannot correct mid-solve step-size decisions.
	CalibrationGlobal Calibration = iota
	// CalibrationDynamic re-estimates the scale at every step and feeds it
	// into that step's extrapolation, so mis-calibration self-corrects
	// within the solve.
	CalibrationDynamic
	// CalibrationNone keeps the configured diffusion untouched.
	CalibrationNone
)

func (c Calibration) String() string {
	switch c {
	case CalibrationGlobal:
		return "global"
	case CalibrationDynamic:
		return "dynamic"
	case CalibrationNone:
		return "none"
	}
	return "unknown"
}

// Config collects all solver options. Zero values of the numeric fields are
// replaced by the defaults below; use DefaultConfig as a starting point.
type Config struct {
	// Order is the smoothness order q of the integrated Wiener process
	// prior, i.e. the number of tracked derivatives. Must be at least 1 so
	// that the ODE residual u' - f(t,u) is observable.
	Order int

	// Linearization selects the correction strategy (TS0 or TS1).
	Linearization Linearization

	// Jacobian of the vector field; required iff Linearization is TS1.
	Jacobian Jacobian

	// Calibration selects the diffusion-scale estimation mode.
	Calibration Calibration

	// Diffusion is the per-dimension process diffusion σ. Defaults to ones.
	Diffusion []float64

	// RTol and ATol are the relative and absolute tolerances of the step
	// controller.
	RTol, ATol float64

	// DtMin and DtMax bound the step size. DtMax defaults to unbounded.
	DtMin, DtMax float64

	// InitialDt is the first step size. Zero selects the starting-step
	// heuristic.
	InitialDt float64

	// Safety, FactorMin, FactorMax and PIGain parameterize the
	// proportional-integral step controller.
	Safety, FactorMin, FactorMax, PIGain float64

	// MaxRejections bounds the consecutive rejections of a single step once
	// at least one step has been accepted; the search for a feasible first
	// step is bounded by DtMin alone.
	MaxRejections int

	// MaxSteps bounds the total number of accepted steps.
	MaxSteps int

	// TaylorCoefficients optionally pins the derivatives of the solution at
	// t0 exactly, starting at derivative 1 (u0 itself is always pinned, and
	// f(t0, u0) is used for derivative 1 when no coefficients are given).
	TaylorCoefficients []*mat.VecDense

	// InitStdDev is the prior standard deviation of the initial derivatives
	// that are not pinned. Effectively diffuse by default; the first
	// corrections pin them quickly.
	InitStdDev float64

	// Logger receives per-step debug records and rejection warnings.
	// Defaults to a discarding logger.
	Logger logrus.FieldLogger
}

// DefaultConfig returns the default solver configuration: a second-order TS0
// filter with global calibration.
func DefaultConfig() Config {
	return Config{
		Order:         2,
		Linearization: TS0,
		Calibration:   CalibrationGlobal,
		RTol:          1e-3,
		ATol:          1e-6,
		DtMin:         1e-12,
		DtMax:         math.MaxFloat64,
		Safety:        0.95,
		FactorMin:     0.2,
		FactorMax:     10.0,
		PIGain:        0.1,
		MaxRejections: 10,
		MaxSteps:      100000,
		InitStdDev:    1e3,
	}
}

// normalize fills zero-valued numeric fields with their defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.RTol == 0 {
		c.RTol = def.RTol
	}
	if c.ATol == 0 {
		c.ATol = def.ATol
	}
	if c.DtMin == 0 {
		c.DtMin = def.DtMin
	}
	if c.DtMax == 0 {
		c.DtMax = def.DtMax
	}
	if c.Safety == 0 {
		c.Safety = def.Safety
	}
	if c.FactorMin == 0 {
		c.FactorMin = def.FactorMin
	}
	if c.FactorMax == 0 {
		c.FactorMax = def.FactorMax
	}
	if c.PIGain == 0 {
		c.PIGain = def.PIGain
	}
	if c.MaxRejections == 0 {
		c.MaxRejections = def.MaxRejections
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = def.MaxSteps
	}
	if c.InitStdDev == 0 {
		c.InitStdDev = def.InitStdDev
	}
	if c.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		c.Logger = l
	}
}

// validate checks the configuration eagerly, before any stepping happens.
func (c *Config) validate(dim int) error {
	if dim < 1 {
		return configError("state dimension must be positive, got %d", dim)
	}
	if c.Order < 1 {
		return configError("smoothness order must be at least 1, got %d", c.Order)
	}
	if c.Linearization != TS0 && c.Linearization != TS1 {
		return configError("unknown linearization %d", c.Linearization)
	}
	if c.Linearization == TS1 && c.Jacobian == nil {
		return configError("first-order linearization requires a Jacobian")
	}
	switch c.Calibration {
	case CalibrationGlobal, CalibrationDynamic, CalibrationNone:
	default:
		return configError("unknown calibration mode %d", c.Calibration)
	}
	if c.RTol <= 0 || c.ATol <= 0 {
		return configError("tolerances must be positive, got rtol=%g atol=%g", c.RTol, c.ATol)
	}
	if c.DtMin <= 0 || c.DtMax <= c.DtMin {
		return configError("step bounds must satisfy 0 < dt_min < dt_max, got [%g, %g]", c.DtMin, c.DtMax)
	}
	if c.Safety <= 0 || c.Safety >= 1 {
		return configError("safety factor must be in (0, 1), got %g", c.Safety)
	}
	if c.FactorMin <= 0 || c.FactorMax <= 1 || c.FactorMin >= 1 {
		return configError("step factors must satisfy 0 < min < 1 < max, got [%g, %g]", c.FactorMin, c.FactorMax)
	}
	if c.PIGain < 0 {
		return configError("PI gain must be non-negative, got %g", c.PIGain)
	}
	if len(c.TaylorCoefficients) > c.Order {
		return configError("got %d Taylor coefficients for order %d", len(c.TaylorCoefficients), c.Order)
	}
	for i, tc := range c.TaylorCoefficients {
		if err := checkVecDims(tc, "Taylor coefficient", dim); err != nil {
			return configError("coefficient %d: %v", i+1, err)
		}
	}
	if c.Diffusion != nil && len(c.Diffusion) != dim {
		return configError("diffusion vector has length %d, want %d", len(c.Diffusion), dim)
	}
	return nil
}
