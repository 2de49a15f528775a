package probdiffeq

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// controller is the proportional-integral step-size controller. The
// proportional part reacts to the current normalized error, the integral part
// to its trend; the clipping bounds prevent oscillatory or runaway step
// sizes.
type controller struct {
	safety    float64
	factorMin float64
	factorMax float64
	β         float64 // integral gain
	errOrder  float64 // local error order of the prior, q+1
	errPrev   float64 // previous accepted normalized error
}

func newController(cfg Config) *controller {
	return &controller{
		safety:    cfg.Safety,
		factorMin: cfg.FactorMin,
		factorMax: cfg.FactorMax,
		β:         cfg.PIGain,
		errOrder:  float64(cfg.Order + 1),
	}
}

// normalizedError folds the per-dimension error estimates into a single
// scalar against the tolerance budget: the RMS of errᵢ/(atol + rtol·|uᵢ|).
// A step is acceptable iff the result is at most 1.
func normalizedError(errs []float64, u *mat.VecDense, atol, rtol float64) float64 {
	scaled := make([]float64, len(errs))
	for k, e := range errs {
		scaled[k] = e / (atol + rtol*math.Abs(u.AtVec(k)))
	}
	return floats.Norm(scaled, 2) / math.Sqrt(float64(len(errs)))
}

// accept records an accepted step's error and proposes the next step size.
func (c *controller) accept(dt, errNorm float64) float64 {
	e := math.Max(errNorm, 1e-10)
	factor := c.safety * math.Pow(e, -1/c.errOrder)
	if c.errPrev > 0 {
		factor *= math.Pow(c.errPrev/e, c.β)
	}
	c.errPrev = e
	return dt * clip(factor, c.factorMin, c.factorMax)
}

// reject shrinks the step after a failed attempt. The proposal is never
// allowed to grow on rejection.
func (c *controller) reject(dt, errNorm float64) float64 {
	e := math.Max(errNorm, 1e-10)
	factor := c.safety * math.Pow(e, -1/c.errOrder)
	return dt * clip(factor, c.factorMin, 1)
}

func clip(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// initialStepSize is the classic starting-step heuristic: compare the scale
// of the state against the scale of its derivative, probe with one explicit
// Euler step, and balance against a crude second-derivative estimate.
func initialStepSize(f VectorField, t0 float64, u0 *mat.VecDense, order int, atol, rtol, dtMax float64) float64 {
	d := u0.Len()
	f0 := mat.NewVecDense(d, nil)
	f(t0, u0, f0)

	var dnf, dny float64
	for k := 0; k < d; k++ {
		sc := atol + rtol*math.Abs(u0.AtVec(k))
		dnf += math.Pow(f0.AtVec(k)/sc, 2)
		dny += math.Pow(u0.AtVec(k)/sc, 2)
	}

	var h float64
	if math.Min(dnf, dny) < 1e-10 {
		h = 1e-6
	} else {
		h = 1e-2 * math.Sqrt(dny/dnf)
	}
	h = math.Min(h, dtMax)

	// Explicit Euler probe.
	u2 := mat.NewVecDense(d, nil)
	u2.AddScaledVec(u0, h, f0)
	f2 := mat.NewVecDense(d, nil)
	f(t0+h, u2, f2)

	var der2 float64
	for k := 0; k < d; k++ {
		sc := atol + rtol*math.Abs(u0.AtVec(k))
		der2 += math.Pow((f2.AtVec(k)-f0.AtVec(k))/sc, 2)
	}
	der2 = math.Sqrt(der2) / h
	der12 := math.Max(der2, math.Sqrt(dnf))

	var h1 float64
	if der12 <= 1e-15 {
		h1 = math.Max(1e-6, h*1e-3)
	} else {
		h1 = math.Pow(1e-2/der12, 1/float64(order+1))
	}
	return math.Min(1e2*h, math.Min(h1, dtMax))
}
