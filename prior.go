package probdiffeq

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// IWP is a q-times integrated Wiener process prior over a d-dimensional
// solution: the continuous-time Gauss-Markov process whose state stacks the
// solution and its first q derivatives. Its discrete-time transition is known
// in closed form for any step size, so no per-step numerical integration (or
// Van Loan matrix exponential) is needed.
//
// The transition is assembled from a dt-independent unit system: the unit
// noise covariance is the Hilbert-style matrix Q̄ᵢⱼ = 1/(2q+1-i-j), factorized
// once at construction, and the step size enters through the diagonal
// preconditioner pᵢ = √dt·dt^(q-i)/(q-i)!. This keeps the factors well
// conditioned across many orders of magnitude of dt.
type IWP struct {
	q, d      int
	unitQSqrt *mat.TriDense // Cholesky factor of Q̄, (q+1)x(q+1)
	diffusion []float64     // per-dimension diffusion σ, length d
}

// NewIWP returns a new integrated Wiener process prior of smoothness order q
// over d state dimensions, with unit diffusion.
func NewIWP(order, dim int) (*IWP, error) {
	if order < 0 {
		return nil, configError("smoothness order must be non-negative, got %d", order)
	}
	if dim < 1 {
		return nil, configError("state dimension must be positive, got %d", dim)
	}
	n := order + 1
	unit := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			unit.SetSym(i, j, 1/float64(2*order+1-i-j))
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(unit); !ok {
		return nil, configError("unit process noise is numerically singular at order %d", order)
	}
	l := mat.NewTriDense(n, mat.Lower, nil)
	chol.LTo(l)

	diffusion := make([]float64, dim)
	for i := range diffusion {
		diffusion[i] = 1
	}
	return &IWP{q: order, d: dim, unitQSqrt: l, diffusion: diffusion}, nil
}

// SetDiffusion sets the per-dimension diffusion vector σ. A single shared
// value models an isotropic process; distinct values decouple the scales of
// independent components.
func (p *IWP) SetDiffusion(σ []float64) error {
	if len(σ) != p.d {
		return configError("diffusion vector has length %d, want %d", len(σ), p.d)
	}
	for i, s := range σ {
		if s <= 0 || math.IsNaN(s) {
			return configError("diffusion[%d] must be positive, got %g", i, s)
		}
	}
	copy(p.diffusion, σ)
	return nil
}

// Order returns the smoothness order q.
func (p *IWP) Order() int { return p.q }

// Dim returns the number of state dimensions d.
func (p *IWP) Dim() int { return p.d }

// StateDim returns the full state dimension (q+1)·d.
func (p *IWP) StateDim() int { return (p.q + 1) * p.d }

// Transition returns the state-transition matrix A(dt) and the
// lower-triangular square-root factor of the process-noise increment
// Qsqrt(dt), both of size (q+1)d. The state ordering is derivative-major:
// index i·d+k holds derivative i of dimension k.
//
// The transition satisfies the semigroup law exactly: composing the returned
// matrices for dt1 and dt2 is equivalent, in mean and covariance, to a single
// transition over dt1+dt2.
func (p *IWP) Transition(dt float64) (*mat.Dense, *mat.TriDense, error) {
	if dt <= 0 || math.IsNaN(dt) {
		return nil, nil, configError("step size must be positive, got %g", dt)
	}
	n := p.q + 1
	D := n * p.d

	// A(dt)ᵢⱼ = dt^(j-i)/(j-i)! on each dimension's diagonal block.
	a := mat.NewDense(D, D, nil)
	for i := 0; i < n; i++ {
		fact := 1.0
		for j := i; j < n; j++ {
			if j > i {
				fact *= float64(j - i)
			}
			v := math.Pow(dt, float64(j-i)) / fact
			for k := 0; k < p.d; k++ {
				a.Set(i*p.d+k, j*p.d+k, v)
			}
		}
	}

	// Qsqrt(dt) = diag(p)·L̄ per dimension, scaled by the diffusion.
	precond := p.preconditioner(dt)
	qs := mat.NewTriDense(D, mat.Lower, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			v := precond[i] * p.unitQSqrt.At(i, j)
			for k := 0; k < p.d; k++ {
				qs.SetTri(i*p.d+k, j*p.d+k, p.diffusion[k]*v)
			}
		}
	}
	return a, qs, nil
}

// preconditioner returns the diagonal pᵢ = √dt·dt^(q-i)/(q-i)!.
func (p *IWP) preconditioner(dt float64) []float64 {
	n := p.q + 1
	scales := make([]float64, n)
	sqdt := math.Sqrt(dt)
	for i := 0; i < n; i++ {
		fact := 1.0
		for m := 2; m <= p.q-i; m++ {
			fact *= float64(m)
		}
		scales[i] = sqdt * math.Pow(dt, float64(p.q-i)) / fact
	}
	return scales
}

func (p *IWP) String() string {
	return fmt.Sprintf("IWP{q=%d, d=%d}", p.q, p.d)
}
