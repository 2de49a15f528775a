package probdiffeq

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// calibrator tracks the process-noise diffusion scale across a solve. The
// prior's configured diffusion stays fixed; the calibrator produces the
// multiplicative scale applied on top of it.
//
// Dynamic mode: the quasi-MLE scale estimated from the current step's
// residual multiplies the process noise of that same step's covariance
// completion, so mis-calibration self-corrects immediately. Global mode:
// whitened residual energy is accumulated over all accepted steps and the
// final posterior is rescaled once after the solve.
type calibrator struct {
	mode Calibration

	// Dynamic state: the most recent non-degenerate scale.
	σ float64

	// Global sufficient statistics: per-step whitened residual energies.
	energies []float64
}

func newCalibrator(mode Calibration) *calibrator {
	return &calibrator{mode: mode, σ: 1}
}

// stepScale returns the diffusion scale for the current step's extrapolation,
// given the local quasi-MLE estimate σLocal. A residual of exactly zero (for
// instance a locally linear ODE component under TS1) would propose a zero
// scale and collapse the process noise, so the previous estimate is held
// instead.
func (c *calibrator) stepScale(σLocal float64) float64 {
	if c.mode != CalibrationDynamic {
		return 1
	}
	if σLocal <= 0 || math.IsNaN(σLocal) {
		return c.σ
	}
	c.σ = σLocal
	return c.σ
}

// accumulate records an accepted step's whitened residual magnitude for the
// global estimate.
func (c *calibrator) accumulate(whitened float64) {
	if c.mode != CalibrationGlobal {
		return
	}
	c.energies = append(c.energies, whitened*whitened)
}

// finalScale returns the maximum-likelihood scale for the whole solve: the
// root mean of the accumulated whitened residual energies. Returns 1 when
// nothing was accumulated.
func (c *calibrator) finalScale() float64 {
	if c.mode != CalibrationGlobal || len(c.energies) == 0 {
		return 1
	}
	s := math.Sqrt(stat.Mean(c.energies, nil))
	if s <= 0 || math.IsNaN(s) {
		return 1
	}
	return s
}
