package probdiffeq

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// configError reports an invalid solver or prior configuration. Configuration
// is validated eagerly, before any stepping happens.
func configError(format string, args ...interface{}) error {
	return fmt.Errorf("probdiffeq: config: "+format, args...)
}

// StepUnderflowError is returned when repeated step rejections drive the step
// size below the configured minimum without a single acceptance. It carries
// the furthest time reached and the last accepted belief so that partial
// progress is not discarded.
type StepUnderflowError struct {
	T          float64
	State      Normal
	Rejections int
}

func (e *StepUnderflowError) Error() string {
	return fmt.Sprintf("probdiffeq: step size underflow at t=%g after %d consecutive rejections", e.T, e.Rejections)
}

// MaxStepsError is returned when the solve loop exceeds the configured total
// step budget before reaching t1. Like StepUnderflowError it carries the
// furthest point reached.
type MaxStepsError struct {
	T     float64
	State Normal
	Steps int
}

func (e *MaxStepsError) Error() string {
	return fmt.Sprintf("probdiffeq: exceeded %d steps at t=%g", e.Steps, e.T)
}

// checkVecDims checks that the vector has the expected length. Returns an
// error if not.
func checkVecDims(v *mat.VecDense, name string, want int) error {
	if v == nil {
		return configError("%s must not be nil", name)
	}
	if got := v.Len(); got != want {
		return configError("dimensions must agree: %s has length %d, want %d", name, got, want)
	}
	return nil
}
