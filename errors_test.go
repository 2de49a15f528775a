package probdiffeq

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestCheckVecDims(t *testing.T) {
	assert.Error(t, checkVecDims(nil, "x", 2))
	assert.Error(t, checkVecDims(mat.NewVecDense(3, nil), "x", 2))
	assert.NoError(t, checkVecDims(mat.NewVecDense(2, nil), "x", 2))

	err := checkVecDims(mat.NewVecDense(3, nil), "u0", 2)
	assert.Contains(t, err.Error(), "u0")
	assert.Contains(t, err.Error(), "dimensions must agree")
}

func TestErrorStrings(t *testing.T) {
	uf := &StepUnderflowError{T: 1.5, Rejections: 11}
	if !strings.Contains(uf.Error(), "t=1.5") {
		t.Fatalf("unexpected message %q", uf.Error())
	}
	assert.Contains(t, uf.Error(), "11")

	ms := &MaxStepsError{T: 0.5, Steps: 100}
	assert.Contains(t, ms.Error(), "100")
	assert.Contains(t, ms.Error(), "t=0.5")
}
