package probdiffeq

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolateSpanErrors(t *testing.T) {
	sol := &Solution{}
	if _, err := sol.Interpolate(0.5); err == nil {
		t.Fatal("empty solution does not fail")
	}

	sol = solveDecay(t)
	if _, err := sol.Interpolate(-0.1); err == nil {
		t.Fatal("query before t0 does not fail")
	}
	if _, err := sol.Interpolate(2.5); err == nil {
		t.Fatal("query after t1 does not fail")
	}
}

func TestInterpolateAtGridPoint(t *testing.T) {
	sol := solveDecay(t)
	i := len(sol.Records) / 2
	b, err := sol.Interpolate(sol.Records[i].T)
	require.NoError(t, err)
	assert.True(t, b.Mean().AtVec(0) == sol.Records[i].Filtered.Mean().AtVec(0),
		"grid hit must return the stored belief")
}

func TestInterpolateOffGrid(t *testing.T) {
	sol := solveDecay(t)

	// Midpoints of a few interior intervals.
	for _, i := range []int{1, len(sol.Records) / 2, len(sol.Records) - 2} {
		tq := (sol.Records[i].T + sol.Records[i+1].T) / 2
		b, err := sol.Interpolate(tq)
		require.NoError(t, err)
		assert.InDelta(t, math.Exp(-tq), b.Solution().AtVec(0), 1e-3, "at t=%g", tq)
	}
}

func TestInterpolateUsesSmoothedBase(t *testing.T) {
	sol := solveDecay(t)
	i := len(sol.Records) / 2
	tq := (sol.Records[i].T + sol.Records[i+1].T) / 2

	before, err := sol.Interpolate(tq)
	require.NoError(t, err)
	sol.Smooth()
	after, err := sol.Interpolate(tq)
	require.NoError(t, err)

	// Both estimates are valid; the smoothed-base one still tracks the truth.
	assert.InDelta(t, math.Exp(-tq), before.Solution().AtVec(0), 1e-3)
	assert.InDelta(t, math.Exp(-tq), after.Solution().AtVec(0), 1e-3)
}
