package probdiffeq

// Smooth runs the fixed-interval Rauch-Tung-Striebel backward recursion over
// the retained records and returns the smoothed beliefs, one per record in
// the same order. The smoothing posterior conditions on the entire trajectory
// rather than only the past, so its covariance never exceeds the filtered one
// in the Loewner order.
//
// The recursion consumes only the backward models stored during the forward
// pass: it neither re-runs the filter nor mutates the records, so repeated
// calls on an unchanged solution are bit-identical. The result is cached.
func (sol *Solution) Smooth() []Normal {
	if sol.smoothed != nil {
		return sol.smoothed
	}
	n := len(sol.Records)
	if n == 0 {
		return nil
	}
	smoothed := make([]Normal, n)
	smoothed[n-1] = sol.Records[n-1].Filtered
	for i := n - 2; i >= 0; i-- {
		smoothed[i] = sol.Records[i+1].Backward.Apply(smoothed[i+1])
	}
	sol.smoothed = smoothed
	return smoothed
}
