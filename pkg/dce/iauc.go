package dce

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/interp"
)

// ComputeIAUC integrates the concentration curve from the anchor timepoint to
// each requested IAUC time. The anchor is the injection image, or the
// concentration peak when the voxel was built with IAUC at peak. Requested
// times beyond the end of the acquisition are clamped to the last timepoint
// and flagged in IAUCClamped. Voxels with a hard failure status get zeros.
func (v *Voxel) ComputeIAUC() {
	v.iaucVals = make([]float64, len(v.iaucTimes))
	v.iaucClamped = make([]bool, len(v.iaucTimes))
	if v.status.Failed() || len(v.ctData) == 0 {
		return
	}

	anchor := v.injectionImg
	if v.iaucAtPeak {
		anchor = floats.MaxIdx(v.ctData)
	}
	// a single timepoint has no area, integrateFrom never needs the curve
	var curve interp.PiecewiseLinear
	if len(v.ctData) > 1 {
		if err := curve.Fit(v.dynamicTimings, v.ctData); err != nil {
			return
		}
	}
	for i, t := range v.iaucTimes {
		v.iaucVals[i], v.iaucClamped[i] = v.integrateFrom(&curve, anchor, t)
	}
}

// integrateFrom returns the trapezoidal integral of C(t) from timing[anchor]
// over duration minutes, and whether the end point had to be clamped. curve
// interpolates C(t) at an end point between timepoints.
func (v *Voxel) integrateFrom(curve *interp.PiecewiseLinear, anchor int, duration float64) (float64, bool) {
	times := v.dynamicTimings
	last := len(times) - 1
	start := times[anchor]
	end := start + duration

	clamped := false
	if end > times[last] {
		end = times[last]
		clamped = true
	}
	if end <= start {
		return 0, clamped
	}

	xs := []float64{start}
	ys := []float64{v.ctData[anchor]}
	j := anchor + 1
	for ; j <= last && times[j] <= end; j++ {
		xs = append(xs, times[j])
		ys = append(ys, v.ctData[j])
	}
	if xs[len(xs)-1] < end {
		xs = append(xs, end)
		ys = append(ys, curve.Predict(end))
	}
	if len(xs) < 2 {
		return 0, clamped
	}
	return integrate.Trapezoidal(xs, ys), clamped
}
