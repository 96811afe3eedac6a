// Package dce holds the per-voxel DCE-MRI time-series data: conversion of
// dynamic signal to contrast-agent concentration, the enhancement test and
// IAUC computation.
package dce

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"dcefit/pkg/errortracker"
)

// Limits applied when converting signal to concentration. T1 values are in ms.
const (
	// T10Max is the largest plausible baseline T1
	T10Max = 6000.0

	// DynT1Max is the largest plausible dynamic T1
	DynT1Max = 1e6
)

var (
	// ErrInvalidVoxel is returned for inconsistent voxel construction inputs
	ErrInvalidVoxel = errors.New("invalid voxel data")

	// ErrNoSignal is returned when converting a voxel built from concentrations
	ErrNoSignal = errors.New("voxel has no signal data")
)

// Voxel holds the DCE time-series of a single voxel and the values derived
// from it. A Voxel is mutated in place by each stage and is not safe for
// concurrent use.
type Voxel struct {
	status  VoxelStatus
	errCode errortracker.ErrorCode

	stData []float64
	ctData []float64

	injectionImg int

	// dynamicTimings is shared by all voxels of a volume and never modified
	dynamicTimings []float64

	iaucTimes   []float64
	iaucVals    []float64
	iaucClamped []bool
	iaucAtPeak  bool

	enhancing       bool
	enhancementTest EnhancementTest

	m0Ratio bool
}

// Option configures a Voxel
type Option func(*Voxel)

// WithEnhancementTest sets the enhancement test applied by TestEnhancing
func WithEnhancementTest(e EnhancementTest) Option {
	return func(v *Voxel) { v.enhancementTest = e }
}

// WithM0Ratio selects the pre-bolus mean signal as the baseline in
// ComputeCtFromSignal instead of the supplied M0
func WithM0Ratio(flag bool) Option {
	return func(v *Voxel) { v.m0Ratio = flag }
}

// NewVoxel creates a voxel from either dynamic signals or precomputed
// concentrations; exactly one must be non-empty, with one sample per entry of
// dynamicTimings (minutes, strictly increasing). iaucTimes are in minutes
// after the anchor timepoint.
func NewVoxel(dynSignals, dynConc []float64, injectionImg int, dynamicTimings []float64,
	iaucTimes []float64, iaucAtPeak bool, opts ...Option) (*Voxel, error) {

	switch {
	case len(dynSignals) == 0 && len(dynConc) == 0:
		return nil, fmt.Errorf("neither signal nor concentration supplied: %w", ErrInvalidVoxel)
	case len(dynSignals) > 0 && len(dynConc) > 0:
		return nil, fmt.Errorf("both signal and concentration supplied: %w", ErrInvalidVoxel)
	}

	n := len(dynSignals) + len(dynConc)
	if n != len(dynamicTimings) {
		return nil, fmt.Errorf("%d samples for %d dynamic timings: %w", n, len(dynamicTimings), ErrInvalidVoxel)
	}
	if injectionImg < 0 || injectionImg >= n {
		return nil, fmt.Errorf("injection image %d outside [0, %d): %w", injectionImg, n, ErrInvalidVoxel)
	}
	for i := 1; i < n; i++ {
		if !(dynamicTimings[i] > dynamicTimings[i-1]) {
			return nil, fmt.Errorf("dynamic timings not increasing at %d: %w", i, ErrInvalidVoxel)
		}
	}

	v := &Voxel{
		status:          OK,
		injectionImg:    injectionImg,
		dynamicTimings:  dynamicTimings,
		iaucTimes:       append([]float64(nil), iaucTimes...),
		iaucAtPeak:      iaucAtPeak,
		enhancing:       true,
		enhancementTest: DefaultEnhancementTest(),
	}
	for _, opt := range opts {
		opt(v)
	}

	if len(dynSignals) > 0 {
		v.stData = append([]float64(nil), dynSignals...)
		v.ctData = make([]float64, n)
		for _, s := range v.stData {
			if math.IsNaN(s) || math.IsInf(s, 0) {
				v.errCode |= errortracker.DCEInvalidInput
				break
			}
		}
		return v, nil
	}

	v.ctData = append([]float64(nil), dynConc...)
	for _, c := range v.ctData {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			v.status = CaNaN
			v.errCode |= errortracker.CaIsNaN | errortracker.DCEInvalidInput
			break
		}
	}
	return v, nil
}

// ComputeCtFromSignal converts the signal time-series to contrast-agent
// concentration by inverting the spoiled gradient-echo signal equation.
//
// T1 is the baseline T1 in ms, FA the flip angle in degrees, TR the
// repetition time in ms, r1Const the relaxivity in /mM/s, M0 the baseline
// magnetisation, B1 the flip-angle correction factor, and timepoint0 the
// first image of the pre-bolus window used by the M0 ratio baseline.
//
// Failures set the voxel status, first failure wins: baseline T1/B1/M0 are
// checked before any timepoint, dynamic T1 in temporal order, then the
// finished curve is scanned for NaNs.
func (v *Voxel) ComputeCtFromSignal(T1, FA, TR, r1Const, M0, B1 float64, timepoint0 int) error {
	if len(v.stData) == 0 {
		return ErrNoSignal
	}
	if !(B1 > 0) || math.IsInf(B1, 0) {
		v.fail(T10Bad, errortracker.B1Invalid)
		return nil
	}
	if !(T1 > 0) || T1 > T10Max {
		v.fail(T10Bad, errortracker.T1MadValue)
		return nil
	}

	fa := FA * B1 * math.Pi / 180
	cosFA, sinFA := math.Cos(fa), math.Sin(fa)

	// scale maps each signal to S(t)/(M0 sin FA)
	var scale float64
	if v.m0Ratio {
		pbm, ok := v.prebolusMean(timepoint0)
		if !ok {
			v.fail(M0Bad, errortracker.M0Negative)
			return nil
		}
		e0 := math.Exp(-TR / T1)
		scale = (1 - e0) / ((1 - cosFA*e0) * pbm)
	} else {
		if !(M0 > 0) || math.IsInf(M0, 0) {
			v.fail(M0Bad, errortracker.M0Negative)
			return nil
		}
		scale = 1 / (M0 * sinFA)
	}

	r10 := 1000 / T1
	for i, st := range v.stData {
		t1, ok := dynamicT1(st*scale, cosFA, TR)
		if !ok {
			v.ctData[i] = 0
			v.fail(DynT1Bad, errortracker.DynT1Negative)
			continue
		}
		v.ctData[i] = (1000/t1 - r10) / r1Const
	}

	for _, c := range v.ctData {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			v.fail(CaNaN, errortracker.CaIsNaN)
			break
		}
	}
	return nil
}

// dynamicT1 solves the signal equation for T1 given the signal normalised by
// M0 sin(FA). It reports false when T1 is not positive, not finite, or above
// DynT1Max.
func dynamicT1(sM0, cosFA, TR float64) (float64, bool) {
	denom := 1 - sM0*cosFA
	if denom == 0 || math.IsNaN(sM0) {
		return 0, false
	}
	e1 := (1 - sM0) / denom
	if !(e1 > 0 && e1 < 1) {
		return 0, false
	}
	t1 := -TR / math.Log(e1)
	if !(t1 > 0) || math.IsInf(t1, 0) || t1 > DynT1Max {
		return 0, false
	}
	return t1, true
}

// prebolusMean averages the signal over [timepoint0, injectionImg), or uses
// the signal at timepoint0 when that window is empty
func (v *Voxel) prebolusMean(timepoint0 int) (float64, bool) {
	if timepoint0 < 0 || timepoint0 >= len(v.stData) {
		return 0, false
	}
	end := v.injectionImg
	if end <= timepoint0 {
		end = timepoint0 + 1
	}
	pbm := stat.Mean(v.stData[timepoint0:end], nil)
	return pbm, pbm > 0 && !math.IsInf(pbm, 0)
}

// fail records code and sets status if no earlier failure was recorded
func (v *Voxel) fail(status VoxelStatus, code errortracker.ErrorCode) {
	v.errCode |= code
	if !v.status.Failed() {
		v.status = status
	}
}

// Status returns the current voxel status
func (v *Voxel) Status() VoxelStatus { return v.status }

// ErrorCode returns the error flags raised by this voxel's stages
func (v *Voxel) ErrorCode() errortracker.ErrorCode { return v.errCode }

// StData returns the signal time-series. The slice must not be modified.
func (v *Voxel) StData() []float64 { return v.stData }

// CtData returns the concentration time-series. The slice must not be modified.
func (v *Voxel) CtData() []float64 { return v.ctData }

// DynamicTimings returns the shared dynamic timings in minutes
func (v *Voxel) DynamicTimings() []float64 { return v.dynamicTimings }

// InjectionImg returns the timepoint of bolus injection
func (v *Voxel) InjectionImg() int { return v.injectionImg }

// IAUCTimes returns the times, in minutes, at which IAUC is computed
func (v *Voxel) IAUCTimes() []float64 { return v.iaucTimes }

// IAUCValues returns IAUC values aligned with IAUCTimes
func (v *Voxel) IAUCValues() []float64 { return v.iaucVals }

// IAUCClamped reports, per IAUC time, whether the time ran past the end of
// the acquisition and was clamped to the last timepoint
func (v *Voxel) IAUCClamped() []bool { return v.iaucClamped }

// Enhancing returns true if the voxel is enhancing, or if the enhancement
// test is disabled
func (v *Voxel) Enhancing() bool {
	if !v.enhancementTest.Enabled {
		return true
	}
	return v.enhancing
}
