package dce

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var approx = cmpopts.EquateApprox(0, 1e-12)

// linearRise rises from 0 at t=1 (injection) to peak at t=4, then plateaus
func linearRise(peak float64) ([]float64, []float64) {
	times := []float64{0, 1, 2, 3, 4, 5}
	conc := []float64{0, 0, peak / 3, 2 * peak / 3, peak, peak}
	return times, conc
}

func TestComputeIAUC(t *testing.T) {
	const peak = 2.4
	times, conc := linearRise(peak)

	v, err := NewVoxel(nil, conc, 1, times, []float64{3, 1.5, 0, 10}, false)
	if err != nil {
		t.Fatalf("NewVoxel failed: %v", err)
	}
	v.ComputeIAUC()

	want := []float64{
		peak * 3 / 2,      // triangle P*T/2
		peak / 3 * 1.125,  // interpolated end point
		0,                 // zero duration
		peak*3/2 + peak*1, // clamped to the last timepoint
	}
	if diff := cmp.Diff(want, v.IAUCValues(), approx); diff != "" {
		t.Errorf("IAUC mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{false, false, false, true}, v.IAUCClamped()); diff != "" {
		t.Errorf("clamp flags mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeIAUCAtPeak(t *testing.T) {
	times, conc := linearRise(3)
	v, _ := NewVoxel(nil, conc, 1, times, []float64{1}, true)
	v.ComputeIAUC()
	if diff := cmp.Diff([]float64{3}, v.IAUCValues(), approx); diff != "" {
		t.Errorf("IAUC at peak mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeIAUCIdempotent(t *testing.T) {
	times, conc := linearRise(1.7)
	v, _ := NewVoxel(nil, conc, 1, times, []float64{0.5, 2.5, 4}, false)
	v.ComputeIAUC()
	first := append([]float64(nil), v.IAUCValues()...)
	v.ComputeIAUC()
	if diff := cmp.Diff(first, v.IAUCValues()); diff != "" {
		t.Errorf("repeat IAUC differs (-first +second):\n%s", diff)
	}
}

func TestComputeIAUCFailedVoxel(t *testing.T) {
	times, _ := linearRise(1)
	v, _ := NewVoxel([]float64{1, 1, 2, 2, 2, 2}, nil, 1, times, []float64{1, 2}, false)
	v.ComputeCtFromSignal(0, testFA, testTR, testR1, testM0, 1, 0)
	if v.Status() != T10Bad {
		t.Fatalf("Expected T10_BAD, got %v", v.Status())
	}
	v.ComputeIAUC()
	if diff := cmp.Diff([]float64{0, 0}, v.IAUCValues()); diff != "" {
		t.Errorf("failed voxel should have unset IAUC (-want +got):\n%s", diff)
	}
}

// TestComputeIAUCUnevenTimings interpolates the end point inside a falling
// segment of a non-uniformly sampled curve
func TestComputeIAUCUnevenTimings(t *testing.T) {
	times := []float64{0, 0.5, 2}
	conc := []float64{0, 2, 0.5}
	v, err := NewVoxel(nil, conc, 1, times, []float64{0.75, 1.5}, false)
	if err != nil {
		t.Fatalf("NewVoxel failed: %v", err)
	}
	v.ComputeIAUC()

	// C(1.25) = 1.25 by linear interpolation between t=0.5 and t=2
	want := []float64{0.75 * (2 + 1.25) / 2, 1.5 * (2 + 0.5) / 2}
	if diff := cmp.Diff(want, v.IAUCValues(), approx); diff != "" {
		t.Errorf("IAUC mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeIAUCSingleTimepoint(t *testing.T) {
	v, err := NewVoxel(nil, []float64{1}, 0, []float64{0}, []float64{1}, false)
	if err != nil {
		t.Fatalf("NewVoxel failed: %v", err)
	}
	v.ComputeIAUC()
	if diff := cmp.Diff([]float64{0}, v.IAUCValues()); diff != "" {
		t.Errorf("single timepoint IAUC mismatch (-want +got):\n%s", diff)
	}
	if !v.IAUCClamped()[0] {
		t.Error("Expected the end point to be clamped")
	}
}
