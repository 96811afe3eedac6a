package dce

import (
	"errors"
	"math"
	"testing"

	"dcefit/pkg/errortracker"
)

const (
	testT10 = 1000.0
	testM0  = 2000.0
	testFA  = 20.0
	testTR  = 3.5
	testR1  = 3.4
)

// spgrSignal returns the spoiled gradient-echo signal for concentration c
func spgrSignal(c, t10, m0, fa, tr, r1 float64) float64 {
	r := 1000/t10 + r1*c
	e := math.Exp(-tr * r / 1000)
	a := fa * math.Pi / 180
	return m0 * math.Sin(a) * (1 - e) / (1 - math.Cos(a)*e)
}

func testTimings(n int) []float64 {
	times := make([]float64, n)
	for i := range times {
		times[i] = float64(i) * 0.5
	}
	return times
}

// TestComputeCtFromSignalRoundTrip verifies both baseline methods recover the
// concentrations used to synthesise the signal
func TestComputeCtFromSignalRoundTrip(t *testing.T) {
	conc := []float64{0, 0, 0, 0.8, 1.2, 1.0, 0.9, 0.85}
	signals := make([]float64, len(conc))
	for i, c := range conc {
		signals[i] = spgrSignal(c, testT10, testM0, testFA, testTR, testR1)
	}

	for _, m0Ratio := range []bool{false, true} {
		v, err := NewVoxel(signals, nil, 3, testTimings(len(conc)), nil, false, WithM0Ratio(m0Ratio))
		if err != nil {
			t.Fatalf("NewVoxel failed: %v", err)
		}
		if err := v.ComputeCtFromSignal(testT10, testFA, testTR, testR1, testM0, 1.0, 0); err != nil {
			t.Fatalf("ComputeCtFromSignal failed: %v", err)
		}
		if v.Status() != OK {
			t.Fatalf("m0Ratio=%v: expected status OK, got %v", m0Ratio, v.Status())
		}
		for i, c := range v.CtData() {
			if math.Abs(c-conc[i]) > 1e-9 {
				t.Errorf("m0Ratio=%v: C[%d] expected %f, got %f", m0Ratio, i, conc[i], c)
			}
		}
	}
}

// TestComputeCtFromSignalMonotonic checks concentration does not decrease as
// signal increases within the valid range
func TestComputeCtFromSignalMonotonic(t *testing.T) {
	base := spgrSignal(0, testT10, testM0, testFA, testTR, testR1)
	prev := math.Inf(-1)
	for step := 0; step < 40; step++ {
		s := base * (0.5 + 0.05*float64(step))
		v, err := NewVoxel([]float64{base, s}, nil, 1, []float64{0, 1}, nil, false)
		if err != nil {
			t.Fatalf("NewVoxel failed: %v", err)
		}
		v.ComputeCtFromSignal(testT10, testFA, testTR, testR1, testM0, 1.0, 0)
		if v.Status() != OK {
			t.Fatalf("signal %f: unexpected status %v", s, v.Status())
		}
		c := v.CtData()[1]
		if c < prev {
			t.Errorf("signal %f: concentration %f below previous %f", s, c, prev)
		}
		prev = c
	}
}

func TestComputeCtFromSignalStatus(t *testing.T) {
	good := spgrSignal(0, testT10, testM0, testFA, testTR, testR1)
	bad := testM0 * 10

	tests := []struct {
		name     string
		signals  []float64
		t1, m0   float64
		b1, r1   float64
		m0Ratio  bool
		want     VoxelStatus
		wantCode errortracker.ErrorCode
	}{
		{"valid", []float64{good, good, good * 1.2}, testT10, testM0, 1, testR1, false, OK, errortracker.OK},
		{"zero T1", []float64{good, good, good}, 0, testM0, 1, testR1, false, T10Bad, errortracker.T1MadValue},
		{"implausible T1", []float64{good, good, good}, 1e5, testM0, 1, testR1, false, T10Bad, errortracker.T1MadValue},
		{"NaN T1", []float64{good, good, good}, math.NaN(), testM0, 1, testR1, false, T10Bad, errortracker.T1MadValue},
		{"zero M0", []float64{good, good, good}, testT10, 0, 1, testR1, false, M0Bad, errortracker.M0Negative},
		{"T1 before M0", []float64{good, good, good}, -1, -1, 1, testR1, false, T10Bad, errortracker.T1MadValue},
		{"invalid B1", []float64{good, good, good}, testT10, testM0, 0, testR1, false, T10Bad, errortracker.B1Invalid},
		{"zero prebolus", []float64{0, 0, good}, testT10, testM0, 1, testR1, true, M0Bad, errortracker.M0Negative},
		{"dynamic T1", []float64{good, bad, good}, testT10, testM0, 1, testR1, false, DynT1Bad, errortracker.DynT1Negative},
		{"zero relaxivity", []float64{good, good, good}, testT10, testM0, 1, 0, false, CaNaN, errortracker.CaIsNaN},
		{"NaN signal", []float64{good, math.NaN(), good}, testT10, testM0, 1, testR1, false, DynT1Bad, errortracker.DynT1Negative | errortracker.DCEInvalidInput},
		{"dynamic T1 before NaN", []float64{good, bad, good}, testT10, testM0, 1, 0, false, DynT1Bad, errortracker.DynT1Negative | errortracker.CaIsNaN},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := NewVoxel(tc.signals, nil, 2, testTimings(3), nil, false, WithM0Ratio(tc.m0Ratio))
			if err != nil {
				t.Fatalf("NewVoxel failed: %v", err)
			}
			v.ComputeCtFromSignal(tc.t1, testFA, testTR, tc.r1, tc.m0, tc.b1, 0)
			if v.Status() != tc.want {
				t.Errorf("Expected status %v, got %v", tc.want, v.Status())
			}
			if v.ErrorCode() != tc.wantCode {
				t.Errorf("Expected error code %v, got %v", tc.wantCode, v.ErrorCode())
			}
		})
	}
}

func TestNewVoxelValidation(t *testing.T) {
	times := testTimings(3)
	tests := []struct {
		name      string
		sig, conc []float64
		inj       int
		times     []float64
	}{
		{"no data", nil, nil, 0, times},
		{"both inputs", []float64{1, 2, 3}, []float64{1, 2, 3}, 0, times},
		{"length mismatch", []float64{1, 2}, nil, 0, times},
		{"injection out of range", []float64{1, 2, 3}, nil, 3, times},
		{"timings not increasing", []float64{1, 2, 3}, nil, 0, []float64{0, 1, 1}},
	}
	for _, tc := range tests {
		if _, err := NewVoxel(tc.sig, tc.conc, tc.inj, tc.times, nil, false); !errors.Is(err, ErrInvalidVoxel) {
			t.Errorf("%s: expected ErrInvalidVoxel, got %v", tc.name, err)
		}
	}

	v, err := NewVoxel(nil, []float64{0, 1, math.NaN()}, 1, times, nil, false)
	if err != nil {
		t.Fatalf("NewVoxel failed: %v", err)
	}
	if v.Status() != CaNaN {
		t.Errorf("Expected CA_NAN for NaN concentration input, got %v", v.Status())
	}
	if err := v.ComputeCtFromSignal(testT10, testFA, testTR, testR1, testM0, 1, 0); !errors.Is(err, ErrNoSignal) {
		t.Errorf("Expected ErrNoSignal, got %v", err)
	}
}

func TestTestEnhancing(t *testing.T) {
	times := testTimings(6)
	step := []float64{0, 0, 0, 1, 1, 1}
	flat := []float64{0.01, -0.01, 0.02, 0.0, 0.01, -0.01}

	v, _ := NewVoxel(nil, step, 3, times, nil, false)
	v.TestEnhancing()
	if !v.Enhancing() || v.Status() != OK {
		t.Errorf("Step curve: expected enhancing OK voxel, got enhancing=%v status=%v", v.Enhancing(), v.Status())
	}

	v, _ = NewVoxel(nil, flat, 3, times, nil, false)
	v.TestEnhancing()
	if v.Enhancing() || v.Status() != NonEnhancing {
		t.Errorf("Flat curve: expected non-enhancing, got enhancing=%v status=%v", v.Enhancing(), v.Status())
	}
	if !v.ErrorCode().Has(errortracker.NonEnhIAUC) {
		t.Errorf("Expected NON_ENH_IAUC flag, got %v", v.ErrorCode())
	}

	v, _ = NewVoxel(nil, flat, 3, times, nil, false, WithEnhancementTest(EnhancementTest{Enabled: false}))
	v.TestEnhancing()
	if !v.Enhancing() || v.Status() != OK {
		t.Errorf("Disabled test: expected enhancing OK voxel, got enhancing=%v status=%v", v.Enhancing(), v.Status())
	}

	v, _ = NewVoxel(nil, []float64{0, 0, 0, math.NaN(), 1, 1}, 3, times, nil, false)
	v.TestEnhancing()
	if v.Status() != CaNaN {
		t.Errorf("Enhancement test must not override CA_NAN, got %v", v.Status())
	}

	strict := EnhancementTest{Enabled: true, NoiseMultiplier: 2, MinimumIncrease: 5}
	v, _ = NewVoxel(nil, step, 3, times, nil, false, WithEnhancementTest(strict))
	v.TestEnhancing()
	if v.Enhancing() {
		t.Error("Expected step of 1 mM to fail a 5 mM minimum increase")
	}
}
