package visualization

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestPlotCurves(t *testing.T) {
	times := []float64{0, 0.5, 1, 1.5, 2}
	curves := []Curve{
		{Label: "Ct(t)", Times: times, Values: []float64{0, 0, 0.4, 0.3, 0.25}},
		{Label: "ETM", Times: times, Values: []float64{0, 0.01, 0.38, 0.31, 0.26}},
	}

	filename := filepath.Join(t.TempDir(), "voxel_12.png")
	if err := PlotCurves("Voxel 12", curves, filename); err != nil {
		t.Fatalf("PlotCurves failed: %v", err)
	}
	info, err := os.Stat(filename)
	if err != nil {
		t.Fatalf("Expected plot file: %v", err)
	}
	if info.Size() == 0 {
		t.Error("Expected non-empty plot file")
	}
}

func TestPlotCurvesErrors(t *testing.T) {
	dir := t.TempDir()

	mismatched := []Curve{{Label: "bad", Times: []float64{0, 1}, Values: []float64{1}}}
	if err := PlotCurves("bad", mismatched, filepath.Join(dir, "a.png")); err == nil {
		t.Error("Expected error for mismatched curve lengths, got nil")
	}

	withNaN := []Curve{{Label: "nan", Times: []float64{0, 1}, Values: []float64{1, math.NaN()}}}
	if err := PlotCurves("nan", withNaN, filepath.Join(dir, "b.png")); err == nil {
		t.Error("Expected error for NaN values, got nil")
	}
}
