package tkmodel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
)

// DefaultHaematocrit is the blood haematocrit used to convert blood to plasma concentration
const DefaultHaematocrit = 0.42

// AIF supplies arterial plasma concentration in mM at time t in minutes.
// Implementations are read-only after construction and safe for concurrent use.
type AIF interface {
	Plasma(t float64) float64
}

// Parker population AIF constants (Parker et al., MRM 2006), times in minutes
const (
	parkerA1     = 0.809
	parkerA2     = 0.330
	parkerT1     = 0.17046
	parkerT2     = 0.365
	parkerSigma1 = 0.0563
	parkerSigma2 = 0.132
	parkerAlpha  = 1.050
	parkerBeta   = 0.1685
	parkerS      = 38.078
	parkerTau    = 0.483
)

// PopulationAIF is the Parker population AIF starting at the injection time
type PopulationAIF struct {
	injectionTime float64
	hct           float64
}

// NewPopulationAIF creates a population AIF for a bolus injected at
// injectionTime minutes
func NewPopulationAIF(injectionTime, hct float64) (*PopulationAIF, error) {
	if !(hct >= 0 && hct < 1) {
		return nil, fmt.Errorf("haematocrit %g outside [0, 1)", hct)
	}
	return &PopulationAIF{injectionTime: injectionTime, hct: hct}, nil
}

// Plasma returns the plasma concentration at time t
func (a *PopulationAIF) Plasma(t float64) float64 {
	t -= a.injectionTime
	if t < 0 {
		return 0
	}
	g1 := parkerA1 / (parkerSigma1 * math.Sqrt(2*math.Pi)) *
		math.Exp(-(t-parkerT1)*(t-parkerT1)/(2*parkerSigma1*parkerSigma1))
	g2 := parkerA2 / (parkerSigma2 * math.Sqrt(2*math.Pi)) *
		math.Exp(-(t-parkerT2)*(t-parkerT2)/(2*parkerSigma2*parkerSigma2))
	sig := parkerAlpha * math.Exp(-parkerBeta*t) / (1 + math.Exp(-parkerS*(t-parkerTau)))
	return (g1 + g2 + sig) / (1 - a.hct)
}

// SampledAIF interpolates measured blood concentrations linearly between
// sample times. It is zero before the first sample and holds the last value
// after the final sample.
type SampledAIF struct {
	start  float64
	plasma interp.PiecewiseLinear
}

// NewSampledAIF creates an AIF from at least two blood concentration samples
// at strictly increasing times in minutes
func NewSampledAIF(times, blood []float64, hct float64) (*SampledAIF, error) {
	if len(times) < 2 || len(times) != len(blood) {
		return nil, fmt.Errorf("%d AIF times for %d values, need at least 2", len(times), len(blood))
	}
	if !(hct >= 0 && hct < 1) {
		return nil, fmt.Errorf("haematocrit %g outside [0, 1)", hct)
	}
	for i := 1; i < len(times); i++ {
		if !(times[i] > times[i-1]) {
			return nil, fmt.Errorf("AIF times not increasing at sample %d", i)
		}
	}
	plasma := make([]float64, len(blood))
	for i, b := range blood {
		plasma[i] = b / (1 - hct)
	}
	a := &SampledAIF{start: times[0]}
	if err := a.plasma.Fit(append([]float64(nil), times...), plasma); err != nil {
		return nil, fmt.Errorf("fitting AIF samples: %w", err)
	}
	return a, nil
}

// Plasma returns the interpolated plasma concentration at time t
func (a *SampledAIF) Plasma(t float64) float64 {
	if t < a.start {
		return 0
	}
	return a.plasma.Predict(t)
}
