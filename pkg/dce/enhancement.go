package dce

import (
	"gonum.org/v1/gonum/stat"

	"dcefit/pkg/errortracker"
)

// EnhancementTest configures the test for contrast-agent uptake. A voxel
// enhances when its mean post-injection concentration exceeds the
// pre-injection mean by more than NoiseMultiplier pre-injection standard
// deviations plus MinimumIncrease.
type EnhancementTest struct {
	// Enabled runs the test; when false every voxel reads as enhancing
	Enabled bool

	// NoiseMultiplier scales the pre-injection standard deviation
	NoiseMultiplier float64

	// MinimumIncrease is an absolute concentration margin in mM
	MinimumIncrease float64
}

// DefaultEnhancementTest returns the test used when none is configured
func DefaultEnhancementTest() EnhancementTest {
	return EnhancementTest{Enabled: true, NoiseMultiplier: 2}
}

// TestEnhancing classifies the voxel as enhancing or not and sets the
// enhancing flag. A failing test sets status NonEnhancing, but only when the
// status was OK.
func (v *Voxel) TestEnhancing() {
	if !v.enhancementTest.Enabled {
		v.enhancing = true
		return
	}
	if v.status.Failed() {
		v.enhancing = false
		return
	}

	v.enhancing = v.enhancementTest.enhancing(v.ctData, v.injectionImg)
	if !v.enhancing {
		v.errCode |= errortracker.NonEnhIAUC
		if v.status == OK {
			v.status = NonEnhancing
		}
	}
}

func (e EnhancementTest) enhancing(ct []float64, injectionImg int) bool {
	if injectionImg >= len(ct) {
		return false
	}
	pre := ct[:injectionImg]
	post := ct[injectionImg:]

	var preMean, preSD float64
	switch len(pre) {
	case 0:
	case 1:
		preMean = pre[0]
	default:
		preMean, preSD = stat.MeanStdDev(pre, nil)
	}
	postMean := stat.Mean(post, nil)

	return postMean > preMean+e.NoiseMultiplier*preSD+e.MinimumIncrease
}
