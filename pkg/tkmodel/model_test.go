package tkmodel

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniformTimes(n int, dt float64) []float64 {
	times := make([]float64, n)
	for i := range times {
		times[i] = float64(i) * dt
	}
	return times
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"ETM", "NONE", "PATLAK", "TOFTS"}, Names())

	aif, err := NewPopulationAIF(0.5, DefaultHaematocrit)
	require.NoError(t, err)
	times := uniformTimes(20, 0.1)

	for _, name := range []string{"etm", "TOFTS", "Patlak", "none"} {
		m, err := New(name, aif, times, Options{})
		require.NoError(t, err, name)
		assert.Len(t, m.CtModel(), len(times))
	}

	_, err = New("2CXM", aif, times, Options{})
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, err = New("ETM", nil, times, Options{})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestOptions(t *testing.T) {
	aif, _ := NewPopulationAIF(0, DefaultHaematocrit)
	times := uniformTimes(10, 0.1)

	m, err := NewETM(aif, times, Options{
		ParamNames:    []string{"Ktrans", "ve", "vp", "tau_a"},
		InitialParams: []float64{0.1, 0.3, 0.05, 0},
		FixedParams:   []bool{false, false, false, true},
		FixedValues:   []float64{0, 0, 0, 0.1},
		Bounds: []Bound{
			{},
			{Kind: BoundAbsolute, Lower: 0.1, Upper: 0.6},
			{Kind: BoundRelative, Lower: 0.05, Upper: 0.1},
			{},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []float64{0.1, 0.3, 0.05, 0.1}, m.Params())
	assert.Equal(t, 3, m.NumFree())
	assert.Equal(t, []float64{0.1, 0.3, 0.05}, m.FreeParams())

	lower, upper := m.FreeBounds()
	assert.Equal(t, []float64{0, 0.1, 0}, lower)
	assert.InDeltaSlice(t, []float64{10, 0.6, 0.15}, upper, 1e-12)

	m.SetFreeParams([]float64{0.5, 0.4, 0.02})
	assert.Equal(t, []float64{0.5, 0.4, 0.02, 0.1}, m.Params())
	require.NoError(t, m.CheckParams())

	m.SetFreeParams([]float64{0.5, 0.7, 0.02})
	assert.ErrorIs(t, m.CheckParams(), ErrInvalidParam)

	m.Reset()
	assert.Equal(t, []float64{0.1, 0.3, 0.05, 0.1}, m.Params())
}

func TestOptionsMismatch(t *testing.T) {
	aif, _ := NewPopulationAIF(0, DefaultHaematocrit)
	times := uniformTimes(10, 0.1)

	bad := []Options{
		{InitialParams: []float64{0.1, 0.2}},
		{FixedParams: []bool{true}},
		{ParamNames: []string{"Ktrans", "vp", "ve", "tau_a"}},
		{Bounds: []Bound{{Kind: BoundAbsolute, Lower: 1, Upper: 0}, {}, {}, {}}},
	}
	for i, opts := range bad {
		_, err := NewETM(aif, times, opts)
		assert.Truef(t, errors.Is(err, ErrInvalidOptions), "case %d: got %v", i, err)
	}
}

func TestCloneIndependent(t *testing.T) {
	aif, _ := NewPopulationAIF(0.3, DefaultHaematocrit)
	times := uniformTimes(30, 0.1)
	m, err := NewTofts(aif, times, Options{})
	require.NoError(t, err)
	m.ComputeCtModel(len(times))

	c := m.Clone()
	c.SetFreeParams([]float64{1, 0.5})
	c.ComputeCtModel(len(times))

	assert.Equal(t, []float64{0.2, 0.2}, m.Params())
	assert.NotEqual(t, m.CtModel()[20], c.CtModel()[20])
}

func TestToftsLimits(t *testing.T) {
	aif, _ := NewPopulationAIF(0.2, DefaultHaematocrit)
	times := uniformTimes(200, 0.05)

	// With a large ve and small Ktrans, tissue concentration is close to
	// Ktrans times the AIF integral
	m, _ := NewTofts(aif, times, Options{InitialParams: []float64{0.001, 1}})
	m.ComputeCtModel(len(times))
	integral := 0.0
	for i := 1; i < len(times); i++ {
		integral += 0.5 * (times[i] - times[i-1]) * (aif.Plasma(times[i]) + aif.Plasma(times[i-1]))
	}
	last := m.CtModel()[len(times)-1]
	assert.InEpsilon(t, 0.001*integral, last, 0.02)

	// ETM with Ktrans zero is vp times the AIF
	e, _ := NewETM(aif, times, Options{InitialParams: []float64{0, 0.2, 0.1, 0}})
	e.ComputeCtModel(len(times))
	for i, c := range e.CtModel() {
		assert.InDelta(t, 0.1*aif.Plasma(times[i]), c, 1e-12)
	}
}

func TestComputeCtModelPartial(t *testing.T) {
	aif, _ := NewPopulationAIF(0.1, DefaultHaematocrit)
	times := uniformTimes(10, 0.1)
	p, _ := NewPatlak(aif, times, Options{})
	p.ComputeCtModel(4)
	for i := 4; i < len(times); i++ {
		assert.Equal(t, 0.0, p.CtModel()[i])
	}
	assert.Greater(t, p.CtModel()[3], 0.0)
}

func TestAIF(t *testing.T) {
	pop, err := NewPopulationAIF(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, pop.Plasma(0.5))
	assert.Greater(t, pop.Plasma(1+parkerT1), 3.0)

	_, err = NewPopulationAIF(0, 1)
	assert.Error(t, err)

	s, err := NewSampledAIF([]float64{0, 1, 2}, []float64{0, 2, 4}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Plasma(-1))
	assert.InDelta(t, 2.0, s.Plasma(0.5), 1e-12)
	assert.InDelta(t, 4.0, s.Plasma(1), 1e-12)
	assert.InDelta(t, 8.0, s.Plasma(5), 1e-12)

	_, err = NewSampledAIF([]float64{0, 0}, []float64{1, 1}, 0)
	assert.Error(t, err)
	_, err = NewSampledAIF([]float64{0}, []float64{1}, 0)
	assert.Error(t, err)

	shifted, err := NewSampledAIF([]float64{1, 3}, []float64{2, 6}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, shifted.Plasma(0.99))
	assert.InDelta(t, 2.0, shifted.Plasma(1), 1e-12)
	assert.InDelta(t, 3.0, shifted.Plasma(1.5), 1e-12)
	assert.InDelta(t, 6.0, shifted.Plasma(3), 1e-12)
	assert.False(t, math.IsNaN(pop.Plasma(100)))
}
