package tkmodel

import (
	"fmt"
	"math"
)

// None is the empty model. It has no parameters and models zero
// concentration, for runs that only need model-free outputs.
type None struct {
	params
	curve
}

// NewNone creates the empty model
func NewNone(aif AIF, times []float64, opts Options) (*None, error) {
	p, err := newParams(nil, opts)
	if err != nil {
		return nil, err
	}
	return &None{params: p, curve: newCurve(aif, times)}, nil
}

func (m *None) ModelType() string { return "NONE" }

func (m *None) ComputeCtModel(nTimes int) {
	n := clampTimes(nTimes, len(m.ct))
	for i := 0; i < n; i++ {
		m.ct[i] = 0
	}
}

func (m *None) CheckParams() error { return nil }

func (m *None) Clone() Model {
	return &None{params: m.params.clone(), curve: m.curve.clone()}
}

// Tofts is the standard Tofts model with parameters Ktrans (/min) and ve
type Tofts struct {
	params
	curve
}

var toftsSpecs = []paramSpec{
	{name: "Ktrans", initial: 0.2, lower: 0, upper: 10},
	{name: "ve", initial: 0.2, lower: 1e-5, upper: 1},
}

// NewTofts creates a Tofts model
func NewTofts(aif AIF, times []float64, opts Options) (*Tofts, error) {
	p, err := newParams(toftsSpecs, opts)
	if err != nil {
		return nil, err
	}
	return &Tofts{params: p, curve: newCurve(aif, times)}, nil
}

func (m *Tofts) ModelType() string { return "TOFTS" }

func (m *Tofts) ComputeCtModel(nTimes int) {
	ktrans, ve := m.values[0], m.values[1]
	n := clampTimes(nTimes, len(m.ct))
	cp := m.plasma(0)
	convolveExp(m.times[:n], cp[:n], ktrans/ve, m.ct[:n])
	for i := 0; i < n; i++ {
		m.ct[i] *= ktrans
	}
}

func (m *Tofts) CheckParams() error {
	if err := m.checkBounds(); err != nil {
		return err
	}
	if !(m.values[1] > 0) {
		return fmt.Errorf("ve=%g must be positive: %w", m.values[1], ErrInvalidParam)
	}
	return nil
}

func (m *Tofts) Clone() Model {
	return &Tofts{params: m.params.clone(), curve: m.curve.clone()}
}

// ETM is the extended Tofts model with parameters Ktrans (/min), ve, vp and
// the AIF delay tau_a (min)
type ETM struct {
	params
	curve
}

var etmSpecs = []paramSpec{
	{name: "Ktrans", initial: 0.2, lower: 0, upper: 10},
	{name: "ve", initial: 0.2, lower: 1e-5, upper: 1},
	{name: "vp", initial: 0.2, lower: 0, upper: 1},
	{name: "tau_a", initial: 0, lower: -0.5, upper: 0.5},
}

// NewETM creates an extended Tofts model
func NewETM(aif AIF, times []float64, opts Options) (*ETM, error) {
	p, err := newParams(etmSpecs, opts)
	if err != nil {
		return nil, err
	}
	return &ETM{params: p, curve: newCurve(aif, times)}, nil
}

func (m *ETM) ModelType() string { return "ETM" }

func (m *ETM) ComputeCtModel(nTimes int) {
	ktrans, ve, vp, tau := m.values[0], m.values[1], m.values[2], m.values[3]
	n := clampTimes(nTimes, len(m.ct))
	cp := m.plasma(tau)
	convolveExp(m.times[:n], cp[:n], ktrans/ve, m.ct[:n])
	for i := 0; i < n; i++ {
		m.ct[i] = vp*cp[i] + ktrans*m.ct[i]
	}
}

func (m *ETM) CheckParams() error {
	if err := m.checkBounds(); err != nil {
		return err
	}
	if !(m.values[1] > 0) {
		return fmt.Errorf("ve=%g must be positive: %w", m.values[1], ErrInvalidParam)
	}
	return nil
}

func (m *ETM) Clone() Model {
	return &ETM{params: m.params.clone(), curve: m.curve.clone()}
}

// Patlak is the Patlak model with parameters Ktrans (/min), vp and the AIF
// delay tau_a (min)
type Patlak struct {
	params
	curve
}

var patlakSpecs = []paramSpec{
	{name: "Ktrans", initial: 0.05, lower: 0, upper: 10},
	{name: "vp", initial: 0.1, lower: 0, upper: 1},
	{name: "tau_a", initial: 0, lower: -0.5, upper: 0.5},
}

// NewPatlak creates a Patlak model
func NewPatlak(aif AIF, times []float64, opts Options) (*Patlak, error) {
	p, err := newParams(patlakSpecs, opts)
	if err != nil {
		return nil, err
	}
	return &Patlak{params: p, curve: newCurve(aif, times)}, nil
}

func (m *Patlak) ModelType() string { return "PATLAK" }

func (m *Patlak) ComputeCtModel(nTimes int) {
	ktrans, vp, tau := m.values[0], m.values[1], m.values[2]
	n := clampTimes(nTimes, len(m.ct))
	cp := m.plasma(tau)
	integral := 0.0
	for i := 0; i < n; i++ {
		if i > 0 {
			integral += 0.5 * (m.times[i] - m.times[i-1]) * (cp[i] + cp[i-1])
		}
		m.ct[i] = ktrans*integral + vp*cp[i]
	}
}

func (m *Patlak) CheckParams() error { return m.checkBounds() }

func (m *Patlak) Clone() Model {
	return &Patlak{params: m.params.clone(), curve: m.curve.clone()}
}

// convolveExp writes the trapezoidal convolution of cp with exp(-kep t) to dst
func convolveExp(times, cp []float64, kep float64, dst []float64) {
	if len(dst) == 0 {
		return
	}
	integral := 0.0
	dst[0] = 0
	for i := 1; i < len(dst); i++ {
		dt := times[i] - times[i-1]
		e := math.Exp(-kep * dt)
		integral = integral*e + 0.5*dt*(cp[i]+cp[i-1]*e)
		dst[i] = integral
	}
}
