// Package tkmodel defines the tracer-kinetic model interface used by the
// fitter, the parameter and bound handling shared by all models, and the
// concrete model variants.
package tkmodel

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidParam is returned by CheckParams when a free parameter is
	// outside its bounds or not finite
	ErrInvalidParam = errors.New("invalid model parameter")

	// ErrInvalidOptions is returned for malformed model construction options
	ErrInvalidOptions = errors.New("invalid model options")
)

// Model is a tracer-kinetic model mapping an AIF and a parameter vector to a
// modelled concentration curve. A model holds mutable fit state and must not
// be shared between goroutines; use Clone for per-worker copies.
type Model interface {
	// ModelType returns the stable registry name of the model
	ModelType() string

	// ComputeCtModel fills CtModel for the first nTimes dynamic timepoints
	// from the current parameter values
	ComputeCtModel(nTimes int)

	// CheckParams returns an error wrapping ErrInvalidParam if any free
	// parameter is outside its bounds
	CheckParams() error

	// CtModel returns the modelled concentration buffer
	CtModel() []float64

	NumParams() int
	ParamNames() []string

	// Params returns a copy of all parameter values
	Params() []float64

	// NumFree returns the number of parameters optimised by a fit
	NumFree() int

	// FreeParams returns a copy of the free parameter values
	FreeParams() []float64

	// SetFreeParams sets the free parameter values in order
	SetFreeParams(free []float64)

	// FreeBounds returns the resolved lower and upper bounds of the free parameters
	FreeBounds() (lower, upper []float64)

	// Reset restores the initial parameter values
	Reset()

	// Clone returns an independent copy sharing only the read-only AIF and timings
	Clone() Model
}

// BoundKind selects how a Bound is interpreted
type BoundKind int

const (
	// BoundDefault uses the model's own absolute bounds
	BoundDefault BoundKind = iota

	// BoundAbsolute uses Lower and Upper as given
	BoundAbsolute

	// BoundRelative limits the parameter to [initial-Lower, initial+Upper]
	BoundRelative
)

// Bound specifies the limits of one parameter
type Bound struct {
	Kind         BoundKind
	Lower, Upper float64
}

// Options configures model construction. Each non-empty slice must have one
// entry per model parameter.
type Options struct {
	// ParamNames, if set, must match the model's parameter names
	ParamNames []string

	// InitialParams overrides the model's default initial values
	InitialParams []float64

	// FixedParams marks parameters excluded from optimisation
	FixedParams []bool

	// FixedValues gives the values of fixed parameters; entries for free
	// parameters are ignored. Fixed parameters without a value keep their
	// initial value.
	FixedValues []float64

	// Bounds overrides the model's default bounds
	Bounds []Bound
}

// paramSpec describes a model parameter's defaults
type paramSpec struct {
	name         string
	initial      float64
	lower, upper float64
}

// params holds the parameter state shared by every model variant
type params struct {
	names   []string
	initial []float64
	values  []float64
	fixed   []bool
	lower   []float64
	upper   []float64

	// free lists indices of parameters optimised by a fit
	free []int
}

func newParams(specs []paramSpec, opts Options) (params, error) {
	n := len(specs)
	for name, l := range map[string]int{
		"param names":    len(opts.ParamNames),
		"initial params": len(opts.InitialParams),
		"fixed params":   len(opts.FixedParams),
		"fixed values":   len(opts.FixedValues),
		"bounds":         len(opts.Bounds),
	} {
		if l != 0 && l != n {
			return params{}, fmt.Errorf("%d %s for %d parameters: %w", l, name, n, ErrInvalidOptions)
		}
	}

	p := params{
		names:   make([]string, n),
		initial: make([]float64, n),
		values:  make([]float64, n),
		fixed:   make([]bool, n),
		lower:   make([]float64, n),
		upper:   make([]float64, n),
	}
	for i, s := range specs {
		if len(opts.ParamNames) > 0 && opts.ParamNames[i] != s.name {
			return params{}, fmt.Errorf("parameter %d is %q, expected %q: %w",
				i, opts.ParamNames[i], s.name, ErrInvalidOptions)
		}
		p.names[i] = s.name
		p.initial[i] = s.initial
		if len(opts.InitialParams) > 0 {
			p.initial[i] = opts.InitialParams[i]
		}
		if len(opts.FixedParams) > 0 && opts.FixedParams[i] {
			p.fixed[i] = true
			if len(opts.FixedValues) > 0 && !math.IsNaN(opts.FixedValues[i]) {
				p.initial[i] = opts.FixedValues[i]
			}
		}

		p.lower[i], p.upper[i] = s.lower, s.upper
		if len(opts.Bounds) > 0 {
			switch b := opts.Bounds[i]; b.Kind {
			case BoundAbsolute:
				p.lower[i], p.upper[i] = b.Lower, b.Upper
			case BoundRelative:
				p.lower[i], p.upper[i] = p.initial[i]-b.Lower, p.initial[i]+b.Upper
			}
		}
		if !(p.lower[i] <= p.upper[i]) {
			return params{}, fmt.Errorf("%s bounds [%g, %g] are empty: %w",
				s.name, p.lower[i], p.upper[i], ErrInvalidOptions)
		}
		if !p.fixed[i] {
			p.free = append(p.free, i)
		}
	}
	copy(p.values, p.initial)
	return p, nil
}

func (p *params) clone() params {
	return params{
		names:   p.names,
		initial: p.initial,
		values:  append([]float64(nil), p.values...),
		fixed:   p.fixed,
		lower:   p.lower,
		upper:   p.upper,
		free:    p.free,
	}
}

func (p *params) NumParams() int { return len(p.values) }

func (p *params) ParamNames() []string { return append([]string(nil), p.names...) }

func (p *params) Params() []float64 { return append([]float64(nil), p.values...) }

func (p *params) NumFree() int { return len(p.free) }

func (p *params) FreeParams() []float64 {
	out := make([]float64, len(p.free))
	for j, i := range p.free {
		out[j] = p.values[i]
	}
	return out
}

func (p *params) SetFreeParams(free []float64) {
	for j, i := range p.free {
		p.values[i] = free[j]
	}
}

func (p *params) FreeBounds() (lower, upper []float64) {
	lower = make([]float64, len(p.free))
	upper = make([]float64, len(p.free))
	for j, i := range p.free {
		lower[j], upper[j] = p.lower[i], p.upper[i]
	}
	return lower, upper
}

func (p *params) Reset() { copy(p.values, p.initial) }

// checkBounds implements the bound check used by CheckParams
func (p *params) checkBounds() error {
	for _, i := range p.free {
		v := p.values[i]
		if math.IsNaN(v) || v < p.lower[i] || v > p.upper[i] {
			return fmt.Errorf("%s=%g outside [%g, %g]: %w", p.names[i], v, p.lower[i], p.upper[i], ErrInvalidParam)
		}
	}
	return nil
}

// curve holds the modelled concentration buffer and the inputs it is computed from
type curve struct {
	aif    AIF
	times  []float64
	ct     []float64
	cp     []float64
	cpTau  float64
	cpDone bool
}

func newCurve(aif AIF, times []float64) curve {
	return curve{aif: aif, times: times, ct: make([]float64, len(times)), cp: make([]float64, len(times))}
}

func (c *curve) clone() curve {
	return newCurve(c.aif, c.times)
}

func (c *curve) CtModel() []float64 { return c.ct }

// plasma returns the AIF plasma concentration at each timing delayed by
// tau minutes, cached while tau is unchanged
func (c *curve) plasma(tau float64) []float64 {
	if !c.cpDone || tau != c.cpTau {
		for i, t := range c.times {
			c.cp[i] = c.aif.Plasma(t - tau)
		}
		c.cpTau, c.cpDone = tau, true
	}
	return c.cp
}

func clampTimes(nTimes, n int) int {
	if nTimes <= 0 || nTimes > n {
		return n
	}
	return nTimes
}
