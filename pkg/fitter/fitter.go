// Package fitter fits tracer-kinetic models to a voxel's concentration
// time-series by bounded nonlinear least squares.
package fitter

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"dcefit/pkg/dce"
	"dcefit/pkg/errortracker"
	"dcefit/pkg/tkmodel"
)

// BadFitSSD is the fit error reported when a fit is not attempted or fails
const BadFitSSD = 1e6

var (
	// ErrInvalidWindow is returned for fit windows outside the time-series
	ErrInvalidWindow = errors.New("invalid fit window")

	// ErrInvalidNoise is returned for noise variances that are not positive
	// or do not match the time-series length
	ErrInvalidNoise = errors.New("invalid noise variance")
)

// Method selects the optimisation algorithm
type Method string

const (
	NelderMead Method = "nelder-mead"
	BFGS       Method = "bfgs"
	LBFGS      Method = "lbfgs"
)

// ParseMethod returns the Method named by s
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(s)); m {
	case NelderMead, BFGS, LBFGS:
		return m, nil
	case "":
		return NelderMead, nil
	}
	return "", fmt.Errorf("unknown optimiser method %q", s)
}

func (m Method) optimizer() optimize.Method {
	switch m {
	case BFGS:
		return &optimize.BFGS{}
	case LBFGS:
		return &optimize.LBFGS{}
	}
	return &optimize.NelderMead{}
}

func (m Method) needsGradient() bool {
	return m == BFGS || m == LBFGS
}

// ModelFitter fits a tracer-kinetic model to concentration data over the
// window [timepoint0, timepointN). It references but does not own the model
// and the data, and must not be shared between goroutines.
type ModelFitter struct {
	model tkmodel.Model

	timepoint0 int
	timepointN int

	// nTimes is the resolved end of the fit window
	nTimes int

	noiseVar      []float64
	maxIterations int
	method        Method

	ctData []float64

	modelFitError float64
	iterations    int

	// optimiserRuns counts calls into the optimiser
	optimiserRuns int

	// state of the current optimisation
	invalid error
	bestSSD float64
	bestX   []float64
}

// Option configures a ModelFitter
type Option func(*ModelFitter)

// WithMethod sets the optimisation algorithm, Nelder-Mead by default
func WithMethod(m Method) Option {
	return func(f *ModelFitter) { f.method = m }
}

// New creates a fitter for model. timepointN of 0 fits to the end of the
// series. noiseVar holds the noise variance of each timepoint; when empty
// every timepoint has unit weight. maxIterations of 0 runs the optimiser to
// convergence.
func New(model tkmodel.Model, timepoint0, timepointN int, noiseVar []float64,
	maxIterations int, opts ...Option) (*ModelFitter, error) {

	if model == nil {
		return nil, errors.New("fitter requires a model")
	}
	if timepoint0 < 0 || timepointN < 0 || (timepointN != 0 && timepointN <= timepoint0) {
		return nil, fmt.Errorf("window [%d, %d): %w", timepoint0, timepointN, ErrInvalidWindow)
	}
	if maxIterations < 0 {
		return nil, fmt.Errorf("max iterations %d is negative", maxIterations)
	}
	for i, v := range noiseVar {
		if !(v > 0) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("timepoint %d has variance %g: %w", i, v, ErrInvalidNoise)
		}
	}

	f := &ModelFitter{
		model:         model,
		timepoint0:    timepoint0,
		timepointN:    timepointN,
		noiseVar:      noiseVar,
		maxIterations: maxIterations,
		method:        NelderMead,
		modelFitError: BadFitSSD,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// InitialiseModelFit binds the concentration time-series to fit and computes
// the modelled curve and fit error at the model's current parameters
func (f *ModelFitter) InitialiseModelFit(ctData []float64) error {
	n := len(ctData)
	if n != len(f.model.CtModel()) {
		return fmt.Errorf("%d concentration samples for a model of %d timepoints: %w",
			n, len(f.model.CtModel()), ErrInvalidWindow)
	}
	nTimes := f.timepointN
	if nTimes == 0 {
		nTimes = n
	}
	if nTimes > n || f.timepoint0 >= nTimes {
		return fmt.Errorf("window [%d, %d) for %d samples: %w", f.timepoint0, nTimes, n, ErrInvalidWindow)
	}
	if len(f.noiseVar) != 0 && len(f.noiseVar) != n {
		return fmt.Errorf("%d noise variances for %d samples: %w", len(f.noiseVar), n, ErrInvalidNoise)
	}

	f.ctData = ctData
	f.nTimes = nTimes
	f.model.ComputeCtModel(nTimes)
	f.modelFitError = f.computeSSD()
	return nil
}

// FitModel optimises the free model parameters for a voxel in the given
// status and returns the fit error with any error flags raised.
//
// Voxels whose status is not OK are not fitted and return BadFitSSD. Invalid
// parameters at any point abort the fit with BadFitSSD and DCEInvalidParam.
// If the optimiser does not converge the best fit found is kept and
// DCEFitFail is raised.
func (f *ModelFitter) FitModel(status dce.VoxelStatus) (float64, errortracker.ErrorCode) {
	f.modelFitError = BadFitSSD
	f.iterations = 0
	if status != dce.OK {
		return BadFitSSD, errortracker.OK
	}
	if f.ctData == nil {
		return BadFitSSD, errortracker.DCEInvalidInput
	}
	if err := f.model.CheckParams(); err != nil {
		return BadFitSSD, errortracker.DCEInvalidParam
	}

	if f.model.NumFree() == 0 {
		f.model.ComputeCtModel(f.nTimes)
		f.modelFitError = f.computeSSD()
		return f.modelFitError, errortracker.OK
	}

	converged := f.optimise()
	switch {
	case f.invalid != nil:
		return BadFitSSD, errortracker.DCEInvalidParam
	case f.bestX == nil:
		return BadFitSSD, errortracker.DCEFitFail
	}

	f.model.SetFreeParams(f.bestX)
	f.model.ComputeCtModel(f.nTimes)
	f.modelFitError = f.computeSSD()
	if math.IsNaN(f.modelFitError) || math.IsInf(f.modelFitError, 0) {
		f.modelFitError = BadFitSSD
		return BadFitSSD, errortracker.DCEFitFail
	}
	if !converged {
		return f.modelFitError, errortracker.DCEFitFail
	}
	return f.modelFitError, errortracker.OK
}

// optimise runs the optimiser from the model's current free parameters,
// tracking the best valid point evaluated. It reports whether the optimiser
// converged.
func (f *ModelFitter) optimise() bool {
	lower, upper := f.model.FreeBounds()
	box := boxTransform{lower: lower, upper: upper}
	nFree := len(lower)

	f.invalid = nil
	f.bestX = nil
	f.bestSSD = math.Inf(1)

	x := make([]float64, nFree)
	objective := func(u []float64) float64 {
		box.toBounded(u, x)
		f.model.SetFreeParams(x)
		if err := f.model.CheckParams(); err != nil {
			if f.invalid == nil {
				f.invalid = err
			}
			return math.Inf(1)
		}
		f.model.ComputeCtModel(f.nTimes)
		ssd := f.computeSSD()
		if math.IsNaN(ssd) {
			return math.Inf(1)
		}
		if ssd < f.bestSSD {
			f.bestSSD = ssd
			f.bestX = append(f.bestX[:0], x...)
		}
		return ssd
	}

	problem := optimize.Problem{Func: objective}
	if f.method.needsGradient() {
		problem.Grad = func(grad, u []float64) {
			fd.Gradient(grad, objective, u, nil)
		}
	}

	u0 := make([]float64, nFree)
	box.toUnbounded(f.model.FreeParams(), u0)

	settings := &optimize.Settings{
		MajorIterations: f.maxIterations,
		Recorder:        abortRecorder{f},
	}

	f.optimiserRuns++
	result, err := optimize.Minimize(problem, u0, settings, f.method.optimizer())
	if result != nil {
		f.iterations = result.Stats.MajorIterations
	}
	return err == nil && result != nil && converged(result.Status)
}

func converged(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.FunctionThreshold, optimize.FunctionConvergence,
		optimize.GradientThreshold, optimize.StepConvergence, optimize.MethodConverge:
		return true
	}
	return false
}

// abortRecorder stops the optimiser once invalid parameters were evaluated
type abortRecorder struct {
	f *ModelFitter
}

func (r abortRecorder) Init() error { return nil }

func (r abortRecorder) Record(*optimize.Location, optimize.Operation, *optimize.Stats) error {
	return r.f.invalid
}

// computeSSD returns the weighted sum of squared differences between the
// data and the modelled curve over the fit window
func (f *ModelFitter) computeSSD() float64 {
	ctModel := f.model.CtModel()
	ssd := 0.0
	for i := f.timepoint0; i < f.nTimes; i++ {
		d := f.ctData[i] - ctModel[i]
		if len(f.noiseVar) > 0 {
			ssd += d * d / f.noiseVar[i]
		} else {
			ssd += d * d
		}
	}
	return ssd
}

// Timepoint0 returns the first timepoint used in the fit
func (f *ModelFitter) Timepoint0() int { return f.timepoint0 }

// TimepointN returns the end of the fit window, exclusive. Before
// InitialiseModelFit it may be 0, meaning the end of the series.
func (f *ModelFitter) TimepointN() int {
	if f.nTimes > 0 {
		return f.nTimes
	}
	return f.timepointN
}

// CtModel returns the modelled concentration curve at the current parameters
func (f *ModelFitter) CtModel() []float64 { return f.model.CtModel() }

// ModelFitError returns the last computed fit error
func (f *ModelFitter) ModelFitError() float64 { return f.modelFitError }

// Iterations returns the optimiser iterations used by the last fit
func (f *ModelFitter) Iterations() int { return f.iterations }

// Model returns the fitted model
func (f *ModelFitter) Model() tkmodel.Model { return f.model }
