// Package analysis runs the voxel pipeline over whole volumes: signal to
// concentration conversion, enhancement testing, IAUC and tracer-kinetic
// model fitting, with per-voxel error codes collected in an error tracker.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dcefit/internal/models"
	"dcefit/pkg/dce"
	"dcefit/pkg/errortracker"
	"dcefit/pkg/fitter"
	"dcefit/pkg/tkmodel"
)

// ErrInvalidInput is returned when the input volumes cannot be analysed together
var ErrInvalidInput = errors.New("invalid analysis input")

// Params holds the analysis parameters shared by every voxel
type Params struct {
	// NumCores specifies how many voxels are processed in parallel
	NumCores int

	// FlipAngle (degrees), TR (ms) and R1Const (/mM/s) of the dynamic series
	FlipAngle float64
	TR        float64
	R1Const   float64

	// InjectionImage is the index of the first post-bolus image
	InjectionImage int

	// DynamicTimes are the acquisition times of the dynamic images in minutes
	DynamicTimes []float64

	// M0Ratio uses the pre-bolus signal as baseline instead of an M0 map
	M0Ratio    bool
	Timepoint0 int

	// B1Correction scales the flip angle by the B1 map
	B1Correction bool

	// InputConcentration treats the dynamic images as concentrations
	InputConcentration bool

	Enhancement dce.EnhancementTest

	// IAUCTimes are in minutes after the anchor timepoint
	IAUCTimes  []float64
	IAUCAtPeak bool

	// FirstImage and LastImage bound the fit window, LastImage 0 fits to the end
	FirstImage    int
	LastImage     int
	MaxIterations int
	Method        fitter.Method

	// NoiseVar optionally weights each timepoint of the fit
	NoiseVar []float64

	// WriteCt keeps the measured and modelled concentration series
	WriteCt bool

	VoxelSizeWarnOnly bool
}

// Inputs are the volumes of one analysis. T1 is required for signal input,
// M0 unless M0Ratio is set, B1 when B1Correction is set. ROI is optional;
// voxels where it is zero are skipped.
type Inputs struct {
	Dynamics []*models.Image3D
	T1       *models.Image3D
	M0       *models.Image3D
	B1       *models.Image3D
	ROI      *models.Image3D
}

// Results holds the output maps of a run
type Results struct {
	ParamNames []string
	ParamMaps  []*models.Image3D

	// IAUCNames are the map names, e.g. IAUC60 for 60 seconds
	IAUCNames []string
	IAUCMaps  []*models.Image3D

	// Residuals holds the model fit SSD of each voxel
	Residuals *models.Image3D
	Enhancing *models.Image3D
	ErrorMap  *models.Image3D

	// CtData and CtModel are set when Params.WriteCt is set
	CtData  []*models.Image3D
	CtModel []*models.Image3D

	StatusCounts map[dce.VoxelStatus]int
	Skipped      int
	Duration     time.Duration
}

// VoxelResult is the outcome of the pipeline at a single voxel
type VoxelResult struct {
	Index     int
	Status    dce.VoxelStatus
	Code      errortracker.ErrorCode
	Times     []float64
	CtData    []float64
	CtModel   []float64
	Params    []float64
	SSD       float64
	IAUC      []float64
	Enhancing bool
}

// Analyser runs the voxel pipeline with a template model that is cloned for
// each worker
type Analyser struct {
	params  Params
	model   tkmodel.Model
	tracker *errortracker.Tracker
	runID   string
	log     *logrus.Entry
}

// Option configures an Analyser
type Option func(*Analyser)

// WithLogger sets the base logger entry
func WithLogger(l *logrus.Entry) Option {
	return func(a *Analyser) { a.log = l }
}

// NewAnalyser creates an analyser for the given parameters and model template
func NewAnalyser(params Params, model tkmodel.Model, opts ...Option) (*Analyser, error) {
	if model == nil {
		return nil, fmt.Errorf("no model: %w", ErrInvalidInput)
	}
	if params.NumCores < 1 {
		params.NumCores = 1
	}
	if params.Method == "" {
		params.Method = fitter.NelderMead
	}
	a := &Analyser{
		params: params,
		model:  model,
		runID:  uuid.NewString(),
		log:    logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithFields(logrus.Fields{"component": "analysis", "run": a.runID})
	a.tracker = a.newTracker()
	return a, nil
}

// RunID returns the identifier attached to every log entry of the analyser
func (a *Analyser) RunID() string { return a.runID }

// Tracker returns the error tracker of the most recent run
func (a *Analyser) Tracker() *errortracker.Tracker { return a.tracker }

func (a *Analyser) newTracker() *errortracker.Tracker {
	t := errortracker.New(errortracker.WithLogger(a.log.WithField("component", "errortracker")))
	t.SetVoxelSizeWarnOnly(a.params.VoxelSizeWarnOnly)
	return t
}

// validate checks the inputs against each other and resets tracker to their
// reference dimensions
func (a *Analyser) validate(in Inputs, tracker *errortracker.Tracker) error {
	p := a.params
	n := len(p.DynamicTimes)
	if len(in.Dynamics) == 0 {
		return fmt.Errorf("no dynamic images: %w", ErrInvalidInput)
	}
	if len(in.Dynamics) != n {
		return fmt.Errorf("%d dynamic images for %d dynamic times: %w", len(in.Dynamics), n, ErrInvalidInput)
	}
	if p.InjectionImage < 0 || p.InjectionImage >= n {
		return fmt.Errorf("injection image %d outside [0, %d): %w", p.InjectionImage, n, ErrInvalidInput)
	}
	if got := len(a.model.CtModel()); got != n {
		return fmt.Errorf("model built for %d timepoints, series has %d: %w", got, n, ErrInvalidInput)
	}
	if !p.InputConcentration {
		if in.T1 == nil {
			return fmt.Errorf("signal input requires a T1 map: %w", ErrInvalidInput)
		}
		if in.M0 == nil && !p.M0Ratio {
			return fmt.Errorf("signal input requires an M0 map or M0 ratio: %w", ErrInvalidInput)
		}
		if in.B1 == nil && p.B1Correction {
			return fmt.Errorf("B1 correction requires a B1 map: %w", ErrInvalidInput)
		}
	}
	if _, err := a.newFitter(a.model); err != nil {
		return err
	}

	tracker.ResetErrorImage()
	for i, img := range in.Dynamics {
		if err := tracker.CheckOrSetDimension(img, fmt.Sprintf("dynamic image %d", i)); err != nil {
			return err
		}
	}
	for _, c := range []struct {
		img  *models.Image3D
		name string
	}{
		{in.T1, "T1 map"},
		{in.M0, "M0 map"},
		{in.B1, "B1 map"},
		{in.ROI, "ROI"},
	} {
		if c.img == nil {
			continue
		}
		if err := tracker.CheckDimension(c.img, c.name); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analyser) newFitter(model tkmodel.Model) (*fitter.ModelFitter, error) {
	p := a.params
	return fitter.New(model, p.FirstImage, p.LastImage, p.NoiseVar, p.MaxIterations,
		fitter.WithMethod(p.Method))
}

// Run analyses every voxel of the inputs. Dimension mismatches and invalid
// parameters are fatal and returned before any voxel is processed; voxel
// failures are recorded in the error map.
func (a *Analyser) Run(ctx context.Context, in Inputs) (*Results, error) {
	start := time.Now()
	if err := a.validate(in, a.tracker); err != nil {
		return nil, err
	}

	ref := in.Dynamics[0]
	nVoxels := ref.NumVoxels()
	nTimes := len(a.params.DynamicTimes)

	res := &Results{
		ParamNames:   a.model.ParamNames(),
		StatusCounts: make(map[dce.VoxelStatus]int),
	}
	for range res.ParamNames {
		res.ParamMaps = append(res.ParamMaps, models.NewImageLike(ref, models.TypeParameterMap))
	}
	for _, t := range a.params.IAUCTimes {
		res.IAUCNames = append(res.IAUCNames, fmt.Sprintf("IAUC%d", int(math.Round(t*60))))
		res.IAUCMaps = append(res.IAUCMaps, models.NewImageLike(ref, models.TypeParameterMap))
	}
	res.Residuals = models.NewImageLike(ref, models.TypeParameterMap)
	res.Enhancing = models.NewImageLike(ref, models.TypeMask)
	if a.params.WriteCt {
		for t := 0; t < nTimes; t++ {
			ct := models.NewImageLike(ref, models.TypeConcentration)
			ct.TimeStamp = a.params.DynamicTimes[t]
			res.CtData = append(res.CtData, ct)
			cm := models.NewImageLike(ref, models.TypeConcentration)
			cm.TimeStamp = a.params.DynamicTimes[t]
			res.CtModel = append(res.CtModel, cm)
		}
	}

	a.log.WithFields(logrus.Fields{
		"model":      a.model.ModelType(),
		"voxels":     nVoxels,
		"timepoints": nTimes,
		"workers":    a.params.NumCores,
	}).Info("Starting analysis")

	jobs := make(chan int)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < a.params.NumCores; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			model := a.model.Clone()
			counts := make(map[dce.VoxelStatus]int)
			skipped := 0
			buf := make([]float64, nTimes)

			for idx := range jobs {
				if in.ROI != nil && in.ROI.Data[idx] == 0 {
					skipped++
					continue
				}
				vr := a.analyse(model, in, idx, buf)
				counts[vr.Status]++
				a.store(res, vr)
			}

			mu.Lock()
			for s, c := range counts {
				res.StatusCounts[s] += c
			}
			res.Skipped += skipped
			mu.Unlock()
		}()
	}

	var err error
	for idx := 0; idx < nVoxels; idx++ {
		if err = ctx.Err(); err != nil {
			break
		}
		jobs <- idx
	}
	close(jobs)
	wg.Wait()
	if err != nil {
		return nil, fmt.Errorf("analysis cancelled: %w", err)
	}

	res.ErrorMap = a.tracker.ErrorImage()
	res.Duration = time.Since(start)

	fields := logrus.Fields{"skipped": res.Skipped, "duration": res.Duration.Round(time.Millisecond)}
	for s, c := range res.StatusCounts {
		fields[s.String()] = c
	}
	a.log.WithFields(fields).Info("Analysis complete")
	return res, nil
}

// store writes a voxel result into the output maps. Each voxel index is
// written by exactly one worker.
func (a *Analyser) store(res *Results, vr *VoxelResult) {
	idx := vr.Index
	for i, v := range vr.Params {
		res.ParamMaps[i].Data[idx] = v
	}
	for i, v := range vr.IAUC {
		res.IAUCMaps[i].Data[idx] = v
	}
	res.Residuals.Data[idx] = vr.SSD
	if vr.Enhancing {
		res.Enhancing.Data[idx] = 1
	}
	if a.params.WriteCt {
		for t := range vr.CtData {
			res.CtData[t].Data[idx] = vr.CtData[t]
			res.CtModel[t].Data[idx] = vr.CtModel[t]
		}
	}
	if err := a.tracker.UpdateVoxel(idx, vr.Code); err != nil {
		a.log.WithError(err).WithField("voxel", idx).Debug("Error code not recorded")
	}
}

// AnalyseVoxel revalidates the inputs and runs the pipeline at one voxel
// without writing any output map. The tracker of the most recent run is left
// untouched.
func (a *Analyser) AnalyseVoxel(in Inputs, idx int) (*VoxelResult, error) {
	if err := a.validate(in, a.newTracker()); err != nil {
		return nil, err
	}
	if idx < 0 || idx >= in.Dynamics[0].NumVoxels() {
		return nil, fmt.Errorf("voxel %d of %d: %w", idx, in.Dynamics[0].NumVoxels(), errortracker.ErrIndexOutOfRange)
	}
	return a.analyse(a.model.Clone(), in, idx, make([]float64, len(in.Dynamics))), nil
}

// analyse runs the pipeline at voxel idx. model is reset and reused; buf
// holds the dynamic series of the voxel.
func (a *Analyser) analyse(model tkmodel.Model, in Inputs, idx int, buf []float64) *VoxelResult {
	p := a.params
	for t, img := range in.Dynamics {
		buf[t] = img.Data[idx]
	}

	vr := &VoxelResult{Index: idx, Times: p.DynamicTimes, SSD: fitter.BadFitSSD}
	opts := []dce.Option{dce.WithEnhancementTest(p.Enhancement), dce.WithM0Ratio(p.M0Ratio)}

	var sig, conc []float64
	if p.InputConcentration {
		conc = buf
	} else {
		sig = buf
	}
	voxel, err := dce.NewVoxel(sig, conc, p.InjectionImage, p.DynamicTimes, p.IAUCTimes, p.IAUCAtPeak, opts...)
	if err != nil {
		a.log.WithError(err).WithField("voxel", idx).Debug("Invalid voxel input")
		vr.Status = dce.CaNaN
		vr.Code = errortracker.DCEInvalidInput
		return vr
	}

	if !p.InputConcentration {
		m0, b1 := 0.0, 1.0
		if in.M0 != nil && !p.M0Ratio {
			m0 = in.M0.Data[idx]
		}
		if p.B1Correction {
			b1 = in.B1.Data[idx]
		}
		if err := voxel.ComputeCtFromSignal(in.T1.Data[idx], p.FlipAngle, p.TR, p.R1Const, m0, b1, p.Timepoint0); err != nil {
			vr.Code |= errortracker.DCEInvalidInput
		}
	}
	voxel.TestEnhancing()
	voxel.ComputeIAUC()

	model.Reset()
	f, err := a.newFitter(model)
	if err == nil {
		err = f.InitialiseModelFit(voxel.CtData())
	}
	if err != nil {
		vr.Code |= errortracker.DCEInvalidInput
	} else {
		ssd, code := f.FitModel(voxel.Status())
		vr.SSD = ssd
		vr.Code |= code
	}

	vr.Status = voxel.Status()
	vr.Code |= voxel.ErrorCode()
	vr.Enhancing = voxel.Enhancing()
	vr.IAUC = voxel.IAUCValues()
	vr.Params = model.Params()
	vr.CtData = append([]float64(nil), voxel.CtData()...)
	vr.CtModel = append([]float64(nil), model.CtModel()...)
	return vr
}
