package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"dcefit/internal/models"
	"dcefit/pkg/analysis"
	"dcefit/pkg/config"
	"dcefit/pkg/fitter"
	"dcefit/pkg/nifti"
	"dcefit/pkg/tkmodel"
)

// readColumns reads a whitespace-separated numeric text file with ncols
// values per row. Blank lines and lines starting with # are ignored.
func readColumns(path string, ncols int) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cols := make([][]float64, ncols)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if ncols == 1 {
			// single-column files may also list values on one row
			for _, s := range fields {
				v, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return nil, fmt.Errorf("%s:%d: %w", path, line, err)
				}
				cols[0] = append(cols[0], v)
			}
			continue
		}
		if len(fields) != ncols {
			return nil, fmt.Errorf("%s:%d: expected %d columns, got %d", path, line, ncols, len(fields))
		}
		for i, s := range fields {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			cols[i] = append(cols[i], v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cols, nil
}

// dynamicTimes returns the acquisition times in minutes
func dynamicTimes(cfg *config.Config) ([]float64, error) {
	if len(cfg.Acquisition.DynamicTimes) > 0 {
		return cfg.Acquisition.DynamicTimes, nil
	}
	if cfg.Acquisition.DynamicTimesFile == "" {
		return nil, fmt.Errorf("no dynamic times: set acquisition.dynamicTimes or acquisition.dynamicTimesFile")
	}
	cols, err := readColumns(cfg.Acquisition.DynamicTimesFile, 1)
	if err != nil {
		return nil, fmt.Errorf("reading dynamic times: %w", err)
	}
	return cols[0], nil
}

// dynamicPaths lists the dynamic series files in temporal order
func dynamicPaths(cfg *config.Config) ([]string, error) {
	if len(cfg.Input.Dynamics) > 0 {
		return cfg.Input.Dynamics, nil
	}
	if cfg.Input.DynamicsGlob == "" {
		return nil, fmt.Errorf("no dynamic images: set input.dynamics or input.dynamicsGlob")
	}
	paths, err := filepath.Glob(cfg.Input.DynamicsGlob)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files match %q", cfg.Input.DynamicsGlob)
	}
	sort.Strings(paths)
	return paths, nil
}

// loadInputs reads the images named in the configuration. A 4D dynamic file
// contributes one image per timepoint.
func loadInputs(cfg *config.Config) (analysis.Inputs, error) {
	var in analysis.Inputs

	paths, err := dynamicPaths(cfg)
	if err != nil {
		return in, err
	}
	dynType := models.TypeSignal
	if cfg.Signal.InputConcentration {
		dynType = models.TypeConcentration
	}
	for _, p := range paths {
		vols, err := nifti.ReadVolumes(p, dynType)
		if err != nil {
			return in, err
		}
		in.Dynamics = append(in.Dynamics, vols...)
	}

	for _, m := range []struct {
		path string
		t    models.ImageType
		dst  **models.Image3D
	}{
		{cfg.Input.T1, models.TypeT1, &in.T1},
		{cfg.Input.M0, models.TypeM0, &in.M0},
		{cfg.Input.B1, models.TypeB1, &in.B1},
		{cfg.Input.ROI, models.TypeMask, &in.ROI},
	} {
		if m.path == "" {
			continue
		}
		img, err := nifti.ReadImage(m.path, m.t)
		if err != nil {
			return in, err
		}
		*m.dst = img
	}
	return in, nil
}

// loadAIF builds the configured AIF for a series with the given times
func loadAIF(cfg *config.Config, times []float64) (tkmodel.AIF, error) {
	if cfg.AIF.Type == "file" {
		cols, err := readColumns(cfg.AIF.File, 2)
		if err != nil {
			return nil, fmt.Errorf("reading AIF: %w", err)
		}
		aif, err := tkmodel.NewSampledAIF(cols[0], cols[1], cfg.AIF.Haematocrit)
		if err != nil {
			return nil, err
		}
		return aif, nil
	}
	inj := cfg.Acquisition.InjectionImage
	if inj < 0 || inj >= len(times) {
		return nil, fmt.Errorf("injection image %d outside [0, %d)", inj, len(times))
	}
	aif, err := tkmodel.NewPopulationAIF(times[inj], cfg.AIF.Haematocrit)
	if err != nil {
		return nil, err
	}
	return aif, nil
}

// buildModel creates the configured model. The default model is built
// first so the 1-based parameter options can be resolved against its size.
func buildModel(cfg *config.Config, aif tkmodel.AIF, times []float64) (tkmodel.Model, error) {
	base, err := tkmodel.New(cfg.Model.Name, aif, times, tkmodel.Options{})
	if err != nil {
		return nil, err
	}
	opts, err := cfg.ModelOptions(base.NumParams())
	if err != nil {
		return nil, err
	}
	return tkmodel.New(cfg.Model.Name, aif, times, opts)
}

func analysisParams(cfg *config.Config, times []float64) (analysis.Params, error) {
	method, err := fitter.ParseMethod(cfg.Model.Method)
	if err != nil {
		return analysis.Params{}, err
	}
	return analysis.Params{
		NumCores:           cfg.Processing.NumCores,
		FlipAngle:          cfg.Acquisition.FlipAngle,
		TR:                 cfg.Acquisition.TR,
		R1Const:            cfg.Acquisition.R1Const,
		InjectionImage:     cfg.Acquisition.InjectionImage,
		DynamicTimes:       times,
		M0Ratio:            cfg.Signal.M0Ratio,
		Timepoint0:         cfg.Signal.Timepoint0,
		B1Correction:       cfg.Signal.B1Correction,
		InputConcentration: cfg.Signal.InputConcentration,
		Enhancement:        cfg.EnhancementTest(),
		IAUCTimes:          cfg.IAUCMinutes(),
		IAUCAtPeak:         cfg.IAUC.AtPeak,
		FirstImage:         cfg.Model.FirstImage,
		LastImage:          cfg.Model.LastImage,
		MaxIterations:      cfg.Model.MaxIterations,
		Method:             method,
		WriteCt:            cfg.Output.WriteCtModel,
		VoxelSizeWarnOnly:  cfg.ErrorTracker.VoxelSizeWarnOnly,
	}, nil
}
