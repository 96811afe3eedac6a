// Package config provides configuration loading and management for dcefit.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"dcefit/pkg/dce"
	"dcefit/pkg/fitter"
	"dcefit/pkg/tkmodel"
)

const configHeader = "# dcefit configuration\n"

// ErrInvalid is returned by Validate for inconsistent configurations
var ErrInvalid = errors.New("invalid configuration")

// Config represents the run configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many voxel workers run in parallel
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Acquisition parameters shared by every voxel
	Acquisition struct {
		// FlipAngle is the dynamic series flip angle in degrees
		FlipAngle float64 `yaml:"flipAngle"`

		// TR is the repetition time in ms
		TR float64 `yaml:"tr"`

		// R1Const is the contrast-agent relaxivity in /mM/s
		R1Const float64 `yaml:"r1Const"`

		// InjectionImage is the index of the image at which the bolus is injected
		InjectionImage int `yaml:"injectionImage"`

		// DynamicTimes lists the acquisition time of each image in minutes
		DynamicTimes []float64 `yaml:"dynamicTimes"`

		// DynamicTimesFile is a whitespace-separated text file of times in
		// minutes, used when DynamicTimes is empty
		DynamicTimesFile string `yaml:"dynamicTimesFile"`
	} `yaml:"acquisition"`

	// Signal to concentration conversion
	Signal struct {
		// M0Ratio uses the pre-bolus mean signal as the baseline instead of an M0 map
		M0Ratio bool `yaml:"m0Ratio"`

		// Timepoint0 is the first image of the pre-bolus window
		Timepoint0 int `yaml:"timepoint0"`

		// B1Correction applies the B1 map to the flip angle
		B1Correction bool `yaml:"b1Correction"`

		// InputConcentration treats the dynamic series as concentrations
		InputConcentration bool `yaml:"inputConcentration"`
	} `yaml:"signal"`

	// Enhancement test parameters
	Enhancement struct {
		Test            bool    `yaml:"test"`
		NoiseMultiplier float64 `yaml:"noiseMultiplier"`
		MinimumIncrease float64 `yaml:"minimumIncrease"`
	} `yaml:"enhancement"`

	// IAUC parameters
	IAUC struct {
		// Times are in seconds after the anchor timepoint
		Times []float64 `yaml:"times"`

		// AtPeak anchors IAUC at the concentration peak instead of the injection
		AtPeak bool `yaml:"atPeak"`
	} `yaml:"iauc"`

	// Model fitting parameters
	Model struct {
		// Name selects the tracer-kinetic model, e.g. ETM
		Name string `yaml:"name"`

		// InitialParams overrides the model's default initial values
		InitialParams []float64 `yaml:"initialParams"`

		// FixedParams lists 1-based indices of parameters held fixed
		FixedParams []int `yaml:"fixedParams"`

		// FixedValues gives values for FixedParams, in the same order
		FixedValues []float64 `yaml:"fixedValues"`

		// RelativeLimitParams lists 1-based indices of parameters bounded
		// relative to their initial value
		RelativeLimitParams []int `yaml:"relativeLimitParams"`

		// RelativeLimitValues gives the +/- limit for RelativeLimitParams
		RelativeLimitValues []float64 `yaml:"relativeLimitValues"`

		// FirstImage and LastImage bound the fit window; LastImage 0 fits to the end
		FirstImage int `yaml:"firstImage"`
		LastImage  int `yaml:"lastImage"`

		// MaxIterations caps optimiser iterations; 0 runs to convergence
		MaxIterations int `yaml:"maxIterations"`

		// Method is the optimiser: nelder-mead, bfgs or lbfgs
		Method string `yaml:"method"`
	} `yaml:"model"`

	// AIF parameters
	AIF struct {
		// Type is "population" or "file"
		Type string `yaml:"type"`

		// File holds two whitespace-separated columns: time (min) and blood concentration
		File string `yaml:"file"`

		Haematocrit float64 `yaml:"haematocrit"`
	} `yaml:"aif"`

	// Input image paths
	Input struct {
		// Dynamics are the dynamic series NIfTI files in temporal order
		Dynamics []string `yaml:"dynamics"`

		// DynamicsGlob is expanded and sorted when Dynamics is empty
		DynamicsGlob string `yaml:"dynamicsGlob"`

		T1  string `yaml:"t1"`
		M0  string `yaml:"m0"`
		B1  string `yaml:"b1"`
		ROI string `yaml:"roi"`
	} `yaml:"input"`

	// Output parameters
	Output struct {
		Dir string `yaml:"dir"`

		// WriteCtModel writes the modelled concentration series
		WriteCtModel bool `yaml:"writeCtModel"`

		// SaveSlices writes PNG slices of every output map
		SaveSlices bool `yaml:"saveSlices"`

		// PlotVoxels lists voxel indices whose curves are plotted
		PlotVoxels []int `yaml:"plotVoxels"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Error tracker parameters
	ErrorTracker struct {
		// VoxelSizeWarnOnly lets images with mismatched voxel sizes through with a warning
		VoxelSizeWarnOnly bool `yaml:"voxelSizeWarnOnly"`
	} `yaml:"errorTracker"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()

	cfg.Acquisition.FlipAngle = 20
	cfg.Acquisition.TR = 3.5
	cfg.Acquisition.R1Const = 3.4
	cfg.Acquisition.InjectionImage = 8

	cfg.Enhancement.Test = true
	cfg.Enhancement.NoiseMultiplier = dce.DefaultEnhancementTest().NoiseMultiplier

	cfg.IAUC.Times = []float64{60, 90, 120}

	cfg.Model.Name = "ETM"
	cfg.Model.Method = string(fitter.NelderMead)

	cfg.AIF.Type = "population"
	cfg.AIF.Haematocrit = tkmodel.DefaultHaematocrit

	cfg.Output.Dir = "dce_output"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file. A missing or empty file
// yields the defaults; keys that match no setting are rejected.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file. The file is written
// next to its destination and renamed into place.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(configPath)+".*")
	if err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing config file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), configPath); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// CreateDefaultConfigFile writes the default configuration to configPath and
// checks that it loads back cleanly
func CreateDefaultConfigFile(configPath string) error {
	if err := SaveConfig(DefaultConfig(), configPath); err != nil {
		return err
	}
	_, err := LoadConfig(configPath)
	return err
}

// Validate checks the settings that do not depend on input data
func (c *Config) Validate() error {
	switch {
	case c.Processing.NumCores < 1:
		return fmt.Errorf("numCores must be at least 1: %w", ErrInvalid)
	case c.Acquisition.TR <= 0:
		return fmt.Errorf("tr must be positive: %w", ErrInvalid)
	case c.Acquisition.FlipAngle <= 0:
		return fmt.Errorf("flipAngle must be positive: %w", ErrInvalid)
	case c.Acquisition.R1Const <= 0:
		return fmt.Errorf("r1Const must be positive: %w", ErrInvalid)
	case c.Acquisition.InjectionImage < 0:
		return fmt.Errorf("injectionImage must not be negative: %w", ErrInvalid)
	case len(c.Model.FixedValues) != 0 && len(c.Model.FixedValues) != len(c.Model.FixedParams):
		return fmt.Errorf("%d fixedValues for %d fixedParams: %w",
			len(c.Model.FixedValues), len(c.Model.FixedParams), ErrInvalid)
	case len(c.Model.RelativeLimitValues) != len(c.Model.RelativeLimitParams):
		return fmt.Errorf("%d relativeLimitValues for %d relativeLimitParams: %w",
			len(c.Model.RelativeLimitValues), len(c.Model.RelativeLimitParams), ErrInvalid)
	case c.AIF.Type != "population" && c.AIF.Type != "file":
		return fmt.Errorf("aif type %q must be population or file: %w", c.AIF.Type, ErrInvalid)
	case c.AIF.Type == "file" && c.AIF.File == "":
		return fmt.Errorf("aif type file requires aif.file: %w", ErrInvalid)
	}
	if _, err := fitter.ParseMethod(c.Model.Method); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalid)
	}
	return nil
}

// EnhancementTest returns the configured enhancement test
func (c *Config) EnhancementTest() dce.EnhancementTest {
	return dce.EnhancementTest{
		Enabled:         c.Enhancement.Test,
		NoiseMultiplier: c.Enhancement.NoiseMultiplier,
		MinimumIncrease: c.Enhancement.MinimumIncrease,
	}
}

// IAUCMinutes returns the IAUC times converted to minutes
func (c *Config) IAUCMinutes() []float64 {
	out := make([]float64, len(c.IAUC.Times))
	for i, s := range c.IAUC.Times {
		out[i] = s / 60
	}
	return out
}

// ModelOptions converts the 1-based index lists of the model section into
// per-parameter options for a model with nParams parameters
func (c *Config) ModelOptions(nParams int) (tkmodel.Options, error) {
	opts := tkmodel.Options{InitialParams: c.Model.InitialParams}

	if len(c.Model.FixedParams) > 0 {
		opts.FixedParams = make([]bool, nParams)
		opts.FixedValues = make([]float64, nParams)
		for i := range opts.FixedValues {
			opts.FixedValues[i] = math.NaN()
		}
		for j, p := range c.Model.FixedParams {
			if p < 1 || p > nParams {
				return tkmodel.Options{}, fmt.Errorf("fixed parameter %d outside 1..%d: %w", p, nParams, ErrInvalid)
			}
			opts.FixedParams[p-1] = true
			if len(c.Model.FixedValues) > 0 {
				opts.FixedValues[p-1] = c.Model.FixedValues[j]
			}
		}
	}

	if len(c.Model.RelativeLimitParams) > 0 {
		opts.Bounds = make([]tkmodel.Bound, nParams)
		for j, p := range c.Model.RelativeLimitParams {
			if p < 1 || p > nParams {
				return tkmodel.Options{}, fmt.Errorf("relative limit parameter %d outside 1..%d: %w", p, nParams, ErrInvalid)
			}
			v := c.Model.RelativeLimitValues[j]
			opts.Bounds[p-1] = tkmodel.Bound{Kind: tkmodel.BoundRelative, Lower: v, Upper: v}
		}
	}
	return opts, nil
}
