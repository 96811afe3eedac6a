package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dcefit/internal/models"
	"dcefit/pkg/analysis"
	"dcefit/pkg/config"
	"dcefit/pkg/dce"
	"dcefit/pkg/nifti"
	"dcefit/pkg/visualization"
)

const defaultConfigPath = "dcefit.yaml"

func runCmd() *cobra.Command {
	var configPath string
	var numCores int
	var outputDir string

	c := &cobra.Command{
		Use:   "run",
		Short: "Fit a tracer-kinetic model to every voxel of a DCE-MRI series",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("cores") {
				cfg.Processing.NumCores = numCores
			}
			if outputDir != "" {
				cfg.Output.Dir = outputDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}

	c.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Configuration file")
	c.Flags().IntVar(&numCores, "cores", 0, "Number of voxel workers (default from config)")
	c.Flags().StringVarP(&outputDir, "output", "o", "", "Output directory (default from config)")
	return c
}

func run(cmd *cobra.Command, cfg *config.Config) error {
	if !cfg.Output.Verbose && !logrus.IsLevelEnabled(logrus.DebugLevel) {
		logrus.SetLevel(logrus.WarnLevel)
	}
	log := logrus.WithField("component", "cli")
	out := cmd.OutOrStdout()

	times, err := dynamicTimes(cfg)
	if err != nil {
		return err
	}
	in, err := loadInputs(cfg)
	if err != nil {
		return err
	}
	aif, err := loadAIF(cfg, times)
	if err != nil {
		return err
	}
	model, err := buildModel(cfg, aif, times)
	if err != nil {
		return err
	}
	params, err := analysisParams(cfg, times)
	if err != nil {
		return err
	}

	a, err := analysis.NewAnalyser(params, model, analysis.WithLogger(logrus.NewEntry(logrus.StandardLogger())))
	if err != nil {
		return err
	}
	log = log.WithField("run", a.RunID())

	fmt.Fprintf(out, "Fitting %s to %d voxels x %d timepoints using %d cores...\n",
		model.ModelType(), in.Dynamics[0].NumVoxels(), len(times), params.NumCores)

	res, err := a.Run(cmd.Context(), in)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	maps := outputMaps(res)
	for name, img := range maps {
		if err := nifti.WriteImage(filepath.Join(cfg.Output.Dir, name+".nii.gz"), img); err != nil {
			return err
		}
	}
	if cfg.Output.WriteCtModel {
		if err := nifti.WriteVolumes(filepath.Join(cfg.Output.Dir, "Ct_sig.nii.gz"), res.CtData); err != nil {
			return err
		}
		if err := nifti.WriteVolumes(filepath.Join(cfg.Output.Dir, "Ct_mod.nii.gz"), res.CtModel); err != nil {
			return err
		}
	}
	if err := config.SaveConfig(cfg, filepath.Join(cfg.Output.Dir, "config.yaml")); err != nil {
		return err
	}

	if cfg.Output.SaveSlices {
		sliceDir := filepath.Join(cfg.Output.Dir, "slices")
		for name, img := range maps {
			viewer := visualization.NewViewer(img)
			if err := viewer.SaveSliceSequence("z", sliceDir, name); err != nil {
				log.WithError(err).WithField("map", name).Warn("Failed to save slices")
			}
		}
	}

	for _, idx := range cfg.Output.PlotVoxels {
		if err := plotVoxel(a, in, idx, cfg.Output.Dir); err != nil {
			log.WithError(err).WithField("voxel", idx).Warn("Failed to plot voxel")
		}
	}

	printSummary(out, res, cfg.Output.Dir)
	return nil
}

// outputMaps names every 3D output map by its file stem
func outputMaps(res *analysis.Results) map[string]*models.Image3D {
	maps := map[string]*models.Image3D{
		"residuals":     res.Residuals,
		"enhVox":        res.Enhancing,
		"error_tracker": res.ErrorMap,
	}
	for i, name := range res.ParamNames {
		maps[name] = res.ParamMaps[i]
	}
	for i, name := range res.IAUCNames {
		maps[name] = res.IAUCMaps[i]
	}
	return maps
}

func plotVoxel(a *analysis.Analyser, in analysis.Inputs, idx int, dir string) error {
	vr, err := a.AnalyseVoxel(in, idx)
	if err != nil {
		return err
	}
	curves := []visualization.Curve{
		{Label: "Ct(t)", Times: vr.Times, Values: vr.CtData},
		{Label: "model", Times: vr.Times, Values: vr.CtModel},
	}
	title := fmt.Sprintf("Voxel %d (%v, SSD %.3g)", idx, vr.Status, vr.SSD)
	return visualization.PlotCurves(title, curves, filepath.Join(dir, fmt.Sprintf("voxel_%d.png", idx)))
}

func printSummary(w io.Writer, res *analysis.Results, dir string) {
	fmt.Fprintf(w, "\nAnalysis completed in %.2f seconds\n", res.Duration.Round(time.Millisecond).Seconds())
	fmt.Fprintf(w, "Output maps saved to: %s\n\n", dir)
	fmt.Fprintf(w, "Voxel status:\n")
	fmt.Fprintf(w, "=============\n")
	for _, s := range []dce.VoxelStatus{dce.OK, dce.NonEnhancing, dce.DynT1Bad, dce.CaNaN, dce.T10Bad, dce.M0Bad} {
		fmt.Fprintf(w, "%-14s %d\n", s.String()+":", res.StatusCounts[s])
	}
	if res.Skipped > 0 {
		fmt.Fprintf(w, "%-14s %d\n", "outside ROI:", res.Skipped)
	}
}
