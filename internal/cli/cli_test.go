package cli

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcefit/internal/models"
	"dcefit/pkg/config"
	"dcefit/pkg/nifti"
	"dcefit/pkg/tkmodel"
)

func TestReadColumns(t *testing.T) {
	dir := t.TempDir()

	times := filepath.Join(dir, "times.txt")
	require.NoError(t, os.WriteFile(times, []byte("0 0.5 1.0\n1.5\n\n# comment\n2.0\n"), 0o644))
	cols, err := readColumns(times, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 0.5, 1, 1.5, 2}}, cols)

	aif := filepath.Join(dir, "aif.txt")
	require.NoError(t, os.WriteFile(aif, []byte("0 0\n0.5 3.2\n1.0 1.1\n"), 0o644))
	cols, err = readColumns(aif, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.5, 1}, cols[0])
	assert.Equal(t, []float64{0, 3.2, 1.1}, cols[1])

	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("0 1 2\n"), 0o644))
	_, err = readColumns(bad, 2)
	assert.Error(t, err)

	nan := filepath.Join(dir, "nan.txt")
	require.NoError(t, os.WriteFile(nan, []byte("0 x\n"), 0o644))
	_, err = readColumns(nan, 2)
	assert.Error(t, err)

	_, err = readColumns(filepath.Join(dir, "missing.txt"), 1)
	assert.Error(t, err)
}

func TestLoadAIF(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Acquisition.InjectionImage = 2
	times := []float64{0, 0.5, 1, 1.5}

	aif, err := loadAIF(cfg, times)
	require.NoError(t, err)
	assert.Zero(t, aif.Plasma(0.9))
	assert.Greater(t, aif.Plasma(1.2), 0.0)

	cfg.Acquisition.InjectionImage = 4
	_, err = loadAIF(cfg, times)
	assert.Error(t, err)
}

func TestBuildModelOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Model.FixedParams = []int{3}
	cfg.Model.FixedValues = []float64{0.1}
	aif, err := tkmodel.NewPopulationAIF(0.5, tkmodel.DefaultHaematocrit)
	require.NoError(t, err)

	m, err := buildModel(cfg, aif, []float64{0, 0.5, 1})
	require.NoError(t, err)
	assert.Equal(t, 3, m.NumFree())
	assert.InDelta(t, 0.1, m.Params()[2], 1e-12)

	cfg.Model.Name = "unknown"
	_, err = buildModel(cfg, aif, []float64{0, 0.5, 1})
	assert.ErrorIs(t, err, tkmodel.ErrUnknownModel)
}

func spgrSignal(c, t10, m0, fa, tr, r1 float64) float64 {
	r := 1000/t10 + r1*c
	e := math.Exp(-tr * r / 1000)
	a := fa * math.Pi / 180
	return m0 * math.Sin(a) * (1 - e) / (1 - math.Cos(a)*e)
}

// writeDataset writes a 4D signal series with T1 and M0 maps for a 2x1x1
// volume and returns a configuration that analyses it
func writeDataset(t *testing.T, dir string) *config.Config {
	t.Helper()
	times := []float64{0, 0.25, 0.5, 0.75, 1.0, 1.5}
	const inj, t10, m0 = 3, 1000.0, 2000.0

	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 2
	cfg.Acquisition.InjectionImage = inj
	cfg.Acquisition.DynamicTimes = times
	cfg.Model.MaxIterations = 500
	cfg.Output.Dir = filepath.Join(dir, "out")
	cfg.Output.WriteCtModel = true
	cfg.Output.SaveSlices = true
	cfg.Output.PlotVoxels = []int{0}

	aif, err := loadAIF(cfg, times)
	require.NoError(t, err)
	truth, err := tkmodel.New("ETM", aif, times, tkmodel.Options{InitialParams: []float64{0.25, 0.3, 0.05, 0}})
	require.NoError(t, err)
	truth.ComputeCtModel(len(times))

	size := models.VoxelSize{X: 1, Y: 1, Z: 1}
	var dyn []*models.Image3D
	for _, c := range truth.CtModel() {
		img := models.NewImage3D(2, 1, 1, size, models.TypeSignal)
		for i := range img.Data {
			img.Data[i] = spgrSignal(c, t10, m0, cfg.Acquisition.FlipAngle, cfg.Acquisition.TR, cfg.Acquisition.R1Const)
		}
		dyn = append(dyn, img)
	}
	t1 := models.NewImage3D(2, 1, 1, size, models.TypeT1)
	m0Map := models.NewImage3D(2, 1, 1, size, models.TypeM0)
	for i := range t1.Data {
		t1.Data[i] = t10
		m0Map.Data[i] = m0
	}

	cfg.Input.Dynamics = []string{filepath.Join(dir, "dyn.nii.gz")}
	cfg.Input.T1 = filepath.Join(dir, "T1.nii")
	cfg.Input.M0 = filepath.Join(dir, "M0.nii")
	require.NoError(t, nifti.WriteVolumes(cfg.Input.Dynamics[0], dyn))
	require.NoError(t, nifti.WriteImage(cfg.Input.T1, t1))
	require.NoError(t, nifti.WriteImage(cfg.Input.M0, m0Map))
	return cfg
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeDataset(t, dir)
	configPath := filepath.Join(dir, "dcefit.yaml")
	require.NoError(t, config.SaveConfig(cfg, configPath))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"run", "--config", configPath, "--cores", "1"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "Analysis completed")
	for _, name := range []string{
		"Ktrans.nii.gz", "ve.nii.gz", "vp.nii.gz", "tau_a.nii.gz",
		"IAUC60.nii.gz", "IAUC90.nii.gz", "IAUC120.nii.gz",
		"residuals.nii.gz", "enhVox.nii.gz", "error_tracker.nii.gz",
		"Ct_sig.nii.gz", "Ct_mod.nii.gz", "config.yaml", "voxel_0.png",
		filepath.Join("slices", "Ktrans_z_000.png"),
	} {
		_, err := os.Stat(filepath.Join(cfg.Output.Dir, name))
		assert.NoError(t, err, name)
	}

	enh, err := nifti.ReadImage(filepath.Join(cfg.Output.Dir, "enhVox.nii.gz"), models.TypeMask)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, enh.Data)

	ct, err := nifti.ReadVolumes(filepath.Join(cfg.Output.Dir, "Ct_sig.nii.gz"), models.TypeConcentration)
	require.NoError(t, err)
	assert.Len(t, ct, 6)
}

func TestRunCommandErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := writeDataset(t, dir)

	// T1 map with a different matrix
	bad := models.NewImage3D(3, 1, 1, models.VoxelSize{X: 1, Y: 1, Z: 1}, models.TypeT1)
	cfg.Input.T1 = filepath.Join(dir, "T1_bad.nii")
	require.NoError(t, nifti.WriteImage(cfg.Input.T1, bad))
	configPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, config.SaveConfig(cfg, configPath))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--config", configPath})
	assert.Error(t, cmd.Execute())

	cmd = newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--config", configPath, "--cores", "0"})
	assert.ErrorIs(t, cmd.Execute(), config.ErrInvalid)
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "dcefit.yaml")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "init", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), path)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ETM", cfg.Model.Name)

	out.Reset()
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "validate", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "is valid")
}
