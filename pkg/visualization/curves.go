package visualization

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Curve is one concentration time-series of a voxel plot
type Curve struct {
	Label  string
	Times  []float64
	Values []float64
}

var curveColors = []color.Color{
	color.RGBA{R: 31, G: 119, B: 180, A: 255},
	color.RGBA{R: 214, G: 39, B: 40, A: 255},
	color.RGBA{R: 44, G: 160, B: 44, A: 255},
	color.RGBA{R: 148, G: 103, B: 189, A: 255},
}

// PlotCurves plots concentration curves against time and saves the figure.
// The image format follows the extension of filename.
func PlotCurves(title string, curves []Curve, filename string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (min)"
	p.Y.Label.Text = "Concentration (mM)"

	for i, c := range curves {
		if len(c.Times) != len(c.Values) {
			return fmt.Errorf("curve %q has %d times for %d values", c.Label, len(c.Times), len(c.Values))
		}
		pts := make(plotter.XYs, len(c.Times))
		for j := range c.Times {
			pts[j] = plotter.XY{X: c.Times[j], Y: c.Values[j]}
		}

		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return fmt.Errorf("curve %q: %w", c.Label, err)
		}
		col := curveColors[i%len(curveColors)]
		line.Color = col
		line.Width = vg.Points(1)
		points.Color = col
		points.Radius = vg.Points(2)
		p.Add(line, points)
		p.Legend.Add(c.Label, line, points)
	}
	p.Legend.Top = true

	if err := p.Save(8*vg.Inch, 4*vg.Inch, filename); err != nil {
		return fmt.Errorf("save curve plot: %w", err)
	}
	return nil
}
