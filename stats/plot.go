package stats

import (
	"io"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Line is a named series of values indexed by epoch.
type Line struct {
	Name   string
	Values []float64
}

// LossPlot draws each series against epoch number with the y axis starting from zero.
func LossPlot(title string, lines ...Line) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"
	p.X.Padding, p.Y.Padding = 0, 0
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	for i, l := range lines {
		if len(l.Values) == 0 {
			continue
		}
		line, err := newLinePlot(l.Values, i)
		if err != nil {
			return nil, errors.Wrapf(err, "plot %s", l.Name)
		}
		p.Add(line)
		p.Legend.Add(l.Name, line)
	}
	return p, nil
}

// SavePlot writes the plot to a file, the format is taken from the extension.
func SavePlot(p *plot.Plot, path string) error {
	return errors.Wrap(p.Save(8*vg.Inch, 5*vg.Inch, path), "save plot")
}

// screen pixels per inch when converting a size in pixels to points
const dpi = 96

// PixelSize converts a width or height in pixels to a plot length.
func PixelSize(n int) vg.Length {
	return vg.Length(n) * vg.Inch / dpi
}

// WriteSVG renders the plot as SVG with the given size in pixels.
func WriteSVG(w io.Writer, p *plot.Plot, width, height int) error {
	writer, err := p.WriterTo(PixelSize(width), PixelSize(height), "svg")
	if err != nil {
		return errors.Wrap(err, "write plot")
	}
	_, err = writer.WriteTo(w)
	return err
}

func newLinePlot(values []float64, ix int) (linePlot, error) {
	pts := make(plotter.XYs, len(values))
	xmax, ymax := 1.0, 0.0
	for i, v := range values {
		pts[i].X, pts[i].Y = float64(i), v
		if pts[i].X > xmax {
			xmax = pts[i].X
		}
		if v > ymax {
			ymax = v
		}
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return linePlot{}, err
	}
	l.Width = 2
	l.Color = plotutil.Color(ix)
	return linePlot{Line: l, xmax: xmax, ymax: ymax}, nil
}

// plotter.Line with a fixed scale starting at the origin
type linePlot struct {
	*plotter.Line
	xmax, ymax float64
}

func (l linePlot) DataRange() (xmin, xmax, ymin, ymax float64) {
	return 0, l.xmax, 0, l.ymax
}
