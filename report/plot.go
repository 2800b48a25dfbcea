// Package report generates loss curve plots and the summary of test results.
package report

import (
	"bytes"

	"github.com/jnb666/houseprice/nnet"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Default size for saved plots
const (
	Width  = 6 * vg.Inch
	Height = 4 * vg.Inch
)

// Plot wraps a gonum plot
type Plot struct {
	*plot.Plot
}

func newPlot(title string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = vg.Points(12)
	p.Add(plotter.NewGrid())
	return p
}

// LossPlot returns a plot of the training and validation loss against epoch.
func LossPlot(stats []nnet.Stats) Plot {
	p := newPlot("RMSE loss on log price")
	series := []struct {
		name string
		val  func(nnet.Stats) float64
	}{
		{"train", func(s nnet.Stats) float64 { return s.TrainLoss }},
		{"valid", func(s nnet.Stats) float64 { return s.ValidLoss }},
	}
	xmax, ymax := 1.0, 0.0
	for _, s := range stats {
		xmax = max(xmax, float64(s.Epoch))
		ymax = max(ymax, s.TrainLoss, s.ValidLoss)
	}
	for i, ser := range series {
		pts := make(plotter.XYs, len(stats))
		for j, s := range stats {
			pts[j].X, pts[j].Y = float64(s.Epoch), ser.val(s)
		}
		l, err := plotter.NewLine(pts)
		if err != nil {
			continue
		}
		l.Width = 2
		l.Color = plotutil.Color(i)
		line := linePlot{Line: l, xmin: 1, xmax: xmax, ymin: 0, ymax: ymax}
		p.Add(line)
		p.Legend.Add(ser.name, line)
	}
	return Plot{Plot: p}
}

// Save the plot to file, format is from the file extension: e.g. png or svg
func (p Plot) Save(file string) error {
	return errors.Wrap(p.Plot.Save(Width, Height, file), "save plot")
}

// SVG returns the plot markup with the given size in pixels.
func (p Plot) SVG(w, h int) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := p.WriterTo(pixels(w), pixels(h), "svg")
	if err != nil {
		return nil, errors.Wrap(err, "svg plot")
	}
	if _, err = writer.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "svg plot")
	}
	return buf.Bytes(), nil
}

// convert from 96 dpi screen pixels to points
func pixels(n int) vg.Length {
	return vg.Points(float64(n) * 0.75)
}

// plotter.Line with a fixed scale
type linePlot struct {
	*plotter.Line
	xmin, xmax, ymin, ymax float64
}

func (l linePlot) DataRange() (xmin, xmax, ymin, ymax float64) {
	return l.xmin, l.xmax, l.ymin, l.ymax
}
