package training

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/TZuanazzi/Liver-Segmentation-NN/checkpoints"
)

// plotSeries maps history columns to legend entries, in drawing order.
var plotSeries = []struct {
	column string
	legend string
}{
	{"acc-valid", "accuracy-validation"},
	{"acc-test", "accuracy-test"},
	{"dice score-valid", "dice score-validation"},
	{"dice score-test", "dice score-test"},
	{"loss", "loss"},
}

// PlotHistory draws every metric of the history against the row index and
// writes the chart as a PNG.
func PlotHistory(fs afero.Fs, path string, history *checkpoints.History) error {
	if history.Len() == 0 {
		return errors.New("cannot plot an empty history")
	}
	p, err := plot.New()
	if err != nil {
		return errors.Wrap(err, "creating plot")
	}
	p.Title.Text = "Training history"
	p.X.Label.Text = "Epochs"
	p.Y.Label.Text = "Accuracy, Loss, and Dice score"

	var lines []interface{}
	for _, s := range plotSeries {
		values, err := history.Column(s.column)
		if err != nil {
			return err
		}
		pts := make(plotter.XYs, len(values))
		for i, v := range values {
			pts[i].X = float64(i)
			pts[i].Y = v
		}
		lines = append(lines, s.legend, pts)
	}
	if err := plotutil.AddLines(p, lines...); err != nil {
		return errors.Wrap(err, "adding lines")
	}

	wt, err := p.WriterTo(8*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return errors.Wrap(err, "rendering plot")
	}
	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if _, err := wt.WriteTo(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return errors.Wrapf(f.Close(), "closing %s", path)
}
