package training

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/dataloader"
)

const (
	// PredictionDir is the folder, under the output root, that receives the
	// exported prediction grids.
	PredictionDir = "saved_images"

	gridColumns = 8
	gridPadding = 2
)

// PredictionExporter writes the binarized predictions and the ground truth of
// every batch as PNG grids named pred_<i>.png and y_<i>.png.
type PredictionExporter struct {
	Fs        afero.Fs
	Dir       string
	Model     Model
	Gray      bool    // Render only the first channel, as gray
	Threshold float32 // Defaults to DefaultThreshold
}

// Export runs inference over loader and writes one pair of grids per batch.
func (e *PredictionExporter) Export(ctx context.Context, loader *dataloader.DataLoader) (int, error) {
	if err := e.Fs.MkdirAll(e.Dir, 0755); err != nil {
		return 0, errors.Wrapf(err, "creating %s", e.Dir)
	}
	threshold := e.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}

	e.Model.Eval()
	defer e.Model.Train()

	it := loader.Epoch(ctx, 0)
	defer it.Close()
	written := 0
	for {
		batch, err := it.Next()
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, errors.Wrap(err, "exporting predictions")
		}
		pred, err := e.Model.Forward(batch.Images)
		if err != nil {
			return written, errors.Wrap(err, "export forward pass")
		}
		labels, err := cropToPrediction(batch.Labels, pred)
		if err != nil {
			return written, err
		}
		idx := batch.Index
		if err := e.write(fmt.Sprintf("pred_%d.png", idx), pred.Threshold(threshold)); err != nil {
			return written, err
		}
		if err := e.write(fmt.Sprintf("y_%d.png", idx), labels); err != nil {
			return written, err
		}
		written++
	}
}

func (e *PredictionExporter) write(name string, batch *tensor.Tensor) error {
	grid, err := makeGrid(batch, e.Gray)
	if err != nil {
		return errors.Wrapf(err, "rendering %s", name)
	}
	path := filepath.Join(e.Dir, name)
	f, err := e.Fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if err := imaging.Encode(f, grid, imaging.PNG); err != nil {
		f.Close()
		return errors.Wrapf(err, "encoding %s", path)
	}
	return errors.Wrapf(f.Close(), "closing %s", path)
}

// makeGrid lays out an NCHW batch in rows of up to eight tiles separated by
// a black border.
func makeGrid(batch *tensor.Tensor, gray bool) (*image.NRGBA, error) {
	if batch.Rank() != 4 {
		return nil, errors.Errorf("grid needs an NCHW batch, got shape %v", batch.Shape)
	}
	n, h, w := batch.Shape[0], batch.Height(), batch.Width()
	cols := n
	if cols > gridColumns {
		cols = gridColumns
	}
	rows := (n + cols - 1) / cols
	grid := imaging.New(cols*(w+gridPadding)+gridPadding, rows*(h+gridPadding)+gridPadding, color.Black)
	for k := 0; k < n; k++ {
		sample, err := batch.Index(k)
		if err != nil {
			return nil, err
		}
		tile := toRGB(sample, gray)
		x := gridPadding + (k%cols)*(w+gridPadding)
		y := gridPadding + (k/cols)*(h+gridPadding)
		grid = imaging.Paste(grid, tile, image.Pt(x, y))
	}
	return grid, nil
}

// toRGB renders a CHW tensor with values in [0, 1]. One channel is shown as
// gray, two channels as red and green, and more channels use the first three.
func toRGB(t *tensor.Tensor, gray bool) *image.NRGBA {
	c, h, w := t.Shape[0], t.Height(), t.Width()
	plane := h * w
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := y*w + x
			var r, g, b uint8
			switch {
			case c == 1 || gray:
				r = toByte(t.Data[px])
				g, b = r, r
			case c == 2:
				r = toByte(t.Data[px])
				g = toByte(t.Data[plane+px])
			default:
				r = toByte(t.Data[px])
				g = toByte(t.Data[plane+px])
				b = toByte(t.Data[2*plane+px])
			}
			img.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return img
}

func toByte(v float32) uint8 {
	f := float64(v)*255 + 0.5
	switch {
	case f < 0:
		return 0
	case f > 255:
		return 255
	}
	return uint8(f)
}
