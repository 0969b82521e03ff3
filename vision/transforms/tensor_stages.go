package transforms

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
)

// ToTensor converts both slots from HWC to CHW. Image values are scaled from
// [0, 255] to [0, 1]; label values are kept as they are.
type ToTensor struct{}

func (ToTensor) Name() string { return "ToTensor" }

func (ToTensor) Apply(s Sample, _ *rand.Rand) (Sample, error) {
	if s.Image == nil || s.Label == nil {
		return Sample{}, errors.New("sample has an empty slot")
	}
	img, err := s.Image.HWCToCHW()
	if err != nil {
		return Sample{}, errors.Wrap(err, "image")
	}
	img.Scale(1.0 / 255.0)
	label, err := s.Label.HWCToCHW()
	if err != nil {
		return Sample{}, errors.Wrap(err, "label")
	}
	return Sample{Image: img, Label: label}, nil
}

// Normalize standardizes the image slot per channel. The label is never touched.
type Normalize struct {
	Mean []float64
	Std  []float64
}

func (n Normalize) Name() string { return "Normalize" }

func (n Normalize) Apply(s Sample, _ *rand.Rand) (Sample, error) {
	if s.Image == nil || s.Image.Rank() != 3 {
		return Sample{}, errors.New("normalize expects a CHW image")
	}
	channels := s.Image.Shape[0]
	if len(n.Mean) != channels || len(n.Std) != channels {
		return Sample{}, errors.Errorf("normalize has %d means and %d stds for %d channels", len(n.Mean), len(n.Std), channels)
	}
	out := s.Image.Clone()
	plane := out.Height() * out.Width()
	for c := 0; c < channels; c++ {
		if n.Std[c] == 0 {
			return Sample{}, errors.Errorf("normalize: std of channel %d is zero", c)
		}
		mean, std := float32(n.Mean[c]), float32(n.Std[c])
		data := out.Data[c*plane : (c+1)*plane]
		for i := range data {
			data[i] = (data[i] - mean) / std
		}
	}
	return Sample{Image: out, Label: s.Label}, nil
}

func (n Normalize) String() string {
	return fmt.Sprintf("Normalize(mean=%v, std=%v)", n.Mean, n.Std)
}

// CenterCrop trims both slots symmetrically to Height x Width.
type CenterCrop struct {
	Height int
	Width  int
}

func (c CenterCrop) Name() string { return "CenterCrop" }

func (c CenterCrop) Apply(s Sample, _ *rand.Rand) (Sample, error) {
	if err := requireCHW(s); err != nil {
		return Sample{}, err
	}
	img, err := s.Image.CenterCrop(c.Height, c.Width)
	if err != nil {
		return Sample{}, err
	}
	label, err := s.Label.CenterCrop(c.Height, c.Width)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Image: img, Label: label}, nil
}

// Resize rescales both slots to Height x Width. The image is interpolated
// bilinearly; the label uses nearest neighbour so one-hot masks stay one-hot.
type Resize struct {
	Height int
	Width  int
}

func (r Resize) Name() string { return "Resize" }

func (r Resize) Apply(s Sample, _ *rand.Rand) (Sample, error) {
	if err := requireCHW(s); err != nil {
		return Sample{}, err
	}
	if r.Height <= 0 || r.Width <= 0 {
		return Sample{}, errors.Errorf("invalid resize target %dx%d", r.Height, r.Width)
	}
	img, err := resizeBilinear(s.Image, r.Height, r.Width)
	if err != nil {
		return Sample{}, err
	}
	label, err := resizeNearest(s.Label, r.Height, r.Width)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Image: img, Label: label}, nil
}

func resizeBilinear(t *tensor.Tensor, height, width int) (*tensor.Tensor, error) {
	channels, srcH, srcW := t.Shape[0], t.Shape[1], t.Shape[2]
	if srcH == height && srcW == width {
		return t.Clone(), nil
	}
	out := make([]float32, channels*height*width)
	scaleY := float64(srcH) / float64(height)
	scaleX := float64(srcW) / float64(width)

	for y := 0; y < height; y++ {
		fy := clampf((float64(y)+0.5)*scaleY-0.5, 0, float64(srcH-1))
		y0 := int(fy)
		y1 := minInt(y0+1, srcH-1)
		wy := float32(fy - float64(y0))
		for x := 0; x < width; x++ {
			fx := clampf((float64(x)+0.5)*scaleX-0.5, 0, float64(srcW-1))
			x0 := int(fx)
			x1 := minInt(x0+1, srcW-1)
			wx := float32(fx - float64(x0))
			for c := 0; c < channels; c++ {
				src := t.Data[c*srcH*srcW:]
				top := src[y0*srcW+x0]*(1-wx) + src[y0*srcW+x1]*wx
				bottom := src[y1*srcW+x0]*(1-wx) + src[y1*srcW+x1]*wx
				out[c*height*width+y*width+x] = top*(1-wy) + bottom*wy
			}
		}
	}
	return tensor.New([]int{channels, height, width}, out)
}

func resizeNearest(t *tensor.Tensor, height, width int) (*tensor.Tensor, error) {
	channels, srcH, srcW := t.Shape[0], t.Shape[1], t.Shape[2]
	if srcH == height && srcW == width {
		return t.Clone(), nil
	}
	out := make([]float32, channels*height*width)
	for y := 0; y < height; y++ {
		sy := minInt(y*srcH/height, srcH-1)
		for x := 0; x < width; x++ {
			sx := minInt(x*srcW/width, srcW-1)
			for c := 0; c < channels; c++ {
				out[c*height*width+y*width+x] = t.Data[c*srcH*srcW+sy*srcW+sx]
			}
		}
	}
	return tensor.New([]int{channels, height, width}, out)
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
