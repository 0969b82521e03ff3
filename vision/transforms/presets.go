package transforms

import (
	"github.com/pkg/errors"
)

// StandardOptions parameterize the stock training and validation pipelines.
type StandardOptions struct {
	Height int
	Width  int
	FlipP  float64
	Mean   []float64
	Std    []float64
	Rotate *Rotate
	Affine *Affine
	Crop   *CenterCrop
}

// DefaultMean and DefaultStd are the channel statistics of the DSAD liver images.
var (
	DefaultMean = []float64{0.4338, 0.31936, 0.312387}
	DefaultStd  = []float64{0.1904, 0.15638, 0.15657}
)

// Standard builds ToTensor, optional Affine, optional Rotate, Resize,
// FlipVertical, FlipHorizontal, optional CenterCrop and Normalize in that order.
func Standard(opts StandardOptions) (*Pipeline, error) {
	if opts.Height <= 0 || opts.Width <= 0 {
		return nil, errors.Errorf("invalid target size %dx%d", opts.Height, opts.Width)
	}
	mean, std := opts.Mean, opts.Std
	if mean == nil {
		mean = DefaultMean
	}
	if std == nil {
		std = DefaultStd
	}
	if len(mean) != len(std) {
		return nil, errors.Errorf("%d means but %d stds", len(mean), len(std))
	}

	stages := []Stage{ToTensor{}}
	if opts.Affine != nil {
		stages = append(stages, *opts.Affine)
	}
	if opts.Rotate != nil {
		stages = append(stages, *opts.Rotate)
	}
	stages = append(stages,
		Resize{Height: opts.Height, Width: opts.Width},
		FlipVertical{P: opts.FlipP},
		FlipHorizontal{P: opts.FlipP},
	)
	if opts.Crop != nil {
		stages = append(stages, *opts.Crop)
	}
	stages = append(stages, Normalize{Mean: mean, Std: std})
	return Compose(stages...), nil
}

// Augmented builds the pipeline of augmentation instance m out of k for a
// directory. Instance m rotates by an angle from the m-th of k-1 equal slices
// of the full turn; from m = 2 on it also applies an Affine with scale
// 0.01*(m-1), probability 0.5, and translation limits of half the target size.
func Augmented(m, k int, opts StandardOptions) (*Pipeline, error) {
	if k < 2 {
		return nil, errors.Errorf("augmentation count %d leaves no augmented instances", k)
	}
	if m < 1 || m >= k {
		return nil, errors.Errorf("augmentation instance %d outside [1, %d)", m, k)
	}
	slice := 360.0 / float64(k-1)
	opts.Rotate = &Rotate{
		MinDegrees: float64(m-1) * slice,
		MaxDegrees: float64(m) * slice,
		P:          1,
	}
	opts.Affine = nil
	if m >= 2 {
		opts.Affine = &Affine{
			TranslateY: 0.5 * float64(opts.Height),
			TranslateX: 0.5 * float64(opts.Width),
			Scale:      0.01 * float64(m-1),
			P:          0.5,
		}
	}
	return Standard(opts)
}
