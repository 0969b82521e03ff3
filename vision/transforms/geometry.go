package transforms

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
)

// Rotate turns both slots counter-clockwise about their centre by an integer
// angle drawn uniformly from [MinDegrees, MaxDegrees]. Pixels that fall outside
// the source are filled with zero.
type Rotate struct {
	MinDegrees float64
	MaxDegrees float64
	P          float64
}

func (r Rotate) Name() string { return "Rotate" }

func (r Rotate) Apply(s Sample, rng *rand.Rand) (Sample, error) {
	if err := requireCHW(s); err != nil {
		return Sample{}, err
	}
	if !active(rng, r.P) {
		return s, nil
	}
	angle := r.drawAngle(rng)
	return warpSample(s, rotationMatrix(angle))
}

func (r Rotate) drawAngle(rng *rand.Rand) float64 {
	lo := int(math.Ceil(r.MinDegrees))
	hi := int(math.Floor(r.MaxDegrees))
	if hi < lo {
		return r.MinDegrees
	}
	return float64(lo + rng.Intn(hi-lo+1))
}

// Affine applies a random rotation, shear, translation and zoom. With r drawn
// uniformly from [0, 1) for each quantity: angle and shear are r*Scale*360
// degrees, translation is r*Scale times TranslateX or TranslateY pixels, and
// zoom is 1-Scale.
type Affine struct {
	TranslateY float64
	TranslateX float64
	Scale      float64
	P          float64
}

func (a Affine) Name() string { return "Affine" }

func (a Affine) Apply(s Sample, rng *rand.Rand) (Sample, error) {
	if err := requireCHW(s); err != nil {
		return Sample{}, err
	}
	if !active(rng, a.P) {
		return s, nil
	}
	angle := rng.Float64() * a.Scale * 360
	shear := rng.Float64() * a.Scale * 360
	ty := a.TranslateY * rng.Float64() * a.Scale
	tx := a.TranslateX * rng.Float64() * a.Scale
	zoom := 1 - a.Scale

	m := affineMatrix(angle, shear, zoom)
	if math.Abs(m.det()) < 1e-9 {
		return s, nil
	}
	m.tx, m.ty = tx, ty
	return warpSample(s, m)
}

// FlipHorizontal mirrors both slots left to right.
type FlipHorizontal struct {
	P float64
}

func (f FlipHorizontal) Name() string { return "FlipHorizontal" }

func (f FlipHorizontal) Apply(s Sample, rng *rand.Rand) (Sample, error) {
	if err := requireCHW(s); err != nil {
		return Sample{}, err
	}
	if !active(rng, f.P) {
		return s, nil
	}
	return Sample{Image: flip(s.Image, true), Label: flip(s.Label, true)}, nil
}

// FlipVertical mirrors both slots top to bottom.
type FlipVertical struct {
	P float64
}

func (f FlipVertical) Name() string { return "FlipVertical" }

func (f FlipVertical) Apply(s Sample, rng *rand.Rand) (Sample, error) {
	if err := requireCHW(s); err != nil {
		return Sample{}, err
	}
	if !active(rng, f.P) {
		return s, nil
	}
	return Sample{Image: flip(s.Image, false), Label: flip(s.Label, false)}, nil
}

func flip(t *tensor.Tensor, horizontal bool) *tensor.Tensor {
	out := tensor.ZerosLike(t)
	channels, h, w := t.Shape[0], t.Shape[1], t.Shape[2]
	for c := 0; c < channels; c++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				sx, sy := x, y
				if horizontal {
					sx = w - 1 - x
				} else {
					sy = h - 1 - y
				}
				out.Data[c*h*w+y*w+x] = t.Data[c*h*w+sy*w+sx]
			}
		}
	}
	return out
}

// linearMap is a 2x2 linear part about the image centre plus a translation,
// expressed in pixel coordinates with y pointing down.
type linearMap struct {
	a, b, c, d float64
	tx, ty     float64
}

func (m linearMap) det() float64 {
	return m.a*m.d - m.b*m.c
}

// rotationMatrix turns points counter-clockwise as seen on screen.
func rotationMatrix(degrees float64) linearMap {
	rad := degrees * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	return linearMap{a: cos, b: sin, c: -sin, d: cos}
}

// affineMatrix composes rotation, horizontal shear and isotropic zoom.
func affineMatrix(angle, shear, zoom float64) linearMap {
	r := rotationMatrix(angle)
	k := math.Tan(shear * math.Pi / 180)
	// rotation * shear, shear = [[1 k] [0 1]]
	m := linearMap{
		a: r.a,
		b: r.a*k + r.b,
		c: r.c,
		d: r.c*k + r.d,
	}
	m.a *= zoom
	m.b *= zoom
	m.c *= zoom
	m.d *= zoom
	return m
}

func warpSample(s Sample, m linearMap) (Sample, error) {
	img, err := warpNearest(s.Image, m)
	if err != nil {
		return Sample{}, err
	}
	label, err := warpNearest(s.Label, m)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Image: img, Label: label}, nil
}

// warpNearest maps every output pixel back through the inverse of m and
// copies the nearest source pixel, or zero when it lies outside the source.
func warpNearest(t *tensor.Tensor, m linearMap) (*tensor.Tensor, error) {
	det := m.det()
	if math.Abs(det) < 1e-12 {
		return nil, errors.New("singular geometric transform")
	}
	ia, ib := m.d/det, -m.b/det
	ic, id := -m.c/det, m.a/det

	channels, h, w := t.Shape[0], t.Shape[1], t.Shape[2]
	cx, cy := float64(w-1)/2, float64(h-1)/2
	out := tensor.ZerosLike(t)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := float64(x) - cx - m.tx
			dy := float64(y) - cy - m.ty
			sx := int(math.Round(ia*dx + ib*dy + cx))
			sy := int(math.Round(ic*dx + id*dy + cy))
			if sx < 0 || sx >= w || sy < 0 || sy >= h {
				continue
			}
			for ch := 0; ch < channels; ch++ {
				out.Data[ch*h*w+y*w+x] = t.Data[ch*h*w+sy*w+sx]
			}
		}
	}
	return out, nil
}
