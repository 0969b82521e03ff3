package tensor

import (
	"fmt"
	"math"
)

// HWCToCHW moves the channel axis of a rank-3 HWC tensor to the front.
func (t *Tensor) HWCToCHW() (*Tensor, error) {
	if t.Rank() != 3 {
		return nil, fmt.Errorf("HWC to CHW requires a rank-3 tensor, got shape %v", t.Shape)
	}
	h, w, c := t.Shape[0], t.Shape[1], t.Shape[2]
	out := make([]float32, t.NumElems)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				out[ch*h*w+y*w+x] = t.Data[(y*w+x)*c+ch]
			}
		}
	}
	return New([]int{c, h, w}, out)
}

// CHWToHWC is the inverse of HWCToCHW.
func (t *Tensor) CHWToHWC() (*Tensor, error) {
	if t.Rank() != 3 {
		return nil, fmt.Errorf("CHW to HWC requires a rank-3 tensor, got shape %v", t.Shape)
	}
	c, h, w := t.Shape[0], t.Shape[1], t.Shape[2]
	out := make([]float32, t.NumElems)
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out[(y*w+x)*c+ch] = t.Data[ch*h*w+y*w+x]
			}
		}
	}
	return New([]int{h, w, c}, out)
}

// CenterCrop truncates the last two dimensions symmetrically to height x width.
// Offsets round half to even, matching the usual vision-library convention.
func (t *Tensor) CenterCrop(height, width int) (*Tensor, error) {
	if t.Rank() < 2 {
		return nil, fmt.Errorf("center crop requires at least 2 dimensions, got shape %v", t.Shape)
	}
	srcH, srcW := t.Height(), t.Width()
	if height > srcH || width > srcW {
		return nil, fmt.Errorf("center crop %dx%d larger than source %dx%d", height, width, srcH, srcW)
	}
	if height == srcH && width == srcW {
		return t.Clone(), nil
	}

	top := int(math.RoundToEven(float64(srcH-height) / 2.0))
	left := int(math.RoundToEven(float64(srcW-width) / 2.0))

	planes := t.NumElems / (srcH * srcW)
	out := make([]float32, planes*height*width)
	for p := 0; p < planes; p++ {
		src := t.Data[p*srcH*srcW:]
		dst := out[p*height*width:]
		for y := 0; y < height; y++ {
			copy(dst[y*width:(y+1)*width], src[(top+y)*srcW+left:(top+y)*srcW+left+width])
		}
	}

	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	shape[len(shape)-2] = height
	shape[len(shape)-1] = width
	return New(shape, out)
}

// Stack joins same-shaped tensors along a new leading batch dimension.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}
	first := items[0]
	out := make([]float32, 0, len(items)*first.NumElems)
	for i, item := range items {
		if !SameShape(first, item) {
			return nil, fmt.Errorf("stack: tensor %d has shape %v, expected %v", i, item.Shape, first.Shape)
		}
		out = append(out, item.Data...)
	}
	return New(append([]int{len(items)}, first.Shape...), out)
}

// Index returns a copy of element i along the leading dimension.
func (t *Tensor) Index(i int) (*Tensor, error) {
	if t.Rank() < 2 {
		return nil, fmt.Errorf("index requires at least 2 dimensions, got shape %v", t.Shape)
	}
	if i < 0 || i >= t.Shape[0] {
		return nil, fmt.Errorf("index %d out of range [0, %d)", i, t.Shape[0])
	}
	size := t.NumElems / t.Shape[0]
	out := make([]float32, size)
	copy(out, t.Data[i*size:(i+1)*size])
	return New(t.Shape[1:], out)
}

// Threshold returns a tensor holding 1 where t > level and 0 elsewhere.
func (t *Tensor) Threshold(level float32) *Tensor {
	out := ZerosLike(t)
	for i, v := range t.Data {
		if v > level {
			out.Data[i] = 1
		}
	}
	return out
}

// Scale multiplies every element by factor in place.
func (t *Tensor) Scale(factor float32) {
	for i := range t.Data {
		t.Data[i] *= factor
	}
}
