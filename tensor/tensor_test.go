package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		tt, err := New([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
		require.NoError(t, err)
		assert.Equal(t, []int{3, 1}, tt.Strides)
		assert.Equal(t, 6, tt.NumElems)
		assert.Equal(t, 2, tt.Height())
		assert.Equal(t, 3, tt.Width())
	})

	t.Run("LengthMismatch", func(t *testing.T) {
		_, err := New([]int{2, 3}, []float32{1, 2})
		assert.Error(t, err)
	})

	t.Run("InvalidShape", func(t *testing.T) {
		_, err := New([]int{2, 0}, nil)
		assert.Error(t, err)
		_, err = Zeros(nil)
		assert.Error(t, err)
	})
}

func TestCloneIsIndependent(t *testing.T) {
	a, err := Full([]int{2, 2}, 3)
	require.NoError(t, err)
	b := a.Clone()
	b.Data[0] = 7
	assert.Equal(t, float32(3), a.Data[0])
	assert.True(t, SameShape(a, b))
}

func TestAllFinite(t *testing.T) {
	a, _ := New([]int{3}, []float32{1, 2, 3})
	assert.True(t, a.AllFinite())
	a.Data[1] = float32(math.NaN())
	assert.False(t, a.AllFinite())
	a.Data[1] = float32(math.Inf(1))
	assert.False(t, a.AllFinite())
}

func TestLayoutRoundTrip(t *testing.T) {
	// 2x2 image, 3 channels, values encode (y, x, c)
	data := make([]float32, 12)
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			for c := 0; c < 3; c++ {
				data[(y*2+x)*3+c] = float32(100*c + 10*y + x)
			}
		}
	}
	hwc, err := New([]int{2, 2, 3}, data)
	require.NoError(t, err)

	chw, err := hwc.HWCToCHW()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 2}, chw.Shape)
	assert.Equal(t, float32(211), chw.Data[2*4+1*2+1])

	back, err := chw.CHWToHWC()
	require.NoError(t, err)
	assert.Equal(t, hwc.Data, back.Data)
}

func TestCenterCrop(t *testing.T) {
	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i)
	}
	src, _ := New([]int{1, 4, 4}, data)

	t.Run("Even", func(t *testing.T) {
		out, err := src.CenterCrop(2, 2)
		require.NoError(t, err)
		assert.Equal(t, []float32{5, 6, 9, 10}, out.Data)
	})

	t.Run("OddOffsetRoundsHalfToEven", func(t *testing.T) {
		// (4-3)/2 = 0.5 rounds to 0
		out, err := src.CenterCrop(3, 3)
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 1, 2, 4, 5, 6, 8, 9, 10}, out.Data)
	})

	t.Run("TooLarge", func(t *testing.T) {
		_, err := src.CenterCrop(5, 4)
		assert.Error(t, err)
	})

	t.Run("Batched", func(t *testing.T) {
		batch, err := Stack([]*Tensor{src, src})
		require.NoError(t, err)
		out, err := batch.CenterCrop(2, 2)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 1, 2, 2}, out.Shape)
		assert.Equal(t, []float32{5, 6, 9, 10, 5, 6, 9, 10}, out.Data)
	})
}

func TestStackAndIndex(t *testing.T) {
	a, _ := Full([]int{1, 2, 2}, 1)
	b, _ := Full([]int{1, 2, 2}, 2)
	batch, err := Stack([]*Tensor{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 2, 2}, batch.Shape)

	second, err := batch.Index(1)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2, 2, 2}, second.Data)

	_, err = batch.Index(2)
	assert.Error(t, err)

	c, _ := Full([]int{1, 3, 2}, 1)
	_, err = Stack([]*Tensor{a, c})
	assert.Error(t, err)
	_, err = Stack(nil)
	assert.Error(t, err)
}

func TestThreshold(t *testing.T) {
	a, _ := New([]int{4}, []float32{0.2, 0.5, 0.51, 3})
	out := a.Threshold(0.5)
	assert.Equal(t, []float32{0, 0, 1, 1}, out.Data)
}

func TestParameterZeroGrad(t *testing.T) {
	v, _ := Full([]int{2}, 1)
	p := NewParameter("w", v)
	p.Grad.Data[0] = 4
	p.ZeroGrad()
	assert.Equal(t, []float32{0, 0}, p.Grad.Data)
}
