package models

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
)

func randomTensor(t *testing.T, rng *rand.Rand, shape ...int) *tensor.Tensor {
	t.Helper()
	out, err := tensor.Zeros(shape)
	require.NoError(t, err)
	for i := range out.Data {
		out.Data[i] = float32(rng.Float64()*2 - 1)
	}
	return out
}

func TestPixelClassifierShapes(t *testing.T) {
	m, err := NewPixelClassifier(PixelClassifierConfig{InChannels: 3, Classes: 2, Trim: 1, Seed: 3})
	require.NoError(t, err)

	x := randomTensor(t, rand.New(rand.NewSource(1)), 2, 3, 6, 5)
	y, err := m.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 4, 3}, y.Shape)
	for _, v := range y.Data {
		assert.True(t, v > 0 && v < 1)
	}

	_, err = m.Forward(randomTensor(t, rand.New(rand.NewSource(1)), 1, 1, 6, 6))
	assert.Error(t, err)
	_, err = m.Forward(randomTensor(t, rand.New(rand.NewSource(1)), 1, 3, 2, 2))
	assert.Error(t, err)
}

func TestPixelClassifierDeterministicInit(t *testing.T) {
	a, err := NewPixelClassifier(DefaultPixelClassifierConfig())
	require.NoError(t, err)
	b, err := NewPixelClassifier(DefaultPixelClassifierConfig())
	require.NoError(t, err)
	assert.Equal(t, a.Parameters()[0].Value.Data, b.Parameters()[0].Value.Data)
	assert.Equal(t, "head.weight", a.Parameters()[0].Name)
	assert.Equal(t, "head.bias", a.Parameters()[1].Name)
}

// The analytic gradient of sum(output * g) matches central differences.
func TestPixelClassifierGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m, err := NewPixelClassifier(PixelClassifierConfig{InChannels: 3, Classes: 2, Seed: 5})
	require.NoError(t, err)
	x := randomTensor(t, rng, 1, 3, 3, 3)
	g := randomTensor(t, rng, 1, 2, 3, 3)

	objective := func() float64 {
		y, err := m.Forward(x)
		require.NoError(t, err)
		var sum float64
		for i, v := range y.Data {
			sum += float64(v) * float64(g.Data[i])
		}
		return sum
	}

	objective()
	require.NoError(t, m.Backward(g))

	const eps = 1e-2
	for _, p := range m.Parameters() {
		for i := range p.Value.Data {
			orig := p.Value.Data[i]
			p.Value.Data[i] = orig + eps
			up := objective()
			p.Value.Data[i] = orig - eps
			down := objective()
			p.Value.Data[i] = orig
			numeric := (up - down) / (2 * eps)
			assert.InDelta(t, numeric, float64(p.Grad.Data[i]), 5e-3, "%s[%d]", p.Name, i)
		}
	}
}

func TestPixelClassifierBackwardBeforeForward(t *testing.T) {
	m, err := NewPixelClassifier(DefaultPixelClassifierConfig())
	require.NoError(t, err)
	g, err := tensor.Zeros([]int{1, 2, 2, 2})
	require.NoError(t, err)
	assert.Error(t, m.Backward(g))
}
