package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TZuanazzi/Liver-Segmentation-NN/checkpoints"
	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
)

func param(t *testing.T, name string, values ...float32) *tensor.Parameter {
	t.Helper()
	data := append([]float32(nil), values...)
	return tensor.NewParameter(name, mustTensor(t, []int{len(data)}, data))
}

func TestSGDStep(t *testing.T) {
	p := param(t, "w", 1)
	sgd := NewSGD([]*tensor.Parameter{p}, 0.1, 0, 0)
	p.Grad.Data[0] = 0.5
	require.NoError(t, sgd.Step())
	assert.InDelta(t, 0.95, p.Value.Data[0], 1e-6)

	sgd.ZeroGrad()
	assert.Equal(t, []float32{0}, p.Grad.Data)
}

func TestSGDMomentum(t *testing.T) {
	p := param(t, "w", 1)
	sgd := NewSGD([]*tensor.Parameter{p}, 0.1, 0.9, 0)
	for i := 0; i < 2; i++ {
		p.Grad.Data[0] = 1
		require.NoError(t, sgd.Step())
	}
	// velocities 1 then 1.9
	assert.InDelta(t, 0.71, p.Value.Data[0], 1e-6)
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	p := param(t, "w", 1, -1)
	adam := NewAdam([]*tensor.Parameter{p}, 0.01, 0.9, 0.999, 1e-8, 0)
	p.Grad.Data[0] = 0.5
	p.Grad.Data[1] = -2
	require.NoError(t, adam.Step())
	assert.InDelta(t, 0.99, p.Value.Data[0], 1e-6)
	assert.InDelta(t, -0.99, p.Value.Data[1], 1e-6)
	assert.Equal(t, 1, adam.Steps())
}

func TestAdamStateRoundTrip(t *testing.T) {
	grads := [][]float32{{0.3, -0.1}, {0.2, 0.4}, {-0.5, 0.1}, {0.05, 0.2}}

	a := param(t, "w", 0.5, -0.5)
	adamA := NewAdam([]*tensor.Parameter{a}, 0.05, 0.9, 0.999, 1e-8, 0)
	for _, g := range grads[:3] {
		copy(a.Grad.Data, g)
		require.NoError(t, adamA.Step())
	}

	b := param(t, "w", a.Value.Data...)
	adamB := NewAdam([]*tensor.Parameter{b}, 1, 0.9, 0.999, 1e-8, 0)
	require.NoError(t, adamB.LoadState(adamA.State()))
	assert.Equal(t, 0.05, adamB.GetLR())
	assert.Equal(t, 3, adamB.Steps())

	copy(a.Grad.Data, grads[3])
	copy(b.Grad.Data, grads[3])
	require.NoError(t, adamA.Step())
	require.NoError(t, adamB.Step())
	assert.Equal(t, a.Value.Data, b.Value.Data)
}

func TestSGDStateRoundTrip(t *testing.T) {
	a := param(t, "w", 1)
	sgdA := NewSGD([]*tensor.Parameter{a}, 0.1, 0.9, 0)
	a.Grad.Data[0] = 1
	require.NoError(t, sgdA.Step())

	b := param(t, "w", a.Value.Data...)
	sgdB := NewSGD([]*tensor.Parameter{b}, 0.1, 0.9, 0)
	require.NoError(t, sgdB.LoadState(sgdA.State()))

	a.Grad.Data[0], b.Grad.Data[0] = 1, 1
	require.NoError(t, sgdA.Step())
	require.NoError(t, sgdB.Step())
	assert.Equal(t, a.Value.Data, b.Value.Data)
}

func TestLoadStateRejectsMismatch(t *testing.T) {
	p := param(t, "w", 1, 2)
	adam := NewAdam([]*tensor.Parameter{p}, 0.1, 0.9, 0.999, 1e-8, 0)

	err := adam.LoadState(nil)
	assert.True(t, checkpoints.IsCorrupt(err))

	err = adam.LoadState(NewSGD([]*tensor.Parameter{p}, 0.1, 0.9, 0).State())
	assert.True(t, checkpoints.IsCorrupt(err))

	other := param(t, "w", 1, 2, 3)
	err = adam.LoadState(NewAdam([]*tensor.Parameter{other}, 0.1, 0.9, 0.999, 1e-8, 0).State())
	assert.True(t, checkpoints.IsCorrupt(err))

	renamed := param(t, "v", 1, 2)
	err = adam.LoadState(NewAdam([]*tensor.Parameter{renamed}, 0.1, 0.9, 0.999, 1e-8, 0).State())
	assert.True(t, checkpoints.IsCorrupt(err))
}

func TestNewOptimizer(t *testing.T) {
	params := []*tensor.Parameter{param(t, "w", 1)}
	opt, err := NewOptimizer("Adam", params, 1e-4, 0)
	require.NoError(t, err)
	assert.Equal(t, "Adam", opt.Name())
	assert.Equal(t, 1e-4, opt.GetLR())

	opt, err = NewOptimizer("sgd", params, 0.01, 0.9)
	require.NoError(t, err)
	assert.Equal(t, "SGD", opt.Name())

	_, err = NewOptimizer("rmsprop", params, 0.01, 0)
	assert.Error(t, err)
}
