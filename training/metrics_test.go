package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfusionMatrixDice(t *testing.T) {
	pred := mustTensor(t, []int{6}, []float32{1, 1, 0, 0, 1, 0})
	truth := mustTensor(t, []int{6}, []float32{1, 0, 1, 0, 1, 0})

	cm := NewConfusionMatrix(2)
	require.NoError(t, cm.Update(pred, truth))
	assert.Equal(t, 6, cm.Total)
	assert.Equal(t, 4, cm.Correct())

	// class 1: tp 2, fp 1, fn 1
	assert.InDelta(t, 4.0/6.0, cm.Dice(0), 1e-12)
	// class 0: tp 2, fp 1, fn 1 as well
	assert.InDelta(t, 4.0/6.0, cm.Dice(1), 1e-12)
	// both classes: tp 4, fp 2, fn 2
	assert.InDelta(t, 8.0/12.0, cm.Dice(-1), 1e-12)

	cm.Reset()
	assert.Equal(t, 0, cm.Total)
}

func TestDiceEmptyForeground(t *testing.T) {
	zeros := mustTensor(t, []int{4}, []float32{0, 0, 0, 0})
	cm := NewConfusionMatrix(2)
	require.NoError(t, cm.Update(zeros, zeros))
	assert.Zero(t, cm.Dice(0))
}

func TestConfusionMatrixRejectsBadInput(t *testing.T) {
	cm := NewConfusionMatrix(2)
	assert.Error(t, cm.Update(mustTensor(t, []int{2}, []float32{0, 2}), mustTensor(t, []int{2}, []float32{0, 1})))
	assert.Error(t, cm.Update(mustTensor(t, []int{2}, []float32{0, 1}), mustTensor(t, []int{1, 2}, []float32{0, 1})))
}

func TestDiceAccumulatorMean(t *testing.T) {
	d := NewDiceAccumulator(0)
	assert.Zero(t, d.Mean())

	perfect := mustTensor(t, []int{2}, []float32{1, 0})
	score, err := d.Update(perfect, perfect)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	score, err = d.Update(mustTensor(t, []int{2}, []float32{0, 1}), perfect)
	require.NoError(t, err)
	assert.Zero(t, score)

	assert.Equal(t, 2, d.Batches())
	assert.InDelta(t, 0.5, d.Mean(), 1e-12)
	d.Reset()
	assert.Equal(t, 0, d.Batches())
}
