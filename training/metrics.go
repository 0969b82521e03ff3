package training

import (
	"fmt"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
)

// ConfusionMatrix counts element-wise agreement between predicted and true
// class values. Element values are read as class indices.
type ConfusionMatrix struct {
	NumClasses int
	Matrix     [][]int // [true_class][predicted_class]
	Total      int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.Total = 0
}

// Update adds every element pair of two same-shaped tensors.
func (cm *ConfusionMatrix) Update(predicted, target *tensor.Tensor) error {
	if !tensor.SameShape(predicted, target) {
		return errors.Errorf("confusion matrix needs equal shapes, got %v and %v", predicted.Shape, target.Shape)
	}
	for i, p := range predicted.Data {
		pc, tc := int(p), int(target.Data[i])
		if pc < 0 || pc >= cm.NumClasses || tc < 0 || tc >= cm.NumClasses {
			return errors.Errorf("class value out of range [0, %d): predicted %v, target %v", cm.NumClasses, p, target.Data[i])
		}
		cm.Matrix[tc][pc]++
	}
	cm.Total += len(predicted.Data)
	return nil
}

// Correct returns the number of elements where prediction and truth agree.
func (cm *ConfusionMatrix) Correct() int {
	n := 0
	for c := 0; c < cm.NumClasses; c++ {
		n += cm.Matrix[c][c]
	}
	return n
}

// Dice returns the micro-averaged Dice coefficient 2TP / (2TP + FP + FN)
// over every class except ignore. It is 0 when the denominator is 0.
func (cm *ConfusionMatrix) Dice(ignore int) float64 {
	var tp, fp, fn int
	for c := 0; c < cm.NumClasses; c++ {
		if c == ignore {
			continue
		}
		for other := 0; other < cm.NumClasses; other++ {
			switch {
			case other == c:
				tp += cm.Matrix[c][c]
			default:
				fp += cm.Matrix[other][c]
				fn += cm.Matrix[c][other]
			}
		}
	}
	denom := 2*tp + fp + fn
	if denom == 0 {
		return 0
	}
	return float64(2*tp) / float64(denom)
}

func (cm *ConfusionMatrix) String() string {
	return fmt.Sprintf("ConfusionMatrix(classes=%d, total=%d, correct=%d)", cm.NumClasses, cm.Total, cm.Correct())
}

// DiceAccumulator scores binarized predictions batch by batch and averages
// the per-batch Dice coefficients.
type DiceAccumulator struct {
	IgnoreIndex int
	NumClasses  int
	scores      []float64
}

// NewDiceAccumulator creates an accumulator for binary masks that ignores
// the given class value.
func NewDiceAccumulator(ignoreIndex int) *DiceAccumulator {
	return &DiceAccumulator{IgnoreIndex: ignoreIndex, NumClasses: 2}
}

// Update scores one batch and returns its Dice coefficient.
func (d *DiceAccumulator) Update(predicted, target *tensor.Tensor) (float64, error) {
	cm := NewConfusionMatrix(d.NumClasses)
	if err := cm.Update(predicted, target); err != nil {
		return 0, err
	}
	score := cm.Dice(d.IgnoreIndex)
	d.scores = append(d.scores, score)
	return score, nil
}

// Batches returns the number of scored batches.
func (d *DiceAccumulator) Batches() int { return len(d.scores) }

// Mean returns the mean per-batch Dice, or 0 before any batch.
func (d *DiceAccumulator) Mean() float64 {
	if len(d.scores) == 0 {
		return 0
	}
	m, err := stats.Mean(d.scores)
	if err != nil {
		return 0
	}
	return m
}

// Reset forgets every batch.
func (d *DiceAccumulator) Reset() { d.scores = d.scores[:0] }
