package training

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/dataloader"
)

// DefaultThreshold binarizes model outputs during evaluation and export.
const DefaultThreshold = 0.5

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Scaler          *LossScaler // nil disables loss scaling
	Threshold       float32     // Prediction binarization level
	DiceIgnoreIndex int         // Class value left out of the Dice score
	Progress        io.Writer   // Progress bars, nil to disable
	Logger          *zap.SugaredLogger
}

// EpochResult summarizes one training epoch.
type EpochResult struct {
	LastLoss        float64 // Loss of the final batch
	LastLR          float64 // Learning rate after the end-of-epoch schedule decision
	Batches         int
	SkippedSteps    int // Optimizer steps skipped for non-finite gradients
	ScheduleStepped bool
}

// EvalResult summarizes one evaluation pass. Accuracy and Dice are
// percentages.
type EvalResult struct {
	Accuracy float64
	LastLoss float64
	Dice     float64
	Pixels   int
	Batches  int
}

// Trainer runs training epochs and evaluation passes for one model.
type Trainer struct {
	model     Model
	optimizer Optimizer
	criterion Loss
	schedule  *Schedule
	config    TrainingConfig
	gate      ScheduleGate
	steps     int
}

// NewTrainer creates a new Trainer
func NewTrainer(model Model, optimizer Optimizer, criterion Loss, schedule *Schedule, config TrainingConfig) *Trainer {
	if config.Threshold == 0 {
		config.Threshold = DefaultThreshold
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	if schedule == nil {
		schedule = NewSchedule(nil, optimizer.GetLR())
	}
	return &Trainer{
		model:     model,
		optimizer: optimizer,
		criterion: criterion,
		schedule:  schedule,
		config:    config,
	}
}

// Steps returns the number of training iterations run so far.
func (t *Trainer) Steps() int { return t.steps }

// SetSteps restores the iteration counter of a resumed run.
func (t *Trainer) SetSteps(steps int) { t.steps = steps }

// Schedule returns the learning-rate schedule driven by the trainer.
func (t *Trainer) Schedule() *Schedule { return t.schedule }

// Scaler returns the loss scaler, or nil when scaling is disabled.
func (t *Trainer) Scaler() *LossScaler { return t.config.Scaler }

// TrainEpoch runs one pass over loader and then decides whether the
// learning-rate schedule steps.
func (t *Trainer) TrainEpoch(ctx context.Context, loader *dataloader.DataLoader, epoch int) (EpochResult, error) {
	t.model.Train()
	t.optimizer.SetLR(t.schedule.LR())
	scaler := t.config.Scaler
	if scaler != nil {
		t.gate.Reset(scaler.Scale())
	}

	it := loader.Epoch(ctx, epoch)
	defer it.Close()
	bar := NewProgressBar(t.config.Progress, fmt.Sprintf("Epoch %d", epoch+1), it.Len())

	var res EpochResult
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, errors.Wrapf(err, "epoch %d", epoch+1)
		}
		loss, stepped, err := t.trainBatch(batch)
		if err != nil {
			return res, errors.Wrapf(err, "epoch %d batch %d", epoch+1, batch.Index)
		}
		if !stepped {
			res.SkippedSteps++
		}
		res.LastLoss = loss
		res.Batches++
		bar.Update(res.Batches, map[string]float64{"loss": loss})
	}
	bar.Finish()

	if scaler == nil || t.gate.ShouldStep(scaler.Scale()) {
		t.schedule.Step()
		res.ScheduleStepped = true
	} else {
		t.config.Logger.Infow("learning rate schedule held", "epoch", epoch+1, "loss_scale", scaler.Scale())
	}
	res.LastLR = t.schedule.LR()
	t.optimizer.SetLR(res.LastLR)
	return res, nil
}

func (t *Trainer) trainBatch(batch *dataloader.Batch) (float64, bool, error) {
	t.optimizer.ZeroGrad()
	pred, err := t.model.Forward(batch.Images)
	if err != nil {
		return 0, false, errors.Wrap(err, "forward pass")
	}
	labels, err := cropToPrediction(batch.Labels, pred)
	if err != nil {
		return 0, false, err
	}
	loss, grad, err := t.criterion.Forward(pred, labels)
	if err != nil {
		return 0, false, errors.Wrap(err, "loss")
	}
	t.steps++

	scaler := t.config.Scaler
	if scaler == nil {
		if err := t.model.Backward(grad); err != nil {
			return 0, false, errors.Wrap(err, "backward pass")
		}
		if err := t.optimizer.Step(); err != nil {
			return 0, false, errors.Wrap(err, "optimizer step")
		}
		return loss, true, nil
	}

	scaler.ScaleGrad(grad)
	if err := t.model.Backward(grad); err != nil {
		return 0, false, errors.Wrap(err, "backward pass")
	}
	before := scaler.Scale()
	stepped, err := scaler.Step(t.optimizer, t.model.Parameters())
	if err != nil {
		return 0, false, errors.Wrap(err, "optimizer step")
	}
	t.gate.Observe(before, scaler.Scale())
	return loss, stepped, nil
}

// Evaluate runs the model in evaluation mode over loader. Predictions are
// binarized before the loss, accuracy and Dice are computed. An empty loader
// yields a zero result.
func (t *Trainer) Evaluate(ctx context.Context, loader *dataloader.DataLoader, title string) (EvalResult, error) {
	t.model.Eval()
	defer t.model.Train()

	prefix := ""
	if title != "" {
		prefix = title + ": "
	}

	it := loader.Epoch(ctx, 0)
	defer it.Close()
	bar := NewProgressBar(t.config.Progress, prefix+"Check acc", it.Len())

	dice := NewDiceAccumulator(t.config.DiceIgnoreIndex)
	var res EvalResult
	correct := 0
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "evaluation")
		}
		pred, err := t.model.Forward(batch.Images)
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "evaluation forward pass")
		}
		labels, err := cropToPrediction(batch.Labels, pred)
		if err != nil {
			return EvalResult{}, err
		}
		binary := pred.Threshold(t.config.Threshold)
		loss, _, err := t.criterion.Forward(binary, labels)
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "evaluation loss")
		}
		for i, v := range binary.Data {
			if v == labels.Data[i] {
				correct++
			}
		}
		res.Pixels += binary.NumElems
		if _, err := dice.Update(binary, labels); err != nil {
			return EvalResult{}, errors.Wrap(err, "dice score")
		}
		res.LastLoss = loss
		res.Batches++
		bar.Update(res.Batches, map[string]float64{"acc": 100 * float64(correct) / float64(res.Pixels)})
	}
	bar.Finish()

	if res.Pixels > 0 {
		res.Accuracy = 100 * float64(correct) / float64(res.Pixels)
	}
	res.Dice = 100 * dice.Mean()
	t.config.Logger.Infof("%sGot an accuracy of %.4f, Dice score: %.4f", prefix, res.Accuracy, res.Dice)
	return res, nil
}

// Predict runs inference on a single batch and returns the binarized output.
func (t *Trainer) Predict(input *tensor.Tensor) (*tensor.Tensor, error) {
	t.model.Eval()
	defer t.model.Train()
	pred, err := t.model.Forward(input)
	if err != nil {
		return nil, errors.Wrap(err, "prediction forward pass")
	}
	return pred.Threshold(t.config.Threshold), nil
}

// cropToPrediction center-crops labels to the spatial size of pred, for
// models whose output is smaller than their input.
func cropToPrediction(labels, pred *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := labels.CenterCrop(pred.Height(), pred.Width())
	if err != nil {
		return nil, errors.Wrap(err, "cropping labels to prediction size")
	}
	return out, nil
}
