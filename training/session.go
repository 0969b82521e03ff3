package training

import (
	"context"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/TZuanazzi/Liver-Segmentation-NN/checkpoints"
	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/dataloader"
)

// SessionConfig selects what a Session does and where it keeps its files.
type SessionConfig struct {
	NumEpochs int
	LastEpoch int // Epochs already completed when resuming

	LoadModel        bool   // Evaluate a saved checkpoint on the validation loader
	ContinueTraining bool   // Resume a run from CheckpointPath and its history
	CheckpointPath   string // Defaults to the store checkpoint of LastEpoch

	SaveModel        bool // Write checkpoints and the history table
	StartSave        int  // First epoch (1-based) that writes a checkpoint
	ResultsDir       string
	CheckpointFormat checkpoints.CheckpointFormat

	SaveImages bool   // Export validation predictions after every epoch
	GrayImages bool   // Export only the first channel, as gray
	ImagesRoot string // Predictions go to ImagesRoot/saved_images
	PlotPath   string // Metrics chart, empty to disable
}

// Loaders are the three loaders of a run.
type Loaders struct {
	Train *dataloader.DataLoader
	Valid *dataloader.DataLoader
	Test  *dataloader.DataLoader
}

// ModelScore is the validation result of one saved checkpoint.
type ModelScore struct {
	Path   string
	Epoch  int
	Result EvalResult
}

// Session drives a whole run: the pre-training evaluation or the resume
// from a checkpoint, the epoch loop, checkpoints, history and exports.
type Session struct {
	fs      afero.Fs
	cfg     SessionConfig
	trainer *Trainer
	loaders Loaders
	store   *checkpoints.Store
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewSession creates a session around a configured trainer.
func NewSession(fs afero.Fs, cfg SessionConfig, trainer *Trainer, loaders Loaders, logger *zap.SugaredLogger) (*Session, error) {
	if trainer == nil {
		return nil, errors.New("trainer cannot be nil")
	}
	if loaders.Valid == nil || loaders.Test == nil {
		return nil, errors.New("validation and test loaders are required")
	}
	if cfg.LastEpoch < 0 || cfg.LastEpoch > cfg.NumEpochs {
		return nil, errors.Errorf("last epoch %d outside [0, %d]", cfg.LastEpoch, cfg.NumEpochs)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Session{
		fs:      fs,
		cfg:     cfg,
		trainer: trainer,
		loaders: loaders,
		store:   checkpoints.NewStore(fs, cfg.ResultsDir, cfg.CheckpointFormat, logger),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Store returns the checkpoint store of the session.
func (s *Session) Store() *checkpoints.Store { return s.store }

// HistoryPath returns where the metrics table is written.
func (s *Session) HistoryPath() string {
	return filepath.Join(s.cfg.ResultsDir, checkpoints.HistoryFile)
}

// Run executes the configured mode. When only LoadModel is set, it
// evaluates the checkpoint and returns a nil history.
func (s *Session) Run(ctx context.Context) (*checkpoints.History, error) {
	if s.cfg.LoadModel {
		ckpt, err := s.store.Load(s.checkpointPath())
		if err != nil {
			return nil, err
		}
		if err := checkpoints.RestoreWeights(ckpt, s.trainer.model.Parameters()); err != nil {
			return nil, s.corrupt(err)
		}
		if _, err := s.trainer.Evaluate(ctx, s.loaders.Valid, "Validating"); err != nil {
			return nil, err
		}
		if !s.cfg.ContinueTraining {
			return nil, nil
		}
	}
	if s.loaders.Train == nil {
		return nil, errors.New("training needs a train loader")
	}
	if err := s.checkFreeSlots(); err != nil {
		return nil, err
	}

	var history *checkpoints.History
	var lastTime float64
	start := s.now()
	if s.cfg.ContinueTraining {
		s.logger.Info("continue training")
		var err error
		if history, err = s.resume(); err != nil {
			return nil, err
		}
		lastTime = history.Last().TimeTaken
	} else {
		s.logger.Info("start training")
		history = &checkpoints.History{}
		valid, err := s.trainer.Evaluate(ctx, s.loaders.Valid, "Validating")
		if err != nil {
			return nil, err
		}
		test, err := s.trainer.Evaluate(ctx, s.loaders.Test, "Testing")
		if err != nil {
			return nil, err
		}
		lastTime = s.now().Sub(start).Minutes()
		history.Append(checkpoints.HistoryRow{
			AccValid:  valid.Accuracy,
			AccTest:   test.Accuracy,
			Loss:      valid.LastLoss,
			DiceValid: valid.Dice,
			DiceTest:  test.Dice,
			TimeTaken: lastTime,
		})
	}

	start = s.now()
	for epoch := s.cfg.LastEpoch; epoch < s.cfg.NumEpochs; epoch++ {
		if err := s.runEpoch(ctx, epoch, history, start, lastTime); err != nil {
			return history, err
		}
	}
	return history, nil
}

// runEpoch trains one epoch and records it. The history row is written
// before the checkpoint, so a failure anywhere in the epoch never leaves a
// checkpoint without its row and the run stays resumable from the previous
// epoch.
func (s *Session) runEpoch(ctx context.Context, epoch int, history *checkpoints.History, start time.Time, lastTime float64) error {
	res, err := s.trainer.TrainEpoch(ctx, s.loaders.Train, epoch)
	if err != nil {
		return err
	}
	var ckpt *checkpoints.Checkpoint
	if s.cfg.SaveModel && epoch >= s.cfg.StartSave-1 {
		ckpt = s.snapshot(epoch + 1)
	}

	valid, err := s.trainer.Evaluate(ctx, s.loaders.Valid, "Validating")
	if err != nil {
		return err
	}
	test, err := s.trainer.Evaluate(ctx, s.loaders.Test, "Testing")
	if err != nil {
		return err
	}
	elapsed := s.now().Sub(start)
	history.Append(checkpoints.HistoryRow{
		AccValid:  valid.Accuracy,
		AccTest:   test.Accuracy,
		Loss:      res.LastLoss,
		DiceValid: valid.Dice,
		DiceTest:  test.Dice,
		TimeTaken: elapsed.Minutes() + lastTime,
	})

	if s.cfg.SaveImages {
		exporter := &PredictionExporter{
			Fs:        s.fs,
			Dir:       filepath.Join(s.cfg.ImagesRoot, PredictionDir),
			Model:     s.trainer.model,
			Gray:      s.cfg.GrayImages,
			Threshold: s.trainer.config.Threshold,
		}
		if _, err := exporter.Export(ctx, s.loaders.Valid); err != nil {
			return err
		}
	}
	if s.cfg.SaveModel {
		if err := history.Save(s.fs, s.HistoryPath()); err != nil {
			return err
		}
	}
	if ckpt != nil {
		if _, err := s.store.Save(ckpt); err != nil {
			return err
		}
	}
	if s.cfg.PlotPath != "" {
		if err := PlotHistory(s.fs, s.cfg.PlotPath, history); err != nil {
			return err
		}
	}

	s.logger.Infow("epoch finished",
		"epoch", epoch+1,
		"loss", res.LastLoss,
		"time_taken_min", history.Last().TimeTaken,
		"elapsed", elapsed.Round(time.Second).String(),
		"last_lr", res.LastLR)
	return nil
}

// resume restores the full training state and the history of the completed
// epochs. History rows past LastEpoch are dropped.
func (s *Session) resume() (*checkpoints.History, error) {
	ckpt, err := s.store.Load(s.checkpointPath())
	if err != nil {
		return nil, err
	}
	if err := s.restore(ckpt); err != nil {
		return nil, s.corrupt(err)
	}
	if ckpt.TrainingState.Epoch != s.cfg.LastEpoch {
		s.logger.Warnw("checkpoint epoch differs from last epoch",
			"checkpoint_epoch", ckpt.TrainingState.Epoch, "last_epoch", s.cfg.LastEpoch)
	}

	history, err := checkpoints.LoadHistory(s.fs, s.HistoryPath())
	if err != nil {
		return nil, err
	}
	if history.Len() < s.cfg.LastEpoch+1 {
		return nil, errors.Errorf("history %s has %d rows, resuming after epoch %d needs %d",
			s.HistoryPath(), history.Len(), s.cfg.LastEpoch, s.cfg.LastEpoch+1)
	}
	history.Truncate(s.cfg.LastEpoch + 1)
	return history, nil
}

// restore puts a checkpoint back into the model, optimizer, schedule and
// loss scaler.
func (s *Session) restore(ckpt *checkpoints.Checkpoint) error {
	t := s.trainer
	if err := checkpoints.RestoreWeights(ckpt, t.model.Parameters()); err != nil {
		return err
	}
	if err := t.optimizer.LoadState(ckpt.OptimizerState); err != nil {
		return err
	}
	state := ckpt.TrainingState
	if err := t.schedule.Restore(state.ScheduleSteps); err != nil {
		return &checkpoints.CorruptCheckpointError{Reason: err.Error()}
	}
	t.optimizer.SetLR(t.schedule.LR())
	if scaler := t.config.Scaler; scaler != nil && state.LossScale > 0 {
		if err := scaler.Restore(state.LossScale, state.GrowthTracker); err != nil {
			return &checkpoints.CorruptCheckpointError{Reason: err.Error()}
		}
	}
	t.SetSteps(state.Step)
	return nil
}

// snapshot captures the state at the end of epoch (1-based).
func (s *Session) snapshot(epoch int) *checkpoints.Checkpoint {
	t := s.trainer
	state := checkpoints.TrainingState{
		Epoch:         epoch,
		Step:          t.Steps(),
		LearningRate:  t.schedule.LR(),
		ScheduleSteps: t.schedule.Steps(),
	}
	if t.config.Scaler != nil {
		state.LossScale, state.GrowthTracker = t.config.Scaler.State()
	}
	return &checkpoints.Checkpoint{
		Weights:        checkpoints.ExtractWeights(t.model.Parameters()),
		TrainingState:  state,
		OptimizerState: t.optimizer.State(),
	}
}

// checkFreeSlots fails with ErrCheckpointExists when a checkpoint the run
// would write is already on disk, before anything is trained or written.
func (s *Session) checkFreeSlots() error {
	if !s.cfg.SaveModel {
		return nil
	}
	first := s.cfg.LastEpoch
	if first < s.cfg.StartSave-1 {
		first = s.cfg.StartSave - 1
	}
	for epoch := first; epoch < s.cfg.NumEpochs; epoch++ {
		path := s.store.Path(epoch + 1)
		exists, err := afero.Exists(s.fs, path)
		if err != nil {
			return errors.Wrapf(err, "checking %s", path)
		}
		if exists {
			return errors.Wrap(checkpoints.ErrCheckpointExists, path)
		}
	}
	return nil
}

func (s *Session) checkpointPath() string {
	if s.cfg.CheckpointPath != "" {
		return s.cfg.CheckpointPath
	}
	return s.store.Path(s.cfg.LastEpoch)
}

func (s *Session) corrupt(err error) error {
	var corrupt *checkpoints.CorruptCheckpointError
	if errors.As(err, &corrupt) && corrupt.Path == "" {
		corrupt.Path = s.checkpointPath()
	}
	return err
}

// TestModels evaluates every checkpoint found in dir on the validation
// loader, in epoch order.
func (s *Session) TestModels(ctx context.Context, dir string) ([]ModelScore, error) {
	entries, err := checkpoints.ListDir(s.fs, dir)
	if err != nil {
		return nil, err
	}
	store := checkpoints.NewStore(s.fs, dir, s.cfg.CheckpointFormat, s.logger)
	scores := make([]ModelScore, 0, len(entries))
	var failure error
	err = tqdm.With(iterators.Interval(0, len(entries)), "Testing models", func(v interface{}) (brk bool) {
		entry := entries[v.(int)]
		ckpt, err := store.Load(entry.Path)
		if err == nil {
			err = checkpoints.RestoreWeights(ckpt, s.trainer.model.Parameters())
		}
		var res EvalResult
		if err == nil {
			res, err = s.trainer.Evaluate(ctx, s.loaders.Valid, "")
		}
		if err != nil {
			failure = errors.Wrapf(err, "testing %s", entry.Path)
			return true
		}
		s.logger.Infow("model", "path", entry.Path, "acc", res.Accuracy, "loss", res.LastLoss, "dice", res.Dice)
		scores = append(scores, ModelScore{Path: entry.Path, Epoch: entry.Epoch, Result: res})
		return
	})
	if failure != nil {
		return scores, failure
	}
	return scores, errors.Wrap(err, "testing models")
}
