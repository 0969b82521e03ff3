package main

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/TZuanazzi/Liver-Segmentation-NN/config"
	"github.com/TZuanazzi/Liver-Segmentation-NN/logging"
	"github.com/TZuanazzi/Liver-Segmentation-NN/models"
	"github.com/TZuanazzi/Liver-Segmentation-NN/training"
	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/dataloader"
	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/dataset"
	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/preprocessing"
	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/transforms"
)

func loadConfig(fs afero.Fs, path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(fs, path)
}

func newLogger(cfg config.Config, override string) (*zap.SugaredLogger, error) {
	if override != "" {
		cfg.LogLevel = override
	}
	return logging.New(cfg.LogLevel)
}

func runTrain(ctx context.Context, fs afero.Fs, a args, progress io.Writer) error {
	cmd := a.Train
	cfg, err := loadConfig(fs, cmd.Config)
	if err != nil {
		return err
	}
	if cmd.Epochs > 0 {
		cfg.Training.NumEpochs = cmd.Epochs
	}
	if cmd.LearningRate > 0 {
		cfg.Training.LearningRate = cmd.LearningRate
	}
	if cmd.Continue {
		cfg.Training.ContinueTraining = true
		cfg.Training.LastEpoch = cmd.LastEpoch
	}
	if cmd.Checkpoint != "" {
		cfg.Training.CheckpointPath = cmd.Checkpoint
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	logger, err := newLogger(cfg, a.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	session, err := buildSession(fs, cfg, progress, logger)
	if err != nil {
		return err
	}
	if _, err := session.Run(ctx); err != nil {
		return err
	}
	if cfg.Training.TestModels {
		return reportModels(ctx, session, cfg.Training.TestModelsDir, logger)
	}
	return nil
}

func runEvaluate(ctx context.Context, fs afero.Fs, a args, progress io.Writer) error {
	cmd := a.Evaluate
	if (cmd.Checkpoint == "") == (cmd.Dir == "") {
		return errors.New("evaluate needs exactly one of --checkpoint and --dir")
	}
	cfg, err := loadConfig(fs, cmd.Config)
	if err != nil {
		return err
	}
	cfg.Training.ContinueTraining = false
	cfg.Training.LastEpoch = 0
	cfg.Training.LoadModel = cmd.Checkpoint != ""
	cfg.Training.CheckpointPath = cmd.Checkpoint
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	logger, err := newLogger(cfg, a.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	session, err := buildSession(fs, cfg, progress, logger)
	if err != nil {
		return err
	}
	if cmd.Dir != "" {
		return reportModels(ctx, session, cmd.Dir, logger)
	}
	_, err = session.Run(ctx)
	return err
}

func reportModels(ctx context.Context, session *training.Session, dir string, logger *zap.SugaredLogger) error {
	scores, err := session.TestModels(ctx, dir)
	if err != nil {
		return err
	}
	if len(scores) == 0 {
		logger.Warnw("no checkpoints found", "dir", dir)
		return nil
	}
	best := scores[0]
	for _, s := range scores[1:] {
		if s.Result.Dice > best.Result.Dice {
			best = s
		}
	}
	logger.Infow("best checkpoint", "path", best.Path, "epoch", best.Epoch, "dice", best.Result.Dice, "acc", best.Result.Accuracy)
	return nil
}

// buildSession assembles the dataset partitions, their loaders, the model and
// its optimizer, loss and schedule.
func buildSession(fs afero.Fs, cfg config.Config, progress io.Writer, logger *zap.SugaredLogger) (*training.Session, error) {
	parts, err := dataset.NewAssembler(fs, cfg.Assembler(), logger).Assemble()
	if err != nil {
		return nil, err
	}
	logger.Infow("dataset assembled", "train", parts.Train.Len(), "valid", parts.Valid.Len(), "test", parts.Test.Len())

	t := cfg.Training
	var loaders training.Loaders
	for _, l := range []struct {
		into    **dataloader.DataLoader
		part    dataset.Partition
		shuffle bool
	}{
		{&loaders.Train, parts.Train, true},
		{&loaders.Valid, parts.Valid, false},
		{&loaders.Test, parts.Test, false},
	} {
		dl, err := dataloader.New(l.part.Dataset, dataloader.Config{
			BatchSize:  t.BatchSize,
			Shuffle:    l.shuffle,
			NumWorkers: t.NumWorkers,
			Seed:       t.LoaderSeed,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "%s loader", l.part.Name)
		}
		*l.into = dl
	}

	model, err := models.NewPixelClassifier(cfg.Model)
	if err != nil {
		return nil, err
	}
	logger.Infow("model", "net", model.String())
	optimizer, err := training.NewOptimizer(t.Optimizer, model.Parameters(), t.LearningRate, t.Momentum)
	if err != nil {
		return nil, err
	}
	criterion, err := training.NewLoss(t.Loss)
	if err != nil {
		return nil, err
	}
	scheduler, err := training.NewScheduler(t.Scheduler)
	if err != nil {
		return nil, err
	}
	var scaler *training.LossScaler
	if t.MixedPrecision {
		scaler = training.NewLossScaler()
	}
	trainer := training.NewTrainer(model, optimizer, criterion, training.NewSchedule(scheduler, t.LearningRate), training.TrainingConfig{
		Scaler:   scaler,
		Progress: progress,
		Logger:   logger,
	})

	sessionCfg, err := cfg.Session()
	if err != nil {
		return nil, err
	}
	return training.NewSession(fs, sessionCfg, trainer, loaders, logger)
}

func runStats(fs afero.Fs, cmd *statsCmd, out io.Writer) error {
	parts := make([]dataset.Dataset, 0, len(cmd.Dirs))
	for _, dir := range cmd.Dirs {
		folder, err := dataset.NewPairedFolder(fs, dir, dataset.PairedFolderOptions{})
		if err != nil {
			return err
		}
		parts = append(parts, dataset.NewTransformed(folder, transforms.Compose(transforms.ToTensor{})))
	}
	stats, err := preprocessing.ChannelStats(dataset.Concat(parts...), cmd.Workers)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "mean: %v\nstd:  %v\n", stats.Mean, stats.Std)
	return nil
}
