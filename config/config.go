// Package config holds the settings of a training run, loaded from YAML.
package config

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"github.com/TZuanazzi/Liver-Segmentation-NN/checkpoints"
	"github.com/TZuanazzi/Liver-Segmentation-NN/models"
	"github.com/TZuanazzi/Liver-Segmentation-NN/training"
	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/dataset"
	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/transforms"
)

// Config is the full description of a run. It is validated once at startup
// and passed by value afterwards.
type Config struct {
	Data       DataConfig                   `yaml:"data"`
	Training   TrainingConfig               `yaml:"training"`
	Checkpoint CheckpointConfig             `yaml:"checkpoint"`
	Output     OutputConfig                 `yaml:"output"`
	Model      models.PixelClassifierConfig `yaml:"model"`
	LogLevel   string                       `yaml:"log_level"`
}

// DataConfig selects the dataset directories and how they are split.
type DataConfig struct {
	TrainDirs            []dataset.DirectoryConfig `yaml:"train_dirs"`
	ValidDirs            []string                  `yaml:"valid_dirs"`
	ValidPercent         float64                   `yaml:"valid_percent"`
	TestPercent          float64                   `yaml:"test_percent"`
	ClipTrain            float64                   `yaml:"clip_train"`
	ClipValid            float64                   `yaml:"clip_valid"`
	MatchTestToValidClip bool                      `yaml:"match_test_to_valid_clip"`
	Height               int                       `yaml:"image_height"`
	Width                int                       `yaml:"image_width"`
	FlipP                float64                   `yaml:"flip_p"`
	Mean                 []float64                 `yaml:"mean"`
	Std                  []float64                 `yaml:"std"`
	MaskThreshold        *int                      `yaml:"mask_threshold"` // Unset selects the loader default
	CacheSize            int                       `yaml:"cache_size"`
	Seeds                dataset.SplitSeeds        `yaml:"seeds"`
}

// TrainingConfig holds the optimization hyper-parameters and the run mode.
type TrainingConfig struct {
	LearningRate   float64                  `yaml:"learning_rate"`
	NumEpochs      int                      `yaml:"num_epochs"`
	BatchSize      int                      `yaml:"batch_size"`
	NumWorkers     int                      `yaml:"num_workers"`
	LoaderSeed     int64                    `yaml:"loader_seed"`
	Optimizer      string                   `yaml:"optimizer"`
	Momentum       float64                  `yaml:"momentum"`
	Loss           string                   `yaml:"loss"`
	Scheduler      training.SchedulerConfig `yaml:"scheduler"`
	MixedPrecision bool                     `yaml:"mixed_precision"`

	LoadModel        bool   `yaml:"load_model"`
	ContinueTraining bool   `yaml:"continue_training"`
	LastEpoch        int    `yaml:"last_epoch"`
	CheckpointPath   string `yaml:"checkpoint_path"`
	TestModels       bool   `yaml:"test_models"`
	TestModelsDir    string `yaml:"test_models_dir"`
}

// CheckpointConfig controls where and how checkpoints are written.
type CheckpointConfig struct {
	Dir       string `yaml:"dir"`
	Format    string `yaml:"format"` // json or proto
	SaveModel bool   `yaml:"save_model"`
	StartSave int    `yaml:"start_save"`
}

// OutputConfig controls the prediction images and the metrics chart.
type OutputConfig struct {
	ImagesRoot string `yaml:"images_root"`
	SaveImages bool   `yaml:"save_images"`
	GrayImages bool   `yaml:"gray_images"` // Export only the first channel
	PlotPath   string `yaml:"plot_path"`
}

// Default returns the settings the liver models were trained with.
func Default() Config {
	threshold := dataset.DefaultMaskThreshold
	return Config{
		Data: DataConfig{
			ValidPercent:  0.15,
			TestPercent:   0.15,
			ClipTrain:     1,
			ClipValid:     1,
			Height:        512,
			Width:         640,
			FlipP:         0.5,
			Mean:          append([]float64(nil), transforms.DefaultMean...),
			Std:           append([]float64(nil), transforms.DefaultStd...),
			MaskThreshold: &threshold,
			CacheSize:     256,
			Seeds:         dataset.DefaultSplitSeeds(),
		},
		Training: TrainingConfig{
			LearningRate: 1e-4,
			NumEpochs:    30,
			BatchSize:    6,
			NumWorkers:   3,
			LoaderSeed:   1,
			Optimizer:    "adam",
			Momentum:     0.9,
			Loss:         "l1",
			Scheduler:    training.SchedulerConfig{Name: "exponential", Gamma: 0.9},
		},
		Checkpoint: CheckpointConfig{
			Dir:       "results",
			Format:    "json",
			SaveModel: true,
		},
		Output: OutputConfig{
			ImagesRoot: ".",
			SaveImages: true,
			PlotPath:   filepath.Join("results", "history.png"),
		},
		Model:    models.DefaultPixelClassifierConfig(),
		LogLevel: "info",
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(fs afero.Fs, path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "creating %s", dir)
		}
	}
	return errors.Wrapf(afero.WriteFile(fs, path, data, 0644), "writing config %s", path)
}

// Validate checks every option and returns the first problem found.
func (c Config) Validate() error {
	d, t := c.Data, c.Training
	for name, f := range map[string]float64{
		"valid_percent": d.ValidPercent,
		"test_percent":  d.TestPercent,
		"clip_train":    d.ClipTrain,
		"clip_valid":    d.ClipValid,
		"flip_p":        d.FlipP,
	} {
		if f < 0 || f > 1 {
			return errors.Errorf("data.%s %v outside [0, 1]", name, f)
		}
	}
	if d.Height <= 0 || d.Width <= 0 {
		return errors.Errorf("invalid image size %dx%d", d.Height, d.Width)
	}
	if len(d.Mean) != len(d.Std) {
		return errors.Errorf("%d means but %d stds", len(d.Mean), len(d.Std))
	}
	for i, s := range d.Std {
		if s <= 0 {
			return errors.Errorf("std[%d] must be positive, got %v", i, s)
		}
	}
	if t := d.MaskThreshold; t != nil && (*t < 1 || *t > 255) {
		return errors.Errorf("mask threshold %d outside [1, 255]", *t)
	}
	if d.CacheSize < 0 {
		return errors.Errorf("cache size must not be negative, got %d", d.CacheSize)
	}
	for _, dir := range d.TrainDirs {
		if dir.Path == "" {
			return errors.New("training directory without a path")
		}
		if dir.Augmentations < 1 {
			return errors.Errorf("directory %s: augmentations must be at least 1, got %d", dir.Path, dir.Augmentations)
		}
	}

	if t.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %v", t.LearningRate)
	}
	if t.NumEpochs < 0 {
		return errors.Errorf("number of epochs must not be negative, got %d", t.NumEpochs)
	}
	if t.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", t.BatchSize)
	}
	if t.NumWorkers <= 0 {
		return errors.Errorf("number of workers must be positive, got %d", t.NumWorkers)
	}
	if _, err := training.NewLoss(t.Loss); err != nil {
		return err
	}
	if _, err := training.NewScheduler(t.Scheduler); err != nil {
		return err
	}
	switch t.Optimizer {
	case "", "adam", "sgd":
	default:
		return errors.Errorf("unknown optimizer %q", t.Optimizer)
	}
	if t.LastEpoch < 0 || t.LastEpoch > t.NumEpochs {
		return errors.Errorf("last epoch %d outside [0, %d]", t.LastEpoch, t.NumEpochs)
	}
	if t.LastEpoch > 0 && !t.ContinueTraining {
		return errors.Errorf("last epoch %d is only used when continuing a training", t.LastEpoch)
	}
	if t.TestModels && t.TestModelsDir == "" {
		return errors.New("test_models needs test_models_dir")
	}

	if _, err := checkpoints.ParseFormat(c.Checkpoint.Format); err != nil {
		return err
	}
	if c.Checkpoint.StartSave < 0 {
		return errors.Errorf("start save must not be negative, got %d", c.Checkpoint.StartSave)
	}
	if c.Model.InChannels != len(d.Mean) {
		return errors.Errorf("model takes %d channels but normalization has %d", c.Model.InChannels, len(d.Mean))
	}
	if c.Model.Classes != 2 {
		return errors.Errorf("model must produce the 2 label channels, got %d", c.Model.Classes)
	}
	return nil
}

// Assembler returns the dataset assembly settings.
func (c Config) Assembler() dataset.AssemblerConfig {
	d := c.Data
	var threshold uint8
	if d.MaskThreshold != nil {
		threshold = uint8(*d.MaskThreshold)
	}
	return dataset.AssemblerConfig{
		TrainDirs:            d.TrainDirs,
		ValidDirs:            d.ValidDirs,
		ValidPercent:         d.ValidPercent,
		TestPercent:          d.TestPercent,
		ClipTrain:            d.ClipTrain,
		ClipValid:            d.ClipValid,
		MatchTestToValidClip: d.MatchTestToValidClip,
		Transform: transforms.StandardOptions{
			Height: d.Height,
			Width:  d.Width,
			FlipP:  d.FlipP,
			Mean:   d.Mean,
			Std:    d.Std,
		},
		Seeds:         d.Seeds,
		MaskThreshold: threshold,
		CacheSize:     d.CacheSize,
	}
}

// Session returns the run-mode settings of the training session.
func (c Config) Session() (training.SessionConfig, error) {
	format, err := checkpoints.ParseFormat(c.Checkpoint.Format)
	if err != nil {
		return training.SessionConfig{}, err
	}
	t := c.Training
	return training.SessionConfig{
		NumEpochs:        t.NumEpochs,
		LastEpoch:        t.LastEpoch,
		LoadModel:        t.LoadModel,
		ContinueTraining: t.ContinueTraining,
		CheckpointPath:   t.CheckpointPath,
		SaveModel:        c.Checkpoint.SaveModel,
		StartSave:        c.Checkpoint.StartSave,
		ResultsDir:       c.Checkpoint.Dir,
		CheckpointFormat: format,
		SaveImages:       c.Output.SaveImages,
		GrayImages:       c.Output.GrayImages,
		ImagesRoot:       c.Output.ImagesRoot,
		PlotPath:         c.Output.PlotPath,
	}, nil
}
