package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/transforms"
)

// DirectoryConfig is one training directory and how many times it is loaded.
// Augmentations = 1 loads it once with the base pipeline; k > 1 adds k-1
// augmented instances.
type DirectoryConfig struct {
	Path          string `yaml:"path"`
	Augmentations int    `yaml:"augmentations"`
}

// SplitSeeds seed every random split independently.
type SplitSeeds struct {
	Test      int64 `yaml:"test"`
	Valid     int64 `yaml:"valid"`
	ClipTrain int64 `yaml:"clip_train"`
	ClipValid int64 `yaml:"clip_valid"`
	ClipTest  int64 `yaml:"clip_test"`
}

// DefaultSplitSeeds are the seeds the published liver models were trained with.
func DefaultSplitSeeds() SplitSeeds {
	return SplitSeeds{Test: 40, Valid: 20, ClipTrain: 40, ClipValid: 30, ClipTest: 50}
}

// AssemblerConfig describes how train, validation and test partitions are built.
type AssemblerConfig struct {
	TrainDirs    []DirectoryConfig
	ValidDirs    []string
	ValidPercent float64
	TestPercent  float64
	ClipTrain    float64
	ClipValid    float64

	// MatchTestToValidClip re-clips the test partition to the clipped
	// validation size whenever ClipValid < 1.
	MatchTestToValidClip bool

	Transform     transforms.StandardOptions
	Seeds         SplitSeeds
	MaskThreshold uint8
	CacheSize     int
}

// Partition is a named dataset. Origins holds the base-pool index of every
// element, or nil when the partition was not drawn from the base pool.
type Partition struct {
	Name    string
	Dataset Dataset
	Origins []int
}

// Len returns the number of samples.
func (p Partition) Len() int {
	if p.Dataset == nil {
		return 0
	}
	return p.Dataset.Len()
}

// Partitions are the three disjoint datasets of a run.
type Partitions struct {
	Train Partition
	Valid Partition
	Test  Partition
}

// Assembler builds Partitions from directories on a file system.
type Assembler struct {
	fs      afero.Fs
	cfg     AssemblerConfig
	logger  *zap.SugaredLogger
	folders map[string]*PairedFolder
	cache   *SampleCache
}

// NewAssembler creates an Assembler.
func NewAssembler(fs afero.Fs, cfg AssemblerConfig, logger *zap.SugaredLogger) *Assembler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Assembler{
		fs:      fs,
		cfg:     cfg,
		logger:  logger,
		folders: make(map[string]*PairedFolder),
	}
}

func (a *Assembler) validate() error {
	c := a.cfg
	if len(c.TrainDirs) == 0 {
		return errors.New("no training directories")
	}
	for _, d := range c.TrainDirs {
		if d.Augmentations < 1 {
			return errors.Errorf("directory %s: augmentations must be at least 1, got %d", d.Path, d.Augmentations)
		}
	}
	for name, f := range map[string]float64{
		"valid percent": c.ValidPercent,
		"test percent":  c.TestPercent,
		"clip train":    c.ClipTrain,
		"clip valid":    c.ClipValid,
	} {
		if f < 0 || f > 1 {
			return errors.Errorf("%s %v outside [0, 1]", name, f)
		}
	}
	return nil
}

// folder returns the single PairedFolder of dir so every instance built from
// the same directory shares one listing and one decode cache.
func (a *Assembler) folder(dir string) (*PairedFolder, error) {
	if pf, ok := a.folders[dir]; ok {
		return pf, nil
	}
	if a.cache == nil && a.cfg.CacheSize > 0 {
		c, err := NewSampleCache(a.cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		a.cache = c
	}
	pf, err := NewPairedFolder(a.fs, dir, PairedFolderOptions{Threshold: a.cfg.MaskThreshold, Cache: a.cache})
	if err != nil {
		return nil, err
	}
	a.folders[dir] = pf
	return pf, nil
}

// Assemble loads every directory and builds the partitions.
func (a *Assembler) Assemble() (*Partitions, error) {
	if err := a.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid assembler config")
	}
	base, err := transforms.Standard(a.cfg.Transform)
	if err != nil {
		return nil, err
	}

	// base pool: every train dir once, in directory then sample order
	var parts []Dataset
	var dirStart []int
	total := 0
	for _, d := range a.cfg.TrainDirs {
		pf, err := a.folder(d.Path)
		if err != nil {
			return nil, err
		}
		parts = append(parts, NewTransformed(pf, base))
		dirStart = append(dirStart, total)
		total += pf.Len()
	}
	pool := Concat(parts...)

	testIdx, rest, err := RandomSplit(pool.Len(), a.cfg.TestPercent, a.cfg.Seeds.Test)
	if err != nil {
		return nil, errors.Wrap(err, "test split")
	}
	test, err := subsetPartition("test", pool, testIdx)
	if err != nil {
		return nil, err
	}

	var valid Partition
	trainIdx := rest
	if len(a.cfg.ValidDirs) == 0 {
		validPos, trainPos, err := RandomSplit(len(rest), a.cfg.ValidPercent, a.cfg.Seeds.Valid)
		if err != nil {
			return nil, errors.Wrap(err, "validation split")
		}
		trainIdx = pick(rest, trainPos)
		valid, err = subsetPartition("valid", pool, pick(rest, validPos))
		if err != nil {
			return nil, err
		}
	} else {
		var vparts []Dataset
		for _, dir := range a.cfg.ValidDirs {
			pf, err := a.folder(dir)
			if err != nil {
				return nil, err
			}
			vparts = append(vparts, NewTransformed(pf, base))
		}
		valid = Partition{Name: "valid", Dataset: Concat(vparts...)}
	}

	train, err := a.withAugmentations(pool, trainIdx, dirStart)
	if err != nil {
		return nil, err
	}

	if a.cfg.ClipTrain < 1 {
		if train, err = clip(train, a.cfg.ClipTrain, a.cfg.Seeds.ClipTrain); err != nil {
			return nil, errors.Wrap(err, "clipping train")
		}
		a.logger.Infof("clipped training partition to %.0f%%", a.cfg.ClipTrain*100)
	}
	if a.cfg.ClipValid < 1 {
		if valid, err = clip(valid, a.cfg.ClipValid, a.cfg.Seeds.ClipValid); err != nil {
			return nil, errors.Wrap(err, "clipping valid")
		}
		a.logger.Infof("clipped validation partition to %.0f%%", a.cfg.ClipValid*100)
		if a.cfg.MatchTestToValidClip {
			if test, err = clipTo(test, valid.Len(), a.cfg.Seeds.ClipTest); err != nil {
				return nil, errors.Wrap(err, "clipping test")
			}
		}
	}

	a.logger.Infow("assembled partitions",
		"train", train.Len(), "valid", valid.Len(), "test", test.Len(), "pool", total)
	return &Partitions{Train: train, Valid: valid, Test: test}, nil
}

// withAugmentations appends, after the base training samples, every augmented
// instance of every directory, keeping only samples whose base index is in
// the training partition.
func (a *Assembler) withAugmentations(pool Dataset, trainIdx []int, dirStart []int) (Partition, error) {
	baseTrain, err := Subset(pool, trainIdx)
	if err != nil {
		return Partition{}, err
	}
	parts := []Dataset{baseTrain}
	origins := append([]int{}, trainIdx...)

	inTrain := make(map[int]bool, len(trainIdx))
	for _, idx := range trainIdx {
		inTrain[idx] = true
	}

	for di, d := range a.cfg.TrainDirs {
		if d.Augmentations <= 1 {
			continue
		}
		pf, err := a.folder(d.Path)
		if err != nil {
			return Partition{}, err
		}
		var local []int
		for i := 0; i < pf.Len(); i++ {
			if inTrain[dirStart[di]+i] {
				local = append(local, i)
			}
		}
		for m := 1; m < d.Augmentations; m++ {
			p, err := transforms.Augmented(m, d.Augmentations, a.cfg.Transform)
			if err != nil {
				return Partition{}, err
			}
			sub, err := Subset(NewTransformed(pf, p), local)
			if err != nil {
				return Partition{}, err
			}
			parts = append(parts, sub)
			for _, i := range local {
				origins = append(origins, dirStart[di]+i)
			}
		}
		a.logger.Debugf("directory %s: %d augmented instances of %d samples", d.Path, d.Augmentations-1, len(local))
	}
	return Partition{Name: "train", Dataset: Concat(parts...), Origins: origins}, nil
}

func subsetPartition(name string, pool Dataset, indices []int) (Partition, error) {
	sub, err := Subset(pool, indices)
	if err != nil {
		return Partition{}, err
	}
	return Partition{Name: name, Dataset: sub, Origins: append([]int{}, indices...)}, nil
}

func clip(p Partition, fraction float64, seed int64) (Partition, error) {
	target, _, err := RandomSplit(p.Len(), fraction, seed)
	if err != nil {
		return Partition{}, err
	}
	return restrict(p, target)
}

// clipTo keeps count samples of p chosen by a seeded permutation.
func clipTo(p Partition, count int, seed int64) (Partition, error) {
	if count > p.Len() {
		count = p.Len()
	}
	perm := rand.New(rand.NewSource(seed)).Perm(p.Len())
	return restrict(p, perm[:count])
}

func restrict(p Partition, positions []int) (Partition, error) {
	sub, err := Subset(p.Dataset, positions)
	if err != nil {
		return Partition{}, err
	}
	out := Partition{Name: p.Name, Dataset: sub}
	if p.Origins != nil {
		out.Origins = pick(p.Origins, positions)
	}
	return out, nil
}
