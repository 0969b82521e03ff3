package transforms

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
)

// Sample is a paired image and label. Before ToTensor both slots are HWC;
// afterwards both are CHW and every geometric stage keeps their spatial sizes equal.
type Sample struct {
	Image *tensor.Tensor
	Label *tensor.Tensor
}

// Clone deep-copies both slots.
func (s Sample) Clone() Sample {
	out := Sample{}
	if s.Image != nil {
		out.Image = s.Image.Clone()
	}
	if s.Label != nil {
		out.Label = s.Label.Clone()
	}
	return out
}

// Stage is one step of a Pipeline. Randomized stages draw their decision and
// parameters once per call from rng and apply them to both slots.
type Stage interface {
	Apply(s Sample, rng *rand.Rand) (Sample, error)
	Name() string
}

// Pipeline applies an ordered, fixed list of stages.
type Pipeline struct {
	stages []Stage
}

// Compose builds a pipeline from stages in application order.
func Compose(stages ...Stage) *Pipeline {
	list := make([]Stage, len(stages))
	copy(list, stages)
	return &Pipeline{stages: list}
}

// Apply runs every stage in order.
func (p *Pipeline) Apply(s Sample, rng *rand.Rand) (Sample, error) {
	var err error
	for _, stage := range p.stages {
		s, err = stage.Apply(s, rng)
		if err != nil {
			return Sample{}, errors.Wrapf(err, "transform %s", stage.Name())
		}
	}
	return s, nil
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Stages returns a copy of the stage list.
func (p *Pipeline) Stages() []Stage {
	list := make([]Stage, len(p.stages))
	copy(list, p.stages)
	return list
}

func (p *Pipeline) String() string {
	names := make([]string, len(p.stages))
	for i, stage := range p.stages {
		names[i] = stage.Name()
	}
	return fmt.Sprintf("Pipeline[%s]", strings.Join(names, " -> "))
}

// active is the shared coin flip of every randomized stage.
func active(rng *rand.Rand, p float64) bool {
	return rng.Float64() > 1-p
}

func requireCHW(s Sample) error {
	if s.Image == nil || s.Label == nil {
		return errors.New("sample has an empty slot")
	}
	if s.Image.Rank() != 3 || s.Label.Rank() != 3 {
		return errors.Errorf("expected CHW tensors, got image %v and label %v", s.Image.Shape, s.Label.Shape)
	}
	if s.Image.Height() != s.Label.Height() || s.Image.Width() != s.Label.Width() {
		return errors.Errorf("image %v and label %v differ in spatial size", s.Image.Shape, s.Label.Shape)
	}
	return nil
}
