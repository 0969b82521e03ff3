package dataset

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"

	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/transforms"
)

// Source yields raw, untransformed samples.
type Source interface {
	Len() int
	Raw(index int) (transforms.Sample, error)
}

// Dataset yields training-ready samples. rng drives every random decision
// made while producing sample index, so a fixed rng gives a fixed sample.
type Dataset interface {
	Len() int
	Get(index int, rng *rand.Rand) (transforms.Sample, error)
}

// Transformed runs a Source through a Pipeline.
type Transformed struct {
	Source   Source
	Pipeline *transforms.Pipeline
}

// NewTransformed pairs a source with the pipeline applied on every Get.
func NewTransformed(src Source, p *transforms.Pipeline) *Transformed {
	return &Transformed{Source: src, Pipeline: p}
}

func (t *Transformed) Len() int {
	return t.Source.Len()
}

func (t *Transformed) Get(index int, rng *rand.Rand) (transforms.Sample, error) {
	raw, err := t.Source.Raw(index)
	if err != nil {
		return transforms.Sample{}, err
	}
	if t.Pipeline == nil {
		return raw, nil
	}
	return t.Pipeline.Apply(raw, rng)
}

// ConcatDataset chains datasets end to end.
type ConcatDataset struct {
	parts   []Dataset
	offsets []int // offsets[i] is the first global index of parts[i]
	total   int
}

// Concat joins datasets in order.
func Concat(parts ...Dataset) *ConcatDataset {
	c := &ConcatDataset{}
	for _, p := range parts {
		c.parts = append(c.parts, p)
		c.offsets = append(c.offsets, c.total)
		c.total += p.Len()
	}
	return c
}

func (c *ConcatDataset) Len() int {
	return c.total
}

func (c *ConcatDataset) Get(index int, rng *rand.Rand) (transforms.Sample, error) {
	part, local, err := c.locate(index)
	if err != nil {
		return transforms.Sample{}, err
	}
	return c.parts[part].Get(local, rng)
}

func (c *ConcatDataset) locate(index int) (int, int, error) {
	if index < 0 || index >= c.total {
		return 0, 0, errors.Errorf("index %d out of range [0, %d)", index, c.total)
	}
	part := sort.Search(len(c.offsets), func(i int) bool { return c.offsets[i] > index }) - 1
	return part, index - c.offsets[part], nil
}

// SubsetDataset exposes selected indices of another dataset.
type SubsetDataset struct {
	parent  Dataset
	indices []int
}

// Subset returns a view of parent restricted to indices, in the given order.
func Subset(parent Dataset, indices []int) (*SubsetDataset, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= parent.Len() {
			return nil, errors.Errorf("subset index %d out of range [0, %d)", idx, parent.Len())
		}
	}
	list := make([]int, len(indices))
	copy(list, indices)
	return &SubsetDataset{parent: parent, indices: list}, nil
}

func (s *SubsetDataset) Len() int {
	return len(s.indices)
}

func (s *SubsetDataset) Get(index int, rng *rand.Rand) (transforms.Sample, error) {
	if index < 0 || index >= len(s.indices) {
		return transforms.Sample{}, errors.Errorf("index %d out of range [0, %d)", index, len(s.indices))
	}
	return s.parent.Get(s.indices[index], rng)
}

// Indices returns the parent indices in subset order.
func (s *SubsetDataset) Indices() []int {
	list := make([]int, len(s.indices))
	copy(list, s.indices)
	return list
}
