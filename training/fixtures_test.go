package training

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/dataloader"
	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/transforms"
)

type memoryDataset struct {
	samples []transforms.Sample
}

func (d *memoryDataset) Len() int { return len(d.samples) }

func (d *memoryDataset) Get(i int, _ *rand.Rand) (transforms.Sample, error) {
	return d.samples[i].Clone(), nil
}

func mustTensor(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	out, err := tensor.New(shape, data)
	require.NoError(t, err)
	return out
}

// separableSamples builds n samples whose foreground is exactly the pixels
// with a positive first image channel. The other image channels are zero.
func separableSamples(t *testing.T, n, h, w int) []transforms.Sample {
	t.Helper()
	plane := h * w
	var out []transforms.Sample
	for i := 0; i < n; i++ {
		img := make([]float32, 3*plane)
		lbl := make([]float32, 2*plane)
		for p := 0; p < plane; p++ {
			if (p+i)%3 == 0 {
				img[p] = 1
				lbl[p] = 1
			} else {
				img[p] = -1
				lbl[plane+p] = 1
			}
		}
		out = append(out, transforms.Sample{
			Image: mustTensor(t, []int{3, h, w}, img),
			Label: mustTensor(t, []int{2, h, w}, lbl),
		})
	}
	return out
}

// echoSamples builds samples whose 2-channel image already is the label,
// encoded as 0.9 for 1 and 0.1 for 0.
func echoSamples(t *testing.T, n, h, w int) []transforms.Sample {
	t.Helper()
	var out []transforms.Sample
	for _, s := range separableSamples(t, n, h, w) {
		img := s.Label.Clone()
		for i, v := range img.Data {
			img.Data[i] = 0.1 + 0.8*v
		}
		out = append(out, transforms.Sample{Image: img, Label: s.Label})
	}
	return out
}

func newLoader(t *testing.T, samples []transforms.Sample, batchSize int, shuffle bool) *dataloader.DataLoader {
	t.Helper()
	dl, err := dataloader.New(&memoryDataset{samples: samples}, dataloader.Config{
		BatchSize:  batchSize,
		Shuffle:    shuffle,
		NumWorkers: 2,
		Seed:       11,
	})
	require.NoError(t, err)
	return dl
}

// stubModel echoes the first channels of its input, optionally trimming a
// border, and writes a fixed value into its single parameter gradient.
type stubModel struct {
	param     *tensor.Parameter
	channels  int
	trim      int
	gradValue float32
	training  bool
	backwards int
}

func newStubModel(t *testing.T, channels, trim int) *stubModel {
	t.Helper()
	return &stubModel{
		param:     tensor.NewParameter("stub.scale", mustTensor(t, []int{1}, []float32{1})),
		channels:  channels,
		trim:      trim,
		gradValue: 1,
		training:  true,
	}
}

func (m *stubModel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := input.CenterCrop(input.Height()-2*m.trim, input.Width()-2*m.trim)
	if err != nil {
		return nil, err
	}
	n, c := x.Shape[0], x.Shape[1]
	plane := x.Height() * x.Width()
	out := make([]float32, 0, n*m.channels*plane)
	for s := 0; s < n; s++ {
		out = append(out, x.Data[s*c*plane:s*c*plane+m.channels*plane]...)
	}
	return tensor.New([]int{n, m.channels, x.Height(), x.Width()}, out)
}

func (m *stubModel) Backward(*tensor.Tensor) error {
	m.param.Grad.Data[0] += m.gradValue
	m.backwards++
	return nil
}

func (m *stubModel) Parameters() []*tensor.Parameter { return []*tensor.Parameter{m.param} }
func (m *stubModel) Train()                          { m.training = true }
func (m *stubModel) Eval()                           { m.training = false }
func (m *stubModel) IsTraining() bool                { return m.training }

// fakeClock advances one minute per reading.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Minute)
	return c.now
}
