package checkpoints

import (
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
)

func sampleCheckpoint(epoch int) *Checkpoint {
	w := make([]float32, 24)
	for i := range w {
		w[i] = float32(math.Sin(float64(i)*0.37)) * 1e-3
	}
	w[5] = float32(math.Inf(-1))
	w[6] = math.Float32frombits(0x7fc00001) // NaN with payload
	w[7] = float32(math.Copysign(0, -1))
	return &Checkpoint{
		Weights: []WeightTensor{
			{Name: "head.weight", Shape: []int{2, 3, 4}, Data: w},
			{Name: "head.bias", Shape: []int{2}, Data: []float32{0.25, -1.5}},
		},
		TrainingState: TrainingState{
			Epoch:         epoch,
			Step:          120,
			LearningRate:  1e-4 * math.Pow(0.9, 6),
			ScheduleSteps: 6,
			LossScale:     32768,
			GrowthTracker: 17,
		},
		OptimizerState: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]float64{"beta1": 0.9, "beta2": 0.999, "epsilon": 1e-8, "step": 120},
			StateData: []OptimizerTensor{
				{Name: "head.bias", Shape: []int{2}, Data: []float32{1e-7, 3}, StateType: "m"},
				{Name: "head.bias", Shape: []int{2}, Data: []float32{2e-7, 4}, StateType: "v"},
			},
		},
		Metadata: CheckpointMetadata{
			Version:     FormatVersion,
			Framework:   Framework,
			CreatedAt:   time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC),
			Description: "epoch checkpoint",
		},
	}
}

func bits(data []float32) []uint32 {
	out := make([]uint32, len(data))
	for i, v := range data {
		out[i] = math.Float32bits(v)
	}
	return out
}

func assertSameCheckpoint(t *testing.T, want, got *Checkpoint) {
	t.Helper()
	require.Len(t, got.Weights, len(want.Weights))
	for i := range want.Weights {
		assert.Equal(t, want.Weights[i].Name, got.Weights[i].Name)
		assert.Equal(t, want.Weights[i].Shape, got.Weights[i].Shape)
		assert.Equal(t, bits(want.Weights[i].Data), bits(got.Weights[i].Data))
	}
	assert.Equal(t, want.TrainingState, got.TrainingState)
	assert.Equal(t, math.Float64bits(want.TrainingState.LearningRate), math.Float64bits(got.TrainingState.LearningRate))
	require.NotNil(t, got.OptimizerState)
	assert.Equal(t, want.OptimizerState.Type, got.OptimizerState.Type)
	assert.Equal(t, want.OptimizerState.Parameters, got.OptimizerState.Parameters)
	require.Len(t, got.OptimizerState.StateData, len(want.OptimizerState.StateData))
	for i, s := range want.OptimizerState.StateData {
		g := got.OptimizerState.StateData[i]
		assert.Equal(t, s.Name, g.Name)
		assert.Equal(t, s.StateType, g.StateType)
		assert.Equal(t, s.Shape, g.Shape)
		assert.Equal(t, bits(s.Data), bits(g.Data))
	}
	assert.Equal(t, want.Metadata.Version, got.Metadata.Version)
	assert.Equal(t, want.Metadata.Framework, got.Metadata.Framework)
	assert.Equal(t, want.Metadata.Description, got.Metadata.Description)
	assert.True(t, want.Metadata.CreatedAt.Equal(got.Metadata.CreatedAt))
}

func TestProtoRoundTripIsBitIdentical(t *testing.T) {
	want := sampleCheckpoint(6)
	data, err := Encode(want, FormatProto)
	require.NoError(t, err)
	got, err := Decode(data, FormatProto)
	require.NoError(t, err)
	assertSameCheckpoint(t, want, got)
}

func TestJSONRoundTripIsBitIdentical(t *testing.T) {
	want := sampleCheckpoint(6)
	// JSON has no encoding for non-finite numbers
	want.Weights[0].Data[5] = -3.4028235e38
	want.Weights[0].Data[6] = 1.1754944e-38

	data, err := Encode(want, FormatJSON)
	require.NoError(t, err)
	got, err := Decode(data, FormatJSON)
	require.NoError(t, err)
	assertSameCheckpoint(t, want, got)
}

func TestDecodeGarbage(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			_, err := Decode([]byte{0xff, 0xff, 0xff, 0x07, '{'}, format)
			require.Error(t, err)
			assert.True(t, IsCorrupt(err))
		})
	}

	data, err := Encode(sampleCheckpoint(1), FormatProto)
	require.NoError(t, err)
	_, err = Decode(data[:len(data)-3], FormatProto)
	assert.True(t, IsCorrupt(err), "truncated data must be rejected")
}

func TestStoreSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			store := NewStore(fs, "/results", format, nil)

			want := sampleCheckpoint(3)
			if format == FormatJSON {
				want.Weights[0].Data[5], want.Weights[0].Data[6] = 1, 2
			}
			path, err := store.Save(want)
			require.NoError(t, err)
			assert.Equal(t, "/results/my_checkpoint3."+format.Extension(), path)

			got, err := store.Load(path)
			require.NoError(t, err)
			assertSameCheckpoint(t, want, got)

			infos, err := afero.ReadDir(fs, "/results")
			require.NoError(t, err)
			assert.Len(t, infos, 1, "no temporary files may remain")
		})
	}
}

func TestStoreRefusesOverwrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/r", FormatProto, nil)
	_, err := store.Save(sampleCheckpoint(2))
	require.NoError(t, err)

	before, err := afero.ReadFile(fs, store.Path(2))
	require.NoError(t, err)

	other := sampleCheckpoint(2)
	other.TrainingState.Step = 999
	_, err = store.Save(other)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCheckpointExists))

	after, err := afero.ReadFile(fs, store.Path(2))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// racingFs writes target as soon as a temporary file is created, as another
// process saving the same epoch would.
type racingFs struct {
	afero.Fs
	target  string
	content []byte
}

func (r *racingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if strings.Contains(name, ".tmp-") {
		if err := afero.WriteFile(r.Fs, r.target, r.content, 0644); err != nil {
			return nil, err
		}
	}
	return r.Fs.OpenFile(name, flag, perm)
}

func TestStoreSaveLosesRace(t *testing.T) {
	mem := afero.NewMemMapFs()
	store := NewStore(mem, "/r", FormatProto, nil)
	fs := &racingFs{Fs: mem, target: store.Path(4), content: []byte("other writer")}
	store = NewStore(fs, "/r", FormatProto, nil)

	_, err := store.Save(sampleCheckpoint(4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCheckpointExists))

	data, err := afero.ReadFile(mem, store.Path(4))
	require.NoError(t, err)
	assert.Equal(t, "other writer", string(data))
	infos, err := afero.ReadDir(mem, "/r")
	require.NoError(t, err)
	assert.Len(t, infos, 1, "no temporary files may remain")
}

func TestStoreSaveNonFinite(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/r", FormatJSON, nil)
	_, err := store.Save(sampleCheckpoint(2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/r/my_checkpoint2.json")
	exists, err := afero.Exists(fs, "/r/my_checkpoint2.json")
	require.NoError(t, err)
	assert.False(t, exists)

	store = NewStore(fs, "/r", FormatProto, nil)
	path, err := store.Save(sampleCheckpoint(2))
	require.NoError(t, err)
	got, err := store.Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7fc00001), math.Float32bits(got.Weights[0].Data[6]))
	assert.True(t, math.IsInf(float64(got.Weights[0].Data[5]), -1))
}

func TestStoreLoadCorrupt(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/r/my_checkpoint1.json", []byte("{not json"), 0644))
	store := NewStore(fs, "/r", FormatJSON, nil)

	_, err := store.Load("/r/my_checkpoint1.json")
	require.Error(t, err)
	var corrupt *CorruptCheckpointError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, "/r/my_checkpoint1.json", corrupt.Path)

	_, err = store.Load("/r/missing.json")
	require.Error(t, err)
	assert.False(t, IsCorrupt(err))
}

func TestStoreList(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, name := range []string{"my_checkpoint10.pb", "my_checkpoint2.json", "my_checkpoint1.pb", "dictionary.csv", "my_checkpointX.pb"} {
		require.NoError(t, afero.WriteFile(fs, "/r/"+name, []byte("x"), 0644))
	}
	entries, err := NewStore(fs, "/r", FormatProto, nil).List()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{entries[0].Epoch, entries[1].Epoch, entries[2].Epoch})
	assert.Equal(t, FormatJSON, entries[1].Format)

	entries, err = ListDir(fs, "/nowhere")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestoreWeights(t *testing.T) {
	w, _ := tensor.Zeros([]int{2})
	b, _ := tensor.Zeros([]int{2, 3, 4})
	params := []*tensor.Parameter{tensor.NewParameter("head.bias", w), tensor.NewParameter("head.weight", b)}

	ckpt := sampleCheckpoint(1)
	require.NoError(t, RestoreWeights(ckpt, params))
	assert.Equal(t, []float32{0.25, -1.5}, params[0].Value.Data)
	assert.Equal(t, bits(ckpt.Weights[0].Data), bits(params[1].Value.Data))

	t.Run("ShapeMismatch", func(t *testing.T) {
		wrong, _ := tensor.Zeros([]int{3})
		err := RestoreWeights(ckpt, []*tensor.Parameter{tensor.NewParameter("head.bias", wrong), params[1]})
		assert.True(t, IsCorrupt(err))
	})

	t.Run("CountMismatch", func(t *testing.T) {
		err := RestoreWeights(ckpt, params[:1])
		assert.True(t, IsCorrupt(err))
	})

	t.Run("MissingName", func(t *testing.T) {
		renamed := tensor.NewParameter("tail.bias", params[0].Value)
		err := RestoreWeights(ckpt, []*tensor.Parameter{renamed, params[1]})
		assert.True(t, IsCorrupt(err))
	})
}

func TestExtractWeightsCopies(t *testing.T) {
	v, _ := tensor.Full([]int{2}, 1)
	p := tensor.NewParameter("w", v)
	weights := ExtractWeights([]*tensor.Parameter{p})
	v.Data[0] = 5
	assert.Equal(t, []float32{1, 1}, weights[0].Data)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("proto")
	require.NoError(t, err)
	assert.Equal(t, FormatProto, f)
	f, err = ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	_, err = ParseFormat("onnx")
	assert.Error(t, err)
}
