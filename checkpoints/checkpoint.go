package checkpoints

import (
	"fmt"
	"time"

	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
)

// Framework is recorded in every checkpoint this package writes.
const Framework = "liver-segmentation"

// FormatVersion is bumped whenever the on-disk layout changes.
const FormatVersion = "1.0.0"

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension without the dot.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatProto:
		return "pb"
	default:
		return "json"
	}
}

// ParseFormat maps "json" or "proto"/"pb" to a CheckpointFormat.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "json", "JSON", "":
		return FormatJSON, nil
	case "proto", "pb", "Proto":
		return FormatProto, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint is the full resumable state of a training run at the end of an
// epoch. A checkpoint is never modified after it has been written.
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the training progress and the schedule and
// loss-scaling state needed to continue it.
type TrainingState struct {
	Epoch         int     `json:"epoch"` // completed epochs
	Step          int     `json:"step"`  // optimizer steps taken
	LearningRate  float64 `json:"learning_rate"`
	ScheduleSteps int     `json:"schedule_steps"`
	LossScale     float64 `json:"loss_scale,omitempty"`
	GrowthTracker int     `json:"growth_tracker,omitempty"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

func (c *Checkpoint) stampMetadata() {
	if c.Metadata.Framework == "" {
		c.Metadata.Framework = Framework
	}
	if c.Metadata.Version == "" {
		c.Metadata.Version = FormatVersion
	}
	if c.Metadata.CreatedAt.IsZero() {
		c.Metadata.CreatedAt = time.Now().UTC()
	}
}

// ExtractWeights copies the current value of every parameter.
func ExtractWeights(params []*tensor.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		shape := make([]int, len(p.Value.Shape))
		copy(shape, p.Value.Shape)
		data := make([]float32, len(p.Value.Data))
		copy(data, p.Value.Data)
		weights = append(weights, WeightTensor{Name: p.Name, Shape: shape, Data: data})
	}
	return weights
}

// RestoreWeights copies checkpoint weights into live parameters. Every
// parameter must have a weight of the same name and shape, and the counts
// must agree; otherwise nothing is modified and a CorruptCheckpointError is
// returned.
func RestoreWeights(c *Checkpoint, params []*tensor.Parameter) error {
	if len(c.Weights) != len(params) {
		return &CorruptCheckpointError{Reason: fmt.Sprintf("weight count mismatch: %d weights, %d parameters", len(c.Weights), len(params))}
	}
	byName := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		byName[w.Name] = w
	}
	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return &CorruptCheckpointError{Reason: fmt.Sprintf("missing weight %s", p.Name)}
		}
		if err := checkShape(w.Name, w.Shape, w.Data, p.Value.Shape); err != nil {
			return err
		}
	}
	for _, p := range params {
		copy(p.Value.Data, byName[p.Name].Data)
	}
	return nil
}

func checkShape(name string, shape []int, data []float32, want []int) error {
	if len(shape) != len(want) {
		return &CorruptCheckpointError{Reason: fmt.Sprintf("shape mismatch for %s: checkpoint %v vs model %v", name, shape, want)}
	}
	n := 1
	for j, dim := range want {
		if dim != shape[j] {
			return &CorruptCheckpointError{Reason: fmt.Sprintf("dimension mismatch for %s at index %d: checkpoint %d vs model %d", name, j, shape[j], dim)}
		}
		n *= dim
	}
	if len(data) != n {
		return &CorruptCheckpointError{Reason: fmt.Sprintf("weight %s holds %d values for shape %v", name, len(data), shape)}
	}
	return nil
}

// CheckOptimizerTensor validates one optimizer state tensor against the
// shape of the parameter it belongs to.
func CheckOptimizerTensor(t OptimizerTensor, want []int) error {
	return checkShape(t.Name+"/"+t.StateType, t.Shape, t.Data, want)
}
