package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/TZuanazzi/Liver-Segmentation-NN/checkpoints"
	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	Name() string

	// State snapshots the per-parameter buffers for a checkpoint and
	// LoadState puts them back.
	State() *checkpoints.OptimizerState
	LoadState(state *checkpoints.OptimizerState) error
}

// SGD implements Stochastic Gradient Descent with optional momentum
type SGD struct {
	parameters   []*tensor.Parameter
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   map[string]*tensor.Tensor
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Parameter, lr, momentum, weightDecay float64) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make(map[string]*tensor.Tensor),
	}
	if momentum > 0 {
		for _, p := range parameters {
			sgd.velocities[p.Name] = tensor.ZerosLike(p.Value)
		}
	}
	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	lr := float32(sgd.learningRate)
	mu := float32(sgd.momentum)
	wd := float32(sgd.weightDecay)
	for _, p := range sgd.parameters {
		if p.Grad == nil {
			continue
		}
		if len(p.Grad.Data) != len(p.Value.Data) {
			return errors.Errorf("gradient of %s has %d values, parameter has %d", p.Name, len(p.Grad.Data), len(p.Value.Data))
		}
		velocity := sgd.velocities[p.Name]
		for i, g := range p.Grad.Data {
			g += wd * p.Value.Data[i]
			if velocity != nil {
				// velocity = momentum * velocity + grad
				velocity.Data[i] = mu*velocity.Data[i] + g
				g = velocity.Data[i]
			}
			p.Value.Data[i] -= lr * g
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero
func (sgd *SGD) ZeroGrad() { zeroGrads(sgd.parameters) }

func (sgd *SGD) GetLR() float64 { return sgd.learningRate }

func (sgd *SGD) SetLR(lr float64) { sgd.learningRate = lr }

func (sgd *SGD) Name() string { return "SGD" }

func (sgd *SGD) State() *checkpoints.OptimizerState {
	state := &checkpoints.OptimizerState{
		Type: sgd.Name(),
		Parameters: map[string]float64{
			"learning_rate": sgd.learningRate,
			"momentum":      sgd.momentum,
			"weight_decay":  sgd.weightDecay,
		},
	}
	for _, p := range sgd.parameters {
		if v, ok := sgd.velocities[p.Name]; ok {
			state.StateData = append(state.StateData, stateTensor(p.Name, "momentum", v))
		}
	}
	return state
}

func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	found, err := collectState(sgd.Name(), state, sgd.parameters)
	if err != nil {
		return err
	}
	if lr, ok := state.Parameters["learning_rate"]; ok {
		sgd.learningRate = lr
	}
	for _, p := range sgd.parameters {
		if v, ok := found[p.Name]["momentum"]; ok {
			sgd.velocities[p.Name] = v
		} else if sgd.momentum > 0 {
			return &checkpoints.CorruptCheckpointError{Reason: fmt.Sprintf("missing momentum for %s", p.Name)}
		}
	}
	return nil
}

// Adam implements the Adam optimizer with bias correction
type Adam struct {
	parameters   []*tensor.Parameter
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	weightDecay  float64
	stepCount    int
	m            map[string]*tensor.Tensor // First moment estimates
	v            map[string]*tensor.Tensor // Second moment estimates
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Parameter, lr, beta1, beta2, epsilon, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:   parameters,
		learningRate: lr,
		beta1:        beta1,
		beta2:        beta2,
		epsilon:      epsilon,
		weightDecay:  weightDecay,
		m:            make(map[string]*tensor.Tensor),
		v:            make(map[string]*tensor.Tensor),
	}
	for _, p := range parameters {
		adam.m[p.Name] = tensor.ZerosLike(p.Value)
		adam.v[p.Name] = tensor.ZerosLike(p.Value)
	}
	return adam
}

// Step performs a single Adam optimization step
func (adam *Adam) Step() error {
	adam.stepCount++
	t := float64(adam.stepCount)
	bias1 := 1 - math.Pow(adam.beta1, t)
	bias2 := 1 - math.Pow(adam.beta2, t)

	for _, p := range adam.parameters {
		if p.Grad == nil {
			continue
		}
		if len(p.Grad.Data) != len(p.Value.Data) {
			return errors.Errorf("gradient of %s has %d values, parameter has %d", p.Name, len(p.Grad.Data), len(p.Value.Data))
		}
		m, v := adam.m[p.Name], adam.v[p.Name]
		for i, g32 := range p.Grad.Data {
			g := float64(g32) + adam.weightDecay*float64(p.Value.Data[i])
			mi := adam.beta1*float64(m.Data[i]) + (1-adam.beta1)*g
			vi := adam.beta2*float64(v.Data[i]) + (1-adam.beta2)*g*g
			m.Data[i] = float32(mi)
			v.Data[i] = float32(vi)
			update := adam.learningRate * (mi / bias1) / (math.Sqrt(vi/bias2) + adam.epsilon)
			p.Value.Data[i] -= float32(update)
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero
func (adam *Adam) ZeroGrad() { zeroGrads(adam.parameters) }

func (adam *Adam) GetLR() float64 { return adam.learningRate }

func (adam *Adam) SetLR(lr float64) { adam.learningRate = lr }

func (adam *Adam) Name() string { return "Adam" }

// Steps returns the number of updates applied so far.
func (adam *Adam) Steps() int { return adam.stepCount }

func (adam *Adam) State() *checkpoints.OptimizerState {
	state := &checkpoints.OptimizerState{
		Type: adam.Name(),
		Parameters: map[string]float64{
			"learning_rate": adam.learningRate,
			"beta1":         adam.beta1,
			"beta2":         adam.beta2,
			"epsilon":       adam.epsilon,
			"weight_decay":  adam.weightDecay,
			"step_count":    float64(adam.stepCount),
		},
	}
	for _, p := range adam.parameters {
		state.StateData = append(state.StateData,
			stateTensor(p.Name, "m", adam.m[p.Name]),
			stateTensor(p.Name, "v", adam.v[p.Name]))
	}
	return state
}

func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	found, err := collectState(adam.Name(), state, adam.parameters)
	if err != nil {
		return err
	}
	for _, p := range adam.parameters {
		m, okM := found[p.Name]["m"]
		v, okV := found[p.Name]["v"]
		if !okM || !okV {
			return &checkpoints.CorruptCheckpointError{Reason: fmt.Sprintf("missing moment estimates for %s", p.Name)}
		}
		adam.m[p.Name] = m
		adam.v[p.Name] = v
	}
	if lr, ok := state.Parameters["learning_rate"]; ok {
		adam.learningRate = lr
	}
	adam.stepCount = int(state.Parameters["step_count"])
	return nil
}

func stateTensor(name, stateType string, t *tensor.Tensor) checkpoints.OptimizerTensor {
	c := t.Clone()
	return checkpoints.OptimizerTensor{Name: name, Shape: c.Shape, Data: c.Data, StateType: stateType}
}

// collectState validates a saved optimizer state against the live parameters
// and returns its buffers keyed by parameter name and state type.
func collectState(kind string, state *checkpoints.OptimizerState, params []*tensor.Parameter) (map[string]map[string]*tensor.Tensor, error) {
	if state == nil {
		return nil, &checkpoints.CorruptCheckpointError{Reason: "checkpoint has no optimizer state"}
	}
	if state.Type != kind {
		return nil, &checkpoints.CorruptCheckpointError{Reason: fmt.Sprintf("optimizer type mismatch: checkpoint %s vs %s", state.Type, kind)}
	}
	shapes := make(map[string][]int, len(params))
	for _, p := range params {
		shapes[p.Name] = p.Value.Shape
	}
	found := make(map[string]map[string]*tensor.Tensor)
	for _, st := range state.StateData {
		want, ok := shapes[st.Name]
		if !ok {
			return nil, &checkpoints.CorruptCheckpointError{Reason: fmt.Sprintf("optimizer state for unknown parameter %s", st.Name)}
		}
		if err := checkpoints.CheckOptimizerTensor(st, want); err != nil {
			return nil, err
		}
		t, err := tensor.New(st.Shape, append([]float32(nil), st.Data...))
		if err != nil {
			return nil, errors.Wrapf(err, "optimizer state %s/%s", st.Name, st.StateType)
		}
		if found[st.Name] == nil {
			found[st.Name] = make(map[string]*tensor.Tensor)
		}
		found[st.Name][st.StateType] = t
	}
	return found, nil
}

// NewOptimizer builds an optimizer by name: adam or sgd.
func NewOptimizer(name string, params []*tensor.Parameter, lr, momentum float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "adam", "":
		return NewAdam(params, lr, 0.9, 0.999, 1e-8, 0), nil
	case "sgd":
		return NewSGD(params, lr, momentum, 0), nil
	}
	return nil, errors.Errorf("unknown optimizer %q", name)
}
