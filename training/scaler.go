package training

import (
	"github.com/pkg/errors"

	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
)

// Loss scaling defaults.
const (
	DefaultInitScale      = 65536.0
	DefaultGrowthFactor   = 2.0
	DefaultBackoffFactor  = 0.5
	DefaultGrowthInterval = 2000
)

// LossScaler multiplies the loss gradient by a dynamic scale before the
// backward pass and divides it out of the parameter gradients before the
// optimizer step. A step whose gradients are not finite is skipped and the
// scale backs off; after GrowthInterval consecutive finite steps it grows.
type LossScaler struct {
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int

	scale   float64
	tracker int // consecutive finite steps since the last change
	skipped int
}

// NewLossScaler creates a scaler with the default parameters.
func NewLossScaler() *LossScaler {
	return &LossScaler{
		GrowthFactor:   DefaultGrowthFactor,
		BackoffFactor:  DefaultBackoffFactor,
		GrowthInterval: DefaultGrowthInterval,
		scale:          DefaultInitScale,
	}
}

// Scale returns the current loss scale.
func (ls *LossScaler) Scale() float64 { return ls.scale }

// Skipped returns how many optimizer steps were skipped for overflow.
func (ls *LossScaler) Skipped() int { return ls.skipped }

// ScaleGrad multiplies a loss gradient by the current scale in place.
func (ls *LossScaler) ScaleGrad(grad *tensor.Tensor) {
	grad.Scale(float32(ls.scale))
}

// Step unscales the parameter gradients and runs the optimizer when they are
// all finite. It then updates the scale and reports whether the step ran.
func (ls *LossScaler) Step(opt Optimizer, params []*tensor.Parameter) (bool, error) {
	inv := float32(1 / ls.scale)
	finite := true
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		p.Grad.Scale(inv)
		if !p.Grad.AllFinite() {
			finite = false
		}
	}
	if !finite {
		ls.skipped++
		ls.scale *= ls.BackoffFactor
		ls.tracker = 0
		return false, nil
	}
	if err := opt.Step(); err != nil {
		return false, err
	}
	ls.tracker++
	if ls.tracker >= ls.GrowthInterval {
		ls.scale *= ls.GrowthFactor
		ls.tracker = 0
	}
	return true, nil
}

// State returns the scale and growth tracker for a checkpoint.
func (ls *LossScaler) State() (float64, int) {
	return ls.scale, ls.tracker
}

// Restore puts back a saved scale and growth tracker.
func (ls *LossScaler) Restore(scale float64, tracker int) error {
	if scale <= 0 {
		return errors.Errorf("invalid loss scale %g", scale)
	}
	ls.scale = scale
	ls.tracker = tracker
	return nil
}

// GateState is the state of a ScheduleGate.
type GateState int

const (
	// Stepping lets the schedule advance at the end of the epoch.
	Stepping GateState = iota
	// Held blocks the schedule for the rest of the epoch.
	Held
)

func (s GateState) String() string {
	if s == Held {
		return "Held"
	}
	return "Stepping"
}

// ScheduleGate decides whether the learning-rate schedule may step at the
// end of an epoch when loss scaling is active. Any update that lowered the
// scale during the epoch holds the schedule, as does an end-of-epoch scale
// below the scale the epoch started with.
type ScheduleGate struct {
	state      GateState
	startScale float64
}

// Reset starts a new epoch.
func (g *ScheduleGate) Reset(startScale float64) {
	g.state = Stepping
	g.startScale = startScale
}

// Observe records the scale before and after one iteration's update.
func (g *ScheduleGate) Observe(before, after float64) {
	if after < before {
		g.state = Held
	}
}

// State returns the current state.
func (g *ScheduleGate) State() GateState { return g.state }

// ShouldStep reports whether the schedule may step given the scale at the
// end of the epoch.
func (g *ScheduleGate) ShouldStep(endScale float64) bool {
	return g.state == Stepping && endScale >= g.startScale
}
