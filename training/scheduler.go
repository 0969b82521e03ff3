package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the number of schedule steps taken.
type LRScheduler interface {
	// GetLR returns the learning rate after epoch schedule steps
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.9
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// SchedulerConfig selects and parameterizes an LRScheduler.
type SchedulerConfig struct {
	Name     string  `yaml:"name"` // exponential, step, cosine or constant
	Gamma    float64 `yaml:"gamma"`
	StepSize int     `yaml:"step_size"`
	TMax     int     `yaml:"t_max"`
	EtaMin   float64 `yaml:"eta_min"`
}

// NewScheduler builds the scheduler named in cfg.
func NewScheduler(cfg SchedulerConfig) (LRScheduler, error) {
	switch strings.ToLower(cfg.Name) {
	case "exponential", "":
		return NewExponentialLRScheduler(cfg.Gamma), nil
	case "step":
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(cfg.TMax, cfg.EtaMin), nil
	case "constant":
		return &NoOpScheduler{}, nil
	}
	return nil, errors.Errorf("unknown scheduler %q", cfg.Name)
}

// Schedule tracks the position of a run in its learning-rate schedule. The
// position only moves when Step is called, so it can lag the epoch count
// when steps are held back.
type Schedule struct {
	scheduler LRScheduler
	baseLR    float64
	steps     int
}

// NewSchedule starts a schedule at step zero.
func NewSchedule(scheduler LRScheduler, baseLR float64) *Schedule {
	if scheduler == nil {
		scheduler = &NoOpScheduler{}
	}
	return &Schedule{scheduler: scheduler, baseLR: baseLR}
}

// LR returns the current learning rate.
func (s *Schedule) LR() float64 {
	return s.scheduler.GetLR(s.steps, 0, s.baseLR)
}

// Step advances the schedule and returns the new learning rate.
func (s *Schedule) Step() float64 {
	s.steps++
	return s.LR()
}

// Steps returns how many times the schedule has stepped.
func (s *Schedule) Steps() int { return s.steps }

// Restore moves the schedule to a saved position.
func (s *Schedule) Restore(steps int) error {
	if steps < 0 {
		return errors.Errorf("negative schedule position %d", steps)
	}
	s.steps = steps
	return nil
}

func (s *Schedule) Name() string { return s.scheduler.GetName() }
