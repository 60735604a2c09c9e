// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"sort"

	"github.com/gomlx/imgtrain/pkg/support/errkind"
	"github.com/pkg/errors"
)

// Schedule of the learning rate: a pure function of the base learning rate and the epoch index.
// Epoch 0 is the state before the first call to Scheduler.Step.
type Schedule interface {
	Name() string
	LearningRate(baseLR float64, epoch int) float64
}

// MultiStepSchedule decays the learning rate by Gamma once the epoch reaches each of the Milestones.
type MultiStepSchedule struct {
	Milestones []int
	Gamma      float64
}

// MultiStep creates a MultiStepSchedule with milestones given as fractions of the total number of epochs:
// milestone i is `int(fractions[i] * epochs)`.
func MultiStep(fractions []float64, gamma float64, epochs int) MultiStepSchedule {
	milestones := make([]int, len(fractions))
	for i, f := range fractions {
		milestones[i] = int(f * float64(epochs))
	}
	return MultiStepSchedule{Milestones: milestones, Gamma: gamma}
}

func (s MultiStepSchedule) Name() string { return "multistep" }

// LearningRate implements Schedule.
func (s MultiStepSchedule) LearningRate(baseLR float64, epoch int) float64 {
	// Number of milestones <= epoch.
	passed := sort.SearchInts(s.Milestones, epoch+1)
	return baseLR * math.Pow(s.Gamma, float64(passed))
}

// StepSchedule decays the learning rate by Gamma every StepSize epochs.
type StepSchedule struct {
	StepSize int
	Gamma    float64
}

func (s StepSchedule) Name() string { return "step" }

// LearningRate implements Schedule.
func (s StepSchedule) LearningRate(baseLR float64, epoch int) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

// CosineSchedule anneals the learning rate from its base value to MinLR over Epochs, following half a cosine
// period. See https://paperswithcode.com/method/cosine-annealing.
type CosineSchedule struct {
	Epochs int
	MinLR  float64
}

func (s CosineSchedule) Name() string { return "cosine" }

// LearningRate implements Schedule.
func (s CosineSchedule) LearningRate(baseLR float64, epoch int) float64 {
	progress := min(float64(epoch)/float64(s.Epochs), 1)
	return s.MinLR + (baseLR-s.MinLR)*(1+math.Cos(math.Pi*progress))/2
}

// ConstantSchedule keeps the learning rate unchanged.
type ConstantSchedule struct{}

func (ConstantSchedule) Name() string { return "constant" }

// LearningRate implements Schedule.
func (ConstantSchedule) LearningRate(baseLR float64, _ int) float64 { return baseLR }

// ScheduleConfig holds the values used to create a schedule by name.
type ScheduleConfig struct {
	Epochs     int
	Milestones []float64
	Gamma      float64
	StepSize   int
	MinLR      float64
}

// KnownSchedules lists the names accepted by ScheduleByName.
var KnownSchedules = []string{"multistep", "step", "cosine", "constant"}

// ScheduleByName creates a schedule. It returns a Configuration error for unknown names or invalid values.
func ScheduleByName(name string, cfg ScheduleConfig) (Schedule, error) {
	switch name {
	case "multistep":
		if err := ValidateMilestones(cfg.Milestones); err != nil {
			return nil, err
		}
		return MultiStep(cfg.Milestones, cfg.Gamma, cfg.Epochs), nil
	case "step":
		if cfg.StepSize <= 0 {
			return nil, errkind.Newf(errkind.Configuration, "step schedule requires step_size > 0, got %d", cfg.StepSize)
		}
		return StepSchedule{StepSize: cfg.StepSize, Gamma: cfg.Gamma}, nil
	case "cosine":
		if cfg.Epochs <= 0 {
			return nil, errkind.Newf(errkind.Configuration, "cosine schedule requires epochs > 0, got %d", cfg.Epochs)
		}
		return CosineSchedule{Epochs: cfg.Epochs, MinLR: cfg.MinLR}, nil
	case "constant":
		return ConstantSchedule{}, nil
	}
	return nil, errkind.Newf(errkind.Configuration, "unknown learning rate schedule %q, valid values are %q",
		name, KnownSchedules)
}

// ValidateMilestones checks that milestone fractions are in (0, 1] and strictly increasing.
func ValidateMilestones(fractions []float64) error {
	for i, f := range fractions {
		if f <= 0 || f > 1 {
			return errkind.Newf(errkind.Configuration, "milestone fraction #%d is %g, it must be in (0, 1]", i, f)
		}
		if i > 0 && f <= fractions[i-1] {
			return errkind.Newf(errkind.Configuration, "milestone fractions must be strictly increasing, got %v",
				fractions)
		}
	}
	return nil
}

// SchedulerState is the persisted state of a Scheduler.
type SchedulerState struct {
	Name      string  `json:"name"`
	LastEpoch int     `json:"last_epoch"`
	BaseLR    float64 `json:"base_lr"`
}

// Scheduler applies a Schedule to an optimizer, once per epoch.
type Scheduler struct {
	schedule  Schedule
	optimizer Interface
	baseLR    float64
	lastEpoch int
}

// NewScheduler creates a scheduler for the optimizer. The optimizer's current learning rate is taken as the base.
func NewScheduler(schedule Schedule, optimizer Interface) *Scheduler {
	s := &Scheduler{schedule: schedule, optimizer: optimizer, baseLR: optimizer.LearningRate()}
	optimizer.SetLearningRate(schedule.LearningRate(s.baseLR, 0))
	return s
}

// Step advances the schedule by one epoch and updates the optimizer's learning rate.
func (s *Scheduler) Step() {
	s.lastEpoch++
	s.optimizer.SetLearningRate(s.schedule.LearningRate(s.baseLR, s.lastEpoch))
}

// LastEpoch returns the number of times Step was called, including before a restore.
func (s *Scheduler) LastEpoch() int { return s.lastEpoch }

// Schedule returns the schedule used.
func (s *Scheduler) Schedule() Schedule { return s.schedule }

// State returns the scheduler state.
func (s *Scheduler) State() SchedulerState {
	return SchedulerState{Name: s.schedule.Name(), LastEpoch: s.lastEpoch, BaseLR: s.baseLR}
}

// LoadState restores a state returned by State, and updates the optimizer's learning rate accordingly.
func (s *Scheduler) LoadState(state SchedulerState) error {
	if state.Name != s.schedule.Name() {
		return errors.Errorf("cannot load state of schedule %q into schedule %q", state.Name, s.schedule.Name())
	}
	if state.LastEpoch < 0 {
		return errors.Errorf("invalid scheduler state, last_epoch=%d", state.LastEpoch)
	}
	s.lastEpoch = state.LastEpoch
	s.baseLR = state.BaseLR
	s.optimizer.SetLearningRate(s.schedule.LearningRate(s.baseLR, s.lastEpoch))
	return nil
}

