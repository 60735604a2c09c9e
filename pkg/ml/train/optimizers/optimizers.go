// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements a collection of optimizers that update a model's parameters
// given their gradients, and the learning rate schedules that drive them. They all implement
// optimizers.Interface.
//
// Optimizers keep their internal state (step count, slots such as momentum buffers) bound 1:1 to the
// model's parameter set. The state can be exported and restored with State and LoadState, which is
// what the checkpoints package persists.
package optimizers

import (
	"maps"
	"slices"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/gomlx/imgtrain/pkg/support/errkind"
	"github.com/pkg/errors"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Name of the optimizer, as registered in KnownOptimizers.
	Name() string

	// Step updates params in place, given their gradients. Both must be compatible ParamSet.
	Step(params, grads *tensors.ParamSet) error

	// LearningRate currently used.
	LearningRate() float64

	// SetLearningRate is used by the learning rate schedulers.
	SetLearningRate(lr float64)

	// StepCount returns the number of steps taken.
	StepCount() int64

	// State returns a deep copy of the optimizer state.
	State() *State

	// LoadState restores a state previously returned by State. It fails if the state is from a different
	// optimizer.
	LoadState(state *State) error
}

// State of an optimizer: everything needed to continue training where it stopped.
type State struct {
	// Name of the optimizer that produced the state.
	Name string `json:"name"`

	// Step is the number of optimization steps taken.
	Step int64 `json:"step"`

	LearningRate float64 `json:"learning_rate"`

	// Scalars holds extra scalar state, e.g.: loss scaling parameters.
	Scalars map[string]float64 `json:"scalars,omitempty"`

	// Slots holds per-parameter state, e.g.: momentum buffers. Each slot is compatible with the model parameters.
	// Slots are stored separately from the JSON metadata.
	Slots map[string]*tensors.ParamSet `json:"-"`
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	clone := &State{Name: s.Name, Step: s.Step, LearningRate: s.LearningRate}
	if s.Scalars != nil {
		clone.Scalars = maps.Clone(s.Scalars)
	}
	if s.Slots != nil {
		clone.Slots = make(map[string]*tensors.ParamSet, len(s.Slots))
		for name, slot := range s.Slots {
			clone.Slots[name] = slot.Clone()
		}
	}
	return clone
}

// SlotNames returns the names of the slots, sorted.
func (s *State) SlotNames() []string {
	return slices.Sorted(maps.Keys(s.Slots))
}

// Hyperparameters used to create optimizers by name.
type Hyperparameters struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
}

// KnownOptimizers is a map of known optimizers by name to their constructors.
var KnownOptimizers = map[string]func(hp Hyperparameters) Interface{
	"sgd": func(hp Hyperparameters) Interface {
		return StochasticGradientDescent().LearningRate(hp.LearningRate).Momentum(hp.Momentum).
			WeightDecay(hp.WeightDecay).Done()
	},
	"adam": func(hp Hyperparameters) Interface {
		return Adam().LearningRate(hp.LearningRate).WeightDecay(hp.WeightDecay).Done()
	},
	"adamax": func(hp Hyperparameters) Interface {
		return Adam().Adamax().LearningRate(hp.LearningRate).WeightDecay(hp.WeightDecay).Done()
	},
}

// ByName returns an optimizer given the name. It returns a Configuration error if the name is unknown.
func ByName(name string, hp Hyperparameters) (Interface, error) {
	builder, found := KnownOptimizers[name]
	if !found {
		return nil, errkind.Newf(errkind.Configuration, "unknown optimizer %q, valid values are %q",
			name, slices.Sorted(maps.Keys(KnownOptimizers)))
	}
	return builder(hp), nil
}

// checkState verifies that the state was produced by the named optimizer, and its slots are compatible with params.
func checkState(name string, state *State) error {
	if state.Name != name {
		return errors.Errorf("cannot load state of optimizer %q into optimizer %q", state.Name, name)
	}
	return nil
}

// slotFrom returns a clone of the named slot of state, or nil if it is not present.
func slotFrom(state *State, slot string) *tensors.ParamSet {
	ps, found := state.Slots[slot]
	if !found || ps == nil {
		return nil
	}
	return ps.Clone()
}

// checkSlot verifies that a restored slot is compatible with params, on the first step after a LoadState.
func checkSlot(slotName string, slot, params *tensors.ParamSet) error {
	if slot == nil {
		return nil
	}
	if err := slot.Compatible(params); err != nil {
		return errors.WithMessagef(err, "optimizer slot %q doesn't match the model parameters", slotName)
	}
	return nil
}
