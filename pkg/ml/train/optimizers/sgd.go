// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/pkg/errors"
)

const (
	// SGDDefaultLearningRate is used by SGD if no learning rate is set.
	SGDDefaultLearningRate = 0.1

	// MomentumSlot is the name of the slot holding SGD's momentum buffer.
	MomentumSlot = "momentum"
)

// SGDConfig holds the configuration of the stochastic gradient descent optimizer.
// Create it with StochasticGradientDescent, and call Done when finished configuring.
type SGDConfig struct {
	learningRate, momentum, weightDecay float64
}

// StochasticGradientDescent creates a configuration for an SGD optimizer, with optional momentum and weight decay.
//
// The update follows the usual formulation (without dampening):
//
//	g = grad + weight_decay * param
//	buf = momentum * buf + g    (buf = g on the first step)
//	param = param - lr * buf
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{learningRate: SGDDefaultLearningRate}
}

// LearningRate sets the initial learning rate. Values <= 0 are ignored.
func (c *SGDConfig) LearningRate(lr float64) *SGDConfig {
	if lr > 0 {
		c.learningRate = lr
	}
	return c
}

// Momentum factor, 0 disables momentum.
func (c *SGDConfig) Momentum(momentum float64) *SGDConfig {
	c.momentum = momentum
	return c
}

// WeightDecay adds an L2 penalty to the gradients.
func (c *SGDConfig) WeightDecay(weightDecay float64) *SGDConfig {
	c.weightDecay = weightDecay
	return c
}

// Done returns the optimizer.
func (c *SGDConfig) Done() Interface {
	return &sgd{config: *c, lr: c.learningRate}
}

type sgd struct {
	config   SGDConfig
	lr       float64
	steps    int64
	momentum *tensors.ParamSet // Lazily created on the first step.
}

func (o *sgd) Name() string { return "sgd" }
func (o *sgd) LearningRate() float64 { return o.lr }
func (o *sgd) SetLearningRate(lr float64) { o.lr = lr }
func (o *sgd) StepCount() int64 { return o.steps }

// Step implements Interface.
func (o *sgd) Step(params, grads *tensors.ParamSet) error {
	if err := params.Compatible(grads); err != nil {
		return errors.WithMessage(err, "sgd: gradients don't match parameters")
	}
	if err := checkSlot(MomentumSlot, o.momentum, params); err != nil {
		return err
	}
	g := grads
	if o.config.weightDecay != 0 {
		g = grads.Clone()
		if err := g.AddScaled(o.config.weightDecay, params); err != nil {
			return err
		}
	}
	if o.config.momentum != 0 {
		if o.momentum == nil {
			o.momentum = g.Clone()
		} else {
			o.momentum.Scale(o.config.momentum)
			if err := o.momentum.AddScaled(1, g); err != nil {
				return err
			}
		}
		g = o.momentum
	}
	if err := params.AddScaled(-o.lr, g); err != nil {
		return err
	}
	o.steps++
	return nil
}

// State implements Interface.
func (o *sgd) State() *State {
	state := &State{Name: o.Name(), Step: o.steps, LearningRate: o.lr}
	if o.momentum != nil {
		state.Slots = map[string]*tensors.ParamSet{MomentumSlot: o.momentum.Clone()}
	}
	return state
}

// LoadState implements Interface.
func (o *sgd) LoadState(state *State) error {
	if err := checkState(o.Name(), state); err != nil {
		return err
	}
	o.steps = state.Step
	o.lr = state.LearningRate
	o.momentum = slotFrom(state, MomentumSlot)
	return nil
}
