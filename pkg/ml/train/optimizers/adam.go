// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/pkg/errors"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// Moment1Slot and Moment2Slot are the names of the slots holding Adam's moving averages.
	Moment1Slot = "adam_moment1"
	Moment2Slot = "adam_moment2"
)

// AdamConfig holds the configuration of an Adam optimizer.
// Create it with Adam, and call Done when finished configuring.
type AdamConfig struct {
	learningRate, beta1, beta2, epsilon float64
	weightDecay                         float64
	adamax                              bool
}

// Adam creates a configuration for the Adam optimizer [1], with default values
// beta1=0.9, beta2=0.999 and epsilon=1e-8.
//
// [1] https://arxiv.org/abs/1412.6980
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// LearningRate sets the initial learning rate. Values <= 0 are ignored.
func (c *AdamConfig) LearningRate(lr float64) *AdamConfig {
	if lr > 0 {
		c.learningRate = lr
	}
	return c
}

// Betas sets the moving average coefficients of the gradient (beta1) and of its square (beta2).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used in the denominator, for numerical stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configures Adam to use the L-infinity norm (the max) of the gradients instead of the
// second moment. See section 7.1 of [1].
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay adds an L2 penalty to the gradients.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done returns the optimizer.
func (c *AdamConfig) Done() Interface {
	return &adam{config: *c, lr: c.learningRate}
}

type adam struct {
	config           AdamConfig
	lr               float64
	steps            int64
	moment1, moment2 *tensors.ParamSet
}

func (o *adam) Name() string {
	if o.config.adamax {
		return "adamax"
	}
	return "adam"
}

func (o *adam) LearningRate() float64 { return o.lr }
func (o *adam) SetLearningRate(lr float64) { o.lr = lr }
func (o *adam) StepCount() int64 { return o.steps }

// Step implements Interface.
func (o *adam) Step(params, grads *tensors.ParamSet) error {
	if err := params.Compatible(grads); err != nil {
		return errors.WithMessage(err, "adam: gradients don't match parameters")
	}
	if o.moment1 == nil {
		o.moment1 = params.ZerosLike()
		o.moment2 = params.ZerosLike()
	}
	if err := checkSlot(Moment1Slot, o.moment1, params); err != nil {
		return err
	}
	if err := checkSlot(Moment2Slot, o.moment2, params); err != nil {
		return err
	}
	o.steps++
	c := &o.config
	t := float64(o.steps)
	debias1 := 1 / (1 - math.Pow(c.beta1, t))
	debias2 := 1 / (1 - math.Pow(c.beta2, t))
	for _, name := range params.Names() {
		p := params.Get(name).Data()
		g := grads.Get(name).Data()
		m1 := o.moment1.Get(name).Data()
		m2 := o.moment2.Get(name).Data()
		for i := range p {
			gi := g[i] + c.weightDecay*p[i]
			m1[i] = c.beta1*m1[i] + (1-c.beta1)*gi
			var denominator float64
			if c.adamax {
				m2[i] = math.Max(c.beta2*m2[i], math.Abs(gi))
				denominator = m2[i] + c.epsilon
			} else {
				m2[i] = c.beta2*m2[i] + (1-c.beta2)*gi*gi
				denominator = math.Sqrt(m2[i]*debias2) + c.epsilon
			}
			p[i] -= o.lr * m1[i] * debias1 / denominator
		}
	}
	return nil
}

// State implements Interface.
func (o *adam) State() *State {
	state := &State{Name: o.Name(), Step: o.steps, LearningRate: o.lr}
	if o.moment1 != nil {
		state.Slots = map[string]*tensors.ParamSet{
			Moment1Slot: o.moment1.Clone(),
			Moment2Slot: o.moment2.Clone(),
		}
	}
	return state
}

// LoadState implements Interface.
func (o *adam) LoadState(state *State) error {
	if err := checkState(o.Name(), state); err != nil {
		return err
	}
	m1, m2 := slotFrom(state, Moment1Slot), slotFrom(state, Moment2Slot)
	if (m1 == nil) != (m2 == nil) {
		return errors.Errorf("%s state must have both %q and %q slots, or none", o.Name(), Moment1Slot, Moment2Slot)
	}
	o.steps = state.Step
	o.lr = state.LearningRate
	o.moment1, o.moment2 = m1, m2
	return nil
}
