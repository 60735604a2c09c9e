// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package precision

import (
	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/gomlx/imgtrain/pkg/ml/model"
	"github.com/gomlx/imgtrain/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Keys of the precision state stored in the optimizer state.
const (
	ScalarLossScale     = "loss_scale"
	ScalarGrowthTracker = "loss_scale_growth_tracker"
	ScalarSkippedSteps  = "loss_scale_skipped_steps"
	MasterSlot          = "master"
)

// halfModel emulates a half-precision forward and backward pass of the inner model.
type halfModel struct {
	inner  model.Classifier
	scaler *LossScaler
}

var _ model.Classifier = (*halfModel)(nil)

func (m *halfModel) Name() string { return m.inner.Name() }

func (m *halfModel) NumClasses() int { return m.inner.NumClasses() }

func (m *halfModel) Params() *tensors.ParamSet { return m.inner.Params() }

// Clone returns a copy with its own parameters, sharing the loss scaler.
func (m *halfModel) Clone() model.Classifier {
	return &halfModel{inner: m.inner.Clone(), scaler: m.scaler}
}

// Forward implements model.Classifier.
func (m *halfModel) Forward(images *tensors.Tensor) (*tensors.Tensor, model.BackwardFn, error) {
	halfImages := images.Clone()
	halfImages.Apply(RoundHalf)
	logits, backward, err := m.inner.Forward(halfImages)
	if err != nil {
		return nil, nil, err
	}
	logits.Apply(RoundHalf)
	scale := m.scaler.Scale()
	scaledBackward := func(dLogits *tensors.Tensor) (*tensors.ParamSet, error) {
		scaled := dLogits.Clone()
		scaled.Apply(func(v float64) float64 { return RoundHalf(v * scale) })
		grads, err := backward(scaled)
		if err != nil {
			return nil, err
		}
		// Gradients are produced in half precision (overflowing to Inf), and unscaled in full precision.
		grads.Apply(func(v float64) float64 { return RoundHalf(v) / scale })
		return grads, nil
	}
	return logits, scaledBackward, nil
}

// halfOptimizer skips steps with non-finite gradients, updating the loss scale, and maintains
// the master weights for O2.
type halfOptimizer struct {
	inner   optimizers.Interface
	level   Level
	scaler  *LossScaler
	master  *tensors.ParamSet
	skipped int64
}

var _ NonFiniteHandler = (*halfOptimizer)(nil)

func (o *halfOptimizer) Name() string { return o.inner.Name() }

func (o *halfOptimizer) LearningRate() float64 { return o.inner.LearningRate() }

func (o *halfOptimizer) SetLearningRate(lr float64) { o.inner.SetLearningRate(lr) }

func (o *halfOptimizer) StepCount() int64 { return o.inner.StepCount() }

func (o *halfOptimizer) HandlesNonFiniteGradients() bool { return true }

// SkippedSteps returns the number of steps skipped due to gradient overflow.
func (o *halfOptimizer) SkippedSteps() int64 { return o.skipped }

// Step implements optimizers.Interface.
func (o *halfOptimizer) Step(params, grads *tensors.ParamSet) error {
	if !grads.AllFinite() {
		o.skipped++
		o.scaler.Update(false)
		klog.Warningf("mixed precision: gradient overflow, skipping step and reducing loss scale to %g",
			o.scaler.Scale())
		return nil
	}
	o.scaler.Update(true)
	switch o.level {
	case O2:
		if err := o.inner.Step(o.master, grads); err != nil {
			return err
		}
		if err := params.CopyFrom(o.master); err != nil {
			return errors.WithMessage(err, "copying master weights")
		}
		params.Apply(RoundHalf)
	case O3:
		if err := o.inner.Step(params, grads); err != nil {
			return err
		}
		params.Apply(RoundHalf)
	default:
		return o.inner.Step(params, grads)
	}
	return nil
}

// State implements optimizers.Interface, adding the loss scaler state and the master weights.
func (o *halfOptimizer) State() *optimizers.State {
	state := o.inner.State()
	if state.Scalars == nil {
		state.Scalars = make(map[string]float64)
	}
	state.Scalars[ScalarLossScale] = o.scaler.Scale()
	state.Scalars[ScalarGrowthTracker] = float64(o.scaler.GrowthTracker())
	state.Scalars[ScalarSkippedSteps] = float64(o.skipped)
	if o.master != nil {
		if state.Slots == nil {
			state.Slots = make(map[string]*tensors.ParamSet)
		}
		state.Slots[MasterSlot] = o.master.Clone()
	}
	return state
}

// LoadState implements optimizers.Interface.
func (o *halfOptimizer) LoadState(state *optimizers.State) error {
	if err := o.inner.LoadState(state); err != nil {
		return err
	}
	if scale, found := state.Scalars[ScalarLossScale]; found {
		o.scaler.restore(scale, int(state.Scalars[ScalarGrowthTracker]))
		o.skipped = int64(state.Scalars[ScalarSkippedSteps])
	}
	if o.master != nil {
		master, found := state.Slots[MasterSlot]
		if !found {
			return errors.Errorf("optimizer state has no %q slot, required by mixed precision level %s",
				MasterSlot, o.level)
		}
		if err := o.master.CopyFrom(master); err != nil {
			return errors.WithMessage(err, "restoring master weights")
		}
	}
	return nil
}
