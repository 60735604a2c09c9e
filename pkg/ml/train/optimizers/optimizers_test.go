// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"testing"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/gomlx/imgtrain/pkg/support/errkind"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scalarSet(v float64) *tensors.ParamSet {
	return tensors.NewParamSet().Add("x", tensors.MustFromData([]float64{v}, 1))
}

func TestSGD(t *testing.T) {
	opt := StochasticGradientDescent().LearningRate(0.1).Momentum(0.9).WeightDecay(0.01).Done()
	params := scalarSet(1)

	// Step 1: g = 2 + 0.01*1 = 2.01, buf = 2.01, x = 1 - 0.201.
	require.NoError(t, opt.Step(params, scalarSet(2)))
	assert.InDelta(t, 0.799, params.Get("x").Data()[0], 1e-12)
	// Step 2: g = 2 + 0.00799, buf = 0.9*2.01 + 2.00799, x -= 0.1*buf.
	require.NoError(t, opt.Step(params, scalarSet(2)))
	buf := 0.9*2.01 + 2.00799
	assert.InDelta(t, 0.799-0.1*buf, params.Get("x").Data()[0], 1e-12)
	assert.Equal(t, int64(2), opt.StepCount())

	// Restoring the state continues identically.
	restored := StochasticGradientDescent().LearningRate(0.1).Momentum(0.9).WeightDecay(0.01).Done()
	require.NoError(t, restored.LoadState(opt.State()))
	p1, p2 := params.Clone(), params.Clone()
	require.NoError(t, opt.Step(p1, scalarSet(-1)))
	require.NoError(t, restored.Step(p2, scalarSet(-1)))
	assert.True(t, p1.Equal(p2))

	require.Error(t, Adam().Done().LoadState(opt.State()))
	require.Error(t, opt.Step(params, tensors.NewParamSet().Add("y", tensors.New(1))))
}

func TestAdam(t *testing.T) {
	opt := Adam().LearningRate(0.01).Done()
	params := scalarSet(1)
	require.NoError(t, opt.Step(params, scalarSet(5)))
	// First Adam step moves by ~lr in the direction opposite to the gradient.
	assert.InDelta(t, 1-0.01, params.Get("x").Data()[0], 1e-6)

	state := opt.State()
	assert.Equal(t, "adam", state.Name)
	assert.Equal(t, []string{Moment1Slot, Moment2Slot}, state.SlotNames())

	restored := Adam().LearningRate(0.01).Done()
	require.NoError(t, restored.LoadState(state))
	p1, p2 := params.Clone(), params.Clone()
	require.NoError(t, opt.Step(p1, scalarSet(-3)))
	require.NoError(t, restored.Step(p2, scalarSet(-3)))
	assert.True(t, p1.Equal(p2))

	// Minimizes a simple quadratic.
	for _, name := range []string{"adam", "adamax", "sgd"} {
		opt, err := ByName(name, Hyperparameters{LearningRate: 0.05})
		require.NoError(t, err)
		x := scalarSet(3)
		for range 2000 {
			require.NoError(t, opt.Step(x, scalarSet(2*x.Get("x").Data()[0])))
		}
		assert.InDelta(t, 0, x.Get("x").Data()[0], 5e-2, "optimizer %s", name)
	}

	_, err := ByName("lbfgs", Hyperparameters{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.Configuration))
}

func TestSchedules(t *testing.T) {
	ms := MultiStep([]float64{0.5, 0.75}, 0.1, 20)
	assert.Equal(t, []int{10, 15}, ms.Milestones)
	for _, tc := range []struct {
		epoch int
		want  float64
	}{{0, 1}, {9, 1}, {10, 0.1}, {14, 0.1}, {15, 0.01}, {20, 0.01}} {
		assert.InDelta(t, tc.want, ms.LearningRate(1, tc.epoch), 1e-12, "epoch %d", tc.epoch)
	}

	step := StepSchedule{StepSize: 3, Gamma: 0.5}
	assert.Equal(t, 1.0, step.LearningRate(1, 2))
	assert.Equal(t, 0.5, step.LearningRate(1, 3))
	assert.Equal(t, 0.25, step.LearningRate(1, 6))

	cosine := CosineSchedule{Epochs: 10, MinLR: 0.1}
	assert.InDelta(t, 1.0, cosine.LearningRate(1, 0), 1e-12)
	assert.InDelta(t, 0.55, cosine.LearningRate(1, 5), 1e-12)
	assert.InDelta(t, 0.1, cosine.LearningRate(1, 10), 1e-12)
	assert.InDelta(t, 0.1, cosine.LearningRate(1, 12), 1e-12)

	for _, tc := range []struct {
		name string
		cfg  ScheduleConfig
	}{
		{"multistep", ScheduleConfig{Milestones: []float64{0.75, 0.5}}},
		{"multistep", ScheduleConfig{Milestones: []float64{0, 0.5}}},
		{"multistep", ScheduleConfig{Milestones: []float64{0.5, 1.5}}},
		{"step", ScheduleConfig{StepSize: 0}},
		{"cosine", ScheduleConfig{Epochs: 0}},
		{"exponential", ScheduleConfig{}},
	} {
		_, err := ScheduleByName(tc.name, tc.cfg)
		require.Error(t, err, "%s: %+v", tc.name, tc.cfg)
		assert.True(t, errors.Is(err, errkind.Configuration))
	}
}

func TestScheduler(t *testing.T) {
	opt := StochasticGradientDescent().LearningRate(0.4).Done()
	s := NewScheduler(MultiStep([]float64{0.5, 0.75}, 0.1, 4), opt)
	var lrs []float64
	for range 4 {
		s.Step()
		lrs = append(lrs, opt.LearningRate())
	}
	assert.InDeltaSlice(t, []float64{0.4, 0.04, 0.004, 0.004}, lrs, 1e-12)
	assert.Equal(t, 4, s.LastEpoch())

	// Restore into a fresh scheduler.
	opt2 := StochasticGradientDescent().LearningRate(0.4).Done()
	s2 := NewScheduler(MultiStep([]float64{0.5, 0.75}, 0.1, 4), opt2)
	require.NoError(t, s2.LoadState(SchedulerState{Name: "multistep", LastEpoch: 2, BaseLR: 0.4}))
	assert.InDelta(t, 0.04, opt2.LearningRate(), 1e-12)
	require.Error(t, s2.LoadState(SchedulerState{Name: "cosine"}))
	assert.False(t, math.IsNaN(opt2.LearningRate()))
}
