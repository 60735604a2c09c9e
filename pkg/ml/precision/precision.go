// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package precision implements mixed-precision training as a capability-checked strategy.
//
// Reduced precision is emulated by rounding values to float16 (github.com/x448/float16) at the points
// where a half-precision implementation would store them. The levels follow the usual conventions:
//
//   - O0: full precision, same as no strategy.
//   - O1: inputs, activations (logits) and gradients rounded to float16; weights in full precision.
//   - O2: like O1, but the model weights are also held in float16, and the optimizer keeps a full
//     precision "master" copy that it updates.
//   - O3: pure float16: weights rounded after every update, no master copy.
//
// Levels O1 to O3 use dynamic loss scaling (see LossScaler): steps whose gradients overflow are skipped.
package precision

import (
	"slices"

	"github.com/gomlx/imgtrain/pkg/ml/model"
	"github.com/gomlx/imgtrain/pkg/ml/train/optimizers"
	"github.com/gomlx/imgtrain/pkg/support/errkind"
	"github.com/x448/float16"
)

// Level of mixed precision.
type Level string

const (
	None Level = ""
	O0   Level = "O0"
	O1   Level = "O1"
	O2   Level = "O2"
	O3   Level = "O3"
)

// KnownLevels lists the valid levels.
var KnownLevels = []Level{None, O0, O1, O2, O3}

// Mixed returns whether the level uses reduced precision.
func (l Level) Mixed() bool {
	return l == O1 || l == O2 || l == O3
}

// Strategy is the precision strategy of a run: either None (full precision) or Mixed(level).
type Strategy struct {
	level Level
}

// New creates the precision strategy for the given level.
//
// It fails with a Configuration error if the level is unknown, or if a mixed level is requested and
// the host lacks the half-precision capability: this must be checked before any data loader is built.
func New(level Level, capability Capability) (*Strategy, error) {
	if !slices.Contains(KnownLevels, level) {
		return nil, errkind.Newf(errkind.Configuration, "unknown precision level %q, valid values are %q",
			level, KnownLevels)
	}
	if level.Mixed() && !capability.HalfPrecision {
		return nil, errkind.Newf(errkind.Configuration,
			"mixed precision level %s requested, but half precision is not supported (%s)", level, capability.Source)
	}
	return &Strategy{level: level}, nil
}

// Level returns the precision level.
func (s *Strategy) Level() Level { return s.level }

// Mixed returns whether the strategy uses reduced precision.
func (s *Strategy) Mixed() bool { return s.level.Mixed() }

// String implements fmt.Stringer.
func (s *Strategy) String() string {
	if !s.Mixed() {
		return "full precision"
	}
	return "mixed precision " + string(s.level)
}

// Wrap returns the model and optimizer to use for training.
//
// For full precision it returns the inputs unchanged. Otherwise the returned model rounds its inputs,
// logits and (scaled) gradients to float16, and the returned optimizer skips steps with overflowing
// gradients and maintains the loss scale. The wrapped model shares the parameters of m, so m remains the
// unit of persistence.
//
// For O2 and O3 the parameters of m are rounded to float16 in place.
func (s *Strategy) Wrap(m model.Classifier, opt optimizers.Interface) (model.Classifier, optimizers.Interface) {
	if !s.Mixed() {
		return m, opt
	}
	scaler := NewLossScaler()
	hOpt := &halfOptimizer{inner: opt, level: s.level, scaler: scaler}
	if s.level == O2 {
		hOpt.master = m.Params().Clone()
	}
	if s.level == O2 || s.level == O3 {
		m.Params().Apply(RoundHalf)
	}
	return &halfModel{inner: m, scaler: scaler}, hOpt
}

// RoundHalf rounds v to the nearest float16 value. Values beyond the float16 range become infinite.
func RoundHalf(v float64) float64 {
	return float64(float16.Fromfloat32(float32(v)).Float32())
}

// NonFiniteHandler is implemented by optimizers that handle steps with non-finite gradients themselves
// (by skipping them), so the training loop shouldn't treat them as divergence.
type NonFiniteHandler interface {
	HandlesNonFiniteGradients() bool
}
