// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package precision

// Default dynamic loss scaling parameters.
const (
	DefaultInitialScale   = 65536.0
	DefaultGrowthFactor   = 2.0
	DefaultBackoffFactor  = 0.5
	DefaultGrowthInterval = 2000
)

// LossScaler implements dynamic loss scaling: the loss gradient is multiplied by Scale() before the
// backward pass, so small gradients don't underflow in reduced precision.
// The scale grows after GrowthInterval consecutive steps with finite gradients, and backs off on overflow.
type LossScaler struct {
	GrowthFactor, BackoffFactor float64
	GrowthInterval              int

	scale         float64
	growthTracker int
}

// NewLossScaler creates a LossScaler with the default parameters.
func NewLossScaler() *LossScaler {
	return &LossScaler{
		GrowthFactor:   DefaultGrowthFactor,
		BackoffFactor:  DefaultBackoffFactor,
		GrowthInterval: DefaultGrowthInterval,
		scale:          DefaultInitialScale,
	}
}

// Scale returns the current loss scale.
func (s *LossScaler) Scale() float64 { return s.scale }

// GrowthTracker returns the number of consecutive finite steps since the last change of scale.
func (s *LossScaler) GrowthTracker() int { return s.growthTracker }

// Update the scale after a step: finite is false if the scaled gradients overflowed.
func (s *LossScaler) Update(finite bool) {
	if !finite {
		s.scale *= s.BackoffFactor
		s.growthTracker = 0
		return
	}
	s.growthTracker++
	if s.growthTracker >= s.GrowthInterval {
		s.scale *= s.GrowthFactor
		s.growthTracker = 0
	}
}

// restore sets the scaler state, as saved in the optimizer state.
func (s *LossScaler) restore(scale float64, growthTracker int) {
	s.scale = scale
	s.growthTracker = growthTracker
}
