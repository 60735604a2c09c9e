// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/imgtrain/pkg/ml/model"
	"github.com/gomlx/imgtrain/pkg/ml/train/optimizers"
)

// Bundle groups the model with the optimizer and learning rate scheduler that train it.
// The three are saved and restored together.
type Bundle struct {
	Model     model.Classifier
	Optimizer optimizers.Interface
	Scheduler *optimizers.Scheduler
}

// NewBundle creates the optimizer and the learning rate scheduler configured in cfg for the model m.
func NewBundle(cfg Config, m model.Classifier) (*Bundle, error) {
	opt, err := optimizers.ByName(cfg.Optimizer, cfg.Hyperparameters())
	if err != nil {
		return nil, err
	}
	schedule, err := optimizers.ScheduleByName(cfg.Schedule, cfg.ScheduleConfig())
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Model:     m,
		Optimizer: opt,
		Scheduler: optimizers.NewScheduler(schedule, opt),
	}, nil
}
