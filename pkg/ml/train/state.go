// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import "time"

// Phase of the training loop.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseResuming
	PhaseTraining
	PhaseValidating
	PhaseScheduling
	PhaseCheckpointing
	PhaseFinished
)

var phaseNames = []string{"initializing", "resuming", "training", "validating", "scheduling", "checkpointing", "finished"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// RunState is the mutable state of a run, owned by the Loop.
type RunState struct {
	Phase Phase

	// Epoch is the current epoch during training, or the last completed epoch once finished.
	// Epochs are numbered from 1, 0 means no epoch was run yet.
	Epoch int

	// StartEpoch is the first epoch run by this process: larger than 1 when resuming.
	StartEpoch int

	// Iteration counts the training steps (batches) of all epochs, including those of previous
	// runs when resuming. It always equals completed_epochs * batches_per_epoch at epoch boundaries.
	Iteration int64

	// BestScore is the best validation accuracy (percent) so far. It never decreases.
	BestScore float64

	// SkippedSteps counts the batches whose update was dropped because of a non-finite loss
	// (with the "skip" policy) in this process.
	SkippedSteps int64
}

// StepInfo is passed to OnStep hooks.
type StepInfo struct {
	Epoch int

	// Batch index in the epoch, and number of batches of the epoch.
	Batch, NumBatches int

	// Iteration after the step.
	Iteration int64

	// Loss of the batch (averaged across replicas and ranks).
	Loss float64

	// Skipped is true if the update was dropped because of a non-finite loss.
	Skipped bool
}

// EpochResult summarizes one epoch.
type EpochResult struct {
	Epoch       int
	TrainLoss   float64
	ValLoss     float64
	ValAccuracy float64

	// LearningRate used during the epoch.
	LearningRate float64

	// IsBest is true if the validation accuracy improved the best score.
	IsBest  bool
	Elapsed time.Duration
}

// Result of a run.
type Result struct {
	State   RunState
	History []EpochResult
	Elapsed time.Duration

	// Evaluation is set for evaluate-only runs.
	Evaluation *EvalResult
}

// EvalResult of an evaluate-only run.
type EvalResult struct {
	WeightsPath string
	Loss        float64
	Accuracy    float64
	NumExamples int
}
