// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/imgtrain/pkg/ml/checkpoints"
	"github.com/gomlx/imgtrain/pkg/ml/data"
	"github.com/gomlx/imgtrain/pkg/ml/determinism"
	"github.com/gomlx/imgtrain/pkg/ml/distributed"
	"github.com/gomlx/imgtrain/pkg/ml/model"
	"github.com/gomlx/imgtrain/pkg/ml/parallel"
	"github.com/gomlx/imgtrain/pkg/ml/precision"
	"github.com/gomlx/imgtrain/pkg/ml/train/losses"
	"github.com/gomlx/imgtrain/pkg/ml/train/metrics"
	"github.com/gomlx/imgtrain/pkg/ml/train/optimizers"
	"github.com/gomlx/imgtrain/pkg/support/errkind"
	"github.com/gomlx/imgtrain/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Deps are the collaborators of a Loop. Only TrainSet and ValSet are required.
type Deps struct {
	// Determinism provides all the randomness of the run. Defaults to determinism.New(cfg.Seed).
	Determinism *determinism.Context

	// Dist is the distributed context. Defaults to single-process.
	Dist *distributed.Context

	TrainSet, ValSet data.Dataset

	// Store writes the checkpoints. Defaults to checkpoints.New(Dist).
	Store *checkpoints.Store

	// Sink receives the metrics series, on the main rank only. Optional.
	Sink metrics.Sink

	// Capability of the host, checked when a mixed precision level is configured.
	Capability precision.Capability
}

// Loop is the epoch orchestrator: it trains the model for the configured epochs, validating after each
// epoch, stepping the learning rate schedule, keeping track of the best validation score, and saving
// checkpoints. It can resume a previous run from its resume checkpoint.
//
// By itself it doesn't report progress, but one can attach functionality to it through hooks (OnStart,
// OnEpochStart, OnStep, OnEpochEnd and OnEnd), like progress bars, plots or early-stopping strategies.
//
// The public attributes are meant for reading only, don't change them.
type Loop struct {
	// Config of the run.
	Config Config

	// State of the run. Hooks can read it.
	State RunState

	// Dist is the distributed context of the run.
	Dist *distributed.Context

	// Precision strategy of the run.
	Precision *precision.Strategy

	bundle     *Bundle
	primary    model.Classifier
	replicated parallel.Replicated
	optimizer  optimizers.Interface

	det         *determinism.Context
	store       *checkpoints.Store
	sink        metrics.Sink
	trainLoader *data.Loader
	valLoader   *data.Loader

	hooks hooks
}

// NewLoop validates the configuration and sets up the training of the bundle.
//
// Setup follows a fixed order: the precision strategy is checked (failing fast, before any data loader is
// built), in distributed runs the parameters of rank 0 are broadcast to all ranks, the model and optimizer are
// wrapped for mixed precision (except in evaluate-only mode) and then for replication (data-parallel or
// distributed), and finally the data loaders are created.
//
// In distributed runs Config.BatchSize is the global batch size: each rank trains on batches of
// BatchSize/WorldSize examples, so the optimizer steps are the same as in a single process. Config.Workers
// is split across the ranks in the same way. NewLoop must be called by all ranks of the group.
func NewLoop(ctx context.Context, cfg Config, bundle *Bundle, deps Deps) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.TrainSet == nil || deps.ValSet == nil {
		return nil, errkind.Newf(errkind.Configuration, "train.NewLoop requires both a train and a validation dataset")
	}
	loop := &Loop{
		Config: cfg,
		State:  RunState{Phase: PhaseInitializing, StartEpoch: cfg.StartEpoch},
		Dist:   deps.Dist,
		bundle: bundle,
		det:    deps.Determinism,
		store:  deps.Store,
		sink:   deps.Sink,
		hooks:  newHooks(),
	}
	if loop.Dist == nil {
		loop.Dist = distributed.Single()
	}
	if loop.det == nil {
		loop.det = determinism.New(cfg.Seed)
	}
	if loop.store == nil {
		loop.store = checkpoints.New(loop.Dist)
	}

	worldSize := loop.Dist.WorldSize()
	if cfg.BatchSize%worldSize != 0 && !cfg.Evaluate {
		return nil, errkind.Newf(errkind.Configuration,
			"batch_size=%d must be divisible by the world size %d", cfg.BatchSize, worldSize)
	}
	rankBatchSize := max(cfg.BatchSize/worldSize, 1)
	rankWorkers := (cfg.Workers + worldSize - 1) / worldSize

	var err error
	loop.Precision, err = precision.New(precision.Level(cfg.Precision), deps.Capability)
	if err != nil {
		return nil, err
	}
	if err = parallel.Broadcast(ctx, loop.Dist, bundle.Model.Params()); err != nil {
		return nil, err
	}
	m, opt := bundle.Model, bundle.Optimizer
	if !cfg.Evaluate {
		m, opt = loop.Precision.Wrap(m, opt)
	}
	loop.optimizer = opt
	loop.replicated, loop.primary = parallel.Wrap(m, loop.Dist, cfg.Devices)

	// Training: shuffled shards, drop-last, and the same number of batches on every rank.
	trainSampler := distributed.NewSampler(deps.TrainSet.Len(), loop.Dist, loop.det, true)
	trainBatches := trainSampler.MinShardLen() / rankBatchSize
	if trainBatches == 0 && !cfg.Evaluate {
		return nil, errkind.Newf(errkind.Configuration,
			"train dataset %q has %d examples per rank (world size %d), not enough for one batch of %d",
			deps.TrainSet.Name(), trainSampler.MinShardLen(), worldSize, rankBatchSize)
	}
	loop.trainLoader = data.NewLoader(deps.TrainSet, trainSampler, rankBatchSize).
		DropLast(true).
		MaxBatches(trainBatches).
		Workers(rankWorkers).
		Prefetch(cfg.PrefetchBatches).
		WorkerSeeds(loop.det.WorkerSeedFn())

	// Validation: every example exactly once, results combined across ranks.
	valSampler := distributed.NewSampler(deps.ValSet.Len(), loop.Dist, nil, false)
	loop.valLoader = data.NewLoader(deps.ValSet, valSampler, cfg.EvalBatchSizeOrDefault()).
		Workers(rankWorkers).
		Prefetch(cfg.PrefetchBatches).
		WorkerSeeds(loop.det.WorkerSeedFn())

	loop.Dist.Infof("%s: %s, %s, %s, %d replica(s) per process, %s batches per epoch",
		cfg.ExpName, loop.Dist, loop.Precision, loop.replicated.Strategy(), loop.replicated.NumReplicas(),
		humanize.Comma(int64(loop.TrainBatches())))
	return loop, nil
}

// TrainBatches returns the number of training batches (steps) per epoch.
func (loop *Loop) TrainBatches() int { return loop.trainLoader.NumBatches() }

// ValBatches returns the number of validation batches of this rank.
func (loop *Loop) ValBatches() int { return loop.valLoader.NumBatches() }

// Model returns the primary (unwrapped) model, the one persisted.
func (loop *Loop) Model() model.Classifier { return loop.bundle.Model }

// Optimizer returns the optimizer used, including the mixed precision wrapping, if any.
func (loop *Loop) Optimizer() optimizers.Interface { return loop.optimizer }

// LearningRate returns the current learning rate.
func (loop *Loop) LearningRate() float64 { return loop.optimizer.LearningRate() }

func (loop *Loop) addMetric(name string, step int64, value float64) {
	if loop.sink != nil && loop.Dist.IsMain() {
		loop.sink.Add(name, step, value)
	}
}

// Run trains (or, if Config.Evaluate is set, only evaluates) the model.
//
// Training runs epochs StartEpoch to Epochs inclusive. Each epoch trains on this rank's shard of the
// training data, validates on the whole validation data, steps the learning rate schedule, saves the best
// weights if the validation accuracy improved (strictly), and saves the resume checkpoint.
func (loop *Loop) Run(ctx context.Context) (*Result, error) {
	cfg := &loop.Config
	if cfg.Evaluate {
		return loop.Evaluate(ctx, cfg.EvalWeightsPath())
	}
	startTime := time.Now()
	if loop.Dist.IsMain() {
		if err := fsutil.EnsureDir(cfg.OutputDir); err != nil {
			return nil, errkind.Wrapf(errkind.CheckpointIO, err, "output directory")
		}
	}

	startEpoch := cfg.StartEpoch
	if cfg.Resume {
		var err error
		if startEpoch, err = loop.resume(ctx); err != nil {
			return nil, err
		}
	} else {
		// Fast-forward the schedule over the skipped epochs.
		for range startEpoch - 1 {
			loop.bundle.Scheduler.Step()
		}
	}
	loop.State.StartEpoch = startEpoch
	loop.State.Epoch = startEpoch - 1
	loop.State.Iteration = int64(startEpoch-1) * int64(loop.TrainBatches())
	if err := loop.start(); err != nil {
		return nil, err
	}

	result := &Result{}
	for epoch := startEpoch; epoch <= cfg.Epochs; epoch++ {
		epochResult, err := loop.runEpoch(ctx, epoch)
		if err != nil {
			return nil, err
		}
		result.History = append(result.History, epochResult)
		stop, err := loop.epochEnd(epochResult)
		if err != nil {
			return nil, err
		}
		if stop {
			loop.Dist.Infof("training stopped by hook after epoch %d", epoch)
			break
		}
	}
	loop.State.Phase = PhaseFinished
	result.State = loop.State
	result.Elapsed = time.Since(startTime)
	loop.Dist.Infof("%s: finished, best validation accuracy %.2f%%, elapsed time %s",
		cfg.ExpName, loop.State.BestScore, result.Elapsed.Round(time.Second))
	if err := loop.end(result); err != nil {
		return nil, err
	}
	return result, nil
}

// resume restores the bundle and the run state from the resume checkpoint, and returns the first epoch to run.
func (loop *Loop) resume(ctx context.Context) (int, error) {
	loop.State.Phase = PhaseResuming
	path := loop.Config.ResumePath()
	// All ranks wait for the group before reading the shared checkpoint.
	if err := loop.Dist.Barrier(ctx); err != nil {
		return 0, err
	}
	b, err := checkpoints.Load(path)
	if err != nil {
		return 0, err
	}
	if b.Kind != checkpoints.KindResume {
		return 0, errkind.Newf(errkind.CheckpointIO, "%q is a %s checkpoint, it can't be used to resume", path, b.Kind)
	}
	if b.Optimizer == nil || b.Scheduler == nil {
		return 0, errkind.Newf(errkind.CheckpointIO, "resume checkpoint %q has no optimizer or scheduler state", path)
	}
	if err = b.RestoreModel(loop.primary.Params()); err != nil {
		return 0, err
	}
	if err = loop.replicated.SyncReplicas(); err != nil {
		return 0, err
	}
	if err = loop.optimizer.LoadState(b.Optimizer); err != nil {
		return 0, errkind.Wrapf(errkind.CheckpointIO, err, "restoring optimizer from %q", path)
	}
	if err = loop.bundle.Scheduler.LoadState(*b.Scheduler); err != nil {
		return 0, errkind.Wrapf(errkind.CheckpointIO, err, "restoring scheduler from %q", path)
	}
	loop.State.BestScore = b.BestScore
	loop.Dist.Infof("resumed from %q (run %s): epoch %d completed, best score %.2f%%",
		path, b.RunID, b.Epoch, b.BestScore)
	return b.Epoch + 1, nil
}

func (loop *Loop) runEpoch(ctx context.Context, epoch int) (EpochResult, error) {
	epochStart := time.Now()
	result := EpochResult{Epoch: epoch, LearningRate: loop.optimizer.LearningRate()}
	loop.State.Epoch = epoch
	if err := loop.epochStart(epoch); err != nil {
		return result, err
	}

	loop.State.Phase = PhaseTraining
	var err error
	if result.TrainLoss, err = loop.trainEpoch(ctx, epoch); err != nil {
		return result, err
	}

	loop.State.Phase = PhaseValidating
	var numExamples int
	if result.ValLoss, result.ValAccuracy, numExamples, err = loop.validate(ctx, epoch); err != nil {
		return result, err
	}

	loop.State.Phase = PhaseScheduling
	loop.bundle.Scheduler.Step()

	loop.State.Phase = PhaseCheckpointing
	if result.ValAccuracy > loop.State.BestScore {
		result.IsBest = true
		loop.State.BestScore = result.ValAccuracy
		if err = loop.store.SaveWeights(loop.Config.BestWeightsPath(), loop.primary.Params()); err != nil {
			return result, err
		}
	}
	if loop.Config.SaveResume {
		err = loop.store.SaveBundle(loop.Config.ResumePath(), &checkpoints.Bundle{
			Epoch:     epoch,
			BestScore: loop.State.BestScore,
			Config:    loop.Config.JSON(),
			Model:     loop.primary.Params(),
			Optimizer: loop.optimizer.State(),
			Scheduler: ptr(loop.bundle.Scheduler.State()),
		})
		if err != nil {
			return result, err
		}
	}

	result.Elapsed = time.Since(epochStart)
	loop.addMetric(metrics.ValLoss, int64(epoch), result.ValLoss)
	loop.addMetric(metrics.ValAccuracy, int64(epoch), result.ValAccuracy)
	loop.addMetric(metrics.LearningRate, int64(epoch), result.LearningRate)
	best := ""
	if result.IsBest {
		best = " (best)"
	}
	loop.Dist.Infof("epoch %d/%d: train loss %.4f, val loss %.4f, val accuracy %.2f%%%s on %d examples, lr %g, %s",
		epoch, loop.Config.Epochs, result.TrainLoss, result.ValLoss, result.ValAccuracy, best, numExamples,
		result.LearningRate, result.Elapsed.Round(time.Millisecond))
	return result, nil
}

func ptr[T any](v T) *T { return &v }

// trainEpoch runs one epoch of training and returns the mean training loss.
func (loop *Loop) trainEpoch(ctx context.Context, epoch int) (float64, error) {
	it := loop.trainLoader.Epoch(ctx, epoch)
	defer it.Close()
	checkGrads := true
	if handler, ok := loop.optimizer.(precision.NonFiniteHandler); ok && handler.HandlesNonFiniteGradients() {
		checkGrads = false
	}
	var meanLoss metrics.Mean
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		loss, grads, err := loop.replicated.ComputeGradients(ctx, batch.Images, batch.Labels, losses.SoftmaxCrossEntropy)
		if err != nil {
			return 0, errors.WithMessagef(err, "epoch %d, batch #%d", epoch, batch.Index)
		}

		finite := !math.IsNaN(loss) && !math.IsInf(loss, 0)
		if finite && checkGrads {
			finite = grads.AllFinite()
		}
		info := StepInfo{Epoch: epoch, Batch: batch.Index, NumBatches: it.NumBatches(), Loss: loss}
		if !finite {
			if loop.Config.NonFinitePolicy == PolicyAbort {
				return 0, errkind.Newf(errkind.NumericDivergence,
					"epoch %d, batch #%d (iteration %d): non-finite loss (%g) or gradients, training interrupted",
					epoch, batch.Index, loop.State.Iteration, loss)
			}
			loop.State.SkippedSteps++
			info.Skipped = true
			loop.Dist.Warningf("epoch %d, batch #%d: non-finite loss (%g) or gradients, update skipped",
				epoch, batch.Index, loss)
		} else {
			if err = loop.optimizer.Step(loop.primary.Params(), grads); err != nil {
				return 0, errors.WithMessagef(err, "epoch %d, batch #%d: optimizer step", epoch, batch.Index)
			}
			if err = loop.replicated.SyncReplicas(); err != nil {
				return 0, err
			}
			meanLoss.Add(loss*float64(batch.Size()), float64(batch.Size()))
		}
		loop.State.Iteration++
		info.Iteration = loop.State.Iteration
		if klog.V(2).Enabled() {
			klog.Infof("epoch %d, batch #%d: loss %.5f", epoch, batch.Index, loss)
		}
		if loop.Config.LogEvery > 0 && loop.State.Iteration%int64(loop.Config.LogEvery) == 0 {
			loop.addMetric(metrics.TrainLoss, loop.State.Iteration, loss)
		}
		if err = loop.step(info); err != nil {
			return 0, err
		}
	}
	return meanLoss.Value(), nil
}

// validate evaluates the model on the validation data, without updating it. Each rank evaluates its shard,
// and the sums are combined across ranks, so the results are the same on all ranks.
//
// It returns the mean loss, the accuracy in percent and the number of examples evaluated.
func (loop *Loop) validate(ctx context.Context, epoch int) (loss, accuracy float64, numExamples int, err error) {
	it := loop.valLoader.Epoch(ctx, epoch)
	defer it.Close()
	var lossSum float64
	var acc metrics.Accuracy
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, 0, err
		}
		logits, err := loop.replicated.Predict(ctx, batch.Images)
		if err != nil {
			return 0, 0, 0, errors.WithMessagef(err, "validation batch #%d", batch.Index)
		}
		batchLoss, err := losses.SoftmaxCrossEntropySum(logits, batch.Labels)
		if err != nil {
			return 0, 0, 0, errors.WithMessagef(err, "validation batch #%d", batch.Index)
		}
		predictions, err := model.ArgMax(logits)
		if err != nil {
			return 0, 0, 0, err
		}
		lossSum += batchLoss
		acc.Update(predictions, batch.Labels)
	}
	sums, err := loop.Dist.AllReduceSum(ctx, []float64{lossSum, acc.Correct, acc.Total})
	if err != nil {
		return 0, 0, 0, errors.WithMessage(err, "combining validation results")
	}
	total := sums[2]
	if total == 0 {
		return 0, 0, 0, nil
	}
	return sums[0] / total, 100 * sums[1] / total, int(total), nil
}

// Evaluate loads the weights at weightsPath (a weights or resume checkpoint) into the model, and evaluates it on the
// validation data. It doesn't take any optimizer step.
func (loop *Loop) Evaluate(ctx context.Context, weightsPath string) (*Result, error) {
	startTime := time.Now()
	b, err := checkpoints.Load(weightsPath)
	if err != nil {
		return nil, err
	}
	if err = b.RestoreModel(loop.primary.Params()); err != nil {
		return nil, err
	}
	if err = loop.replicated.SyncReplicas(); err != nil {
		return nil, err
	}
	loop.State.Phase = PhaseValidating
	loss, accuracy, numExamples, err := loop.validate(ctx, 0)
	if err != nil {
		return nil, err
	}
	loop.State.Phase = PhaseFinished
	loop.addMetric(metrics.ValLoss, 0, loss)
	loop.addMetric(metrics.ValAccuracy, 0, accuracy)
	loop.Dist.Infof("evaluation of %q: loss %.4f, accuracy %.2f%% on %d examples", weightsPath, loss, accuracy,
		numExamples)
	result := &Result{
		State:   loop.State,
		Elapsed: time.Since(startTime),
		Evaluation: &EvalResult{
			WeightsPath: weightsPath,
			Loss:        loss,
			Accuracy:    accuracy,
			NumExamples: numExamples,
		},
	}
	if err := loop.end(result); err != nil {
		return nil, err
	}
	return result, nil
}
