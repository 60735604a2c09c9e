// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"bytes"
	"context"
	"math"
	"os"
	"sync"
	"testing"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/gomlx/imgtrain/pkg/ml/checkpoints"
	"github.com/gomlx/imgtrain/pkg/ml/data"
	"github.com/gomlx/imgtrain/pkg/ml/datasets"
	"github.com/gomlx/imgtrain/pkg/ml/determinism"
	"github.com/gomlx/imgtrain/pkg/ml/distributed"
	"github.com/gomlx/imgtrain/pkg/ml/model"
	"github.com/gomlx/imgtrain/pkg/ml/models/linear"
	"github.com/gomlx/imgtrain/pkg/ml/precision"
	"github.com/gomlx/imgtrain/pkg/ml/train/metrics"
	"github.com/gomlx/imgtrain/pkg/support/errkind"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNumClasses = 3
	testSide       = 2 // images are testSide x testSide x 1.
)

func testDatasets(t *testing.T, numTrain, numVal int) (train, val data.Dataset) {
	t.Helper()
	cfg := datasets.SyntheticConfig{
		NumExamples: numTrain, NumClasses: testNumClasses, Height: testSide, Width: testSide, Channels: 1,
		Separation: 1, Noise: 0.8, Seed: 11,
	}
	train = must.M1(datasets.Synthetic(cfg))
	cfg.NumExamples, cfg.Offset = numVal, 1_000_000
	val = must.M1(datasets.Synthetic(cfg))
	return
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.ExpName = "test"
	cfg.OutputDir = t.TempDir()
	cfg.Epochs = 4
	cfg.BatchSize = 8
	cfg.Workers = 2
	cfg.LearningRate = 0.05
	cfg.Seed = 1
	cfg.LogEvery = 1
	return cfg
}

// newTestLoop builds the model (initialized from the determinism context) and the loop.
func newTestLoop(t *testing.T, cfg Config, deps Deps) *Loop {
	t.Helper()
	if deps.Determinism == nil {
		deps.Determinism = determinism.New(cfg.Seed)
	}
	if deps.TrainSet == nil {
		deps.TrainSet, deps.ValSet = testDatasets(t, 60, 21)
	}
	m := linear.New(testSide*testSide, testNumClasses, deps.Determinism.Rand("model"))
	bundle, err := NewBundle(cfg, m)
	require.NoError(t, err)
	loop, err := NewLoop(context.Background(), cfg, bundle, deps)
	require.NoError(t, err)
	return loop
}

func TestDeterminism(t *testing.T) {
	ctx := context.Background()
	run := func(seed int64) *tensors.ParamSet {
		cfg := testConfig(t)
		cfg.Seed = seed
		loop := newTestLoop(t, cfg, Deps{})
		_, err := loop.Run(ctx)
		require.NoError(t, err)
		return loop.Model().Params()
	}
	a, b, c := run(1), run(1), run(2)
	assert.True(t, a.Equal(b), "same seed must give bit-identical weights")
	assert.False(t, a.Equal(c), "different seeds should give different weights")
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	sink := metrics.NewMemorySink()
	loop := newTestLoop(t, cfg, Deps{Sink: sink})
	assert.Equal(t, 60/8, loop.TrainBatches())
	assert.Equal(t, 3, loop.ValBatches()) // 21 examples, keeping the last partial batch.

	result, err := loop.Run(ctx)
	require.NoError(t, err)
	require.Len(t, result.History, cfg.Epochs)
	assert.Equal(t, PhaseFinished, result.State.Phase)
	assert.Equal(t, cfg.Epochs, result.State.Epoch)
	assert.Equal(t, int64(cfg.Epochs*loop.TrainBatches()), result.State.Iteration)

	// Best score is monotone, and only strictly better epochs are "best".
	var best float64
	var improvements int64
	for _, epoch := range result.History {
		assert.True(t, epoch.ValAccuracy >= 0 && epoch.ValAccuracy <= 100)
		assert.False(t, math.IsNaN(epoch.TrainLoss))
		if epoch.ValAccuracy > best {
			assert.True(t, epoch.IsBest, "epoch %d", epoch.Epoch)
			best = epoch.ValAccuracy
			improvements++
		} else {
			assert.False(t, epoch.IsBest, "epoch %d", epoch.Epoch)
		}
	}
	assert.Equal(t, best, result.State.BestScore)

	// Checkpoints: best weights on each improvement, resume checkpoint on each epoch.
	assert.Equal(t, improvements+int64(cfg.Epochs), loop.store.Writes())
	bestWeights, err := checkpoints.Load(cfg.BestWeightsPath())
	require.NoError(t, err)
	assert.Equal(t, checkpoints.KindWeights, bestWeights.Kind)
	resume, err := checkpoints.Load(cfg.ResumePath())
	require.NoError(t, err)
	assert.Equal(t, cfg.Epochs, resume.Epoch)
	assert.Equal(t, best, resume.BestScore)
	assert.True(t, loop.Model().Params().Equal(resume.Model))
	var storedCfg Config
	require.NoError(t, resume.DecodeConfig(&storedCfg))
	assert.Equal(t, cfg, storedCfg)

	// Metrics.
	assert.Len(t, sink.Series(metrics.TrainLoss), cfg.Epochs*loop.TrainBatches())
	assert.Len(t, sink.Series(metrics.ValAccuracy), cfg.Epochs)
	lrs := sink.Series(metrics.LearningRate)
	require.Len(t, lrs, cfg.Epochs)
	// Multistep at 50% and 75% of 4 epochs: the 3rd epoch (index 2) uses lr*gamma, the 4th lr*gamma^2.
	assert.InDelta(t, 0.05, lrs[0].Value, 1e-12)
	assert.InDelta(t, 0.05, lrs[1].Value, 1e-12)
	assert.InDelta(t, 0.005, lrs[2].Value, 1e-12)
	assert.InDelta(t, 0.0005, lrs[3].Value, 1e-12)
}

func TestResumeEquivalence(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	// Uninterrupted run.
	straight := newTestLoop(t, cfg, Deps{})
	straightResult, err := straight.Run(ctx)
	require.NoError(t, err)

	// Interrupted after epoch 2, in a new output directory.
	cfg.OutputDir = t.TempDir()
	first := newTestLoop(t, cfg, Deps{})
	first.OnEpochEnd("interrupt", 0, func(loop *Loop, result EpochResult) error {
		if result.Epoch == 2 {
			return ErrStopTraining
		}
		return nil
	})
	firstResult, err := first.Run(ctx)
	require.NoError(t, err)
	require.Len(t, firstResult.History, 2)

	// Resumed in a new Loop: the model, optimizer and scheduler states come from the checkpoint.
	cfg.Resume = true
	resumed := newTestLoop(t, cfg, Deps{Determinism: determinism.New(cfg.Seed)})
	var startIteration int64
	resumed.OnStart("check", 0, func(loop *Loop) error {
		startIteration = loop.State.Iteration
		return nil
	})
	resumedResult, err := resumed.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, resumedResult.State.StartEpoch)
	assert.Equal(t, int64(2*resumed.TrainBatches()), startIteration)
	require.Len(t, resumedResult.History, 2)
	assert.Equal(t, straightResult.State.Iteration, resumedResult.State.Iteration)
	assert.Equal(t, straightResult.State.BestScore, resumedResult.State.BestScore)
	assert.Equal(t, withoutElapsed(straightResult.History[2:]), withoutElapsed(resumedResult.History), "epochs 3 and 4")
	assert.True(t, straight.Model().Params().Equal(resumed.Model().Params()),
		"resumed training must give the same weights as an uninterrupted run")
}

// withoutElapsed returns a copy of the history with the timing zeroed.
func withoutElapsed(history []EpochResult) []EpochResult {
	stripped := make([]EpochResult, len(history))
	for i, epoch := range history {
		epoch.Elapsed = 0
		stripped[i] = epoch
	}
	return stripped
}

func TestResumeErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Resume = true
	loop := newTestLoop(t, cfg, Deps{})
	_, err := loop.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.CheckpointIO))

	// A weights-only checkpoint can't be used to resume.
	require.NoError(t, checkpoints.New(distributed.Single()).SaveWeights(cfg.ResumePath(), loop.Model().Params()))
	_, err = loop.Run(context.Background())
	assert.True(t, errors.Is(err, errkind.CheckpointIO))

	// A resume checkpoint without optimizer and scheduler state: the weights file relabeled as resume.
	contents := must.M1(os.ReadFile(cfg.ResumePath()))
	relabeled := bytes.Replace(contents, []byte(`"kind":"weights"`), []byte(`"kind":"resume" `), 1)
	require.NotEqual(t, contents, relabeled)
	require.NoError(t, os.WriteFile(cfg.ResumePath(), relabeled, 0o600))
	require.NotPanics(t, func() { _, err = loop.Run(context.Background()) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.CheckpointIO))
}

// runDistributed builds and runs one loop per rank of an in-process group. The model of each rank is
// initialized from modelSeed(rank).
func runDistributed(t *testing.T, cfg Config, worldSize int, trainSet, valSet data.Dataset,
	modelSeed func(rank int) int64) ([]*Loop, []*Result) {
	t.Helper()
	ctx := context.Background()
	group := distributed.NewLocalGroup(worldSize)
	defer func() { _ = group[0].Close() }()
	loops := make([]*Loop, worldSize)
	results := make([]*Result, worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := range worldSize {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := linear.New(testSide*testSide, testNumClasses, determinism.New(modelSeed(rank)).Rand("model"))
			bundle, err := NewBundle(cfg, m)
			if err != nil {
				errs[rank] = err
				return
			}
			deps := Deps{Dist: group[rank], TrainSet: trainSet, ValSet: valSet}
			if loops[rank], errs[rank] = NewLoop(ctx, cfg, bundle, deps); errs[rank] != nil {
				return
			}
			results[rank], errs[rank] = loops[rank].Run(ctx)
		}()
	}
	wg.Wait()
	for rank := range worldSize {
		require.NoError(t, errs[rank], "rank %d", rank)
	}
	return loops, results
}

func TestDistributedRun(t *testing.T) {
	const worldSize = 2
	cfg := testConfig(t)
	cfg.Epochs = 3
	trainSet, valSet := testDatasets(t, 61, 20)
	sameSeed := func(int) int64 { return cfg.Seed }
	loops, results := runDistributed(t, cfg, worldSize, trainSet, valSet, sameSeed)

	var improvements int64
	for _, epoch := range results[0].History {
		if epoch.IsBest {
			improvements++
		}
	}
	for rank := range loops {
		// The global batch is split across ranks: same number of optimizer steps as a single process.
		assert.Equal(t, 61/cfg.BatchSize, loops[rank].TrainBatches())
		assert.True(t, loops[0].Model().Params().Equal(loops[rank].Model().Params()),
			"rank %d weights diverged", rank)
		assert.Equal(t, results[0].History[len(results[0].History)-1].ValAccuracy,
			results[rank].History[len(results[rank].History)-1].ValAccuracy)
		if rank > 0 {
			assert.Equal(t, int64(0), loops[rank].store.Writes(), "rank %d must not write", rank)
		}
	}
	assert.Equal(t, improvements+int64(cfg.Epochs), loops[0].store.Writes())

	// Equivalent to a single process training with the same configuration.
	singleCfg := cfg
	singleCfg.OutputDir = t.TempDir()
	single := newTestLoop(t, singleCfg, Deps{TrainSet: trainSet, ValSet: valSet})
	singleResult, err := single.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, singleResult.State.Iteration, results[0].State.Iteration)
	assert.InDeltaSlice(t, single.Model().Params().Flatten(), loops[0].Model().Params().Flatten(), 1e-9)
	for i, epoch := range singleResult.History {
		assert.InDelta(t, epoch.ValAccuracy, results[0].History[i].ValAccuracy, 1e-9, "epoch %d", epoch.Epoch)
	}
}

func TestDistributedRunStartsFromRankZero(t *testing.T) {
	const worldSize = 3
	cfg := testConfig(t)
	cfg.Epochs = 1
	cfg.BatchSize = 6
	trainSet, valSet := testDatasets(t, 60, 21)
	seedPerRank := func(rank int) int64 { return int64(100 + rank) }
	loops, _ := runDistributed(t, cfg, worldSize, trainSet, valSet, seedPerRank)
	for rank := range loops {
		assert.True(t, loops[0].Model().Params().Equal(loops[rank].Model().Params()),
			"rank %d weights differ from rank 0", rank)
	}
}

func TestDistributedBatchSizeNotDivisible(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 7
	trainSet, valSet := testDatasets(t, 60, 21)
	m := linear.New(testSide*testSide, testNumClasses, determinism.New(1).Rand("model"))
	group := distributed.NewLocalGroup(2)
	defer func() { _ = group[0].Close() }()
	_, err := NewLoop(context.Background(), cfg, must.M1(NewBundle(cfg, m)),
		Deps{Dist: group[0], TrainSet: trainSet, ValSet: valSet})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.Configuration))
}

func TestEvaluateOnly(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	trainSet, valSet := testDatasets(t, 60, 10)

	// Weights to evaluate.
	det := determinism.New(99)
	weights := linear.New(testSide*testSide, testNumClasses, det.Rand("weights"))
	weights.Params().Apply(func(v float64) float64 { return v * 100 })
	weightsPath := cfg.OutputDir + "/eval.ckpt"
	require.NoError(t, checkpoints.New(distributed.Single()).SaveWeights(weightsPath, weights.Params()))

	// Expected accuracy computed directly.
	var correct int
	for i := range valSet.Len() {
		ex := must.M1(valSet.Get(i))
		images := must.M1(tensors.Stack([]*tensors.Tensor{ex.Image}))
		prediction := must.M1(model.ArgMax(must.M1(model.Predict(weights, images))))
		if prediction[0] == ex.Label {
			correct++
		}
	}

	cfg.Evaluate = true
	cfg.WeightsPath = weightsPath
	cfg.EvalBatchSize = 3
	loop := newTestLoop(t, cfg, Deps{TrainSet: trainSet, ValSet: valSet})
	result, err := loop.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, result.Evaluation)
	assert.Equal(t, 10, result.Evaluation.NumExamples)
	assert.Equal(t, 100*float64(correct)/10, result.Evaluation.Accuracy)
	assert.Empty(t, result.History)
	assert.Equal(t, int64(0), loop.Optimizer().StepCount())
	assert.True(t, weights.Params().Equal(loop.Model().Params()))
	assert.Equal(t, int64(0), loop.store.Writes())
}

// nanDataset replaces the image of example 0 by NaNs.
type nanDataset struct {
	data.Dataset
}

func (ds nanDataset) Get(i int) (data.Example, error) {
	ex, err := ds.Dataset.Get(i)
	if err == nil && i == 0 {
		ex.Image = ex.Image.Clone()
		ex.Image.Apply(func(float64) float64 { return math.NaN() })
	}
	return ex, err
}

func TestNonFinitePolicy(t *testing.T) {
	ctx := context.Background()
	trainSet, valSet := testDatasets(t, 32, 12)
	trainSet = nanDataset{trainSet}

	cfg := testConfig(t)
	cfg.Epochs = 2
	loop := newTestLoop(t, cfg, Deps{TrainSet: trainSet, ValSet: valSet})
	_, err := loop.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.NumericDivergence))

	cfg.OutputDir = t.TempDir()
	cfg.NonFinitePolicy = PolicySkip
	var skipped int
	loop = newTestLoop(t, cfg, Deps{TrainSet: trainSet, ValSet: valSet})
	loop.OnStep("count", 0, func(_ *Loop, step StepInfo) error {
		if step.Skipped {
			skipped++
		}
		return nil
	})
	result, err := loop.Run(ctx)
	require.NoError(t, err)
	// 32 examples in batches of 8: example 0 is used exactly once per epoch.
	assert.Equal(t, int64(2), result.State.SkippedSteps)
	assert.Equal(t, 2, skipped)
	assert.Equal(t, int64(2*4), result.State.Iteration)
	assert.True(t, loop.Model().Params().AllFinite())
}

func TestHooks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 3
	loop := newTestLoop(t, cfg, Deps{})
	var calls []string
	loop.OnStart("second", 1, func(*Loop) error { calls = append(calls, "start-1"); return nil })
	loop.OnStart("first", -1, func(*Loop) error { calls = append(calls, "start-0"); return nil })
	loop.OnEpochStart("epoch", 0, func(_ *Loop, epoch int) error {
		calls = append(calls, "epoch")
		return nil
	})
	loop.OnEpochEnd("stop", 0, func(_ *Loop, result EpochResult) error {
		if result.Epoch == 2 {
			return ErrStopTraining
		}
		return nil
	})
	loop.OnEnd("end", 0, func(_ *Loop, result *Result) error {
		calls = append(calls, "end")
		return nil
	})
	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.History, 2)
	assert.Equal(t, []string{"start-0", "start-1", "epoch", "epoch", "end"}, calls)

	loop = newTestLoop(t, cfg, Deps{})
	loop.OnStep("fail", 0, func(*Loop, StepInfo) error { return errors.New("boom") })
	_, err = loop.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `OnStep(hook "fail")`)
}

func TestMixedPrecision(t *testing.T) {
	cfg := testConfig(t)
	cfg.Precision = string(precision.O1)
	trainSet, valSet := testDatasets(t, 60, 21)
	m := linear.New(testSide*testSide, testNumClasses, determinism.New(1).Rand("model"))
	bundle := must.M1(NewBundle(cfg, m))
	_, err := NewLoop(context.Background(), cfg, bundle,
		Deps{TrainSet: trainSet, ValSet: valSet, Capability: precision.Capability{}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.Configuration))

	for _, level := range []precision.Level{precision.O1, precision.O2, precision.O3} {
		t.Run(string(level), func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Precision = string(level)
			loop := newTestLoop(t, cfg, Deps{Capability: precision.Capability{HalfPrecision: true, Source: "test"}})
			result, err := loop.Run(context.Background())
			require.NoError(t, err)
			assert.True(t, loop.Model().Params().AllFinite())
			assert.False(t, math.IsNaN(result.History[len(result.History)-1].TrainLoss))

			// The loss scale is saved with the optimizer state.
			resume := must.M1(checkpoints.Load(cfg.ResumePath()))
			assert.Contains(t, resume.Optimizer.Scalars, precision.ScalarLossScale)
		})
	}
}

func TestDataParallelDevices(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	single := newTestLoop(t, cfg, Deps{})
	_, err := single.Run(ctx)
	require.NoError(t, err)

	cfg.OutputDir = t.TempDir()
	cfg.Devices = 3
	replicated := newTestLoop(t, cfg, Deps{})
	_, err = replicated.Run(ctx)
	require.NoError(t, err)
	assert.InDeltaSlice(t, single.Model().Params().Flatten(), replicated.Model().Params().Flatten(), 1e-9)
}

func TestTrainSetTooSmall(t *testing.T) {
	cfg := testConfig(t)
	trainSet, valSet := testDatasets(t, 7, 5)
	m := linear.New(testSide*testSide, testNumClasses, determinism.New(1).Rand("model"))
	_, err := NewLoop(context.Background(), cfg, must.M1(NewBundle(cfg, m)), Deps{TrainSet: trainSet, ValSet: valSet})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.Configuration))
}
