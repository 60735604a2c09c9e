// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"context"

	"github.com/gomlx/imgtrain/internal/workerspool"
	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/gomlx/imgtrain/pkg/ml/model"
	"github.com/pkg/errors"
)

// dataParallel replicates the model in-process. replicas[0] is the primary.
type dataParallel struct {
	replicas []model.Classifier
	pool     *workerspool.Pool
}

func (dp *dataParallel) Strategy() Strategy { return DataParallel }

func (dp *dataParallel) NumReplicas() int { return len(dp.replicas) }

// shards returns the ranges [from, to) of the batch assigned to each replica. Replicas with
// an empty range are not used.
func (dp *dataParallel) shards(batchSize int) [][2]int {
	n := len(dp.replicas)
	ranges := make([][2]int, n)
	for i := range n {
		ranges[i] = [2]int{i * batchSize / n, (i + 1) * batchSize / n}
	}
	return ranges
}

// ComputeGradients implements Replicated: each replica computes the mean loss of its shard, and the results
// are combined weighted by the shard sizes, which equals the mean over the whole batch.
func (dp *dataParallel) ComputeGradients(_ context.Context, images *tensors.Tensor, labels []int, lossFn LossFn) (
	float64, *tensors.ParamSet, error) {
	batchSize := len(labels)
	if images.Rank() == 0 || images.Shape()[0] != batchSize {
		return 0, nil, errors.Errorf("data-parallel: batch of %d labels for images shaped %v", batchSize, images.Shape())
	}
	ranges := dp.shards(batchSize)
	losses := make([]float64, len(ranges))
	grads := make([]*tensors.ParamSet, len(ranges))
	err := dp.pool.ForEach(len(ranges), func(i int) error {
		from, to := ranges[i][0], ranges[i][1]
		if from == to {
			return nil
		}
		var err error
		losses[i], grads[i], err = forwardBackward(dp.replicas[i], images.Slice(from, to), labels[from:to], lossFn)
		return errors.WithMessagef(err, "replica #%d", i)
	})
	if err != nil {
		return 0, nil, err
	}

	// Reduce onto the primary, in replica order.
	total := dp.replicas[0].Params().ZerosLike()
	var loss float64
	for i, g := range grads {
		if g == nil {
			continue
		}
		weight := float64(ranges[i][1]-ranges[i][0]) / float64(batchSize)
		if err := total.AddScaled(weight, g); err != nil {
			return 0, nil, errors.WithMessagef(err, "replica #%d gradients", i)
		}
		loss += weight * losses[i]
	}
	return loss, total, nil
}

// Predict implements Replicated.
func (dp *dataParallel) Predict(_ context.Context, images *tensors.Tensor) (*tensors.Tensor, error) {
	if images.Rank() == 0 {
		return nil, errors.Errorf("data-parallel: images must have a batch axis, got shape %v", images.Shape())
	}
	batchSize := images.Shape()[0]
	ranges := dp.shards(batchSize)
	logits := make([]*tensors.Tensor, len(ranges))
	err := dp.pool.ForEach(len(ranges), func(i int) error {
		from, to := ranges[i][0], ranges[i][1]
		if from == to {
			return nil
		}
		var err error
		logits[i], err = model.Predict(dp.replicas[i], images.Slice(from, to))
		return errors.WithMessagef(err, "replica #%d", i)
	})
	if err != nil {
		return nil, err
	}
	var rows []*tensors.Tensor
	for _, l := range logits {
		if l == nil {
			continue
		}
		for row := range l.Shape()[0] {
			rows = append(rows, l.Row(row))
		}
	}
	return tensors.Stack(rows)
}

// SyncReplicas implements Replicated.
func (dp *dataParallel) SyncReplicas() error {
	primary := dp.replicas[0].Params()
	for i, r := range dp.replicas[1:] {
		if err := r.Params().CopyFrom(primary); err != nil {
			return errors.WithMessagef(err, "syncing replica #%d", i+1)
		}
	}
	return nil
}
