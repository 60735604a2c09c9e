// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package parallel wraps a classifier for replicated training: either data-parallel across several
// in-process replicas (devices), or distributed across the processes of a group.
//
// In every mode the wrapped model computes gradients that are identical on all replicas, so all of
// them take the same optimizer step. The unwrapped (primary) model returned by Wrap is the single
// source of truth to persist.
package parallel

import (
	"context"

	"github.com/gomlx/imgtrain/internal/workerspool"
	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/gomlx/imgtrain/pkg/ml/distributed"
	"github.com/gomlx/imgtrain/pkg/ml/model"
	"github.com/pkg/errors"
)

// Strategy is an enumeration of the replication strategies.
type Strategy int

const (
	// None is the identity wrap: a single replica in a single process.
	None Strategy = iota

	// DataParallel replicates the model across devices of one process: each batch is split
	// into contiguous shards, one per replica, and the gradients are averaged onto the primary replica.
	DataParallel

	// Distributed runs one replica per process, and gradients are averaged across the group
	// after each backward pass.
	Distributed
)

func (s Strategy) String() string {
	switch s {
	case None:
		return "none"
	case DataParallel:
		return "data-parallel"
	case Distributed:
		return "distributed"
	}
	return "unknown"
}

// LossFn computes the mean loss of a batch and its gradient with respect to the logits.
type LossFn func(logits *tensors.Tensor, labels []int) (loss float64, dLogits *tensors.Tensor, err error)

// Replicated is a model wrapped for replicated training.
type Replicated interface {
	// Strategy used for replication.
	Strategy() Strategy

	// NumReplicas in this process.
	NumReplicas() int

	// ComputeGradients runs forward and backward on the batch, and returns the mean loss and the
	// gradients, synchronized across all replicas.
	ComputeGradients(ctx context.Context, images *tensors.Tensor, labels []int, lossFn LossFn) (
		loss float64, grads *tensors.ParamSet, err error)

	// Predict returns the logits of the local batch. There is no synchronization across processes.
	Predict(ctx context.Context, images *tensors.Tensor) (*tensors.Tensor, error)

	// SyncReplicas copies the primary parameters into the other local replicas. It must be called after
	// each optimizer step, and after the primary parameters are restored from a checkpoint.
	SyncReplicas() error
}

// Wrap returns the model wrapped according to the execution environment:
//
//   - dctx.IsDistributed(): gradients averaged across the processes of the group.
//   - devices > 1: data-parallel replication in this process.
//   - otherwise: identity wrap.
//
// The second returned value is always the primary unwrapped model, m itself.
func Wrap(m model.Classifier, dctx *distributed.Context, devices int) (Replicated, model.Classifier) {
	switch {
	case dctx.IsDistributed():
		return &distributedReplica{single: single{m}, dctx: dctx}, m
	case devices > 1:
		replicas := make([]model.Classifier, devices)
		replicas[0] = m
		for i := 1; i < devices; i++ {
			replicas[i] = m.Clone()
		}
		pool := workerspool.New()
		pool.SetMaxParallelism(devices)
		return &dataParallel{replicas: replicas, pool: pool}, m
	default:
		return single{m}, m
	}
}

// Broadcast sets params of every rank of the group to the values of rank 0. It must be called by all ranks,
// before training starts, so the replicas start identical even if they were initialized differently.
//
// It is a no-op if dctx is not distributed.
func Broadcast(ctx context.Context, dctx *distributed.Context, params *tensors.ParamSet) error {
	if !dctx.IsDistributed() {
		return nil
	}
	flat := params.Flatten()
	if dctx.Rank() != 0 {
		clear(flat)
	}
	sum, err := dctx.AllReduceSum(ctx, flat)
	if err != nil {
		return errors.WithMessage(err, "broadcasting parameters from rank 0")
	}
	return params.Unflatten(sum)
}

// forwardBackward runs a forward and backward pass of one replica.
func forwardBackward(m model.Classifier, images *tensors.Tensor, labels []int, lossFn LossFn) (
	float64, *tensors.ParamSet, error) {
	logits, backward, err := m.Forward(images)
	if err != nil {
		return 0, nil, err
	}
	loss, dLogits, err := lossFn(logits, labels)
	if err != nil {
		return 0, nil, err
	}
	grads, err := backward(dLogits)
	if err != nil {
		return 0, nil, err
	}
	return loss, grads, nil
}

// single is the identity wrap.
type single struct {
	m model.Classifier
}

func (s single) Strategy() Strategy { return None }

func (s single) NumReplicas() int { return 1 }

func (s single) ComputeGradients(_ context.Context, images *tensors.Tensor, labels []int, lossFn LossFn) (
	float64, *tensors.ParamSet, error) {
	return forwardBackward(s.m, images, labels, lossFn)
}

func (s single) Predict(_ context.Context, images *tensors.Tensor) (*tensors.Tensor, error) {
	return model.Predict(s.m, images)
}

func (s single) SyncReplicas() error { return nil }

// distributedReplica averages the gradients (and the loss) across the group.
type distributedReplica struct {
	single
	dctx *distributed.Context
}

func (d *distributedReplica) Strategy() Strategy { return Distributed }

func (d *distributedReplica) ComputeGradients(ctx context.Context, images *tensors.Tensor, labels []int,
	lossFn LossFn) (float64, *tensors.ParamSet, error) {
	loss, grads, err := forwardBackward(d.m, images, labels, lossFn)
	if err != nil {
		return 0, nil, err
	}
	flat := append(grads.Flatten(), loss)
	mean, err := d.dctx.AllReduceMean(ctx, flat)
	if err != nil {
		return 0, nil, errors.WithMessage(err, "averaging gradients")
	}
	if err = grads.Unflatten(mean[:len(mean)-1]); err != nil {
		return 0, nil, err
	}
	return mean[len(mean)-1], grads, nil
}
