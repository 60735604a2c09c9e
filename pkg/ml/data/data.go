// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data defines the image classification dataset contract and a parallel, order-preserving
// batch loader.
//
// Datasets are random access (Len/Get), and the order of examples of an epoch is given by a
// distributed.Sampler, so each rank of a distributed run only reads its own shard.
package data

import (
	"math/rand/v2"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
)

// Example is one labeled image.
type Example struct {
	Image *tensors.Tensor
	Label int
}

// Dataset is a random access collection of examples. Get must be safe for concurrent use.
type Dataset interface {
	// Name of the dataset, used for logging.
	Name() string

	// Len is the number of examples.
	Len() int

	// Get returns the i-th example.
	Get(i int) (Example, error)
}

// WorkerInitializer can optionally be implemented by a Dataset that needs per-worker initialization,
// e.g. to seed worker-local random number generators or open file handles.
//
// The Loader calls it once per epoch at the start of each of its worker goroutines, with a seed derived
// deterministically from the worker index. For random transformations prefer Map, whose random numbers are
// keyed by the example position and so don't depend on which worker loads the example.
type WorkerInitializer interface {
	InitWorker(worker int, seed int64)
}

// EpochSetter can optionally be implemented by a Dataset whose examples depend on the epoch, typically
// because of random augmentation. The Loader calls it before any example of the epoch is read.
type EpochSetter interface {
	SetEpoch(epoch int)
}

// Transform maps an example to a new one. The rng passed is keyed by the position of the
// example (epoch and index), so results don't depend on which worker runs it.
type Transform func(rng *rand.Rand, ex Example) (Example, error)

// Batch of examples assembled by the Loader.
type Batch struct {
	// Index of the batch in the epoch, starting from 0.
	Index int

	// Images shaped [batch_size, ...].
	Images *tensors.Tensor

	// Labels, one per image.
	Labels []int
}

// Size of the batch.
func (b *Batch) Size() int { return len(b.Labels) }
