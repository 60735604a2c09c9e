// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/imgtrain/pkg/ml/determinism"
)

// SamplerStream is the name of the random stream used to permute the dataset each epoch.
const SamplerStream = "sampler"

// Sampler partitions the indices of a dataset of length n into WorldSize disjoint shards, one per rank.
//
// Shards are strided: rank r takes the positions r, r+WorldSize, r+2*WorldSize, ... of the order. If shuffling,
// the order is a per-epoch permutation of the indices: all ranks compute the same permutation since they share
// the seed, so the shards remain disjoint, and they change from epoch to epoch. SetEpoch must be called at the
// start of each epoch. Without shuffling (e.g.: for validation) the order is the indices in order.
//
// With strided shards, the k-th batch of size B/WorldSize of every rank together hold exactly the k-th batch of
// size B of a single process.
type Sampler struct {
	n               int
	rank, worldSize int
	shuffle         bool
	det             *determinism.Context
	epoch           int
	indices         []int
}

// NewSampler creates a Sampler for a dataset of length n, for the rank described by dctx.
// det is only used if shuffle is true, and in that case it must be the same on all ranks.
func NewSampler(n int, dctx *Context, det *determinism.Context, shuffle bool) *Sampler {
	if shuffle && det == nil {
		exceptions.Panicf("distributed.NewSampler: shuffling requires a determinism.Context")
	}
	s := &Sampler{
		n:         n,
		rank:      dctx.Rank(),
		worldSize: dctx.WorldSize(),
		shuffle:   shuffle,
		det:       det,
		epoch:     -1,
	}
	s.SetEpoch(0)
	return s
}

// SetEpoch sets the epoch used to generate the permutation. It must be called with the same value on all ranks.
func (s *Sampler) SetEpoch(epoch int) {
	if epoch == s.epoch {
		return
	}
	s.epoch = epoch
	var order []int
	if s.shuffle {
		order = s.det.EpochRand(SamplerStream, epoch).Perm(s.n)
	} else {
		order = make([]int, s.n)
		for i := range order {
			order[i] = i
		}
	}
	s.indices = make([]int, 0, (s.n-s.rank+s.worldSize-1)/s.worldSize)
	for pos := s.rank; pos < s.n; pos += s.worldSize {
		s.indices = append(s.indices, order[pos])
	}
}

// Epoch returns the last epoch set.
func (s *Sampler) Epoch() int { return s.epoch }

// Indices returns the dataset indices of this rank's shard, for the current epoch. It shouldn't be changed.
func (s *Sampler) Indices() []int { return s.indices }

// Len returns the size of this rank's shard.
func (s *Sampler) Len() int { return len(s.indices) }

// MinShardLen returns the size of the smallest shard across all ranks. Shard sizes differ at most by one.
func (s *Sampler) MinShardLen() int { return s.n / s.worldSize }
