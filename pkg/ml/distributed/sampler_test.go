// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"slices"
	"testing"

	"github.com/gomlx/imgtrain/pkg/ml/determinism"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplerShards(t *testing.T) {
	const n = 103
	det := determinism.New(7)
	for _, world := range []int{1, 2, 3, 8} {
		contexts := NewLocalGroup(world)
		samplers := make([]*Sampler, world)
		for rank, dctx := range contexts {
			samplers[rank] = NewSampler(n, dctx, det, true)
		}

		var previous []int
		for epoch := 1; epoch <= 3; epoch++ {
			var union []int
			for _, s := range samplers {
				s.SetEpoch(epoch)
				assert.GreaterOrEqual(t, s.Len(), s.MinShardLen())
				assert.LessOrEqual(t, s.Len(), s.MinShardLen()+1)
				union = append(union, s.Indices()...)
			}
			// Exactly once.
			sorted := slices.Sorted(slices.Values(union))
			require.Len(t, sorted, n)
			for i, idx := range sorted {
				require.Equal(t, i, idx, "world=%d, epoch=%d: index missing or duplicate", world, epoch)
			}
			// Partition changes between epochs.
			if previous != nil {
				assert.NotEqual(t, previous, samplers[0].Indices(), "world=%d, epoch=%d", world, epoch)
			}
			previous = slices.Clone(samplers[0].Indices())
		}
	}
}

func TestSamplerInOrder(t *testing.T) {
	contexts := NewLocalGroup(2)
	s0 := NewSampler(5, contexts[0], nil, false)
	s1 := NewSampler(5, contexts[1], nil, false)
	s0.SetEpoch(3)
	assert.Equal(t, []int{0, 2, 4}, s0.Indices())
	assert.Equal(t, []int{1, 3}, s1.Indices())
	assert.Equal(t, 2, s1.MinShardLen())
	assert.Panics(t, func() { NewSampler(5, Single(), nil, true) })
}

func TestSamplerGlobalBatches(t *testing.T) {
	const (
		n         = 50
		batchSize = 6
		world     = 3
	)
	det := determinism.New(3)
	single := NewSampler(n, Single(), det, true)
	single.SetEpoch(2)
	contexts := NewLocalGroup(world)
	shards := make([][]int, world)
	for rank, dctx := range contexts {
		s := NewSampler(n, dctx, det, true)
		s.SetEpoch(2)
		shards[rank] = s.Indices()
	}
	perRank := batchSize / world
	for k := range single.MinShardLen() / batchSize {
		var union []int
		for _, shard := range shards {
			union = append(union, shard[k*perRank:(k+1)*perRank]...)
		}
		want := single.Indices()[k*batchSize : (k+1)*batchSize]
		assert.ElementsMatch(t, want, union, "batch #%d", k)
	}
}
