// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ForEach(t *testing.T) {
	for _, parallelism := range []int{-1, 0, 1, 3} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		var running, maxRunning, count atomic.Int32
		results := make([]int, 20)
		err := pool.ForEach(len(results), func(i int) error {
			current := running.Add(1)
			for {
				prev := maxRunning.Load()
				if current <= prev || maxRunning.CompareAndSwap(prev, current) {
					break
				}
			}
			results[i] = i * i
			count.Add(1)
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(20), count.Load())
		for i, r := range results {
			assert.Equal(t, i*i, r)
		}
		if parallelism > 0 {
			assert.LessOrEqual(t, int(maxRunning.Load()), parallelism)
		}
	}
}

func TestPool_ForEachError(t *testing.T) {
	pool := New()
	err := pool.ForEach(10, func(i int) error {
		if i == 3 || i == 7 {
			return errors.Errorf("task %d failed", i)
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task 3 failed")
}
