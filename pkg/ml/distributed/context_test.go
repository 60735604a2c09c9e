// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/imgtrain/pkg/support/errkind"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFn(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, found := env[key]
		return v, found
	}
}

func TestInit(t *testing.T) {
	ctx := context.Background()

	t.Run("single-process", func(t *testing.T) {
		dctx, err := Init(ctx, Options{LookupEnv: envFn(nil)})
		require.NoError(t, err)
		assert.False(t, dctx.IsDistributed())
		assert.True(t, dctx.IsMain())
		assert.Equal(t, 0, dctx.Rank())
		assert.Equal(t, 1, dctx.WorldSize())
		require.NoError(t, dctx.Barrier(ctx))
		sum, err := dctx.AllReduceMean(ctx, []float64{1, 2})
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2}, sum)
		require.NoError(t, dctx.Close())
	})

	t.Run("world-size-1", func(t *testing.T) {
		dctx, err := Init(ctx, Options{LookupEnv: envFn(map[string]string{
			EnvRank: "0", EnvWorldSize: "1", EnvLocalRank: "2"})})
		require.NoError(t, err)
		assert.False(t, dctx.IsDistributed())
		assert.Equal(t, 2, dctx.LocalRank())
	})

	t.Run("off", func(t *testing.T) {
		dctx, err := Init(ctx, Options{Mode: ModeOff, LookupEnv: envFn(map[string]string{
			EnvRank: "1", EnvWorldSize: "4"})})
		require.NoError(t, err)
		assert.False(t, dctx.IsDistributed())
	})

	t.Run("errors", func(t *testing.T) {
		for _, tc := range []struct {
			name string
			opts Options
			kind error
		}{
			{"on-without-env", Options{Mode: ModeOn, LookupEnv: envFn(nil)}, errkind.Configuration},
			{"unknown-mode", Options{Mode: "maybe", LookupEnv: envFn(nil)}, errkind.Configuration},
			{"partial-env", Options{LookupEnv: envFn(map[string]string{EnvRank: "0"})}, errkind.ResourceInit},
			{"invalid-rank", Options{LookupEnv: envFn(map[string]string{EnvRank: "x", EnvWorldSize: "2"})}, errkind.ResourceInit},
			{"rank-out-of-range", Options{LookupEnv: envFn(map[string]string{EnvRank: "2", EnvWorldSize: "2"})}, errkind.ResourceInit},
			{"missing-master", Options{LookupEnv: envFn(map[string]string{EnvRank: "1", EnvWorldSize: "2"})}, errkind.ResourceInit},
			{"unknown-backend", Options{Backend: "mpi", LookupEnv: envFn(map[string]string{
				EnvRank: "1", EnvWorldSize: "2", EnvMasterAddr: "127.0.0.1", EnvMasterPort: "1"})}, errkind.ResourceInit},
			{"unreachable-master", Options{InitTimeout: 300 * time.Millisecond, LookupEnv: envFn(map[string]string{
				EnvRank: "1", EnvWorldSize: "2", EnvMasterAddr: "127.0.0.1", EnvMasterPort: "1"})}, errkind.ResourceInit},
		} {
			t.Run(tc.name, func(t *testing.T) {
				_, err := Init(ctx, tc.opts)
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.kind), "expected %v, got %+v", tc.kind, err)
			})
		}
	})
}

// runRanks runs fn concurrently for each rank and returns the errors.
func runRanks(contexts []*Context, fn func(dctx *Context) error) []error {
	errs := make([]error, len(contexts))
	var wg sync.WaitGroup
	for rank, dctx := range contexts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = fn(dctx)
		}()
	}
	wg.Wait()
	return errs
}

func TestLocalGroup(t *testing.T) {
	ctx := context.Background()
	const n = 4
	contexts := NewLocalGroup(n)
	results := make([][]float64, n)
	errs := runRanks(contexts, func(dctx *Context) error {
		for round := 0; round < 5; round++ {
			if err := dctx.Barrier(ctx); err != nil {
				return err
			}
			mean, err := dctx.AllReduceMean(ctx, []float64{float64(dctx.Rank()), float64(round)})
			if err != nil {
				return err
			}
			results[dctx.Rank()] = mean
		}
		return nil
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	for rank := range n {
		assert.Equal(t, []float64{1.5, 4}, results[rank])
	}
	assert.True(t, contexts[0].IsMain())
	assert.False(t, contexts[1].IsMain())

	// Mismatched sizes fail on all ranks.
	errs = runRanks(contexts, func(dctx *Context) error {
		_, err := dctx.AllReduceSum(ctx, make([]float64, 1+dctx.Rank()))
		return err
	})
	for _, err := range errs {
		require.Error(t, err)
	}

	// Closing fails pending collectives.
	require.NoError(t, contexts[0].Close())
	_, err := contexts[1].AllReduceSum(ctx, []float64{1})
	require.Error(t, err)
}

func TestLocalGroupContextCancel(t *testing.T) {
	contexts := NewLocalGroup(2)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := contexts[0].Barrier(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
