// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"testing"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryDataset(t *testing.T) {
	images := tensors.MustFromData([]float64{1, 2, 3, 4, 5, 6}, 3, 2)
	ds, err := InMemory("toy", images, []int{0, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
	ex, err := ds.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, ex.Image.Data())
	assert.Equal(t, 1, ex.Label)

	// Returned images are copies.
	ex.Image.Data()[0] = 100
	ex, err = ds.Get(1)
	require.NoError(t, err)
	assert.Equal(t, 3.0, ex.Image.Data()[0])

	_, err = ds.Get(3)
	require.Error(t, err)
	_, err = InMemory("bad", images, []int{0})
	require.Error(t, err)

	taken := Take(ds, 2)
	assert.Equal(t, 2, taken.Len())
	assert.Equal(t, "toy [Take 2]", taken.Name())
	_, err = taken.Get(2)
	require.Error(t, err)

	copied, err := InMemoryFromDataset(taken)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, copied.Labels())
}

func TestSyntheticDataset(t *testing.T) {
	cfg := SyntheticConfig{
		NumExamples: 12, NumClasses: 3, Height: 2, Width: 2, Channels: 1,
		Separation: 3, Noise: 0.1, Seed: 5,
	}
	ds, err := Synthetic(cfg)
	require.NoError(t, err)
	assert.Equal(t, 12, ds.Len())
	assert.Equal(t, 4, ds.NumFeatures())

	a, err := ds.Get(4)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Label)
	assert.Equal(t, []int{2, 2, 1}, a.Image.Shape())

	// Deterministic regardless of access order, and of which instance is read.
	ds2, err := Synthetic(cfg)
	require.NoError(t, err)
	_, _ = ds2.Get(7)
	b, err := ds2.Get(4)
	require.NoError(t, err)
	assert.Equal(t, a.Image.Data(), b.Image.Data())

	// Different offset: same class centers but different noise.
	cfg.Offset = 1000
	ds3, err := Synthetic(cfg)
	require.NoError(t, err)
	c, err := ds3.Get(4)
	require.NoError(t, err)
	assert.NotEqual(t, a.Image.Data(), c.Image.Data())
	assert.InDeltaSlice(t, a.Image.Data(), c.Image.Data(), 1.0)

	_, err = Synthetic(SyntheticConfig{NumClasses: 0})
	require.Error(t, err)
}
