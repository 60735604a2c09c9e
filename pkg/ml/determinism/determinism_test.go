// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package determinism

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func draw(r *rand.Rand, n int) []uint64 {
	values := make([]uint64, n)
	for i := range values {
		values[i] = r.Uint64()
	}
	return values
}

func TestStreams(t *testing.T) {
	a, b := New(42), New(42)
	assert.Equal(t, draw(a.Rand("init"), 10), draw(b.Rand("init"), 10))
	assert.NotEqual(t, draw(a.Rand("init"), 10), draw(a.Rand("shuffle"), 10))
	assert.NotEqual(t, draw(a.Rand("init"), 10), draw(New(43).Rand("init"), 10))

	assert.Equal(t, draw(a.EpochRand("shuffle", 3), 5), draw(b.EpochRand("shuffle", 3), 5))
	assert.NotEqual(t, draw(a.EpochRand("shuffle", 3), 5), draw(a.EpochRand("shuffle", 4), 5))

	assert.Equal(t, draw(a.BatchRand("aug", 1, 7), 5), draw(b.BatchRand("aug", 1, 7), 5))
	assert.NotEqual(t, draw(a.BatchRand("aug", 1, 7), 5), draw(a.BatchRand("aug", 1, 8), 5))
	assert.NotEqual(t, draw(a.BatchRand("aug", 1, 7), 5), draw(a.BatchRand("aug", 2, 7), 5))
}

func TestWorkerSeedFn(t *testing.T) {
	fn := New(1000).WorkerSeedFn()
	assert.Equal(t, int64(1000), fn(0))
	assert.Equal(t, int64(1003), fn(3))
	assert.Equal(t, fn(3), fn(3))
}
