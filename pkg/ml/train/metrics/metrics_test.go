// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulators(t *testing.T) {
	var acc Accuracy
	assert.Equal(t, 0.0, acc.Percent())
	acc.Update([]int{1, 2, 3, 4}, []int{1, 0, 3, 0})
	acc.Update([]int{5}, []int{5})
	assert.InDelta(t, 60.0, acc.Percent(), 1e-12)

	var mean Mean
	mean.Add(3, 2)
	mean.Add(1, 2)
	assert.Equal(t, 1.0, mean.Value())

	assert.Equal(t, "60.00%", PrettyPrint(ValAccuracy, 60))
	assert.Equal(t, LossMetricType, MetricType(TrainLoss))
}

type closingSink struct {
	MemorySink
	closed bool
}

func (s *closingSink) Close() error {
	s.closed = true
	return nil
}

func TestSinks(t *testing.T) {
	inner := &closingSink{}
	async := NewAsyncSink(inner, 100)
	mem := NewMemorySink()
	multi := MultiSink{async, mem, LogSink{}}
	for step := range int64(10) {
		multi.Add(TrainLoss, step, float64(step))
	}
	multi.Add(ValAccuracy, 10, 50)
	require.NoError(t, multi.Close())
	assert.True(t, inner.closed)
	assert.Zero(t, async.Dropped())
	assert.Len(t, inner.Points(), 11)
	assert.Len(t, mem.Series(TrainLoss), 10)
	assert.Equal(t, []string{TrainLoss, ValAccuracy}, mem.Names())
	// Closing again is a no-op.
	require.NoError(t, async.Close())
}
