// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/imgtrain/pkg/ml/train/metrics"
	"github.com/gomlx/imgtrain/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plots")
	sink, err := NewSink(dir)
	require.NoError(t, err)
	for step := int64(1); step <= 3; step++ {
		sink.Add(metrics.TrainLoss, step*10, 1/float64(step))
		sink.Add(metrics.ValLoss, step, 1.5/float64(step))
		sink.Add(metrics.ValAccuracy, step, 30*float64(step))
	}
	sink.Add(metrics.ValLoss, 4, math.NaN()) // Dropped.
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close()) // Idempotent.

	points, err := LoadPoints(filepath.Join(dir, TrainingPlotFileName))
	require.NoError(t, err)
	require.Len(t, points, 9)
	assert.Equal(t, Point{MetricName: metrics.ValAccuracy, MetricType: metrics.AccuracyMetricType, Step: 1, Value: 30}, points[2])
	for _, metricType := range []string{metrics.LossMetricType, metrics.AccuracyMetricType} {
		assert.True(t, must.M1(fsutil.FileExists(PlotFile(dir, metricType))), metricType)
	}
	assert.False(t, must.M1(fsutil.FileExists(PlotFile(dir, metrics.LearningRateMetricType))))

	// A second run appends to the points file.
	sink, err = NewSink(dir)
	require.NoError(t, err)
	sink.Add(metrics.ValAccuracy, 4, 95)
	require.NoError(t, sink.Close())
	points, err = LoadPoints(filepath.Join(dir, TrainingPlotFileName))
	require.NoError(t, err)
	require.Len(t, points, 10)
}

func TestPoints(t *testing.T) {
	points := NewPoints([]Point{
		{MetricName: "val/loss", MetricType: "loss", Step: 2, Value: 0.5},
		{MetricName: "val/accuracy", MetricType: "accuracy", Step: 1, Value: 50},
		{MetricName: "train/loss", MetricType: "loss", Step: 1, Value: 0.7},
	})
	assert.Equal(t, []string{"val/accuracy", "train/loss", "val/loss"}, points.MetricsNames())
	raw := points.Extract()
	require.Len(t, raw, 3)
	assert.Equal(t, 2.0, raw[2].Step)
	table := points.String()
	assert.Contains(t, table, "50.00%")
	assert.Contains(t, table, "train/loss")
}
