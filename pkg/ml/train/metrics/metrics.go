// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the accumulators used to evaluate a classifier, and the Sink contract
// used by the training loop to report scalar time series.
package metrics

import (
	"fmt"
)

const (
	// LossMetricType is the type of loss metrics.
	// Used to aggregate metrics of the same type in the same plot.
	LossMetricType = "loss"

	// AccuracyMetricType is the type of accuracy metrics.
	AccuracyMetricType = "accuracy"

	// LearningRateMetricType is the type of the learning rate series.
	LearningRateMetricType = "lr"
)

// Names of the series reported by the training loop.
const (
	TrainLoss    = "train/loss"
	ValLoss      = "val/loss"
	ValAccuracy  = "val/accuracy"
	LearningRate = "train/lr"
)

// MetricType returns the type of a series reported by the training loop, used to group series in plots.
func MetricType(name string) string {
	switch name {
	case ValAccuracy:
		return AccuracyMetricType
	case LearningRate:
		return LearningRateMetricType
	default:
		return LossMetricType
	}
}

// Accuracy counts correct predictions.
type Accuracy struct {
	Correct, Total float64
}

// Update with a batch of predictions and the corresponding labels.
func (a *Accuracy) Update(predictions, labels []int) {
	for i, p := range predictions {
		if p == labels[i] {
			a.Correct++
		}
	}
	a.Total += float64(len(predictions))
}

// Percent returns the accuracy as a percentage, or 0 if nothing was counted.
func (a *Accuracy) Percent() float64 {
	if a.Total == 0 {
		return 0
	}
	return 100 * a.Correct / a.Total
}

// Mean accumulates a weighted mean.
type Mean struct {
	Sum, Count float64
}

// Add a sum of count values.
func (m *Mean) Add(sum, count float64) {
	m.Sum += sum
	m.Count += count
}

// Value returns the mean, or 0 if nothing was added.
func (m *Mean) Value() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / m.Count
}

// PrettyPrint formats a value of the given series in a short form.
func PrettyPrint(name string, value float64) string {
	switch MetricType(name) {
	case AccuracyMetricType:
		return fmt.Sprintf("%.2f%%", value)
	case LearningRateMetricType:
		return fmt.Sprintf("%.3g", value)
	default:
		return fmt.Sprintf("%.4g", value)
	}
}
