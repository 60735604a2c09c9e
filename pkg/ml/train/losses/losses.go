// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the loss functions used to train classifiers.
//
// Losses return both the value, averaged over the batch, and its gradient with respect to the logits,
// to be fed to the model's backward function.
package losses

import (
	"math"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/pkg/errors"
)

// SoftmaxCrossEntropy returns the mean over the batch of the categorical cross-entropy between the
// softmax of logits (shaped [batch_size, num_classes]) and the integer labels, and the gradient of
// that mean with respect to the logits.
//
// It uses the log-sum-exp trick, so large logits don't overflow.
func SoftmaxCrossEntropy(logits *tensors.Tensor, labels []int) (loss float64, dLogits *tensors.Tensor, err error) {
	losses, dLogits, err := softmaxCrossEntropy(logits, labels)
	if err != nil {
		return 0, nil, err
	}
	batchSize := len(labels)
	for _, l := range losses {
		loss += l
	}
	loss /= float64(batchSize)
	dLogits.Apply(func(v float64) float64 { return v / float64(batchSize) })
	return loss, dLogits, nil
}

// SoftmaxCrossEntropySum returns the sum of the per-example losses, without gradients.
// It is used for evaluation, where batches of different sizes are aggregated.
func SoftmaxCrossEntropySum(logits *tensors.Tensor, labels []int) (float64, error) {
	losses, _, err := softmaxCrossEntropy(logits, labels)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, l := range losses {
		sum += l
	}
	return sum, nil
}

// softmaxCrossEntropy returns the per-example losses and the (unscaled) gradient: softmax - one_hot(label).
func softmaxCrossEntropy(logits *tensors.Tensor, labels []int) ([]float64, *tensors.Tensor, error) {
	if logits.Rank() != 2 {
		return nil, nil, errors.Errorf("SoftmaxCrossEntropy: logits must be shaped [batch_size, num_classes], got %v",
			logits.Shape())
	}
	batchSize, numClasses := logits.Shape()[0], logits.Shape()[1]
	if batchSize != len(labels) {
		return nil, nil, errors.Errorf("SoftmaxCrossEntropy: %d labels given for a batch of %d logits",
			len(labels), batchSize)
	}
	if batchSize == 0 {
		return nil, nil, errors.New("SoftmaxCrossEntropy: empty batch")
	}
	grad := tensors.New(batchSize, numClasses)
	losses := make([]float64, batchSize)
	for i, label := range labels {
		if label < 0 || label >= numClasses {
			return nil, nil, errors.Errorf("SoftmaxCrossEntropy: label %d of example #%d out of range [0, %d)",
				label, i, numClasses)
		}
		row := logits.Row(i).Data()
		maxLogit := math.Inf(-1)
		for _, v := range row {
			maxLogit = max(maxLogit, v)
		}
		var sumExp float64
		gradRow := grad.Row(i).Data()
		for c, v := range row {
			gradRow[c] = math.Exp(v - maxLogit)
			sumExp += gradRow[c]
		}
		logSumExp := maxLogit + math.Log(sumExp)
		losses[i] = logSumExp - row[label]
		for c := range gradRow {
			gradRow[c] /= sumExp
		}
		gradRow[label] -= 1
	}
	return losses, grad, nil
}
