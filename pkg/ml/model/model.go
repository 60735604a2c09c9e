// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the contract of a trainable image classifier.
//
// A classifier maps a batch of images (a tensor shaped [batch_size, ...]) to the logits of its classes
// (shaped [batch_size, num_classes]), and holds its parameters in a tensors.ParamSet, the unit of
// persistence.
//
// Concrete architectures live in the sub-packages of pkg/ml/models.
package model

import (
	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/pkg/errors"
)

// BackwardFn returns the gradients of the loss with respect to the parameters, given the gradient of the
// loss with respect to the logits returned by the corresponding forward pass.
//
// The returned ParamSet is freshly allocated, with the same names and shapes as Classifier.Params():
// gradients are never accumulated across calls.
type BackwardFn func(dLogits *tensors.Tensor) (*tensors.ParamSet, error)

// Classifier is a trainable image classifier.
type Classifier interface {
	// Name of the architecture.
	Name() string

	// NumClasses the model was built for.
	NumClasses() int

	// Params returns the parameters of the model: updating them in place updates the model.
	Params() *tensors.ParamSet

	// Forward computes the logits for a batch of images, and returns the function to compute the
	// gradients of the parameters.
	Forward(images *tensors.Tensor) (logits *tensors.Tensor, backward BackwardFn, err error)

	// Clone returns an independent copy of the model, with a deep copy of the parameters.
	Clone() Classifier
}

// Predict runs a forward pass and returns the logits, discarding the backward function.
func Predict(m Classifier, images *tensors.Tensor) (*tensors.Tensor, error) {
	logits, _, err := m.Forward(images)
	return logits, err
}

// ArgMax returns the predicted class of each example, given logits shaped [batch_size, num_classes].
// Ties resolve to the lowest class index.
func ArgMax(logits *tensors.Tensor) ([]int, error) {
	if logits.Rank() != 2 {
		return nil, errors.Errorf("ArgMax: logits must be shaped [batch_size, num_classes], got %v", logits.Shape())
	}
	batchSize := logits.Shape()[0]
	predictions := make([]int, batchSize)
	for i := range batchSize {
		row := logits.Row(i).Data()
		best := 0
		for class, v := range row {
			if v > row[best] {
				best = class
			}
		}
		predictions[i] = best
	}
	return predictions, nil
}
