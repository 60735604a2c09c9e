// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package linear implements a softmax regression classifier: logits = flatten(images) @ weights^T + biases.
package linear

import (
	"math/rand/v2"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/gomlx/imgtrain/pkg/ml/model"
	"github.com/gomlx/imgtrain/pkg/ml/nn"
	"github.com/pkg/errors"
)

// Parameter names.
const (
	ParamWeights = "linear/weights"
	ParamBiases  = "linear/biases"
)

// InitStdDev is the standard deviation of the initial weights.
var InitStdDev = 0.01

// Classifier is a linear classifier. It implements model.Classifier.
type Classifier struct {
	numFeatures, numClasses int
	params                  *tensors.ParamSet
}

var _ model.Classifier = (*Classifier)(nil)

// New creates a linear classifier for images with numFeatures values, and numClasses classes.
// Weights are initialized from a normal distribution using rng, and biases are 0.
func New(numFeatures, numClasses int, rng *rand.Rand) *Classifier {
	weights := tensors.New(numClasses, numFeatures)
	weights.Apply(func(float64) float64 { return rng.NormFloat64() * InitStdDev })
	return &Classifier{
		numFeatures: numFeatures,
		numClasses:  numClasses,
		params: tensors.NewParamSet().
			Add(ParamWeights, weights).
			Add(ParamBiases, tensors.New(numClasses)),
	}
}

func (c *Classifier) Name() string { return "linear" }
func (c *Classifier) NumClasses() int { return c.numClasses }
func (c *Classifier) Params() *tensors.ParamSet { return c.params }

// Clone implements model.Classifier.
func (c *Classifier) Clone() model.Classifier {
	return &Classifier{numFeatures: c.numFeatures, numClasses: c.numClasses, params: c.params.Clone()}
}

// Forward implements model.Classifier.
func (c *Classifier) Forward(images *tensors.Tensor) (*tensors.Tensor, model.BackwardFn, error) {
	x, err := nn.Flatten(images)
	if err != nil {
		return nil, nil, err
	}
	if x.Shape()[1] != c.numFeatures {
		return nil, nil, errors.Errorf("linear classifier expects %d features per image, got images shaped %v",
			c.numFeatures, images.Shape())
	}
	weights, biases := c.params.Get(ParamWeights), c.params.Get(ParamBiases)
	logits, err := nn.Linear(x, weights, biases)
	if err != nil {
		return nil, nil, err
	}
	backward := func(dLogits *tensors.Tensor) (*tensors.ParamSet, error) {
		if !dLogits.SameShape(logits) {
			return nil, errors.Errorf("linear classifier backward: dLogits shaped %v, expected %v",
				dLogits.Shape(), logits.Shape())
		}
		_, dWeights, dBiases := nn.LinearBackward(x, weights, dLogits, false)
		return tensors.NewParamSet().Add(ParamWeights, dWeights).Add(ParamBiases, dBiases), nil
	}
	return logits, backward, nil
}
