// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mlp implements a classifier with one hidden layer and ReLU activation:
//
//	logits = relu(flatten(images) @ w1^T + b1) @ w2^T + b2
package mlp

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/gomlx/imgtrain/pkg/ml/model"
	"github.com/gomlx/imgtrain/pkg/ml/nn"
	"github.com/pkg/errors"
)

// Parameter names.
const (
	ParamHiddenWeights = "mlp/hidden/weights"
	ParamHiddenBiases  = "mlp/hidden/biases"
	ParamOutputWeights = "mlp/output/weights"
	ParamOutputBiases  = "mlp/output/biases"
)

// Classifier is a multi-layer perceptron classifier. It implements model.Classifier.
type Classifier struct {
	numFeatures, numHidden, numClasses int
	params                             *tensors.ParamSet
}

var _ model.Classifier = (*Classifier)(nil)

// New creates an MLP classifier. Weights use He initialization, drawn from rng, and biases are 0.
func New(numFeatures, numHidden, numClasses int, rng *rand.Rand) *Classifier {
	heInit := func(t *tensors.Tensor, fanIn int) *tensors.Tensor {
		stddev := math.Sqrt(2 / float64(fanIn))
		t.Apply(func(float64) float64 { return rng.NormFloat64() * stddev })
		return t
	}
	return &Classifier{
		numFeatures: numFeatures,
		numHidden:   numHidden,
		numClasses:  numClasses,
		params: tensors.NewParamSet().
			Add(ParamHiddenWeights, heInit(tensors.New(numHidden, numFeatures), numFeatures)).
			Add(ParamHiddenBiases, tensors.New(numHidden)).
			Add(ParamOutputWeights, heInit(tensors.New(numClasses, numHidden), numHidden)).
			Add(ParamOutputBiases, tensors.New(numClasses)),
	}
}

func (c *Classifier) Name() string { return "mlp" }

func (c *Classifier) NumClasses() int { return c.numClasses }

func (c *Classifier) Params() *tensors.ParamSet { return c.params }

// Clone implements model.Classifier.
func (c *Classifier) Clone() model.Classifier {
	clone := *c
	clone.params = c.params.Clone()
	return &clone
}

// Forward implements model.Classifier.
func (c *Classifier) Forward(images *tensors.Tensor) (*tensors.Tensor, model.BackwardFn, error) {
	x, err := nn.Flatten(images)
	if err != nil {
		return nil, nil, err
	}
	if x.Shape()[1] != c.numFeatures {
		return nil, nil, errors.Errorf("mlp classifier expects %d features per image, got images shaped %v",
			c.numFeatures, images.Shape())
	}
	w1, b1 := c.params.Get(ParamHiddenWeights), c.params.Get(ParamHiddenBiases)
	w2, b2 := c.params.Get(ParamOutputWeights), c.params.Get(ParamOutputBiases)
	preActivation, err := nn.Linear(x, w1, b1)
	if err != nil {
		return nil, nil, err
	}
	hidden := nn.Relu(preActivation)
	logits, err := nn.Linear(hidden, w2, b2)
	if err != nil {
		return nil, nil, err
	}
	backward := func(dLogits *tensors.Tensor) (*tensors.ParamSet, error) {
		if !dLogits.SameShape(logits) {
			return nil, errors.Errorf("mlp classifier backward: dLogits shaped %v, expected %v",
				dLogits.Shape(), logits.Shape())
		}
		dHidden, dW2, dB2 := nn.LinearBackward(hidden, w2, dLogits, true)
		dPre := nn.ReluBackward(preActivation, dHidden)
		_, dW1, dB1 := nn.LinearBackward(x, w1, dPre, false)
		return tensors.NewParamSet().
			Add(ParamHiddenWeights, dW1).
			Add(ParamHiddenBiases, dB1).
			Add(ParamOutputWeights, dW2).
			Add(ParamOutputBiases, dB2), nil
	}
	return logits, backward, nil
}
