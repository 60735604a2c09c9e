// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nn implements the building blocks of the reference classifiers, computed on the host with gonum:
// each operation has a forward function and the matching backward function.
package nn

import (
	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Flatten returns x reshaped to [batch_size, features], sharing the data.
func Flatten(x *tensors.Tensor) (*tensors.Tensor, error) {
	if x.Rank() < 1 || x.Shape()[0] == 0 {
		return nil, errors.Errorf("nn.Flatten: x must have a non-empty batch axis, got shape %v", x.Shape())
	}
	batchSize := x.Shape()[0]
	return tensors.FromData(x.Data(), batchSize, x.Size()/batchSize)
}

// Linear performs a linear transformation: y = x @ weight^T + bias.
//
// x has shape [batch_size, in_features], weight has shape [out_features, in_features] and bias has
// shape [out_features].
func Linear(x, weight, bias *tensors.Tensor) (*tensors.Tensor, error) {
	if x.Rank() != 2 || weight.Rank() != 2 || bias.Rank() != 1 {
		return nil, errors.Errorf("nn.Linear: invalid ranks, x=%v, weight=%v, bias=%v", x.Shape(), weight.Shape(), bias.Shape())
	}
	batchSize, inFeatures := x.Shape()[0], x.Shape()[1]
	outFeatures := weight.Shape()[0]
	if weight.Shape()[1] != inFeatures || bias.Shape()[0] != outFeatures {
		return nil, errors.Errorf("nn.Linear: incompatible shapes, x=%v, weight=%v, bias=%v",
			x.Shape(), weight.Shape(), bias.Shape())
	}
	y := tensors.New(batchSize, outFeatures)
	yMat := mat.NewDense(batchSize, outFeatures, y.Data())
	yMat.Mul(asDense(x), asDense(weight).T())
	b := bias.Data()
	for i := range batchSize {
		row := yMat.RawRowView(i)
		for j := range row {
			row[j] += b[j]
		}
	}
	return y, nil
}

// LinearBackward returns the gradients of Linear with respect to x, weight and bias, given dy, the gradient
// with respect to its output. dx is only computed if wantDx is true.
func LinearBackward(x, weight, dy *tensors.Tensor, wantDx bool) (dx, dWeight, dBias *tensors.Tensor) {
	batchSize, inFeatures := x.Shape()[0], x.Shape()[1]
	outFeatures := weight.Shape()[0]
	dyMat := asDense(dy)

	dWeight = tensors.New(outFeatures, inFeatures)
	mat.NewDense(outFeatures, inFeatures, dWeight.Data()).Mul(dyMat.T(), asDense(x))

	dBias = tensors.New(outFeatures)
	db := dBias.Data()
	for i := range batchSize {
		for j, v := range dyMat.RawRowView(i) {
			db[j] += v
		}
	}

	if wantDx {
		dx = tensors.New(batchSize, inFeatures)
		mat.NewDense(batchSize, inFeatures, dx.Data()).Mul(dyMat, asDense(weight))
	}
	return
}

// asDense wraps a rank-2 tensor as a gonum matrix sharing its data.
func asDense(t *tensors.Tensor) *mat.Dense {
	return mat.NewDense(t.Shape()[0], t.Shape()[1], t.Data())
}
