// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import "github.com/gomlx/imgtrain/pkg/core/tensors"

// Relu returns max(x, 0), element-wise.
func Relu(x *tensors.Tensor) *tensors.Tensor {
	y := x.Clone()
	y.Apply(func(v float64) float64 { return max(v, 0) })
	return y
}

// ReluBackward returns the gradient of Relu with respect to its input x, given dy.
func ReluBackward(x, dy *tensors.Tensor) *tensors.Tensor {
	dx := dy.Clone()
	data, xData := dx.Data(), x.Data()
	for i, v := range xData {
		if v <= 0 {
			data[i] = 0
		}
	}
	return dx
}
