// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a dense `Tensor` of float64 values, and a `ParamSet`, an ordered collection
// of named tensors used to hold model parameters, gradients and optimizer slots.
//
// Tensors are always stored in host memory, in row-major order. Reduced precision is emulated by the
// precision package by rounding the float64 values, so there is only one storage type.
package tensors

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Tensor is a multidimensional array of float64 values.
type Tensor struct {
	dims []int
	data []float64
}

// New creates a zero-initialized tensor with the given dimensions.
// A tensor with no dimensions is a scalar.
func New(dims ...int) *Tensor {
	size := 1
	for _, dim := range dims {
		if dim < 0 {
			exceptions.Panicf("tensors.New(%v): negative dimension", dims)
		}
		size *= dim
	}
	return &Tensor{dims: slices.Clone(dims), data: make([]float64, size)}
}

// FromData creates a tensor with the given dimensions, taking ownership of data.
// It returns an error if the length of data doesn't match the dimensions.
func FromData(data []float64, dims ...int) (*Tensor, error) {
	size := 1
	for _, dim := range dims {
		if dim < 0 {
			return nil, errors.Errorf("tensors.FromData(dims=%v): negative dimension", dims)
		}
		size *= dim
	}
	if size != len(data) {
		return nil, errors.Errorf("tensors.FromData(dims=%v): expected %d values, got %d", dims, size, len(data))
	}
	return &Tensor{dims: slices.Clone(dims), data: data}, nil
}

// MustFromData is like FromData, but panics on error.
func MustFromData(data []float64, dims ...int) *Tensor {
	t, err := FromData(data, dims...)
	if err != nil {
		panic(err)
	}
	return t
}

// Shape returns the dimensions of the tensor. It shouldn't be changed.
func (t *Tensor) Shape() []int { return t.dims }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.dims) }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the flat data, in row-major order. It is not a copy: changes are reflected in the tensor.
func (t *Tensor) Data() []float64 { return t.data }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{dims: slices.Clone(t.dims), data: slices.Clone(t.data)}
}

// SameShape returns whether both tensors have the same dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	return slices.Equal(t.dims, other.dims)
}

// CopyFrom copies the values of other into t. They must have the same shape.
func (t *Tensor) CopyFrom(other *Tensor) error {
	if !t.SameShape(other) {
		return errors.Errorf("tensors.CopyFrom: shape mismatch, %v != %v", t.dims, other.dims)
	}
	copy(t.data, other.data)
	return nil
}

// Row returns a view on the i-th slice of the first axis.
// The returned tensor shares the underlying data.
func (t *Tensor) Row(i int) *Tensor {
	if t.Rank() == 0 {
		exceptions.Panicf("tensors.Row(%d) called on a scalar", i)
	}
	rowSize := len(t.data) / max(t.dims[0], 1)
	return &Tensor{dims: slices.Clone(t.dims[1:]), data: t.data[i*rowSize : (i+1)*rowSize]}
}

// Slice returns a copy of the rows [from, to) of the first axis.
func (t *Tensor) Slice(from, to int) *Tensor {
	if t.Rank() == 0 || from < 0 || to > t.dims[0] || from > to {
		exceptions.Panicf("tensors.Slice(%d, %d) invalid for shape %v", from, to, t.dims)
	}
	rowSize := len(t.data) / max(t.dims[0], 1)
	dims := slices.Clone(t.dims)
	dims[0] = to - from
	return &Tensor{dims: dims, data: slices.Clone(t.data[from*rowSize : to*rowSize])}
}

// Stack creates a new tensor with a leading batch axis from tensors of the same shape.
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("tensors.Stack: no tensors given")
	}
	inner := ts[0].dims
	dims := append([]int{len(ts)}, inner...)
	data := make([]float64, 0, len(ts)*ts[0].Size())
	for i, t := range ts {
		if !slices.Equal(t.dims, inner) {
			return nil, errors.Errorf("tensors.Stack: tensor #%d has shape %v, expected %v", i, t.dims, inner)
		}
		data = append(data, t.data...)
	}
	return &Tensor{dims: dims, data: data}, nil
}

// AllFinite returns false if any value is NaN or infinite.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Apply replaces each value v by fn(v), in place.
func (t *Tensor) Apply(fn func(v float64) float64) {
	for i, v := range t.data {
		t.data[i] = fn(v)
	}
}

// String implements fmt.Stringer. Large tensors are abbreviated.
func (t *Tensor) String() string {
	const maxValues = 8
	if len(t.data) <= maxValues {
		return fmt.Sprintf("(Float64)%v%v", t.dims, t.data)
	}
	return fmt.Sprintf("(Float64)%v%v...", t.dims, t.data[:maxValues])
}
