// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Normalization calculates the normalization parameters `mean` and `stddev` of each feature (each element of
// the image tensor) over the whole dataset.
//
// Notice for any feature that happens to be constant, the `stddev` will be 0. Normalize replaces those by
// one to avoid the numeric issues.
func Normalization(ds Dataset) (mean, stddev *tensors.Tensor, err error) {
	n := ds.Len()
	if n == 0 {
		return nil, nil, errors.Errorf("Normalization: dataset %q is empty", ds.Name())
	}
	var columns [][]float64
	var dims []int
	for i := range n {
		ex, err := ds.Get(i)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "Normalization: reading example #%d", i)
		}
		if columns == nil {
			dims = ex.Image.Shape()
			columns = make([][]float64, ex.Image.Size())
			for f := range columns {
				columns[f] = make([]float64, n)
			}
		} else if ex.Image.Size() != len(columns) {
			return nil, nil, errors.Errorf("Normalization: example #%d has shape %v, expected %v", i, ex.Image.Shape(), dims)
		}
		for f, v := range ex.Image.Data() {
			columns[f][i] = v
		}
	}
	mean, stddev = tensors.New(dims...), tensors.New(dims...)
	for f, column := range columns {
		// Population (biased) variance.
		m, variance := stat.PopMeanVariance(column, nil)
		mean.Data()[f] = m
		stddev.Data()[f] = math.Sqrt(variance)
	}
	return mean, stddev, nil
}

// ReplaceZerosByOnes replaces any zero values in x by one, in place.
// This is useful if normalizing a value with a standard deviation (`stddev`) that has zeros.
func ReplaceZerosByOnes(x *tensors.Tensor) {
	x.Apply(func(v float64) float64 {
		if v == 0 {
			return 1
		}
		return v
	})
}

// Normalize returns a Transform that normalizes the images by `(x - mean) / stddev`.
// Zeros in stddev are replaced by ones.
func Normalize(mean, stddev *tensors.Tensor) Transform {
	stddev = stddev.Clone()
	ReplaceZerosByOnes(stddev)
	return func(_ *rand.Rand, ex Example) (Example, error) {
		if !ex.Image.SameShape(mean) {
			return Example{}, errors.Errorf("Normalize: image shaped %v, normalization shaped %v", ex.Image.Shape(), mean.Shape())
		}
		image := ex.Image.Clone()
		data, m, s := image.Data(), mean.Data(), stddev.Data()
		for i := range data {
			data[i] = (data[i] - m[i]) / s[i]
		}
		ex.Image = image
		return ex, nil
	}
}
