// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"slices"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/gomlx/imgtrain/pkg/ml/data"
	"github.com/pkg/errors"
)

// InMemoryDataset holds all its examples in memory: images stacked into a single tensor shaped
// [num_examples, ...].
//
// It is safe for concurrent reads.
type InMemoryDataset struct {
	name   string
	images *tensors.Tensor
	labels []int
}

var _ data.Dataset = (*InMemoryDataset)(nil)

// InMemory creates a dataset from images shaped [num_examples, ...] and one label per example.
func InMemory(name string, images *tensors.Tensor, labels []int) (*InMemoryDataset, error) {
	if images.Rank() < 2 {
		return nil, errors.Errorf("InMemory(%q): images must be shaped [num_examples, ...], got %v", name, images.Shape())
	}
	if images.Shape()[0] != len(labels) {
		return nil, errors.Errorf("InMemory(%q): %d images but %d labels", name, images.Shape()[0], len(labels))
	}
	return &InMemoryDataset{name: name, images: images, labels: slices.Clone(labels)}, nil
}

// InMemoryFromDataset reads all examples of ds into memory.
func InMemoryFromDataset(ds data.Dataset) (*InMemoryDataset, error) {
	images := make([]*tensors.Tensor, ds.Len())
	labels := make([]int, ds.Len())
	for i := range images {
		ex, err := ds.Get(i)
		if err != nil {
			return nil, errors.WithMessagef(err, "InMemoryFromDataset(%q): reading example #%d", ds.Name(), i)
		}
		images[i], labels[i] = ex.Image, ex.Label
	}
	stacked, err := tensors.Stack(images)
	if err != nil {
		return nil, errors.WithMessagef(err, "InMemoryFromDataset(%q)", ds.Name())
	}
	return InMemory(ds.Name(), stacked, labels)
}

// Name implements data.Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// Len implements data.Dataset.
func (ds *InMemoryDataset) Len() int { return len(ds.labels) }

// Get implements data.Dataset. The returned image is a copy.
func (ds *InMemoryDataset) Get(i int) (data.Example, error) {
	if i < 0 || i >= len(ds.labels) {
		return data.Example{}, errors.Errorf("InMemory(%q): index %d out of range [0, %d)", ds.name, i, len(ds.labels))
	}
	return data.Example{Image: ds.images.Row(i).Clone(), Label: ds.labels[i]}, nil
}

// Labels returns the labels of all examples. It must not be modified.
func (ds *InMemoryDataset) Labels() []int { return ds.labels }
