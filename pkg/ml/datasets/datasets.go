// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets is a collection of utility datasets (data.Dataset): `InMemory`, `Synthetic` and `Take`.
package datasets

import (
	"fmt"

	"github.com/gomlx/imgtrain/pkg/ml/data"
	"github.com/pkg/errors"
)

// takeDataset implements a `data.Dataset` with only the first `take` examples.
type takeDataset struct {
	ds   data.Dataset
	take int
}

// Take returns a wrapper to `ds`, a `data.Dataset` with only its first `n` examples.
func Take(ds data.Dataset, n int) data.Dataset {
	return &takeDataset{ds: ds, take: min(max(n, 0), ds.Len())}
}

// Name implements data.Dataset. It returns the dataset name.
func (ds *takeDataset) Name() string {
	return fmt.Sprintf("%s [Take %d]", ds.ds.Name(), ds.take)
}

// Len implements data.Dataset.
func (ds *takeDataset) Len() int { return ds.take }

// Get implements data.Dataset.
func (ds *takeDataset) Get(i int) (data.Example, error) {
	if i < 0 || i >= ds.take {
		return data.Example{}, errors.Errorf("%s: index %d out of range [0, %d)", ds.Name(), i, ds.take)
	}
	return ds.ds.Get(i)
}
