// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/imgtrain/pkg/ml/determinism"
	"github.com/pkg/errors"
)

// MappedDataset applies a Transform lazily, on every access to the wrapped dataset.
// See Map.
type MappedDataset struct {
	ds        Dataset
	det       *determinism.Context
	stream    string
	transform Transform
	epoch     atomic.Int64
}

var (
	_ WorkerInitializer = (*MappedDataset)(nil)
	_ EpochSetter       = (*MappedDataset)(nil)
)

// Map returns a dataset that applies transform to every example of ds, when it is read.
//
// The random number generator given to transform is derived from det, the stream name and the
// position (epoch, index) of the example: a transform is reproducible regardless of the number of workers,
// and it changes from one epoch to the next.
func Map(ds Dataset, det *determinism.Context, stream string, transform Transform) *MappedDataset {
	return &MappedDataset{ds: ds, det: det, stream: stream, transform: transform}
}

// Name implements Dataset.
func (m *MappedDataset) Name() string {
	return fmt.Sprintf("%s [Map %s]", m.ds.Name(), m.stream)
}

// Len implements Dataset.
func (m *MappedDataset) Len() int { return m.ds.Len() }

// Get implements Dataset.
func (m *MappedDataset) Get(i int) (Example, error) {
	ex, err := m.ds.Get(i)
	if err != nil {
		return Example{}, err
	}
	rng := m.det.BatchRand(m.stream, int(m.epoch.Load()), i)
	ex, err = m.transform(rng, ex)
	if err != nil {
		return Example{}, errors.WithMessagef(err, "transform %q of example #%d", m.stream, i)
	}
	return ex, nil
}

// SetEpoch implements EpochSetter. It is forwarded to the wrapped dataset.
func (m *MappedDataset) SetEpoch(epoch int) {
	m.epoch.Store(int64(epoch))
	if es, ok := m.ds.(EpochSetter); ok {
		es.SetEpoch(epoch)
	}
}

// InitWorker implements WorkerInitializer, by forwarding to the wrapped dataset, if it implements it.
func (m *MappedDataset) InitWorker(worker int, seed int64) {
	if wi, ok := m.ds.(WorkerInitializer); ok {
		wi.InitWorker(worker, seed)
	}
}
