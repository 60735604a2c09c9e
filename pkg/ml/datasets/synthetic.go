// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"math/rand/v2"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/gomlx/imgtrain/pkg/ml/data"
	"github.com/pkg/errors"
)

// SyntheticConfig describes a synthetic classification problem: each class is a Gaussian blob of
// "images" centered at a random point.
type SyntheticConfig struct {
	// NumExamples in the dataset.
	NumExamples int

	// NumClasses of the problem. Labels are assigned round-robin, so classes are balanced.
	NumClasses int

	// Height, Width and Channels of the images.
	Height, Width, Channels int

	// Separation is the standard deviation of the class centers, and Noise the one of the examples around
	// their class center. The larger the ratio Separation/Noise, the easier the problem.
	Separation, Noise float64

	// Seed fixes the class centers, and Offset is added to the example index to generate the noise: use the same
	// seed but different offsets for train and validation splits of the same problem.
	Seed, Offset uint64
}

// SyntheticDataset generates examples on the fly: example i is a pure function of the configuration and i,
// so it's safe for concurrent use and deterministic regardless of access order.
type SyntheticDataset struct {
	cfg     SyntheticConfig
	centers [][]float64
}

var _ data.Dataset = (*SyntheticDataset)(nil)

// Synthetic creates a synthetic dataset.
func Synthetic(cfg SyntheticConfig) (*SyntheticDataset, error) {
	if cfg.NumExamples < 0 || cfg.NumClasses <= 0 || cfg.Height <= 0 || cfg.Width <= 0 || cfg.Channels <= 0 {
		return nil, errors.Errorf("Synthetic: invalid configuration %+v", cfg)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x5eed))
	numFeatures := cfg.Height * cfg.Width * cfg.Channels
	centers := make([][]float64, cfg.NumClasses)
	for c := range centers {
		centers[c] = make([]float64, numFeatures)
		for f := range centers[c] {
			centers[c][f] = rng.NormFloat64() * cfg.Separation
		}
	}
	return &SyntheticDataset{cfg: cfg, centers: centers}, nil
}

// Name implements data.Dataset.
func (ds *SyntheticDataset) Name() string {
	return fmt.Sprintf("synthetic-%dx%dx%d-c%d", ds.cfg.Height, ds.cfg.Width, ds.cfg.Channels, ds.cfg.NumClasses)
}

// Len implements data.Dataset.
func (ds *SyntheticDataset) Len() int { return ds.cfg.NumExamples }

// NumFeatures returns the number of values of each image.
func (ds *SyntheticDataset) NumFeatures() int { return ds.cfg.Height * ds.cfg.Width * ds.cfg.Channels }

// Get implements data.Dataset.
func (ds *SyntheticDataset) Get(i int) (data.Example, error) {
	if i < 0 || i >= ds.cfg.NumExamples {
		return data.Example{}, errors.Errorf("%s: index %d out of range [0, %d)", ds.Name(), i, ds.cfg.NumExamples)
	}
	label := i % ds.cfg.NumClasses
	rng := rand.New(rand.NewPCG(ds.cfg.Seed, ds.cfg.Offset+uint64(i)))
	image := tensors.New(ds.cfg.Height, ds.cfg.Width, ds.cfg.Channels)
	center := ds.centers[label]
	for f, v := range center {
		image.Data()[f] = v + rng.NormFloat64()*ds.cfg.Noise
	}
	return data.Example{Image: image, Label: label}, nil
}
