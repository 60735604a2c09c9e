// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models is a registry of the reference classifiers, see sub-packages.
package models

import (
	"maps"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/imgtrain/pkg/ml/model"
	"github.com/gomlx/imgtrain/pkg/ml/models/linear"
	"github.com/gomlx/imgtrain/pkg/ml/models/mlp"
	"github.com/gomlx/imgtrain/pkg/support/errkind"
)

// Options used to build a classifier.
type Options struct {
	NumFeatures, NumClasses int

	// HiddenUnits of the "mlp" model. Defaults to DefaultHiddenUnits.
	HiddenUnits int
}

// DefaultHiddenUnits used by the "mlp" model.
const DefaultHiddenUnits = 32

// KnownModels maps model names to their constructors.
var KnownModels = map[string]func(opts Options, rng *rand.Rand) model.Classifier{
	"linear": func(opts Options, rng *rand.Rand) model.Classifier {
		return linear.New(opts.NumFeatures, opts.NumClasses, rng)
	},
	"mlp": func(opts Options, rng *rand.Rand) model.Classifier {
		hidden := opts.HiddenUnits
		if hidden <= 0 {
			hidden = DefaultHiddenUnits
		}
		return mlp.New(opts.NumFeatures, hidden, opts.NumClasses, rng)
	},
}

// ByName creates the named classifier, initializing its parameters with rng.
func ByName(name string, opts Options, rng *rand.Rand) (model.Classifier, error) {
	builder, found := KnownModels[name]
	if !found {
		return nil, errkind.Newf(errkind.Configuration, "unknown model %q, valid values are %q",
			name, slices.Sorted(maps.Keys(KnownModels)))
	}
	if opts.NumFeatures <= 0 || opts.NumClasses <= 1 {
		return nil, errkind.Newf(errkind.Configuration, "model %q requires features > 0 and classes > 1, got %d and %d",
			name, opts.NumFeatures, opts.NumClasses)
	}
	return builder(opts, rng), nil
}
