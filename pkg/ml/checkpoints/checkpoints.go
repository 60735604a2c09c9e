// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints persists model weights and full training state (resume bundles) to disk.
//
// A checkpoint is a single file:
//
//	"IMGTCKPT" | uvarint(len(header)) | JSON header | tensor values
//
// The JSON header holds the metadata (version, epoch, best score, configuration, optimizer and scheduler
// state) and the name, shape and position of each tensor. The tensor values follow, as little-endian
// float64, optionally gzip compressed (see BinFormat).
//
// Files are written to a temporary file in the same directory and renamed over the target once complete,
// so an interrupted write never corrupts the previous checkpoint. In a distributed run only the main rank
// writes: the Store methods are no-ops on the other ranks.
package checkpoints

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/gomlx/imgtrain/pkg/ml/distributed"
	"github.com/gomlx/imgtrain/pkg/ml/train/optimizers"
	"github.com/gomlx/imgtrain/pkg/support/errkind"
	"github.com/google/uuid"
)

const (
	// Magic is the prefix of every checkpoint file.
	Magic = "IMGTCKPT"

	// Version of the checkpoint format. Files with a different version can't be loaded.
	Version = 1

	// KindWeights is a checkpoint with only the model weights.
	KindWeights = "weights"

	// KindResume is a checkpoint with the full training state.
	KindResume = "resume"

	// ModelPrefix is prepended to model parameter names in the file.
	ModelPrefix = "model/"

	// OptimizerPrefix is prepended to "<slot>/<parameter name>" for optimizer slots in the file.
	OptimizerPrefix = "optimizer/"
)

// Bundle is the content of a checkpoint. Weights-only checkpoints only have Model set.
type Bundle struct {
	Kind    string
	Version int

	// RunID identifies the training run (Store) that wrote the checkpoint.
	RunID   string
	Created time.Time

	// Epoch is the last completed epoch (1-based), and BestScore the best validation score so far.
	Epoch     int
	BestScore float64

	// Config is the training configuration, as JSON, kept for provenance.
	Config json.RawMessage

	Model     *tensors.ParamSet
	Optimizer *optimizers.State
	Scheduler *optimizers.SchedulerState
}

// DecodeConfig decodes the stored configuration into v.
func (b *Bundle) DecodeConfig(v any) error {
	if len(b.Config) == 0 {
		return errkind.Newf(errkind.CheckpointIO, "checkpoint has no configuration stored")
	}
	if err := json.Unmarshal(b.Config, v); err != nil {
		return errkind.Wrapf(errkind.CheckpointIO, err, "decoding checkpoint configuration")
	}
	return nil
}

// RestoreModel copies the stored model weights into params, which must have the same names and shapes.
func (b *Bundle) RestoreModel(params *tensors.ParamSet) error {
	if b.Model == nil {
		return errkind.Newf(errkind.CheckpointIO, "checkpoint has no model weights")
	}
	if err := params.CopyFrom(b.Model); err != nil {
		return errkind.Wrapf(errkind.CheckpointIO, err, "checkpoint incompatible with the model")
	}
	return nil
}

// Store writes checkpoints for one training run.
type Store struct {
	dctx   *distributed.Context
	runID  string
	opts   *storeOptions
	writes atomic.Int64
}

// New creates a Store for a training run. dctx determines which rank writes: only the main rank does.
func New(dctx *distributed.Context, options ...Option) *Store {
	return &Store{
		dctx:  dctx,
		runID: uuid.NewString(),
		opts:  collectOptions(options...),
	}
}

// RunID returns the unique id of the run, stamped into every checkpoint written.
func (s *Store) RunID() string { return s.runID }

// Writes returns the number of checkpoint files written by this Store. It is always 0 on non-main ranks.
func (s *Store) Writes() int64 { return s.writes.Load() }

// SaveWeights writes a weights-only checkpoint of params to path.
// It is a no-op on non-main ranks.
func (s *Store) SaveWeights(path string, params *tensors.ParamSet) error {
	return s.save(path, &Bundle{Kind: KindWeights, Model: params})
}

// SaveBundle writes a full resume checkpoint to path. It is a no-op on non-main ranks.
func (s *Store) SaveBundle(path string, b *Bundle) error {
	if b.Model == nil || b.Optimizer == nil || b.Scheduler == nil {
		return errkind.Newf(errkind.CheckpointIO, "resume checkpoint requires model, optimizer and scheduler states")
	}
	bundle := *b
	bundle.Kind = KindResume
	return s.save(path, &bundle)
}

func (s *Store) save(path string, b *Bundle) error {
	if !s.dctx.IsMain() {
		return nil
	}
	b.Version = Version
	b.RunID = s.runID
	b.Created = time.Now().UTC()
	n, err := writeFile(path, b, s.opts.binFormat)
	if err != nil {
		return errkind.Wrapf(errkind.CheckpointIO, err, "saving %s checkpoint", b.Kind)
	}
	s.writes.Add(1)
	logSaved(s.dctx, path, b, n)
	return nil
}
