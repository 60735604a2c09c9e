// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/imgtrain/pkg/ml/distributed"
	"github.com/gomlx/imgtrain/pkg/ml/precision"
	"github.com/gomlx/imgtrain/pkg/ml/train/optimizers"
	"github.com/gomlx/imgtrain/pkg/support/errkind"
	"github.com/gomlx/imgtrain/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Non-finite loss policies.
const (
	// PolicyAbort stops training with a NumericDivergence error.
	PolicyAbort = "abort"

	// PolicySkip drops the update of the offending batch and continues.
	PolicySkip = "skip"
)

// Config is the configuration of a training run. It is built once at startup (see DefaultConfig,
// LoadConfigFile and Config.Validate), and it is not changed afterward.
type Config struct {
	// ExpName is used to name the checkpoint files, in OutputDir.
	ExpName   string `yaml:"exp_name" json:"exp_name"`
	OutputDir string `yaml:"output_dir" json:"output_dir"`

	// Epochs is the last epoch to train (inclusive). Epochs are numbered from 1.
	Epochs int `yaml:"epochs" json:"epochs"`

	// StartEpoch is the first epoch to train, if not resuming.
	StartEpoch int `yaml:"start_epoch" json:"start_epoch"`

	// BatchSize is the global batch size of each optimizer step. Distributed runs split it evenly across the ranks.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// EvalBatchSize is the batch size used for validation. If 0, BatchSize is used.
	EvalBatchSize int `yaml:"eval_batch_size" json:"eval_batch_size"`

	// Workers is the number of goroutines loading batches in parallel, and PrefetchBatches
	// the number of batches they can prepare ahead.
	Workers         int `yaml:"workers" json:"workers"`
	PrefetchBatches int `yaml:"prefetch_batches" json:"prefetch_batches"`

	Optimizer    string  `yaml:"optimizer" json:"optimizer"`
	LearningRate float64 `yaml:"lr" json:"lr"`
	Momentum     float64 `yaml:"momentum" json:"momentum"`
	WeightDecay  float64 `yaml:"weight_decay" json:"weight_decay"`

	// Schedule of the learning rate: "multistep", "step", "cosine" or "constant".
	Schedule string `yaml:"schedule" json:"schedule"`

	// Milestones of the "multistep" schedule, as fractions of Epochs.
	Milestones []float64 `yaml:"milestones" json:"milestones"`
	Gamma      float64   `yaml:"gamma" json:"gamma"`
	StepSize   int       `yaml:"step_size" json:"step_size"`
	MinLR      float64   `yaml:"min_lr" json:"min_lr"`

	Seed int64 `yaml:"seed" json:"seed"`

	// Precision level: "" (full precision), "O0", "O1", "O2" or "O3".
	Precision string `yaml:"precision" json:"precision"`

	// Distributed mode ("auto", "off" or "on") and Backend ("tcp").
	Distributed string `yaml:"distributed" json:"distributed"`
	Backend     string `yaml:"backend" json:"backend"`

	// Devices is the number of in-process model replicas (data-parallel), when not distributed.
	Devices int `yaml:"devices" json:"devices"`

	// Resume training from the resume checkpoint in OutputDir.
	Resume bool `yaml:"resume" json:"resume"`

	// SaveResume saves a resume checkpoint at the end of every epoch.
	SaveResume bool `yaml:"save_resume" json:"save_resume"`

	// Evaluate only: load the weights from WeightsPath (or the best weights in OutputDir, if empty),
	// run validation once and exit.
	Evaluate    bool   `yaml:"evaluate" json:"evaluate"`
	WeightsPath string `yaml:"weights_path" json:"weights_path"`

	// NonFinitePolicy is either "abort" or "skip".
	NonFinitePolicy string `yaml:"non_finite_policy" json:"non_finite_policy"`

	// LogEvery reports the training loss to the metrics sink every so many steps. 0 disables it.
	LogEvery int `yaml:"log_every" json:"log_every"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ExpName:         "imgtrain",
		OutputDir:       "output",
		Epochs:          10,
		StartEpoch:      1,
		BatchSize:       32,
		Workers:         2,
		PrefetchBatches: 4,
		Optimizer:       "sgd",
		LearningRate:    0.1,
		Momentum:        0.9,
		WeightDecay:     1e-4,
		Schedule:        "multistep",
		Milestones:      []float64{0.5, 0.75},
		Gamma:           0.1,
		StepSize:        30,
		Seed:            42,
		Distributed:     distributed.ModeAuto,
		Backend:         distributed.BackendTCP,
		Devices:         1,
		SaveResume:      true,
		NonFinitePolicy: PolicyAbort,
		LogEvery:        10,
	}
}

// LoadConfigFile reads a YAML configuration file over the default configuration.
// Unknown fields are an error.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := cfg.MergeFile(path); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// MergeFile reads the YAML configuration file over the current values of cfg.
func (cfg *Config) MergeFile(path string) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return errkind.Wrapf(errkind.Configuration, err, "configuration file")
	}
	f, err := os.Open(path)
	if err != nil {
		return errkind.Wrapf(errkind.Configuration, errors.WithStack(err), "configuration file")
	}
	defer func() { _ = f.Close() }()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err = dec.Decode(cfg); err != nil && err != io.EOF {
		return errkind.Wrapf(errkind.Configuration, errors.WithStack(err), "parsing configuration file %q", path)
	}
	return nil
}

// EvalBatchSizeOrDefault returns EvalBatchSize, or BatchSize if not set.
func (cfg *Config) EvalBatchSizeOrDefault() int {
	if cfg.EvalBatchSize > 0 {
		return cfg.EvalBatchSize
	}
	return cfg.BatchSize
}

// BestWeightsPath is where the weights with the best validation score are saved.
func (cfg *Config) BestWeightsPath() string {
	return filepath.Join(cfg.OutputDir, cfg.ExpName+"_best.ckpt")
}

// ResumePath is where the resume checkpoint is saved at the end of each epoch.
func (cfg *Config) ResumePath() string {
	return filepath.Join(cfg.OutputDir, cfg.ExpName+"_checkpoint.ckpt")
}

// EvalWeightsPath is the weights file used when Evaluate is set.
func (cfg *Config) EvalWeightsPath() string {
	if cfg.WeightsPath != "" {
		return cfg.WeightsPath
	}
	return cfg.BestWeightsPath()
}

// ScheduleConfig returns the values used to create the learning rate schedule.
func (cfg *Config) ScheduleConfig() optimizers.ScheduleConfig {
	return optimizers.ScheduleConfig{
		Epochs:     cfg.Epochs,
		Milestones: cfg.Milestones,
		Gamma:      cfg.Gamma,
		StepSize:   cfg.StepSize,
		MinLR:      cfg.MinLR,
	}
}

// Hyperparameters returns the values used to create the optimizer.
func (cfg *Config) Hyperparameters() optimizers.Hyperparameters {
	return optimizers.Hyperparameters{
		LearningRate: cfg.LearningRate,
		Momentum:     cfg.Momentum,
		WeightDecay:  cfg.WeightDecay,
	}
}

// JSON returns the configuration encoded as JSON, as stored in checkpoints.
func (cfg *Config) JSON() json.RawMessage {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		// Config only holds plain values.
		panic(errors.Wrap(err, "encoding train.Config"))
	}
	return encoded
}

// Validate returns a Configuration error describing the first invalid value found.
func (cfg *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errkind.Newf(errkind.Configuration, format, args...)
	}
	switch {
	case cfg.ExpName == "":
		return invalid("exp_name must be set")
	case cfg.OutputDir == "":
		return invalid("output_dir must be set")
	case cfg.Epochs <= 0:
		return invalid("epochs must be > 0, got %d", cfg.Epochs)
	case cfg.StartEpoch < 1:
		return invalid("start_epoch must be >= 1, got %d", cfg.StartEpoch)
	case cfg.StartEpoch > cfg.Epochs:
		return invalid("start_epoch (%d) must be <= epochs (%d)", cfg.StartEpoch, cfg.Epochs)
	case cfg.BatchSize <= 0:
		return invalid("batch_size must be > 0, got %d", cfg.BatchSize)
	case cfg.EvalBatchSize < 0:
		return invalid("eval_batch_size must be >= 0, got %d", cfg.EvalBatchSize)
	case cfg.Workers < 0:
		return invalid("workers must be >= 0, got %d", cfg.Workers)
	case cfg.PrefetchBatches < 0:
		return invalid("prefetch_batches must be >= 0, got %d", cfg.PrefetchBatches)
	case cfg.LearningRate <= 0:
		return invalid("lr must be > 0, got %g", cfg.LearningRate)
	case cfg.Momentum < 0 || cfg.Momentum >= 1:
		return invalid("momentum must be in [0, 1), got %g", cfg.Momentum)
	case cfg.WeightDecay < 0:
		return invalid("weight_decay must be >= 0, got %g", cfg.WeightDecay)
	case cfg.Gamma <= 0:
		return invalid("gamma must be > 0, got %g", cfg.Gamma)
	case cfg.Devices < 1:
		return invalid("devices must be >= 1, got %d", cfg.Devices)
	case cfg.LogEvery < 0:
		return invalid("log_every must be >= 0, got %d", cfg.LogEvery)
	case cfg.Resume && cfg.Evaluate:
		return invalid("resume and evaluate are mutually exclusive")
	case cfg.NonFinitePolicy != PolicyAbort && cfg.NonFinitePolicy != PolicySkip:
		return invalid("non_finite_policy must be %q or %q, got %q", PolicyAbort, PolicySkip, cfg.NonFinitePolicy)
	case !slices.Contains([]string{distributed.ModeAuto, distributed.ModeOff, distributed.ModeOn}, cfg.Distributed):
		return invalid("distributed must be one of auto, off or on, got %q", cfg.Distributed)
	case !slices.Contains([]string{distributed.BackendTCP, distributed.BackendLocal}, cfg.Backend):
		return invalid("unknown distributed backend %q", cfg.Backend)
	case !slices.Contains(precision.KnownLevels, precision.Level(cfg.Precision)):
		return invalid("unknown precision level %q, valid values are %q", cfg.Precision, precision.KnownLevels)
	}
	if _, found := optimizers.KnownOptimizers[cfg.Optimizer]; !found {
		return invalid("unknown optimizer %q", cfg.Optimizer)
	}
	if _, err := optimizers.ScheduleByName(cfg.Schedule, cfg.ScheduleConfig()); err != nil {
		return err
	}
	return nil
}
