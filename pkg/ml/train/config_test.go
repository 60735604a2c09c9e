// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/imgtrain/pkg/support/errkind"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	testCases := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"epochs", func(cfg *Config) { cfg.Epochs = 0 }},
		{"start_epoch", func(cfg *Config) { cfg.StartEpoch = 0 }},
		{"start_epoch>epochs", func(cfg *Config) { cfg.StartEpoch = cfg.Epochs + 1 }},
		{"batch_size", func(cfg *Config) { cfg.BatchSize = -1 }},
		{"lr", func(cfg *Config) { cfg.LearningRate = 0 }},
		{"momentum", func(cfg *Config) { cfg.Momentum = 1 }},
		{"milestones range", func(cfg *Config) { cfg.Milestones = []float64{0.5, 1.5} }},
		{"milestones order", func(cfg *Config) { cfg.Milestones = []float64{0.75, 0.5} }},
		{"schedule", func(cfg *Config) { cfg.Schedule = "exponential" }},
		{"optimizer", func(cfg *Config) { cfg.Optimizer = "lion" }},
		{"precision", func(cfg *Config) { cfg.Precision = "O4" }},
		{"distributed", func(cfg *Config) { cfg.Distributed = "maybe" }},
		{"devices", func(cfg *Config) { cfg.Devices = 0 }},
		{"policy", func(cfg *Config) { cfg.NonFinitePolicy = "ignore" }},
		{"resume+evaluate", func(cfg *Config) { cfg.Resume, cfg.Evaluate = true, true }},
		{"exp_name", func(cfg *Config) { cfg.ExpName = "" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errkind.Configuration), "got %v", err)
		})
	}
}

func TestConfigPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutputDir = "/tmp/runs"
	cfg.ExpName = "cifar"
	assert.Equal(t, "/tmp/runs/cifar_best.ckpt", cfg.BestWeightsPath())
	assert.Equal(t, "/tmp/runs/cifar_checkpoint.ckpt", cfg.ResumePath())
	assert.Equal(t, cfg.BestWeightsPath(), cfg.EvalWeightsPath())
	cfg.WeightsPath = "/models/w.ckpt"
	assert.Equal(t, "/models/w.ckpt", cfg.EvalWeightsPath())
	assert.Equal(t, cfg.BatchSize, cfg.EvalBatchSizeOrDefault())
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
exp_name: resnet
epochs: 90
lr: 0.4
milestones: [0.3, 0.6, 0.9]
precision: O2
`), 0o600))
	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "resnet", cfg.ExpName)
	assert.Equal(t, 90, cfg.Epochs)
	assert.Equal(t, 0.4, cfg.LearningRate)
	assert.Equal(t, []float64{0.3, 0.6, 0.9}, cfg.Milestones)
	assert.Equal(t, "O2", cfg.Precision)
	assert.Equal(t, DefaultConfig().BatchSize, cfg.BatchSize, "unset values keep their defaults")
	require.NoError(t, cfg.Validate())

	require.NoError(t, os.WriteFile(path, []byte("epochz: 3\n"), 0o600))
	_, err = LoadConfigFile(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.Configuration))

	_, err = LoadConfigFile(filepath.Join(dir, "missing.yaml"))
	assert.True(t, errors.Is(err, errkind.Configuration))

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	cfg, err = LoadConfigFile(empty)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}
