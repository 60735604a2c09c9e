// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package errkind

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	err := Newf(Configuration, "batch_size must be > 0, got %d", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, Configuration))
	assert.False(t, errors.Is(err, CheckpointIO))
	assert.Equal(t, Configuration, Of(err))
	assert.Contains(t, err.Error(), "batch_size must be > 0")

	_, statErr := os.Stat("/this/path/does/not/exist")
	err = Wrapf(CheckpointIO, statErr, "failed to load %q", "/this/path/does/not/exist")
	assert.True(t, errors.Is(err, CheckpointIO))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, CheckpointIO, Of(err))

	// Extra messages keep the kind.
	err = errors.WithMessage(err, "resuming training")
	assert.Equal(t, CheckpointIO, Of(err))

	assert.NoError(t, Wrapf(ResourceInit, nil, "nothing"))
	assert.Nil(t, Of(errors.New("plain")))
}
