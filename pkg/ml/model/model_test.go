// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"testing"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgMax(t *testing.T) {
	logits := tensors.MustFromData([]float64{
		0, 1, 0.5,
		2, 2, 1,
		-1, -3, -0.5,
	}, 3, 3)
	predictions, err := ArgMax(logits)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 2}, predictions)

	_, err = ArgMax(tensors.New(3))
	require.Error(t, err)
}
