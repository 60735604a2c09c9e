// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"math"
	"testing"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftmaxCrossEntropy(t *testing.T) {
	logits := tensors.MustFromData([]float64{0, 0, 0, 1000, 0, 0}, 2, 3)
	loss, dLogits, err := SoftmaxCrossEntropy(logits, []int{1, 0})
	require.NoError(t, err)
	// First example: uniform, loss=log(3). Second: certain and correct, loss=0.
	assert.InDelta(t, math.Log(3)/2, loss, 1e-12)
	assert.InDeltaSlice(t, []float64{1.0 / 6, -1.0 / 3, 1.0 / 6, 0, 0, 0}, dLogits.Data(), 1e-12)

	sum, err := SoftmaxCrossEntropySum(logits, []int{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(3), sum, 1e-12)

	// Numeric gradient check.
	logits = tensors.MustFromData([]float64{0.3, -1.2, 2.0, 0.5, 0.1, -0.7}, 2, 3)
	labels := []int{2, 1}
	_, dLogits, err = SoftmaxCrossEntropy(logits, labels)
	require.NoError(t, err)
	const eps = 1e-6
	for i := range logits.Data() {
		plus, minus := logits.Clone(), logits.Clone()
		plus.Data()[i] += eps
		minus.Data()[i] -= eps
		lPlus, _, _ := SoftmaxCrossEntropy(plus, labels)
		lMinus, _, _ := SoftmaxCrossEntropy(minus, labels)
		assert.InDelta(t, (lPlus-lMinus)/(2*eps), dLogits.Data()[i], 1e-6, "logit #%d", i)
	}

	_, _, err = SoftmaxCrossEntropy(logits, []int{3, 0})
	require.Error(t, err)
	_, _, err = SoftmaxCrossEntropy(logits, []int{0})
	require.Error(t, err)
}
