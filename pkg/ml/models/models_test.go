// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/gomlx/imgtrain/pkg/ml/train/losses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGradients compares the backward pass of each model with numeric gradients of the cross-entropy loss.
func TestGradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	images := tensors.New(5, 2, 3)
	images.Apply(func(float64) float64 { return rng.NormFloat64() })
	labels := []int{0, 2, 1, 3, 2}

	for _, name := range []string{"linear", "mlp"} {
		t.Run(name, func(t *testing.T) {
			m, err := ByName(name, Options{NumFeatures: 6, NumClasses: 4, HiddenUnits: 7}, rand.New(rand.NewPCG(3, 4)))
			require.NoError(t, err)
			assert.Equal(t, 4, m.NumClasses())
			assert.Equal(t, name, m.Name())

			lossFn := func() float64 {
				logits, _, err := m.Forward(images)
				require.NoError(t, err)
				loss, _, err := losses.SoftmaxCrossEntropy(logits, labels)
				require.NoError(t, err)
				return loss
			}
			logits, backward, err := m.Forward(images)
			require.NoError(t, err)
			assert.Equal(t, []int{5, 4}, logits.Shape())
			_, dLogits, err := losses.SoftmaxCrossEntropy(logits, labels)
			require.NoError(t, err)
			grads, err := backward(dLogits)
			require.NoError(t, err)
			require.NoError(t, grads.Compatible(m.Params()))

			const eps = 1e-6
			for _, pName := range m.Params().Names() {
				p := m.Params().Get(pName).Data()
				g := grads.Get(pName).Data()
				for i := range p {
					orig := p[i]
					p[i] = orig + eps
					lPlus := lossFn()
					p[i] = orig - eps
					lMinus := lossFn()
					p[i] = orig
					assert.InDelta(t, (lPlus-lMinus)/(2*eps), g[i], 1e-5, "%s[%d]", pName, i)
				}
			}

			// Clones are independent.
			clone := m.Clone()
			assert.True(t, clone.Params().Equal(m.Params()))
			clone.Params().Scale(2)
			assert.False(t, clone.Params().Equal(m.Params()))

			_, _, err = m.Forward(tensors.New(2, 5))
			require.Error(t, err)
		})
	}

	_, err := ByName("resnet", Options{NumFeatures: 1, NumClasses: 2}, rng)
	require.Error(t, err)
}
