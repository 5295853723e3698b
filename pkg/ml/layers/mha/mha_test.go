// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mha

import (
	"math/rand/v2"
	"testing"

	"github.com/crate-lab/whitebox/internal/testbackend"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomTokens(rng *rand.Rand, batch, length, dims int) *tensors.Tensor {
	flat := make([]float32, batch*length*dims)
	for ii := range flat {
		flat[ii] = float32(rng.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(flat, batch, length, dims)
}

func TestNew(t *testing.T) {
	a, err := New(16, 4)
	require.NoError(t, err)
	assert.Equal(t, 16, a.Dims())
	assert.Equal(t, 4, a.Heads())
	assert.Equal(t, 4, a.Depth())

	for _, sizes := range [][2]int{{10, 4}, {16, 0}, {0, 4}, {-8, 2}, {16, 32}} {
		_, err = New(sizes[0], sizes[1])
		require.Errorf(t, err, "New(dims=%d, heads=%d) should fail", sizes[0], sizes[1])
		assert.True(t, errors.Is(err, ErrInvalidConfiguration), "got error %v", err)
	}
}

func TestAttend(t *testing.T) {
	backend := testbackend.Build()
	const batch, lenQ, lenK, dims, heads = 2, 3, 5, 8, 2
	a, err := New(dims, heads)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(7, 11))
	query := randomTokens(rng, batch, lenQ, dims)
	key := randomTokens(rng, batch, lenK, dims)
	value := randomTokens(rng, batch, lenK, dims)

	exec := context.MustNewExec(backend, context.New(), func(_ *context.Context, q, k, v *Node) (*Node, *Node) {
		return a.Attend(q, k, v)
	})
	output, weights := exec.MustExec2(query, key, value)
	require.NoError(t, output.Shape().CheckDims(batch, lenQ, dims))
	require.NoError(t, weights.Shape().CheckDims(batch, heads, lenQ, lenK))

	// Each row of weights is a probability distribution over the keys.
	flatWeights := tensors.MustCopyFlatData[float32](weights)
	for row := 0; row < len(flatWeights)/lenK; row++ {
		var sum float32
		for _, w := range flatWeights[row*lenK : (row+1)*lenK] {
			assert.GreaterOrEqual(t, w, float32(0))
			sum += w
		}
		assert.InDelta(t, 1.0, sum, 1e-5, "row %d of the attention weights", row)
	}

	// Not using the weights doesn't change the output.
	outputOnly := context.MustExecOnce(backend, context.New(), func(_ *context.Context, q, k, v *Node) *Node {
		out, _ := a.Attend(q, k, v)
		return out
	}, query, key, value)
	assert.Equal(t, tensors.MustCopyFlatData[float32](output), tensors.MustCopyFlatData[float32](outputOnly))
}

func TestAttendKeyAsValue(t *testing.T) {
	backend := testbackend.Build()
	a, err := New(6, 3)
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(3, 5))
	query := randomTokens(rng, 1, 4, 6)
	key := randomTokens(rng, 1, 4, 6)

	// Each graph holds a single Attend.
	withNil := context.MustExecOnce(backend, context.New(), func(_ *context.Context, q, k *Node) *Node {
		out, _ := a.Attend(q, k, nil)
		return out
	}, query, key)
	withKey := context.MustExecOnce(backend, context.New(), func(_ *context.Context, q, k *Node) *Node {
		out, _ := a.Attend(q, k, k)
		return out
	}, query, key)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float32](withKey), tensors.MustCopyFlatData[float32](withNil), 1e-6)
}

func TestAttendUniform(t *testing.T) {
	// With all keys equal, attention is uniform and the output is the mean of the values.
	backend := testbackend.Build()
	a, err := New(2, 1)
	require.NoError(t, err)
	query := [][][]float32{{{1, 2}, {-3, 4}}}
	key := [][][]float32{{{1, 1}, {1, 1}, {1, 1}, {1, 1}}}
	value := [][][]float32{{{0, 4}, {2, 0}, {4, 4}, {6, 0}}}
	exec := context.MustNewExec(backend, context.New(), func(_ *context.Context, q, k, v *Node) (*Node, *Node) {
		return a.Attend(q, k, v)
	})
	output, weights := exec.MustExec2(query, key, value)
	assert.InDeltaSlice(t, []float32{0.25, 0.25, 0.25, 0.25, 0.25, 0.25, 0.25, 0.25},
		tensors.MustCopyFlatData[float32](weights), 1e-6)
	assert.InDeltaSlice(t, []float32{3, 2, 3, 2}, tensors.MustCopyFlatData[float32](output), 1e-5)
}

func TestAttendScaling(t *testing.T) {
	// Logits are scaled by 1/sqrt(depth): with depth=4, q.k = 2*ln(3), so the logits are (ln(3), 0).
	backend := testbackend.Build()
	a, err := New(4, 1)
	require.NoError(t, err)
	const halfLn3 = 0.54930615
	query := [][][]float32{{{halfLn3, halfLn3, halfLn3, halfLn3}}}
	key := [][][]float32{{{1, 1, 1, 1}, {0, 0, 0, 0}}}
	weights := context.MustExecOnce(backend, context.New(), func(_ *context.Context, q, k *Node) *Node {
		_, w := a.Attend(q, k, nil)
		return w
	}, query, key)
	assert.InDeltaSlice(t, []float32{0.75, 0.25}, tensors.MustCopyFlatData[float32](weights), 1e-5)
}

func TestAttendShapeErrors(t *testing.T) {
	backend := testbackend.Build()
	a, err := New(8, 2)
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(1, 1))

	// Width different from dims.
	_, err = context.ExecOnce(backend, context.New(), func(_ *context.Context, q, k *Node) *Node {
		out, _ := a.Attend(q, k, nil)
		return out
	}, randomTokens(rng, 2, 3, 6), randomTokens(rng, 2, 3, 6))
	require.Error(t, err)

	// Mismatched batch.
	_, err = context.ExecOnce(backend, context.New(), func(_ *context.Context, q, k *Node) *Node {
		out, _ := a.Attend(q, k, nil)
		return out
	}, randomTokens(rng, 2, 3, 8), randomTokens(rng, 3, 3, 8))
	require.Error(t, err)
}
