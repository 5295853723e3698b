// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package initializers

import (
	"math/rand/v2"
	"testing"

	"github.com/crate-lab/whitebox/internal/testbackend"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrthogonalMatrix(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, dims := range [][2]int{{1, 1}, {4, 4}, {16, 16}, {7, 3}, {3, 7}} {
		rows, cols := dims[0], dims[1]
		flat := OrthogonalMatrix(rng, rows, cols)
		require.Len(t, flat, rows*cols)
		assert.InDeltaf(t, 0.0, Drift(flat, rows, cols), 1e-9, "matrix [%d, %d] is not orthogonal", rows, cols)
	}

	// Not orthogonal.
	assert.Greater(t, Drift([]float64{1, 1, 0, 1}, 2, 2), 0.5)
	require.Panics(t, func() { OrthogonalMatrix(rng, 0, 3) })
}

func TestOrthogonalFn(t *testing.T) {
	backend := testbackend.Build()
	const dims = 8
	initialValue := func(seed int64) []float32 {
		ctx := context.New()
		ctx.SetParam(context.ParamInitialSeed, seed)
		value := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			v := ctx.WithInitializer(OrthogonalFn(ctx)).VariableWithShape("u", shapes.Make(dtypes.Float32, dims, dims))
			return v.ValueGraph(g)
		})
		return tensors.MustCopyFlatData[float32](value)
	}

	values := initialValue(42)
	flat := make([]float64, len(values))
	for ii, v := range values {
		flat[ii] = float64(v)
	}
	assert.InDelta(t, 0.0, Drift(flat, dims, dims), 1e-5)

	// Same seed, same matrix; different seed, different matrix.
	assert.Equal(t, values, initialValue(42))
	assert.NotEqual(t, values, initialValue(7))
}

func TestOrthogonalWithGainFn(t *testing.T) {
	backend := testbackend.Build()
	ctx := context.New()
	ctx.SetParam(context.ParamInitialSeed, int64(3))
	value := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		initializer := OrthogonalWithGainFn(ctx, 2.0)
		v := ctx.WithInitializer(initializer).VariableWithShape("d", shapes.Make(dtypes.Float32, 4, 4))
		// Each column of the 2x scaled orthogonal matrix has squared norm 4.
		return ReduceSum(Square(v.ValueGraph(g)), 0)
	})
	assert.InDeltaSlice(t, []float32{4, 4, 4, 4}, tensors.MustCopyFlatData[float32](value), 1e-4)

	// Rank-1 variables are not supported.
	require.Panics(t, func() {
		initializer := OrthogonalFn(ctx)
		_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
			return initializer(g, shapes.Make(dtypes.Float32, 4))
		})
	})
}

func TestOrthogonalFnScopes(t *testing.T) {
	backend := testbackend.Build()
	ctx := context.New()
	ctx.SetParam(context.ParamInitialSeed, int64(42))
	results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		var values []*Node
		for _, scope := range []string{"block_000", "block_001"} {
			ctxScope := ctx.In(scope)
			ctxScope = ctxScope.WithInitializer(OrthogonalFn(ctxScope))
			values = append(values, ctxScope.VariableWithShape("u", shapes.Make(dtypes.Float32, 4, 4)).ValueGraph(g))
		}
		return values
	})
	// Same seed, but different scopes get different matrices.
	assert.NotEqual(t, tensors.MustCopyFlatData[float32](results[0]), tensors.MustCopyFlatData[float32](results[1]))
}
