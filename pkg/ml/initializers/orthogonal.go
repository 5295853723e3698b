// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializers adds variable initializers not covered by GoMLX's own
// github.com/gomlx/gomlx/pkg/ml/context/initializers, to be used with a context.Context.
//
// They construct context.VariableInitializer closures.
package initializers

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"gonum.org/v1/gonum/mat"
)

// VariableInitializer builds a node that returns a value to initialize a variable of the given
// shape. It is defined in the Context.
type VariableInitializer = context.VariableInitializer

// orthogonalStream is the PCG stream used for seeded orthogonal initializers, so they don't
// draw the same numbers as other host-side generators seeded with the same value.
const orthogonalStream = 0x6f7274686f676f6e

// scopeStream returns the PCG stream for initializers created in the given scope: layers in
// different scopes get different matrices from the same seed.
func scopeStream(scope string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(scope))
	return orthogonalStream ^ h.Sum64()
}

// OrthogonalFn returns an initializer that generates (semi-)orthogonal matrices with gain 1.
// See OrthogonalWithGainFn.
func OrthogonalFn(ctx *context.Context) VariableInitializer {
	return OrthogonalWithGainFn(ctx, 1.0)
}

// OrthogonalWithGainFn returns an initializer that generates a random (semi-)orthogonal matrix,
// multiplied by gain.
//
// The variable shape is flattened to `[prod(dims[:rank-1]), dims[rank-1]]`: for square matrices the result
// is orthogonal (`Mᵀ·M = I`), otherwise either the rows or the columns are orthonormal, whichever is fewer.
// The matrix is the Q factor of the QR decomposition of a matrix of normal random values, with the signs
// fixed by the diagonal of R, so the distribution is uniform over orthogonal matrices.
//
// The decomposition is done on the host with gonum, and the result is fed to the graph as a constant.
//
// It uses the context's ParamInitialSeed hyperparameter, combined with the context scope, to seed its random
// number generator. If it is 0 (the default), a random seed is used.
//
// Non-float variables are initialized with zero, and it panics for variables with rank < 2.
func OrthogonalWithGainFn(ctx *context.Context, gain float64) VariableInitializer {
	seed := context.GetParamOr(ctx, context.ParamInitialSeed, int64(0))
	var rng *rand.Rand
	if seed == 0 {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	} else {
		rng = rand.New(rand.NewPCG(uint64(seed), scopeStream(ctx.Scope())))
	}
	var mu sync.Mutex
	return func(g *Graph, shape shapes.Shape) *Node {
		if !shape.DType.IsFloat() {
			return Zeros(g, shape)
		}
		if shape.Rank() < 2 {
			exceptions.Panicf("orthogonal initializer requires variables of rank >= 2, got shape %s", shape)
		}
		cols := shape.Dimensions[shape.Rank()-1]
		rows := shape.Size() / cols
		mu.Lock()
		flat := OrthogonalMatrix(rng, rows, cols)
		mu.Unlock()
		if gain != 1.0 {
			for ii := range flat {
				flat[ii] *= gain
			}
		}
		t := tensors.FromFlatDataAndDimensions(flat, shape.Dimensions...)
		return ConvertDType(ConstTensor(g, t), shape.DType)
	}
}

// OrthogonalMatrix returns a random `[rows, cols]` (semi-)orthogonal matrix in row-major order,
// drawn from rng.
func OrthogonalMatrix(rng *rand.Rand, rows, cols int) []float64 {
	if rows <= 0 || cols <= 0 {
		exceptions.Panicf("OrthogonalMatrix requires positive dimensions, got rows=%d, cols=%d", rows, cols)
	}
	// QR needs a tall (or square) matrix, so wide matrices are built transposed.
	transposed := rows < cols
	tallRows, tallCols := rows, cols
	if transposed {
		tallRows, tallCols = cols, rows
	}
	normal := make([]float64, tallRows*tallCols)
	for ii := range normal {
		normal[ii] = rng.NormFloat64()
	}
	var qr mat.QR
	qr.Factorize(mat.NewDense(tallRows, tallCols, normal))
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	flat := make([]float64, rows*cols)
	for col := 0; col < tallCols; col++ {
		sign := 1.0
		if r.At(col, col) < 0 {
			sign = -1.0
		}
		for row := 0; row < tallRows; row++ {
			value := sign * q.At(row, col)
			if transposed {
				flat[col*cols+row] = value
			} else {
				flat[row*cols+col] = value
			}
		}
	}
	return flat
}

// Drift returns how far the `[rows, cols]` row-major matrix is from having orthonormal columns
// (or rows, if rows < cols): the Frobenius norm of `MᵀM - I` (or `MMᵀ - I`).
//
// It is 0 (up to float precision) for a matrix generated by OrthogonalMatrix.
func Drift(flat []float64, rows, cols int) float64 {
	if len(flat) != rows*cols {
		exceptions.Panicf("Drift: matrix [%d, %d] requires %d values, got %d", rows, cols, rows*cols, len(flat))
	}
	m := mat.NewDense(rows, cols, flat)
	var gram mat.Dense
	if rows >= cols {
		gram.Mul(m.T(), m)
	} else {
		gram.Mul(m, m.T())
	}
	n, _ := gram.Dims()
	for ii := 0; ii < n; ii++ {
		gram.Set(ii, ii, gram.At(ii, ii)-1)
	}
	norm := mat.Norm(&gram, 2)
	if math.IsNaN(norm) {
		return math.Inf(1)
	}
	return norm
}
