// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blocks

import (
	"github.com/crate-lab/whitebox/pkg/ml/initializers"
	"github.com/crate-lab/whitebox/pkg/ml/layers/mha"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

const (
	// SubspaceVar is the name of the `[dims, dims]` subspace projection variable of a CRATE block.
	SubspaceVar = "U"

	// DictionaryVar is the name of the `[dims, dims]` dictionary variable of a CRATE block.
	DictionaryVar = "D"
)

// CRATE is a white-box transformer block: each step is a gradient step of a sparse rate reduction objective.
//
//	x̂ = LayerNorm(x)
//	z_l = x̂·U
//	z_half = LayerNorm(MHA(z_l, z_l) + x̂)
//	z_next = sigma * ((z_half·D - z_half)·Dᵀ - lambd)
//	output = LeakyReLU(z_next) + z_half
//
// U (the subspace projection) and D (the dictionary) are distinct learned matrices, initialized orthogonal.
// Orthogonality is not enforced afterwards. The single projection z_l is used as query, key and value.
type CRATE struct {
	attention     *mha.Attention
	sigma, lambda float64
}

var _ Block = (*CRATE)(nil)

// NewCRATE creates a CRATE block with the given step size sigma and sparsity threshold lambd
// (see DefaultSigma and DefaultLambda).
//
// It fails with mha.ErrInvalidConfiguration if dims is not divisible by heads.
func NewCRATE(dims, heads int, sigma, lambd float64) (*CRATE, error) {
	attention, err := mha.New(dims, heads)
	if err != nil {
		return nil, err
	}
	if sigma <= 0 {
		return nil, errors.Wrapf(mha.ErrInvalidConfiguration, "CRATE step size sigma must be positive, got %g", sigma)
	}
	if lambd < 0 {
		return nil, errors.Wrapf(mha.ErrInvalidConfiguration, "CRATE threshold lambd must be >= 0, got %g", lambd)
	}
	return &CRATE{attention: attention, sigma: sigma, lambda: lambd}, nil
}

// Kind implements Block.
func (b *CRATE) Kind() Kind { return KindCRATE }

// Dims implements Block.
func (b *CRATE) Dims() int { return b.attention.Dims() }

// Heads is the number of attention heads.
func (b *CRATE) Heads() int { return b.attention.Heads() }

// Sigma is the step size of the sparsification step.
func (b *CRATE) Sigma() float64 { return b.sigma }

// Lambda is the sparsity threshold of the sparsification step.
func (b *CRATE) Lambda() float64 { return b.lambda }

// Apply implements Block. The returned taps hold the attention weights and the subspace projection z_l.
func (b *CRATE) Apply(ctx *context.Context, x *Node) (output *Node, taps Taps) {
	g := x.Graph()
	dims := b.Dims()
	checkTokens(KindCRATE, dims, x)

	ctxOrthogonal := ctx.WithInitializer(initializers.OrthogonalFn(ctx))
	matrixShape := shapes.Make(x.DType(), dims, dims)
	u := ctxOrthogonal.VariableWithShape(SubspaceVar, matrixShape).ValueGraph(g)
	d := ctxOrthogonal.VariableWithShape(DictionaryVar, matrixShape).ValueGraph(g)

	// Multi-head subspace self-attention.
	normalized := layers.LayerNormalization(ctx.In("norm_0"), x, -1).Done()
	projected := Einsum("bli,ij->blj", normalized, u)
	attended, weights := b.attention.Attend(projected, projected, nil)
	zHalf := layers.LayerNormalization(ctx.In("norm_1"), Add(attended, normalized), -1).Done()

	// Sparsification: one ISTA-like step under the dictionary D.
	residual := Sub(Einsum("bli,ij->blj", zHalf, d), zHalf)
	grad := Einsum("blj,ij->bli", residual, d) // residual·Dᵀ
	zNext := MulScalar(AddScalar(grad, -b.lambda), b.sigma)
	output = Add(activations.LeakyRelu(zNext), zHalf)
	taps = Taps{Attention: weights, Projection: projected}
	return
}
