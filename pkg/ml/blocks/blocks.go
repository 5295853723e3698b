// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package blocks implements the token-mixing blocks stacked by the whitebox models: the standard pre-norm
// Transformer block (ViT) and the CRATE block, whose attention runs in a learned orthogonal subspace and is
// followed by one ISTA-like sparsification step.
//
// Both implement Block, so models can be configured with either kind.
package blocks

import (
	"github.com/crate-lab/whitebox/pkg/ml/layers/mha"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Kind of block.
type Kind int

const (
	// KindViT is the standard Transformer block, see Transformer.
	KindViT Kind = iota

	// KindCRATE is the CRATE block, see CRATE.
	KindCRATE
)

//go:generate go tool enumer -type=Kind -trimprefix=Kind -transform=lower -values -text -output=gen_kind_enumer.go blocks.go

const (
	// DefaultSigma is the default step size of the CRATE sparsification step.
	DefaultSigma = 0.1

	// DefaultLambda is the default sparsity threshold of the CRATE sparsification step.
	DefaultLambda = 0.1
)

// Taps are the intermediate values of a block exposed for introspection.
// They are side outputs: the block output doesn't depend on whether they are used.
type Taps struct {
	// Attention weights, shaped `[batch, heads, len, len]`.
	Attention *Node

	// Projection is the block's internal projection of the tokens, shaped `[batch, len, dims]`:
	// the attention keys for Transformer, the subspace projection `z·U` for CRATE.
	Projection *Node
}

// Block transforms a token sequence `[batch, len, dims]` into another one of the same shape.
type Block interface {
	// Kind of the block.
	Kind() Kind

	// Dims is the width of the tokens.
	Dims() int

	// Apply the block to x, creating (or reusing) its variables in the ctx scope.
	Apply(ctx *context.Context, x *Node) (output *Node, taps Taps)
}

// New creates a block of the given kind. sigma and lambd are only used by KindCRATE.
//
// It fails with mha.ErrInvalidConfiguration if dims is not divisible by heads.
func New(kind Kind, dims, heads int, sigma, lambd float64) (Block, error) {
	switch kind {
	case KindViT:
		return NewTransformer(dims, heads)
	case KindCRATE:
		return NewCRATE(dims, heads, sigma, lambd)
	default:
		return nil, errors.Wrapf(mha.ErrInvalidConfiguration, "unknown block kind %s", kind)
	}
}

// checkTokens panics if x is not shaped `[batch, len, dims]`.
func checkTokens(kind Kind, dims int, x *Node) {
	if x.Rank() != 3 || x.Shape().Dimensions[2] != dims {
		exceptions.Panicf("%s block with dims=%d requires tokens shaped [batch, len, %d], got %s",
			kind, dims, dims, x.Shape())
	}
}
