// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blocks

import (
	"github.com/crate-lab/whitebox/pkg/ml/layers/mha"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Transformer is the standard pre-norm ViT block:
//
//	x̂ = LayerNorm(x)
//	q, k, v = split(Dense(x̂, 3*dims))
//	z = LayerNorm(MHA(q, k, v) + x̂)
//	output = FFN(z) + z
//
// where FFN is two dense layers (dims -> 2*dims -> dims), each followed by a LeakyReLU.
type Transformer struct {
	attention *mha.Attention
}

var _ Block = (*Transformer)(nil)

// NewTransformer creates a Transformer block. It fails with mha.ErrInvalidConfiguration if dims is
// not divisible by heads.
func NewTransformer(dims, heads int) (*Transformer, error) {
	attention, err := mha.New(dims, heads)
	if err != nil {
		return nil, err
	}
	return &Transformer{attention: attention}, nil
}

// Kind implements Block.
func (b *Transformer) Kind() Kind { return KindViT }

// Dims implements Block.
func (b *Transformer) Dims() int { return b.attention.Dims() }

// Heads is the number of attention heads.
func (b *Transformer) Heads() int { return b.attention.Heads() }

// Apply implements Block. The returned taps hold the attention weights and the keys.
func (b *Transformer) Apply(ctx *context.Context, x *Node) (output *Node, taps Taps) {
	dims := b.Dims()
	checkTokens(KindViT, dims, x)

	normalized := layers.LayerNormalization(ctx.In("norm_0"), x, -1).Done()
	qkv := layers.Dense(ctx.In("qkv"), normalized, true, 3*dims)
	parts := Split(qkv, -1, 3)
	query, key, value := parts[0], parts[1], parts[2]

	attended, weights := b.attention.Attend(query, key, value)
	z := layers.LayerNormalization(ctx.In("norm_1"), Add(attended, normalized), -1).Done()

	ffn := activations.LeakyRelu(layers.Dense(ctx.In("ffn_0"), z, true, 2*dims))
	ffn = activations.LeakyRelu(layers.Dense(ctx.In("ffn_1"), ffn, true, dims))
	output = Add(ffn, z)
	taps = Taps{Attention: weights, Projection: key}
	return
}
