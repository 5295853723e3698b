// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mha implements multi-head scaled dot-product attention without learned projections.
//
// Differently from layers.MultiHeadAttention, the query, key and value are not projected: the feature axis is
// simply split into heads, so the projections can be owned (and introspected) by the calling block.
package mha

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// ErrInvalidConfiguration is returned when an attention (or a block/model using it) is configured with
// incompatible sizes, e.g. a feature dimension not divisible by the number of heads.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Attention splits tokens of width Dims into Heads groups of Depth features and attends within each group.
//
// It holds no learned parameters and can be shared.
type Attention struct {
	dims, heads, depth int
}

// New returns an Attention for tokens of width dims split into heads.
//
// It fails with ErrInvalidConfiguration if dims is not divisible by heads.
func New(dims, heads int) (*Attention, error) {
	if dims <= 0 || heads <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "dims (%d) and heads (%d) must be positive", dims, heads)
	}
	if dims%heads != 0 {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "dims (%d) must be divisible by heads (%d)", dims, heads)
	}
	return &Attention{dims: dims, heads: heads, depth: dims / heads}, nil
}

// Dims is the width of the tokens.
func (a *Attention) Dims() int { return a.dims }

// Heads is the number of heads.
func (a *Attention) Heads() int { return a.heads }

// Depth is the number of features per head.
func (a *Attention) Depth() int { return a.depth }

// SplitHeads reshapes x from `[batch, len, dims]` to `[batch, len, heads, depth]`.
func (a *Attention) SplitHeads(x *Node) *Node {
	a.checkTokens("x", x)
	dims := x.Shape().Dimensions
	return Reshape(x, dims[0], dims[1], a.heads, a.depth)
}

// MergeHeads reshapes x from `[batch, len, heads, depth]` back to `[batch, len, dims]`.
func (a *Attention) MergeHeads(x *Node) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("MergeHeads requires x shaped [batch, len, heads, depth], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	return Reshape(x, dims[0], dims[1], a.dims)
}

// Attend computes scaled dot-product attention independently for each head.
//
// query is shaped `[batch, len_q, dims]`, key and value `[batch, len_k, dims]`.
// If value is nil, key is used as value.
//
// It returns the attention output, shaped `[batch, len_q, dims]`, and the attention weights,
// shaped `[batch, heads, len_q, len_k]`: for every query they are non-negative and sum to 1 over the keys.
// The weights are only a side output: using them or not doesn't change output.
func (a *Attention) Attend(query, key, value *Node) (output, weights *Node) {
	if value == nil {
		value = key
	}
	a.checkTokens("query", query)
	a.checkTokens("key", key)
	a.checkTokens("value", value)
	if query.Shape().Dimensions[0] != key.Shape().Dimensions[0] {
		exceptions.Panicf("query and key batch sizes differ: query=%s, key=%s", query.Shape(), key.Shape())
	}
	if !key.Shape().Equal(value.Shape()) {
		exceptions.Panicf("key and value must have the same shape, got key=%s, value=%s", key.Shape(), value.Shape())
	}

	q := a.SplitHeads(query) // [batch, len_q, heads, depth]
	k := a.SplitHeads(key)   // [batch, len_k, heads, depth]
	v := a.SplitHeads(value) // [batch, len_k, heads, depth]

	logits := Einsum("bqhd,bkhd->bhqk", q, k)
	logits = DivScalar(logits, math.Sqrt(float64(a.depth)))
	weights = Softmax(logits, -1)

	output = Einsum("bhqk,bkhd->bqhd", weights, v)
	output = a.MergeHeads(output)
	return output, weights
}

func (a *Attention) checkTokens(name string, x *Node) {
	if x.Rank() != 3 {
		exceptions.Panicf("%s must be shaped [batch, len, dims=%d], got %s", name, a.dims, x.Shape())
	}
	if width := x.Shape().Dimensions[2]; width != a.dims {
		exceptions.Panicf("%s has width %d, but attention was configured with dims=%d (shape %s)",
			name, width, a.dims, x.Shape())
	}
	if !x.DType().IsFloat() {
		exceptions.Panicf("%s must be a float, got dtype %s", name, x.DType())
	}
}
