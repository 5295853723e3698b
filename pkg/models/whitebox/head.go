// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package whitebox

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Head returns the logits, shaped `[batch, numClasses]`, from the class token (index 0) of tokens,
// shaped `[batch, len, dims]`: a dense layer to 2*dims with LeakyReLU, followed by a linear dense layer.
//
// No softmax is applied.
func Head(ctx *context.Context, tokens *Node, dims, numClasses int) *Node {
	cls := Squeeze(Slice(tokens, AxisRange(), AxisRange(0, 1)), 1)
	x := activations.LeakyRelu(layers.Dense(ctx.In("hidden"), cls, true, 2*dims))
	return layers.Dense(ctx.In("logits"), x, true, numClasses)
}
