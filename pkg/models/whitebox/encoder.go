// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package whitebox

import (
	"github.com/crate-lab/whitebox/pkg/ml/layers/patch"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// NumEncoderStages is the number of convolution+pooling stages of the encoder.
// Each stage halves the spatial dimensions twice.
const NumEncoderStages = 2

// Encode converts images shaped `[batch, height, width, channels]` to tokens shaped `[batch, 1+num_patches, dims]`.
//
// Each of the NumEncoderStages stages is a 2x2 convolution with stride 2 (no padding), a LeakyReLU and
// a 2x2 max-pooling. The resulting grid of patches is given to embedder, which must have been built
// for EncodedGrid(height, width).
func Encode(ctx *context.Context, images *Node, dims int, embedder *patch.Embedder) *Node {
	x := images
	for stage := range NumEncoderStages {
		x = layers.Convolution(ctx.Inf("conv_%d", stage), x).
			Channels(dims).
			KernelSize(2).
			Strides(2).
			NoPadding().
			Done()
		x = activations.LeakyRelu(x)
		x = MaxPool(x).Window(2).Done()
	}
	return embedder.Apply(ctx.In("embedding"), x)
}

// EncodedGrid returns the grid of patches Encode produces for images of the given size.
//
// It fails with ErrShapeMismatch if the images are too small: each side must be at least 16 pixels.
func EncodedGrid(height, width int) (patch.Grid, error) {
	grid := patch.Grid{Height: height, Width: width}
	for range 2 * NumEncoderStages {
		grid.Height /= 2
		grid.Width /= 2
	}
	if grid.Height <= 0 || grid.Width <= 0 {
		return grid, errors.Wrapf(ErrShapeMismatch,
			"images of %dx%d pixels are too small for the encoder, each side must be at least %d pixels",
			height, width, 1<<(2*NumEncoderStages))
	}
	return grid, nil
}
