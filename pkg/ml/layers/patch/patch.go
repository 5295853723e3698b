// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package patch turns a grid of patch features into a token sequence: it adds a learned position
// embedding to every patch and prepends a learned class token.
//
// The size of the position embedding depends on the grid of patches, so an Embedder is built in two
// phases: New creates it Unbuilt, and Build fixes the grid once. Any later use with another grid fails
// with ErrShapeMismatch, instead of silently resizing the position embedding.
package patch

import (
	"fmt"
	"sync"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrShapeMismatch is returned (or used in a panic during graph building) when an input's shape
// disagrees with the shape the model was built for.
var ErrShapeMismatch = errors.New("shape mismatch")

const (
	// ClassTokenVar is the name of the class token variable, shaped `[1, 1, dims]`.
	ClassTokenVar = "cls"

	// PositionVar is the name of the position embedding variable, shaped `[num_patches, dims]`.
	PositionVar = "pos_embedding"

	// InitStddev is the standard deviation of the normal distribution used to initialize
	// the class token and the position embedding.
	InitStddev = 0.02
)

// Grid is the spatial layout of the patches.
type Grid struct {
	Height, Width int
}

// NumPatches is the number of tokens (excluding the class token) the grid is flattened to.
func (g Grid) NumPatches() int { return g.Height * g.Width }

// String implements fmt.Stringer.
func (g Grid) String() string { return fmt.Sprintf("%dx%d", g.Height, g.Width) }

// State of an Embedder.
type State int

const (
	// Unbuilt embedders don't know their grid yet and can't be applied.
	Unbuilt State = iota

	// Built embedders have a fixed grid.
	Built
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Unbuilt:
		return "Unbuilt"
	case Built:
		return "Built"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Embedder adds position embeddings and the class token to a grid of patches.
// It is safe for concurrent use.
type Embedder struct {
	dims int

	mu    sync.Mutex
	state State
	grid  Grid
}

// New creates an Unbuilt Embedder for patches with dims features.
func New(dims int) *Embedder {
	return &Embedder{dims: dims}
}

// Dims is the width of the tokens.
func (e *Embedder) Dims() int { return e.dims }

// State returns whether the embedder has been built.
func (e *Embedder) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Grid returns the grid the embedder was built for, and whether it has been built.
func (e *Embedder) Grid() (Grid, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.grid, e.state == Built
}

// Build fixes the grid of patches. It can be called more than once with the same grid.
//
// It fails with ErrShapeMismatch if the grid is empty or if the embedder was already built for another grid.
func (e *Embedder) Build(grid Grid) error {
	if grid.Height <= 0 || grid.Width <= 0 {
		return errors.Wrapf(ErrShapeMismatch, "patch grid must be positive, got %s", grid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Built {
		if e.grid != grid {
			return errors.Wrapf(ErrShapeMismatch, "patch embedding built for a %s grid, got a %s grid", e.grid, grid)
		}
		return nil
	}
	e.state = Built
	e.grid = grid
	klog.V(1).Infof("patch embedding built for a %s grid (%d patches, dims=%d)", grid, grid.NumPatches(), e.dims)
	return nil
}

// Check returns an error if the embedder can't be used with the given grid, without building it.
func (e *Embedder) Check(grid Grid) error {
	if grid.Height <= 0 || grid.Width <= 0 {
		return errors.Wrapf(ErrShapeMismatch, "patch grid must be positive, got %s", grid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Built && e.grid != grid {
		return errors.Wrapf(ErrShapeMismatch, "patch embedding built for a %s grid, got a %s grid", e.grid, grid)
	}
	return nil
}

// Apply flattens the patches x, shaped `[batch, height, width, dims]`, adds the position embedding and
// prepends the class token. It returns the tokens shaped `[batch, 1+height*width, dims]`.
//
// Variables are created in the ctx scope. It panics with ErrShapeMismatch if the embedder is not
// built, or if x doesn't match its grid and dims.
func (e *Embedder) Apply(ctx *context.Context, x *Node) *Node {
	grid, built := e.Grid()
	if !built {
		panic(errors.Wrap(ErrShapeMismatch, "patch embedding applied before Build"))
	}
	if x.Rank() != 4 {
		panic(errors.Wrapf(ErrShapeMismatch, "patch embedding requires x shaped [batch, height, width, dims], got %s",
			x.Shape()))
	}
	dims := x.Shape().Dimensions
	batchSize := dims[0]
	if got := (Grid{Height: dims[1], Width: dims[2]}); got != grid {
		panic(errors.Wrapf(ErrShapeMismatch, "patch embedding built for a %s grid, got x shaped %s", grid, x.Shape()))
	}
	if dims[3] != e.dims {
		panic(errors.Wrapf(ErrShapeMismatch, "patch embedding has dims=%d, got x shaped %s", e.dims, x.Shape()))
	}

	g := x.Graph()
	dtype := x.DType()
	numPatches := grid.NumPatches()
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, InitStddev))

	tokens := Reshape(x, batchSize, numPatches, e.dims)
	posVar := ctx.VariableWithShape(PositionVar, shapes.Make(dtype, numPatches, e.dims))
	pos := ExpandAxes(posVar.ValueGraph(g), 0)
	tokens = Add(tokens, BroadcastToDims(pos, batchSize, numPatches, e.dims))

	clsVar := ctx.VariableWithShape(ClassTokenVar, shapes.Make(dtype, 1, 1, e.dims))
	cls := BroadcastToDims(clsVar.ValueGraph(g), batchSize, 1, e.dims)
	return Concatenate([]*Node{cls, tokens}, 1)
}
