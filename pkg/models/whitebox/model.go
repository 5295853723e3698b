// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package whitebox implements two image classifiers whose internals can be inspected: a Vision Transformer (ViT)
// and CRATE, a white-box transformer whose blocks are unrolled optimization steps.
//
// Both share a convolutional encoder, a class token with learned position embeddings and a classification head:
//
//	images -> Encode -> [block] x NumLayers -> class token -> Head -> logits
//
// A Model owns its GoMLX context (the weights) and compiles the forward graph on demand. Besides the logits, it
// can return the per-layer token states and attention weights (Model.AttentionWeights), and the per-layer
// projections (Model.KeyProjections for ViT and Model.SubspaceProjections for CRATE).
//
// Example:
//
//	model, err := whitebox.NewCRATE(backend, 16, 10, 4, 2, blocks.DefaultSigma, blocks.DefaultLambda)
//	if err != nil { ... }
//	defer model.Finalize()
//	logits, err := model.Logits(images)  // images shaped [batch, height, width, channels].
package whitebox

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/crate-lab/whitebox/pkg/ml/blocks"
	"github.com/crate-lab/whitebox/pkg/ml/initializers"
	"github.com/crate-lab/whitebox/pkg/ml/layers/patch"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BlockScope returns the context scope (relative to the model's context) of the variables of block ii.
func BlockScope(ii int) string {
	return fmt.Sprintf("block_%03d", ii)
}

// Model is a ViT or CRATE classifier. It is safe for concurrent use.
type Model struct {
	backend  backends.Backend
	ctx      *context.Context
	cfg      Config
	embedder *patch.Embedder

	// blocks are created once by the constructor, and never changed.
	blocks []blocks.Block

	mu                sync.Mutex
	input             *geometry // nil until built.
	logitsExec        *context.Exec
	introspectionExec *context.Exec
	checkpoint        *checkpoints.Handler

	// variables guards the variables in ctx: the first execution (which creates, initializes or loads them)
	// and checkpoint attaching are exclusive, later executions share it.
	variables sync.RWMutex
	created   atomic.Bool
}

// geometry of the input images.
type geometry struct {
	height, width, channels int
}

// Introspection holds the intermediate values of one forward pass.
type Introspection struct {
	// States are the token sequences, shaped `[batch, len, dims]`: the encoder output followed by
	// the output of each block. There are NumLayers+1 of them.
	States []*tensors.Tensor

	// Weights are the attention weights of each block, shaped `[batch, heads, len, len]`.
	Weights []*tensors.Tensor

	// Logits computed from the last state, shaped `[batch, num_classes]`.
	Logits *tensors.Tensor
}

// FinalizeAll immediately frees the memory of all tensors.
func (in *Introspection) FinalizeAll() {
	finalizeAll(in.States)
	finalizeAll(in.Weights)
	if in.Logits != nil {
		in.Logits.FinalizeAll()
	}
}

func finalizeAll(ts []*tensors.Tensor) {
	for _, t := range ts {
		if t != nil {
			t.FinalizeAll()
		}
	}
}

// New creates a model with a new context.
//
// It fails with ErrInvalidConfiguration if cfg is not valid, e.g. cfg.Dims not divisible by cfg.Heads.
func New(backend backends.Backend, cfg Config) (*Model, error) {
	return NewWithContext(backend, context.New(), cfg)
}

// NewViT creates a ViT model with the given sizes.
func NewViT(backend backends.Backend, dims, numClasses, heads, numLayers int) (*Model, error) {
	cfg := DefaultConfig()
	cfg.Kind = blocks.KindViT
	cfg.Dims, cfg.NumClasses, cfg.Heads, cfg.NumLayers = dims, numClasses, heads, numLayers
	return New(backend, cfg)
}

// NewCRATE creates a CRATE model with the given sizes, and the sparsification step size sigma and threshold lambd.
func NewCRATE(backend backends.Backend, dims, numClasses, heads, numLayers int, sigma, lambd float64) (*Model, error) {
	cfg := DefaultConfig()
	cfg.Kind = blocks.KindCRATE
	cfg.Dims, cfg.NumClasses, cfg.Heads, cfg.NumLayers = dims, numClasses, heads, numLayers
	cfg.Sigma, cfg.Lambda = sigma, lambd
	return New(backend, cfg)
}

// NewWithContext creates a model using ctx for its variables and hyperparameters.
// The configuration is written to ctx (see Config.SetParams), so it is saved along with checkpoints.
//
// Variables are created in the ctx scope. Two models sharing the same context and scope share their weights.
func NewWithContext(backend backends.Backend, ctx *context.Context, cfg Config) (*Model, error) {
	if backend == nil {
		return nil, errors.Wrap(ErrInvalidConfiguration, "nil backend")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		backend:  backend,
		ctx:      ctx,
		cfg:      cfg,
		embedder: patch.New(cfg.Dims),
		blocks:   make([]blocks.Block, cfg.NumLayers),
	}
	for ii := range m.blocks {
		block, err := blocks.New(cfg.Kind, cfg.Dims, cfg.Heads, cfg.Sigma, cfg.Lambda)
		if err != nil {
			return nil, errors.WithMessagef(err, "while creating block #%d", ii)
		}
		m.blocks[ii] = block
	}
	cfg.SetParams(ctx)
	klog.V(1).Infof("whitebox: created %s model with %d layers (dims=%d, heads=%d, num_classes=%d)",
		cfg.Kind, cfg.NumLayers, cfg.Dims, cfg.Heads, cfg.NumClasses)
	return m, nil
}

// Context used by the model to store its variables.
func (m *Model) Context() *context.Context { return m.ctx }

// Config of the model.
func (m *Model) Config() Config { return m.cfg }

// Backend used to execute the model.
func (m *Model) Backend() backends.Backend { return m.backend }

// NumParameters returns the number of trainable parameters. It is 0 until the model is first executed,
// since variables are created during graph building.
func (m *Model) NumParameters() int {
	total := 0
	for v := range m.ctx.IterVariables() {
		if v.Trainable {
			total += v.Shape().Size()
		}
	}
	return total
}

// Build fixes the geometry of the input images. The call modes build the model implicitly
// from the first images they get.
//
// It fails with ErrShapeMismatch if the images are too small for the encoder, or if the model was already
// built for a different geometry.
func (m *Model) Build(height, width, channels int) error {
	if channels <= 0 {
		return errors.Wrapf(ErrShapeMismatch, "images must have at least one channel, got %d", channels)
	}
	grid, err := EncodedGrid(height, width)
	if err != nil {
		return err
	}
	want := geometry{height: height, width: width, channels: channels}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.input != nil {
		if *m.input != want {
			return errors.Wrapf(ErrShapeMismatch, "model built for images of %dx%dx%d, got %dx%dx%d",
				m.input.height, m.input.width, m.input.channels, height, width, channels)
		}
		return nil
	}
	if err := m.embedder.Build(grid); err != nil {
		return err
	}
	m.input = &want
	klog.V(1).Infof("whitebox: model built for images of %dx%dx%d, sequence length %d",
		height, width, channels, 1+grid.NumPatches())
	return nil
}

// SequenceLength returns the number of tokens (including the class token) per example, and whether the
// model has been built.
func (m *Model) SequenceLength() (int, bool) {
	grid, built := m.embedder.Grid()
	if !built {
		return 0, false
	}
	return 1 + grid.NumPatches(), true
}

// checkImages validates images on the host, before any graph is built, and builds the model if needed.
func (m *Model) checkImages(images *tensors.Tensor) error {
	if images == nil {
		return errors.Wrap(ErrShapeMismatch, "nil images")
	}
	shape := images.Shape()
	if shape.Rank() != 4 {
		return errors.Wrapf(ErrShapeMismatch, "images must be shaped [batch, height, width, channels], got %s", shape)
	}
	if shape.Dimensions[0] <= 0 {
		return errors.Wrapf(ErrShapeMismatch, "empty batch of images %s", shape)
	}
	if !shape.DType.IsFloat() && !shape.DType.IsInt() {
		return errors.Wrapf(ErrShapeMismatch, "images must be numeric, got dtype %s", shape.DType)
	}
	return m.Build(shape.Dimensions[1], shape.Dimensions[2], shape.Dimensions[3])
}

// forward builds the graph of the model. All call modes use it, so their results are consistent.
func (m *Model) forward(ctx *context.Context, images *Node) (logits *Node, states []*Node, taps []blocks.Taps) {
	x := ConvertDType(images, m.cfg.DType)
	x = Encode(ctx.In("encoder"), x, m.cfg.Dims, m.embedder)
	states = make([]*Node, 0, len(m.blocks)+1)
	taps = make([]blocks.Taps, 0, len(m.blocks))
	states = append(states, x)
	for ii, block := range m.blocks {
		var blockTaps blocks.Taps
		x, blockTaps = block.Apply(ctx.In(BlockScope(ii)), x)
		states = append(states, x)
		taps = append(taps, blockTaps)
	}
	logits = Head(ctx.In("head"), x, m.cfg.Dims, m.cfg.NumClasses)
	return
}

// getExec returns the executor for the logits or for the introspection, creating it if needed.
//
// Executors use an unchecked context: variables are created by whichever graph is built first, and
// reused (or lazily loaded from a checkpoint) by the others.
func (m *Model) getExec(introspection bool) (*context.Exec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx.Checked(false)
	var err error
	if !introspection {
		if m.logitsExec == nil {
			m.logitsExec, err = context.NewExec(m.backend, ctx, func(ctx *context.Context, images *Node) *Node {
				logits, _, _ := m.forward(ctx, images)
				return logits
			})
		}
		return m.logitsExec, err
	}
	if m.introspectionExec == nil {
		m.introspectionExec, err = context.NewExec(m.backend, ctx, func(ctx *context.Context, images *Node) []*Node {
			logits, states, taps := m.forward(ctx, images)
			outputs := make([]*Node, 0, 1+len(states)+2*len(taps))
			outputs = append(outputs, logits)
			outputs = append(outputs, states...)
			for _, t := range taps {
				outputs = append(outputs, t.Attention)
			}
			for _, t := range taps {
				outputs = append(outputs, t.Projection)
			}
			return outputs
		})
	}
	return m.introspectionExec, err
}

// execute runs exec on the images. Until the model variables are created, executions are serialized.
func (m *Model) execute(exec *context.Exec, images *tensors.Tensor) ([]*tensors.Tensor, error) {
	if m.created.Load() {
		m.variables.RLock()
		defer m.variables.RUnlock()
		return exec.Exec(images)
	}
	m.variables.Lock()
	defer m.variables.Unlock()
	outputs, err := exec.Exec(images)
	if err == nil {
		m.created.Store(true)
	}
	return outputs, err
}

// Logits returns the logits for the images, shaped `[batch, num_classes]`.
//
// images must be shaped `[batch, height, width, channels]`, with the same height, width and channels on
// every call, or it fails with ErrShapeMismatch.
func (m *Model) Logits(images *tensors.Tensor) (*tensors.Tensor, error) {
	if err := m.checkImages(images); err != nil {
		return nil, err
	}
	exec, err := m.getExec(false)
	if err != nil {
		return nil, err
	}
	outputs, err := m.execute(exec, images)
	if err != nil {
		return nil, errors.WithMessagef(err, "while computing logits of %s model", m.cfg.Kind)
	}
	return outputs[0], nil
}

// introspect runs the model returning the logits, the states, the attention weights and the projections.
func (m *Model) introspect(images *tensors.Tensor) (logits *tensors.Tensor, states, weights, projections []*tensors.Tensor, err error) {
	if err = m.checkImages(images); err != nil {
		return
	}
	var exec *context.Exec
	exec, err = m.getExec(true)
	if err != nil {
		return
	}
	var outputs []*tensors.Tensor
	outputs, err = m.execute(exec, images)
	if err != nil {
		err = errors.WithMessagef(err, "while inspecting %s model", m.cfg.Kind)
		return
	}
	numLayers := len(m.blocks)
	if len(outputs) != 1+(numLayers+1)+2*numLayers {
		err = errors.Errorf("%s model returned %d outputs, expected %d", m.cfg.Kind, len(outputs), 1+(numLayers+1)+2*numLayers)
		finalizeAll(outputs)
		return
	}
	logits = outputs[0]
	states = outputs[1 : numLayers+2]
	weights = outputs[numLayers+2 : 2*numLayers+2]
	projections = outputs[2*numLayers+2:]
	return
}

// AttentionWeights runs the model and returns the token states of every layer (NumLayers+1 of them, starting with
// the encoder output) and the attention weights of every block (NumLayers of them), along with the logits.
func (m *Model) AttentionWeights(images *tensors.Tensor) (*Introspection, error) {
	logits, states, weights, projections, err := m.introspect(images)
	if err != nil {
		return nil, err
	}
	finalizeAll(projections)
	return &Introspection{States: states, Weights: weights, Logits: logits}, nil
}

// Projections runs the model and returns the internal projection of every block, shaped `[batch, len, dims]`:
// the attention keys for ViT, the subspace projections z·U for CRATE.
func (m *Model) Projections(images *tensors.Tensor) ([]*tensors.Tensor, error) {
	logits, states, weights, projections, err := m.introspect(images)
	if err != nil {
		return nil, err
	}
	logits.FinalizeAll()
	finalizeAll(states)
	finalizeAll(weights)
	return projections, nil
}

// KeyProjections returns the attention keys of every block of a ViT model.
// It fails with ErrInvalidConfiguration for other kinds of models.
func (m *Model) KeyProjections(images *tensors.Tensor) ([]*tensors.Tensor, error) {
	if m.cfg.Kind != blocks.KindViT {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "key projections are only available for %s models, not %s",
			blocks.KindViT, m.cfg.Kind)
	}
	return m.Projections(images)
}

// SubspaceProjections returns the subspace projections z·U of every block of a CRATE model.
// It fails with ErrInvalidConfiguration for other kinds of models.
func (m *Model) SubspaceProjections(images *tensors.Tensor) ([]*tensors.Tensor, error) {
	if m.cfg.Kind != blocks.KindCRATE {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "subspace projections are only available for %s models, not %s",
			blocks.KindCRATE, m.cfg.Kind)
	}
	return m.Projections(images)
}

// OrthogonalityDrift returns, for each U and D matrix of a CRATE model, the Frobenius norm of `MᵀM - I`,
// keyed by "<block scope>/<variable name>".
//
// The matrices are only initialized orthogonal, so this measures how far they moved since (e.g. after loading
// trained weights). It requires the model to have been executed (or its weights loaded).
func (m *Model) OrthogonalityDrift() (map[string]float64, error) {
	if m.cfg.Kind != blocks.KindCRATE {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "orthogonality drift is only defined for %s models, not %s",
			blocks.KindCRATE, m.cfg.Kind)
	}
	// Reading the variables may load them from an attached checkpoint.
	m.variables.Lock()
	defer m.variables.Unlock()
	drift := make(map[string]float64, 2*len(m.blocks))
	for ii := range m.blocks {
		scope := m.ctx.In(BlockScope(ii)).Scope()
		for _, name := range []string{blocks.SubspaceVar, blocks.DictionaryVar} {
			v := m.ctx.GetVariableByScopeAndName(scope, name)
			if v == nil || !v.HasValue() {
				return nil, errors.Errorf("variable %q in scope %q not initialized yet, execute the model first", name, scope)
			}
			value, err := v.Value()
			if err != nil {
				return nil, err
			}
			flat, err := flatFloat64(value)
			if err != nil {
				return nil, errors.WithMessagef(err, "variable %q in scope %q", name, scope)
			}
			dims := value.Shape().Dimensions
			drift[BlockScope(ii)+"/"+name] = initializers.Drift(flat, dims[0], dims[1])
		}
	}
	return drift, nil
}

func flatFloat64(t *tensors.Tensor) ([]float64, error) {
	switch t.DType() {
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](t), nil
	case dtypes.Float32:
		values := tensors.MustCopyFlatData[float32](t)
		flat := make([]float64, len(values))
		for ii, v := range values {
			flat[ii] = float64(v)
		}
		return flat, nil
	default:
		return nil, errors.Errorf("unsupported dtype %s", t.DType())
	}
}

// Finalize releases the compiled executables. The model can still be used, they are recompiled on demand.
func (m *Model) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logitsExec != nil {
		m.logitsExec.Finalize()
		m.logitsExec = nil
	}
	if m.introspectionExec != nil {
		m.introspectionExec.Finalize()
		m.introspectionExec = nil
	}
}
