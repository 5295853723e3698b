// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package whitebox

import (
	"github.com/crate-lab/whitebox/pkg/ml/blocks"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// ParamModel context hyperparameter selects the kind of blocks: "vit" or "crate".
	ParamModel = "model"

	// ParamDims context hyperparameter is the width of the tokens.
	ParamDims = "dims"

	// ParamHeads context hyperparameter is the number of attention heads. It must divide ParamDims.
	ParamHeads = "heads"

	// ParamNumLayers context hyperparameter is the number of blocks.
	ParamNumLayers = "num_layers"

	// ParamNumClasses context hyperparameter is the number of logits output by the head.
	ParamNumClasses = "num_classes"

	// ParamCRATESigma context hyperparameter is the step size of the CRATE sparsification step.
	ParamCRATESigma = "crate_sigma"

	// ParamCRATELambda context hyperparameter is the sparsity threshold of the CRATE sparsification step.
	ParamCRATELambda = "crate_lambda"

	// ParamDType context hyperparameter is the dtype of the model variables and activations, e.g. "float32".
	ParamDType = "dtype"
)

// Config holds the model hyperparameters.
type Config struct {
	// Kind of blocks stacked.
	Kind blocks.Kind

	// Dims is the width of the tokens, and the number of channels of the encoder convolutions.
	Dims int

	// NumClasses is the number of logits.
	NumClasses int

	// Heads is the number of attention heads. It must divide Dims.
	Heads int

	// NumLayers is the number of blocks.
	NumLayers int

	// Sigma and Lambda configure the CRATE sparsification step. Ignored for ViT.
	Sigma, Lambda float64

	// DType of the variables and activations.
	DType dtypes.DType
}

// DefaultConfig returns the default hyperparameters: a 3 layers ViT with 64 dims and 4 heads, for 10 classes.
func DefaultConfig() Config {
	return Config{
		Kind:       blocks.KindViT,
		Dims:       64,
		NumClasses: 10,
		Heads:      4,
		NumLayers:  3,
		Sigma:      blocks.DefaultSigma,
		Lambda:     blocks.DefaultLambda,
		DType:      dtypes.Float32,
	}
}

// Validate returns an error wrapping ErrInvalidConfiguration if the configuration can't be built.
func (c Config) Validate() error {
	if !c.Kind.IsAKind() {
		return errors.Wrapf(ErrInvalidConfiguration, "invalid model kind %s", c.Kind)
	}
	if c.Dims <= 0 || c.Heads <= 0 || c.NumClasses <= 0 || c.NumLayers <= 0 {
		return errors.Wrapf(ErrInvalidConfiguration,
			"dims (%d), heads (%d), num_classes (%d) and num_layers (%d) must be positive",
			c.Dims, c.Heads, c.NumClasses, c.NumLayers)
	}
	if c.Dims%c.Heads != 0 {
		return errors.Wrapf(ErrInvalidConfiguration, "dims (%d) must be divisible by heads (%d)", c.Dims, c.Heads)
	}
	if c.DType != dtypes.Float32 && c.DType != dtypes.Float64 {
		return errors.Wrapf(ErrInvalidConfiguration, "dtype must be Float32 or Float64, got %s", c.DType)
	}
	return nil
}

// ConfigFromContext reads the configuration from the context hyperparameters, using DefaultConfig
// for the ones not set.
func ConfigFromContext(ctx *context.Context) (cfg Config, err error) {
	cfg = DefaultConfig()
	var kindName, dtypeName string
	err = exceptions.TryCatch[error](func() {
		kindName = context.GetParamOr(ctx, ParamModel, cfg.Kind.String())
		cfg.Dims = context.GetParamOr(ctx, ParamDims, cfg.Dims)
		cfg.Heads = context.GetParamOr(ctx, ParamHeads, cfg.Heads)
		cfg.NumLayers = context.GetParamOr(ctx, ParamNumLayers, cfg.NumLayers)
		cfg.NumClasses = context.GetParamOr(ctx, ParamNumClasses, cfg.NumClasses)
		cfg.Sigma = context.GetParamOr(ctx, ParamCRATESigma, cfg.Sigma)
		cfg.Lambda = context.GetParamOr(ctx, ParamCRATELambda, cfg.Lambda)
		dtypeName = context.GetParamOr(ctx, ParamDType, "float32")
	})
	if err != nil {
		return cfg, errors.Wrapf(ErrInvalidConfiguration, "invalid hyperparameter: %v", err)
	}
	cfg.Kind, err = blocks.KindString(kindName)
	if err != nil {
		return cfg, errors.Wrapf(ErrInvalidConfiguration, "hyperparameter %q: %v", ParamModel, err)
	}
	cfg.DType, err = dtypes.DTypeString(dtypeName)
	if err != nil {
		return cfg, errors.Wrapf(ErrInvalidConfiguration, "hyperparameter %q: %v", ParamDType, err)
	}
	return cfg, cfg.Validate()
}

// SetParams sets the configuration as context hyperparameters, so they are saved along with checkpoints.
func (c Config) SetParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamModel:       c.Kind.String(),
		ParamDims:        c.Dims,
		ParamHeads:       c.Heads,
		ParamNumLayers:   c.NumLayers,
		ParamNumClasses:  c.NumClasses,
		ParamCRATESigma:  c.Sigma,
		ParamCRATELambda: c.Lambda,
		ParamDType:       c.DType.String(),
	})
}
