// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package whitebox

import (
	"github.com/crate-lab/whitebox/pkg/ml/layers/mha"
	"github.com/crate-lab/whitebox/pkg/ml/layers/patch"
)

var (
	// ErrInvalidConfiguration is returned when the model can't be built with the given hyperparameters,
	// e.g. dims not divisible by heads. Test with errors.Is.
	ErrInvalidConfiguration = mha.ErrInvalidConfiguration

	// ErrShapeMismatch is returned when the input images don't match the geometry the model was built for.
	// Test with errors.Is.
	ErrShapeMismatch = patch.ErrShapeMismatch
)
