// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"image"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// loadImages reads the image files, resizes them (center-cropped) to size x size and converts them to a tensor
// shaped `[len(paths), size, size, 3]`, with values in [0, 1].
func loadImages(paths []string, size int, dtype dtypes.DType) (*tensors.Tensor, error) {
	if len(paths) == 0 {
		return nil, errors.New("no images given")
	}
	batch := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read image %q", path)
		}
		batch = append(batch, imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos))
	}
	return timages.ToTensor(dtype).Batch(batch), nil
}

// randomImages returns uniform noise images shaped `[batchSize, size, size, channels]`, with values in [0, 1].
func randomImages(seed uint64, batchSize, size, channels int, dtype dtypes.DType) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, 0))
	n := batchSize * size * size * channels
	if dtype == dtypes.Float64 {
		flat := make([]float64, n)
		for ii := range flat {
			flat[ii] = rng.Float64()
		}
		return tensors.FromFlatDataAndDimensions(flat, batchSize, size, size, channels)
	}
	flat := make([]float32, n)
	for ii := range flat {
		flat[ii] = rng.Float32()
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, size, size, channels)
}
