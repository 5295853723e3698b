// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attnplot converts attention weights, shaped `[batch, heads, len_q, len_k]`, into maps that can be
// summarized or saved as heat-map images.
package attnplot

import (
	"math"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// AllHeads can be given as the head to FromWeights to average the attention of all heads.
const AllHeads = -1

// Map is the attention of one example: row q holds the weights query token q gives to each key token.
//
// It implements plotter.GridXYZ, with the keys along the x-axis and the queries along the y-axis,
// query 0 (the class token) at the top.
type Map struct {
	Queries, Keys int
	Values        []float64 // Row-major, Queries x Keys.
}

var _ plotter.GridXYZ = (*Map)(nil)

// At returns the weight query q gives to key k.
func (m *Map) At(q, k int) float64 { return m.Values[q*m.Keys+k] }

// Dims implements plotter.GridXYZ.
func (m *Map) Dims() (c, r int) { return m.Keys, m.Queries }

// Z implements plotter.GridXYZ.
func (m *Map) Z(c, r int) float64 { return m.At(r, c) }

// X implements plotter.GridXYZ.
func (m *Map) X(c int) float64 { return float64(c) }

// Y implements plotter.GridXYZ.
func (m *Map) Y(r int) float64 { return float64(m.Queries - 1 - r) }

// FromWeights extracts the map of the given example and head from weights shaped `[batch, heads, len_q, len_k]`.
// If head is AllHeads, the weights of all heads are averaged.
func FromWeights(weights *tensors.Tensor, example, head int) (*Map, error) {
	if weights == nil {
		return nil, errors.New("nil attention weights")
	}
	shape := weights.Shape()
	if shape.Rank() != 4 {
		return nil, errors.Errorf("attention weights must be shaped [batch, heads, len_q, len_k], got %s", shape)
	}
	batch, numHeads, lenQ, lenK := shape.Dimensions[0], shape.Dimensions[1], shape.Dimensions[2], shape.Dimensions[3]
	if example < 0 || example >= batch {
		return nil, errors.Errorf("example %d out of range for batch of %d", example, batch)
	}
	if head != AllHeads && (head < 0 || head >= numHeads) {
		return nil, errors.Errorf("head %d out of range for %d heads", head, numHeads)
	}

	var flat []float64
	switch shape.DType {
	case dtypes.Float64:
		flat = tensors.MustCopyFlatData[float64](weights)
	case dtypes.Float32:
		values := tensors.MustCopyFlatData[float32](weights)
		flat = make([]float64, len(values))
		for ii, v := range values {
			flat[ii] = float64(v)
		}
	default:
		return nil, errors.Errorf("attention weights must be float, got dtype %s", shape.DType)
	}

	m := &Map{Queries: lenQ, Keys: lenK, Values: make([]float64, lenQ*lenK)}
	mapSize := lenQ * lenK
	exampleOffset := example * numHeads * mapSize
	if head != AllHeads {
		copy(m.Values, flat[exampleOffset+head*mapSize:exampleOffset+(head+1)*mapSize])
		return m, nil
	}
	for h := range numHeads {
		for ii, v := range flat[exampleOffset+h*mapSize : exampleOffset+(h+1)*mapSize] {
			m.Values[ii] += v
		}
	}
	for ii := range m.Values {
		m.Values[ii] /= float64(numHeads)
	}
	return m, nil
}

// ClassTokenAttention returns the weights the class token (query 0) gives to the patch tokens, that is,
// excluding itself.
func ClassTokenAttention(m *Map) []float64 {
	out := make([]float64, m.Keys-1)
	for k := 1; k < m.Keys; k++ {
		out[k-1] = m.At(0, k)
	}
	return out
}

// Entropy returns the entropy (in nats) of the attention distribution of each query.
// Uniform attention over n keys has entropy ln(n), attention to a single key has entropy 0.
func Entropy(m *Map) []float64 {
	out := make([]float64, m.Queries)
	for q := range m.Queries {
		var h float64
		for k := range m.Keys {
			p := m.At(q, k)
			if p > 0 {
				h -= p * math.Log(p)
			}
		}
		out[q] = h
	}
	return out
}

// SavePNG draws the map as a heat map into the PNG file at path.
func SavePNG(m *Map, title, path string) error {
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".png" {
		return errors.Errorf("attention plot %q must have a .png extension", path)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "key"
	p.Y.Label.Text = "query"

	heatMap := plotter.NewHeatMap(m, palette.Heat(64, 1))
	heatMap.Min = 0
	heatMap.Max = 0
	for _, v := range m.Values {
		heatMap.Max = max(heatMap.Max, v)
	}
	if heatMap.Max == 0 {
		heatMap.Max = 1
	}
	p.Add(heatMap)

	size := vg.Length(max(m.Keys, m.Queries)) * 0.5 * vg.Centimeter
	size = max(size, 8*vg.Centimeter)
	if err := p.Save(size, size, path); err != nil {
		return errors.Wrapf(err, "failed to save attention plot to %q", path)
	}
	return nil
}
