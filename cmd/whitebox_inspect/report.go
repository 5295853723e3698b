// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/crate-lab/whitebox/pkg/ml/blocks"
	"github.com/crate-lab/whitebox/pkg/models/whitebox"
	"github.com/crate-lab/whitebox/pkg/ui/attnplot"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// inspect runs the model on the images, and reports the model summary, the predictions and
// attention statistics per block to w.
//
// If plotsDir is not empty, the class-token attention maps (averaged over heads) of every block and example
// are saved there as PNG files.
func inspect(w io.Writer, model *whitebox.Model, images *tensors.Tensor, plotsDir string) error {
	inspection, err := model.AttentionWeights(images)
	if err != nil {
		return err
	}
	defer inspection.FinalizeAll()

	reportSummary(w, model)
	if err := reportPredictions(w, inspection.Logits); err != nil {
		return err
	}
	maps, err := averagedMaps(inspection.Weights)
	if err != nil {
		return err
	}
	reportAttention(w, maps)
	if model.Config().Kind == blocks.KindCRATE {
		if err := reportDrift(w, model); err != nil {
			return err
		}
	}
	if plotsDir != "" {
		return savePlots(plotsDir, maps)
	}
	return nil
}

func reportSummary(w io.Writer, model *whitebox.Model) {
	cfg := model.Config()
	var memory uintptr
	for v := range model.Context().IterVariables() {
		if v.Trainable {
			memory += v.Shape().Memory()
		}
	}
	seqLen, _ := model.SequenceLength()

	fmt.Fprintln(w, titleStyle.Render("Model"))
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Row("model", cfg.Kind.String())
	table.Row("# layers", humanize.Comma(int64(cfg.NumLayers)))
	table.Row("dims", humanize.Comma(int64(cfg.Dims)))
	table.Row("heads", humanize.Comma(int64(cfg.Heads)))
	table.Row("# classes", humanize.Comma(int64(cfg.NumClasses)))
	table.Row("sequence length", humanize.Comma(int64(seqLen)))
	table.Row("# parameters", humanize.Comma(int64(model.NumParameters())))
	table.Row("# bytes", humanize.Bytes(uint64(memory)))
	fmt.Fprintln(w, table.Render())
}

func reportPredictions(w io.Writer, logits *tensors.Tensor) error {
	values, err := toFloat64(logits)
	if err != nil {
		return err
	}
	numClasses := logits.Shape().Dimensions[1]
	fmt.Fprintln(w, titleStyle.Render("Predictions"))
	table := newTable(lipgloss.Right).Headers("example", "class", "logit")
	for example := range logits.Shape().Dimensions[0] {
		row := values[example*numClasses : (example+1)*numClasses]
		class := argMax(row)
		table.Row(humanize.Comma(int64(example)), humanize.Comma(int64(class)), fmt.Sprintf("%.4f", row[class]))
	}
	fmt.Fprintln(w, table.Render())
	return nil
}

// averagedMaps returns the attention maps averaged over heads, indexed by block and example.
func averagedMaps(weights []*tensors.Tensor) ([][]*attnplot.Map, error) {
	maps := make([][]*attnplot.Map, len(weights))
	for block, blockWeights := range weights {
		batchSize := blockWeights.Shape().Dimensions[0]
		maps[block] = make([]*attnplot.Map, batchSize)
		for example := range batchSize {
			m, err := attnplot.FromWeights(blockWeights, example, attnplot.AllHeads)
			if err != nil {
				return nil, errors.WithMessagef(err, "block #%d", block)
			}
			maps[block][example] = m
		}
	}
	return maps, nil
}

func reportAttention(w io.Writer, maps [][]*attnplot.Map) {
	fmt.Fprintln(w, titleStyle.Render("Attention"))
	table := newTable(lipgloss.Left, lipgloss.Right).
		Headers("block", "mean entropy", "class token max", "class token argmax")
	for block, blockMaps := range maps {
		var entropy, clsMax float64
		var count int
		argMaxes := make([]string, 0, len(blockMaps))
		for _, m := range blockMaps {
			for _, h := range attnplot.Entropy(m) {
				entropy += h
				count++
			}
			cls := attnplot.ClassTokenAttention(m)
			best := argMax(cls)
			clsMax += cls[best]
			argMaxes = append(argMaxes, humanize.Comma(int64(best)))
		}
		table.Row(whitebox.BlockScope(block),
			fmt.Sprintf("%.4f", entropy/float64(count)),
			fmt.Sprintf("%.4f", clsMax/float64(len(blockMaps))),
			fmt.Sprint(argMaxes))
	}
	fmt.Fprintln(w, table.Render())
}

func reportDrift(w io.Writer, model *whitebox.Model) error {
	drift, err := model.OrthogonalityDrift()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(drift))
	for name := range drift {
		names = append(names, name)
	}
	slices.Sort(names)
	fmt.Fprintln(w, titleStyle.Render("Orthogonality drift ‖MᵀM - I‖"))
	table := newTable(lipgloss.Left, lipgloss.Right)
	for _, name := range names {
		table.Row(name, fmt.Sprintf("%.3g", drift[name]))
	}
	fmt.Fprintln(w, table.Render())
	return nil
}

func savePlots(dir string, maps [][]*attnplot.Map) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create plots directory %q", dir)
	}
	var total int
	for _, blockMaps := range maps {
		total += len(blockMaps)
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("plots"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetTheme(progressbar.ThemeASCII))
	for block, blockMaps := range maps {
		for example, m := range blockMaps {
			path := filepath.Join(dir, fmt.Sprintf("%s_example_%03d.png", whitebox.BlockScope(block), example))
			title := fmt.Sprintf("%s, example #%d", whitebox.BlockScope(block), example)
			if err := attnplot.SavePNG(m, title, path); err != nil {
				return err
			}
			_ = bar.Add(1)
		}
	}
	_ = bar.Finish()
	klog.Infof("saved %d attention plots to %s", total, dir)
	return nil
}

// toFloat64 converts a float tensor to a flat []float64.
func toFloat64(t *tensors.Tensor) ([]float64, error) {
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
	}
	return nil, errors.Errorf("unsupported dtype %s", t.DType())
}

func argMax(values []float64) int {
	best := 0
	for ii, v := range values {
		if v > values[best] {
			best = ii
		}
	}
	return best
}

