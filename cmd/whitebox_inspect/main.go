// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// whitebox_inspect runs a ViT or CRATE classifier on a batch of images and reports its predictions and the
// attention of each block, optionally saving the attention maps as PNG files.
//
// The model hyperparameters are set with -set, e.g.:
//
//	$ whitebox_inspect -set="model=crate;dims=64;heads=4;num_layers=6" -plots=/tmp/attention image1.jpg image2.png
//
// Without image files, a batch of random images is used. With -checkpoint, the weights (and hyperparameters)
// are loaded from the checkpoint, or a new checkpoint is created with the freshly initialized weights.
package main

import (
	"flag"
	"os"

	"github.com/crate-lab/whitebox/pkg/models/whitebox"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagCheckpoint = flag.String("checkpoint", "", "Directory to load the model from. "+
		"If it has no checkpoint, one is created with the initial weights.")
	flagPlots    = flag.String("plots", "", "Directory where to save the attention maps of each block, if set.")
	flagSize     = flag.Int("size", 32, "Images are resized (and center-cropped) to size x size pixels.")
	flagBatch    = flag.Int("batch", 2, "Number of random images to use, if no image files are given.")
	flagChannels = flag.Int("channels", 3, "Number of channels of the random images, if no image files are given.")
	flagSeed     = flag.Uint64("random_seed", 1, "Seed for the random images.")
)

// createDefaultContext sets the context with the default hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	whitebox.DefaultConfig().SetParams(ctx)
	ctx.SetParam(context.ParamInitialSeed, int64(42))
	return ctx
}

func main() {
	// Flags with context settings.
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		checkpoint = must.M1(whitebox.LoadCheckpoint(ctx, *flagCheckpoint, paramsSet...))
		if must.M1(checkpoint.HasCheckpoints()) {
			// Weights are loaded, nothing to save.
			checkpoint = nil
		}
	}
	cfg, err := whitebox.ConfigFromContext(ctx)
	if err != nil {
		klog.Fatalf("Invalid model configuration: %+v", err)
	}

	backend := backends.MustNew()
	klog.Infof("Backend: %s", backend.Description())
	model := must.M1(whitebox.NewWithContext(backend, ctx, cfg))
	defer model.Finalize()

	var images *tensors.Tensor
	if flag.NArg() > 0 {
		images, err = loadImages(flag.Args(), *flagSize, cfg.DType)
		if err != nil {
			klog.Fatalf("%+v", err)
		}
	} else {
		images = randomImages(*flagSeed, *flagBatch, *flagSize, *flagChannels, cfg.DType)
	}

	if err := inspect(os.Stdout, model, images, *flagPlots); err != nil {
		klog.Fatalf("Failed to inspect model: %+v", err)
	}
	if checkpoint != nil {
		if err := checkpoint.Save(); err != nil {
			klog.Fatalf("Failed to save checkpoint: %+v", err)
		}
		klog.Infof("Saved initial weights to %s", checkpoint)
	}
}
