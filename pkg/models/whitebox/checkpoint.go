// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package whitebox

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LoadCheckpoint attaches a checkpoint directory to ctx, before a model is created with it.
//
// If dir holds a checkpoint, its hyperparameters are loaded into ctx (except those in paramsSet, typically
// set from the command line) and its variables are loaded when the model first uses them. Otherwise, the
// directory is created, and Handler.Save can be used to save the model weights.
//
// Use ConfigFromContext afterwards to build the model the checkpoint was saved for.
func LoadCheckpoint(ctx *context.Context, dir string, paramsSet ...string) (*checkpoints.Handler, error) {
	handler, err := checkpoints.Build(ctx).Dir(dir).ExcludeParams(paramsSet...).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "while attaching checkpoint %q", dir)
	}
	klog.V(1).Infof("whitebox: attached checkpoint %s", handler)
	return handler, nil
}

// AttachCheckpoint attaches a checkpoint directory to the model context.
//
// Variables saved in the checkpoint are loaded (overwriting the current values), and the checkpoint
// hyperparameters must match the model configuration, or it fails with ErrInvalidConfiguration.
// A rejected checkpoint leaves the model untouched.
// If the directory has no checkpoint, it is created, and Handler.Save can be used to save the model weights.
func (m *Model) AttachCheckpoint(dir string) (*checkpoints.Handler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint != nil {
		return nil, errors.Errorf("model already has checkpoint %s attached", m.checkpoint)
	}
	if err := m.checkConfigIn(dir); err != nil {
		return nil, err
	}
	m.variables.Lock()
	defer m.variables.Unlock()
	handler, err := LoadCheckpoint(m.ctx, dir)
	if err != nil {
		return nil, err
	}
	m.checkpoint = handler
	return handler, nil
}

// checkConfigIn reads the checkpoint in dir, if any, into a scratch context and compares its
// configuration with the model's.
func (m *Model) checkConfigIn(dir string) error {
	scratch := context.New()
	handler, err := LoadCheckpoint(scratch, dir)
	if err != nil {
		return err
	}
	found, err := handler.HasCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "while reading checkpoint %q", dir)
	}
	if !found {
		return nil
	}
	saved, err := ConfigFromContext(scratch)
	if err != nil {
		return err
	}
	if saved != m.cfg {
		return errors.Wrapf(ErrInvalidConfiguration, "checkpoint %q was saved with configuration %+v, model has %+v",
			dir, saved, m.cfg)
	}
	return nil
}
