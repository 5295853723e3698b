// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package testbackend holds a cached backend for the tests of the whitebox packages.
package testbackend

import (
	"fmt"
	"os"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/janpfeifer/must"
)

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
)

// Build returns the backend shared by all tests.
//
// It defaults to the pure Go "simplego" backend, so tests don't require XLA/PJRT to be installed.
// It can be overwritten with the GOMLX_BACKEND environment variable.
func Build() backends.Backend {
	backendOnce.Do(func() {
		config := simplego.BackendName
		if envConfig, found := os.LookupEnv(backends.ConfigEnvVar); found && envConfig != "" {
			config = envConfig
		}
		cachedBackend = must.M1(backends.NewWithConfig(config))
		fmt.Printf("Backend: %s\n", cachedBackend.Description())
	})
	return cachedBackend
}
