package config

// Package config in cmd is a thin wrapper around pkg/config's loader,
// exposing the loaded conductor configuration via the AppConfig variable
// for command line tools and tests.

import (
	pkgconfig "github.com/synnergy-labs/conductor/pkg/config"
	"github.com/synnergy-labs/conductor/internal/conductor"
)

// AppConfig holds the currently loaded configuration for command line
// utilities. It mirrors pkg/config.AppConfig but is scoped to this
// package for convenience when writing CLI tools and tests.
var AppConfig conductor.Config

// LoadConfig loads the configuration file named by path (empty for the
// default search path) and stores it in AppConfig. Any errors during
// loading cause a panic, which is acceptable for command line
// initialisation where failure should abort execution.
func LoadConfig(path string) {
	cfg, err := pkgconfig.Load(path)
	if err != nil {
		panic(err)
	}
	AppConfig = *cfg
}
