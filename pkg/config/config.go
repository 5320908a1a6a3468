package config

// Package config is a reusable loader for the conductor's configuration:
// file discovery, environment-variable overrides and a small YAML overlay
// file, layered on top of internal/conductor.Config — the same struct the
// running conductor validates and persists as config.toml.
//
// Version: v0.1.0

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/synnergy-labs/conductor/internal/conductor"
	"github.com/synnergy-labs/conductor/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig conductor.Config

// Load reads the conductor config file named by path (any format viper
// supports — toml, yaml, json), merges in CONDUCTOR_-prefixed environment
// variable overrides, and decodes the result into AppConfig using the
// struct's own "toml" tags rather than requiring a second "mapstructure"
// tag set. If a ".env" file is present in the working directory it is
// loaded first, so local development overrides reach os.Getenv the same
// way they would in a deployed environment.
func Load(path string) (*conductor.Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, utils.WrapConfigError(err, "load .env file")
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("conductor")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/conductor")
	}
	v.SetEnvPrefix("CONDUCTOR")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, utils.WrapConfigError(err, fmt.Sprintf("read config %q", path))
	}

	var cfg conductor.Config
	decodeTagAsTOML := func(dc *mapstructure.DecoderConfig) { dc.TagName = "toml" }
	if err := v.Unmarshal(&cfg, decodeTagAsTOML); err != nil {
		return nil, utils.WrapConfigError(err, "decode config")
	}
	AppConfig = cfg
	return &AppConfig, nil
}

// LoadFromEnv loads the file named by the CONDUCTOR_CONFIG environment
// variable. When it is unset or empty, Load searches the working directory
// and then /etc/conductor for a file named "conductor" in any format viper
// supports.
func LoadFromEnv() (*conductor.Config, error) {
	return Load(utils.EnvOrDefault("CONDUCTOR_CONFIG", ""))
}

// NetworkOverlay is a small YAML file operators can edit without touching
// the canonical config.toml, naming extra overlay bootstrap peers to merge
// into a loaded Config.Network.BootstrapNodes — e.g. a per-deployment list
// of rendezvous nodes rolled out independently of application config.
type NetworkOverlay struct {
	BootstrapNodes []string `yaml:"bootstrap_nodes"`
}

// LoadNetworkOverlay reads a NetworkOverlay YAML file from path.
func LoadNetworkOverlay(path string) (NetworkOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return NetworkOverlay{}, utils.WrapConfigError(err, fmt.Sprintf("read network overlay %q", path))
	}
	var overlay NetworkOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return NetworkOverlay{}, utils.WrapConfigError(err, fmt.Sprintf("parse network overlay %q", path))
	}
	return overlay, nil
}

// MergeNetworkOverlay appends overlay's bootstrap nodes onto cfg's, skipping
// any already present.
func MergeNetworkOverlay(cfg *conductor.Config, overlay NetworkOverlay) {
	existing := make(map[string]bool, len(cfg.Network.BootstrapNodes))
	for _, n := range cfg.Network.BootstrapNodes {
		existing[n] = true
	}
	for _, n := range overlay.BootstrapNodes {
		if !existing[n] {
			cfg.Network.BootstrapNodes = append(cfg.Network.BootstrapNodes, n)
			existing[n] = true
		}
	}
}
