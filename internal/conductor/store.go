package conductor

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/synnergy-labs/conductor/internal/cerr"
)

// FileConfigStore persists the canonicalised config.toml under a
// directory, per spec.md §6's "config.toml — canonicalised, sorted"
// persisted-state entry.
type FileConfigStore struct {
	path string
}

// NewFileConfigStore targets persistenceDir/config.toml.
func NewFileConfigStore(persistenceDir string) *FileConfigStore {
	return &FileConfigStore{path: filepath.Join(persistenceDir, "config.toml")}
}

func (s *FileConfigStore) Save(cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := toml.Marshal(sortedConfig(cfg))
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// LoadConfig reads a config.toml from path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, cerr.Wrap(err, cerr.ConfigError, "read config file "+path)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, cerr.Wrap(err, cerr.ConfigError, "parse config file "+path)
	}
	return cfg, nil
}

// sortedConfig returns cfg with every id-keyed collection sorted by id,
// so repeated saves of an equivalent config produce byte-identical
// output — the "canonicalised, sorted" requirement.
func sortedConfig(cfg Config) Config {
	out := cfg.Clone()
	sortByID(out.Agents, func(a AgentConfig) string { return a.ID })
	sortByID(out.Bundles, func(b BundleConfig) string { return b.ID })
	sortByID(out.Instances, func(i InstanceConfig) string { return i.ID })
	sortByID(out.Interfaces, func(i InterfaceConfig) string { return i.ID })
	sortByID(out.UIBundles, func(b UIBundleConfig) string { return b.ID })
	sortByID(out.UIInterfaces, func(i UIInterfaceConfig) string { return i.ID })
	sortBridges(out.Bridges)
	return out
}

func sortByID[T any](items []T, get func(T) string) {
	sort.Slice(items, func(i, j int) bool { return get(items[i]) < get(items[j]) })
}

func sortBridges(bridges []BridgeConfig) {
	sort.Slice(bridges, func(i, j int) bool { return bridgeKey(bridges[i]) < bridgeKey(bridges[j]) })
}

func bridgeKey(b BridgeConfig) string { return b.CallerID + "\x00" + b.CalleeID + "\x00" + b.Handle }
