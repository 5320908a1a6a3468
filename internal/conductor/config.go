// Package conductor implements the top-level process (C10): it owns
// instance records keyed by id, the bundle/agent/interface/bridge
// config those records are built from, and the startup ordering and
// validation rules that keep that config consistent, generalising
// container_api/src/container/admin.rs's ContainerAdmin and
// conductor_api/src/config.rs's check_consistency from the original
// Rust source into the teacher's config-struct-plus-validate idiom.
package conductor

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cerr"
)

// AgentConfig is one configured agent identity, per spec.md §6.
type AgentConfig struct {
	ID            string          `toml:"id" json:"id"`
	Name          string          `toml:"name" json:"name"`
	PublicAddress address.Address `toml:"public_address" json:"public_address"`
	KeystoreFile  string          `toml:"keystore_file" json:"keystore_file"`
	HoloRemoteKey string          `toml:"holo_remote_key,omitempty" json:"holo_remote_key,omitempty"`
}

// BundleConfig is one installed application bundle.
type BundleConfig struct {
	ID         string          `toml:"id" json:"id"`
	File       string          `toml:"file" json:"file"`
	Hash       string          `toml:"hash,omitempty" json:"hash,omitempty"`
	Properties json.RawMessage `toml:"properties,omitempty" json:"properties,omitempty"`
}

// StorageKind selects an instance's CAS/EAV backend.
type StorageKind string

const (
	StorageMemory StorageKind = "memory"
	StorageFile   StorageKind = "file"
	StoragePickle StorageKind = "pickle"
)

// StorageConfig is an instance's storage backend selection.
type StorageConfig struct {
	Kind StorageKind `toml:"kind" json:"kind"`
	Path string      `toml:"path,omitempty" json:"path,omitempty"`
}

// InstanceConfig is one running (bundle, agent) pairing.
type InstanceConfig struct {
	ID      string        `toml:"id" json:"id"`
	Bundle  string        `toml:"bundle" json:"bundle"`
	Agent   string        `toml:"agent" json:"agent"`
	Storage StorageConfig `toml:"storage" json:"storage"`
}

// DriverKind selects the transport a public interface listens on.
type DriverKind string

const (
	DriverWebsocket    DriverKind = "websocket"
	DriverHTTP         DriverKind = "http"
	DriverDomainSocket DriverKind = "domainsocket"
	DriverCustom       DriverKind = "custom"
)

// InterfaceDriver is the transport-specific half of an InterfaceConfig;
// exactly one of Port/File/CustomValue is meaningful, chosen by Kind.
type InterfaceDriver struct {
	Kind        DriverKind `toml:"kind" json:"kind"`
	Port        int        `toml:"port,omitempty" json:"port,omitempty"`
	File        string     `toml:"file,omitempty" json:"file,omitempty"`
	CustomValue string     `toml:"custom_value,omitempty" json:"custom_value,omitempty"`
}

// InterfaceConfig is one public RPC interface, per spec.md §6.
type InterfaceConfig struct {
	ID        string          `toml:"id" json:"id"`
	Driver    InterfaceDriver `toml:"driver" json:"driver"`
	Admin     bool            `toml:"admin,omitempty" json:"admin,omitempty"`
	Instances []string        `toml:"instances" json:"instances"`
}

// BridgeConfig registers a named directed dependency: CallerID's guest
// may `call` CalleeID's zome functions through Handle.
type BridgeConfig struct {
	CallerID string `toml:"caller_id" json:"caller_id"`
	CalleeID string `toml:"callee_id" json:"callee_id"`
	Handle   string `toml:"handle" json:"handle"`
}

// UIBundleConfig is a static-asset bundle served by a UIInterfaceConfig.
type UIBundleConfig struct {
	ID      string `toml:"id" json:"id"`
	RootDir string `toml:"root_dir" json:"root_dir"`
	Hash    string `toml:"hash,omitempty" json:"hash,omitempty"`
}

// UIInterfaceConfig serves a UIBundleConfig over HTTP, optionally
// fronting one DNAInterface (an InterfaceConfig id) for its API calls.
type UIInterfaceConfig struct {
	ID           string `toml:"id" json:"id"`
	Bundle       string `toml:"bundle" json:"bundle"`
	Port         int    `toml:"port" json:"port"`
	DNAInterface string `toml:"dna_interface,omitempty" json:"dna_interface,omitempty"`
}

// LoggerConfig selects the structured logger's level and per-target rules.
type LoggerConfig struct {
	Kind  string `toml:"kind,omitempty" json:"kind,omitempty"`
	Rules string `toml:"rules,omitempty" json:"rules,omitempty"`
}

// NetworkConfig is the overlay bootstrap configuration consumed by C9b.
type NetworkConfig struct {
	BootstrapNodes []string `toml:"bootstrap_nodes,omitempty" json:"bootstrap_nodes,omitempty"`
}

// DPKIConfig names the instance that performs distributed-PKI duties,
// if any is configured.
type DPKIConfig struct {
	InstanceID string          `toml:"instance_id" json:"instance_id"`
	InitParams json.RawMessage `toml:"init_params,omitempty" json:"init_params,omitempty"`
}

// Config is the full conductor configuration file, per spec.md §6.
type Config struct {
	Agents            []AgentConfig       `toml:"agents,omitempty" json:"agents,omitempty"`
	Bundles           []BundleConfig      `toml:"bundles,omitempty" json:"bundles,omitempty"`
	Instances         []InstanceConfig    `toml:"instances,omitempty" json:"instances,omitempty"`
	Interfaces        []InterfaceConfig   `toml:"interfaces,omitempty" json:"interfaces,omitempty"`
	Bridges           []BridgeConfig      `toml:"bridges,omitempty" json:"bridges,omitempty"`
	UIBundles         []UIBundleConfig    `toml:"ui_bundles,omitempty" json:"ui_bundles,omitempty"`
	UIInterfaces      []UIInterfaceConfig `toml:"ui_interfaces,omitempty" json:"ui_interfaces,omitempty"`
	Logger            LoggerConfig        `toml:"logger" json:"logger"`
	Network           NetworkConfig       `toml:"network" json:"network"`
	PersistenceDir    string              `toml:"persistence_dir" json:"persistence_dir"`
	SigningServiceURI string              `toml:"signing_service_uri,omitempty" json:"signing_service_uri,omitempty"`
	DPKI              *DPKIConfig         `toml:"dpki,omitempty" json:"dpki,omitempty"`
}

// Clone returns a deep-enough copy of c for the "config is byte-identical
// after a failed mutation" property (testable property 9): every slice
// a mutation might append/remove from is copied.
func (c Config) Clone() Config {
	out := c
	out.Agents = append([]AgentConfig(nil), c.Agents...)
	out.Bundles = append([]BundleConfig(nil), c.Bundles...)
	out.Instances = append([]InstanceConfig(nil), c.Instances...)
	out.Interfaces = append([]InterfaceConfig(nil), c.Interfaces...)
	out.Bridges = append([]BridgeConfig(nil), c.Bridges...)
	out.UIBundles = append([]UIBundleConfig(nil), c.UIBundles...)
	out.UIInterfaces = append([]UIInterfaceConfig(nil), c.UIInterfaces...)
	if c.DPKI != nil {
		dpki := *c.DPKI
		out.DPKI = &dpki
	}
	return out
}

func detectDupes(kind, collection string, ids []string) error {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return cerr.New(cerr.ConfigError, fmt.Sprintf("duplicate %s id %q in %s", kind, id, collection))
		}
		seen[id] = true
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Validate runs the consistency checks spec.md §4.11 requires on every
// mutation and before persist, grounded on check_consistency in
// conductor_api/src/config.rs: no duplicate ids among agents, bundles,
// instances, interfaces or ui_bundles (ui_interfaces and bridges are not
// checked for duplicates), every cross-reference resolves, the bridge graph is acyclic, and the DPKI
// instance (if any) exists.
func (c Config) Validate() error {
	agentIDs := ids(c.Agents, func(a AgentConfig) string { return a.ID })
	bundleIDs := ids(c.Bundles, func(b BundleConfig) string { return b.ID })
	instanceIDs := ids(c.Instances, func(i InstanceConfig) string { return i.ID })
	interfaceIDs := ids(c.Interfaces, func(i InterfaceConfig) string { return i.ID })
	uiBundleIDs := ids(c.UIBundles, func(b UIBundleConfig) string { return b.ID })

	if err := detectDupes("agent", "agents", agentIDs); err != nil {
		return err
	}
	if err := detectDupes("bundle", "bundles", bundleIDs); err != nil {
		return err
	}
	if err := detectDupes("instance", "instances", instanceIDs); err != nil {
		return err
	}
	if err := detectDupes("interface", "interfaces", interfaceIDs); err != nil {
		return err
	}
	if err := detectDupes("ui_bundle", "ui_bundles", uiBundleIDs); err != nil {
		return err
	}

	for _, inst := range c.Instances {
		if !contains(agentIDs, inst.Agent) {
			return cerr.New(cerr.ConfigError, fmt.Sprintf("instance %q references unknown agent %q", inst.ID, inst.Agent))
		}
		if !contains(bundleIDs, inst.Bundle) {
			return cerr.New(cerr.ConfigError, fmt.Sprintf("instance %q references unknown bundle %q", inst.ID, inst.Bundle))
		}
	}

	for _, iface := range c.Interfaces {
		for _, instID := range iface.Instances {
			if !contains(instanceIDs, instID) {
				return cerr.New(cerr.ConfigError, fmt.Sprintf("interface %q references unknown instance %q", iface.ID, instID))
			}
		}
	}

	for _, ui := range c.UIInterfaces {
		if !contains(uiBundleIDs, ui.Bundle) {
			return cerr.New(cerr.ConfigError, fmt.Sprintf("ui_interface %q references unknown ui_bundle %q", ui.ID, ui.Bundle))
		}
		if ui.DNAInterface != "" && !contains(interfaceIDs, ui.DNAInterface) {
			return cerr.New(cerr.ConfigError, fmt.Sprintf("ui_interface %q references unknown interface %q", ui.ID, ui.DNAInterface))
		}
	}

	for _, b := range c.Bridges {
		if !contains(instanceIDs, b.CallerID) {
			return cerr.New(cerr.ConfigError, fmt.Sprintf("bridge references unknown caller instance %q", b.CallerID))
		}
		if !contains(instanceIDs, b.CalleeID) {
			return cerr.New(cerr.ConfigError, fmt.Sprintf("bridge references unknown callee instance %q", b.CalleeID))
		}
	}
	if _, err := bridgeStartupOrder(instanceIDs, c.Bridges); err != nil {
		return err
	}

	if c.DPKI != nil && !contains(instanceIDs, c.DPKI.InstanceID) {
		return cerr.New(cerr.ConfigError, fmt.Sprintf("dpki references unknown instance %q", c.DPKI.InstanceID))
	}

	return nil
}

func ids[T any](items []T, get func(T) string) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = get(item)
	}
	return out
}

// bridgeStartupOrder returns instanceIDs ordered so that every callee
// precedes every caller that bridges to it (edges run caller -> callee),
// via an explicit depth-first post-order walk — no graph library: a
// node is appended to order only after every instance it depends on
// has already been appended, which is exactly the reverse-toposort the
// original Rust source computed with petgraph. A node revisited while
// still on the current walk's stack (gray) means a cycle.
func bridgeStartupOrder(instanceIDs []string, bridges []BridgeConfig) ([]string, error) {
	dependsOn := make(map[string][]string, len(bridges))
	for _, b := range bridges {
		dependsOn[b.CallerID] = append(dependsOn[b.CallerID], b.CalleeID)
	}

	const (
		white = iota
		gray
		black
	)
	state := make(map[string]int, len(instanceIDs))
	order := make([]string, 0, len(instanceIDs))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case black:
			return nil
		case gray:
			return cerr.New(cerr.ConfigError, "cyclic dependency in bridge configuration")
		}
		state[id] = gray
		callees := append([]string(nil), dependsOn[id]...)
		sort.Strings(callees) // deterministic order among independent siblings
		for _, callee := range callees {
			if err := visit(callee); err != nil {
				return err
			}
		}
		state[id] = black
		order = append(order, id)
		return nil
	}

	sorted := append([]string(nil), instanceIDs...)
	sort.Strings(sorted)
	for _, id := range sorted {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}
