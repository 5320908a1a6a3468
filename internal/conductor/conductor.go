package conductor

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/conductor/internal/cerr"
	"github.com/synnergy-labs/conductor/internal/hostabi"
	"github.com/synnergy-labs/conductor/internal/keystore"
	"github.com/synnergy-labs/conductor/internal/p2p/server"
)

// KeystoreResolver hands a Conductor the already-unlocked keystore and
// signing-key id for a configured agent. Loading/passphrase prompting is
// a CLI concern (cmd/cli/keystore.go), not the conductor's.
type KeystoreResolver interface {
	Resolve(agentID string) (ks *keystore.Keystore, signingKeyID string, err error)
}

// ConfigStore persists the canonicalised config, per spec.md §6's
// "config.toml — canonicalised, sorted" persisted-state entry.
type ConfigStore interface {
	Save(cfg Config) error
}

// noopConfigStore is used when a Conductor is built without a store
// (tests, or an in-memory-only run); Save is then a deliberate no-op.
type noopConfigStore struct{}

func (noopConfigStore) Save(Config) error { return nil }

// Options bundles the dependencies a Conductor needs beyond the config
// itself.
type Options struct {
	Keystores KeystoreResolver
	Store     ConfigStore
	Peers     hostabi.PeerSender // nil: Send fails at once with a Timeout error, per hostabi.Runtime's own default
	Logger    *logrus.Logger
}

// Conductor owns instance records keyed by id, the config they were
// built from, and the admin operations of spec.md §4.11, generalising
// container_api/src/container/admin.rs's ContainerAdmin into Go methods
// over a mutex-guarded struct instead of a borrow-checked Rust Container.
type Conductor struct {
	mu    sync.RWMutex
	cfg   Config
	store ConfigStore

	keystores KeystoreResolver
	peers     hostabi.PeerSender
	logger    *logrus.Logger

	// core is the in-process overlay registry (C9a) every instance's
	// worker (C9b), if any, joins under its own Space. hubURL is empty
	// when cfg.Network names no bootstrap node, in which case no
	// instance gets a worker and Send/PublishEntry fall back to peers
	// and the workflow engine's no-op Publisher respectively.
	core   *server.Server
	hubURL string

	instances map[string]*instanceRecord
}

// New validates cfg, then builds (but does not start) an instanceRecord
// for every configured instance.
func New(cfg Config, opts Options) (*Conductor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	store := opts.Store
	if store == nil {
		store = noopConfigStore{}
	}
	if opts.Keystores == nil {
		return nil, cerr.New(cerr.ConfigError, "conductor: no keystore resolver supplied")
	}

	var hubURL string
	if len(cfg.Network.BootstrapNodes) > 0 {
		hubURL = cfg.Network.BootstrapNodes[0]
	}

	c := &Conductor{
		cfg:       cfg.Clone(),
		store:     store,
		keystores: opts.Keystores,
		peers:     opts.Peers,
		logger:    logger,
		core:      server.New(logger),
		hubURL:    hubURL,
		instances: make(map[string]*instanceRecord),
	}

	agentsByID := make(map[string]AgentConfig, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agentsByID[a.ID] = a
	}
	for _, inst := range cfg.Instances {
		rec, err := c.buildInstance(inst, agentsByID[inst.Agent], logger)
		if err != nil {
			return nil, err
		}
		c.instances[inst.ID] = rec
	}
	c.recomputeRefCounts()
	return c, nil
}

func (c *Conductor) recomputeRefCounts() {
	for _, rec := range c.instances {
		rec.refCount = 0
	}
	for _, b := range c.cfg.Bridges {
		if rec, ok := c.instances[b.CalleeID]; ok {
			rec.refCount++
		}
	}
}

// Config returns a copy of the conductor's current configuration.
func (c *Conductor) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Clone()
}

// Instances lists the currently-known instance ids and their active flag.
func (c *Conductor) Instances() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.instances))
	for id, rec := range c.instances {
		rec.mu.Lock()
		out[id] = rec.active
		rec.mu.Unlock()
	}
	return out
}

// StartAll spawns every configured instance in bridge-dependency order
// (callees before callers), per spec.md §4.11's startup-ordering rule.
func (c *Conductor) StartAll() error {
	c.mu.RLock()
	ids := make([]string, 0, len(c.instances))
	for id := range c.instances {
		ids = append(ids, id)
	}
	order, err := bridgeStartupOrder(ids, c.cfg.Bridges)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	for _, id := range order {
		if err := c.StartInstance(id); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every active instance in the reverse of start order, so
// callers stop before the callees they depend on.
func (c *Conductor) StopAll() error {
	c.mu.RLock()
	ids := make([]string, 0, len(c.instances))
	for id := range c.instances {
		ids = append(ids, id)
	}
	order, err := bridgeStartupOrder(ids, c.cfg.Bridges)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	for i := len(order) - 1; i >= 0; i-- {
		if err := c.StopInstance(order[i]); err != nil && !cerr.Is(err, cerr.InstanceNotActiveYet) {
			return err
		}
	}
	return nil
}
