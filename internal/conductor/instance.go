package conductor

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/capability"
	"github.com/synnergy-labs/conductor/internal/cas"
	"github.com/synnergy-labs/conductor/internal/cerr"
	"github.com/synnergy-labs/conductor/internal/chain"
	"github.com/synnergy-labs/conductor/internal/dht"
	"github.com/synnergy-labs/conductor/internal/hostabi"
	"github.com/synnergy-labs/conductor/internal/keystore"
	"github.com/synnergy-labs/conductor/internal/p2p/server"
	"github.com/synnergy-labs/conductor/internal/p2p/worker"
	"github.com/synnergy-labs/conductor/internal/workflow"
)

// instanceRecord is one of the conductor's owned instance records:
// the instance's handle (its Runtime and workflow Engine), a lock
// serialising lifecycle transitions, and the reference count of
// bridges that depend on it — a callee cannot be removed while any
// caller still bridges to it.
type instanceRecord struct {
	mu       sync.Mutex
	cfg      InstanceConfig
	active   bool
	refCount int

	entries *cas.Store
	index   *cas.Index
	chain   *chain.Chain
	shard   *dht.Shard
	capEng  *capability.Engine
	runtime *hostabi.Runtime
	engine  *workflow.Engine

	// worker is this instance's C9b overlay connection, nil when the
	// conductor has no hub configured (cfg.Network.BootstrapNodes
	// empty); cancel tears down its connect/resend goroutines.
	worker *worker.Worker
	cancel context.CancelFunc

	agent      AgentConfig
	signingKey string
	ks         *keystore.Keystore
}

// bridgeResolver adapts one instance's view of the conductor's bridge
// table into the hostabi.InstanceResolver a Runtime needs: the handle a
// bridged call names only resolves against bridges this instance is the
// caller of.
type bridgeResolver struct {
	conductor *Conductor
	callerID  string
}

func (r bridgeResolver) ResolveInstance(handle string) (hostabi.Callable, bool) {
	return r.conductor.resolveBridge(r.callerID, handle)
}

func (c *Conductor) resolveBridge(callerID, handle string) (hostabi.Callable, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, b := range c.cfg.Bridges {
		if b.CallerID == callerID && b.Handle == handle {
			rec, ok := c.instances[b.CalleeID]
			if !ok {
				return nil, false
			}
			return rec.runtime, true
		}
	}
	return nil, false
}

// buildStorage constructs the CAS backend an instance's storage config
// names, per spec.md §6's "storage{kind=memory|file|pickle, path?}".
func buildStorage(cfg StorageConfig) (cas.Backend, error) {
	switch cfg.Kind {
	case "", StorageMemory:
		return cas.NewMemoryBackend(), nil
	case StorageFile:
		return cas.NewFileBackend(cfg.Path)
	case StoragePickle:
		return cas.NewPickleBackend(cfg.Path)
	default:
		return nil, cerr.New(cerr.ConfigError, "unknown storage kind "+string(cfg.Kind))
	}
}

// subPath returns cfg with Path rooted under an extra path element, so
// entries and chain headers land in the separate "cas/" and "chain/"
// subdirectories spec.md §6's persisted-state layout names (file/pickle
// storage only; memory storage ignores Path).
func subPath(cfg StorageConfig, elem string) StorageConfig {
	if cfg.Path == "" {
		return cfg
	}
	out := cfg
	out.Path = filepath.Join(cfg.Path, elem)
	return out
}

// buildInstance wires one instance's full local stack — CAS/EAV,
// source chain, DHT shard, capability engine, guest host runtime, and
// workflow engine — the same construction the hostabi/workflow package
// fixtures use, generalised to run once per (bundle, agent) pair rather
// than once per test.
func (c *Conductor) buildInstance(spec InstanceConfig, agent AgentConfig, logger *logrus.Logger) (*instanceRecord, error) {
	backend, err := buildStorage(subPath(spec.Storage, "cas"))
	if err != nil {
		return nil, err
	}
	entries := cas.NewStore(backend)
	index := cas.NewIndex()
	headerBackend, err := buildStorage(subPath(spec.Storage, "chain"))
	if err != nil {
		return nil, err
	}
	ch := chain.New(entries, headerBackend)
	shard := dht.New(entries, index)

	grantStore := capability.NewChainGrantStore(entries, ch)
	pubkeys := capability.NewChainPubKeyResolver(entries)
	capEng := capability.New(grantStore, pubkeys)

	ks, signingKey, err := c.keystores.Resolve(agent.ID)
	if err != nil {
		return nil, cerr.Wrap(err, cerr.InternalFailure, "resolve agent keystore")
	}

	peers := c.peers
	var publisher workflow.Publisher
	var w *worker.Worker
	if c.hubURL != "" {
		w = worker.New(worker.Config{
			HubURL:       c.hubURL,
			Space:        server.Space(spec.Bundle),
			AgentAddress: agent.PublicAddress,
			SigningKeyID: signingKey,
		}, worker.NewWebSocketDialer(), c.core, shard, ks, logger)
		peers = worker.NewDirectSender(w)
		publisher = worker.NewEntryPublisher(w, agent.PublicAddress)
	}

	rt := hostabi.New(hostabi.Config{
		Identity: hostabi.Identity{
			AppName:      spec.Bundle,
			AppAddress:   address.Address("app:" + spec.Bundle),
			AgentID:      agent.ID,
			AgentAddress: agent.PublicAddress,
			PublicToken:  capability.PublicToken,
		},
		SigningKey: signingKey,
		Entries:    entries,
		Index:      index,
		Chain:      ch,
		Shard:      shard,
		Capability: capEng,
		Keystore:   ks,
		SelfHandle: spec.ID,
		Resolver:   bridgeResolver{conductor: c, callerID: spec.ID},
		Peers:      peers,
		Logger:     logger,
	})

	engine := workflow.New(workflow.Config{
		Runtime:   rt,
		Shard:     shard,
		Publisher: publisher,
		Logger:    logger,
	})

	return &instanceRecord{
		cfg:        spec,
		entries:    entries,
		index:      index,
		chain:      ch,
		shard:      shard,
		capEng:     capEng,
		runtime:    rt,
		engine:     engine,
		worker:     w,
		agent:      agent,
		signingKey: signingKey,
		ks:         ks,
	}, nil
}
