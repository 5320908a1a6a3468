package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	evanjsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cas"
	"github.com/synnergy-labs/conductor/internal/cerr"
)

// InstallBundle loads the bundle file at path, optionally merges a JSON
// patch into its properties, optionally copies it into the managed
// store under its content address, then updates, persists, and
// validates the config — container_api/src/container/admin.rs's
// install_dna_from_file, generalised from Holochain DNA files to opaque
// bundle blobs.
func (c *Conductor) InstallBundle(path, id string, copy bool, propertiesPatch json.RawMessage) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return cerr.Wrap(err, cerr.NotFound, "read bundle file "+path)
	}

	addr, err := address.Of(data)
	if err != nil {
		return cerr.Wrap(err, cerr.InternalFailure, "hash bundle file")
	}

	properties := json.RawMessage("{}")
	if len(propertiesPatch) > 0 {
		if !copy {
			return cerr.New(cerr.ValidationFailed, "install_bundle: properties patch given without copy=true")
		}
		merged, err := evanjsonpatch.MergePatch(properties, propertiesPatch)
		if err != nil {
			return cerr.Wrap(err, cerr.ValidationFailed, "merge bundle properties patch")
		}
		properties = merged
	}

	bundleFile := path
	if copy {
		c.mu.RLock()
		destDir := filepath.Join(c.cfg.PersistenceDir, "bundles")
		c.mu.RUnlock()
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return cerr.Wrap(err, cerr.InternalFailure, "create bundle store dir")
		}
		dest := filepath.Join(destDir, addr.String()+".bundle")
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return cerr.Wrap(err, cerr.InternalFailure, "copy bundle into managed store")
		}
		bundleFile = dest
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	candidate := c.cfg.Clone()
	candidate.Bundles = append(candidate.Bundles, BundleConfig{ID: id, File: bundleFile, Hash: addr.String(), Properties: properties})
	return c.persistLocked(candidate)
}

// UninstallBundle removes the bundle and every instance referencing it,
// stopping each instance first — uninstall_dna's order in
// container_api/src/container/admin.rs, which logs (but does not fail
// the overall uninstall on) a stop error.
func (c *Conductor) UninstallBundle(id string) error {
	c.mu.Lock()
	var dependents []string
	for _, inst := range c.cfg.Instances {
		if inst.Bundle == id {
			dependents = append(dependents, inst.ID)
		}
	}
	c.mu.Unlock()

	for _, instID := range dependents {
		if err := c.StopInstance(instID); err != nil && !cerr.Is(err, cerr.InstanceNotActiveYet) {
			c.logger.WithError(err).WithField("instance", instID).Warn("conductor: stop failed during bundle uninstall")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	candidate := c.cfg.Clone()
	candidate.Bundles = removeByID(candidate.Bundles, id, func(b BundleConfig) string { return b.ID })
	candidate.Instances = filterInstances(candidate.Instances, func(i InstanceConfig) bool { return i.Bundle != id })
	candidate.Bridges = filterBridges(candidate.Bridges, dependents)
	if err := c.persistLocked(candidate); err != nil {
		return err
	}
	for _, instID := range dependents {
		delete(c.instances, instID)
	}
	return nil
}

// AddInstance registers a new instance record from spec, persisting and
// validating the updated config before the instance is buildable.
func (c *Conductor) AddInstance(spec InstanceConfig) error {
	c.mu.Lock()
	if _, exists := c.instances[spec.ID]; exists {
		c.mu.Unlock()
		return cerr.New(cerr.InstanceAlreadyActive, fmt.Sprintf("instance %q already registered", spec.ID))
	}
	var agent AgentConfig
	for _, a := range c.cfg.Agents {
		if a.ID == spec.Agent {
			agent = a
			break
		}
	}
	candidate := c.cfg.Clone()
	candidate.Instances = append(candidate.Instances, spec)
	if err := c.persistLocked(candidate); err != nil {
		c.mu.Unlock()
		return err
	}
	logger := c.logger
	c.mu.Unlock()

	rec, err := c.buildInstance(spec, agent, logger)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.instances[spec.ID] = rec
	c.mu.Unlock()
	return nil
}

// RemoveInstance stops (if active) and removes the instance, refusing
// to remove one that any bridge still depends on.
func (c *Conductor) RemoveInstance(id string) error {
	c.mu.RLock()
	rec, ok := c.instances[id]
	c.mu.RUnlock()
	if !ok {
		return cerr.New(cerr.NotFound, "no such instance "+id)
	}
	rec.mu.Lock()
	refCount := rec.refCount
	rec.mu.Unlock()
	if refCount > 0 {
		return cerr.New(cerr.ValidationFailed, fmt.Sprintf("instance %q is bridged by %d caller(s)", id, refCount))
	}

	if err := c.StopInstance(id); err != nil && !cerr.Is(err, cerr.InstanceNotActiveYet) {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	candidate := c.cfg.Clone()
	candidate.Instances = filterInstances(candidate.Instances, func(i InstanceConfig) bool { return i.ID != id })
	candidate.Bridges = filterBridges(candidate.Bridges, []string{id})
	if err := c.persistLocked(candidate); err != nil {
		return err
	}
	delete(c.instances, id)
	return nil
}

// StartInstance runs the instance's application init workflow and
// marks it active; starting an already-active instance fails per
// spec.md §4.11.
func (c *Conductor) StartInstance(id string) error {
	c.mu.RLock()
	rec, ok := c.instances[id]
	c.mu.RUnlock()
	if !ok {
		return cerr.New(cerr.NotFound, "no such instance "+id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.active {
		return cerr.New(cerr.InstanceAlreadyActive, "instance "+id+" is already active")
	}

	dna, agentID, err := genesisEntries(rec)
	if err != nil {
		return err
	}
	if err := rec.engine.InitialiseApplication(dna, agentID); err != nil {
		return err
	}
	if rec.worker != nil {
		ctx, cancel := context.WithCancel(context.Background())
		rec.cancel = cancel
		rec.worker.Start(ctx)
	}
	rec.active = true
	return nil
}

// genesisEntries builds the two entries InitialiseApplication commits
// before running any zome init callback: the bundle's app_bundle entry
// and the agent's agent_id entry, per spec.md §4.5's "commits the DNA
// entry, then the AgentId entry".
func genesisEntries(rec *instanceRecord) (dna, agentID cas.Entry, err error) {
	dnaPayload, err := json.Marshal(struct {
		Bundle string `json:"bundle"`
	}{Bundle: rec.cfg.Bundle})
	if err != nil {
		return cas.Entry{}, cas.Entry{}, cerr.Wrap(err, cerr.SerializationFailed, "marshal app_bundle entry")
	}
	dna = cas.Entry{Type: cas.EntryAppBundle, Payload: dnaPayload}

	pubKey, err := rec.ks.PublicKey(rec.signingKey)
	if err != nil {
		return cas.Entry{}, cas.Entry{}, cerr.Wrap(err, cerr.InternalFailure, "resolve agent public key")
	}
	agentPayload, err := json.Marshal(cas.AgentIDPayload{Nickname: rec.agent.Name, PublicKey: pubKey})
	if err != nil {
		return cas.Entry{}, cas.Entry{}, cerr.Wrap(err, cerr.SerializationFailed, "marshal agent_id entry")
	}
	agentID = cas.Entry{Type: cas.EntryAgentID, Payload: agentPayload}
	return dna, agentID, nil
}

// StopInstance marks the instance inactive; stopping a not-yet-active
// instance fails per spec.md §4.11.
func (c *Conductor) StopInstance(id string) error {
	c.mu.RLock()
	rec, ok := c.instances[id]
	c.mu.RUnlock()
	if !ok {
		return cerr.New(cerr.NotFound, "no such instance "+id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.active {
		return cerr.New(cerr.InstanceNotActiveYet, "instance "+id+" is not active")
	}
	if rec.cancel != nil {
		rec.cancel()
		rec.cancel = nil
	}
	rec.active = false
	return nil
}

// AddBridge registers a named directed dependency allowing callerID's
// guest to call calleeID via handle.
func (c *Conductor) AddBridge(callerID, calleeID, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidate := c.cfg.Clone()
	candidate.Bridges = append(candidate.Bridges, BridgeConfig{CallerID: callerID, CalleeID: calleeID, Handle: handle})
	return c.persistLocked(candidate)
}

// RemoveBridge removes the named dependency, if present.
func (c *Conductor) RemoveBridge(callerID, calleeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidate := c.cfg.Clone()
	kept := candidate.Bridges[:0:0]
	for _, b := range candidate.Bridges {
		if b.CallerID == callerID && b.CalleeID == calleeID {
			continue
		}
		kept = append(kept, b)
	}
	candidate.Bridges = kept
	return c.persistLocked(candidate)
}

// persistLocked is persist, called with c.mu already held for writing.
func (c *Conductor) persistLocked(candidate Config) error {
	if err := candidate.Validate(); err != nil {
		return err
	}
	prior := c.cfg
	c.cfg = candidate.Clone()
	if err := c.store.Save(c.cfg); err != nil {
		c.cfg = prior
		return cerr.Wrap(err, cerr.InternalFailure, "persist config")
	}
	c.recomputeRefCounts()
	return nil
}

func removeByID[T any](items []T, id string, get func(T) string) []T {
	kept := items[:0:0]
	for _, item := range items {
		if get(item) != id {
			kept = append(kept, item)
		}
	}
	return kept
}

func filterInstances(items []InstanceConfig, keep func(InstanceConfig) bool) []InstanceConfig {
	kept := items[:0:0]
	for _, item := range items {
		if keep(item) {
			kept = append(kept, item)
		}
	}
	return kept
}

// filterBridges drops any bridge whose caller or callee is one of removedIDs.
func filterBridges(bridges []BridgeConfig, removedIDs []string) []BridgeConfig {
	removed := make(map[string]bool, len(removedIDs))
	for _, id := range removedIDs {
		removed[id] = true
	}
	kept := bridges[:0:0]
	for _, b := range bridges {
		if removed[b.CallerID] || removed[b.CalleeID] {
			continue
		}
		kept = append(kept, b)
	}
	return kept
}
