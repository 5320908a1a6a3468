// Package cliutil is the shared plumbing between the conductor's
// command-line entrypoints (cmd/conductor, cmd/cli): resolving each
// configured agent's keystore from disk and an environment-supplied
// passphrase. internal/conductor deliberately stays agnostic of how a
// caller obtains a keystore — that loading/passphrase-prompting concern
// belongs at the CLI boundary, per internal/conductor.KeystoreResolver's
// own doc comment.
package cliutil

import (
	"fmt"
	"os"

	"github.com/synnergy-labs/conductor/internal/conductor"
	"github.com/synnergy-labs/conductor/internal/keystore"
	"github.com/synnergy-labs/conductor/pkg/utils"
)

// FileKeystores resolves each agent's keystore by reading its configured
// KeystoreFile and unlocking it with a passphrase from the
// CONDUCTOR_PASSPHRASE_<AGENT_ID> environment variable, falling back to
// CONDUCTOR_PASSPHRASE. Keystores are opened once per file and cached,
// since several instances may run against the same agent.
type FileKeystores struct {
	agents map[string]conductor.AgentConfig
	opened map[string]*keystore.Keystore
	Failed bool
}

// NewFileKeystores indexes agents by id for Resolve.
func NewFileKeystores(agents []conductor.AgentConfig) *FileKeystores {
	byID := make(map[string]conductor.AgentConfig, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	return &FileKeystores{agents: byID, opened: make(map[string]*keystore.Keystore)}
}

func (f *FileKeystores) Resolve(agentID string) (*keystore.Keystore, string, error) {
	agent, ok := f.agents[agentID]
	if !ok {
		f.Failed = true
		return nil, "", fmt.Errorf("no configured agent %q", agentID)
	}
	if ks, ok := f.opened[agent.KeystoreFile]; ok {
		return ks, agentID, nil
	}
	if agent.KeystoreFile == "" {
		f.Failed = true
		return nil, "", fmt.Errorf("agent %q has no keystore_file configured", agentID)
	}

	data, err := os.ReadFile(agent.KeystoreFile)
	if err != nil {
		f.Failed = true
		return nil, "", fmt.Errorf("read keystore file for agent %q: %w", agentID, err)
	}
	passphrase := utils.EnvOrDefault("CONDUCTOR_PASSPHRASE_"+agentID, utils.EnvOrDefault("CONDUCTOR_PASSPHRASE", ""))
	if passphrase == "" {
		f.Failed = true
		return nil, "", fmt.Errorf("no passphrase set for agent %q (CONDUCTOR_PASSPHRASE or CONDUCTOR_PASSPHRASE_%s)", agentID, agentID)
	}
	ks, err := keystore.Load(data, passphrase)
	if err != nil {
		f.Failed = true
		return nil, "", fmt.Errorf("unlock keystore for agent %q: %w", agentID, err)
	}
	f.opened[agent.KeystoreFile] = ks
	return ks, agentID, nil
}

// Build constructs a Conductor from an already-loaded cfg (conductor.New
// validates it), wired to a FileKeystores resolver and (if PersistenceDir
// is set and base names no Store) a conductor.FileConfigStore. Shared by
// every cmd/cli subcommand and cmd/conductor's run loop so keystore and
// store wiring follow one code path.
func Build(cfg conductor.Config, base conductor.Options) (*conductor.Conductor, *FileKeystores, error) {
	keystores := NewFileKeystores(cfg.Agents)
	opts := base
	opts.Keystores = keystores
	if opts.Store == nil && cfg.PersistenceDir != "" {
		opts.Store = conductor.NewFileConfigStore(cfg.PersistenceDir)
	}
	c, err := conductor.New(cfg, opts)
	return c, keystores, err
}
