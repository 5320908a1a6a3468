package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/synnergy-labs/conductor/internal/keystore"
	"github.com/synnergy-labs/conductor/pkg/utils"
)

// keystoreCmd creates and populates the keystore files the conductor's
// agents reference as AgentConfig.KeystoreFile — an offline operation,
// since the running conductor only ever resolves an already-unlocked
// keystore (internal/conductor.KeystoreResolver), never creates one.
func keystoreCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keystore", Short: "manage agent keystore files"}

	var seedBits int
	var agentID string
	create := &cobra.Command{
		Use:  "create [path]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := utils.EnvOrDefault("CONDUCTOR_PASSPHRASE", "")
			if passphrase == "" {
				return fmt.Errorf("set CONDUCTOR_PASSPHRASE before creating a keystore")
			}
			if agentID == "" {
				return fmt.Errorf("--agent is required")
			}

			ks, err := keystore.New(passphrase)
			if err != nil {
				return fmt.Errorf("new keystore: %w", err)
			}
			mnemonic, err := ks.AddRandomSeed("root", seedBits)
			if err != nil {
				return fmt.Errorf("generate root seed: %w", err)
			}
			if _, err := ks.AddSigningKeyFromSeed("root", agentID, agentID, 0); err != nil {
				return fmt.Errorf("derive signing key for agent %q: %w", agentID, err)
			}

			data, err := ks.Save()
			if err != nil {
				return fmt.Errorf("seal keystore: %w", err)
			}
			if err := os.WriteFile(args[0], data, 0o600); err != nil {
				return fmt.Errorf("write keystore file: %w", err)
			}

			fmt.Printf("keystore written to %s for agent %q\nrecovery mnemonic (store safely, shown once): %s\n", args[0], agentID, mnemonic)
			return nil
		},
	}
	create.Flags().IntVar(&seedBits, "seed-bits", 256, "entropy size of the generated root seed, in bits")
	create.Flags().StringVar(&agentID, "agent", "", "agent id the derived signing key belongs to (must match config.toml's agent id)")

	list := &cobra.Command{
		Use:  "list [path]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := utils.EnvOrDefault("CONDUCTOR_PASSPHRASE", "")
			if passphrase == "" {
				return fmt.Errorf("set CONDUCTOR_PASSPHRASE before opening a keystore")
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read keystore file: %w", err)
			}
			ks, err := keystore.Load(data, passphrase)
			if err != nil {
				return fmt.Errorf("unlock keystore: %w", err)
			}
			for _, id := range ks.List() {
				fmt.Println(id)
			}
			return nil
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}
