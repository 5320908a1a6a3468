// Command conductor-admin is an offline administration CLI: it loads the
// same config.toml a running conductor would, performs one admin
// operation against it, persists the result, and exits — for operators
// who want to edit the running config without going through a live
// JSON-RPC interface.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/synnergy-labs/conductor/internal/cliutil"
	"github.com/synnergy-labs/conductor/internal/conductor"
	"github.com/synnergy-labs/conductor/internal/logging"
	pkgconfig "github.com/synnergy-labs/conductor/pkg/config"
)

var configPath string

func main() {
	root := &cobra.Command{Use: "conductor-admin"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: search ./conductor.toml, /etc/conductor)")
	root.AddCommand(instanceCmd(), bundleCmd(), bridgeCmd(), keystoreCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConductor() (*conductor.Conductor, error) {
	cfg, err := pkgconfig.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New("warn", os.Stderr)
	c, _, err := cliutil.Build(*cfg, conductor.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("build conductor: %w", err)
	}
	return c, nil
}

func instanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "instance", Short: "manage instances"}

	var bundle, agent string
	add := &cobra.Command{
		Use:  "add [id]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConductor()
			if err != nil {
				return err
			}
			return c.AddInstance(conductor.InstanceConfig{ID: args[0], Bundle: bundle, Agent: agent})
		},
	}
	add.Flags().StringVar(&bundle, "bundle", "", "installed bundle id")
	add.Flags().StringVar(&agent, "agent", "", "configured agent id")

	remove := &cobra.Command{
		Use:  "remove [id]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConductor()
			if err != nil {
				return err
			}
			return c.RemoveInstance(args[0])
		},
	}

	start := &cobra.Command{
		Use:  "start [id]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConductor()
			if err != nil {
				return err
			}
			return c.StartInstance(args[0])
		},
	}

	stop := &cobra.Command{
		Use:  "stop [id]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConductor()
			if err != nil {
				return err
			}
			return c.StopInstance(args[0])
		},
	}

	list := &cobra.Command{
		Use: "list",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConductor()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(c.Instances(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.AddCommand(add, remove, start, stop, list)
	return cmd
}

func bundleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bundle", Short: "manage installed bundles"}

	var copyIntoStore bool
	var propertiesPatch string
	install := &cobra.Command{
		Use:  "install [path] [id]",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConductor()
			if err != nil {
				return err
			}
			var patch json.RawMessage
			if propertiesPatch != "" {
				patch = json.RawMessage(propertiesPatch)
			}
			return c.InstallBundle(args[0], args[1], copyIntoStore, patch)
		},
	}
	install.Flags().BoolVar(&copyIntoStore, "copy", false, "copy the bundle file into the managed store")
	install.Flags().StringVar(&propertiesPatch, "properties", "", "JSON merge patch applied to the bundle's properties (requires --copy)")

	uninstall := &cobra.Command{
		Use:  "uninstall [id]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConductor()
			if err != nil {
				return err
			}
			return c.UninstallBundle(args[0])
		},
	}

	cmd.AddCommand(install, uninstall)
	return cmd
}

func bridgeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bridge", Short: "manage inter-instance bridges"}

	add := &cobra.Command{
		Use:  "add [caller_id] [callee_id] [handle]",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConductor()
			if err != nil {
				return err
			}
			return c.AddBridge(args[0], args[1], args[2])
		},
	}

	remove := &cobra.Command{
		Use:  "remove [caller_id] [callee_id]",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConductor()
			if err != nil {
				return err
			}
			return c.RemoveBridge(args[0], args[1])
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}
