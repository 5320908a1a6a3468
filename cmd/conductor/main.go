// Command conductor runs the conductor process: it loads a config.toml,
// builds every configured instance, starts them in bridge-dependency
// order, serves the configured public interfaces, and shuts down
// cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/synnergy-labs/conductor/internal/cliutil"
	"github.com/synnergy-labs/conductor/internal/conductor"
	"github.com/synnergy-labs/conductor/internal/logging"
	pkgconfig "github.com/synnergy-labs/conductor/pkg/config"
)

// Exit codes per spec.md §6.
const (
	exitClean           = 0
	exitConfigInvalid   = 1
	exitRuntimeFailure  = 2
	exitKeystoreFailure = 3
)

func main() {
	var configPath, logLevel string

	root := &cobra.Command{
		Use:   "conductor",
		Short: "run the conductor process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to config.toml (default: search ./conductor.toml, /etc/conductor)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	err := root.Execute()
	os.Exit(exitFor(err))
}

// exitFor maps a run() failure onto spec.md §6's exit code table.
func exitFor(err error) int {
	switch {
	case err == nil:
		return exitClean
	case isKeystoreFailure(err):
		return exitKeystoreFailure
	case isConfigFailure(err):
		return exitConfigInvalid
	default:
		return exitRuntimeFailure
	}
}

type configFailure struct{ cause error }

func (e *configFailure) Error() string { return "config: " + e.cause.Error() }
func (e *configFailure) Unwrap() error { return e.cause }

func isConfigFailure(err error) bool {
	_, ok := err.(*configFailure)
	return ok
}

type keystoreFailure struct{ cause error }

func (e *keystoreFailure) Error() string { return "keystore: " + e.cause.Error() }
func (e *keystoreFailure) Unwrap() error { return e.cause }

func isKeystoreFailure(err error) bool {
	_, ok := err.(*keystoreFailure)
	return ok
}

func run(configPath, logLevel string) error {
	logger := logging.New(logLevel, os.Stderr)

	cfg, err := pkgconfig.Load(configPath)
	if err != nil {
		logger.WithError(err).Error("conductor: load config")
		return &configFailure{cause: err}
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Error("conductor: config failed validation")
		return &configFailure{cause: err}
	}

	c, keystores, err := cliutil.Build(*cfg, conductor.Options{Logger: logger})
	if err != nil {
		if keystores.Failed {
			logger.WithError(err).Error("conductor: resolve agent keystore")
			return &keystoreFailure{cause: err}
		}
		logger.WithError(err).Error("conductor: build conductor")
		return &configFailure{cause: err}
	}

	if err := c.StartAll(); err != nil {
		logger.WithError(err).Error("conductor: start instances")
		return fmt.Errorf("start instances: %w", err)
	}

	ifaces, err := startInterfaces(c, cfg.Interfaces, logger)
	if err != nil {
		logger.WithError(err).Error("conductor: start interfaces")
		return fmt.Errorf("start interfaces: %w", err)
	}

	logger.Info("conductor: running")
	waitForShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, iface := range ifaces {
		if err := iface.Close(ctx); err != nil {
			logger.WithError(err).Warn("conductor: interface close")
		}
	}
	if err := c.StopAll(); err != nil {
		logger.WithError(err).Error("conductor: stop instances")
		return fmt.Errorf("stop instances: %w", err)
	}
	logger.Info("conductor: clean shutdown")
	return nil
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// closer is the common shutdown surface of conductor.HTTPInterface and
// conductor.DomainSocketInterface.
type closer interface {
	Close(ctx context.Context) error
}

// startInterfaces starts every configured public interface whose driver
// kind this binary knows how to serve, per spec.md §6's driver table.
func startInterfaces(c *conductor.Conductor, ifaces []conductor.InterfaceConfig, logger *logrus.Logger) ([]closer, error) {
	started := make([]closer, 0, len(ifaces))
	for _, iface := range ifaces {
		switch iface.Driver.Kind {
		case conductor.DriverHTTP:
			h := conductor.NewHTTPInterface(c, iface, logger)
			if err := h.Start(); err != nil {
				return started, fmt.Errorf("start http interface %q: %w", iface.ID, err)
			}
			started = append(started, h)
		case conductor.DriverDomainSocket:
			d, err := conductor.NewDomainSocketInterface(c, iface, logger)
			if err != nil {
				return started, fmt.Errorf("build domain socket interface %q: %w", iface.ID, err)
			}
			if err := d.Start(); err != nil {
				return started, fmt.Errorf("start domain socket interface %q: %w", iface.ID, err)
			}
			started = append(started, d)
		default:
			logger.WithField("interface", iface.ID).WithField("driver", iface.Driver.Kind).
				Warn("conductor: driver kind not implemented by this binary, skipping")
		}
	}
	return started, nil
}
