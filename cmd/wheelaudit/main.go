package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ochairo/wheelaudit/internal/config"
)

// errAuditFailed is returned after the report was printed; main only sets the exit code
var errAuditFailed = errors.New("audit failed")

// rootOptions are the persistent flags shared by every subcommand
type rootOptions struct {
	configPath string
	logLevel   string
	jsonOutput bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errAuditFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "wheelaudit",
		Short: "Audit and repair Linux binaries for manylinux/musllinux compatibility",
		Long: `wheelaudit inspects ELF shared objects and executables, resolves their
shared-library dependencies the way the dynamic loader would, and checks them
against the manylinux and musllinux compatibility policies.

In repair mode, libraries outside a policy's whitelist are copied into the
artifact under hash-suffixed names and the binary is patched to load them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Print results as JSON")

	cmd.AddCommand(
		newAuditCmd(opts, "check"),
		newAuditCmd(opts, "repair"),
		newPoliciesCmd(opts),
		newInspectCmd(opts),
	)
	return cmd
}

// loadConfig layers the config file, the environment and the persistent flags
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.jsonOutput {
		// keep stdout machine readable
		cfg.Log.Pretty = false
	}
	return cfg, nil
}
