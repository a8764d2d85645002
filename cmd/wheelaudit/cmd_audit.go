package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ochairo/wheelaudit/internal/config"
	adapters "github.com/ochairo/wheelaudit/internal/domain-adapters/gateways"
	orchestrators "github.com/ochairo/wheelaudit/internal/domain-orchestrators"
	"github.com/ochairo/wheelaudit/internal/domain/entities"
)

// auditFlags mirror the config fields a user may override per invocation
type auditFlags struct {
	policy         string
	libraryDirs    []string
	allowBundles   []string
	outputDir      string
	libsDirName    string
	sysroot        string
	strict         bool
	allowLibPython bool
	maxDepth       int
	workers        int
	overlay        string
	overlaySig     string
	overlayKeyring string
	keyringURL     string
}

func newAuditCmd(root *rootOptions, mode string) *cobra.Command {
	flags := &auditFlags{}

	short := "Check binaries against a compatibility policy"
	long := `Check resolves every shared-library dependency of each binary and reports
the violations of the requested policy. With --policy auto (the default) the
most restrictive policy the binary satisfies is selected.

Exits non-zero when any binary is not compliant.`
	if mode == string(entities.ModeRepair) {
		short = "Bundle disallowed libraries and patch binaries until they comply"
		long = `Repair copies every library the policy forbids into a private directory next
to the binary, renames it with a content hash, and rewrites the binary's
DT_NEEDED entries and RUNPATH so the copies are loaded instead.

When repair cannot reach the policy, the binary is labelled with the generic
"linux" tag unless --strict is given.`
	}

	cmd := &cobra.Command{
		Use:   mode + " <binary>...",
		Short: short,
		Long:  long,
		Example: fmt.Sprintf(`  wheelaudit %[1]s build/ext.cpython-312-x86_64-linux-gnu.so
  wheelaudit %[1]s --policy manylinux2014 --lib-dir /opt/openssl/lib build/*.so
  wheelaudit %[1]s --json build/ext.so`, mode),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			cfg.Mode = mode
			flags.apply(cmd.Flags(), cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			a, err := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			reqs, err := expandRequests(cfg, args)
			if err != nil {
				return err
			}
			results := a.orchestrator.AuditAll(cmd.Context(), reqs)

			if err := printResults(cmd.OutOrStdout(), results, root.jsonOutput); err != nil {
				return err
			}
			return exitStatus(results)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.policy, "policy", "p", "", `Policy name or alias, or "auto"`)
	f.StringSliceVarP(&flags.libraryDirs, "lib-dir", "L", nil, "Extra directory to search for libraries (repeatable)")
	f.StringSliceVar(&flags.allowBundles, "allow-bundle", nil, "Library that may be bundled even though the policy forbids it (repeatable)")
	f.StringVar(&flags.sysroot, "sysroot", "", "Root of the target filesystem when auditing cross-compiled binaries")
	f.BoolVar(&flags.allowLibPython, "allow-libpython", false, "Do not report links against libpython")
	f.IntVar(&flags.workers, "workers", 0, "Binaries audited concurrently (0 = number of CPUs)")
	f.StringVar(&flags.overlay, "policy-overlay", "", "YAML file with extra or overridden policies")
	f.StringVar(&flags.overlaySig, "policy-signature", "", "Detached OpenPGP signature of the policy overlay")
	f.StringVar(&flags.overlayKeyring, "keyring", "", "OpenPGP public keys trusted to sign the policy overlay")
	f.StringVar(&flags.keyringURL, "keyring-url", "", "URL of a KEYS file with further trusted OpenPGP keys")

	if mode == string(entities.ModeRepair) {
		f.StringVarP(&flags.outputDir, "output-dir", "w", "", "Directory for repaired binaries (default \"wheelhouse\")")
		f.StringVar(&flags.libsDirName, "libs-dir-name", "", "Name of the directory grafted libraries go into (default <binary>.libs)")
		f.BoolVar(&flags.strict, "strict", false, "Fail instead of falling back to the linux tag")
		f.IntVar(&flags.maxDepth, "max-depth", 0, "Maximum repair rounds (default 8)")
	}
	return cmd
}

// apply copies explicitly set flags over cfg, leaving config and environment values otherwise
func (f *auditFlags) apply(set *pflag.FlagSet, cfg *config.Config) {
	if set.Changed("policy") {
		cfg.Policy = f.policy
	}
	if set.Changed("lib-dir") {
		cfg.LibraryDirs = append(cfg.LibraryDirs, f.libraryDirs...)
	}
	if set.Changed("allow-bundle") {
		cfg.AllowBundles = append(cfg.AllowBundles, f.allowBundles...)
	}
	if set.Changed("sysroot") {
		cfg.Sysroot = f.sysroot
	}
	if set.Changed("allow-libpython") {
		cfg.AllowLibPython = f.allowLibPython
	}
	if set.Changed("workers") {
		cfg.Workers = f.workers
	}
	if set.Changed("policy-overlay") {
		cfg.PolicyOverlay.Path = f.overlay
	}
	if set.Changed("policy-signature") {
		cfg.PolicyOverlay.Signature = f.overlaySig
	}
	if set.Changed("keyring") {
		cfg.PolicyOverlay.Keyring = f.overlayKeyring
	}
	if set.Changed("keyring-url") {
		cfg.PolicyOverlay.KeyringURL = f.keyringURL
	}
	if set.Changed("output-dir") {
		cfg.OutputDir = f.outputDir
	}
	if set.Changed("libs-dir-name") {
		cfg.LibsDirName = f.libsDirName
	}
	if set.Changed("strict") {
		cfg.Strict = f.strict
	}
	if set.Changed("max-depth") {
		cfg.MaxRepairDepth = f.maxDepth
	}
}

// expandRequests turns each argument into requests. A directory is an unpacked
// artifact: every ELF file under it is audited with the directory as artifact
// root, and repaired copies keep their relative location under the output dir.
func expandRequests(cfg *config.Config, args []string) ([]entities.AuditRequest, error) {
	finder := adapters.NewBinaryFinder()
	reqs := make([]entities.AuditRequest, 0, len(args))
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil || !info.IsDir() {
			reqs = append(reqs, cfg.Request(arg))
			continue
		}

		binaries, err := finder.FindRecursive(arg)
		if err != nil {
			return nil, err
		}
		if len(binaries) == 0 {
			return nil, fmt.Errorf("no ELF binaries found in %s", arg)
		}
		for _, binary := range binaries {
			req := cfg.Request(binary)
			req.ArtifactRoot = arg
			if rel, err := filepath.Rel(arg, filepath.Dir(binary)); err == nil && req.OutputDir != "" {
				req.OutputDir = filepath.Join(req.OutputDir, rel)
			}
			reqs = append(reqs, req)
		}
	}
	return reqs, nil
}

// exitStatus fails the command when any binary errored or did not comply
func exitStatus(results []orchestrators.BatchResult) error {
	for _, r := range results {
		if r.Err != nil {
			return errAuditFailed
		}
	}
	return nil
}
