package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
)

type policyInfo struct {
	Name      string   `json:"name"`
	Aliases   []string `json:"aliases,omitempty"`
	Priority  int      `json:"priority"`
	Libc      string   `json:"libc"`
	MinGlibc  string   `json:"min_glibc,omitempty"`
	Libraries []string `json:"libraries"`
}

func newPoliciesCmd(root *rootOptions) *cobra.Command {
	var (
		arch    string
		overlay string
	)

	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List the policies that apply to an architecture",
		Long: `List every policy covering the architecture, most restrictive first.
The architecture defaults to the host's.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("policy-overlay") {
				cfg.PolicyOverlay.Path = overlay
			}

			var target entities.Architecture
			if arch == "" {
				target, err = hostArchitecture()
			} else {
				target, err = entities.ParseArchitecture(arch)
			}
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			var list []policyInfo
			for _, p := range a.registry.Policies() {
				if !p.SupportsArch(target) {
					continue
				}
				list = append(list, policyInfo{
					Name:      p.Name,
					Aliases:   p.Aliases,
					Priority:  p.Priority,
					Libc:      string(p.Libc),
					MinGlibc:  p.MinGlibc[target],
					Libraries: p.LibraryWhitelist,
				})
			}
			return printPolicies(cmd.OutOrStdout(), target, list, root.jsonOutput)
		},
	}

	cmd.Flags().StringVar(&arch, "arch", "", "Architecture to list policies for (default: host)")
	cmd.Flags().StringVar(&overlay, "policy-overlay", "", "YAML file with extra or overridden policies")
	return cmd
}

func printPolicies(w io.Writer, arch entities.Architecture, list []policyInfo, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	fmt.Fprintf(w, "Policies for %s (%d total):\n\n", arch, len(list))
	for _, p := range list {
		name := p.Name
		if len(p.Aliases) > 0 {
			name += " (" + strings.Join(p.Aliases, ", ") + ")"
		}
		fmt.Fprintf(w, "  %-32s priority %3d  %s", name, p.Priority, p.Libc)
		if p.MinGlibc != "" {
			fmt.Fprintf(w, " %s", p.MinGlibc)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// hostArchitecture reads the machine name the kernel reports
func hostArchitecture() (entities.Architecture, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("failed to detect host architecture: %w", err)
	}
	machine := unix.ByteSliceToString(uts.Machine[:])
	// 32-bit userlands on x86 report i386..i686
	if len(machine) == 4 && machine[0] == 'i' && strings.HasSuffix(machine, "86") {
		machine = "i686"
	}
	return entities.ParseArchitecture(machine)
}
