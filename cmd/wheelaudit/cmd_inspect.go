package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
)

type inspectReport struct {
	Path         string                  `json:"path"`
	Architecture entities.Architecture   `json:"architecture"`
	Class        int                     `json:"class"`
	Soname       string                  `json:"soname,omitempty"`
	Interpreter  string                  `json:"interpreter,omitempty"`
	Rpath        []string                `json:"rpath,omitempty"`
	Runpath      []string                `json:"runpath,omitempty"`
	Versions     []entities.VersionNeed  `json:"version_requirements,omitempty"`
	Dependencies []*entities.LibraryNode `json:"dependencies"`
}

func newInspectCmd(root *rootOptions) *cobra.Command {
	var (
		libraryDirs []string
		sysroot     string
	)

	cmd := &cobra.Command{
		Use:   "inspect <binary>",
		Short: "Show the dynamic linking information and resolved dependencies of a binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			cfg.LibraryDirs = append(cfg.LibraryDirs, libraryDirs...)
			if sysroot != "" {
				cfg.Sysroot = sysroot
			}

			a, err := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			img, err := a.parser.Parse(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			graph, err := a.resolver.Resolve(cmd.Context(), img, entities.SearchContext{
				RootDir:      filepath.Dir(args[0]),
				ArtifactRoot: filepath.Dir(args[0]),
				LibraryDirs:  cfg.LibraryDirs,
				SystemDirs:   a.systemDirs.SystemDirs(cfg.Sysroot, img.Architecture()),
				Sysroot:      cfg.Sysroot,
			})
			if err != nil {
				return err
			}

			report := inspectReport{
				Path:         img.Path(),
				Architecture: img.Architecture(),
				Class:        img.Class(),
				Soname:       img.Soname(),
				Interpreter:  img.Interpreter(),
				Rpath:        img.Rpath(),
				Runpath:      img.Runpath(),
				Versions:     img.VersionRequirements(),
			}
			for _, key := range graph.Order[1:] {
				report.Dependencies = append(report.Dependencies, graph.Nodes[key])
			}
			return printInspect(cmd.OutOrStdout(), report, root.jsonOutput)
		},
	}

	cmd.Flags().StringSliceVarP(&libraryDirs, "lib-dir", "L", nil, "Extra directory to search for libraries (repeatable)")
	cmd.Flags().StringVar(&sysroot, "sysroot", "", "Root of the target filesystem")
	return cmd
}

func printInspect(w io.Writer, r inspectReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(w, "%s: ELF%d %s\n", r.Path, r.Class, r.Architecture)
	if r.Soname != "" {
		fmt.Fprintf(w, "  soname:      %s\n", r.Soname)
	}
	if r.Interpreter != "" {
		fmt.Fprintf(w, "  interpreter: %s\n", r.Interpreter)
	}
	if len(r.Rpath) > 0 {
		fmt.Fprintf(w, "  rpath:       %s\n", strings.Join(r.Rpath, ":"))
	}
	if len(r.Runpath) > 0 {
		fmt.Fprintf(w, "  runpath:     %s\n", strings.Join(r.Runpath, ":"))
	}
	for _, need := range r.Versions {
		fmt.Fprintf(w, "  versions from %s: %s\n", need.Library, strings.Join(need.Versions, " "))
	}

	fmt.Fprintln(w, "  dependencies:")
	for _, dep := range r.Dependencies {
		indent := strings.Repeat("  ", dep.Depth)
		where := dep.ResolvedPath
		if where == "" {
			where = "not found"
		}
		fmt.Fprintf(w, "  %s%s => %s [%s]\n", indent, dep.Name, where, dep.Origin)
	}
	return nil
}
