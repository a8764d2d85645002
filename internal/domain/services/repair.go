package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces/gateways"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces/services"
)

// DefaultMaxRepairDepth bounds how many graft rounds a repair may take
const DefaultMaxRepairDepth = 8

const hashPrefixLen = 8

// repairEngine grafts disallowed libraries next to the binary under
// content-hashed names and points the binary at them
type repairEngine struct {
	parser    gateways.BinaryParser
	patcher   gateways.BinaryPatcher
	hasher    gateways.FileHasher
	resolver  services.DependencyResolver
	evaluator services.ComplianceEvaluator
	logger    interfaces.Logger
}

// NewRepairEngine creates a new repair engine with dependency injection
func NewRepairEngine(
	parser gateways.BinaryParser,
	patcher gateways.BinaryPatcher,
	hasher gateways.FileHasher,
	resolver services.DependencyResolver,
	evaluator services.ComplianceEvaluator,
	logger interfaces.Logger,
) services.RepairEngine {
	return &repairEngine{
		parser:    parser,
		patcher:   patcher,
		hasher:    hasher,
		resolver:  resolver,
		evaluator: evaluator,
		logger:    interfaces.OrNoOp(logger),
	}
}

// repairState is what one repair accumulates across rounds
type repairState struct {
	binary  string
	libsDir string
	// pristine is an untouched copy of the input binary; every round starts from it
	pristine string
	grafted  []entities.GraftedLibrary
	// sums are the content hashes of the graft sources, parallel to grafted
	sums []string
	// byName maps every original name (requested name and SONAME) to an index in grafted
	byName map[string]int
	// created are files this repair installed, as opposed to reused
	created map[string]bool
}

func (s *repairState) replacements() map[string]string {
	out := make(map[string]string, len(s.byName))
	for name, i := range s.byName {
		out[name] = s.grafted[i].Soname
	}
	return out
}

// Repair grafts the libraries the policy forbids and re-checks the result.
// The whole transitive set is planned before anything is written, so one
// round is enough unless the re-check finds something the plan could not see.
func (e *repairEngine) Repair(ctx context.Context, plan services.RepairPlan) (*entities.RepairResult, error) {
	if plan.Verdict.Satisfied {
		return &entities.RepairResult{PatchedBinary: plan.BinaryPath, Verdict: plan.Verdict}, nil
	}
	if !plan.Verdict.RepairableOnly() {
		return nil, &entities.RepairIncompleteError{Binary: plan.BinaryPath, Verdict: plan.Verdict}
	}

	maxDepth := plan.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxRepairDepth
	}
	outputDir := plan.OutputDir
	if outputDir == "" {
		outputDir = filepath.Dir(plan.BinaryPath)
	}
	libsDirName := plan.LibsDirName
	if libsDirName == "" {
		libsDirName = DefaultLibsDirName(plan.BinaryPath)
	}

	state := &repairState{
		binary:  filepath.Join(outputDir, filepath.Base(plan.BinaryPath)),
		libsDir: filepath.Join(outputDir, libsDirName),
		byName:  map[string]int{},
		created: map[string]bool{},
	}
	if err := os.MkdirAll(state.libsDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", state.libsDir, err)
	}
	pristine, err := copyToTemp(plan.BinaryPath, outputDir)
	if err != nil {
		return nil, err
	}
	//nolint:errcheck // temporary snapshot
	defer os.Remove(pristine)
	state.pristine = pristine

	graph, verdict := plan.Graph, plan.Verdict
	for round := 1; round <= maxDepth; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		grafts := e.evaluator.PlanGrafts(graph, plan.Policy, plan.Options)
		added := 0
		for _, name := range grafts.Libraries {
			if _, done := state.byName[name]; done {
				continue
			}
			node, ok := graph.Lookup(name)
			if !ok || !node.IsResolved() {
				return nil, fmt.Errorf("library %s is repairable but has no resolved node", name)
			}
			if err := e.addGraft(state, name, node); err != nil {
				return nil, err
			}
			added++
		}
		if added == 0 {
			return nil, &entities.RepairIncompleteError{Binary: state.binary, Rounds: round - 1, Verdict: verdict}
		}

		if err := e.install(ctx, state); err != nil {
			return nil, err
		}

		graph, verdict, err = e.recheck(ctx, state, plan)
		if err != nil {
			return nil, err
		}
		e.logger.Info("repair round finished",
			interfaces.F("binary", state.binary),
			interfaces.F("round", round),
			interfaces.F("grafted", len(state.grafted)),
			interfaces.F("remaining", len(verdict.Violations)))

		if verdict.Satisfied {
			return &entities.RepairResult{
				PatchedBinary: state.binary,
				Grafted:       state.grafted,
				Verdict:       verdict,
				Rounds:        round,
			}, nil
		}
		if !verdict.RepairableOnly() {
			return nil, &entities.RepairIncompleteError{Binary: state.binary, Rounds: round, Verdict: verdict}
		}
	}
	return nil, &entities.RepairIncompleteError{Binary: state.binary, Rounds: maxDepth, Verdict: verdict}
}

// DefaultLibsDirName is the private library directory used when none is configured
func DefaultLibsDirName(binaryPath string) string {
	base := filepath.Base(binaryPath)
	if i := strings.Index(base, "."); i > 0 {
		base = base[:i]
	}
	return base + ".libs"
}

// GraftedName returns <stem>-<hash8>.so<suffix> for a library name
func GraftedName(name, hash string) string {
	if len(hash) > hashPrefixLen {
		hash = hash[:hashPrefixLen]
	}
	if i := strings.Index(name, ".so"); i > 0 {
		return name[:i] + "-" + hash + name[i:]
	}
	return name + "-" + hash
}

// addGraft records a library to graft. Its final name is assigned by install.
func (e *repairEngine) addGraft(state *repairState, name string, node *entities.LibraryNode) error {
	sum, err := e.hasher.HashFile(node.ResolvedPath)
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", node.ResolvedPath, err)
	}
	state.grafted = append(state.grafted, entities.GraftedLibrary{
		Original: name,
		Source:   node.ResolvedPath,
	})
	state.sums = append(state.sums, sum)
	idx := len(state.grafted) - 1
	state.byName[name] = idx
	if soname := node.Image.Soname(); soname != "" && soname != name {
		state.byName[soname] = idx
	}
	return nil
}

// assignNames names every graft after its source content and the whole graft
// set. A patched graft only depends on those two, so equal names always mean
// equal bytes and concurrent repairs can share a libs dir.
func (e *repairEngine) assignNames(state *repairState) {
	lines := make([]string, 0, len(state.byName))
	for name, i := range state.byName {
		lines = append(lines, name+"\x00"+state.sums[i])
	}
	sort.Strings(lines)
	set := e.hasher.HashBytes([]byte(strings.Join(lines, "\n")))

	for i := range state.grafted {
		g := &state.grafted[i]
		g.Soname = GraftedName(g.Original, e.hasher.HashBytes([]byte(state.sums[i]+set)))
		g.Path = filepath.Join(state.libsDir, g.Soname)
	}
}

// install builds every graft and the binary from their sources. Files are
// patched under temporary names and only renamed into place when complete.
func (e *repairEngine) install(ctx context.Context, state *repairState) error {
	previous := make(map[string]bool, len(state.grafted))
	for _, g := range state.grafted {
		if g.Path != "" {
			previous[g.Path] = true
		}
	}
	e.assignNames(state)
	replace := state.replacements()

	for i, g := range state.grafted {
		delete(previous, g.Path)
		tmp, err := copyToTemp(g.Source, state.libsDir)
		if err != nil {
			return err
		}
		if err := e.hasher.VerifyFile(tmp, state.sums[i]); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("copy of %s changed while grafting: %w", g.Source, err)
		}
		edit := entities.DynamicEdit{Soname: g.Soname, Runpath: "$ORIGIN", ReplaceNeeded: replace}
		if err := e.patcher.Patch(ctx, tmp, edit); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to patch grafted library %s: %w", g.Source, err)
		}
		created, err := e.place(tmp, g.Path)
		if err != nil {
			return err
		}
		if created {
			state.created[g.Path] = true
			e.logger.Info("grafted library",
				interfaces.F("library", g.Original),
				interfaces.F("source", g.Source),
				interfaces.F("path", g.Path))
		} else {
			e.logger.Debug("reusing grafted library", interfaces.F("library", g.Original), interfaces.F("path", g.Path))
		}
	}

	// names from an earlier round are stale once the graft set grew
	for path := range previous {
		if state.created[path] {
			_ = os.Remove(path)
			delete(state.created, path)
		}
	}

	img, err := e.parser.Parse(ctx, state.pristine)
	if err != nil {
		return fmt.Errorf("failed to re-read %s: %w", state.pristine, err)
	}
	rel, err := filepath.Rel(filepath.Dir(state.binary), state.libsDir)
	if err != nil {
		return fmt.Errorf("libs dir %s is not reachable from %s: %w", state.libsDir, state.binary, err)
	}
	tmp, err := copyToTemp(state.pristine, filepath.Dir(state.binary))
	if err != nil {
		return err
	}
	edit := entities.DynamicEdit{
		Runpath:       mergeRunpath("$ORIGIN/"+filepath.ToSlash(rel), img),
		ReplaceNeeded: replace,
	}
	if err := e.patcher.Patch(ctx, tmp, edit); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to patch %s: %w", state.binary, err)
	}
	if err := os.Rename(tmp, state.binary); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to install %s: %w", state.binary, err)
	}
	return nil
}

// place renames a finished graft to its final name. When the name is already
// taken the existing file must hold the same bytes; it is never rewritten.
func (e *repairEngine) place(tmp, target string) (bool, error) {
	if _, err := os.Stat(target); err == nil {
		defer os.Remove(tmp) //nolint:errcheck // the existing file is kept
		want, err := e.hasher.HashFile(tmp)
		if err != nil {
			return false, err
		}
		if err := e.hasher.VerifyFile(target, want); err != nil {
			return false, fmt.Errorf("grafted library %s already exists with different content: %w", target, err)
		}
		return false, nil
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("failed to install %s: %w", target, err)
	}
	return true, nil
}

// mergeRunpath puts entry first and keeps existing entries relative to $ORIGIN
func mergeRunpath(entry string, img entities.BinaryImage) string {
	existing := img.Runpath()
	if len(existing) == 0 {
		existing = img.Rpath()
	}
	parts := []string{entry}
	for _, p := range existing {
		if p == entry || filepath.IsAbs(p) {
			continue
		}
		if !strings.HasPrefix(p, "$ORIGIN") && !strings.HasPrefix(p, "${ORIGIN}") {
			continue
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ":")
}

// recheck re-parses and re-evaluates the patched binary with the libs dir bundled
func (e *repairEngine) recheck(ctx context.Context, state *repairState, plan services.RepairPlan) (*entities.DependencyGraph, entities.ComplianceVerdict, error) {
	img, err := e.parser.Parse(ctx, state.binary)
	if err != nil {
		return nil, entities.ComplianceVerdict{}, fmt.Errorf("failed to re-read %s: %w", state.binary, err)
	}

	search := plan.Search
	search.RootDir = filepath.Dir(state.binary)
	search.Bundled = make(map[string]string, len(plan.Search.Bundled)+len(state.grafted))
	for k, v := range plan.Search.Bundled {
		search.Bundled[k] = v
	}
	for _, g := range state.grafted {
		search.Bundled[g.Soname] = g.Path
	}
	search.BundledDirs = append([]string{state.libsDir}, plan.Search.BundledDirs...)

	graph, err := e.resolver.Resolve(ctx, img, search)
	if err != nil {
		return nil, entities.ComplianceVerdict{}, fmt.Errorf("failed to re-resolve %s: %w", state.binary, err)
	}
	return graph, e.evaluator.Evaluate(graph, plan.Policy, plan.Options), nil
}

func copyToTemp(src, dir string) (string, error) {
	in, err := os.Open(src) //nolint:gosec // src is a library found by the resolver
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", src, err)
	}
	//nolint:errcheck // Defer close on read-only file
	defer in.Close()

	out, err := os.CreateTemp(dir, ".graft-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("failed to close %s: %w", out.Name(), err)
	}
	if err := os.Chmod(out.Name(), 0o755); err != nil { //nolint:gosec // shared objects are mapped executable
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("failed to set mode on %s: %w", out.Name(), err)
	}
	return out.Name(), nil
}
