// Package orchestrators coordinates domain services into complete use cases.
package orchestrators

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces/gateways"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces/repositories"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces/services"
)

// AuditOrchestrator runs the parse -> resolve -> evaluate -> repair workflow
// for one artifact at a time, or for many on a bounded worker pool
type AuditOrchestrator struct {
	parser     gateways.BinaryParser
	systemDirs gateways.SystemDirsProvider
	policies   repositories.PolicyRepository
	resolver   services.DependencyResolver
	evaluator  services.ComplianceEvaluator
	repairer   services.RepairEngine
	logger     interfaces.Logger
	workers    int
}

// NewAuditOrchestrator creates a new audit orchestrator
func NewAuditOrchestrator(
	parser gateways.BinaryParser,
	systemDirs gateways.SystemDirsProvider,
	policies repositories.PolicyRepository,
	resolver services.DependencyResolver,
	evaluator services.ComplianceEvaluator,
	repairer services.RepairEngine,
	logger interfaces.Logger,
) *AuditOrchestrator {
	return &AuditOrchestrator{
		parser:     parser,
		systemDirs: systemDirs,
		policies:   policies,
		resolver:   resolver,
		evaluator:  evaluator,
		repairer:   repairer,
		logger:     interfaces.OrNoOp(logger),
		workers:    runtime.NumCPU(),
	}
}

// SetWorkers bounds how many artifacts AuditAll processes concurrently.
// Values below one select the number of CPUs.
func (o *AuditOrchestrator) SetWorkers(n int) {
	if n < 1 {
		n = runtime.NumCPU()
	}
	o.workers = n
}

// BatchResult pairs a request with its outcome
type BatchResult struct {
	Request entities.AuditRequest
	Result  *entities.AuditResult
	Err     error
}

// AuditAll audits every request. Results keep request order and one failing
// artifact does not stop the others.
func (o *AuditOrchestrator) AuditAll(ctx context.Context, reqs []entities.AuditRequest) []BatchResult {
	results := make([]BatchResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(o.workers)

	for i, req := range reqs {
		g.Go(func() error {
			results[i].Request = req
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Result, results[i].Err = o.Audit(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Audit checks or repairs one binary. On a failed check the result is returned
// together with a *entities.NotCompliantError so callers can report violations.
func (o *AuditOrchestrator) Audit(ctx context.Context, req entities.AuditRequest) (*entities.AuditResult, error) {
	start := time.Now()
	mode := req.Mode
	if mode == "" {
		mode = entities.ModeCheck
	}
	if _, ok := entities.ParseAuditMode(string(mode)); !ok {
		return nil, fmt.Errorf("unknown audit mode %q", mode)
	}

	// an explicit policy is validated before the binary is touched
	var requested *entities.Policy
	if req.Policy != "" && req.Policy != entities.PolicyAuto {
		p, err := o.policies.PolicyByName(req.Policy)
		if err != nil {
			return nil, err
		}
		requested = p
	}

	if mode == entities.ModeSkip {
		tag := o.policies.Linux().Name
		if requested != nil {
			tag = requested.Name
		}
		o.logger.Info("audit skipped", interfaces.F("binary", req.BinaryPath), interfaces.F("policy", tag))
		return &entities.AuditResult{Binary: req.BinaryPath, Policy: tag, Skipped: true}, nil
	}

	root, err := o.parser.Parse(ctx, req.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", req.BinaryPath, err)
	}

	search := o.searchContext(req, root)
	graph, err := o.resolver.Resolve(ctx, root, search)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve dependencies of %s: %w", req.BinaryPath, err)
	}

	opts := services.EvalOptions{AllowedBundles: req.AllowBundles, AllowLibPython: req.AllowLibPython}
	flavor := LibcFlavorOf(root)
	candidates := o.policies.ForFlavor(flavor)
	best := o.evaluator.BestPolicy(graph, candidates, opts)

	target := best
	switch {
	case requested == o.policies.Linux():
		// the generic tag promises nothing
		target = entities.Selection{Policy: requested, Verdict: entities.ComplianceVerdict{PolicyName: requested.Name, Satisfied: true}}
	case requested != nil:
		target = entities.Selection{Policy: requested, Verdict: o.evaluator.Evaluate(graph, requested, opts)}
		if best.Verdict.Satisfied && best.Policy.Priority > requested.Priority {
			o.logger.Warn("binary is eligible for a more restrictive tag",
				interfaces.F("binary", req.BinaryPath),
				interfaces.F("requested", requested.Name),
				interfaces.F("eligible", best.Policy.Name))
		}
	}
	if target.Policy == nil {
		// nothing to evaluate for this flavor and architecture
		target = entities.Selection{Policy: o.policies.Linux(), Verdict: entities.ComplianceVerdict{
			PolicyName: o.policies.Linux().Name,
			Violations: []entities.Violation{{Kind: entities.UnsupportedArchitecture, Detail: string(root.Architecture())}},
		}}
	}

	result := &entities.AuditResult{
		Binary:    req.BinaryPath,
		Policy:    target.Policy.Name,
		Verdict:   target.Verdict,
		Compliant: target.Verdict.Satisfied,
	}
	if best.Policy != nil && best.Verdict.Satisfied {
		result.BestPolicy = best.Policy.Name
	}

	defer func() {
		o.logger.Debug("audit finished",
			interfaces.F("binary", req.BinaryPath),
			interfaces.F("mode", mode),
			interfaces.F("policy", result.Policy),
			interfaces.F("duration", time.Since(start)))
	}()

	if mode == entities.ModeCheck || target.Verdict.Satisfied {
		if !target.Verdict.Satisfied {
			return result, &entities.NotCompliantError{Binary: req.BinaryPath, Verdict: target.Verdict}
		}
		o.logger.Info("binary is compliant",
			interfaces.F("binary", req.BinaryPath),
			interfaces.F("policy", target.Policy.Name))
		return result, nil
	}

	return o.repair(ctx, req, graph, search, opts, candidates, target, result)
}

func (o *AuditOrchestrator) repair(
	ctx context.Context,
	req entities.AuditRequest,
	graph *entities.DependencyGraph,
	search entities.SearchContext,
	opts services.EvalOptions,
	candidates []*entities.Policy,
	target entities.Selection,
	result *entities.AuditResult,
) (*entities.AuditResult, error) {
	if req.Policy == "" || req.Policy == entities.PolicyAuto {
		if sel, ok := o.evaluator.BestRepairable(graph, candidates, opts); ok {
			target = sel
		}
	}

	repaired, err := o.repairer.Repair(ctx, services.RepairPlan{
		BinaryPath:  req.BinaryPath,
		Graph:       graph,
		Policy:      target.Policy,
		Verdict:     target.Verdict,
		Search:      search,
		OutputDir:   req.OutputDir,
		LibsDirName: req.LibsDirName,
		MaxDepth:    req.MaxRepairDepth,
		Options:     opts,
	})
	if err != nil {
		if req.Strict {
			return result, err
		}
		o.logger.Warn("repair failed, falling back to the generic linux tag",
			interfaces.F("binary", req.BinaryPath),
			interfaces.F("policy", target.Policy.Name),
			interfaces.Err(err))
		result.Policy = o.policies.Linux().Name
		result.Fallback = true
		result.Compliant = false
		return result, nil
	}

	for _, g := range repaired.Grafted {
		o.logger.Info("bundled library",
			interfaces.F("library", g.Original),
			interfaces.F("as", g.Soname),
			interfaces.F("from", g.Source))
	}
	result.Policy = target.Policy.Name
	result.Verdict = repaired.Verdict
	result.Repair = repaired
	result.Compliant = repaired.Verdict.Satisfied
	return result, nil
}

func (o *AuditOrchestrator) searchContext(req entities.AuditRequest, root entities.BinaryImage) entities.SearchContext {
	artifactRoot := req.ArtifactRoot
	if artifactRoot == "" {
		artifactRoot = filepath.Dir(req.BinaryPath)
	}
	var systemDirs []string
	if o.systemDirs != nil {
		systemDirs = o.systemDirs.SystemDirs(req.Sysroot, root.Architecture())
	}
	return entities.SearchContext{
		RootDir:      filepath.Dir(req.BinaryPath),
		ArtifactRoot: artifactRoot,
		Bundled:      req.Bundled,
		LibraryDirs:  req.LibraryDirs,
		SystemDirs:   systemDirs,
		Sysroot:      req.Sysroot,
	}
}

// LibcFlavorOf guesses the C library a binary was linked against from its
// interpreter and needed entries
func LibcFlavorOf(img entities.BinaryImage) entities.LibcFlavor {
	if strings.Contains(filepath.Base(img.Interpreter()), "ld-musl-") {
		return entities.LibcMusl
	}
	for _, name := range img.Needed() {
		if strings.HasPrefix(name, "libc.musl-") || strings.HasPrefix(name, "ld-musl-") {
			return entities.LibcMusl
		}
	}
	return entities.LibcGlibc
}
