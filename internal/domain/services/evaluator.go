package services

import (
	"regexp"

	"github.com/hashicorp/go-version"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces/services"
)

const glibcNamespace = "GLIBC"

var libPythonPattern = regexp.MustCompile(`^libpython3\.\d+m?u?t?\.so\.\d+\.\d+$`)

// complianceEvaluator checks dependency graphs against policies. It is pure:
// the same graph and policy always yield the same verdict.
type complianceEvaluator struct {
	logger interfaces.Logger
}

// NewComplianceEvaluator creates a new compliance evaluator
func NewComplianceEvaluator(logger interfaces.Logger) services.ComplianceEvaluator {
	return &complianceEvaluator{logger: interfaces.OrNoOp(logger)}
}

// Evaluate accumulates every violation of policy found in graph
func (e *complianceEvaluator) Evaluate(graph *entities.DependencyGraph, policy *entities.Policy, opts services.EvalOptions) entities.ComplianceVerdict {
	verdict := entities.ComplianceVerdict{PolicyName: policy.Name, Priority: policy.Priority}
	root := graph.RootNode()
	arch := root.Image.Architecture()

	if !policy.SupportsArch(arch) {
		verdict.Violations = []entities.Violation{{
			Kind:   entities.UnsupportedArchitecture,
			Detail: string(arch),
		}}
		return verdict
	}

	consumers := consumerNodes(graph)
	verdict.Violations = append(verdict.Violations, e.libraryViolations(graph, consumers, policy, opts)...)
	verdict.Violations = append(verdict.Violations, symbolViolations(consumers, policy, arch)...)
	if v, ok := glibcViolation(consumers, policy, arch); ok {
		verdict.Violations = append(verdict.Violations, v)
	}

	verdict.Satisfied = len(verdict.Violations) == 0
	return verdict
}

// BestPolicy returns the most restrictive satisfied policy. When nothing is
// satisfied the least restrictive policy's verdict is returned unsatisfied.
func (e *complianceEvaluator) BestPolicy(graph *entities.DependencyGraph, policies []*entities.Policy, opts services.EvalOptions) entities.Selection {
	var last entities.Selection
	for _, p := range policies {
		verdict := e.Evaluate(graph, p, opts)
		last = entities.Selection{Policy: p, Verdict: verdict}
		if verdict.Satisfied {
			return last
		}
	}
	return last
}

// BestRepairable returns the most restrictive policy that grafting can reach.
// Grafted libraries become consumers themselves, so their own dependencies and
// symbol versions are part of the decision.
func (e *complianceEvaluator) BestRepairable(graph *entities.DependencyGraph, policies []*entities.Policy, opts services.EvalOptions) (entities.Selection, bool) {
	for _, p := range policies {
		verdict := e.Evaluate(graph, p, opts)
		if !verdict.RepairableOnly() {
			continue
		}
		if plan := e.PlanGrafts(graph, p, opts); plan.Feasible() {
			return entities.Selection{Policy: p, Verdict: verdict}, true
		}
		e.logger.Debug("grafting cannot reach policy", interfaces.F("policy", p.Name))
	}
	return entities.Selection{}, false
}

// PlanGrafts computes the transitive set of libraries a repair has to graft
// for policy. Each round treats the libraries picked so far as shipped with
// the binary and re-evaluates, until no new repairable violation appears.
func (e *complianceEvaluator) PlanGrafts(graph *entities.DependencyGraph, policy *entities.Policy, opts services.EvalOptions) entities.GraftPlan {
	plan := entities.GraftPlan{Policy: policy}
	sim := graph.Clone()
	picked := map[string]bool{}

	for {
		plan.Verdict = e.Evaluate(sim, policy, opts)
		added := false
		for _, v := range plan.Verdict.Violations {
			if !v.Repairable() || picked[v.Library] {
				continue
			}
			key, ok := sim.Key(v.Library)
			if !ok || !sim.Nodes[key].IsResolved() {
				continue
			}
			node := *sim.Nodes[key]
			node.Origin = entities.OriginBundled
			sim.Add(key, &node)
			picked[v.Library] = true
			plan.Libraries = append(plan.Libraries, v.Library)
			added = true
		}
		if !added {
			return plan
		}
	}
}

// consumerNodes returns the root and every resolved library shipped with it
func consumerNodes(graph *entities.DependencyGraph) []*entities.LibraryNode {
	var out []*entities.LibraryNode
	graph.Walk(func(key string, node *entities.LibraryNode) bool {
		if key == graph.Root || (node.InArtifact() && node.IsResolved()) {
			out = append(out, node)
		}
		return true
	})
	return out
}

func (e *complianceEvaluator) libraryViolations(graph *entities.DependencyGraph, consumers []*entities.LibraryNode, policy *entities.Policy, opts services.EvalOptions) []entities.Violation {
	var out []entities.Violation
	seen := map[string]bool{}
	for _, consumer := range consumers {
		for _, name := range consumer.Needed {
			if seen[name] || entities.IsDynamicLoader(name) {
				continue
			}
			seen[name] = true

			node, ok := graph.Lookup(name)
			if ok && node.InArtifact() && node.IsResolved() {
				continue
			}
			if !ok || !node.IsResolved() {
				v := entities.Violation{Kind: entities.UnresolvedLibrary, Library: name}
				if ok {
					v.Detail = node.Error
				}
				out = append(out, v)
				continue
			}
			if libPythonPattern.MatchString(name) {
				if !opts.AllowLibPython {
					out = append(out, entities.Violation{Kind: entities.LinksLibPython, Library: name})
				}
				continue
			}
			if policy.AllowsLibrary(name) || contains(opts.AllowedBundles, name) {
				continue
			}
			out = append(out, entities.Violation{
				Kind:       entities.DisallowedLibrary,
				Library:    name,
				Resolvable: true,
			})
		}
	}
	return out
}

func symbolViolations(consumers []*entities.LibraryNode, policy *entities.Policy, arch entities.Architecture) []entities.Violation {
	var out []entities.Violation
	seen := map[entities.Violation]bool{}
	emit := func(v entities.Violation) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}

	for _, consumer := range consumers {
		img := consumer.Image
		referenced := map[string]bool{}

		for _, sym := range img.ImportedSymbols() {
			if sym.Library == "" || !policy.AllowsLibrary(sym.Library) {
				continue
			}
			if policy.IsBlacklisted(sym.Library, sym.Name) {
				emit(entities.Violation{Kind: entities.BlacklistedSymbol, Library: sym.Library, Symbol: sym.Name})
			}
			if sym.Version == "" {
				continue
			}
			referenced[sym.Library+"\x00"+sym.Version] = true
			if !policy.AllowsVersion(arch, sym.Version) {
				emit(entities.Violation{
					Kind:    entities.DisallowedSymbol,
					Library: sym.Library,
					Symbol:  sym.Name,
					Version: sym.Version,
				})
			}
		}

		// unversioned imports from a blacklisted library carry no Library; match by name
		for lib := range policy.SymbolBlacklist {
			if !contains(img.Needed(), lib) {
				continue
			}
			for _, sym := range img.ImportedSymbols() {
				if sym.Library == "" && policy.IsBlacklisted(lib, sym.Name) {
					emit(entities.Violation{Kind: entities.BlacklistedSymbol, Library: lib, Symbol: sym.Name})
				}
			}
		}

		for _, need := range img.VersionRequirements() {
			if !policy.AllowsLibrary(need.Library) {
				continue
			}
			for _, v := range need.Versions {
				if referenced[need.Library+"\x00"+v] || policy.AllowsVersion(arch, v) {
					continue
				}
				emit(entities.Violation{Kind: entities.DisallowedSymbol, Library: need.Library, Version: v})
			}
		}
	}
	return out
}

// glibcViolation reports the single highest GLIBC requirement above the policy baseline
func glibcViolation(consumers []*entities.LibraryNode, policy *entities.Policy, arch entities.Architecture) (entities.Violation, bool) {
	if policy.Libc != entities.LibcGlibc {
		return entities.Violation{}, false
	}
	allowed, err := version.NewVersion(policy.MinGlibc[arch])
	if err != nil {
		return entities.Violation{}, false
	}

	var highest *version.Version
	var highestLib string
	for _, consumer := range consumers {
		for _, need := range consumer.Image.VersionRequirements() {
			for _, v := range need.Versions {
				ns, ver, ok := entities.SplitSymbolVersion(v)
				if !ok || ns != glibcNamespace {
					continue
				}
				parsed, err := version.NewVersion(ver)
				if err != nil {
					continue
				}
				if highest == nil || parsed.GreaterThan(highest) {
					highest, highestLib = parsed, need.Library
				}
			}
		}
	}
	if highest == nil || !highest.GreaterThan(allowed) {
		return entities.Violation{}, false
	}
	return entities.Violation{
		Kind:       entities.GlibcTooNew,
		Library:    highestLib,
		Required:   highest.Original(),
		MaxAllowed: policy.MinGlibc[arch],
	}, true
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
