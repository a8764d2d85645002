// Package yaml provides YAML-based policy overlay parsing and loading.
package yaml

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
)

// yamlOverlay represents the raw YAML structure of a policy overlay file
type yamlOverlay struct {
	Policies []yamlPolicy `yaml:"policies"`
}

type yamlPolicy struct {
	Name     string   `yaml:"name"`
	Aliases  []string `yaml:"aliases"`
	Priority int      `yaml:"priority"`
	Libc     string   `yaml:"libc"`
	// Extends copies every table of an existing policy before applying the fields below
	Extends        string                         `yaml:"extends"`
	MinGlibc       map[string]string              `yaml:"min_glibc"`
	SymbolVersions map[string]map[string][]string `yaml:"symbol_versions"`
	Whitelist      []string                       `yaml:"whitelist"`
	Blacklist      map[string][]string            `yaml:"blacklist"`
}

// BaseLookup resolves the policy an overlay entry extends
type BaseLookup func(name string) (*entities.Policy, error)

// PolicyParser parses YAML policy overlays
type PolicyParser struct {
	base BaseLookup
}

// NewPolicyParser creates a new YAML parser. base may be nil when overlays
// never use extends.
func NewPolicyParser(base BaseLookup) *PolicyParser {
	return &PolicyParser{base: base}
}

// Parse parses YAML bytes into policies
func (p *PolicyParser) Parse(data []byte) ([]*entities.Policy, error) {
	var overlay yamlOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	out := make([]*entities.Policy, 0, len(overlay.Policies))
	for i, yp := range overlay.Policies {
		if yp.Name == "" {
			return nil, fmt.Errorf("policy #%d must have a name", i+1)
		}
		policy, err := p.convertPolicy(yp)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", yp.Name, err)
		}
		out = append(out, policy)
	}
	return out, nil
}

func (p *PolicyParser) convertPolicy(yp yamlPolicy) (*entities.Policy, error) {
	policy := &entities.Policy{
		Name:           yp.Name,
		Priority:       yp.Priority,
		Libc:           entities.LibcGlibc,
		MinGlibc:       map[entities.Architecture]string{},
		SymbolVersions: map[entities.Architecture]map[string][]string{},
	}

	if yp.Extends != "" {
		if p.base == nil {
			return nil, fmt.Errorf("cannot extend %s without a base registry", yp.Extends)
		}
		base, err := p.base(yp.Extends)
		if err != nil {
			return nil, err
		}
		copyTables(policy, base)
		if yp.Priority == 0 {
			policy.Priority = base.Priority
		}
	}

	policy.Aliases = append(policy.Aliases, yp.Aliases...)
	if yp.Libc != "" {
		flavor, err := convertLibc(yp.Libc)
		if err != nil {
			return nil, err
		}
		policy.Libc = flavor
	}

	for name, ver := range yp.MinGlibc {
		arch, err := entities.ParseArchitecture(name)
		if err != nil {
			return nil, err
		}
		policy.MinGlibc[arch] = ver
	}
	for name, namespaces := range yp.SymbolVersions {
		arch, err := entities.ParseArchitecture(name)
		if err != nil {
			return nil, err
		}
		merged := policy.SymbolVersions[arch]
		if merged == nil {
			merged = map[string][]string{}
			policy.SymbolVersions[arch] = merged
		}
		for ns, versions := range namespaces {
			merged[ns] = union(merged[ns], versions)
		}
	}

	policy.LibraryWhitelist = union(policy.LibraryWhitelist, yp.Whitelist)
	if len(yp.Blacklist) > 0 && policy.SymbolBlacklist == nil {
		policy.SymbolBlacklist = map[string][]string{}
	}
	for lib, symbols := range yp.Blacklist {
		policy.SymbolBlacklist[lib] = union(policy.SymbolBlacklist[lib], symbols)
	}

	if policy.Priority <= 0 {
		return nil, fmt.Errorf("priority must be positive")
	}
	if len(policy.SymbolVersions) == 0 {
		return nil, fmt.Errorf("no architectures defined")
	}
	if policy.Libc == entities.LibcGlibc {
		for arch := range policy.SymbolVersions {
			if policy.MinGlibc[arch] == "" {
				return nil, fmt.Errorf("missing min_glibc for %s", arch)
			}
		}
	}
	return policy, nil
}

// copyTables deep-copies base so the built-in policy stays immutable
func copyTables(dst, base *entities.Policy) {
	if dst.Name == base.Name {
		dst.Aliases = append([]string(nil), base.Aliases...)
	}
	dst.Libc = base.Libc
	for arch, v := range base.MinGlibc {
		dst.MinGlibc[arch] = v
	}
	for arch, namespaces := range base.SymbolVersions {
		m := make(map[string][]string, len(namespaces))
		for ns, versions := range namespaces {
			m[ns] = append([]string(nil), versions...)
		}
		dst.SymbolVersions[arch] = m
	}
	dst.LibraryWhitelist = append([]string(nil), base.LibraryWhitelist...)
	if base.SymbolBlacklist != nil {
		dst.SymbolBlacklist = make(map[string][]string, len(base.SymbolBlacklist))
		for lib, symbols := range base.SymbolBlacklist {
			dst.SymbolBlacklist[lib] = append([]string(nil), symbols...)
		}
	}
}

func convertLibc(s string) (entities.LibcFlavor, error) {
	switch entities.LibcFlavor(s) {
	case entities.LibcGlibc, entities.LibcMusl:
		return entities.LibcFlavor(s), nil
	default:
		return "", fmt.Errorf("unknown libc %q", s)
	}
}

// union appends the entries of extra missing from list, keeping order
func union(list, extra []string) []string {
	seen := make(map[string]bool, len(list))
	for _, s := range list {
		seen[s] = true
	}
	for _, s := range extra {
		if !seen[s] {
			seen[s] = true
			list = append(list, s)
		}
	}
	return list
}

// policyNames lists names for diagnostics
func policyNames(list []*entities.Policy) []string {
	names := make([]string, 0, len(list))
	for _, p := range list {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}
