package policies

import (
	"fmt"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
)

// defaultPolicies is built once at startup and never mutated afterwards
var defaultPolicies = builtinPolicies()

// Registry is an immutable, priority-sorted set of policies
type Registry struct {
	policies []*entities.Policy
}

// NewRegistry returns the built-in table, extended with extra tiers.
// An extra tier that reuses a built-in name replaces it.
func NewRegistry(extra ...*entities.Policy) (*Registry, error) {
	list := make([]*entities.Policy, 0, len(defaultPolicies)+len(extra))
	replaced := make(map[string]bool, len(extra))
	for _, p := range extra {
		if p == nil || p.Name == "" {
			return nil, fmt.Errorf("policy without a name")
		}
		if p.Name == LinuxPolicyName {
			return nil, fmt.Errorf("policy name %q is reserved", LinuxPolicyName)
		}
		if replaced[p.Name] {
			return nil, fmt.Errorf("duplicate policy %q", p.Name)
		}
		replaced[p.Name] = true
	}
	for _, p := range defaultPolicies {
		if !replaced[p.Name] {
			list = append(list, p)
		}
	}
	list = append(list, extra...)
	sortByPriority(list)
	return &Registry{policies: list}, nil
}

// Default returns the registry holding only the built-in table
func Default() *Registry {
	return &Registry{policies: defaultPolicies}
}

// Policies returns every evaluated tier, most restrictive first.
// The returned policies are shared and must not be modified.
func (r *Registry) Policies() []*entities.Policy {
	out := make([]*entities.Policy, len(r.policies))
	copy(out, r.policies)
	return out
}

// PolicyByName finds a policy by name or alias
func (r *Registry) PolicyByName(name string) (*entities.Policy, error) {
	if name == LinuxPolicyName {
		return linuxPolicy, nil
	}
	for _, p := range r.policies {
		if p.Matches(name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", entities.ErrUnknownPolicy, name)
}

// ForFlavor returns the tiers of one libc flavor, most restrictive first
func (r *Registry) ForFlavor(flavor entities.LibcFlavor) []*entities.Policy {
	var out []*entities.Policy
	for _, p := range r.policies {
		if p.Libc == flavor {
			out = append(out, p)
		}
	}
	return out
}

// Linux returns the fallback policy
func (r *Registry) Linux() *entities.Policy {
	return linuxPolicy
}
