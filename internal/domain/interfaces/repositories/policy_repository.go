// Package repositories defines interfaces for data access layers.
package repositories

import "github.com/ochairo/wheelaudit/internal/domain/entities"

// PolicyRepository gives access to the compatibility policy table
type PolicyRepository interface {
	// Policies returns every evaluated tier sorted by priority, most restrictive first
	Policies() []*entities.Policy

	// PolicyByName finds a policy by name or alias
	PolicyByName(name string) (*entities.Policy, error)

	// ForFlavor returns the tiers for one libc flavor, most restrictive first
	ForFlavor(flavor entities.LibcFlavor) []*entities.Policy

	// Linux returns the fallback policy that carries no compatibility promise
	Linux() *entities.Policy
}
