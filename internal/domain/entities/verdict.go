package entities

import (
	"fmt"
	"strings"
)

// ViolationKind tags the variant of a Violation
type ViolationKind string

// Violation kinds
const (
	DisallowedSymbol        ViolationKind = "disallowed-symbol"
	DisallowedLibrary       ViolationKind = "disallowed-library"
	UnresolvedLibrary       ViolationKind = "unresolved-library"
	GlibcTooNew             ViolationKind = "glibc-too-new"
	BlacklistedSymbol       ViolationKind = "blacklisted-symbol"
	UnsupportedArchitecture ViolationKind = "unsupported-architecture"
	LinksLibPython          ViolationKind = "links-libpython"
)

// Violation is one reason a binary does not satisfy a policy.
// Which fields are set depends on Kind.
type Violation struct {
	Kind       ViolationKind `json:"kind"`
	Library    string        `json:"library,omitempty"`
	Symbol     string        `json:"symbol,omitempty"`
	Version    string        `json:"version,omitempty"`
	Required   string        `json:"required,omitempty"`
	MaxAllowed string        `json:"max_allowed,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	// Resolvable is set on DisallowedLibrary when the library exists on disk
	Resolvable bool `json:"resolvable,omitempty"`
}

// Repairable reports whether grafting the library into the artifact fixes this violation
func (v Violation) Repairable() bool {
	return v.Kind == DisallowedLibrary && v.Resolvable
}

func (v Violation) String() string {
	switch v.Kind {
	case DisallowedSymbol:
		if v.Symbol == "" {
			return fmt.Sprintf("%s requires version %s which the policy does not allow", v.Library, v.Version)
		}
		return fmt.Sprintf("%s: symbol %s@%s is too new", v.Library, v.Symbol, v.Version)
	case DisallowedLibrary:
		return fmt.Sprintf("links forbidden library %s", v.Library)
	case UnresolvedLibrary:
		if v.Detail != "" {
			return fmt.Sprintf("library %s could not be resolved (%s)", v.Library, v.Detail)
		}
		return fmt.Sprintf("library %s could not be resolved", v.Library)
	case GlibcTooNew:
		return fmt.Sprintf("requires glibc %s but the policy allows at most %s", v.Required, v.MaxAllowed)
	case BlacklistedSymbol:
		return fmt.Sprintf("%s: symbol %s is black-listed", v.Library, v.Symbol)
	case UnsupportedArchitecture:
		return fmt.Sprintf("architecture %s is not covered by the policy", v.Detail)
	case LinksLibPython:
		return fmt.Sprintf("links libpython (%s), which extension modules must not do", v.Library)
	default:
		return string(v.Kind)
	}
}

// ComplianceVerdict is the outcome of evaluating one binary against one policy
type ComplianceVerdict struct {
	PolicyName string      `json:"policy"`
	Priority   int         `json:"priority"`
	Satisfied  bool        `json:"satisfied"`
	Violations []Violation `json:"violations"`
}

// RepairableOnly reports whether every violation can be fixed by grafting.
// A satisfied verdict is trivially repairable.
func (v *ComplianceVerdict) RepairableOnly() bool {
	for _, violation := range v.Violations {
		if !violation.Repairable() {
			return false
		}
	}
	return true
}

// Of returns the violations of one kind, in verdict order
func (v *ComplianceVerdict) Of(kind ViolationKind) []Violation {
	var out []Violation
	for _, violation := range v.Violations {
		if violation.Kind == kind {
			out = append(out, violation)
		}
	}
	return out
}

// Libraries returns the library names of the violations of one kind
func (v *ComplianceVerdict) Libraries(kind ViolationKind) []string {
	var out []string
	for _, violation := range v.Of(kind) {
		out = append(out, violation.Library)
	}
	return out
}

// Summary renders a one-line description of the verdict
func (v *ComplianceVerdict) Summary() string {
	if v.Satisfied {
		return fmt.Sprintf("%s: compliant", v.PolicyName)
	}
	reasons := make([]string, 0, len(v.Violations))
	for _, violation := range v.Violations {
		reasons = append(reasons, violation.String())
	}
	return fmt.Sprintf("%s: %d violation(s): %s", v.PolicyName, len(v.Violations), strings.Join(reasons, "; "))
}

// Selection is the result of picking the best policy for a graph
type Selection struct {
	Policy  *Policy
	Verdict ComplianceVerdict
}

// GraftPlan is the outcome of simulating a repair against one policy
type GraftPlan struct {
	Policy *Policy
	// Libraries are the requested names to graft, in the order they were found
	Libraries []string
	// Verdict is what evaluation reports once those libraries ship with the binary
	Verdict ComplianceVerdict
}

// Feasible reports whether grafting Libraries makes the binary satisfy the policy
func (p GraftPlan) Feasible() bool {
	return p.Verdict.Satisfied
}
