package entities

import (
	"fmt"
	"strings"
)

// LibcFlavor identifies the C library a policy targets
type LibcFlavor string

// Libc flavors
const (
	LibcGlibc LibcFlavor = "glibc"
	LibcMusl  LibcFlavor = "musl"
)

// Policy is one compatibility tier. Policies are immutable once registered.
type Policy struct {
	Name     string
	Aliases  []string
	Priority int
	Libc     LibcFlavor
	// MinGlibc is the glibc baseline per architecture; empty for musl policies
	MinGlibc map[Architecture]string
	// SymbolVersions maps architecture -> version namespace (GLIBC, GLIBCXX, ...) -> allowed versions
	SymbolVersions   map[Architecture]map[string][]string
	LibraryWhitelist []string
	// SymbolBlacklist maps a library to symbols that must not be imported from it
	SymbolBlacklist map[string][]string
}

// String renders the policy name together with its aliases
func (p *Policy) String() string {
	if len(p.Aliases) == 0 {
		return p.Name
	}
	return fmt.Sprintf("%s(aka %s)", p.Name, strings.Join(p.Aliases, ","))
}

// Matches reports whether name is the policy name or one of its aliases
func (p *Policy) Matches(name string) bool {
	if p.Name == name {
		return true
	}
	for _, alias := range p.Aliases {
		if alias == name {
			return true
		}
	}
	return false
}

// SupportsArch reports whether the policy defines symbol versions for arch.
// Musl policies carry an empty table for every arch they support.
func (p *Policy) SupportsArch(arch Architecture) bool {
	_, ok := p.SymbolVersions[arch]
	return ok
}

// AllowsLibrary reports whether a SONAME is whitelisted
func (p *Policy) AllowsLibrary(name string) bool {
	for _, lib := range p.LibraryWhitelist {
		if lib == name {
			return true
		}
	}
	return false
}

// AllowsVersion reports whether a version name (e.g. GLIBC_2.17) is allowed on arch
func (p *Policy) AllowsVersion(arch Architecture, version string) bool {
	namespace, ver, ok := SplitSymbolVersion(version)
	if !ok {
		return false
	}
	for _, allowed := range p.SymbolVersions[arch][namespace] {
		if allowed == ver {
			return true
		}
	}
	return false
}

// IsBlacklisted reports whether importing symbol from library is forbidden
func (p *Policy) IsBlacklisted(library, symbol string) bool {
	for _, s := range p.SymbolBlacklist[library] {
		if s == symbol {
			return true
		}
	}
	return false
}

// AllowsSymbol is the (library, symbol, version) whitelist lookup. Unversioned
// symbols are always allowed.
func (p *Policy) AllowsSymbol(arch Architecture, library, symbol, version string) bool {
	if !p.AllowsLibrary(library) || p.IsBlacklisted(library, symbol) {
		return false
	}
	if version == "" {
		return true
	}
	return p.AllowsVersion(arch, version)
}
