package entities

import "strings"

// BinaryFormat identifies the container format of a binary image
type BinaryFormat string

// Known binary formats
const (
	FormatELF BinaryFormat = "elf"
)

// SymbolRef is a dynamic symbol reference, optionally versioned.
// Library is the file named by the version requirement, empty for unversioned imports
// and for exports.
type SymbolRef struct {
	Name    string
	Version string
	Library string
}

// String renders the symbol the way readelf and auditwheel do (name@version)
func (s SymbolRef) String() string {
	if s.Version == "" {
		return s.Name
	}
	return s.Name + "@" + s.Version
}

// VersionNeed is one entry of a version requirement table: a library and the
// version names required from it
type VersionNeed struct {
	Library  string
	Versions []string
}

// BinaryImage is a parsed, read-only view of one shared object or executable.
// The dependency resolver and the compliance evaluator only use this interface.
type BinaryImage interface {
	Path() string
	Format() BinaryFormat
	Architecture() Architecture
	// Class returns 32 or 64
	Class() int
	IsPIE() bool
	Soname() string
	// Needed returns DT_NEEDED entries in on-disk order, duplicates preserved
	Needed() []string
	Rpath() []string
	Runpath() []string
	Interpreter() string
	ImportedSymbols() []SymbolRef
	ExportedSymbols() []SymbolRef
	VersionRequirements() []VersionNeed
	VersionDefinitions() []string
}

// IsDynamicLoader reports whether a library name is a program interpreter
// rather than an ordinary shared library
func IsDynamicLoader(name string) bool {
	return strings.HasPrefix(name, "ld-linux") ||
		strings.HasPrefix(name, "ld-musl-") ||
		name == "ld64.so.1" ||
		name == "ld64.so.2" ||
		name == "ld.so.1"
}

// SplitSymbolVersion splits a version name such as GLIBC_2.17 into its
// namespace (GLIBC) and version (2.17)
func SplitSymbolVersion(v string) (namespace, version string, ok bool) {
	namespace, version, ok = strings.Cut(v, "_")
	if !ok || namespace == "" || version == "" {
		return "", "", false
	}
	return namespace, version, true
}
