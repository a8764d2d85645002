package gateways

import "github.com/ochairo/wheelaudit/internal/domain/entities"

// ELFImage is the ELF implementation of entities.BinaryImage
type ELFImage struct {
	path         string
	arch         entities.Architecture
	class        int
	pie          bool
	soname       string
	needed       []string
	rpath        []string
	runpath      []string
	interpreter  string
	imports      []entities.SymbolRef
	exports      []entities.SymbolRef
	requirements []entities.VersionNeed
	definitions  []string
}

var _ entities.BinaryImage = (*ELFImage)(nil)

// Path returns the file the image was parsed from
func (i *ELFImage) Path() string { return i.path }

// Format returns entities.FormatELF
func (i *ELFImage) Format() entities.BinaryFormat { return entities.FormatELF }

// Architecture returns the CPU architecture
func (i *ELFImage) Architecture() entities.Architecture { return i.arch }

// Class returns 32 or 64
func (i *ELFImage) Class() int { return i.class }

// IsPIE reports whether the file is a position independent executable
func (i *ELFImage) IsPIE() bool { return i.pie }

// Soname returns DT_SONAME, empty when absent
func (i *ELFImage) Soname() string { return i.soname }

// Needed returns DT_NEEDED in file order
func (i *ELFImage) Needed() []string { return i.needed }

// Rpath returns the DT_RPATH entries
func (i *ELFImage) Rpath() []string { return i.rpath }

// Runpath returns the DT_RUNPATH entries
func (i *ELFImage) Runpath() []string { return i.runpath }

// Interpreter returns the PT_INTERP path
func (i *ELFImage) Interpreter() string { return i.interpreter }

// ImportedSymbols returns undefined dynamic symbols
func (i *ELFImage) ImportedSymbols() []entities.SymbolRef { return i.imports }

// ExportedSymbols returns defined global dynamic symbols
func (i *ELFImage) ExportedSymbols() []entities.SymbolRef { return i.exports }

// VersionRequirements returns the .gnu.version_r table
func (i *ELFImage) VersionRequirements() []entities.VersionNeed { return i.requirements }

// VersionDefinitions returns the .gnu.version_d names, base definition excluded
func (i *ELFImage) VersionDefinitions() []string { return i.definitions }
