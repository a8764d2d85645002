// Package gateways provides adapter implementations for binary formats and the host system.
package gateways

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
)

// elfParserGateway reads ELF shared objects and executables using debug/elf.
// GNU symbol versioning tables are decoded by hand in elf_versions.go.
type elfParserGateway struct{}

// NewELFParserGateway creates a new ELF parser gateway
//
//nolint:revive // unexported-return: Intentionally returns concrete type for testability
func NewELFParserGateway() *elfParserGateway {
	return &elfParserGateway{}
}

// Parse reads the file at path into an entities.BinaryImage
func (g *elfParserGateway) Parse(ctx context.Context, path string) (entities.BinaryImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := elf.Open(path)
	if err != nil {
		var formatErr *elf.FormatError
		if errors.As(err, &formatErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %s: %v", entities.ErrMalformedBinary, path, err)
		}
		return nil, fmt.Errorf("failed to open ELF file %s: %w", path, err)
	}
	//nolint:errcheck // Defer close on read-only file
	defer f.Close()

	img, err := g.parseFile(path, f)
	if err != nil {
		if errors.Is(err, entities.ErrUnsupportedArchitecture) || errors.Is(err, entities.ErrMalformedBinary) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", entities.ErrMalformedBinary, path, err)
	}
	return img, nil
}

func (g *elfParserGateway) parseFile(path string, f *elf.File) (*ELFImage, error) {
	if f.Type != elf.ET_DYN && f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%w: %s: unexpected ELF type %s", entities.ErrMalformedBinary, path, f.Type)
	}

	arch, err := machineArchitecture(f.Machine, f.Class, f.Data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	img := &ELFImage{path: path, arch: arch, class: 64}
	if f.Class == elf.ELFCLASS32 {
		img.class = 32
	}

	if img.needed, err = dynStrings(f, elf.DT_NEEDED); err != nil {
		return nil, err
	}
	sonames, err := dynStrings(f, elf.DT_SONAME)
	if err != nil {
		return nil, err
	}
	if len(sonames) > 0 {
		img.soname = sonames[0]
	}
	if img.rpath, err = searchPaths(f, elf.DT_RPATH); err != nil {
		return nil, err
	}
	if img.runpath, err = searchPaths(f, elf.DT_RUNPATH); err != nil {
		return nil, err
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_INTERP {
			continue
		}
		data, err := io.ReadAll(prog.Open())
		if err != nil {
			return nil, fmt.Errorf("failed to read PT_INTERP: %w", err)
		}
		img.interpreter = strings.TrimRight(string(data), "\x00")
		break
	}

	img.pie = f.Type == elf.ET_DYN && (hasFlag1(f, elf.DF_1_PIE) || img.interpreter != "")

	versions, err := readVersionTables(f)
	if err != nil {
		return nil, err
	}
	img.requirements = versions.requirements
	img.definitions = versions.definitions

	syms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("failed to read dynamic symbols: %w", err)
	}
	img.imports, img.exports = classifySymbols(syms, versions)

	return img, nil
}

// machineArchitecture maps e_machine, class and byte order to an architecture name
func machineArchitecture(machine elf.Machine, class elf.Class, data elf.Data) (entities.Architecture, error) {
	switch machine {
	case elf.EM_X86_64:
		return entities.ArchX8664, nil
	case elf.EM_386:
		return entities.ArchI686, nil
	case elf.EM_AARCH64:
		return entities.ArchAarch64, nil
	case elf.EM_ARM:
		return entities.ArchArmv7l, nil
	case elf.EM_PPC64:
		if data == elf.ELFDATA2LSB {
			return entities.ArchPpc64le, nil
		}
		return entities.ArchPpc64, nil
	case elf.EM_S390:
		if class == elf.ELFCLASS64 {
			return entities.ArchS390x, nil
		}
	case elf.EM_RISCV:
		if class == elf.ELFCLASS64 {
			return entities.ArchRiscv64, nil
		}
	}
	return "", fmt.Errorf("%w: %s (%s)", entities.ErrUnsupportedArchitecture, machine, class)
}

func dynStrings(f *elf.File, tag elf.DynTag) ([]string, error) {
	values, err := f.DynString(tag)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", tag, err)
	}
	return values, nil
}

// searchPaths splits every RPATH or RUNPATH entry on ':' and drops empty components
func searchPaths(f *elf.File, tag elf.DynTag) ([]string, error) {
	values, err := dynStrings(f, tag)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, v := range values {
		for _, p := range strings.Split(v, ":") {
			if p != "" {
				paths = append(paths, p)
			}
		}
	}
	return paths, nil
}

func hasFlag1(f *elf.File, flag elf.DynFlag1) bool {
	values, err := f.DynValue(elf.DT_FLAGS_1)
	if err != nil {
		return false
	}
	for _, v := range values {
		if v&uint64(flag) != 0 {
			return true
		}
	}
	return false
}

// classifySymbols splits the dynamic symbol table into imports and exports.
// DynamicSymbols skips the null symbol, so entry i has versym index i+1.
func classifySymbols(syms []elf.Symbol, versions *versionTables) (imports, exports []entities.SymbolRef) {
	defined := make(map[string]bool, len(versions.definitions))
	for _, d := range versions.definitions {
		defined[d] = true
	}

	seenImport := map[entities.SymbolRef]bool{}
	seenExport := map[entities.SymbolRef]bool{}
	for i, sym := range syms {
		bind := elf.ST_BIND(sym.Info)
		if sym.Name == "" || (bind != elf.STB_GLOBAL && bind != elf.STB_WEAK) {
			continue
		}
		version, library := versions.lookup(i + 1)

		if sym.Section == elf.SHN_UNDEF {
			ref := entities.SymbolRef{Name: sym.Name, Version: version, Library: library}
			if !seenImport[ref] {
				seenImport[ref] = true
				imports = append(imports, ref)
			}
			continue
		}

		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_SECTION, elf.STT_FILE:
			continue
		}
		// version definition marker symbols (GLIBC_2.2.5 as an ABS symbol)
		if defined[sym.Name] && sym.Section == elf.SHN_ABS {
			continue
		}
		ref := entities.SymbolRef{Name: sym.Name, Version: version}
		if !seenExport[ref] {
			seenExport[ref] = true
			exports = append(exports, ref)
		}
	}

	sortSymbols(imports)
	sortSymbols(exports)
	return imports, exports
}

func sortSymbols(refs []entities.SymbolRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Name != refs[j].Name {
			return refs[i].Name < refs[j].Name
		}
		if refs[i].Version != refs[j].Version {
			return refs[i].Version < refs[j].Version
		}
		return refs[i].Library < refs[j].Library
	})
}
