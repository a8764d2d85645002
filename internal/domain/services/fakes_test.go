package services

import (
	"github.com/ochairo/wheelaudit/internal/domain/entities"
)

// fakeImage is an in-memory BinaryImage for evaluator tests
type fakeImage struct {
	path     string
	arch     entities.Architecture
	soname   string
	needed   []string
	imports  []entities.SymbolRef
	requires []entities.VersionNeed
}

func (f *fakeImage) Path() string                        { return f.path }
func (f *fakeImage) Format() entities.BinaryFormat       { return entities.FormatELF }
func (f *fakeImage) Architecture() entities.Architecture { return f.arch }
func (f *fakeImage) Class() int                          { return f.arch.Bits() }
func (f *fakeImage) IsPIE() bool                         { return false }
func (f *fakeImage) Soname() string                      { return f.soname }
func (f *fakeImage) Needed() []string                    { return f.needed }
func (f *fakeImage) Rpath() []string                     { return nil }
func (f *fakeImage) Runpath() []string                   { return nil }
func (f *fakeImage) Interpreter() string                 { return "" }
func (f *fakeImage) ImportedSymbols() []entities.SymbolRef {
	return f.imports
}
func (f *fakeImage) ExportedSymbols() []entities.SymbolRef { return nil }
func (f *fakeImage) VersionRequirements() []entities.VersionNeed {
	return f.requires
}
func (f *fakeImage) VersionDefinitions() []string { return nil }

// versioned builds an image whose imports and version requirements agree
func versioned(path string, needed []string, imports ...entities.SymbolRef) *fakeImage {
	img := &fakeImage{path: path, arch: entities.ArchX8664, needed: needed, imports: imports}
	index := map[string]int{}
	for _, sym := range imports {
		if sym.Version == "" {
			continue
		}
		i, ok := index[sym.Library]
		if !ok {
			img.requires = append(img.requires, entities.VersionNeed{Library: sym.Library})
			i = len(img.requires) - 1
			index[sym.Library] = i
		}
		if !containsString(img.requires[i].Versions, sym.Version) {
			img.requires[i].Versions = append(img.requires[i].Versions, sym.Version)
		}
	}
	return img
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// graphOf builds a graph with root and one node per dependency. Dependencies
// with a nil image are unresolved.
func graphOf(root *fakeImage, deps map[string]*fakeImage, origins map[string]entities.LibraryOrigin) *entities.DependencyGraph {
	g := entities.NewDependencyGraph(&entities.LibraryNode{
		Name:         "root.so",
		ResolvedPath: root.path,
		Image:        root,
		Origin:       entities.OriginBundled,
		Needed:       root.needed,
	})
	for _, name := range root.needed {
		img, ok := deps[name]
		if !ok {
			continue
		}
		node := &entities.LibraryNode{Name: name, Depth: 1, Origin: entities.OriginUnresolved}
		if img != nil {
			node.Image = img
			node.ResolvedPath = img.path
			node.Needed = img.needed
			node.Origin = entities.OriginSystem
			if o, ok := origins[name]; ok {
				node.Origin = o
			}
		}
		g.Add(name, node)
	}
	return g
}

func sym(name, version, library string) entities.SymbolRef {
	return entities.SymbolRef{Name: name, Version: version, Library: library}
}
