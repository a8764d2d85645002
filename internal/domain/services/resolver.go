// Package services implements domain business logic and use cases.
package services

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces/gateways"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces/services"
)

// dependencyResolver walks DT_NEEDED breadth-first, searching directories in
// the order the dynamic loader would
type dependencyResolver struct {
	parser gateways.BinaryParser
	logger interfaces.Logger
}

// NewDependencyResolver creates a new dependency resolver with dependency injection
func NewDependencyResolver(parser gateways.BinaryParser, logger interfaces.Logger) services.DependencyResolver {
	return &dependencyResolver{parser: parser, logger: interfaces.OrNoOp(logger)}
}

// searchDir is one expanded RPATH/RUNPATH entry
type searchDir struct {
	dir   string
	viaRP bool
}

type pending struct {
	name     string
	consumer *entities.LibraryNode
	// inherited are the expanded RPATH directories of the consumer and its
	// loaders; objects with a RUNPATH contribute nothing
	inherited []string
	depth     int
}

type candidate struct {
	path   string
	origin entities.LibraryOrigin
}

// Resolve builds the dependency graph of root
func (r *dependencyResolver) Resolve(ctx context.Context, root entities.BinaryImage, search entities.SearchContext) (*entities.DependencyGraph, error) {
	rootNode := &entities.LibraryNode{
		Name:         filepath.Base(root.Path()),
		ResolvedPath: root.Path(),
		Image:        root,
		Origin:       entities.OriginBundled,
		Needed:       root.Needed(),
	}
	graph := entities.NewDependencyGraph(rootNode)
	if search.RootDir == "" {
		search.RootDir = filepath.Dir(root.Path())
	}

	// real path -> canonical key, for SONAME symlink dedup
	byRealPath := map[string]string{}
	if real, err := filepath.EvalSymlinks(root.Path()); err == nil {
		byRealPath[real] = rootNode.Name
	}
	visited := map[string]bool{rootNode.Name: true}
	if soname := root.Soname(); soname != "" {
		graph.Alias(soname, rootNode.Name)
		visited[soname] = true
	}

	queue := r.children(rootNode, nil, 1, search)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := queue[0]
		queue = queue[1:]

		if visited[item.name] {
			continue
		}
		visited[item.name] = true
		if _, ok := graph.Key(item.name); ok {
			continue
		}

		if entities.IsDynamicLoader(item.name) {
			graph.Add(item.name, &entities.LibraryNode{
				Name:         item.name,
				ResolvedPath: loaderPath(item.consumer, item.name),
				Origin:       entities.OriginSystem,
				Depth:        item.depth,
			})
			continue
		}

		node := r.resolveOne(ctx, item, search)
		if node.IsResolved() {
			real, err := filepath.EvalSymlinks(node.ResolvedPath)
			if err != nil {
				real = node.ResolvedPath
			}
			if key, ok := byRealPath[real]; ok {
				graph.Alias(item.name, key)
				continue
			}
			if soname := node.Image.Soname(); soname != "" && soname != item.name {
				if key, ok := graph.Key(soname); ok {
					graph.Alias(item.name, key)
					continue
				}
			}
			byRealPath[real] = item.name
		}
		graph.Add(item.name, node)

		if node.IsResolved() {
			if soname := node.Image.Soname(); soname != "" {
				graph.Alias(soname, item.name)
				visited[soname] = true
			}
			queue = append(queue, r.children(node, item.inherited, item.depth+1, search)...)
		}
	}

	r.logger.Debug("dependency graph resolved",
		interfaces.F("binary", root.Path()),
		interfaces.F("nodes", len(graph.Nodes)),
		interfaces.F("unresolved", len(graph.Unresolved())))
	return graph, nil
}

// children queues the needed entries of node. RPATH propagates to descendants,
// RUNPATH never does. A node carrying RUNPATH drops its own RPATH but still
// passes the ancestors' chain down.
func (r *dependencyResolver) children(node *entities.LibraryNode, inherited []string, depth int, search entities.SearchContext) []pending {
	img := node.Image
	chain := inherited
	if len(img.Runpath()) == 0 && len(img.Rpath()) > 0 {
		chain = append(expandPaths(img.Rpath(), node.ResolvedPath, search.Sysroot), inherited...)
	}
	out := make([]pending, 0, len(img.Needed()))
	for _, name := range img.Needed() {
		out = append(out, pending{name: name, consumer: node, inherited: chain, depth: depth})
	}
	return out
}

func (r *dependencyResolver) resolveOne(ctx context.Context, item pending, search entities.SearchContext) *entities.LibraryNode {
	node := &entities.LibraryNode{
		Name:   item.name,
		Origin: entities.OriginUnresolved,
		Depth:  item.depth,
	}

	for _, c := range r.candidates(item, search) {
		info, err := os.Stat(c.path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		img, err := r.parser.Parse(ctx, c.path)
		if err != nil {
			r.logger.Warn("failed to parse dependency, treating it as unresolved",
				interfaces.F("library", item.name),
				interfaces.F("path", c.path),
				interfaces.Err(err))
			node.ResolvedPath = c.path
			node.Error = err.Error()
			return node
		}
		consumer := item.consumer.Image
		if img.Class() != consumer.Class() || img.Architecture() != consumer.Architecture() {
			r.logger.Debug("skipping incompatible candidate",
				interfaces.F("library", item.name),
				interfaces.F("path", c.path),
				interfaces.F("arch", img.Architecture()))
			continue
		}

		node.ResolvedPath = c.path
		node.Image = img
		node.Needed = img.Needed()
		node.Origin = c.origin
		if c.origin != entities.OriginBundled && underDir(c.path, search.ArtifactRoot) {
			node.Origin = entities.OriginBundled
		}
		return node
	}
	return node
}

// candidates lists file paths in loader search order
func (r *dependencyResolver) candidates(item pending, search entities.SearchContext) []candidate {
	var out []candidate
	add := func(dirs []searchDir, origin entities.LibraryOrigin) {
		for _, d := range dirs {
			o := origin
			if d.viaRP {
				o = entities.OriginRpathRelative
			}
			out = append(out, candidate{path: filepath.Join(d.dir, item.name), origin: o})
		}
	}

	if p, ok := search.Bundled[item.name]; ok {
		out = append(out, candidate{path: p, origin: entities.OriginBundled})
	}
	add(plain(search.BundledDirs), entities.OriginBundled)

	img := item.consumer.Image
	runpath := expandPaths(img.Runpath(), item.consumer.ResolvedPath, search.Sysroot)
	if len(runpath) == 0 {
		// the consumer's own RPATH followed by those of its loaders
		add(viaRpath(item.inherited), "")
	}
	add(viaRpath(runpath), "")

	add(plain(search.LibraryDirs), entities.OriginSystem)
	if search.RootDir != "" {
		add(plain([]string{search.RootDir}), entities.OriginSystem)
	}
	add(plain(search.SystemDirs), entities.OriginSystem)
	return out
}

func plain(dirs []string) []searchDir {
	out := make([]searchDir, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, searchDir{dir: d})
	}
	return out
}

func viaRpath(dirs []string) []searchDir {
	out := make([]searchDir, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, searchDir{dir: d, viaRP: true})
	}
	return out
}

// expandPaths substitutes $ORIGIN with the directory of the declaring binary
// and roots absolute entries under sysroot
func expandPaths(entries []string, declaredBy, sysroot string) []string {
	origin := filepath.Dir(declaredBy)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		expanded := strings.NewReplacer("${ORIGIN}", origin, "$ORIGIN", origin).Replace(e)
		if expanded == "" {
			continue
		}
		if filepath.IsAbs(e) && sysroot != "" && sysroot != "/" {
			expanded = filepath.Join(sysroot, expanded)
		}
		out = append(out, filepath.Clean(expanded))
	}
	return out
}

func underDir(path, dir string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func loaderPath(consumer *entities.LibraryNode, name string) string {
	if consumer == nil || consumer.Image == nil {
		return ""
	}
	if interp := consumer.Image.Interpreter(); filepath.Base(interp) == name {
		return interp
	}
	return ""
}
