package entities

// LibraryOrigin describes where a dependency was found
type LibraryOrigin string

// Library origins
const (
	OriginSystem        LibraryOrigin = "system"
	OriginBundled       LibraryOrigin = "bundled-in-artifact"
	OriginRpathRelative LibraryOrigin = "rpath-relative"
	OriginUnresolved    LibraryOrigin = "unresolved"
)

// LibraryNode is one vertex of a dependency graph. Edges are kept by name so the
// graph stays serializable and tolerates missing nodes.
type LibraryNode struct {
	Name         string
	ResolvedPath string
	Image        BinaryImage `json:"-"`
	Origin       LibraryOrigin
	Needed       []string
	Depth        int
	// Error is set when a candidate file was found but could not be parsed
	Error string `json:",omitempty"`
}

// IsResolved reports whether the node was found on disk and parsed
func (n *LibraryNode) IsResolved() bool {
	return n.Origin != OriginUnresolved && n.Image != nil
}

// InArtifact reports whether the node ships inside the audited artifact
func (n *LibraryNode) InArtifact() bool {
	return n.Origin == OriginBundled
}

// DependencyGraph maps library names to nodes, rooted at the audited binary
type DependencyGraph struct {
	Root    string
	Nodes   map[string]*LibraryNode
	Aliases map[string]string
	// Order is the breadth-first discovery order of canonical node keys
	Order []string
}

// NewDependencyGraph creates an empty graph rooted at the given node
func NewDependencyGraph(root *LibraryNode) *DependencyGraph {
	g := &DependencyGraph{
		Root:    root.Name,
		Nodes:   make(map[string]*LibraryNode),
		Aliases: make(map[string]string),
	}
	g.Add(root.Name, root)
	return g
}

// Add stores a node under its canonical key
func (g *DependencyGraph) Add(key string, node *LibraryNode) {
	if _, exists := g.Nodes[key]; !exists {
		g.Order = append(g.Order, key)
	}
	g.Nodes[key] = node
	if node.Name != key {
		g.Aliases[node.Name] = key
	}
}

// Alias records that a requested name refers to an existing canonical key
func (g *DependencyGraph) Alias(name, key string) {
	if name != key {
		g.Aliases[name] = key
	}
}

// Key returns the canonical key for a name, following aliases
func (g *DependencyGraph) Key(name string) (string, bool) {
	if _, ok := g.Nodes[name]; ok {
		return name, true
	}
	if key, ok := g.Aliases[name]; ok {
		return key, true
	}
	return "", false
}

// Lookup returns the node for a requested name, following aliases
func (g *DependencyGraph) Lookup(name string) (*LibraryNode, bool) {
	key, ok := g.Key(name)
	if !ok {
		return nil, false
	}
	node, ok := g.Nodes[key]
	return node, ok
}

// RootNode returns the node of the audited binary
func (g *DependencyGraph) RootNode() *LibraryNode {
	return g.Nodes[g.Root]
}

// Walk visits nodes in discovery order until fn returns false
func (g *DependencyGraph) Walk(fn func(key string, node *LibraryNode) bool) {
	for _, key := range g.Order {
		if !fn(key, g.Nodes[key]) {
			return
		}
	}
}

// Clone copies the graph structure. Nodes are shared until replaced with Add.
func (g *DependencyGraph) Clone() *DependencyGraph {
	c := &DependencyGraph{
		Root:    g.Root,
		Nodes:   make(map[string]*LibraryNode, len(g.Nodes)),
		Aliases: make(map[string]string, len(g.Aliases)),
		Order:   append([]string(nil), g.Order...),
	}
	for k, v := range g.Nodes {
		c.Nodes[k] = v
	}
	for k, v := range g.Aliases {
		c.Aliases[k] = v
	}
	return c
}

// Resolved returns every resolved dependency (the root excluded) in discovery order
func (g *DependencyGraph) Resolved() []*LibraryNode {
	var nodes []*LibraryNode
	g.Walk(func(key string, node *LibraryNode) bool {
		if key != g.Root && node.IsResolved() {
			nodes = append(nodes, node)
		}
		return true
	})
	return nodes
}

// Unresolved returns every dependency that could not be found, in discovery order
func (g *DependencyGraph) Unresolved() []*LibraryNode {
	var nodes []*LibraryNode
	g.Walk(func(_ string, node *LibraryNode) bool {
		if node.Origin == OriginUnresolved {
			nodes = append(nodes, node)
		}
		return true
	})
	return nodes
}

// SearchContext enumerates where the resolver looks for libraries
type SearchContext struct {
	// RootDir is the directory of the audited binary
	RootDir string
	// ArtifactRoot is the directory tree shipped with the artifact; anything
	// resolved below it counts as bundled
	ArtifactRoot string
	// Bundled maps library names to files the packaging layer already copied in
	Bundled map[string]string
	// BundledDirs are searched before anything else
	BundledDirs []string
	// LibraryDirs are extra directories supplied by the packaging layer
	LibraryDirs []string
	// SystemDirs are the system library directories, searched last
	SystemDirs []string
	// Sysroot prefixes absolute RPATH and RUNPATH entries when cross-auditing
	Sysroot string
}
