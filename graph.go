package coordinator

import (
	"path"
	"sort"
	"time"
)

// FileNode is one file tracked in a DependencyGraph.
type FileNode struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size,omitempty"`
	Language    string `json:"language,omitempty"`
}

// languageOf maps a file extension to the spec's GraphNode.language enum
// (ts, js, py); anything else is left blank.
func languageOf(filePath string) string {
	switch path.Ext(filePath) {
	case ".ts", ".tsx":
		return "ts"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "js"
	case ".py":
		return "py"
	default:
		return ""
	}
}

// GraphNode is the spec §3 wire representation of one file: id = file path,
// type is always "file".
type GraphNode struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Size     int64  `json:"size,omitempty"`
	Language string `json:"language,omitempty"`
}

// GraphEdge is the spec §3 wire representation of a directed import: source
// imports target.
type GraphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// GraphMetadata carries the summary counters a build produces.
type GraphMetadata struct {
	GeneratedAt    time.Time `json:"generated_at"`
	FilesProcessed int       `json:"files_processed"`
	EdgesFound     int       `json:"edges_found"`
}

// GraphView is the read-time shape returned by get_graph: nodes and edges
// sorted deterministically (spec §4.4 "Determinism"), with locks always
// overlaid fresh from LockEngine rather than read from the cached blob
// (spec §3 Invariant: "locks is always overlaid fresh ... never persisted
// inside the cached structural blob").
type GraphView struct {
	Nodes    []GraphNode          `json:"nodes"`
	Edges    []GraphEdge          `json:"edges"`
	Locks    map[string]LockEntry `json:"locks"`
	Version  string               `json:"version"`
	Metadata GraphMetadata        `json:"metadata"`
}

// DependencyGraph is the import graph of one (repo, branch) at the HEAD
// commit it was built from. ForwardEdges holds the direction a parser
// naturally produces (file -> files it imports); the reverse direction used
// by check_status's NEIGHBOR lookups lives in Redis via EdgeIndex rather
// than in this struct, so a cached graph doesn't have to duplicate it.
type DependencyGraph struct {
	Repo         string              `json:"repo"`
	Branch       string              `json:"branch"`
	HeadSHA      string              `json:"head_sha"`
	BuiltAt      time.Time           `json:"built_at"`
	Files        map[string]FileNode `json:"files"`
	ForwardEdges map[string][]string `json:"forward_edges"`
}

// NewDependencyGraph returns an empty graph rooted at headSHA.
func NewDependencyGraph(repo, branch, headSHA string) *DependencyGraph {
	return &DependencyGraph{
		Repo:         repo,
		Branch:       branch,
		HeadSHA:      headSHA,
		BuiltAt:      time.Now(),
		Files:        make(map[string]FileNode),
		ForwardEdges: make(map[string][]string),
	}
}

// AddFileWithSize registers a file along with the size reported by the
// remote tree listing, so get_graph's GraphNode.size is populated.
func (g *DependencyGraph) AddFileWithSize(path, contentHash string, size int64) {
	g.Files[path] = FileNode{Path: path, ContentHash: contentHash, Size: size, Language: languageOf(path)}
}

// RemoveFile drops a file and every edge mentioning it, as both source and
// target (spec §4.4 "Deleted" partition: "node and all incident edges
// removed").
func (g *DependencyGraph) RemoveFile(path string) {
	delete(g.Files, path)
	delete(g.ForwardEdges, path)
	for from, tos := range g.ForwardEdges {
		filtered := tos[:0]
		for _, to := range tos {
			if to != path {
				filtered = append(filtered, to)
			}
		}
		g.ForwardEdges[from] = filtered
	}
}

// ClearEdges drops every outbound edge from path, so a reparse can install a
// fresh set without leaking stale ones (spec §4.4 "outbound-edge rebuild is
// exhaustive").
func (g *DependencyGraph) ClearEdges(path string) {
	delete(g.ForwardEdges, path)
}

// Export produces the deterministic, spec-shaped read view of the graph
// with locks overlaid fresh (never persisted in the cached blob itself).
// Nodes sort by id, edges by (source, target), so two builds of identical
// remote state serialize identically (spec §4.4 "Determinism").
func (g *DependencyGraph) Export(locks map[string]LockEntry) GraphView {
	nodes := make([]GraphNode, 0, len(g.Files))
	for _, f := range g.Files {
		nodes = append(nodes, GraphNode{ID: f.Path, Type: "file", Size: f.Size, Language: f.Language})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	var edges []GraphEdge
	for from, tos := range g.ForwardEdges {
		for _, to := range tos {
			edges = append(edges, GraphEdge{Source: from, Target: to, Type: "import"})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})

	if locks == nil {
		locks = map[string]LockEntry{}
	}

	return GraphView{
		Nodes:   nodes,
		Edges:   edges,
		Locks:   locks,
		Version: g.HeadSHA,
		Metadata: GraphMetadata{
			GeneratedAt:    g.BuiltAt,
			FilesProcessed: len(g.Files),
			EdgesFound:     len(edges),
		},
	}
}

// AddEdge records that from imports to.
func (g *DependencyGraph) AddEdge(from, to string) {
	for _, existing := range g.ForwardEdges[from] {
		if existing == to {
			return
		}
	}
	g.ForwardEdges[from] = append(g.ForwardEdges[from], to)
}
