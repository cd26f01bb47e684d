package prepack

import (
	"fmt"
	"slices"
)

// keyedBlobs maps a cache key to its blob. One instance is shared by every
// subgraph of a ForSerialization tree.
type keyedBlobs map[string]*PrePackedWeights

// ForSerialization holds prepacked blobs on their way to or from disk.
//
// In save mode it collects freshly packed weights, and a fresh pack replaces
// any blob with the same key that was read from disk. In load mode it holds
// blobs read from disk, and inserting a key twice is an error.
//
// The tree is built during a single-threaded load or save pass and is not
// safe for concurrent mutation. Concurrent lookups are safe once it is built.
type ForSerialization struct {
	blobs keyedBlobs
	main  *Subgraph
}

// NewForSerialization returns an empty container in load mode.
func NewForSerialization() *ForSerialization {
	blobs := make(keyedBlobs)
	return &ForSerialization{
		blobs: blobs,
		main:  newSubgraph(nil, blobs, false),
	}
}

// MainGraph returns the root scope.
func (s *ForSerialization) MainGraph() *Subgraph {
	return s.main
}

// NumberOfKeyedBlobs returns the number of blobs across all scopes.
func (s *ForSerialization) NumberOfKeyedBlobs() int {
	return len(s.blobs)
}

// SetSaveMode sets the mode of the root scope. Subgraphs created afterwards
// inherit it.
func (s *ForSerialization) SetSaveMode(on bool) {
	s.main.SetSaveMode(on)
}

// Keys returns every blob key in sorted order.
func (s *ForSerialization) Keys() []string {
	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Subgraph is one scope of the tree, keyed by the identity of a graph handle.
type Subgraph struct {
	saveMode bool
	parent   *Subgraph
	blobs    keyedBlobs

	// weightPrepacks associates a weight name with the keys of its packs. A
	// weight packed by several kernels has several keys.
	weightPrepacks map[string][]string
	children       map[any]*Subgraph
}

func newSubgraph(parent *Subgraph, blobs keyedBlobs, saveMode bool) *Subgraph {
	return &Subgraph{
		saveMode:       saveMode,
		parent:         parent,
		blobs:          blobs,
		weightPrepacks: make(map[string][]string),
		children:       make(map[any]*Subgraph),
	}
}

// Parent returns the enclosing scope, or nil for the main graph.
func (g *Subgraph) Parent() *Subgraph {
	return g.parent
}

// GetOrCreateSubgraph returns the child scope for graph, creating it with the
// current save mode if needed. graph must be comparable; it is only used as a
// map key.
func (g *Subgraph) GetOrCreateSubgraph(graph any) *Subgraph {
	if child, ok := g.children[graph]; ok {
		return child
	}
	child := newSubgraph(g, g.blobs, g.saveMode)
	g.children[graph] = child
	return child
}

// GetSubgraph returns the child scope for graph without creating it.
func (g *Subgraph) GetSubgraph(graph any) *Subgraph {
	return g.children[graph]
}

// InsertFromDisk adds a blob read from disk. It does not record weight names.
// A key that is already present means the serialized cache is corrupt.
func (g *Subgraph) InsertFromDisk(key string, w PrePackedWeights) error {
	if _, ok := g.blobs[key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	g.blobs[key] = &w
	return nil
}

// CreateOrOverWrite stores w under key, replacing any existing blob, and
// records key against weightName in this scope. It reports whether the key
// was new.
func (g *Subgraph) CreateOrOverWrite(weightName, key string, w PrePackedWeights) bool {
	existing, ok := g.blobs[key]
	if ok {
		*existing = w
	} else {
		g.blobs[key] = &w
	}
	g.weightPrepacks[weightName] = append(g.weightPrepacks[weightName], key)
	return !ok
}

// GetPrepackedWeights looks key up across the whole tree. A miss means the
// weight has to be packed.
func (g *Subgraph) GetPrepackedWeights(key string) (*PrePackedWeights, bool) {
	w, ok := g.blobs[key]
	return w, ok
}

// WeightPrepacks returns the keys recorded for weightName in this scope, in
// insertion order.
func (g *Subgraph) WeightPrepacks(weightName string) []string {
	return slices.Clone(g.weightPrepacks[weightName])
}

// WeightNames returns the weight names with recorded packs, sorted.
func (g *Subgraph) WeightNames() []string {
	names := make([]string, 0, len(g.weightPrepacks))
	for name := range g.weightPrepacks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (g *Subgraph) IsSaveModeOn() bool {
	return g.saveMode
}

func (g *Subgraph) SetSaveMode(on bool) {
	g.saveMode = on
}
