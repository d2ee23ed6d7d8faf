package stage

import (
	"github.com/RoaringBitmap/roaring"
)

// Entry is a node of an indexed forest with its position.
type Entry struct {
	Ordinal uint32
	Path    string // slash-joined names from the root
	Depth   int    // 0 for roots
	Node    *Classified
}

// Index flattens a classified forest in pre-order and keeps one bitmap of
// ordinals per schema for set queries.
type Index struct {
	entries  []Entry
	byPath   map[string]uint32
	bySchema map[Schema]*roaring.Bitmap
	roots    *roaring.Bitmap
	// collisions are paths reached by more than one node, such as a root
	// named "a/b" next to a root "a" holding "b".
	collisions []string
}

// NewIndex indexes forest. The forest is not copied.
func NewIndex(forest []*Classified) *Index {
	ix := &Index{
		byPath:   make(map[string]uint32),
		bySchema: make(map[Schema]*roaring.Bitmap, len(Schemas)),
		roots:    roaring.New(),
	}
	for _, s := range Schemas {
		ix.bySchema[s] = roaring.New()
	}
	for _, c := range forest {
		ix.add(c, "", 0)
	}
	return ix
}

func (ix *Index) add(c *Classified, parent string, depth int) {
	path := c.Name
	if parent != "" {
		path = parent + "/" + c.Name
	}
	ord := uint32(len(ix.entries))
	ix.entries = append(ix.entries, Entry{Ordinal: ord, Path: path, Depth: depth, Node: c})
	if _, taken := ix.byPath[path]; taken {
		ix.collisions = append(ix.collisions, path)
	} else {
		ix.byPath[path] = ord
	}

	bm, ok := ix.bySchema[c.Schema]
	if !ok {
		bm = roaring.New()
		ix.bySchema[c.Schema] = bm
	}
	bm.Add(ord)
	if depth == 0 {
		ix.roots.Add(ord)
	}

	for _, child := range c.Objects {
		ix.add(child, path, depth+1)
	}
}

// Len returns the number of indexed nodes.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Collisions returns the paths shared by several nodes. Lookup resolves
// such a path to the first node in pre-order.
func (ix *Index) Collisions() []string {
	return ix.collisions
}

// Lookup returns the node at a slash-joined path. A leading slash is ignored.
func (ix *Index) Lookup(path string) (Entry, bool) {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	ord, ok := ix.byPath[path]
	if !ok {
		return Entry{}, false
	}
	return ix.entries[ord], true
}

// Count returns how many nodes carry schema s.
func (ix *Index) Count(s Schema) int {
	bm, ok := ix.bySchema[s]
	if !ok {
		return 0
	}
	return int(bm.GetCardinality())
}

// WithSchema returns every node carrying schema s, in pre-order.
func (ix *Index) WithSchema(s Schema) []Entry {
	bm, ok := ix.bySchema[s]
	if !ok {
		return nil
	}
	return ix.collect(bm)
}

// Roots returns the top-level nodes carrying schema s.
func (ix *Index) Roots(s Schema) []Entry {
	bm, ok := ix.bySchema[s]
	if !ok {
		return nil
	}
	return ix.collect(roaring.And(bm, ix.roots))
}

func (ix *Index) collect(bm *roaring.Bitmap) []Entry {
	out := make([]Entry, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, ix.entries[it.Next()])
	}
	return out
}

// Summary describes a classified stage.
type Summary struct {
	Level DataLevel `json:"level"`
	// Unparsed is the number of raw top-level entries before classification.
	Unparsed int `json:"unparsed"`
	// Roots is the number of top-level nodes that survived.
	Roots    int `json:"roots"`
	Studies  int `json:"studies"`
	Datasets int `json:"datasets"`
	Mixed    int `json:"mixed"`
	Files    int `json:"files"`
}

// Summarize counts a classified forest against its raw listing.
func Summarize(raw *Mapping, level DataLevel, forest []*Classified) Summary {
	ix := NewIndex(forest)
	return Summary{
		Level:    level,
		Unparsed: raw.Len(),
		Roots:    len(forest),
		Studies:  ix.Count(SchemaStudy),
		Datasets: ix.Count(SchemaDataset),
		Mixed:    ix.Count(SchemaMix),
		Files:    ix.Count(SchemaFile),
	}
}
