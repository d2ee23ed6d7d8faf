package stage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Schema is the role assigned to a surviving node.
type Schema string

const (
	SchemaFile    Schema = "file"
	SchemaDataset Schema = "dataset"
	SchemaStudy   Schema = "study"
	SchemaMix     Schema = "mix"

	// schemaEmpty is never emitted; empty collections are dropped.
	schemaEmpty Schema = "empty"
)

// Schemas lists the emitted schemas in display order.
var Schemas = []Schema{SchemaStudy, SchemaDataset, SchemaMix, SchemaFile}

// DataLevel is the granularity the staging area is browsed at. It only
// affects which nodes survive at the root.
type DataLevel int

const (
	// LevelDataset keeps every non-empty root node.
	LevelDataset DataLevel = iota
	// LevelStudy keeps only study roots.
	LevelStudy
)

func (l DataLevel) String() string {
	if l == LevelStudy {
		return "study"
	}
	return "dataset"
}

// ParseDataLevel parses "study" or "dataset".
func ParseDataLevel(s string) (DataLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "study":
		return LevelStudy, nil
	case "dataset":
		return LevelDataset, nil
	default:
		return LevelDataset, fmt.Errorf("unknown data level %q (want study or dataset)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l DataLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *DataLevel) UnmarshalText(b []byte) error {
	v, err := ParseDataLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

func (l DataLevel) keepsRoot(s Schema) bool {
	if l == LevelStudy {
		return s == SchemaStudy
	}
	return true
}

// Classified is a node of the classified forest.
type Classified struct {
	Name   string
	Kind   Kind
	Schema Schema
	Attrs  map[string]any
	// Objects is the pruned, classified child list of a collection.
	Objects []*Classified
}

// IsLeaf reports whether c is a file.
func (c *Classified) IsLeaf() bool {
	return c.Kind == KindDataObject
}

// MarshalJSON emits the server attributes plus name, object_type, schema
// and, for collections, the classified objects list.
func (c *Classified) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Attrs)+4)
	for k, v := range c.Attrs {
		out[k] = v
	}
	if _, ok := out["name"]; !ok {
		out["name"] = c.Name
	}
	if c.Kind == KindDataObject {
		out["object_type"] = c.Kind.String()
	} else if _, ok := out["object_type"]; !ok {
		out["object_type"] = c.Kind.String()
	}
	out["schema"] = c.Schema
	if !c.IsLeaf() {
		objects := c.Objects
		if objects == nil {
			objects = []*Classified{}
		}
		out["objects"] = objects
	}
	return json.Marshal(out)
}

// Tree classifies a root listing. It is Classify with root set.
func Tree(nodes *Mapping, level DataLevel) []*Classified {
	return Classify(nodes, level, true)
}

// Classify turns a listing into an ordered forest of classified nodes.
//
// Children are classified before their parent. Collections with no
// surviving children are dropped at every depth. When root is true,
// level decides which top-level nodes are kept. The input is not modified.
func Classify(nodes *Mapping, level DataLevel, root bool) []*Classified {
	out := make([]*Classified, 0, nodes.Len())
	nodes.Each(func(name string, n *Node) {
		c, ok := classifyNode(name, n, level)
		if !ok {
			return
		}
		if root && !level.keepsRoot(c.Schema) {
			return
		}
		out = append(out, c)
	})
	return out
}

func classifyNode(name string, n *Node, level DataLevel) (*Classified, bool) {
	if n == nil {
		return nil, false
	}

	c := &Classified{
		Name:  name,
		Kind:  n.Kind,
		Attrs: cloneAttrs(n.Attrs),
	}
	if n.IsLeaf() {
		c.Schema = SchemaFile
		return c, true
	}

	c.Objects = Classify(n.Objects, level, false)
	c.Schema = collectionSchema(c.Objects)
	if c.Schema == schemaEmpty {
		return nil, false
	}
	return c, true
}

// collectionSchema derives a collection's schema from its classified
// children alone.
func collectionSchema(children []*Classified) Schema {
	files := countFiles(children)
	dirs := len(children) - files

	switch {
	case files == 0 && dirs == 0:
		return schemaEmpty
	case dirs == 0:
		return SchemaDataset
	}

	valid := 0
	for _, child := range children {
		if child.Schema == SchemaFile {
			continue
		}
		if isFlatDataset(child) {
			valid++
		}
	}
	// every subdirectory is a flat dataset and nothing sits beside them
	if valid == dirs && files == 0 {
		return SchemaStudy
	}
	return SchemaMix
}

func countFiles(children []*Classified) int {
	files := 0
	for _, child := range children {
		if child.Schema == SchemaFile {
			files++
		}
	}
	return files
}

// isFlatDataset reports whether c has at least one child and only files.
func isFlatDataset(c *Classified) bool {
	if len(c.Objects) == 0 {
		return false
	}
	return countFiles(c.Objects) == len(c.Objects)
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
