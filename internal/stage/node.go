// Package stage models the staging area listing and classifies it into
// studies, datasets, mixed directories and loose files.
package stage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/agentic-research/stagetree/api"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Kind discriminates staged nodes.
type Kind int

const (
	// KindCollection is a directory. Any object_type other than
	// "dataobject" decodes to a collection.
	KindCollection Kind = iota
	// KindDataObject is a leaf file.
	KindDataObject
)

func (k Kind) String() string {
	if k == KindDataObject {
		return api.ObjectTypeDataObject
	}
	return api.ObjectTypeCollection
}

// Node is a staged entry as listed by the backend.
type Node struct {
	Kind Kind
	// Objects holds the children of a collection. Nil when the server
	// omitted the field; always nil for data objects.
	Objects *Mapping
	// Attrs keeps every other attribute the server sent (name, path, size...).
	Attrs map[string]any
}

// Leaf returns a data object node.
func Leaf(attrs map[string]any) *Node {
	return &Node{Kind: KindDataObject, Attrs: attrs}
}

// Collection returns a collection node holding children.
func Collection(children *Mapping, attrs map[string]any) *Node {
	return &Node{Kind: KindCollection, Objects: children, Attrs: attrs}
}

// IsLeaf reports whether n is a data object.
func (n *Node) IsLeaf() bool {
	return n != nil && n.Kind == KindDataObject
}

// UnmarshalJSON decodes a node. A missing, null or non-object "objects"
// field leaves Objects nil.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode stage node: %w", err)
	}

	n.Kind = KindCollection
	n.Objects = nil
	n.Attrs = nil

	for key, value := range raw {
		switch key {
		case "object_type":
			var ot string
			if err := json.Unmarshal(value, &ot); err == nil && ot == api.ObjectTypeDataObject {
				n.Kind = KindDataObject
			}
			if n.Attrs == nil {
				n.Attrs = make(map[string]any, len(raw))
			}
			// keep the original spelling so unknown types round-trip
			var v any
			_ = json.Unmarshal(value, &v)
			n.Attrs[key] = v
		case "objects":
			trimmed := bytes.TrimSpace(value)
			if len(trimmed) == 0 || trimmed[0] != '{' {
				continue
			}
			m := NewMapping()
			if err := json.Unmarshal(trimmed, m); err != nil {
				return fmt.Errorf("decode objects: %w", err)
			}
			n.Objects = m
		default:
			var v any
			if err := json.Unmarshal(value, &v); err != nil {
				return fmt.Errorf("decode attribute %q: %w", key, err)
			}
			if n.Attrs == nil {
				n.Attrs = make(map[string]any, len(raw))
			}
			n.Attrs[key] = v
		}
	}

	// data objects never carry children
	if n.Kind == KindDataObject {
		n.Objects = nil
	}
	return nil
}

// MarshalJSON encodes the node back into the backend shape.
func (n *Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.Attrs)+2)
	for k, v := range n.Attrs {
		out[k] = v
	}
	if _, ok := out["object_type"]; !ok || n.Kind == KindDataObject {
		out["object_type"] = n.Kind.String()
	}
	if n.Objects != nil {
		out["objects"] = n.Objects
	}
	return json.Marshal(out)
}

// Mapping is an insertion-ordered map of path segment to node. Decoding
// from JSON keeps document order. The zero value is ready to use; a nil
// *Mapping behaves as empty for reads.
type Mapping struct {
	m *orderedmap.OrderedMap[string, *Node]
}

// NewMapping returns an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{m: orderedmap.New[string, *Node]()}
}

func (m *Mapping) init() {
	if m.m == nil {
		m.m = orderedmap.New[string, *Node]()
	}
}

// Set inserts or replaces name. Replacing keeps the original position.
func (m *Mapping) Set(name string, n *Node) *Mapping {
	m.init()
	m.m.Set(name, n)
	return m
}

// Get returns the node stored under name.
func (m *Mapping) Get(name string) (*Node, bool) {
	if m == nil || m.m == nil {
		return nil, false
	}
	return m.m.Get(name)
}

// Len returns the number of entries.
func (m *Mapping) Len() int {
	if m == nil || m.m == nil {
		return 0
	}
	return m.m.Len()
}

// Keys returns the entry names in order.
func (m *Mapping) Keys() []string {
	keys := make([]string, 0, m.Len())
	m.Each(func(name string, _ *Node) {
		keys = append(keys, name)
	})
	return keys
}

// Each calls fn for every entry in order.
func (m *Mapping) Each(fn func(name string, n *Node)) {
	if m == nil || m.m == nil {
		return
	}
	for pair := m.m.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Mapping) UnmarshalJSON(data []byte) error {
	m.init()
	return m.m.UnmarshalJSON(data)
}

// MarshalJSON implements json.Marshaler.
func (m *Mapping) MarshalJSON() ([]byte, error) {
	if m == nil || m.m == nil {
		return []byte("{}"), nil
	}
	return m.m.MarshalJSON()
}

// Decode parses a bare stage listing (the "data" payload of the backend
// response).
func Decode(data []byte) (*Mapping, error) {
	m := NewMapping()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode stage: %w", err)
	}
	return m, nil
}
