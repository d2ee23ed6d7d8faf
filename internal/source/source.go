// Package source produces raw staging listings from the backend, a local
// directory, an S3 prefix or a saved backend response.
package source

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/agentic-research/stagetree/api"
	"github.com/agentic-research/stagetree/internal/client"
	"github.com/agentic-research/stagetree/internal/stage"
)

// Source returns the current staging listing. Warnings are non-fatal
// messages reported alongside the listing.
type Source interface {
	Name() string
	Stage(ctx context.Context) (listing *stage.Mapping, warnings []string, err error)
}

// StageGetter is the part of the backend client HTTP needs.
type StageGetter interface {
	GetStage(ctx context.Context) (*stage.Mapping, []string, error)
}

// HTTP reads the listing from the backend API.
type HTTP struct {
	Client StageGetter
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) Stage(ctx context.Context) (*stage.Mapping, []string, error) {
	m, warnings, err := h.Client.GetStage(ctx)
	if err != nil {
		return nil, warnings, fmt.Errorf("get stage: %w", err)
	}
	return m, warnings, nil
}

// File reads a saved backend response. The envelope is applied as for a
// live response; a bare listing works with an empty data selector.
type File struct {
	Path     string
	Envelope *client.Envelope
}

func (f *File) Name() string { return "file" }

func (f *File) Stage(ctx context.Context) (*stage.Mapping, []string, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", f.Path, err)
	}

	env := f.Envelope
	if env == nil {
		env, _ = client.NewEnvelope("", "")
	}
	warnings := env.Errors(raw)
	data, err := env.Data(raw)
	if err != nil {
		return nil, warnings, fmt.Errorf("%s: %w", f.Path, err)
	}
	if len(data) == 0 {
		return stage.NewMapping(), warnings, nil
	}
	m, err := stage.Decode(data)
	if err != nil {
		return nil, warnings, fmt.Errorf("%s: %w", f.Path, err)
	}
	return m, warnings, nil
}

// insert places a node at a slash-separated path, creating intermediate
// collections. An existing leaf on the way is turned into a collection and
// a leaf landing on an existing collection is dropped; both return a
// warning naming the lost object.
func insert(root *stage.Mapping, path string, leaf *stage.Node) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := root
	prefix := ""
	var warning string
	for i, part := range parts {
		if part == "" {
			continue
		}
		if prefix == "" {
			prefix = part
		} else {
			prefix += "/" + part
		}

		last := i == len(parts)-1
		if last && leaf != nil {
			n, exists := cur.Get(part)
			if !exists {
				cur.Set(part, leaf)
			} else if n != nil && !n.IsLeaf() {
				warning = fmt.Sprintf("object %s dropped: a directory of the same name exists", prefix)
			}
			return warning
		}

		n, ok := cur.Get(part)
		if ok && n != nil && n.IsLeaf() {
			warning = fmt.Sprintf("object %s dropped: it is also a directory prefix", prefix)
		}
		if !ok || n == nil || n.IsLeaf() {
			n = stage.Collection(stage.NewMapping(), collectionAttrs(part, prefix))
			cur.Set(part, n)
		}
		if n.Objects == nil {
			n.Objects = stage.NewMapping()
		}
		cur = n.Objects
	}
	return warning
}

func collectionAttrs(name, path string) map[string]any {
	return map[string]any{
		"name":        name,
		"path":        path,
		"object_type": api.ObjectTypeCollection,
	}
}
