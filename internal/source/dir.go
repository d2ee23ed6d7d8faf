package source

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"

	billy "github.com/go-git/go-billy/v5"

	"github.com/agentic-research/stagetree/api"
	"github.com/agentic-research/stagetree/internal/stage"
)

// Dir lists a directory tree. Files become data objects and directories
// collections, sorted by name at every level.
type Dir struct {
	FS billy.Filesystem
	// Root is the directory inside FS to list; empty means the FS root.
	Root string
}

func (d *Dir) Name() string { return "dir" }

func (d *Dir) Stage(ctx context.Context) (*stage.Mapping, []string, error) {
	root := d.Root
	if root == "" {
		root = "/"
	}
	m, err := d.list(ctx, root, "")
	if err != nil {
		return nil, nil, err
	}
	return m, nil, nil
}

func (d *Dir) list(ctx context.Context, dir, rel string) (*stage.Mapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := d.FS.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	m := stage.NewMapping()
	for _, info := range infos {
		name := info.Name()
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}

		if !info.IsDir() {
			m.Set(name, stage.Leaf(fileAttrs(name, childRel, info)))
			continue
		}
		children, err := d.list(ctx, d.FS.Join(dir, name), childRel)
		if err != nil {
			return nil, err
		}
		m.Set(name, stage.Collection(children, collectionAttrs(name, childRel)))
	}
	return m, nil
}

func fileAttrs(name, rel string, info os.FileInfo) map[string]any {
	return map[string]any{
		"name":        name,
		"path":        rel,
		"object_type": api.ObjectTypeDataObject,
		"size":        info.Size(),
		"modified":    info.ModTime().UTC(),
		"ext":         path.Ext(name),
	}
}
