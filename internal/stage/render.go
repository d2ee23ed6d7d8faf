package stage

import (
	"fmt"
	"io"
)

// Render writes forest as an indented tree, one node per line, with the
// schema tag of every collection.
func Render(w io.Writer, forest []*Classified) error {
	for i, c := range forest {
		if err := renderNode(w, c, "", i == len(forest)-1); err != nil {
			return err
		}
	}
	return nil
}

func renderNode(w io.Writer, c *Classified, prefix string, last bool) error {
	branch, indent := "├── ", "│   "
	if last {
		branch, indent = "└── ", "    "
	}

	var err error
	if c.IsLeaf() {
		_, err = fmt.Fprintf(w, "%s%s%s\n", prefix, branch, c.Name)
	} else {
		_, err = fmt.Fprintf(w, "%s%s%s/ [%s]\n", prefix, branch, c.Name, c.Schema)
	}
	if err != nil {
		return err
	}

	for i, child := range c.Objects {
		if err := renderNode(w, child, prefix+indent, i == len(c.Objects)-1); err != nil {
			return err
		}
	}
	return nil
}
