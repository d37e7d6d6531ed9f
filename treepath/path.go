// Package treepath implements the octree tree-path key used to address
// cached tiles: a string over the alphabet {R,0..7} where R names the root
// and each appended digit names a child octant.
package treepath

import "github.com/pkg/errors"

// Root is the path of the tree's root tile.
const Root = Path("R")

// Path is a tree-path string over {R,0..7}. The zero value is not a valid
// path; construct one with Parse or Root.Child.
type Path string

// Parse validates s as a tree path and returns it as a Path.
func Parse(s string) (Path, error) {
	if len(s) == 0 || s[0] != 'R' {
		return "", errors.Errorf("tree path %q must start with R", s)
	}
	for i := 1; i < len(s); i++ {
		if s[i] < '0' || s[i] > '7' {
			return "", errors.Errorf("tree path %q has invalid octant digit %q", s, s[i])
		}
	}
	return Path(s), nil
}

// Depth returns the number of octant digits appended to the root (root is
// depth 0).
func (p Path) Depth() int {
	return len(p) - 1
}

// Parent returns the path's immediate parent and true, or ("", false) if p
// is the root.
func (p Path) Parent() (Path, bool) {
	if len(p) <= 1 {
		return "", false
	}
	return p[:len(p)-1], true
}

// Child returns the path naming the given octant (0..7) below p.
func (p Path) Child(octant int) Path {
	return p + Path('0'+byte(octant))
}

// Ancestors returns the chain of ancestor paths from the immediate parent
// up to and including the root, nearest first.
func (p Path) Ancestors() []Path {
	out := make([]Path, 0, p.Depth())
	cur := p
	for {
		parent, ok := cur.Parent()
		if !ok {
			break
		}
		out = append(out, parent)
		cur = parent
	}
	return out
}

// IsAncestorOf reports whether p is a strict prefix of other, i.e. p is an
// ancestor of other in the tree.
func (p Path) IsAncestorOf(other Path) bool {
	return len(other) > len(p) && other[:len(p)] == p
}

// Less orders paths lexicographically by their string form. For this
// alphabet that ordering coincides with depth-first traversal order.
func (p Path) Less(o Path) bool {
	return p < o
}

// String returns the path's textual form.
func (p Path) String() string {
	return string(p)
}
