// Package hypergraph builds the baseline search hypergraph: for every port,
// the ordered list of checkout-relative directories in which an expected
// result is looked up, most specific first.
//
// Directories are shared between many ports' lists, so the structure is a
// hypergraph rather than a tree. Every list ends in the shared fallback
// directory, which guarantees that resolution is defined for every port.
//
// Design goals:
//   - Pure function of static configuration (no filesystem access)
//   - Deterministic accessors (sorted ports and directories)
//   - Immutable after construction, safe for concurrent readers
package hypergraph

import (
	"path"
	"path/filepath"
	"sort"
	"strings"

	"baseline-optimizer/internal/ports"
	"baseline-optimizer/internal/sortutil"
)

// DefaultFallback is the shared terminal directory of every search path.
const DefaultFallback = "LayoutTests"

// Placement maps a directory to the content digest of the baseline copy it
// holds. Directories without a copy are absent.
type Placement map[string]string

// Clone returns a shallow copy of p.
func (p Placement) Clone() Placement {
	out := make(Placement, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Results maps a port name to the digest of its effective baseline. Ports
// that resolve to nothing are absent.
type Results map[string]string

// Equal reports whether r and o hold exactly the same pairs.
func (r Results) Equal(o Results) bool {
	if len(r) != len(o) {
		return false
	}
	for k, v := range r {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Graph is the set of per-port search paths.
type Graph struct {
	paths    map[string][]string
	ports    []string
	dirs     []string
	fallback string
}

// Options configures Build.
type Options struct {
	// Root is the absolute checkout root the port paths are made relative to.
	Root string
	// Fallback is the shared terminal directory. Defaults to DefaultFallback.
	Fallback string
}

// Build derives the hypergraph from the port registry. Ports with an empty
// search path, or whose directories fall outside Root, are omitted. Two
// informational entries with no runnable port behind them are always added.
func Build(reg *ports.Registry, opts Options) *Graph {
	fb := opts.Fallback
	if fb == "" {
		fb = DefaultFallback
	}
	fb = path.Clean(filepath.ToSlash(fb))

	paths := make(map[string][]string, reg.Len()+2)
	// These chains are not visible on any bot, but they still constrain
	// where a shared baseline may live.
	paths["mac-future"] = []string{fb + "/platform/mac-future", fb + "/platform/mac", fb}
	paths["qt-unknown"] = []string{fb + "/platform/qt-unknown", fb + "/platform/qt", fb}

	for _, p := range reg.Ports() {
		rel, ok := relativeSearchPath(opts.Root, p.BaselineSearchPath())
		if !ok {
			continue
		}
		if rel[len(rel)-1] != fb {
			rel = append(rel, fb)
		}
		paths[p.Name()] = rel
	}
	return newGraph(paths, fb)
}

// New builds a graph directly from search paths. The fallback is taken to be
// the last element shared by every path, or empty if there is none.
func New(paths map[string][]string) *Graph {
	cp := make(map[string][]string, len(paths))
	for name, sp := range paths {
		if len(sp) == 0 {
			continue
		}
		cp[name] = append([]string(nil), sp...)
	}
	return newGraph(cp, commonTail(cp))
}

func newGraph(paths map[string][]string, fallback string) *Graph {
	dirSet := make(map[string]struct{}, 64)
	for _, sp := range paths {
		for _, d := range sp {
			dirSet[d] = struct{}{}
		}
	}
	return &Graph{
		paths:    paths,
		ports:    sortutil.SortedKeys(paths),
		dirs:     sortutil.SetToSorted(dirSet),
		fallback: fallback,
	}
}

func relativeSearchPath(root string, abs []string) ([]string, bool) {
	if len(abs) == 0 {
		return nil, false
	}
	out := make([]string, 0, len(abs)+1)
	for _, a := range abs {
		rel, err := filepath.Rel(root, a)
		if err != nil {
			return nil, false
		}
		rel = filepath.ToSlash(rel)
		if rel == ".." || strings.HasPrefix(rel, "../") {
			return nil, false
		}
		out = append(out, rel)
	}
	return out, true
}

func commonTail(paths map[string][]string) string {
	tail := ""
	for _, sp := range paths {
		last := sp[len(sp)-1]
		if tail == "" {
			tail = last
			continue
		}
		if tail != last {
			return ""
		}
	}
	return tail
}

// Ports returns the port names in sorted order.
func (g *Graph) Ports() []string { return g.ports }

// Directories returns every directory that appears in any search path, sorted.
func (g *Graph) Directories() []string { return g.dirs }

// Fallback returns the shared terminal directory.
func (g *Graph) Fallback() string { return g.fallback }

// SearchPath returns the ordered directories for port, or nil if unknown.
func (g *Graph) SearchPath(port string) []string { return g.paths[port] }

// ResultsByPort resolves every port against placement: the first directory
// in the port's search path holding a copy wins.
func (g *Graph) ResultsByPort(placement Placement) Results {
	out := make(Results, len(g.paths))
	for port, sp := range g.paths {
		for _, d := range sp {
			if digest, ok := placement[d]; ok {
				out[port] = digest
				break
			}
		}
	}
	return out
}

// Contains reports whether dir is a node of the graph.
func (g *Graph) Contains(dir string) bool {
	i := sort.SearchStrings(g.dirs, dir)
	return i < len(g.dirs) && g.dirs[i] == dir
}
