// Package discover finds the baseline names present under the directories of
// a search hypergraph. A baseline name is the path of an expected-result file
// relative to the directory holding it, e.g. "fast/dom/a-expected.txt".
package discover

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"baseline-optimizer/internal/hypergraph"
	"baseline-optimizer/internal/sortutil"
)

// DefaultSuffixes are the result extensions collected when none are given.
var DefaultSuffixes = []string{"txt", "png", "wav"}

// DefaultExclude lists directory names never descended into.
var DefaultExclude = []string{".git", ".svn", "platform", "resources", "script-tests"}

// Options filters the walk.
type Options struct {
	// Suffixes are result extensions without the dot. Empty means DefaultSuffixes.
	Suffixes []string
	// Prefixes restrict results to names under one of these directories
	// (relative to a hypergraph directory). Empty means everything.
	Prefixes []string
	// Exclude holds directory names (or name prefixes) that are skipped.
	// Nil means DefaultExclude.
	Exclude []string
}

type walkState struct {
	root     string
	start    string
	graph    *hypergraph.Graph
	suffixes []string
	prefixes []string
	exclude  map[string]struct{}
	names    map[string]struct{}
}

// Baselines walks every hypergraph directory below root and returns the
// sorted, de-duplicated set of baseline names. Directories that are
// themselves hypergraph nodes are not descended into from a parent, since
// their files are collected under their own name space.
func Baselines(root string, g *hypergraph.Graph, opts Options) ([]string, error) {
	ws := &walkState{
		root:     root,
		graph:    g,
		suffixes: normalizeSuffixes(opts.Suffixes),
		prefixes: cleanPrefixes(opts.Prefixes),
		exclude:  toSet(opts.Exclude),
		names:    make(map[string]struct{}, 256),
	}
	if opts.Exclude == nil {
		ws.exclude = toSet(DefaultExclude)
	}
	for _, dir := range g.Directories() {
		abs := filepath.Join(root, filepath.FromSlash(dir))
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			continue
		}
		ws.start = abs
		if err := filepath.WalkDir(abs, ws.visit); err != nil {
			return nil, err
		}
	}
	return sortutil.SetToSorted(ws.names), nil
}

func (ws *walkState) visit(p string, d fs.DirEntry, err error) error {
	if err != nil {
		return nil
	}
	if d.IsDir() {
		if p == ws.start {
			return nil
		}
		if isSymlink(d) || ws.excluded(d.Name()) || ws.isGraphDir(p) {
			return filepath.SkipDir
		}
		return nil
	}
	if isSymlink(d) || !d.Type().IsRegular() {
		return nil
	}
	rel, err := filepath.Rel(ws.start, p)
	if err != nil {
		return nil
	}
	rel = filepath.ToSlash(rel)
	if !IsBaseline(rel, ws.suffixes) || !ws.underPrefix(rel) {
		return nil
	}
	ws.names[rel] = struct{}{}
	return nil
}

func (ws *walkState) isGraphDir(abs string) bool {
	rel, err := filepath.Rel(ws.root, abs)
	if err != nil {
		return false
	}
	return ws.graph.Contains(filepath.ToSlash(rel))
}

func (ws *walkState) excluded(base string) bool {
	if _, bad := ws.exclude[base]; bad {
		return true
	}
	return hasExcludedPrefix(base, ws.exclude)
}

func (ws *walkState) underPrefix(rel string) bool {
	if len(ws.prefixes) == 0 {
		return true
	}
	for _, p := range ws.prefixes {
		if p == "" || p == "." || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

// IsBaseline reports whether name is an expected-result file with one of
// the given suffixes.
func IsBaseline(name string, suffixes []string) bool {
	base := path.Base(name)
	for _, s := range suffixes {
		if strings.HasSuffix(base, "-expected."+s) && len(base) > len("-expected."+s) {
			return true
		}
	}
	return false
}

// NamesForTest returns the baseline names of test, one per suffix:
// "fast/dom/a.html" becomes "fast/dom/a-expected.txt", ...
func NamesForTest(test string, suffixes []string) []string {
	test = path.Clean(filepath.ToSlash(test))
	stem := strings.TrimSuffix(test, path.Ext(test))
	sfx := normalizeSuffixes(suffixes)
	out := make([]string, 0, len(sfx))
	for _, s := range sfx {
		out = append(out, stem+"-expected."+s)
	}
	return out
}

func normalizeSuffixes(in []string) []string {
	if len(in) == 0 {
		return DefaultSuffixes
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimPrefix(strings.TrimSpace(s), ".")
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return DefaultSuffixes
	}
	return out
}

func cleanPrefixes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		out = append(out, strings.TrimSuffix(path.Clean(filepath.ToSlash(p)), "/"))
	}
	return out
}

func toSet(in []string) map[string]struct{} {
	m := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s != "" {
			m[s] = struct{}{}
		}
	}
	return m
}

// isSymlink reports whether the DirEntry is a symlink (file or directory).
func isSymlink(d fs.DirEntry) bool {
	return d.Type()&fs.ModeSymlink != 0
}

// hasExcludedPrefix reports whether base begins with any of the exclude keys,
// so "build" also skips "build-debug".
func hasExcludedPrefix(base string, exclude map[string]struct{}) bool {
	for k := range exclude {
		if strings.HasPrefix(base, k) {
			return true
		}
	}
	return false
}
