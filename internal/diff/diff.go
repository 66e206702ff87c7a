// Package diff renders unified diffs with github.com/pmezard/go-difflib.
// The optimizer's dry-run mode uses it to show how a baseline's placement
// would change: one "directory digest" line per copy, old versus new.
package diff

import (
	"fmt"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"

	"baseline-optimizer/internal/sortutil"
)

// Options controls patch generation behavior.
type Options struct {
	// Context controls the number of context lines in unified hunks.
	// If 0, default to 3.
	Context int

	// DigestWidth truncates digests in placement listings. 0 keeps them whole.
	DigestWidth int

	// NoPrefix controls whether FromFile/ToFile are prefixed with "a/" and "b/".
	NoPrefix bool
}

// Unified produces a classic unified patch for a↦b. It returns an empty
// string when a and b are identical.
func Unified(aName, bName string, a, b []byte, opt Options) (string, error) {
	ctx := opt.Context
	if ctx <= 0 {
		ctx = 3
	}
	if !opt.NoPrefix {
		aName, bName = "a/"+aName, "b/"+bName
	}
	u := difflib.UnifiedDiff{
		A:        listingLines(string(a)),
		B:        listingLines(string(b)),
		FromFile: aName,
		ToFile:   bName,
		Context:  ctx,
	}
	return difflib.GetUnifiedDiffString(u)
}

// Placement diffs two directory→digest placements of the baseline name.
func Placement(name string, old, new map[string]string, opt Options) (string, error) {
	return Unified(name, name, Listing(old, opt.DigestWidth), Listing(new, opt.DigestWidth), opt)
}

// Listing renders a placement as sorted "directory digest" lines.
func Listing(placement map[string]string, digestWidth int) []byte {
	var b strings.Builder
	for _, dir := range sortutil.SortedKeys(placement) {
		d := placement[dir]
		if digestWidth > 0 && len(d) > digestWidth {
			d = d[:digestWidth]
		}
		fmt.Fprintf(&b, "%s %s\n", dir, d)
	}
	return []byte(b.String())
}

// listingLines cuts a listing after each newline. A listing always ends in
// a newline, so the empty tail SplitAfter leaves is dropped.
func listingLines(s string) []string {
	lines := strings.SplitAfter(s, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}
