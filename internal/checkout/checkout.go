// Package checkout provides the filesystem capability used by the optimizer.
//
// All paths are checkout-relative and slash-separated
// ("LayoutTests/platform/mac/fast/a-expected.txt"). Two implementations are
// provided:
//   - OS: rooted at a real directory, atomic writes, cached sha256 digests
//   - Mem: in-memory tree with operation counters, used by tests and dry runs
package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path"
	"strings"
)

// FileSystem is the set of file operations the optimizer needs.
type FileSystem interface {
	Exists(name string) bool
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
	Remove(name string) error
	MkdirAll(dir string) error
	// Digest returns the lowercase hex sha256 of the file's contents.
	Digest(name string) (string, error)
}

// ErrOutsideRoot is returned for paths that escape the checkout root.
var ErrOutsideRoot = errors.New("checkout: path escapes root")

// Join joins checkout-relative path elements with forward slashes.
func Join(elem ...string) string { return path.Join(elem...) }

// Split splits name into its directory and file components.
func Split(name string) (dir, file string) {
	dir, file = path.Split(name)
	return strings.TrimSuffix(dir, "/"), file
}

// DigestBytes returns the lowercase hex sha256 of b.
func DigestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// clean normalizes a checkout-relative name and rejects traversal.
func clean(name string) (string, error) {
	if name == "" {
		return "", errors.New("checkout: empty path")
	}
	c := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if c == ".." || strings.HasPrefix(c, "../") || strings.HasPrefix(c, "/") {
		return "", ErrOutsideRoot
	}
	return c, nil
}
