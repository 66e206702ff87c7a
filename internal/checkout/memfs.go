package checkout

import (
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"baseline-optimizer/internal/sortutil"
)

// Mem is an in-memory FileSystem. Directories are implicit in file names
// unless created with MkdirAll. It is safe for concurrent use.
type Mem struct {
	mu     sync.Mutex
	files  map[string][]byte
	dirs   map[string]struct{}
	writes int
	rems   int
}

// NewMem returns a Mem seeded with files.
func NewMem(files map[string]string) *Mem {
	m := &Mem{files: make(map[string][]byte, len(files)), dirs: make(map[string]struct{})}
	for name, body := range files {
		c, err := clean(name)
		if err != nil {
			panic(fmt.Sprintf("checkout: bad seed path %q: %v", name, err))
		}
		m.files[c] = []byte(body)
		m.addParents(c)
	}
	return m
}

func (m *Mem) addParents(name string) {
	for dir, _ := Split(name); dir != "" && dir != "."; dir, _ = Split(dir) {
		m.dirs[dir] = struct{}{}
	}
}

// Exists implements FileSystem.
func (m *Mem) Exists(name string) bool {
	c, err := clean(name)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[c]
	return ok
}

// ReadFile implements FileSystem.
func (m *Mem) ReadFile(name string) ([]byte, error) {
	c, err := clean(name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[c]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: c, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), b...), nil
}

// WriteFile implements FileSystem. Like the OS implementation, the parent
// directory must already exist.
func (m *Mem) WriteFile(name string, data []byte) error {
	c, err := clean(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if dir, _ := Split(c); dir != "" {
		if _, ok := m.dirs[dir]; !ok {
			return &fs.PathError{Op: "write", Path: c, Err: fs.ErrNotExist}
		}
	}
	m.files[c] = append([]byte(nil), data...)
	m.writes++
	return nil
}

// Remove implements FileSystem.
func (m *Mem) Remove(name string) error {
	c, err := clean(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[c]; ok {
		delete(m.files, c)
		m.rems++
	}
	return nil
}

// MkdirAll implements FileSystem.
func (m *Mem) MkdirAll(dir string) error {
	c, err := clean(dir)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[c] = struct{}{}
	m.addParents(c)
	return nil
}

// Digest implements FileSystem.
func (m *Mem) Digest(name string) (string, error) {
	b, err := m.ReadFile(name)
	if err != nil {
		return "", err
	}
	return DigestBytes(b), nil
}

// Files returns every file name under prefix, sorted.
func (m *Mem) Files(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]struct{})
	for name := range m.files {
		if strings.HasPrefix(name, prefix) {
			set[name] = struct{}{}
		}
	}
	return sortutil.SetToSorted(set)
}

// Ops returns the number of writes and removals performed since creation.
func (m *Mem) Ops() (writes, removes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes, m.rems
}
