// Package ports holds the registry of layout-test ports and their baseline
// search paths.
//
// A port is a named platform/configuration variant that looks up expected
// results in an ordered list of directories, most specific first. The
// registry is an explicit value built once per run and handed to the
// hypergraph builder; nothing here is global.
package ports

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"baseline-optimizer/internal/sortutil"

	"gopkg.in/yaml.v3"
)

//go:embed default_ports.yaml
var defaultTable []byte

// Port reports its own baseline search path as absolute directories.
type Port interface {
	Name() string
	BaselineSearchPath() []string
}

// StaticPort is a data-only Port. Dirs are relative to Base.
type StaticPort struct {
	PortName string
	Base     string
	Dirs     []string
}

// Name implements Port.
func (p StaticPort) Name() string { return p.PortName }

// BaselineSearchPath implements Port.
func (p StaticPort) BaselineSearchPath() []string {
	out := make([]string, 0, len(p.Dirs))
	for _, d := range p.Dirs {
		if filepath.IsAbs(d) {
			out = append(out, filepath.Clean(d))
			continue
		}
		out = append(out, filepath.Join(p.Base, filepath.FromSlash(d)))
	}
	return out
}

// Registry maps port names to ports.
type Registry struct {
	byName map[string]Port
}

// NewRegistry builds a registry from the given ports. Duplicate names are an error.
func NewRegistry(ports ...Port) (*Registry, error) {
	r := &Registry{byName: make(map[string]Port, len(ports))}
	for _, p := range ports {
		if err := r.Add(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers p.
func (r *Registry) Add(p Port) error {
	if p == nil {
		return errors.New("ports: nil port")
	}
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return errors.New("ports: empty port name")
	}
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("ports: duplicate port %q", name)
	}
	r.byName[name] = p
	return nil
}

// Get returns the port registered under name.
func (r *Registry) Get(name string) (Port, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Names returns all port names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return sortutil.SortedKeys(r.byName)
}

// Ports returns all ports ordered by name.
func (r *Registry) Ports() []Port {
	names := r.Names()
	out := make([]Port, 0, len(names))
	for _, n := range names {
		out = append(out, r.byName[n])
	}
	return out
}

// Len reports the number of registered ports.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byName)
}

type tableFile struct {
	Ports []struct {
		Name       string   `yaml:"name"`
		SearchPath []string `yaml:"search_path"`
	} `yaml:"ports"`
}

// Load parses a YAML port table. Relative search-path entries are resolved
// against base, which is normally the checkout root.
func Load(r io.Reader, base string) (*Registry, error) {
	var tf tableFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		if errors.Is(err, io.EOF) {
			return NewRegistry()
		}
		return nil, fmt.Errorf("ports: parse table: %w", err)
	}
	list := make([]Port, 0, len(tf.Ports))
	for _, e := range tf.Ports {
		list = append(list, StaticPort{PortName: e.Name, Base: base, Dirs: e.SearchPath})
	}
	return NewRegistry(list...)
}

// LoadFile reads a YAML port table from path.
func LoadFile(path, base string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, base)
}

// Default returns the built-in port table rooted at base.
func Default(base string) (*Registry, error) {
	return Load(bytes.NewReader(defaultTable), base)
}
