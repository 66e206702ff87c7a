package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultDigestCacheSize = 4096

// OS is a FileSystem rooted at an absolute directory.
type OS struct {
	root    string
	digests *lru.Cache[string, string]
}

// NewOS binds a FileSystem to root. cacheSize bounds the digest cache; zero
// selects a default and a negative value disables caching.
func NewOS(root string, cacheSize int) (*OS, error) {
	if root == "" {
		return nil, errors.New("checkout: empty root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("checkout: root %s is not a directory", abs)
	}
	o := &OS{root: abs}
	if cacheSize == 0 {
		cacheSize = defaultDigestCacheSize
	}
	if cacheSize > 0 {
		c, err := lru.New[string, string](cacheSize)
		if err != nil {
			return nil, err
		}
		o.digests = c
	}
	return o, nil
}

// Root returns the absolute checkout root.
func (o *OS) Root() string { return o.root }

// Abs resolves a checkout-relative name to an absolute path.
func (o *OS) Abs(name string) (string, error) {
	c, err := clean(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(o.root, filepath.FromSlash(c)), nil
}

// Exists reports whether name is an existing regular file.
func (o *OS) Exists(name string) bool {
	p, err := o.Abs(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// ReadFile returns the contents of name.
func (o *OS) ReadFile(name string) ([]byte, error) {
	p, err := o.Abs(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// WriteFile writes data to name atomically. The parent directory must exist.
func (o *OS) WriteFile(name string, data []byte) error {
	p, err := o.Abs(name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	f, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(p)+"-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p)
}

// Remove deletes name. A missing file is not an error.
func (o *OS) Remove(name string) error {
	p, err := o.Abs(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// MkdirAll creates dir and any missing parents.
func (o *OS) MkdirAll(dir string) error {
	p, err := o.Abs(dir)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o755)
}

// Digest returns the sha256 of name. Results are cached by path, size and
// modification time, so an unchanged file is hashed once per run.
func (o *OS) Digest(name string) (string, error) {
	p, err := o.Abs(name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	key := p + "\x00" + strconv.FormatInt(info.Size(), 10) + "\x00" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
	if o.digests != nil {
		if d, ok := o.digests.Get(key); ok {
			return d, nil
		}
	}
	d, err := sha256File(p)
	if err != nil {
		return "", err
	}
	if o.digests != nil {
		o.digests.Add(key, d)
	}
	return d, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
