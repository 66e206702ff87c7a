// Package journal keeps an on-disk record of baseline placements as they
// were before the optimizer touched them, so a run can be rolled back.
//
// Layout under the journal directory:
//   - <dir>/entries/<key>.json : one entry per baseline (key = sha256 prefix of the name)
//   - <dir>/blobs/aa/bb/<hash> : content-addressed copies of the old bytes
//
// Entries and blobs are written atomically (temp file + rename). An entry
// keeps the Old placement from the earliest optimization of its baseline and
// the New placement from the latest one, so restoring removes what the last
// run left behind and returns to the state before the first run.
package journal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"baseline-optimizer/internal/checkout"
	"baseline-optimizer/internal/hypergraph"
	"baseline-optimizer/internal/scm"
	"baseline-optimizer/internal/sortutil"
)

const (
	entriesDirName = "entries"
	blobsDirName   = "blobs"
	formatVersion  = "1"
)

// Entry is the recorded state of one baseline.
type Entry struct {
	Baseline      string               `json:"baseline"`
	Created       string               `json:"created"`
	Updated       string               `json:"updated,omitempty"`
	FormatVersion string               `json:"formatVersion,omitempty"`
	Old           hypergraph.Placement `json:"old"`
	New           hypergraph.Placement `json:"new"`
}

// Journal is a directory of entries and blobs.
type Journal struct {
	dir string
	now func() time.Time
}

// Open creates the journal directory if needed.
func Open(dir string) (*Journal, error) {
	if dir == "" {
		return nil, errors.New("journal: empty directory")
	}
	if err := os.MkdirAll(filepath.Join(dir, entriesDirName), 0o755); err != nil {
		return nil, err
	}
	return &Journal{dir: dir, now: time.Now}, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string { return j.dir }

// PathKey returns a short, stable identifier for a baseline name.
func PathKey(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])[:16]
}

// Record stores old's bytes and the placement pair. When the baseline
// already has an entry, only its New placement is replaced.
func (j *Journal) Record(baseline string, old, new hypergraph.Placement, data map[string][]byte) error {
	path := j.entryPath(baseline)
	now := j.now().UTC().Format(time.RFC3339)
	e, err := readEntry(path)
	switch {
	case err == nil:
		e.New = new.Clone()
		e.Updated = now
	case errors.Is(err, os.ErrNotExist):
		for _, digest := range sortutil.SortedKeys(data) {
			if err := j.saveBlob(digest, data[digest]); err != nil {
				return err
			}
		}
		e = Entry{
			Baseline:      baseline,
			Created:       now,
			FormatVersion: formatVersion,
			Old:           old.Clone(),
			New:           new.Clone(),
		}
	default:
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(e); err != nil {
		return err
	}
	return writeAtomic(path, &buf)
}

// Entries returns every recorded entry ordered by baseline name.
func (j *Journal) Entries() ([]Entry, error) {
	dir := filepath.Join(j.dir, entriesDirName)
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		e, err := readEntry(filepath.Join(dir, de.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Baseline < out[b].Baseline })
	return out, nil
}

// Restore puts e.Old back: copies introduced by the optimization are removed
// through vcs and the recorded bytes are rewritten and registered.
func (j *Journal) Restore(e Entry, fsys checkout.FileSystem, vcs scm.SCM) error {
	var stale []string
	for _, dir := range sortutil.SortedKeys(e.New) {
		if od, ok := e.Old[dir]; !ok || od != e.New[dir] {
			stale = append(stale, checkout.Join(dir, e.Baseline))
		}
	}
	if len(stale) > 0 {
		if err := vcs.Delete(stale...); err != nil {
			return err
		}
	}
	var added []string
	for _, dir := range sortutil.SortedKeys(e.Old) {
		digest := e.Old[dir]
		if nd, ok := e.New[dir]; ok && nd == digest {
			continue
		}
		b, err := j.ReadBlob(digest)
		if err != nil {
			return fmt.Errorf("journal: blob for %s: %w", checkout.Join(dir, e.Baseline), err)
		}
		dst := checkout.Join(dir, e.Baseline)
		parent, _ := checkout.Split(dst)
		if err := fsys.MkdirAll(parent); err != nil {
			return err
		}
		if err := fsys.WriteFile(dst, b); err != nil {
			return err
		}
		added = append(added, dst)
	}
	if len(added) > 0 {
		return vcs.Add(added...)
	}
	return nil
}

// Forget removes the entry for baseline. Blobs are left in place.
func (j *Journal) Forget(baseline string) error {
	err := os.Remove(j.entryPath(baseline))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ReadBlob loads a blob by content hash from <dir>/blobs/aa/bb/<hash>.
func (j *Journal) ReadBlob(hash string) ([]byte, error) {
	if !validDigest(hash) {
		return nil, errors.New("journal: invalid hash for blob read")
	}
	return os.ReadFile(j.blobPath(hash))
}

func readEntry(path string) (Entry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("journal: %s: %w", filepath.Base(path), err)
	}
	return e, nil
}

func (j *Journal) entryPath(baseline string) string {
	return filepath.Join(j.dir, entriesDirName, PathKey(baseline)+".json")
}

func (j *Journal) saveBlob(hash string, data []byte) error {
	if !validDigest(hash) {
		return errors.New("journal: invalid hash for blob storage")
	}
	p := j.blobPath(hash)
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return writeAtomic(p, bytes.NewReader(data))
}

// blobPath returns the sharded location for a content-addressed blob.
func (j *Journal) blobPath(hash string) string {
	h := strings.ToLower(hash)
	return filepath.Join(j.dir, blobsDirName, h[:2], h[2:4], h)
}

// writeAtomic copies r into a temp file next to path and renames it into place.
func writeAtomic(path string, r io.Reader) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
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
	return os.Rename(tmp, path)
}

// validDigest accepts the lowercase hex digests the checkout produces, long
// enough to shard into blobs/aa/bb/.
func validDigest(d string) bool {
	if len(d) < 6 {
		return false
	}
	return strings.IndexFunc(d, func(r rune) bool {
		return (r < '0' || r > '9') && (r < 'a' || r > 'f')
	}) < 0
}
