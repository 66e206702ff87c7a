package scm

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultGitTimeout = 2 * time.Minute

// Git runs git commands in Root. Calls are serialized because concurrent git
// invocations contend for the index lock.
type Git struct {
	Root    string
	Timeout time.Duration

	gitPath string
	mu      sync.Mutex
}

// NewGit locates the git binary and binds it to root.
func NewGit(root string) (*Git, error) {
	p, err := exec.LookPath("git")
	if err != nil {
		return nil, err
	}
	return &Git{Root: root, Timeout: defaultGitTimeout, gitPath: p}, nil
}

// Detect reports whether root is inside a git work tree.
func Detect(root string) bool {
	p, err := exec.LookPath("git")
	if err != nil {
		return false
	}
	g := &Git{Root: root, Timeout: 10 * time.Second, gitPath: p}
	out, err := g.run("rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// Add implements SCM.
func (g *Git) Add(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.run(append([]string{"add", "--"}, toOS(paths)...)...)
	return err
}

// Delete implements SCM. Files git does not track are removed from disk
// directly so the working tree always ends up without them.
func (g *Git) Delete(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.run(append([]string{"rm", "-f", "-q", "--ignore-unmatch", "--"}, toOS(paths)...)...); err != nil {
		return err
	}
	for _, p := range paths {
		abs := filepath.Join(g.Root, filepath.FromSlash(p))
		if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (g *Git) run(args ...string) (string, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = defaultGitTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.gitPath, args...)
	cmd.Dir = g.Root
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		code := -1
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ProcessState != nil {
			code = ee.ProcessState.ExitCode()
		}
		if ctx.Err() == context.DeadlineExceeded {
			code = 124
		}
		stderr := errBuf.String()
		if stderr == "" {
			stderr = err.Error()
		}
		return out.String(), &CommandError{Args: append([]string{"git"}, args...), ExitCode: code, Stderr: stderr}
	}
	return out.String(), nil
}

func toOS(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.FromSlash(p)
	}
	return out
}
