// Package scm registers baseline adds and deletes with version control.
//
// Implementations:
//   - Git: shells out to git in the checkout root
//   - Plain: no version control, deletes go straight to the filesystem
//   - Recorder: wraps another SCM and records every call
package scm

import (
	"fmt"
	"strings"
	"sync"
)

// SCM registers filesystem changes for commit. Paths are checkout-relative.
type SCM interface {
	// Add registers files that were just written.
	Add(paths ...string) error
	// Delete removes files from the working tree and from version control.
	Delete(paths ...string) error
}

// Remover is the filesystem capability Plain needs.
type Remover interface {
	Remove(name string) error
}

// CommandError describes a failed version-control command.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no output"
	}
	return fmt.Sprintf("scm: %s exited %d: %s", strings.Join(e.Args, " "), e.ExitCode, msg)
}

// Plain deletes through the filesystem and ignores adds.
type Plain struct {
	FS Remover
}

// Add implements SCM.
func (Plain) Add(...string) error { return nil }

// Delete implements SCM.
func (p Plain) Delete(paths ...string) error {
	for _, name := range paths {
		if err := p.FS.Remove(name); err != nil {
			return err
		}
	}
	return nil
}

// Recorder forwards to Next (when set) and keeps a log of the calls.
type Recorder struct {
	Next SCM

	mu      sync.Mutex
	added   []string
	deleted []string
}

// Add implements SCM.
func (r *Recorder) Add(paths ...string) error {
	r.mu.Lock()
	r.added = append(r.added, paths...)
	r.mu.Unlock()
	if r.Next == nil {
		return nil
	}
	return r.Next.Add(paths...)
}

// Delete implements SCM.
func (r *Recorder) Delete(paths ...string) error {
	r.mu.Lock()
	r.deleted = append(r.deleted, paths...)
	r.mu.Unlock()
	if r.Next == nil {
		return nil
	}
	return r.Next.Delete(paths...)
}

// Added returns the paths passed to Add so far.
func (r *Recorder) Added() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.added...)
}

// Deleted returns the paths passed to Delete so far.
func (r *Recorder) Deleted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deleted...)
}

// Reset clears the recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.added, r.deleted = nil, nil
	r.mu.Unlock()
}
