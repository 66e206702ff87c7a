// Package optimizer computes and applies the smallest placement of a
// baseline file across the search hypergraph that keeps every port's
// effective result unchanged.
//
// For one baseline name the optimizer:
//  1. reads which directories currently hold a copy (and its digest),
//  2. resolves each port to its effective digest,
//  3. groups ports by digest and hoists each group's digest to the directory
//     that is, summed over the group, closest to the front of their search
//     paths,
//  4. re-resolves and repeats for groups whose ports now see another digest,
//     stopping when nobody is unsatisfied or the count stops shrinking,
//  5. drops copies whose removal changes nothing,
//  6. applies the delete/add diff through the filesystem and SCM.
//
// Either the whole diff is applied or nothing is. Non-convergence is not an
// error: Optimize reports false and touches no files.
package optimizer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"baseline-optimizer/internal/checkout"
	"baseline-optimizer/internal/hypergraph"
	"baseline-optimizer/internal/scm"
	"baseline-optimizer/internal/sortutil"
)

// Placement and Results are the hypergraph types, re-exported for callers.
type (
	Placement = hypergraph.Placement
	Results   = hypergraph.Results
)

// ErrEmptyBaseline is returned when no baseline name is given.
var ErrEmptyBaseline = errors.New("optimizer: empty baseline name")

// Journal receives the pre-optimization state before any file is touched.
// data maps each digest of old to the file's bytes.
type Journal interface {
	Record(baseline string, old, new Placement, data map[string][]byte) error
}

// Plan is the outcome of FindOptimalPlacement.
type Plan struct {
	Baseline   string
	Old        Placement
	New        Placement
	Converged  bool
	Iterations int
	// Deletes lists directories whose copy goes away or changes.
	Deletes []string
	// Adds lists directories that receive a new or different copy.
	Adds []string
}

// Changed reports whether applying the plan touches any file.
func (p *Plan) Changed() bool { return len(p.Deletes) > 0 || len(p.Adds) > 0 }

// Optimizer works on one checkout.
type Optimizer struct {
	graph   *hypergraph.Graph
	fs      checkout.FileSystem
	scm     scm.SCM
	log     *slog.Logger
	journal Journal
	prune   bool
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) {
		if l != nil {
			o.log = l
		}
	}
}

// WithJournal records every applied plan before files are touched.
func WithJournal(j Journal) Option {
	return func(o *Optimizer) { o.journal = j }
}

// WithPruning toggles the redundant-copy pass (enabled by default).
func WithPruning(enabled bool) Option {
	return func(o *Optimizer) { o.prune = enabled }
}

// New returns an Optimizer over graph using fs for file access and vcs for
// registering adds and deletes.
func New(graph *hypergraph.Graph, fs checkout.FileSystem, vcs scm.SCM, opts ...Option) *Optimizer {
	o := &Optimizer{
		graph: graph,
		fs:    fs,
		scm:   vcs,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		prune: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Graph returns the hypergraph the optimizer works on.
func (o *Optimizer) Graph() *hypergraph.Graph { return o.graph }

// ReadResultsByDirectory returns the digest of every copy of name found in
// a hypergraph directory. Directories without a copy are absent.
func (o *Optimizer) ReadResultsByDirectory(name string) (Placement, error) {
	if name == "" {
		return nil, ErrEmptyBaseline
	}
	out := make(Placement)
	for _, dir := range o.graph.Directories() {
		p := checkout.Join(dir, name)
		if !o.fs.Exists(p) {
			continue
		}
		d, err := o.fs.Digest(p)
		if err != nil {
			return nil, fmt.Errorf("digest %s: %w", p, err)
		}
		out[dir] = d
	}
	return out, nil
}

// DirectoriesByResult groups the directories holding a copy of name by digest.
func (o *Optimizer) DirectoriesByResult(name string) (map[string][]string, error) {
	current, err := o.ReadResultsByDirectory(name)
	if err != nil {
		return nil, err
	}
	return invert(current), nil
}

// FindOptimalPlacement computes the candidate placement for name without
// touching any file.
func (o *Optimizer) FindOptimalPlacement(name string) (*Plan, error) {
	current, err := o.ReadResultsByDirectory(name)
	if err != nil {
		return nil, err
	}
	plan := o.plan(name, current)
	o.log.Debug("placement computed",
		"baseline", name,
		"converged", plan.Converged,
		"iterations", plan.Iterations,
		"deletes", len(plan.Deletes),
		"adds", len(plan.Adds))
	return plan, nil
}

func (o *Optimizer) plan(name string, current Placement) *Plan {
	want := o.graph.ResultsByPort(current)
	groups := invert(want)

	next := make(Placement)
	unsatisfied := groups
	remaining := countPorts(unsatisfied)
	converged := remaining == 0
	iterations := 0
	for len(unsatisfied) > 0 {
		iterations++
		o.placeInMostSpecificCommonDirectory(unsatisfied, next)
		got := o.graph.ResultsByPort(next)
		stillUnsatisfied := filterPorts(groups, func(port string) bool {
			d, ok := got[port]
			return !ok || d != want[port]
		})
		n := countPorts(stillUnsatisfied)
		o.log.Debug("placement iteration",
			"baseline", name,
			"iteration", iterations,
			"unsatisfied", n)
		if n == 0 {
			converged = true
			break
		}
		if n >= remaining {
			break
		}
		unsatisfied, remaining = stillUnsatisfied, n
	}
	if converged && o.prune {
		pruneRedundant(o.graph, next)
	}

	plan := &Plan{
		Baseline:   name,
		Old:        current,
		New:        next,
		Converged:  converged,
		Iterations: iterations,
	}
	plan.Deletes, plan.Adds = placementDiff(current, next)
	return plan
}

// placeInMostSpecificCommonDirectory assigns each group's digest to its
// hoist directory. Groups are visited in digest order so that collisions on a
// shared directory resolve the same way on every run.
func (o *Optimizer) placeInMostSpecificCommonDirectory(groups map[string][]string, placement Placement) {
	for _, digest := range sortutil.SortedKeys(groups) {
		dir, ok := o.mostSpecificCommonDirectory(groups[digest])
		if !ok {
			continue
		}
		placement[dir] = digest
	}
}

// mostSpecificCommonDirectory picks, among the directories present in every
// port's search path, the one with the lowest summed index. Ties go to the
// lexically smaller directory.
func (o *Optimizer) mostSpecificCommonDirectory(ports []string) (string, bool) {
	if len(ports) == 0 {
		return "", false
	}
	indexes := make([]map[string]int, len(ports))
	for i, port := range ports {
		sp := o.graph.SearchPath(port)
		idx := make(map[string]int, len(sp))
		for pos, dir := range sp {
			if _, seen := idx[dir]; !seen {
				idx[dir] = pos
			}
		}
		indexes[i] = idx
	}

	best, bestScore := "", -1
	for dir, pos := range indexes[0] {
		score := pos
		common := true
		for _, idx := range indexes[1:] {
			p, ok := idx[dir]
			if !ok {
				common = false
				break
			}
			score += p
		}
		if !common {
			continue
		}
		if bestScore < 0 || score < bestScore || (score == bestScore && dir < best) {
			best, bestScore = dir, score
		}
	}
	return best, bestScore >= 0
}

// pruneRedundant removes copies whose removal leaves every port's result
// unchanged. Directories are tried in sorted order, and the sweep repeats
// until a full pass removes nothing: dropping one copy can expose another
// that was needed only to shadow it.
func pruneRedundant(g *hypergraph.Graph, placement Placement) {
	before := g.ResultsByPort(placement)
	for changed := true; changed; {
		changed = false
		for _, dir := range sortutil.SortedKeys(placement) {
			digest := placement[dir]
			delete(placement, dir)
			if g.ResultsByPort(placement).Equal(before) {
				changed = true
				continue
			}
			placement[dir] = digest
		}
	}
}

// Verify reports whether plan preserves every port's effective result.
func (o *Optimizer) Verify(plan *Plan) bool {
	return o.graph.ResultsByPort(plan.Old).Equal(o.graph.ResultsByPort(plan.New))
}

// Optimize computes the placement for name and applies it. It returns false
// without touching files when the placement did not converge or would change
// a port's result. I/O and SCM failures are returned as errors.
func (o *Optimizer) Optimize(name string) (bool, error) {
	plan, err := o.FindOptimalPlacement(name)
	if err != nil {
		return false, err
	}
	if !plan.Converged {
		o.log.Warn("placement did not converge", "baseline", name, "iterations", plan.Iterations)
		return false, nil
	}
	if !o.Verify(plan) {
		o.log.Warn("placement changes port results", "baseline", name)
		return false, nil
	}
	if err := o.Apply(plan); err != nil {
		return false, err
	}
	return true, nil
}

// Apply moves files from plan.Old to plan.New: stale copies are deleted via
// SCM and new copies are written and registered. Bytes are read once per
// distinct digest before anything is deleted.
func (o *Optimizer) Apply(plan *Plan) error {
	if !plan.Changed() {
		return nil
	}
	name := plan.Baseline

	data := make(map[string][]byte)
	for _, dir := range sortutil.SortedKeys(plan.Old) {
		digest := plan.Old[dir]
		if _, ok := data[digest]; ok {
			continue
		}
		src := checkout.Join(dir, name)
		b, err := o.fs.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read %s: %w", src, err)
		}
		data[digest] = b
	}
	for _, dir := range plan.Adds {
		if _, ok := data[plan.New[dir]]; !ok {
			return fmt.Errorf("optimizer: no source for digest %s of %s", plan.New[dir], name)
		}
	}

	if o.journal != nil {
		if err := o.journal.Record(name, plan.Old, plan.New, data); err != nil {
			return fmt.Errorf("journal %s: %w", name, err)
		}
	}

	if len(plan.Deletes) > 0 {
		paths := make([]string, 0, len(plan.Deletes))
		for _, dir := range plan.Deletes {
			paths = append(paths, checkout.Join(dir, name))
		}
		if err := o.scm.Delete(paths...); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}

	if len(plan.Adds) > 0 {
		paths := make([]string, 0, len(plan.Adds))
		for _, dir := range plan.Adds {
			dst := checkout.Join(dir, name)
			parent, _ := checkout.Split(dst)
			if err := o.fs.MkdirAll(parent); err != nil {
				return fmt.Errorf("mkdir %s: %w", parent, err)
			}
			if err := o.fs.WriteFile(dst, data[plan.New[dir]]); err != nil {
				return fmt.Errorf("write %s: %w", dst, err)
			}
			paths = append(paths, dst)
		}
		if err := o.scm.Add(paths...); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
	}

	o.log.Info("baseline optimized",
		"baseline", name,
		"removed", plan.Deletes,
		"added", plan.Adds)
	return nil
}

// CheckApplied re-reads the placement of name and reports whether every
// port still resolves to the same digest as in want.
func (o *Optimizer) CheckApplied(name string, want Results) (bool, error) {
	current, err := o.ReadResultsByDirectory(name)
	if err != nil {
		return false, err
	}
	return o.graph.ResultsByPort(current).Equal(want), nil
}

// invert groups keys by value. Each group is sorted.
func invert(m map[string]string) map[string][]string {
	out := make(map[string][]string)
	for k, v := range m {
		out[v] = append(out[v], k)
	}
	for _, ks := range out {
		sort.Strings(ks)
	}
	return out
}

func filterPorts(groups map[string][]string, keep func(port string) bool) map[string][]string {
	out := make(map[string][]string)
	for digest, ports := range groups {
		var kept []string
		for _, p := range ports {
			if keep(p) {
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			out[digest] = kept
		}
	}
	return out
}

func countPorts(groups map[string][]string) int {
	n := 0
	for _, ports := range groups {
		n += len(ports)
	}
	return n
}

func placementDiff(old, next Placement) (deletes, adds []string) {
	for dir, digest := range old {
		if nd, ok := next[dir]; !ok || nd != digest {
			deletes = append(deletes, dir)
		}
	}
	for dir, digest := range next {
		if od, ok := old[dir]; !ok || od != digest {
			adds = append(adds, dir)
		}
	}
	sort.Strings(deletes)
	sort.Strings(adds)
	return deletes, adds
}
