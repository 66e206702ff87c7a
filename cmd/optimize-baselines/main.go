// Package main provides the optimize-baselines CLI. It moves expected-result
// files ("baselines") to the most general directories of the baseline search
// hypergraph that still give every port the same effective result, so
// identical copies collapse into one shared file.
//
// Modes:
//   - optimize (default): optimize-baselines [flags] [test-or-directory ...]
//   - dry run           : optimize-baselines -dry-run [flags] [...]
//   - analyze           : optimize-baselines -analyze [flags] [...]
//   - restore           : optimize-baselines -restore -journal DIR
//
// Positional arguments are test files (expanded to their baselines with
// -suffixes), baseline names, or directories (searched for baselines),
// all relative to the -layout-tests directory. No arguments means every
// baseline in the checkout.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"baseline-optimizer/internal/checkout"
	"baseline-optimizer/internal/config"
	"baseline-optimizer/internal/diff"
	"baseline-optimizer/internal/discover"
	"baseline-optimizer/internal/hypergraph"
	"baseline-optimizer/internal/journal"
	"baseline-optimizer/internal/logging"
	"baseline-optimizer/internal/optimizer"
	"baseline-optimizer/internal/ports"
	"baseline-optimizer/internal/scm"
	"baseline-optimizer/internal/sortutil"
)

// outcome is the per-baseline result of a run.
type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeOptimized
	outcomeFailed
	outcomeError
	// outcomeMissing: no copy of the name exists anywhere; not tallied.
	outcomeMissing
)

// tally counts outcomes for the summary line.
type tally struct {
	optimized, unchanged, failed, errors int
}

func (t *tally) add(o outcome) {
	switch o {
	case outcomeOptimized:
		t.optimized++
	case outcomeUnchanged:
		t.unchanged++
	case outcomeFailed:
		t.failed++
	case outcomeError:
		t.errors++
	}
}

func (t tally) String() string {
	s := fmt.Sprintf("optimized %d, unchanged %d, failed %d", t.optimized, t.unchanged, t.failed)
	if t.errors > 0 {
		s += fmt.Sprintf(", errors %d", t.errors)
	}
	return s
}

// env is everything a mode needs, built once from the config.
type env struct {
	cfg     *config.Config
	log     *slog.Logger
	graph   *hypergraph.Graph
	fs      *checkout.OS
	vcs     scm.SCM
	journal *journal.Journal
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, "ERROR:", err)
		return 2
	}
	e, err := setup(cfg, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "ERROR:", err)
		return 1
	}

	if cfg.Mode == config.ModeRestore {
		return runRestore(e, stdout, stderr)
	}

	names, err := resolveNames(cfg, e.graph, e.fs.Root())
	if err != nil {
		fmt.Fprintln(stderr, "ERROR:", err)
		return 1
	}
	if len(names) == 0 {
		fmt.Fprintln(stderr, "No baselines matched.")
		return 0
	}
	e.log.Debug("baselines selected", "count", len(names), "mode", string(cfg.Mode))

	switch cfg.Mode {
	case config.ModeAnalyze:
		return runAnalyze(e, names, stdout, stderr)
	case config.ModeDryRun:
		return runDryRun(e, names, stdout, stderr)
	default:
		return runOptimize(e, names, stdout, stderr)
	}
}

// setup loads the port table, builds the hypergraph and binds the checkout,
// version control and journal.
func setup(cfg *config.Config, stderr io.Writer) (*env, error) {
	logger := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, Writer: stderr})

	fsys, err := checkout.NewOS(cfg.Root, 0)
	if err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	root := fsys.Root()

	var reg *ports.Registry
	if cfg.PortsFile != "" {
		reg, err = ports.LoadFile(cfg.PortsFile, root)
	} else {
		reg, err = ports.Default(root)
	}
	if err != nil {
		return nil, fmt.Errorf("ports: %w", err)
	}
	g := hypergraph.Build(reg, hypergraph.Options{Root: root, Fallback: cfg.LayoutTests})
	logger.Debug("hypergraph built", "ports", len(g.Ports()), "directories", len(g.Directories()))

	vcs, err := selectSCM(cfg.SCM, root, fsys)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, log: logger, graph: g, fs: fsys, vcs: vcs}
	if cfg.Journal != "" {
		j, err := journal.Open(cfg.Journal)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		e.journal = j
	}
	return e, nil
}

func selectSCM(kind, root string, fsys *checkout.OS) (scm.SCM, error) {
	switch kind {
	case config.SCMNone:
		return scm.Plain{FS: fsys}, nil
	case config.SCMGit:
		return scm.NewGit(root)
	}
	if scm.Detect(root) {
		return scm.NewGit(root)
	}
	return scm.Plain{FS: fsys}, nil
}

func (e *env) optimizer() *optimizer.Optimizer {
	opts := []optimizer.Option{
		optimizer.WithLogger(e.log),
		optimizer.WithPruning(e.cfg.Prune),
	}
	if e.journal != nil {
		opts = append(opts, optimizer.WithJournal(e.journal))
	}
	return optimizer.New(e.graph, e.fs, e.vcs, opts...)
}

// resolveNames expands the positional arguments into baseline names.
func resolveNames(cfg *config.Config, g *hypergraph.Graph, root string) ([]string, error) {
	names := make(map[string]struct{})
	var prefixes []string
	for _, arg := range cfg.Args {
		rel := strings.TrimPrefix(path.Clean(filepath.ToSlash(arg)), cfg.LayoutTests+"/")
		switch {
		case discover.IsBaseline(rel, cfg.Suffixes):
			names[rel] = struct{}{}
		case isDir(filepath.Join(root, filepath.FromSlash(cfg.LayoutTests), filepath.FromSlash(rel))):
			prefixes = append(prefixes, rel)
		case path.Ext(rel) != "":
			for _, n := range discover.NamesForTest(rel, cfg.Suffixes) {
				names[n] = struct{}{}
			}
		default:
			prefixes = append(prefixes, rel)
		}
	}
	if len(cfg.Args) == 0 || len(prefixes) > 0 {
		found, err := discover.Baselines(root, g, discover.Options{Suffixes: cfg.Suffixes, Prefixes: prefixes})
		if err != nil {
			return nil, err
		}
		for _, n := range found {
			names[n] = struct{}{}
		}
	}
	return sortutil.SetToSorted(names), nil
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// runOptimize optimizes every name, up to cfg.Jobs at a time. A failure on
// one baseline does not stop the others.
func runOptimize(e *env, names []string, stdout, stderr io.Writer) int {
	o := e.optimizer()
	results := make([]outcome, len(names))
	msgs := make([]string, len(names))

	var eg errgroup.Group
	eg.SetLimit(e.cfg.Jobs)
	for i, name := range names {
		i, name := i, name
		eg.Go(func() error {
			results[i], msgs[i] = optimizeOne(o, name, e.cfg.Verify)
			return nil
		})
	}
	_ = eg.Wait()

	var t tally
	for i, name := range names {
		t.add(results[i])
		switch results[i] {
		case outcomeOptimized:
			fmt.Fprintf(stdout, "optimized %s\n", name)
		case outcomeFailed:
			fmt.Fprintf(stdout, "FAILED %s: %s\n", name, msgs[i])
		case outcomeError:
			fmt.Fprintf(stderr, "ERROR: %s: %s\n", name, msgs[i])
		}
	}
	fmt.Fprintln(stdout, t.String())
	if t.errors > 0 {
		return 1
	}
	return 0
}

// optimizeOne reads name once and applies the plan computed from that read,
// with the same checks Optimize makes.
func optimizeOne(o *optimizer.Optimizer, name string, verify bool) (outcome, string) {
	plan, err := o.FindOptimalPlacement(name)
	if err != nil {
		return outcomeError, err.Error()
	}
	if len(plan.Old) == 0 {
		return outcomeMissing, ""
	}
	if !plan.Converged {
		return outcomeFailed, "placement did not converge"
	}
	if !o.Verify(plan) {
		return outcomeFailed, "placement would change port results"
	}
	if !plan.Changed() {
		return outcomeUnchanged, ""
	}
	if err := o.Apply(plan); err != nil {
		return outcomeError, err.Error()
	}
	if verify {
		same, err := o.CheckApplied(name, o.Graph().ResultsByPort(plan.Old))
		if err != nil {
			return outcomeError, err.Error()
		}
		if !same {
			return outcomeError, "port results changed after optimization"
		}
	}
	return outcomeOptimized, ""
}

// runDryRun prints the placement diff of every baseline that would change.
func runDryRun(e *env, names []string, stdout, stderr io.Writer) int {
	o := e.optimizer()
	opt := diff.Options{Context: e.cfg.DiffContext, DigestWidth: 12}
	var t tally
	for _, name := range names {
		plan, err := o.FindOptimalPlacement(name)
		if err != nil {
			fmt.Fprintf(stderr, "ERROR: %s: %v\n", name, err)
			t.add(outcomeError)
			continue
		}
		switch {
		case len(plan.Old) == 0:
			continue
		case !plan.Converged:
			fmt.Fprintf(stdout, "FAILED %s: placement did not converge\n", name)
			t.add(outcomeFailed)
			continue
		case !o.Verify(plan):
			fmt.Fprintf(stdout, "FAILED %s: placement would change port results\n", name)
			t.add(outcomeFailed)
			continue
		case !plan.Changed():
			t.add(outcomeUnchanged)
			continue
		}
		patch, err := diff.Placement(name, plan.Old, plan.New, opt)
		if err != nil {
			fmt.Fprintf(stderr, "ERROR: %s: %v\n", name, err)
			t.add(outcomeError)
			continue
		}
		fmt.Fprint(stdout, patch)
		t.add(outcomeOptimized)
	}
	fmt.Fprintf(stdout, "(dry run) %s\n", t.String())
	if t.errors > 0 {
		return 1
	}
	return 0
}

// runAnalyze prints, for every baseline, which directories hold each digest.
func runAnalyze(e *env, names []string, stdout, stderr io.Writer) int {
	o := e.optimizer()
	code := 0
	for _, name := range names {
		byResult, err := o.DirectoriesByResult(name)
		if err != nil {
			fmt.Fprintf(stderr, "ERROR: %s: %v\n", name, err)
			code = 1
			continue
		}
		if len(byResult) == 0 {
			continue
		}
		fmt.Fprintln(stdout, name)
		for _, digest := range sortutil.SortedKeys(byResult) {
			short := digest
			if len(short) > 12 {
				short = short[:12]
			}
			fmt.Fprintf(stdout, "  %s: %s\n", short, strings.Join(byResult[digest], ", "))
		}
	}
	return code
}

// runRestore replays the journal, returning every recorded baseline to its
// pre-optimization placement.
func runRestore(e *env, stdout, stderr io.Writer) int {
	entries, err := e.journal.Entries()
	if err != nil {
		fmt.Fprintln(stderr, "ERROR:", err)
		return 1
	}
	code := 0
	restored := 0
	for _, entry := range entries {
		if err := e.journal.Restore(entry, e.fs, e.vcs); err != nil {
			fmt.Fprintf(stderr, "ERROR: %s: %v\n", entry.Baseline, err)
			code = 1
			continue
		}
		if err := e.journal.Forget(entry.Baseline); err != nil {
			fmt.Fprintf(stderr, "ERROR: %s: %v\n", entry.Baseline, err)
			code = 1
			continue
		}
		e.log.Info("baseline restored", "baseline", entry.Baseline)
		fmt.Fprintf(stdout, "restored %s\n", entry.Baseline)
		restored++
	}
	fmt.Fprintf(stdout, "restored %d of %d\n", restored, len(entries))
	return code
}
