package optimizer

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"baseline-optimizer/internal/checkout"
	"baseline-optimizer/internal/hypergraph"
	"baseline-optimizer/internal/ports"
	"baseline-optimizer/internal/scm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseline = "fast/dom/a-expected.txt"

type fixture struct {
	mem *checkout.Mem
	rec *scm.Recorder
	opt *Optimizer
}

func newFixture(t *testing.T, paths map[string][]string, files map[string]string, opts ...Option) *fixture {
	t.Helper()
	seed := make(map[string]string, len(files))
	for dir, body := range files {
		seed[checkout.Join(dir, baseline)] = body
	}
	mem := checkout.NewMem(seed)
	rec := &scm.Recorder{Next: scm.Plain{FS: mem}}
	return &fixture{mem: mem, rec: rec, opt: New(hypergraph.New(paths), mem, rec, opts...)}
}

func (f *fixture) placement(t *testing.T) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for _, name := range f.mem.Files("") {
		b, err := f.mem.ReadFile(name)
		require.NoError(t, err)
		out[name] = string(b)
	}
	return out
}

func at(dir string) string { return checkout.Join(dir, baseline) }

func TestRedundantCopiesHoistToSharedRoot(t *testing.T) {
	f := newFixture(t,
		map[string][]string{
			"p1": {"LayoutTests/platform/p1", "LayoutTests"},
			"p2": {"LayoutTests/platform/p2", "LayoutTests"},
			"p3": {"LayoutTests/platform/p3", "LayoutTests"},
		},
		map[string]string{
			"LayoutTests/platform/p1": "same",
			"LayoutTests/platform/p2": "same",
			"LayoutTests/platform/p3": "same",
		})

	ok, err := f.opt.Optimize(baseline)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, map[string]string{at("LayoutTests"): "same"}, f.placement(t))
	assert.ElementsMatch(t, []string{
		at("LayoutTests/platform/p1"),
		at("LayoutTests/platform/p2"),
		at("LayoutTests/platform/p3"),
	}, f.rec.Deleted())
	assert.Equal(t, []string{at("LayoutTests")}, f.rec.Added())
}

func TestDistinctResultsStayInPlace(t *testing.T) {
	f := newFixture(t,
		map[string][]string{
			"p1": {"D1", "Droot"},
			"p2": {"D2", "Droot"},
		},
		map[string]string{"D1": "one", "D2": "two"})

	plan, err := f.opt.FindOptimalPlacement(baseline)
	require.NoError(t, err)
	assert.True(t, plan.Converged)
	assert.False(t, plan.Changed())

	ok, err := f.opt.Optimize(baseline)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, f.rec.Deleted())
	assert.Empty(t, f.rec.Added())
}

func TestAlreadyOptimalIsNoOp(t *testing.T) {
	paths := make(map[string][]string)
	for i := 1; i <= 5; i++ {
		paths[fmt.Sprintf("port%d", i)] = []string{fmt.Sprintf("LayoutTests/platform/port%d", i), "LayoutTests"}
	}
	f := newFixture(t, paths, map[string]string{"LayoutTests": "shared"})

	ok, err := f.opt.Optimize(baseline)
	require.NoError(t, err)
	assert.True(t, ok)

	writes, removes := f.mem.Ops()
	assert.Zero(t, writes)
	assert.Zero(t, removes)
	assert.Empty(t, f.rec.Added())
	assert.Empty(t, f.rec.Deleted())
}

func TestOscillatingPlacementIsRejected(t *testing.T) {
	// p3 consults D before its own directory, so hoisting {p1,p2} to D
	// steals p3's result and moving p3's result to D steals theirs.
	f := newFixture(t,
		map[string][]string{
			"p1": {"D1", "D", "R"},
			"p2": {"D2", "D", "R"},
			"p3": {"D", "D3", "R"},
		},
		map[string]string{"D1": "x", "D2": "x", "D3": "y"})
	before := f.placement(t)

	plan, err := f.opt.FindOptimalPlacement(baseline)
	require.NoError(t, err)
	assert.False(t, plan.Converged)
	assert.GreaterOrEqual(t, plan.Iterations, 2)

	ok, err := f.opt.Optimize(baseline)
	require.NoError(t, err)
	assert.False(t, ok)

	writes, removes := f.mem.Ops()
	assert.Zero(t, writes)
	assert.Zero(t, removes)
	assert.Equal(t, before, f.placement(t))
}

func TestGuardRejectsPortsGainingAResult(t *testing.T) {
	// "c" has no baseline today; hoisting a and b's copy to R would give it one.
	f := newFixture(t,
		map[string][]string{
			"a": {"A", "R"},
			"b": {"B", "R"},
			"c": {"C", "R"},
		},
		map[string]string{"A": "x", "B": "x"})

	plan, err := f.opt.FindOptimalPlacement(baseline)
	require.NoError(t, err)
	assert.True(t, plan.Converged)
	assert.False(t, f.opt.Verify(plan))

	ok, err := f.opt.Optimize(baseline)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.rec.Deleted())
	assert.Empty(t, f.rec.Added())
}

func TestHoistsToMostSpecificSharedDirectory(t *testing.T) {
	f := newFixture(t,
		map[string][]string{
			"mac-lion":        {"platform/mac-lion", "platform/mac", "LayoutTests"},
			"mac-snowleopard": {"platform/mac-snowleopard", "platform/mac-lion", "platform/mac", "LayoutTests"},
			"win":             {"platform/win", "LayoutTests"},
		},
		map[string]string{
			"platform/mac-lion":        "mac",
			"platform/mac-snowleopard": "mac",
			"platform/win":             "win",
		})

	plan, err := f.opt.FindOptimalPlacement(baseline)
	require.NoError(t, err)
	require.True(t, plan.Converged)
	assert.Equal(t, Placement{
		"platform/mac-lion": checkout.DigestBytes([]byte("mac")),
		"platform/win":      checkout.DigestBytes([]byte("win")),
	}, plan.New)
	assert.Equal(t, []string{"platform/mac-snowleopard"}, plan.Deletes)
	assert.Empty(t, plan.Adds)
}

func TestChangedDigestInSameDirectoryIsRewritten(t *testing.T) {
	// p1 and p2 agree on "new" while the fallback holds "old" that nobody sees.
	f := newFixture(t,
		map[string][]string{
			"p1": {"A", "R"},
			"p2": {"B", "R"},
		},
		map[string]string{"A": "new", "B": "new", "R": "old"})

	ok, err := f.opt.Optimize(baseline)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]string{at("R"): "new"}, f.placement(t))
	assert.Contains(t, f.rec.Deleted(), at("R"))
	assert.Equal(t, []string{at("R")}, f.rec.Added())
}

func TestMostSpecificCommonDirectoryTieBreak(t *testing.T) {
	o := New(hypergraph.New(map[string][]string{
		"a": {"Y", "X", "R"},
		"b": {"X", "Y", "R"},
		"c": {"Q", "R"},
	}), checkout.NewMem(nil), &scm.Recorder{})

	dir, ok := o.mostSpecificCommonDirectory([]string{"a", "b"})
	require.True(t, ok)
	assert.Equal(t, "X", dir)

	dir, ok = o.mostSpecificCommonDirectory([]string{"a", "b", "c"})
	require.True(t, ok)
	assert.Equal(t, "R", dir)

	_, ok = o.mostSpecificCommonDirectory(nil)
	assert.False(t, ok)
}

func TestPruneRedundantDropsShadowedCopies(t *testing.T) {
	g := hypergraph.New(map[string][]string{
		"a": {"A", "R"},
		"b": {"B", "R"},
	})
	p := Placement{"A": "x", "R": "x", "B": "y"}
	pruneRedundant(g, p)
	assert.Equal(t, Placement{"R": "x", "B": "y"}, p)
}

func TestPruneRedundantRepeatsUntilStable(t *testing.T) {
	g := hypergraph.New(map[string][]string{
		"p0": {"D3", "D5", "R"},
		"p1": {"D1", "D2", "R"},
		"p2": {"D3", "D5", "D1", "R"},
		"p3": {"D5", "D0", "D4", "R"},
		"p4": {"D2", "D5", "D0", "D4", "D3", "R"},
		"p5": {"D3", "R"},
		"p6": {"D4", "D3", "D2", "D5", "D0", "D1", "R"},
	})
	files := map[string]string{"D0": "v1", "D1": "v0", "R": "v0"}
	seed := make(map[string]string, len(files))
	for dir, body := range files {
		seed[at(dir)] = body
	}
	mem := checkout.NewMem(seed)
	o := New(g, mem, scm.Plain{FS: mem})

	plan, err := o.FindOptimalPlacement(baseline)
	require.NoError(t, err)
	require.True(t, plan.Converged)
	require.True(t, o.Verify(plan))

	want := g.ResultsByPort(plan.Old)
	for dir := range plan.New {
		reduced := plan.New.Clone()
		delete(reduced, dir)
		assert.False(t, g.ResultsByPort(reduced).Equal(want), "copy in %s is redundant", dir)
	}
}

func TestDirectoriesByResult(t *testing.T) {
	f := newFixture(t,
		map[string][]string{
			"a": {"A", "R"},
			"b": {"B", "R"},
		},
		map[string]string{"A": "x", "B": "x", "R": "y"})

	got, err := f.opt.DirectoriesByResult(baseline)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		checkout.DigestBytes([]byte("x")): {"A", "B"},
		checkout.DigestBytes([]byte("y")): {"R"},
	}, got)
}

func TestEmptyBaselineName(t *testing.T) {
	f := newFixture(t, map[string][]string{"a": {"A"}}, nil)
	_, err := f.opt.Optimize("")
	assert.ErrorIs(t, err, ErrEmptyBaseline)
}

type failingSCM struct{ err error }

func (f failingSCM) Add(...string) error    { return f.err }
func (f failingSCM) Delete(...string) error { return f.err }

func TestSCMFailurePropagates(t *testing.T) {
	mem := checkout.NewMem(map[string]string{at("A"): "x", at("B"): "x"})
	boom := errors.New("index.lock exists")
	o := New(hypergraph.New(map[string][]string{
		"a": {"A", "R"},
		"b": {"B", "R"},
	}), mem, failingSCM{err: boom})

	ok, err := o.Optimize(baseline)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

type brokenDigestFS struct{ *checkout.Mem }

func (brokenDigestFS) Digest(string) (string, error) { return "", errors.New("permission denied") }

func TestReadFailurePropagates(t *testing.T) {
	mem := checkout.NewMem(map[string]string{at("A"): "x"})
	o := New(hypergraph.New(map[string][]string{"a": {"A", "R"}}), brokenDigestFS{mem}, &scm.Recorder{})
	_, err := o.ReadResultsByDirectory(baseline)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

type memJournal struct {
	baselines []string
	data      map[string][]byte
}

func (j *memJournal) Record(name string, old, _ Placement, data map[string][]byte) error {
	j.baselines = append(j.baselines, name)
	j.data = data
	return nil
}

func TestJournalSeesOldBytesBeforeApply(t *testing.T) {
	j := &memJournal{}
	f := newFixture(t,
		map[string][]string{
			"a": {"A", "R"},
			"b": {"B", "R"},
		},
		map[string]string{"A": "x", "B": "x"},
		WithJournal(j))
	ok, err := f.opt.Optimize(baseline)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []string{baseline}, j.baselines)
	assert.Equal(t, map[string][]byte{checkout.DigestBytes([]byte("x")): []byte("x")}, j.data)
}

// TestOptimizeInvariantsOverRandomPlacements drives the optimizer over the built-in port table
// with random placements and checks the invariants that must hold whenever
// it reports success.
func TestOptimizeInvariantsOverRandomPlacements(t *testing.T) {
	reg, err := ports.Default("/checkout")
	require.NoError(t, err)
	g := hypergraph.Build(reg, hypergraph.Options{Root: "/checkout"})
	dirs := g.Directories()
	rng := rand.New(rand.NewSource(7))

	successes := 0
	for trial := 0; trial < 300; trial++ {
		seed := make(map[string]string)
		copies := 1 + rng.Intn(5)
		variants := 1 + rng.Intn(3)
		for i := 0; i < copies; i++ {
			dir := dirs[rng.Intn(len(dirs))]
			seed[checkout.Join(dir, baseline)] = fmt.Sprintf("v%d", rng.Intn(variants))
		}
		mem := checkout.NewMem(seed)
		rec := &scm.Recorder{Next: scm.Plain{FS: mem}}
		o := New(g, mem, rec)

		before, err := o.ReadResultsByDirectory(baseline)
		require.NoError(t, err)
		want := g.ResultsByPort(before)

		ok, err := o.Optimize(baseline)
		require.NoError(t, err)
		if !ok {
			writes, removes := mem.Ops()
			require.Zero(t, writes, "trial %d", trial)
			require.Zero(t, removes, "trial %d", trial)
			continue
		}
		successes++

		after, err := o.ReadResultsByDirectory(baseline)
		require.NoError(t, err)
		require.True(t, g.ResultsByPort(after).Equal(want), "trial %d: results changed", trial)

		for dir := range after {
			reduced := after.Clone()
			delete(reduced, dir)
			require.False(t, g.ResultsByPort(reduced).Equal(want),
				"trial %d: copy in %s is redundant", trial, dir)
		}

		rec.Reset()
		w0, r0 := mem.Ops()
		ok, err = o.Optimize(baseline)
		require.NoError(t, err)
		require.True(t, ok, "trial %d: second run failed", trial)
		w1, r1 := mem.Ops()
		require.Equal(t, w0, w1, "trial %d: second run wrote files", trial)
		require.Equal(t, r0, r1, "trial %d: second run removed files", trial)
		require.Empty(t, rec.Added())
		require.Empty(t, rec.Deleted())
	}
	assert.Positive(t, successes)
}
