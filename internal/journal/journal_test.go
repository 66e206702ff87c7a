package journal

import (
	"os"
	"path/filepath"
	"testing"

	"baseline-optimizer/internal/checkout"
	"baseline-optimizer/internal/hypergraph"
	"baseline-optimizer/internal/optimizer"
	"baseline-optimizer/internal/scm"
)

const name = "fast/a-expected.txt"

func TestRecordAndRestoreUndoesOptimization(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mem := checkout.NewMem(map[string]string{
		"A/" + name: "same",
		"B/" + name: "same",
	})
	vcs := scm.Plain{FS: mem}
	g := hypergraph.New(map[string][]string{"a": {"A", "R"}, "b": {"B", "R"}})
	o := optimizer.New(g, mem, vcs, optimizer.WithJournal(j))

	ok, err := o.Optimize(name)
	if err != nil || !ok {
		t.Fatalf("Optimize ok=%v err=%v", ok, err)
	}
	if got := mem.Files(""); len(got) != 1 || got[0] != "R/"+name {
		t.Fatalf("unexpected optimized tree: %v", got)
	}

	entries, err := j.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Baseline != name || entries[0].FormatVersion != formatVersion {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	if err := j.Restore(entries[0], mem, vcs); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got := mem.Files("")
	if len(got) != 2 || got[0] != "A/"+name || got[1] != "B/"+name {
		t.Fatalf("restore did not bring back the old placement: %v", got)
	}
	b, _ := mem.ReadFile("A/" + name)
	if string(b) != "same" {
		t.Fatalf("restored bytes = %q", b)
	}

	if err := j.Forget(name); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if err := j.Forget(name); err != nil {
		t.Fatalf("second Forget must be a no-op: %v", err)
	}
	if entries, _ := j.Entries(); len(entries) != 0 {
		t.Fatalf("entry not forgotten: %+v", entries)
	}
}

func TestRecordKeepsFirstOldAndLatestNew(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d1 := checkout.DigestBytes([]byte("one"))
	d2 := checkout.DigestBytes([]byte("two"))
	if err := j.Record(name, hypergraph.Placement{"A": d1}, hypergraph.Placement{"R": d1}, map[string][]byte{d1: []byte("one")}); err != nil {
		t.Fatal(err)
	}
	if err := j.Record(name, hypergraph.Placement{"R": d1, "C": d2}, hypergraph.Placement{"S": d2}, map[string][]byte{d1: []byte("one"), d2: []byte("two")}); err != nil {
		t.Fatal(err)
	}
	entries, err := j.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %+v", entries)
	}
	e := entries[0]
	if len(e.Old) != 1 || e.Old["A"] != d1 {
		t.Fatalf("first Old not kept: %+v", e.Old)
	}
	if len(e.New) != 1 || e.New["S"] != d2 || e.Updated == "" {
		t.Fatalf("latest New not recorded: %+v", e)
	}
	if _, err := j.ReadBlob(d2); err == nil {
		t.Fatalf("later records must not store blobs")
	}
}

func TestRestoreAfterSecondOptimizationRemovesLatestCopies(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mem := checkout.NewMem(map[string]string{
		"A/" + name: "same",
		"B/" + name: "same",
	})
	vcs := scm.Plain{FS: mem}
	g := hypergraph.New(map[string][]string{
		"a": {"A", "S", "R"},
		"b": {"B", "S", "R"},
		"c": {"C", "R"},
	})
	o := optimizer.New(g, mem, vcs, optimizer.WithJournal(j))
	if ok, err := o.Optimize(name); err != nil || !ok {
		t.Fatalf("first Optimize ok=%v err=%v", ok, err)
	}
	// A hand edit gives every port the same copy again before the next run.
	if err := mem.MkdirAll("C/fast"); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteFile("C/"+name, []byte("same")); err != nil {
		t.Fatal(err)
	}
	if ok, err := o.Optimize(name); err != nil || !ok {
		t.Fatalf("second Optimize ok=%v err=%v", ok, err)
	}
	if got := mem.Files(""); len(got) != 1 || got[0] != "R/"+name {
		t.Fatalf("unexpected tree after second run: %v", got)
	}

	entries, err := j.Entries()
	if err != nil || len(entries) != 1 {
		t.Fatalf("Entries: %v %+v", err, entries)
	}
	if err := j.Restore(entries[0], mem, vcs); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got := mem.Files("")
	if len(got) != 2 || got[0] != "A/"+name || got[1] != "B/"+name {
		t.Fatalf("restore left copies behind: %v", got)
	}
}

func TestBlobLayoutAndValidation(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	d := checkout.DigestBytes([]byte("payload"))
	if err := j.saveBlob(d, []byte("payload")); err != nil {
		t.Fatalf("saveBlob: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, blobsDirName, d[:2], d[2:4], d)); err != nil {
		t.Fatalf("blob not sharded as expected: %v", err)
	}
	if err := j.saveBlob("XYZ", nil); err == nil {
		t.Fatalf("expected invalid hash error")
	}
	if _, err := j.ReadBlob("abc"); err == nil {
		t.Fatalf("expected short hash error")
	}
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}
