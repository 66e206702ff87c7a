// Package config resolves the optimize-baselines settings from a .env file,
// the process environment and command-line flags, in increasing priority.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"baseline-optimizer/internal/logging"
)

// Environment variables consulted for flag defaults.
const (
	EnvRoot     = "OPTIMIZE_BASELINES_ROOT"
	EnvPorts    = "OPTIMIZE_BASELINES_PORTS"
	EnvSCM      = "OPTIMIZE_BASELINES_SCM"
	EnvLogLevel = "OPTIMIZE_BASELINES_LOG_LEVEL"
	EnvJournal  = "OPTIMIZE_BASELINES_JOURNAL"
	EnvJobs     = "OPTIMIZE_BASELINES_JOBS"
)

// Mode selects what the CLI does with the selected baselines.
type Mode string

const (
	ModeOptimize Mode = "optimize"
	ModeDryRun   Mode = "dry-run"
	ModeAnalyze  Mode = "analyze"
	ModeRestore  Mode = "restore"
)

// SCM backends.
const (
	SCMAuto = "auto"
	SCMGit  = "git"
	SCMNone = "none"
)

// UsageError marks a bad command line; the CLI exits 2 on it.
type UsageError struct{ Err error }

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

func usagef(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// Config is the resolved CLI configuration.
type Config struct {
	Root        string // absolute checkout root
	LayoutTests string // shared fallback directory, relative to Root
	PortsFile   string // YAML port table; empty means the built-in table
	Suffixes    []string
	SCM         string
	Mode        Mode
	Journal     string // journal directory; empty disables journaling
	Jobs        int
	Verify      bool
	Prune       bool
	LogLevel    slog.Level
	LogJSON     bool
	DiffContext int
	// Args are the positional test files or directories.
	Args []string
}

// Load reads an optional .env from the working directory and then parses
// args against the process environment.
func Load(args []string, stderr io.Writer) (*Config, error) {
	_ = godotenv.Load()
	return Parse(args, os.Getenv, stderr)
}

// Parse builds a Config from args, taking flag defaults from getenv.
func Parse(args []string, getenv func(string) string, stderr io.Writer) (*Config, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if stderr == nil {
		stderr = io.Discard
	}
	envJobs := runtime.GOMAXPROCS(0)
	if v := strings.TrimSpace(getenv(EnvJobs)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, usagef("%s: %v", EnvJobs, err)
		}
		envJobs = n
	}

	fs := flag.NewFlagSet("optimize-baselines", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage:\n")
		fmt.Fprintf(stderr, "  %s [flags] [test-or-directory ...]\n", fs.Name())
		fmt.Fprintln(stderr, "  (No arguments optimizes every baseline in the checkout.)")
		fmt.Fprintln(stderr, "\nFlags:")
		fs.PrintDefaults()
	}

	root := fs.String("root", firstNonEmpty(getenv(EnvRoot), "."), "checkout root")
	layoutTests := fs.String("layout-tests", "LayoutTests", "shared fallback directory, relative to -root")
	portsFile := fs.String("ports", getenv(EnvPorts), "YAML port table (default: built-in table)")
	suffixes := fs.String("suffixes", "txt,png,wav", "comma-separated baseline suffixes")
	scmFlag := fs.String("scm", firstNonEmpty(getenv(EnvSCM), SCMAuto), "version control: auto, git or none")
	dryRun := fs.Bool("dry-run", false, "print placement diffs without touching files")
	analyze := fs.Bool("analyze", false, "print directories by result for each baseline")
	restore := fs.Bool("restore", false, "restore every baseline recorded in -journal")
	journal := fs.String("journal", getenv(EnvJournal), "journal directory recording placements before optimization")
	jobs := fs.Int("jobs", envJobs, "baselines optimized in parallel")
	verify := fs.Bool("verify", false, "re-read each optimized baseline and check port results")
	noPrune := fs.Bool("no-prune", false, "keep copies that no port needs after placement")
	logLevel := fs.String("log-level", firstNonEmpty(getenv(EnvLogLevel), "warn"), "log level: debug, info, warn, error")
	logJSON := fs.Bool("log-json", false, "log as JSON")
	diffContext := fs.Int("diff-context", 3, "unified diff context lines in -dry-run")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, &UsageError{Err: err}
	}

	mode, err := selectMode(*dryRun, *analyze, *restore)
	if err != nil {
		return nil, err
	}
	if *jobs < 1 {
		return nil, usagef("-jobs must be at least 1, got %d", *jobs)
	}
	switch *scmFlag {
	case SCMAuto, SCMGit, SCMNone:
	default:
		return nil, usagef("-scm must be auto, git or none, got %q", *scmFlag)
	}
	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		return nil, &UsageError{Err: err}
	}
	sfx := splitCSV(*suffixes)
	if len(sfx) == 0 {
		return nil, usagef("-suffixes must name at least one suffix")
	}
	if mode == ModeRestore && *journal == "" {
		return nil, usagef("-restore requires -journal")
	}
	if *layoutTests == "" || filepath.IsAbs(*layoutTests) {
		return nil, usagef("-layout-tests must be a relative directory")
	}
	absRoot, err := filepath.Abs(*root)
	if err != nil {
		return nil, err
	}

	return &Config{
		Root:        absRoot,
		LayoutTests: filepath.ToSlash(filepath.Clean(*layoutTests)),
		PortsFile:   *portsFile,
		Suffixes:    sfx,
		SCM:         *scmFlag,
		Mode:        mode,
		Journal:     *journal,
		Jobs:        *jobs,
		Verify:      *verify,
		Prune:       !*noPrune,
		LogLevel:    level,
		LogJSON:     *logJSON,
		DiffContext: *diffContext,
		Args:        fs.Args(),
	}, nil
}

// selectMode picks the run mode; the mode flags are mutually exclusive.
func selectMode(dryRun, analyze, restore bool) (Mode, error) {
	n := 0
	mode := ModeOptimize
	if dryRun {
		n++
		mode = ModeDryRun
	}
	if analyze {
		n++
		mode = ModeAnalyze
	}
	if restore {
		n++
		mode = ModeRestore
	}
	if n > 1 {
		return "", usagef("-dry-run, -analyze and -restore are mutually exclusive")
	}
	return mode, nil
}

// splitCSV converts a comma-separated list into a trimmed slice, dropping
// empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
