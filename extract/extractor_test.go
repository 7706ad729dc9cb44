package extract

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/plugwork/dev-runtime/errors"
	"github.com/plugwork/dev-runtime/param"
)

// probeModeEnv selects the behavior of the re-execed test binary when it
// stands in for the paramprobe subprocess.
const probeModeEnv = "GO_PARAMPROBE_MODE"

const probeTableJSON = `[
  {"id":"gain","name":"Gain","kind":"float","min":0,"max":1,"default":0.5},
  {"id":"mode","name":"Mode","kind":"enum","min":0,"max":1,"default":0,"variants":["clean","crunch"]}
]`

func TestMain(m *testing.M) {
	if mode := os.Getenv(probeModeEnv); mode != "" {
		os.Exit(probeMain(mode))
	}
	os.Exit(m.Run())
}

// probeMain is the fake probe. The real one lives in cmd/paramprobe; here
// we only need its observable contract: table JSON on stdout, diagnostics
// on stderr, nonzero exit on failure.
func probeMain(mode string) int {
	switch mode {
	case "table":
		fmt.Print(probeTableJSON)
		return 0
	case "legacy-check":
		if len(os.Args) < 2 || os.Args[1] != "-legacy" {
			fmt.Fprintln(os.Stderr, "legacy module rejected: missing -legacy")
			return 1
		}
		fmt.Print(probeTableJSON)
		return 0
	case "hang":
		time.Sleep(time.Minute)
		return 0
	case "crash":
		fmt.Fprintln(os.Stderr, "module trap: unreachable in plug_describe")
		return 1
	case "garbage":
		fmt.Print("{not json")
		return 0
	}
	fmt.Fprintf(os.Stderr, "unknown probe mode %q\n", mode)
	return 2
}

func newExtractor(t *testing.T, cfg Config) *Extractor {
	t.Helper()
	if cfg.ProbePath == "" {
		cfg.ProbePath = os.Args[0]
	}
	x, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return x
}

func writeModuleFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write module file: %v", err)
	}
	return path
}

func wantKind(t *testing.T, err error, kind errors.Kind) *errors.Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("error %v is not a structured error", err)
	}
	if e.Kind != kind {
		t.Fatalf("error kind = %s, want %s (err: %v)", e.Kind, kind, err)
	}
	return e
}

func TestExtract_Success(t *testing.T) {
	t.Setenv(probeModeEnv, "table")
	x := newExtractor(t, Config{Timeout: 10 * time.Second})
	path := writeModuleFile(t, "plugin.wasm", "module bytes v1")

	table, err := x.Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	want := []param.Descriptor{
		{ID: "gain", Name: "Gain", Kind: param.KindFloat, Min: 0, Max: 1, Default: 0.5},
		{ID: "mode", Name: "Mode", Kind: param.KindEnum, Min: 0, Max: 1, Default: 0, Variants: []string{"clean", "crunch"}},
	}
	if diff := cmp.Diff(want, table.Descriptors()); diff != "" {
		t.Errorf("descriptors mismatch (-want +got):\n%s", diff)
	}
}

func TestExtract_LegacyFlag(t *testing.T) {
	t.Setenv(probeModeEnv, "legacy-check")
	path := writeModuleFile(t, "old.wasm", "module bytes legacy")

	x := newExtractor(t, Config{Timeout: 10 * time.Second, LegacyV1: true})
	if _, err := x.Extract(context.Background(), path); err != nil {
		t.Fatalf("Extract with LegacyV1: %v", err)
	}

	// Without the opt-in the flag must not be passed through, and the
	// probe's rejection surfaces with its stderr attached.
	x = newExtractor(t, Config{Timeout: 10 * time.Second})
	_, err := x.Extract(context.Background(), path)
	e := wantKind(t, err, errors.KindCrashed)
	if !strings.Contains(e.Detail, "missing -legacy") {
		t.Errorf("detail %q does not carry probe stderr", e.Detail)
	}
}

func TestExtract_Timeout(t *testing.T) {
	t.Setenv(probeModeEnv, "hang")
	x := newExtractor(t, Config{Timeout: 100 * time.Millisecond})
	path := writeModuleFile(t, "plugin.wasm", "module bytes v1")

	start := time.Now()
	_, err := x.Extract(context.Background(), path)
	wantKind(t, err, errors.KindTimeout)
	if !errors.IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = false", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("hung probe survived for %s, want prompt kill", elapsed)
	}
}

func TestExtract_Cancelled(t *testing.T) {
	t.Setenv(probeModeEnv, "hang")
	x := newExtractor(t, Config{Timeout: time.Minute})
	path := writeModuleFile(t, "plugin.wasm", "module bytes v1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := x.Extract(ctx, path)
	wantKind(t, err, errors.KindCancelled)
	if !errors.IsCancelled(err) {
		t.Errorf("IsCancelled(%v) = false", err)
	}
}

func TestExtract_CrashCapturesStderr(t *testing.T) {
	t.Setenv(probeModeEnv, "crash")
	x := newExtractor(t, Config{Timeout: 10 * time.Second})
	path := writeModuleFile(t, "plugin.wasm", "module bytes v1")

	_, err := x.Extract(context.Background(), path)
	e := wantKind(t, err, errors.KindCrashed)
	if !strings.Contains(e.Detail, "unreachable in plug_describe") {
		t.Errorf("detail %q does not carry probe stderr", e.Detail)
	}
}

func TestExtract_GarbageOutput(t *testing.T) {
	t.Setenv(probeModeEnv, "garbage")
	x := newExtractor(t, Config{Timeout: 10 * time.Second})
	path := writeModuleFile(t, "plugin.wasm", "module bytes v1")

	_, err := x.Extract(context.Background(), path)
	wantKind(t, err, errors.KindParse)
}

func TestExtract_MissingModuleFile(t *testing.T) {
	t.Setenv(probeModeEnv, "table")
	x := newExtractor(t, Config{Timeout: 10 * time.Second})

	_, err := x.Extract(context.Background(), filepath.Join(t.TempDir(), "absent.wasm"))
	wantKind(t, err, errors.KindIO)
}

func TestExtract_MissingProbeBinary(t *testing.T) {
	x := newExtractor(t, Config{
		ProbePath: filepath.Join(t.TempDir(), "paramprobe"),
		Timeout:   10 * time.Second,
	})
	path := writeModuleFile(t, "plugin.wasm", "module bytes v1")

	_, err := x.Extract(context.Background(), path)
	wantKind(t, err, errors.KindIO)
}

func TestExtract_CacheHit(t *testing.T) {
	cache := &Cache{}
	path := writeModuleFile(t, "plugin.wasm", "module bytes v1")

	t.Setenv(probeModeEnv, "table")
	x := newExtractor(t, Config{Timeout: 10 * time.Second, Cache: cache})
	first, err := x.Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("first Extract: %v", err)
	}

	// Same file bytes, broken probe: only the cache can satisfy this.
	t.Setenv(probeModeEnv, "crash")
	second, err := x.Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("cached Extract: %v", err)
	}
	if second != first {
		t.Error("cache hit returned a different table instance")
	}

	// A rebuilt file misses the cache and reaches the broken probe.
	if err := os.WriteFile(path, []byte("module bytes v2"), 0o644); err != nil {
		t.Fatalf("rewrite module file: %v", err)
	}
	_, err = x.Extract(context.Background(), path)
	wantKind(t, err, errors.KindCrashed)
}

func TestExtract_CacheKeepsLatestOnly(t *testing.T) {
	cache := &Cache{}
	pathA := writeModuleFile(t, "a.wasm", "module bytes a")
	pathB := writeModuleFile(t, "b.wasm", "module bytes b")

	t.Setenv(probeModeEnv, "table")
	x := newExtractor(t, Config{Timeout: 10 * time.Second, Cache: cache})
	if _, err := x.Extract(context.Background(), pathA); err != nil {
		t.Fatalf("Extract a: %v", err)
	}
	if _, err := x.Extract(context.Background(), pathB); err != nil {
		t.Fatalf("Extract b: %v", err)
	}

	t.Setenv(probeModeEnv, "crash")
	if _, err := x.Extract(context.Background(), pathB); err != nil {
		t.Fatalf("Extract b after eviction of a: %v", err)
	}
	_, err := x.Extract(context.Background(), pathA)
	wantKind(t, err, errors.KindCrashed)
}

func TestFileFingerprint(t *testing.T) {
	path := writeModuleFile(t, "plugin.wasm", "module bytes v1")

	fp1, err := FileFingerprint(path)
	if err != nil {
		t.Fatalf("FileFingerprint: %v", err)
	}
	fp2, err := FileFingerprint(path)
	if err != nil {
		t.Fatalf("FileFingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Error("fingerprint of unchanged file differs")
	}

	if err := os.WriteFile(path, []byte("module bytes v2"), 0o644); err != nil {
		t.Fatalf("rewrite module file: %v", err)
	}
	fp3, err := FileFingerprint(path)
	if err != nil {
		t.Fatalf("FileFingerprint: %v", err)
	}
	if fp3 == fp1 {
		t.Error("fingerprint did not change with file content")
	}
}
