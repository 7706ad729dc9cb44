package rebuild

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/fsnotify/fsnotify"
)

func startWatcher(t *testing.T, root string, count *atomic.Int32) *Watcher {
	t.Helper()
	w, err := NewWatcher([]string{root}, 50*time.Millisecond, func() { count.Add(1) })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// waitCount polls until count reaches want or the deadline passes.
func waitCount(t *testing.T, count *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if count.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("change count = %d, want %d", count.Load(), want)
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	root := t.TempDir()
	var count atomic.Int32
	startWatcher(t, root, &count)

	for i := 0; i < 5; i++ {
		write(t, filepath.Join(root, "plugin.c"), "void render() {}")
	}
	waitCount(t, &count, 1)

	// The burst settled; a quiet period must not produce extra signals.
	time.Sleep(200 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("change count after burst = %d, want 1", got)
	}

	write(t, filepath.Join(root, "plugin.c"), "void render() { /* again */ }")
	waitCount(t, &count, 2)
}

func TestWatcher_IgnoresScratchFiles(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	root := t.TempDir()
	var count atomic.Int32
	startWatcher(t, root, &count)

	write(t, filepath.Join(root, ".plugin.c.swp"), "x")
	write(t, filepath.Join(root, "plugin.c~"), "x")
	write(t, filepath.Join(root, "link.tmp"), "x")
	time.Sleep(200 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Fatalf("scratch files triggered %d changes", got)
	}

	write(t, filepath.Join(root, "plugin.c"), "void render() {}")
	waitCount(t, &count, 1)
}

func TestWatcher_FollowsNewDirectories(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	root := t.TempDir()
	var count atomic.Int32
	startWatcher(t, root, &count)

	sub := filepath.Join(root, "dsp")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	waitCount(t, &count, 1) // the mkdir itself is a change

	// Give the watcher a beat to register the new directory, then verify
	// edits inside it are seen.
	time.Sleep(100 * time.Millisecond)
	write(t, filepath.Join(sub, "filter.c"), "void f() {}")
	waitCount(t, &count, 2)
}

func TestWatcher_MissingRoot(t *testing.T) {
	_, err := NewWatcher([]string{filepath.Join(t.TempDir(), "absent")}, 0, func() {})
	if err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestWatcher_StopIdempotent(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	var count atomic.Int32
	w := startWatcher(t, t.TempDir(), &count)
	w.Stop()
	w.Stop()
}

func TestRelevantFiltering(t *testing.T) {
	tests := []struct {
		name string
		ev   fsnotify.Event
		want bool
	}{
		{"source write", fsnotify.Event{Name: "src/plugin.c", Op: fsnotify.Write}, true},
		{"create", fsnotify.Event{Name: "src/new.c", Op: fsnotify.Create}, true},
		{"remove", fsnotify.Event{Name: "src/old.c", Op: fsnotify.Remove}, true},
		{"chmod only", fsnotify.Event{Name: "src/plugin.c", Op: fsnotify.Chmod}, false},
		{"write and chmod", fsnotify.Event{Name: "src/plugin.c", Op: fsnotify.Write | fsnotify.Chmod}, true},
		{"hidden", fsnotify.Event{Name: "src/.plugin.c.swp", Op: fsnotify.Write}, false},
		{"backup", fsnotify.Event{Name: "src/plugin.c~", Op: fsnotify.Write}, false},
		{"emacs lock", fsnotify.Event{Name: "src/#plugin.c#", Op: fsnotify.Write}, false},
		{"tmp", fsnotify.Event{Name: "src/out.tmp", Op: fsnotify.Write}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := relevant(tc.ev); got != tc.want {
				t.Errorf("relevant(%v) = %v, want %v", tc.ev, got, tc.want)
			}
		})
	}
}
