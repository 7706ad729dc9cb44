package extract

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/plugwork/dev-runtime/engine"
	"github.com/plugwork/dev-runtime/errors"
	"github.com/plugwork/dev-runtime/param"
	"github.com/plugwork/dev-runtime/wasm"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.New(context.Background(), engine.Config{})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })
	return eng
}

func writeBuiltModule(t *testing.T, b *wasm.Builder) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.wasm")
	if err := os.WriteFile(path, b.MustBuild(), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	return path
}

func TestInProcess_Describe(t *testing.T) {
	descs := []param.Descriptor{
		{ID: "gain", Name: "Gain", Kind: param.KindFloat, Min: 0, Max: 1, Default: 0.5},
	}
	path := writeBuiltModule(t, &wasm.Builder{Params: descs})

	p := &InProcess{Engine: newTestEngine(t)}
	table, err := p.Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if diff := cmp.Diff(descs, table.Descriptors()); diff != "" {
		t.Errorf("descriptors mismatch (-want +got):\n%s", diff)
	}
}

func TestInProcess_HangingInitTimesOut(t *testing.T) {
	path := writeBuiltModule(t, &wasm.Builder{StartLoop: true})

	p := &InProcess{Engine: newTestEngine(t), Timeout: 250 * time.Millisecond}
	start := time.Now()
	_, err := p.Extract(context.Background(), path)
	if !errors.IsTimeout(err) {
		t.Fatalf("IsTimeout(%v) = false", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("hung module survived for %s", elapsed)
	}
}
