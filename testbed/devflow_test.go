// Package testbed runs the whole dev loop end to end: real wasm modules
// through the engine, the rebuild pipeline, the audio driver, and a control
// client on the other side of a transport. Everything a plugin developer's
// session touches, minus the sound card and the C compiler.
package testbed

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/plugwork/dev-runtime/audio"
	"github.com/plugwork/dev-runtime/control"
	"github.com/plugwork/dev-runtime/engine"
	"github.com/plugwork/dev-runtime/extract"
	"github.com/plugwork/dev-runtime/param"
	"github.com/plugwork/dev-runtime/rebuild"
	"github.com/plugwork/dev-runtime/wasm"
)

const (
	blockFrames = 64
	channels    = 2
	sampleRate  = 48000.0
)

// stageBuilder stands in for the plugin project's compiler: Build writes
// whatever binary was last staged to the module path.
type stageBuilder struct {
	mu   sync.Mutex
	out  string
	bin  []byte
	hold chan struct{} // when non-nil, Build blocks here or on ctx
}

func (b *stageBuilder) Build(ctx context.Context, job rebuild.Job) error {
	b.mu.Lock()
	hold := b.hold
	bin := b.bin
	b.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return os.WriteFile(b.out, bin, 0o644)
}

func (b *stageBuilder) stage(bin []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bin = bin
}

func (b *stageBuilder) setHold(ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold = ch
}

type note struct {
	method string
	params json.RawMessage
}

// harness wires a full host: engine, driver, control host, pipeline, and a
// client connected over the in-process transport.
type harness struct {
	t        *testing.T
	eng      *engine.Engine
	driver   *audio.Driver
	host     *control.Host
	pipeline *rebuild.Pipeline
	builder  *stageBuilder
	client   *control.Client
	notes    chan note
}

func newHarness(t *testing.T, initial []byte, extractTimeout time.Duration) *harness {
	t.Helper()

	eng, err := engine.New(context.Background(), engine.Config{})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })

	driver := audio.NewDriver(sampleRate, blockFrames, channels)
	t.Cleanup(driver.Close)
	host := control.NewHost(driver)

	modulePath := filepath.Join(t.TempDir(), "plugin.wasm")
	builder := &stageBuilder{out: modulePath, bin: initial}

	apply := func(ctx context.Context, path string, table *param.Table) error {
		mod, err := eng.Load(ctx, path)
		if err != nil {
			return err
		}
		inst, err := mod.Instantiate(ctx, blockFrames, channels)
		if err != nil {
			mod.Close(ctx)
			return err
		}
		if err := inst.SetSampleRate(ctx, sampleRate); err != nil {
			inst.Close(ctx)
			mod.Close(ctx)
			return err
		}
		host.ApplyReload(table, inst, func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			inst.Close(rctx)
			mod.Close(rctx)
		})
		return nil
	}

	pipeline, err := rebuild.NewPipeline(rebuild.Config{
		ModulePath: modulePath,
		Builder:    builder,
		Extractor:  &extract.InProcess{Engine: eng, Timeout: extractTimeout},
		Apply:      apply,
		OnFailure:  host.ReportFailure,
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pipeline.Run(ctx)
	}()

	notes := make(chan note, 64)
	client := control.Pipe(ctx, host, &control.ClientOptions{
		OnNotify: func(method string, params json.RawMessage) {
			select {
			case notes <- note{method: method, params: params}:
			default:
			}
		},
	})
	// A completed round trip proves the server side of the pipe has
	// subscribed; until then a reload's notification can fire before the
	// subscription exists and be dropped.
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})

	return &harness{
		t: t, eng: eng, driver: driver, host: host,
		pipeline: pipeline, builder: builder, client: client, notes: notes,
	}
}

// waitNote discards notifications until one with the wanted method arrives.
func (h *harness) waitNote(method string) note {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-h.notes:
			if n.method == method {
				return n
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s", method)
		}
	}
}

// processBlock pushes one block of full-scale input through the driver and
// returns the first output sample.
func (h *harness) processBlock() float32 {
	in := make([]float32, blockFrames*channels)
	out := make([]float32, blockFrames*channels)
	for i := range in {
		in[i] = 1
	}
	h.driver.ProcessBlock(in, out)
	return out[0]
}

func gainModule(t *testing.T, extra ...param.Descriptor) []byte {
	t.Helper()
	params := append([]param.Descriptor{
		{ID: "gain", Name: "Gain", Kind: param.KindFloat, Min: 0, Max: 1, Default: 0.5},
	}, extra...)
	bin, err := wasm.Builder{Params: params}.Build()
	if err != nil {
		t.Fatalf("build module: %v", err)
	}
	return bin
}

func wantSample(t *testing.T, got float32, want float64) {
	t.Helper()
	if math.Abs(float64(got)-want) > 1e-6 {
		t.Errorf("output sample = %g, want %g", got, want)
	}
}

func TestDevFlow_EditSurvivesReload(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tone := param.Descriptor{ID: "tone", Name: "Tone", Kind: param.KindFloat,
		Min: 20, Max: 20000, Default: 1000, Unit: "Hz"}
	h := newHarness(t, gainModule(t, tone), 5*time.Second)
	ctx := context.Background()

	h.pipeline.Bump()
	h.waitNote(control.NotifyParametersChanged)

	// The first block latches declared defaults.
	wantSample(t, h.processBlock(), 0.5)

	if err := h.client.SetParameter(ctx, "gain", 0.8); err != nil {
		t.Fatalf("SetParameter: %v", err)
	}
	h.waitNote(control.NotifyParameterChanged)
	wantSample(t, h.processBlock(), 0.8)

	// Next build drops tone and introduces drive.
	drive := param.Descriptor{ID: "drive", Name: "Drive", Kind: param.KindFloat,
		Min: 0, Max: 10, Default: 0}
	h.builder.stage(gainModule(t, drive))
	h.pipeline.Bump()
	h.waitNote(control.NotifyParametersChanged)

	params, err := h.client.GetAllParameters(ctx)
	if err != nil {
		t.Fatalf("GetAllParameters: %v", err)
	}
	byID := map[string]control.ParameterState{}
	for _, p := range params {
		byID[p.ID] = p
	}
	if got := byID["gain"].Value; got != 0.8 {
		t.Errorf("gain after reload = %g, want the edited 0.8", got)
	}
	if got := byID["drive"].Value; got != 0 {
		t.Errorf("drive after reload = %g, want declared default 0", got)
	}
	if _, ok := byID["tone"]; ok {
		t.Error("tone survived a reload that removed it")
	}

	var rpcErr *control.RPCError
	if _, err := h.client.GetParameter(ctx, "tone"); !stderrors.As(err, &rpcErr) || rpcErr.Code != control.CodeParamNotFound {
		t.Errorf("GetParameter(tone) = %v, want code %d", err, control.CodeParamNotFound)
	}

	// The swapped-in instance renders with the preserved edit immediately.
	wantSample(t, h.processBlock(), 0.8)

	stats, err := h.client.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Generation != 2 {
		t.Errorf("generation = %d, want 2", stats.Generation)
	}
}

func TestDevFlow_HungExtractionKeepsOldModuleLive(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	h := newHarness(t, gainModule(t), 300*time.Millisecond)
	ctx := context.Background()

	h.pipeline.Bump()
	h.waitNote(control.NotifyParametersChanged)
	if err := h.client.SetParameter(ctx, "gain", 0.9); err != nil {
		t.Fatalf("SetParameter: %v", err)
	}
	wantSample(t, h.processBlock(), 0.9)

	// The next "save" produces a module whose initializer never returns.
	hung, err := wasm.Builder{StartLoop: true}.Build()
	if err != nil {
		t.Fatalf("build module: %v", err)
	}
	h.builder.stage(hung)
	h.pipeline.Bump()

	n := h.waitNote(control.NotifyReloadFailed)
	var failure control.ReloadFailedNote
	if err := json.Unmarshal(n.params, &failure); err != nil {
		t.Fatalf("decode reloadFailed: %v", err)
	}
	if failure.Phase != "extract" {
		t.Errorf("failure phase = %q, want extract", failure.Phase)
	}

	// Old table, old edit, old audio: nothing about the session moved.
	params, err := h.client.GetAllParameters(ctx)
	if err != nil {
		t.Fatalf("GetAllParameters: %v", err)
	}
	if len(params) != 1 || params[0].ID != "gain" || params[0].Value != 0.9 {
		t.Errorf("parameters after failed reload = %+v, want gain at 0.9", params)
	}
	wantSample(t, h.processBlock(), 0.9)

	stats, err := h.client.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Generation != 1 {
		t.Errorf("generation = %d, want 1 (failed reload must not advance)", stats.Generation)
	}

	// Fixing the module recovers on the next save.
	h.builder.stage(gainModule(t))
	h.pipeline.Bump()
	h.waitNote(control.NotifyParametersChanged)
	wantSample(t, h.processBlock(), 0.9)
}

func TestDevFlow_SaveTriggersRebuild(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	h := newHarness(t, gainModule(t), 5*time.Second)

	h.pipeline.Bump()
	h.waitNote(control.NotifyParametersChanged)

	srcDir := t.TempDir()
	w, err := rebuild.NewWatcher([]string{srcDir}, 50*time.Millisecond, h.pipeline.Bump)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)

	// A "source edit" lands a fresh build without anyone calling Bump.
	drive := param.Descriptor{ID: "drive", Name: "Drive", Kind: param.KindFloat,
		Min: 0, Max: 10, Default: 0}
	h.builder.stage(gainModule(t, drive))
	if err := os.WriteFile(filepath.Join(srcDir, "plugin.c"), []byte("float drive;\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	h.waitNote(control.NotifyParametersChanged)
	params, err := h.client.GetAllParameters(context.Background())
	if err != nil {
		t.Fatalf("GetAllParameters: %v", err)
	}
	if len(params) != 2 {
		t.Errorf("parameters after watched save = %d, want 2", len(params))
	}
}

func TestDevFlow_BurstOfSavesCoalesces(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	h := newHarness(t, gainModule(t), 5*time.Second)
	ctx := context.Background()

	h.pipeline.Bump()
	h.waitNote(control.NotifyParametersChanged)

	// Hold the next build in flight while four more saves queue up behind
	// it. Releasing must produce exactly one further reload.
	hold := make(chan struct{})
	h.builder.setHold(hold)
	h.pipeline.Bump()
	for i := 0; i < 4; i++ {
		h.pipeline.Bump()
	}
	h.builder.setHold(nil)
	close(hold)

	h.waitNote(control.NotifyParametersChanged)
	stats, err := h.client.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Generation != 2 {
		t.Errorf("generation after burst = %d, want 2", stats.Generation)
	}
}
