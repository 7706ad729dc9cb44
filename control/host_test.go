package control

import (
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/plugwork/dev-runtime/audio"
	"github.com/plugwork/dev-runtime/errors"
	"github.com/plugwork/dev-runtime/param"
)

// stubProc stands in for a module instance on the driver side.
type stubProc struct {
	mu      sync.Mutex
	applies [][]float64
}

func (p *stubProc) ApplyParams(values []float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]float64, len(values))
	copy(cp, values)
	p.applies = append(p.applies, cp)
	return nil
}

func (p *stubProc) Process(in, out []float32) error {
	copy(out, in)
	return nil
}

func (p *stubProc) applied() [][]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]float64(nil), p.applies...)
}

func mustTable(t *testing.T, descs ...param.Descriptor) *param.Table {
	t.Helper()
	table, err := param.NewTable(descs)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

func newTestHost(t *testing.T) (*Host, *audio.Driver) {
	t.Helper()
	d := audio.NewDriver(48000, 64, 2)
	t.Cleanup(d.Close)
	return NewHost(d), d
}

func wantErrKind(t *testing.T, err error, kind errors.Kind) {
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
}

func TestHost_EmptyUntilFirstReload(t *testing.T) {
	h, _ := newTestHost(t)

	_, err := h.GetParameter("gain")
	wantErrKind(t, err, errors.KindNotFound)
	wantErrKind(t, h.SetParameter("gain", 0.5), errors.KindNotFound)
	if got := h.AllParameters(); len(got) != 0 {
		t.Errorf("AllParameters = %v, want empty", got)
	}
}

func TestHost_SetAndGet(t *testing.T) {
	h, _ := newTestHost(t)
	gen := h.ApplyReload(mustTable(t,
		param.Descriptor{ID: "gain", Name: "Gain", Kind: param.KindFloat, Min: 0, Max: 1, Default: 0.5},
		param.Descriptor{ID: "bypass", Name: "Bypass", Kind: param.KindBool, Min: 0, Max: 1, Default: 0},
	), &stubProc{}, nil)
	if gen != 1 {
		t.Fatalf("generation = %d, want 1", gen)
	}

	if err := h.SetParameter("gain", 0.8); err != nil {
		t.Fatalf("SetParameter: %v", err)
	}
	v, err := h.GetParameter("gain")
	if err != nil || v != 0.8 {
		t.Fatalf("GetParameter = %g, %v; want 0.8", v, err)
	}

	wantErrKind(t, h.SetParameter("gain", 1.5), errors.KindOutOfRange)
	wantErrKind(t, h.SetParameter("nope", 0), errors.KindNotFound)
	if v, _ := h.GetParameter("gain"); v != 0.8 {
		t.Errorf("rejected set changed the value to %g", v)
	}
}

func TestHost_ReloadMergesValues(t *testing.T) {
	h, _ := newTestHost(t)
	h.ApplyReload(mustTable(t,
		param.Descriptor{ID: "gain", Name: "Gain", Kind: param.KindFloat, Min: 0, Max: 1, Default: 0.5},
		param.Descriptor{ID: "tone", Name: "Tone", Kind: param.KindFloat, Min: 0, Max: 1, Default: 0.2},
	), &stubProc{}, nil)
	if err := h.SetParameter("gain", 0.8); err != nil {
		t.Fatalf("SetParameter: %v", err)
	}

	// The rebuilt module renames tone away and grows a drive parameter.
	gen := h.ApplyReload(mustTable(t,
		param.Descriptor{ID: "gain", Name: "Gain", Kind: param.KindFloat, Min: 0, Max: 1, Default: 0.5},
		param.Descriptor{ID: "drive", Name: "Drive", Kind: param.KindFloat, Min: 0, Max: 10, Default: 0},
	), &stubProc{}, nil)
	if gen != 2 {
		t.Fatalf("generation = %d, want 2", gen)
	}

	want := []ParameterState{
		{Descriptor: param.Descriptor{ID: "gain", Name: "Gain", Kind: param.KindFloat, Min: 0, Max: 1, Default: 0.5}, Value: 0.8},
		{Descriptor: param.Descriptor{ID: "drive", Name: "Drive", Kind: param.KindFloat, Min: 0, Max: 10, Default: 0}, Value: 0},
	}
	if diff := cmp.Diff(want, h.AllParameters()); diff != "" {
		t.Errorf("parameters after reload (-want +got):\n%s", diff)
	}
	_, err := h.GetParameter("tone")
	wantErrKind(t, err, errors.KindNotFound)
}

func TestHost_ReloadClampsNarrowedRange(t *testing.T) {
	h, _ := newTestHost(t)
	h.ApplyReload(mustTable(t,
		param.Descriptor{ID: "gain", Name: "Gain", Kind: param.KindFloat, Min: 0, Max: 2, Default: 1},
	), &stubProc{}, nil)
	if err := h.SetParameter("gain", 1.8); err != nil {
		t.Fatalf("SetParameter: %v", err)
	}

	h.ApplyReload(mustTable(t,
		param.Descriptor{ID: "gain", Name: "Gain", Kind: param.KindFloat, Min: 0, Max: 1, Default: 0.5},
	), &stubProc{}, nil)

	if v, _ := h.GetParameter("gain"); v != 1 {
		t.Errorf("gain = %g after range narrowed, want clamp to 1", v)
	}
}

func TestHost_ReloadPrimesFirstBlock(t *testing.T) {
	h, d := newTestHost(t)
	h.ApplyReload(mustTable(t,
		param.Descriptor{ID: "gain", Name: "Gain", Kind: param.KindFloat, Min: 0, Max: 1, Default: 0.5},
	), &stubProc{}, nil)
	if err := h.SetParameter("gain", 0.8); err != nil {
		t.Fatalf("SetParameter: %v", err)
	}

	proc := &stubProc{}
	h.ApplyReload(mustTable(t,
		param.Descriptor{ID: "gain", Name: "Gain", Kind: param.KindFloat, Min: 0, Max: 1, Default: 0.5},
		param.Descriptor{ID: "drive", Name: "Drive", Kind: param.KindFloat, Min: 0, Max: 10, Default: 0},
	), proc, nil)

	in := make([]float32, d.BlockFrames()*d.Channels())
	out := make([]float32, len(in))
	d.ProcessBlock(in, out)

	applies := proc.applied()
	if len(applies) != 1 {
		t.Fatalf("applies = %d, want 1 (primed bridge)", len(applies))
	}
	if got := applies[0]; got[0] != 0.8 || got[1] != 0 {
		t.Errorf("first block applied %v, want carried-over [0.8 0]", got)
	}
}

func TestHost_Notifications(t *testing.T) {
	h, _ := newTestHost(t)
	h.ApplyReload(mustTable(t,
		param.Descriptor{ID: "gain", Name: "Gain", Kind: param.KindFloat, Min: 0, Max: 1, Default: 0.5},
	), &stubProc{}, nil)

	sub := h.Subscribe()
	defer sub.Close()

	if err := h.SetParameter("gain", 0.7); err != nil {
		t.Fatalf("SetParameter: %v", err)
	}
	n := <-sub.C()
	if n.Method != NotifyParameterChanged {
		t.Fatalf("method = %q, want %q", n.Method, NotifyParameterChanged)
	}
	var pv ParameterValue
	if err := json.Unmarshal(n.Params, &pv); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if pv.ID != "gain" || pv.Value != 0.7 {
		t.Errorf("payload = %+v, want gain 0.7", pv)
	}

	h.ApplyReload(mustTable(t), &stubProc{}, nil)
	if n := <-sub.C(); n.Method != NotifyParametersChanged {
		t.Fatalf("method = %q, want %q", n.Method, NotifyParametersChanged)
	}

	h.ReportFailure(errors.Timeout(errors.PhaseExtract, "probe exceeded 5s", nil))
	n = <-sub.C()
	if n.Method != NotifyReloadFailed {
		t.Fatalf("method = %q, want %q", n.Method, NotifyReloadFailed)
	}
	var note ReloadFailedNote
	if err := json.Unmarshal(n.Params, &note); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if note.Phase != "extract" || note.Error == "" {
		t.Errorf("note = %+v, want extract phase with cause", note)
	}
}

func TestHost_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h, _ := newTestHost(t)
	h.ApplyReload(mustTable(t,
		param.Descriptor{ID: "gain", Name: "Gain", Kind: param.KindFloat, Min: 0, Max: 1, Default: 0.5},
	), &stubProc{}, nil)

	sub := h.Subscribe()
	defer sub.Close()

	// Nobody drains; every edit past the buffer must be dropped, not
	// queued or waited for.
	for i := 0; i < 100; i++ {
		if err := h.SetParameter("gain", float64(i%10)/10); err != nil {
			t.Fatalf("SetParameter: %v", err)
		}
	}

	if got := len(sub.C()); got != cap(sub.C()) {
		t.Errorf("buffered notifications = %d, want full buffer %d", got, cap(sub.C()))
	}
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	h, _ := newTestHost(t)
	h.ApplyReload(mustTable(t,
		param.Descriptor{ID: "gain", Name: "Gain", Kind: param.KindFloat, Min: 0, Max: 1, Default: 0.5},
	), &stubProc{}, nil)

	sub := h.Subscribe()
	sub.Close()
	sub.Close() // idempotent

	if err := h.SetParameter("gain", 0.9); err != nil {
		t.Fatalf("SetParameter: %v", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("closed subscription still delivered a notification")
	}
}
