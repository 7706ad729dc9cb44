package control

import (
	"encoding/json"
	stderrors "errors"
	"sync"

	"go.uber.org/zap"

	devruntime "github.com/plugwork/dev-runtime"
	"github.com/plugwork/dev-runtime/audio"
	"github.com/plugwork/dev-runtime/errors"
	"github.com/plugwork/dev-runtime/param"
)

// Host owns the canonical parameter state: the live descriptor table and
// one value per parameter. It is the single writer; every mutation flows
// through it, into the live bridge, and out to subscribers. The host
// starts with an empty table and serves requests against it until the
// first reload lands.
type Host struct {
	driver *audio.Driver

	// reloadMu serializes reloads without blocking parameter traffic;
	// mu covers the canonical state itself.
	reloadMu sync.Mutex
	mu       sync.RWMutex
	table    *param.Table
	values   []float64
	bridge   *param.Bridge
	gen      uint64

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// NewHost returns a host publishing sessions through driver.
func NewHost(driver *audio.Driver) *Host {
	table, _ := param.NewTable(nil) // an empty table never fails validation
	return &Host{
		driver: driver,
		table:  table,
		bridge: param.NewBridge(0),
		subs:   make(map[*Subscription]struct{}),
	}
}

// GetParameter returns the canonical value of the parameter with id.
func (h *Host) GetParameter(id string) (float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	i, ok := h.table.Index(id)
	if !ok {
		return 0, errors.NotFound(errors.PhaseControl, "parameter", id)
	}
	return h.values[i], nil
}

// SetParameter validates value against the live descriptor, updates the
// canonical state, and pushes the edit into the bridge. It never waits on
// the audio context. Subscribers other than the writer learn about the
// edit through parameterChanged.
func (h *Host) SetParameter(id string, value float64) error {
	h.mu.Lock()
	i, ok := h.table.Index(id)
	if !ok {
		h.mu.Unlock()
		return errors.NotFound(errors.PhaseControl, "parameter", id)
	}
	d := h.table.At(i)
	if !d.InRange(value) {
		h.mu.Unlock()
		return errors.OutOfRange(id, value, d.Min, d.Max)
	}
	h.values[i] = value
	h.bridge.Set(i, value)
	h.mu.Unlock()

	h.notify(NotifyParameterChanged, ParameterValue{ID: id, Value: value})
	return nil
}

// AllParameters returns descriptor and current value for every parameter,
// in declaration order.
func (h *Host) AllParameters() []ParameterState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ParameterState, h.table.Len())
	for i := range out {
		out[i] = ParameterState{Descriptor: h.table.At(i), Value: h.values[i]}
	}
	return out
}

// Table returns the live descriptor table.
func (h *Host) Table() *param.Table {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.table
}

// Stats reports the driver's processing counters.
func (h *Host) Stats() devruntime.Stats {
	return h.driver.Stats()
}

// ApplyReload installs a rebuilt module. Values carry over by parameter
// id: an id present in both tables keeps its value (clamped if the new
// range narrowed), a new id starts at its default, an absent id is
// dropped. The new bridge is primed with the merged state so the first
// block latches it whole, then the session is swapped in and subscribers
// get parametersChanged. Returns the new generation.
func (h *Host) ApplyReload(table *param.Table, proc devruntime.BlockProcessor, retire func()) uint64 {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	h.mu.Lock()
	merged := make([]float64, table.Len())
	for i, d := range table.Descriptors() {
		v := d.Default
		if old, ok := h.table.Index(d.ID); ok {
			v = clamp(h.values[old], d.Min, d.Max)
		}
		merged[i] = v
	}
	bridge := param.NewBridge(table.Len())
	bridge.PrimeAll(merged)
	h.table = table
	h.values = merged
	h.bridge = bridge
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	h.driver.Swap(audio.NewSession(proc, bridge, merged, gen, retire))

	Logger().Info("reload applied",
		zap.Uint64("generation", gen),
		zap.Int("params", table.Len()))
	h.notify(NotifyParametersChanged, struct{}{})
	return gen
}

// ReportFailure pushes reloadFailed to subscribers. The module that was
// live before the failed rebuild keeps processing; this is information,
// not a state change.
func (h *Host) ReportFailure(err error) {
	note := ReloadFailedNote{Error: err.Error()}
	var e *errors.Error
	if stderrors.As(err, &e) {
		note.Phase = string(e.Phase)
		note.Remedy = e.Remedy
	}
	Logger().Warn("reload failed", zap.Error(err))
	h.notify(NotifyReloadFailed, note)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Notification is one push to a subscriber, already encoded.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Subscription receives host notifications on a buffered channel. A
// subscriber that stops draining loses pushes; it never stalls the host
// or other subscribers.
type Subscription struct {
	host   *Host
	ch     chan Notification
	closed bool
}

// Subscribe registers a new subscriber.
func (h *Host) Subscribe() *Subscription {
	s := &Subscription{host: h, ch: make(chan Notification, 16)}
	h.subMu.Lock()
	h.subs[s] = struct{}{}
	h.subMu.Unlock()
	return s
}

// C returns the notification channel. It is closed by Close.
func (s *Subscription) C() <-chan Notification {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.host.subMu.Lock()
	defer s.host.subMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.host.subs, s)
	close(s.ch)
}

func (h *Host) notify(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		Logger().Error("encode notification", zap.String("method", method), zap.Error(err))
		return
	}
	n := Notification{Method: method, Params: raw}
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- n:
		default:
			// Slow consumer. Dropping keeps parameter edits from ever
			// waiting on a UI.
		}
	}
}
