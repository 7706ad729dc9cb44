package rebuild

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/plugwork/dev-runtime/errors"
	"github.com/plugwork/dev-runtime/param"
)

// Extractor obtains the parameter table of a built module. Both
// extract.Extractor and extract.InProcess satisfy it.
type Extractor interface {
	Extract(ctx context.Context, modulePath string) (*param.Table, error)
}

// ApplyFunc installs a built and extracted module. It runs on the pipeline
// goroutine; the host wires it to load, instantiate, and swap the module
// into the audio driver.
type ApplyFunc func(ctx context.Context, modulePath string, table *param.Table) error

// State is the pipeline's current stage.
type State uint32

const (
	StateIdle State = iota
	StateBuilding
	StateExtracting
	StateApplying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateExtracting:
		return "extracting"
	case StateApplying:
		return "applying"
	}
	return "unknown"
}

// Config wires a Pipeline.
type Config struct {
	// ModulePath is the artifact the builder produces and the extractor
	// and apply step consume.
	ModulePath string

	Builder   Builder
	Extractor Extractor
	Apply     ApplyFunc

	// OnFailure, if set, receives every non-superseded cycle failure.
	// The host wires it to the control plane's reloadFailed push.
	OnFailure func(err error)

	// OnApplied, if set, runs after a generation is live.
	OnApplied func(generation uint64)
}

// Pipeline coalesces change signals into sequential rebuild cycles. Bump
// may be called from any goroutine; one worker goroutine (Run) executes
// cycles. While a cycle for generation N is in flight, further bumps only
// advance the target and cancel N; completion triggers exactly one more
// cycle, for the latest target.
type Pipeline struct {
	cfg  Config
	kick chan struct{}

	mu      sync.Mutex
	target  uint64
	handled uint64
	cancel  context.CancelFunc // cancels the in-flight cycle

	state atomic.Uint32
}

// NewPipeline validates cfg and returns an idle pipeline. Call Run to
// start the worker and Bump to request cycles.
func NewPipeline(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.ModulePath == "":
		return nil, errors.InvalidInput(errors.PhaseBuild, "pipeline without module path")
	case cfg.Builder == nil:
		return nil, errors.InvalidInput(errors.PhaseBuild, "pipeline without builder")
	case cfg.Extractor == nil:
		return nil, errors.InvalidInput(errors.PhaseBuild, "pipeline without extractor")
	case cfg.Apply == nil:
		return nil, errors.InvalidInput(errors.PhaseBuild, "pipeline without apply step")
	}
	return &Pipeline{cfg: cfg, kick: make(chan struct{}, 1)}, nil
}

// State reports the current stage.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Bump requests a rebuild of the newest source state. An in-flight cycle
// for an older generation is cancelled; bursts coalesce into at most one
// follow-up cycle.
func (p *Pipeline) Bump() {
	p.mu.Lock()
	p.target++
	gen := p.target
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	Logger().Debug("rebuild requested", zap.Uint64("generation", gen))
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run executes cycles until ctx ends. It returns nil on shutdown; cycle
// failures are routed to OnFailure, not returned.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.kick:
		}
		for {
			gen, cctx, cancel, ok := p.beginCycle(ctx)
			if !ok {
				break
			}
			p.runCycle(ctx, cctx, gen)
			cancel()
			p.finishCycle(gen)
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

func (p *Pipeline) beginCycle(ctx context.Context) (uint64, context.Context, context.CancelFunc, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.target <= p.handled {
		return 0, nil, nil, false
	}
	gen := p.target
	cctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	return gen, cctx, cancel, true
}

func (p *Pipeline) finishCycle(gen uint64) {
	p.mu.Lock()
	p.cancel = nil
	if gen > p.handled {
		p.handled = gen
	}
	p.mu.Unlock()
	p.state.Store(uint32(StateIdle))
}

// runCycle executes build, extract, apply for gen. cctx dies when the
// cycle is superseded; parent only dies on shutdown. The apply step runs
// on parent: past extraction the swap is committed, and a newer
// generation lands after it instead of tearing it down.
func (p *Pipeline) runCycle(parent, cctx context.Context, gen uint64) {
	start := time.Now()
	Logger().Info("rebuild started", zap.Uint64("generation", gen))

	p.state.Store(uint32(StateBuilding))
	job := Job{Generation: gen, ModulePath: p.cfg.ModulePath}
	if err := p.cfg.Builder.Build(cctx, job); err != nil {
		p.fail(cctx, gen, "build", err)
		return
	}
	if cctx.Err() != nil {
		p.logSuperseded(gen, "build")
		return
	}

	p.state.Store(uint32(StateExtracting))
	table, err := p.cfg.Extractor.Extract(cctx, p.cfg.ModulePath)
	if err != nil {
		p.fail(cctx, gen, "extract", err)
		return
	}
	if cctx.Err() != nil {
		p.logSuperseded(gen, "extract")
		return
	}

	p.state.Store(uint32(StateApplying))
	if err := p.cfg.Apply(parent, p.cfg.ModulePath, table); err != nil {
		p.fail(cctx, gen, "apply", err)
		return
	}

	Logger().Info("rebuild applied",
		zap.Uint64("generation", gen),
		zap.Int("params", table.Len()),
		zap.Duration("took", time.Since(start)))
	if p.cfg.OnApplied != nil {
		p.cfg.OnApplied(gen)
	}
}

// fail reports a cycle failure unless the cycle was superseded, in which
// case the error is an artifact of our own cancellation.
func (p *Pipeline) fail(cctx context.Context, gen uint64, stage string, err error) {
	if errors.IsCancelled(err) || cctx.Err() != nil {
		p.logSuperseded(gen, stage)
		return
	}
	Logger().Warn("rebuild failed",
		zap.Uint64("generation", gen),
		zap.String("stage", stage),
		zap.Error(err))
	if p.cfg.OnFailure != nil {
		p.cfg.OnFailure(err)
	}
}

func (p *Pipeline) logSuperseded(gen uint64, stage string) {
	Logger().Debug("rebuild superseded",
		zap.Uint64("generation", gen),
		zap.String("stage", stage))
}
