package extract

import (
	"context"
	"time"

	"github.com/plugwork/dev-runtime/engine"
	"github.com/plugwork/dev-runtime/param"
)

// InProcess extracts by instantiating the module inside the host process.
// It trades the subprocess sandbox for zero spawn cost, which only makes
// sense for modules the host produced itself. A hung initializer is still
// bounded by the timeout through the engine's close-on-done runtime.
type InProcess struct {
	Engine *engine.Engine

	// Timeout bounds load, instantiation and describe. Zero means
	// DefaultTimeout.
	Timeout time.Duration
}

// Extract loads the module at path and reads its descriptor table.
func (p *InProcess) Extract(ctx context.Context, path string) (*param.Table, error) {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mod, err := p.Engine.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	defer mod.Close(ctx)
	return mod.Describe(ctx)
}
