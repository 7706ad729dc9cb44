package rebuild

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/plugwork/dev-runtime/errors"
)

// Job describes one rebuild cycle.
type Job struct {
	Generation uint64
	ModulePath string // artifact the build must produce
}

// Builder produces the module artifact. Build must honor ctx: a superseded
// cycle is cancelled through it and the builder is expected to stop.
type Builder interface {
	Build(ctx context.Context, job Job) error
}

// maxBuildOutput bounds how much compiler output travels inside the error.
// The full output belongs in the build tool's own terminal, not the
// control plane.
const maxBuildOutput = 2048

// CommandBuilder runs a fixed command for every build, the way a Makefile
// target or a toolchain wrapper is usually wired in.
type CommandBuilder struct {
	Dir  string   // working directory; empty means the host's
	Argv []string // command and arguments, no shell expansion
}

func (b *CommandBuilder) Build(ctx context.Context, job Job) error {
	if len(b.Argv) == 0 {
		return errors.InvalidInput(errors.PhaseBuild, "empty build command")
	}
	out, err := b.command(ctx).CombinedOutput()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errors.Cancelled(errors.PhaseBuild, b.Argv[0])
	}
	detail := string(bytes.TrimSpace(tail(out, maxBuildOutput)))
	if detail == "" {
		detail = err.Error()
	}
	return errors.Wrap(errors.PhaseBuild, errors.KindCrashed, err, detail)
}

func (b *CommandBuilder) command(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, b.Argv[0], b.Argv[1:]...)
	cmd.Dir = b.Dir
	return cmd
}

func tail(out []byte, n int) []byte {
	if len(out) <= n {
		return out
	}
	return out[len(out)-n:]
}

// NopBuilder reports success without running anything. It serves setups
// where something else produces the module file and the pipeline only
// extracts and applies it, like the built-in demo plugin.
type NopBuilder struct{}

func (NopBuilder) Build(context.Context, Job) error { return nil }
