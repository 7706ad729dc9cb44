package extract

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/plugwork/dev-runtime/errors"
	"github.com/plugwork/dev-runtime/param"
)

// DefaultTimeout bounds a probe run when Config.Timeout is zero. A healthy
// probe finishes in milliseconds; five seconds is generous enough for a
// cold compilation cache.
const DefaultTimeout = 5 * time.Second

// ProbeName is the file name of the probe binary.
const ProbeName = "paramprobe"

// Config configures an Extractor.
type Config struct {
	// ProbePath is the probe binary to spawn. Empty means DefaultProbePath.
	ProbePath string

	// Timeout bounds one probe run, including spawn and JSON decode.
	// Zero means DefaultTimeout, negative means no limit.
	Timeout time.Duration

	// LegacyV1 is passed through to the probe so it admits the same
	// module versions as the host engine.
	LegacyV1 bool

	// Cache, if non-nil, is consulted by content fingerprint before
	// spawning and updated after every success.
	Cache *Cache
}

// Extractor obtains parameter tables by running the module inside a
// disposable paramprobe subprocess.
type Extractor struct {
	probePath string
	timeout   time.Duration
	legacy    bool
	cache     *Cache
}

// DefaultProbePath returns the probe binary expected to sit next to the
// current executable.
func DefaultProbePath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(exe), ProbeName), nil
}

// New builds an Extractor from cfg.
func New(cfg Config) (*Extractor, error) {
	probe := cfg.ProbePath
	if probe == "" {
		p, err := DefaultProbePath()
		if err != nil {
			return nil, errors.IO(errors.PhaseExtract, "locate probe binary", err)
		}
		probe = p
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Extractor{
		probePath: probe,
		timeout:   timeout,
		legacy:    cfg.LegacyV1,
		cache:     cfg.Cache,
	}, nil
}

// Extract returns the parameter table of the module at path. The probe
// child is killed when ctx is cancelled or the configured timeout
// expires, so Extract never blocks on a hung module initializer.
func (x *Extractor) Extract(ctx context.Context, path string) (*param.Table, error) {
	fp, err := FileFingerprint(path)
	if err != nil {
		return nil, errors.IO(errors.PhaseExtract, "fingerprint "+path, err)
	}
	if x.cache != nil {
		if table, ok := x.cache.Lookup(fp); ok {
			Logger().Debug("extraction cache hit",
				zap.String("module", path),
				zap.Int("params", table.Len()))
			return table, nil
		}
	}

	runCtx := ctx
	if x.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	args := make([]string, 0, 2)
	if x.legacy {
		args = append(args, "-legacy")
	}
	args = append(args, path)

	start := time.Now()
	out, err := exec.CommandContext(runCtx, x.probePath, args...).Output()
	if err != nil {
		return nil, x.probeErr(runCtx, path, err)
	}

	table, err := param.ParseTable(out)
	if err != nil {
		return nil, errors.ParseFailed(errors.PhaseExtract, "probe output for "+path, err)
	}
	if x.cache != nil {
		x.cache.Store(fp, table)
	}
	Logger().Info("parameters extracted",
		zap.String("module", path),
		zap.Int("params", table.Len()),
		zap.Duration("took", time.Since(start)))
	return table, nil
}

// probeErr classifies a failed probe run. Context state takes priority:
// when the deadline fired the child was killed by us, and its exit status
// says nothing about the module.
func (x *Extractor) probeErr(ctx context.Context, path string, err error) error {
	switch {
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		return errors.Timeout(errors.PhaseExtract,
			fmt.Sprintf("probe exceeded %s on %s", x.timeout, path), err)
	case stderrors.Is(ctx.Err(), context.Canceled):
		return errors.Cancelled(errors.PhaseExtract, "probe for "+path)
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		detail := strings.TrimSpace(string(exitErr.Stderr))
		if detail == "" {
			detail = exitErr.String()
		}
		return errors.Crashed(fmt.Sprintf("probe on %s: %s", path, detail), err)
	}
	return errors.IO(errors.PhaseExtract, "run probe "+x.probePath, err)
}
