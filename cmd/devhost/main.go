package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/plugwork/dev-runtime/audio"
	"github.com/plugwork/dev-runtime/control"
	"github.com/plugwork/dev-runtime/engine"
	"github.com/plugwork/dev-runtime/extract"
	"github.com/plugwork/dev-runtime/param"
	"github.com/plugwork/dev-runtime/rebuild"
	"github.com/plugwork/dev-runtime/wasm"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		modulePath  = flag.String("module", "", "Path to the plugin module (overrides config)")
		listenSpec  = flag.String("listen", "", "Control listener, unix:/path or tcp:host:port (overrides config)")
		legacy      = flag.Bool("legacy", false, "Admit contract version 1 modules")
		interactive = flag.Bool("i", false, "Interactive parameter editor")
		demo        = flag.Bool("demo", false, "Serve the built-in gain module, no build step")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *modulePath != "" {
		cfg.Module = *modulePath
	}
	if *listenSpec != "" {
		cfg.Control.Listen = *listenSpec
	}
	if *legacy {
		cfg.LegacyV1 = true
	}

	if cfg.Module == "" && !*demo {
		fmt.Fprintln(os.Stderr, "Usage: devhost -module <plugin.wasm> [-config devhost.yml] [-listen spec] [-i]")
		fmt.Fprintln(os.Stderr, "       devhost -config devhost.yml")
		fmt.Fprintln(os.Stderr, "       devhost -demo [-i]")
		os.Exit(1)
	}
	if *interactive && !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "Error: -i requires a terminal")
		os.Exit(1)
	}

	if err := run(cfg, *demo, *interactive); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config, demo, interactive bool) error {
	// The TUI owns the terminal, so interactive mode keeps the default
	// no-op loggers; reload failures reach the editor as notifications.
	log := zap.NewNop()
	if !interactive {
		dev, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		log = dev
	}
	defer log.Sync()
	engine.SetLogger(log.Named("engine"))
	extract.SetLogger(log.Named("extract"))
	rebuild.SetLogger(log.Named("rebuild"))
	audio.SetLogger(log.Named("audio"))
	control.SetLogger(log.Named("control"))
	hostLog := log.Named("devhost")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Guest execution outlives ctx: the final session retires, calling
	// plug_destroy, after the control plane is already down.
	runCtx, stopGuests := context.WithCancel(context.Background())
	defer stopGuests()

	eng, err := engine.New(runCtx, engine.Config{LegacyV1: cfg.LegacyV1})
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	if demo {
		dir, err := os.MkdirTemp("", "devhost-demo-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		path, err := writeDemoModule(dir)
		if err != nil {
			return err
		}
		cfg.Module = path
		cfg.Build.Command = ""
		cfg.Build.Watch = nil
	}

	driver := audio.NewDriver(cfg.Audio.SampleRate, cfg.Audio.BlockFrames, cfg.Audio.Channels)
	defer driver.Close()
	host := control.NewHost(driver)

	extractor, err := newExtractor(cfg, demo, eng)
	if err != nil {
		return err
	}

	var builder rebuild.Builder = rebuild.NopBuilder{}
	if !demo && cfg.Build.Command != "" {
		builder = &rebuild.CommandBuilder{Dir: cfg.Build.Dir, Argv: shellCommand(cfg.Build.Command)}
	}

	apply := func(ctx context.Context, path string, table *param.Table) error {
		mod, err := eng.Load(ctx, path)
		if err != nil {
			return err
		}
		inst, err := mod.Instantiate(ctx, cfg.Audio.BlockFrames, cfg.Audio.Channels)
		if err != nil {
			mod.Close(ctx)
			return err
		}
		if err := inst.SetSampleRate(ctx, cfg.Audio.SampleRate); err != nil {
			inst.Close(ctx)
			mod.Close(ctx)
			return err
		}
		host.ApplyReload(table, inst, func() {
			// Runs once the swapped-out session's last block drains. The
			// deadline turns a module whose destroy hangs into a logged
			// error instead of a stuck shutdown.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := inst.Close(rctx); err != nil {
				hostLog.Warn("instance retire", zap.Error(err))
			}
			mod.Close(rctx)
		})
		return nil
	}

	pipeline, err := rebuild.NewPipeline(rebuild.Config{
		ModulePath: cfg.Module,
		Builder:    builder,
		Extractor:  extractor,
		Apply:      apply,
		OnFailure:  host.ReportFailure,
	})
	if err != nil {
		return err
	}

	var watcher *rebuild.Watcher
	if len(cfg.Build.Watch) > 0 {
		w, err := rebuild.NewWatcher(cfg.Build.Watch, cfg.debounce(), pipeline.Bump)
		if err != nil {
			return err
		}
		watcher = w
		defer watcher.Stop()
	}

	lis, err := control.Listen(cfg.Control.Listen)
	if err != nil {
		return err
	}
	hostLog.Info("control plane listening",
		zap.String("addr", cfg.Control.Listen),
		zap.String("module", cfg.Module))

	g := taskgroup.New(nil)
	g.Go(func() error { return pipeline.Run(ctx) })
	g.Go(func() error { return control.Serve(ctx, lis, host) })
	g.Go(func() error {
		pump(ctx, driver, cfg.blockPeriod())
		return nil
	})

	// First load happens the same way every later one does: as a
	// pipeline cycle.
	pipeline.Bump()

	var uiErr error
	if interactive {
		uiErr = runInteractive(ctx, host, cfg.Module)
		stop()
	} else {
		<-ctx.Done()
	}

	if watcher != nil {
		watcher.Stop()
	}
	if err := g.Wait(); err != nil {
		return err
	}
	driver.Close()
	hostLog.Info("shut down")
	return uiErr
}

func newExtractor(cfg config, demo bool, eng *engine.Engine) (rebuild.Extractor, error) {
	if demo {
		// The demo module came from our own builder; no subprocess needed.
		return &extract.InProcess{Engine: eng, Timeout: cfg.extractTimeout()}, nil
	}
	ecfg := extract.Config{
		ProbePath: cfg.Extract.Probe,
		Timeout:   cfg.extractTimeout(),
		LegacyV1:  cfg.LegacyV1,
	}
	if cfg.Extract.Cache {
		ecfg.Cache = &extract.Cache{}
	}
	return extract.New(ecfg)
}

// pump drives the driver at block rate from a wall-clock ticker, standing in
// for a sound card. Good enough cadence for a dev loop, not a hard real-time
// guarantee.
func pump(ctx context.Context, d *audio.Driver, period time.Duration) {
	in := make([]float32, d.BlockFrames()*d.Channels())
	out := make([]float32, d.BlockFrames()*d.Channels())
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			d.ProcessBlock(in, out)
		}
	}
}

// writeDemoModule renders the built-in module into dir. One parameter of
// each kind; the gain actually shapes audio.
func writeDemoModule(dir string) (string, error) {
	data, err := wasm.Builder{
		Params: []param.Descriptor{
			{ID: "gain", Name: "Gain", Kind: param.KindFloat, Min: 0, Max: 1.5, Default: 1, Unit: "x"},
			{ID: "drive", Name: "Drive", Kind: param.KindFloat, Min: 0, Max: 10, Default: 0},
			{ID: "bypass", Name: "Bypass", Kind: param.KindBool, Min: 0, Max: 1, Default: 0},
			{ID: "mode", Name: "Mode", Kind: param.KindEnum, Min: 0, Max: 2, Default: 0,
				Variants: []string{"clean", "crunch", "fuzz"}},
		},
	}.Build()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "demo.wasm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
