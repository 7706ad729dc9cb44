// paramprobe loads one plugin module, asks it to describe its parameters,
// and prints the table as JSON on stdout.
//
// It exists to be a sacrificial child process: instantiating a module runs
// its start section, which is whatever code the plugin author just wrote.
// The dev host spawns paramprobe with a deadline instead of running that
// code in its own address space, so a hung or crashing initializer costs
// one killed subprocess rather than the host.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/plugwork/dev-runtime/engine"
)

func main() {
	legacy := flag.Bool("legacy", false, "admit contract version 1 modules")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: paramprobe [-legacy] <module.wasm>")
		os.Exit(2)
	}

	if err := probe(flag.Arg(0), *legacy); err != nil {
		fmt.Fprintf(os.Stderr, "paramprobe: %v\n", err)
		os.Exit(1)
	}
}

func probe(path string, legacy bool) error {
	// No deadline here. The parent owns the timeout and kills the whole
	// process; a local timeout would just race it.
	ctx := context.Background()

	eng, err := engine.New(ctx, engine.Config{LegacyV1: legacy})
	if err != nil {
		return err
	}
	defer eng.Close(ctx)

	mod, err := eng.Load(ctx, path)
	if err != nil {
		return err
	}
	defer mod.Close(ctx)

	table, err := mod.Describe(ctx)
	if err != nil {
		return err
	}

	out, err := table.EncodeJSON()
	if err != nil {
		return fmt.Errorf("encode table: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}
