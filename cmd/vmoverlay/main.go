// Command vmoverlay builds and replays VM hand-off overlays: the delta
// between a base disk/memory image and a modified VM snapshot, reduced and
// compressed for transfer to a cloudlet, then streamed back out into a
// full image there.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/cmu-cloudlet/vmoverlay/internal/telemetry"
)

func main() {
	app := &cli.App{
		Name:  "vmoverlay",
		Usage: "construct and reconstruct VM hand-off overlays",
		Commands: []*cli.Command{
			constructCommand(),
			reconstructCommand(),
			residueCommand(),
			inspectCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		klog.Errorf("vmoverlay: %v", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withTelemetry(ctx context.Context, name string, fn func(context.Context) error) error {
	shutdown, err := telemetry.Init(ctx, name)
	if err != nil {
		return fmt.Errorf("vmoverlay: initializing telemetry: %w", err)
	}
	defer shutdown()
	ctx, end := telemetry.StageSpan(ctx, name)
	defer end()
	return fn(ctx)
}
