package main

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"

	"github.com/cmu-cloudlet/vmoverlay/internal/dedup"
	"github.com/cmu-cloudlet/vmoverlay/internal/overlay"
	"github.com/cmu-cloudlet/vmoverlay/internal/sink"
)

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "dump a manifest's structure and a per-item summary",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "manifest", Required: true},
			&cli.BoolFlag{Name: "verbose", Usage: "dump every decoded item with go-spew"},
		},
		Action: func(c *cli.Context) error {
			return withTelemetry(c.Context, "inspect", func(ctx context.Context) error {
				return runInspect(c)
			})
		},
	}
}

func runInspect(c *cli.Context) error {
	m, err := sink.LoadManifest(c.String("manifest"))
	if err != nil {
		return err
	}
	fmt.Printf("session %s, %d blobs, chunk size %d\n", m.SessionID, len(m.Blobs), m.ChunkSize)

	if !c.Bool("verbose") {
		for _, b := range m.Blobs {
			fmt.Printf("  %s: %d bytes, disk_chunk_ids=%v mem_chunk_ids=%v codec=%s\n", b.Filename, b.Size, b.DiskChunkIDs, b.MemoryChunkIDs, b.Compression)
		}
		return nil
	}

	items, err := loadAllItems(c.String("manifest"))
	if err != nil {
		return err
	}
	spew.Dump(items)

	summary := overlay.NewSummary(items, dedup.Stats{}, 0, 0)
	fmt.Print(summary.String())
	return nil
}
