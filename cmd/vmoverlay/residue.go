package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/cmu-cloudlet/vmoverlay/internal/basecatalog"
	"github.com/cmu-cloudlet/vmoverlay/internal/compressor"
	"github.com/cmu-cloudlet/vmoverlay/internal/overlay"
	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
	"github.com/cmu-cloudlet/vmoverlay/internal/sink"
)

func residueCommand() *cli.Command {
	return &cli.Command{
		Name:  "residue",
		Usage: "merge or diff two overlays captured against the same base VM",
		Subcommands: []*cli.Command{
			{
				Name:  "merge",
				Usage: "combine an older applied overlay with a newer one",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "old-manifest", Required: true},
					&cli.StringFlag{Name: "new-manifest", Required: true},
					&cli.StringFlag{Name: "out", Required: true},
				},
				Action: func(c *cli.Context) error {
					return withTelemetry(c.Context, "residue-merge", func(ctx context.Context) error {
						return runResidueMerge(c)
					})
				},
			},
			{
				Name:  "diff",
				Usage: "compute the incremental overlay between two manifests",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "old-manifest", Required: true},
					&cli.StringFlag{Name: "new-manifest", Required: true},
					&cli.StringFlag{Name: "base-mem"},
					&cli.StringFlag{Name: "out", Required: true},
				},
				Action: func(c *cli.Context) error {
					return withTelemetry(c.Context, "residue-diff", func(ctx context.Context) error {
						return runResidueDiff(c)
					})
				},
			},
		},
	}
}

func loadAllItems(manifestPath string) ([]pageformat.DeltaItem, error) {
	m, err := sink.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(manifestPath)

	var items []pageformat.DeltaItem
	for _, rec := range m.Blobs {
		data, err := os.ReadFile(filepath.Join(dir, rec.Filename))
		if err != nil {
			return nil, fmt.Errorf("reading blob %s: %w", rec.Filename, err)
		}
		raw, err := compressor.Decompress(parseCodec(rec.Compression), data)
		if err != nil {
			return nil, err
		}
		r := bufio.NewReader(bytes.NewReader(raw))
		for {
			item, err := pageformat.Decode(r, false)
			if err != nil {
				break
			}
			items = append(items, item)
		}
	}
	return items, nil
}

func writeItemsAsSingleBlob(items []pageformat.DeltaItem, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	batcher := compressor.NewBatcher(compressor.CodecGzip, 6, compressor.DefaultTargetSize*100)
	sk := sink.New(outDir, "", "")

	diskChunkIDs := make(map[uint64]struct{})
	memChunkIDs := make(map[uint64]struct{})
	for _, item := range items {
		chunkID := item.Offset / pageformat.ChunkSize
		if item.Domain == pageformat.DomainDisk {
			diskChunkIDs[chunkID] = struct{}{}
		} else {
			memChunkIDs[chunkID] = struct{}{}
		}
		blob, err := batcher.Add(item)
		if err != nil {
			return err
		}
		if blob != nil {
			if err := sk.WriteBlob(blob, sortedChunkIDs(diskChunkIDs), sortedChunkIDs(memChunkIDs)); err != nil {
				return err
			}
			diskChunkIDs = make(map[uint64]struct{})
			memChunkIDs = make(map[uint64]struct{})
		}
	}
	blob, err := batcher.Flush()
	if err != nil {
		return err
	}
	if blob != nil {
		if err := sk.WriteBlob(blob, sortedChunkIDs(diskChunkIDs), sortedChunkIDs(memChunkIDs)); err != nil {
			return err
		}
	}
	return sk.Finalize()
}

// sortedChunkIDs returns the sorted distinct chunk ids in set, or nil if
// empty, matching overlay.Pipeline's manifest chunk-id ordering.
func sortedChunkIDs(set map[uint64]struct{}) []uint64 {
	if len(set) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func runResidueMerge(c *cli.Context) error {
	old, err := loadAllItems(c.String("old-manifest"))
	if err != nil {
		return err
	}
	new, err := loadAllItems(c.String("new-manifest"))
	if err != nil {
		return err
	}
	merged, stats := overlay.MergeResidue(old, new)
	klog.Infof("residue merge: %+v", stats)
	return writeItemsAsSingleBlob(merged, c.String("out"))
}

func runResidueDiff(c *cli.Context) error {
	old, err := loadAllItems(c.String("old-manifest"))
	if err != nil {
		return err
	}
	new, err := loadAllItems(c.String("new-manifest"))
	if err != nil {
		return err
	}

	var baseMem *basecatalog.Image
	if p := c.String("base-mem"); p != "" {
		bm, err := basecatalog.OpenImage(p)
		if err != nil {
			return err
		}
		defer bm.Close()
		baseMem = bm
	}

	diffed, stats, err := overlay.DiffResidue(old, new, baseMem)
	if err != nil {
		return err
	}
	klog.Infof("residue diff: %+v", stats)
	return writeItemsAsSingleBlob(diffed, c.String("out"))
}
