package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/cmu-cloudlet/vmoverlay/internal/basecatalog"
	"github.com/cmu-cloudlet/vmoverlay/internal/compressor"
	"github.com/cmu-cloudlet/vmoverlay/internal/reconstructor"
	"github.com/cmu-cloudlet/vmoverlay/internal/sink"
)

func reconstructCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconstruct",
		Usage: "replay an overlay manifest back into full disk and memory images",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "manifest", Usage: "path to manifest.json", Required: true},
			&cli.StringFlag{Name: "base-disk", Usage: "path to the base disk image"},
			&cli.StringFlag{Name: "base-mem", Usage: "path to the base memory image"},
			&cli.StringFlag{Name: "disk-out", Usage: "output path for the reconstructed disk image"},
			&cli.StringFlag{Name: "mem-out", Usage: "output path for the reconstructed memory image"},
			&cli.StringFlag{Name: "notify-fifo", Usage: "path to a FIFO to receive <domain>:<offset> progress notifications"},
		},
		Action: func(c *cli.Context) error {
			return withTelemetry(c.Context, "reconstruct", func(ctx context.Context) error {
				return runReconstruct(c)
			})
		},
	}
}

func runReconstruct(c *cli.Context) error {
	manifestPath := c.String("manifest")
	m, err := sink.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	blobDir := filepath.Dir(manifestPath)

	var baseDiskImg, baseMemImg *basecatalog.Image
	if p := c.String("base-disk"); p != "" {
		img, err := basecatalog.OpenImage(p)
		if err != nil {
			return err
		}
		defer img.Close()
		baseDiskImg = img
	}
	if p := c.String("base-mem"); p != "" {
		img, err := basecatalog.OpenImage(p)
		if err != nil {
			return err
		}
		defer img.Close()
		baseMemImg = img
	}

	var diskOut, memOut *os.File
	var diskOutPath, memOutPath string
	if p := c.String("disk-out"); p != "" {
		diskOutPath = p
		f, err := os.Create(p)
		if err != nil {
			return fmt.Errorf("creating %s: %w", p, err)
		}
		defer f.Close()
		diskOut = f
	}
	if p := c.String("mem-out"); p != "" {
		memOutPath = p
		f, err := os.Create(p)
		if err != nil {
			return fmt.Errorf("creating %s: %w", p, err)
		}
		defer f.Close()
		memOut = f
	}

	var notifier reconstructor.Notifier
	if fifo := c.String("notify-fifo"); fifo != "" {
		f, err := os.OpenFile(fifo, os.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("opening notify fifo %s: %w", fifo, err)
		}
		defer f.Close()
		notifier = reconstructor.NewLineNotifier(f)
	}

	r := reconstructor.New(diskOut, memOut, baseDiskImg, baseMemImg, notifier)

	bar := progressbar.Default(int64(len(m.Blobs)), "reconstructing")
	defer bar.Close()

	for _, blobRec := range m.Blobs {
		data, err := os.ReadFile(filepath.Join(blobDir, blobRec.Filename))
		if err != nil {
			reconstructor.Abort(diskOutPath, memOutPath)
			return fmt.Errorf("reading blob %s: %w", blobRec.Filename, err)
		}
		codec := parseCodec(blobRec.Compression)
		raw, err := compressor.Decompress(codec, data)
		if err != nil {
			reconstructor.Abort(diskOutPath, memOutPath)
			return err
		}
		if err := r.DecodeStream(raw, false); err != nil {
			reconstructor.Abort(diskOutPath, memOutPath)
			return err
		}
		bar.Add(1)
	}

	if err := r.Finish(); err != nil {
		return err
	}
	klog.Infof("reconstruct: replayed %d blobs from %s", len(m.Blobs), manifestPath)
	return nil
}
