package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/cmu-cloudlet/vmoverlay/internal/basecatalog"
	"github.com/cmu-cloudlet/vmoverlay/internal/compressor"
	"github.com/cmu-cloudlet/vmoverlay/internal/controller"
	"github.com/cmu-cloudlet/vmoverlay/internal/diffworker"
	"github.com/cmu-cloudlet/vmoverlay/internal/metrics"
	"github.com/cmu-cloudlet/vmoverlay/internal/overlay"
	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
	"github.com/cmu-cloudlet/vmoverlay/internal/readahead"
	"github.com/cmu-cloudlet/vmoverlay/internal/sink"
	"github.com/cmu-cloudlet/vmoverlay/internal/snapshot"
)

func constructCommand() *cli.Command {
	return &cli.Command{
		Name:  "construct",
		Usage: "build an overlay from a modified VM snapshot against a base image",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "disk-image", Usage: "path to the modified disk image"},
			&cli.StringFlag{Name: "mem-snapshot", Usage: "path to the pc.ram memory snapshot"},
			&cli.StringFlag{Name: "base-disk", Usage: "path to the base disk image"},
			&cli.StringFlag{Name: "base-disk-meta", Usage: "path to the base disk page catalog"},
			&cli.StringFlag{Name: "base-mem", Usage: "path to the base memory image"},
			&cli.StringFlag{Name: "base-mem-meta", Usage: "path to the base memory page catalog"},
			&cli.StringFlag{Name: "out", Usage: "output directory for blobs and manifest.json", Required: true},
			&cli.IntFlag{Name: "workers", Value: 4},
			&cli.StringFlag{Name: "codec", Value: "gzip", Usage: "gzip, bzip2, or lzma"},
			&cli.IntFlag{Name: "level", Value: 6},
			&cli.IntFlag{Name: "blob-size", Value: compressor.DefaultTargetSize},
			&cli.StringFlag{Name: "profile-table", Usage: "YAML profile table for adaptive retuning"},
			&cli.StringFlag{Name: "net-iface", Usage: "network interface to sample for bandwidth"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "address to serve Prometheus /metrics on, e.g. :9090"},
		},
		Action: func(c *cli.Context) error {
			return withTelemetry(c.Context, "construct", func(ctx context.Context) error {
				return runConstruct(ctx, c)
			})
		},
	}
}

func parseCodec(name string) compressor.Codec {
	switch name {
	case "bzip2":
		return compressor.CodecBzip2
	case "lzma":
		return compressor.CodecLZMA
	default:
		return compressor.CodecGzip
	}
}

func runConstruct(ctx context.Context, c *cli.Context) error {
	if err := os.MkdirAll(c.String("out"), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	var baseDiskImg, baseMemImg *basecatalog.Image
	var baseDiskCat, baseMemCat *basecatalog.Catalog
	var baseDiskSHA, baseMemSHA string

	if p := c.String("base-disk"); p != "" {
		img, err := basecatalog.OpenImage(p)
		if err != nil {
			return err
		}
		defer img.Close()
		baseDiskImg = img
		if sha, err := overlay.ReadBaseImageDigest(p); err == nil {
			baseDiskSHA = sha
		}
	}
	if p := c.String("base-disk-meta"); p != "" {
		cat, err := basecatalog.Load(p, pageformat.DomainDisk)
		if err != nil {
			return err
		}
		baseDiskCat = cat
	}
	if p := c.String("base-mem"); p != "" {
		img, err := basecatalog.OpenImage(p)
		if err != nil {
			return err
		}
		defer img.Close()
		baseMemImg = img
		if sha, err := overlay.ReadBaseImageDigest(p); err == nil {
			baseMemSHA = sha
		}
	}
	if p := c.String("base-mem-meta"); p != "" {
		cat, err := basecatalog.Load(p, pageformat.DomainMemory)
		if err != nil {
			return err
		}
		baseMemCat = cat
	}

	sk := sink.New(c.String("out"), baseDiskSHA, baseMemSHA)
	pipeline := overlay.New(overlay.Config{
		BaseDiskImage:   baseDiskImg,
		BaseMemImage:    baseMemImg,
		BaseDiskCatalog: baseDiskCat,
		BaseMemCatalog:  baseMemCat,
		Workers:         c.Int("workers"),
		Algorithm:       diffworker.AlgorithmXdelta,
		Codec:           parseCodec(c.String("codec")),
		CodecLevel:      c.Int("level"),
		BlobTargetSize:  c.Int("blob-size"),
		Sink:            sk,
	})

	if addr := c.String("metrics-addr"); addr != "" {
		stop, err := metrics.Serve(addr, nil, nil)
		if err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
		defer stop()
	}

	if tablePath := c.String("profile-table"); tablePath != "" {
		table, err := controller.LoadTable(tablePath)
		if err != nil {
			return err
		}
		ctl := controller.New(nil, table, pipeline, pipeline.Batcher(), c.String("net-iface"), c.Int("workers"))
		go ctl.Run(ctx)
	}

	diskJobs, memJobs := make(chan diffworker.Job, 64), make(chan diffworker.Job, 64)
	errCh := make(chan error, 2)

	go func() { errCh <- feedDisk(c.String("disk-image"), diskJobs) }()
	go func() { errCh <- feedMemory(c.String("mem-snapshot"), memJobs) }()

	bar := progressbar.Default(-1, "constructing overlay")
	defer bar.Close()

	if err := pipeline.Run(ctx, diskJobs, memJobs); err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			return err
		}
	}
	klog.Infof("construct: wrote overlay to %s", c.String("out"))
	return nil
}

func feedDisk(path string, out chan<- diffworker.Job) error {
	defer close(out)
	if path == "" {
		return nil
	}
	f, err := readahead.NewCachingReader(path, readahead.DefaultChunkSize)
	if err != nil {
		return fmt.Errorf("opening disk image %s: %w", path, err)
	}
	defer f.Close()

	var offset uint64
	buf := make([]byte, pageformat.ChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			page := make([]byte, n)
			copy(page, buf[:n])
			out <- diffworker.Job{Domain: pageformat.DomainDisk, Offset: offset, Length: uint16(n), Data: page}
			offset += uint64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading disk image %s: %w", path, err)
		}
	}
}

func feedMemory(path string, out chan<- diffworker.Job) error {
	defer close(out)
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening memory snapshot %s: %w", path, err)
	}
	defer f.Close()

	pr, err := snapshot.Open(f)
	if err != nil {
		return err
	}
	for {
		item, err := pr.Next()
		if item.Length > 0 {
			out <- diffworker.Job{Domain: item.Domain, Offset: item.Offset, Length: item.Length, Data: item.Raw}
		}
		if err != nil {
			return nil
		}
	}
}
