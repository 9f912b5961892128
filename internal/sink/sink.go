// Package sink writes compressed blobs to disk and assembles the overlay
// manifest describing them, the way a downloader package writes completed
// ranges to their final destination — except the destination here is a
// directory of blob files plus one manifest.json trailer.
package sink

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/cmu-cloudlet/vmoverlay/internal/compressor"
	"github.com/cmu-cloudlet/vmoverlay/internal/metrics"
	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BlobRecord describes one written blob in the manifest.
type BlobRecord struct {
	ID             string   `json:"id"`
	Filename       string   `json:"filename"`
	Size           int      `json:"size"`
	DiskChunkIDs   []uint64 `json:"disk_chunk_ids"`
	MemoryChunkIDs []uint64 `json:"memory_chunk_ids"`
	Compression    string   `json:"compression"`
	Level          int      `json:"level"`
}

// Manifest is the overlay's top-level trailer, written once after every
// blob has been flushed.
type Manifest struct {
	SessionID      string       `json:"session_id"`
	ChunkSize      int          `json:"chunk_size"`
	BaseDiskSHA256 string       `json:"base_disk_sha256,omitempty"`
	BaseMemSHA256  string       `json:"base_mem_sha256,omitempty"`
	Blobs          []BlobRecord `json:"blobs"`
}

// Sink writes blobs to outDir and accumulates the manifest describing them.
type Sink struct {
	outDir   string
	manifest Manifest
}

// New creates a sink writing into outDir, which must already exist.
func New(outDir, baseDiskSHA256, baseMemSHA256 string) *Sink {
	return &Sink{
		outDir: outDir,
		manifest: Manifest{
			SessionID:      uuid.NewString(),
			ChunkSize:      pageformat.ChunkSize,
			BaseDiskSHA256: baseDiskSHA256,
			BaseMemSHA256:  baseMemSHA256,
		},
	}
}

// WriteBlob persists blob to outDir under a UUID-derived filename and
// records it in the manifest. diskChunkIDs and memoryChunkIDs are the
// sorted, deduplicated sets of chunk ids (offset/ChunkSize) touched by
// items in blob, supplied by the caller so consumers can prefetch the
// chunks a blob depends on without decompressing it first.
func (s *Sink) WriteBlob(blob *compressor.Blob, diskChunkIDs, memoryChunkIDs []uint64) error {
	id := uuid.NewString()
	filename := fmt.Sprintf("%s.blob", id)
	path := filepath.Join(s.outDir, filename)

	if err := os.WriteFile(path, blob.Data, 0o644); err != nil {
		return fmt.Errorf("sink: writing blob %s: %w", filename, err)
	}

	s.manifest.Blobs = append(s.manifest.Blobs, BlobRecord{
		ID:             id,
		Filename:       filename,
		Size:           len(blob.Data),
		DiskChunkIDs:   diskChunkIDs,
		MemoryChunkIDs: memoryChunkIDs,
		Compression:    blob.Codec.String(),
		Level:          blob.Level,
	})
	metrics.BytesWritten.WithLabelValues(blob.Codec.String()).Add(float64(len(blob.Data)))
	klog.V(2).Infof("sink: wrote blob %s (%d bytes, %d items)", filename, len(blob.Data), blob.ItemCount)
	return nil
}

// Finalize writes the accumulated manifest to manifest.json in outDir.
func (s *Sink) Finalize() error {
	path := filepath.Join(s.outDir, "manifest.json")
	data, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("sink: marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("sink: writing manifest: %w", err)
	}
	klog.Infof("sink: wrote manifest with %d blobs", len(s.manifest.Blobs))
	return nil
}

// Manifest returns the manifest accumulated so far.
func (s *Sink) Manifest() Manifest { return s.manifest }

// LoadManifest reads a manifest.json previously written by Finalize.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sink: reading manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("sink: parsing manifest %s: %w", path, err)
	}
	return &m, nil
}
