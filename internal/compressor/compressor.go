// Package compressor batches serialized DeltaItems into blobs of a
// configurable target size and compresses each blob with a selectable
// codec. The codec and level may change between blobs, letting the
// controller trade CPU for bandwidth mid-transfer.
package compressor

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
	"github.com/valyala/bytebufferpool"

	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

// Codec selects the compression algorithm applied to a blob.
type Codec int

const (
	CodecGzip Codec = iota
	CodecBzip2
	CodecLZMA
)

func (c Codec) String() string {
	switch c {
	case CodecGzip:
		return "gzip"
	case CodecBzip2:
		return "bzip2"
	case CodecLZMA:
		return "lzma"
	default:
		return "unknown"
	}
}

// DefaultTargetSize is the default uncompressed blob size threshold before
// a blob is flushed, matching the original's one-blob-per-megabyte default.
const DefaultTargetSize = 1 << 20

// Blob is one compressed batch of serialized DeltaItems, ready for Sink.
type Blob struct {
	Codec      Codec
	Level      int
	Data       []byte
	ItemCount  int
	RawSize    int
}

// Batcher accumulates encoded items and emits Blobs once the target size is
// reached or Flush is called. It is not safe for concurrent use;
// overlay.Pipeline drives exactly one Batcher per overlay.
type Batcher struct {
	codec      Codec
	level      int
	targetSize int

	buf   *bytebufferpool.ByteBuffer
	count int
}

// NewBatcher constructs a batcher using codec at level, flushing once the
// accumulated uncompressed size reaches targetSize (DefaultTargetSize if
// <= 0).
func NewBatcher(codec Codec, level, targetSize int) *Batcher {
	if targetSize <= 0 {
		targetSize = DefaultTargetSize
	}
	return &Batcher{codec: codec, level: level, targetSize: targetSize, buf: bytebufferpool.Get()}
}

// SetCodec changes the codec and level applied at the next Flush, including
// to the blob currently being accumulated.
func (b *Batcher) SetCodec(codec Codec, level int) {
	b.codec = codec
	b.level = level
}

// Add encodes item (without the fingerprint trailer; compressed blobs never
// carry the with_hash trailer) into the current blob. It returns a completed Blob whenever the target size is
// reached.
func (b *Batcher) Add(item pageformat.DeltaItem) (*Blob, error) {
	if err := pageformat.EncodeToBuffer(b.buf, item, false); err != nil {
		return nil, fmt.Errorf("compressor: encoding item: %w", err)
	}
	b.count++
	if b.buf.Len() >= b.targetSize {
		return b.Flush()
	}
	return nil, nil
}

// Flush compresses and returns whatever has been accumulated so far,
// resetting the batcher for the next blob. It returns nil, nil if nothing
// is pending.
func (b *Batcher) Flush() (*Blob, error) {
	if b.buf.Len() == 0 {
		return nil, nil
	}
	rawSize := b.buf.Len()
	compressed, err := compress(b.codec, b.level, b.buf.B)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pageformat.ErrCompressionError, err)
	}
	blob := &Blob{Codec: b.codec, Level: b.level, Data: compressed, ItemCount: b.count, RawSize: rawSize}

	bytebufferpool.Put(b.buf)
	b.buf = bytebufferpool.Get()
	b.count = 0
	return blob, nil
}

func compress(codec Codec, level int, raw []byte) ([]byte, error) {
	var out bytes.Buffer
	var w io.WriteCloser
	var err error

	switch codec {
	case CodecGzip:
		w, err = gzip.NewWriterLevel(&out, clampGzipLevel(level))
	case CodecBzip2:
		w, err = bzip2.NewWriter(&out, &bzip2.WriterConfig{Level: clampBzip2Level(level)})
	case CodecLZMA:
		w, err = xz.NewWriter(&out)
	default:
		return nil, fmt.Errorf("compressor: unknown codec %v", codec)
	}
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func clampGzipLevel(level int) int {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return gzip.DefaultCompression
	}
	return level
}

func clampBzip2Level(level int) int {
	if level < 1 || level > 9 {
		return 6
	}
	return level
}

// Decompress reverses compress for the reconstructor side: given a codec
// and a compressed blob, it returns the raw concatenated item stream.
func Decompress(codec Codec, data []byte) ([]byte, error) {
	r := bytes.NewReader(data)
	var rc io.ReadCloser
	var err error

	switch codec {
	case CodecGzip:
		rc, err = gzip.NewReader(r)
	case CodecBzip2:
		rc, err = bzip2.NewReader(r, &bzip2.ReaderConfig{})
	case CodecLZMA:
		var xr *xz.Reader
		xr, err = xz.NewReader(r)
		if err == nil {
			rc = io.NopCloser(xr)
		}
	default:
		return nil, fmt.Errorf("compressor: unknown codec %v", codec)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pageformat.ErrCompressionError, err)
	}
	defer rc.Close()

	out, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pageformat.ErrCompressionError, err)
	}
	return out, nil
}
