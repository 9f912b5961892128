// Package reconstructor replays a compressed overlay stream back into a
// full disk or memory image, resolving every DeltaItem's reference against
// a running self-reference table and the original base images.
package reconstructor

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/gabstv/go-bsdiff/pkg/bspatch"
	"k8s.io/klog/v2"

	"github.com/cmu-cloudlet/vmoverlay/internal/basecatalog"
	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

// Notifier receives a newline-delimited "<domain>:<offset>" line for every
// page materialized, terminated by a final "end_of_pipe" line; it mirrors
// the side channel a hypervisor launch helper tails to know when enough of
// the image exists to start booting.
type Notifier interface {
	Notify(domain pageformat.Domain, offset uint64) error
	Done() error
}

// nopNotifier is used when the caller has no side channel to feed.
type nopNotifier struct{}

func (nopNotifier) Notify(pageformat.Domain, uint64) error { return nil }
func (nopNotifier) Done() error                             { return nil }

// LineNotifier writes the "<domain>:<offset>" protocol to an io.Writer.
type LineNotifier struct{ w io.Writer }

// NewLineNotifier wraps w as a Notifier.
func NewLineNotifier(w io.Writer) *LineNotifier { return &LineNotifier{w: w} }

func (n *LineNotifier) Notify(domain pageformat.Domain, offset uint64) error {
	_, err := fmt.Fprintf(n.w, "%s:%d\n", domain, offset)
	return err
}

func (n *LineNotifier) Done() error {
	_, err := fmt.Fprintln(n.w, "end_of_pipe")
	return err
}

// Reconstructor replays DeltaItems into an output disk and memory image.
type Reconstructor struct {
	diskOut, memOut *os.File
	baseDisk, baseMem *basecatalog.Image
	notifier          Notifier

	self map[pageformat.Index][]byte
}

// New constructs a Reconstructor writing to diskOut/memOut (either may be
// nil if this overlay only touches one domain) and resolving BASE_DISK /
// BASE_MEM references against baseDisk/baseMem.
func New(diskOut, memOut *os.File, baseDisk, baseMem *basecatalog.Image, notifier Notifier) *Reconstructor {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Reconstructor{
		diskOut: diskOut, memOut: memOut,
		baseDisk: baseDisk, baseMem: baseMem,
		notifier: notifier,
		self:     make(map[pageformat.Index][]byte),
	}
}

// Apply resolves and writes one item. It fails fast, per the invariant that
// a corrupt or incomplete overlay must never produce a silently-wrong
// image: a SELF reference to an unmaterialized producer, an unknown ref
// kind, or a recovered length mismatch all abort the whole reconstruction.
func (r *Reconstructor) Apply(item pageformat.DeltaItem) error {
	data, err := r.resolve(item)
	if err != nil {
		return err
	}
	if len(data) != int(item.Length) {
		return fmt.Errorf("%w: item at offset %d domain %s wants %d bytes, resolved %d",
			pageformat.ErrSizeMismatch, item.Offset, item.Domain, item.Length, len(data))
	}

	out := r.outputFor(item.Domain)
	if out != nil {
		if _, err := out.WriteAt(data, int64(item.Offset)); err != nil {
			return fmt.Errorf("reconstructor: writing %s offset %d: %w", item.Domain, item.Offset, err)
		}
	}

	// Retained for potential future SELF references even when the
	// producer's own Ref already resolved via a base image: a later
	// duplicate may point at this exact item.
	r.self[item.Index()] = data

	if err := r.notifier.Notify(item.Domain, item.Offset); err != nil {
		return fmt.Errorf("reconstructor: notifying offset %d: %w", item.Offset, err)
	}
	return nil
}

// Finish signals end of stream on the notifier side channel.
func (r *Reconstructor) Finish() error {
	return r.notifier.Done()
}

func (r *Reconstructor) outputFor(domain pageformat.Domain) *os.File {
	if domain == pageformat.DomainDisk {
		return r.diskOut
	}
	return r.memOut
}

func (r *Reconstructor) resolve(item pageformat.DeltaItem) ([]byte, error) {
	switch item.Ref {
	case pageformat.RefRaw:
		return item.Raw, nil

	case pageformat.RefZero:
		return make([]byte, item.Length), nil

	case pageformat.RefXdelta:
		base, err := r.readBase(item.Domain, item.Offset, int64(item.Length))
		if err != nil {
			return nil, err
		}
		patched, err := bspatch.Bytes(base, item.Patch)
		if err != nil {
			return nil, fmt.Errorf("reconstructor: applying patch at offset %d: %w", item.Offset, err)
		}
		return patched, nil

	case pageformat.RefSelf:
		data, ok := r.self[item.RefIndex]
		if !ok {
			return nil, fmt.Errorf("%w: index %d", pageformat.ErrMissingSelfRef, item.RefIndex)
		}
		return data, nil

	case pageformat.RefBaseDisk:
		return r.readImage(r.baseDisk, item.RefOffset, int64(item.Length))

	case pageformat.RefBaseMem:
		return r.readImage(r.baseMem, item.RefOffset, int64(item.Length))

	default:
		return nil, fmt.Errorf("%w: %v", pageformat.ErrUnknownRefKind, item.Ref)
	}
}

func (r *Reconstructor) readBase(domain pageformat.Domain, offset uint64, length int64) ([]byte, error) {
	var img *basecatalog.Image
	if domain == pageformat.DomainDisk {
		img = r.baseDisk
	} else {
		img = r.baseMem
	}
	return r.readImage(img, offset, length)
}

func (r *Reconstructor) readImage(img *basecatalog.Image, offset uint64, length int64) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: no base image configured for this reference", pageformat.ErrBaseMismatch)
	}
	if int64(offset)+length > img.Len() {
		return nil, fmt.Errorf("%w: offset %d length %d exceeds image size %d", pageformat.ErrBaseMismatch, offset, length, img.Len())
	}
	buf := make([]byte, length)
	if _, err := img.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Abort removes partial output files after a failed reconstruction,
// matching the "delete partial output on abort" requirement: a half
// written image is worse than none, since it could be mistaken for a
// complete one.
func Abort(diskPath, memPath string) {
	for _, p := range []string{diskPath, memPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			klog.Warningf("reconstructor: failed to remove partial output %s: %v", p, err)
		}
	}
}

// DecodeStream decodes every item out of a decompressed blob body and
// applies each one in turn.
func (r *Reconstructor) DecodeStream(body []byte, withHash bool) error {
	br := bufio.NewReader(bytes.NewReader(body))
	for {
		item, err := pageformat.Decode(br, withHash)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.Apply(item); err != nil {
			return err
		}
	}
}
