package pageformat

import "errors"

// Sentinel error kinds from spec §7. CatalogMiss and QueueClosed are
// deliberately absent: the spec calls them out as *not* errors.
var (
	// ErrCorruptSnapshot covers a missing "pc.ram" tag, an unaligned
	// header, or a truncated record.
	ErrCorruptSnapshot = errors.New("pageformat: corrupt snapshot")

	// ErrBaseMismatch fires when the modified snapshot references a page
	// beyond the base image's size.
	ErrBaseMismatch = errors.New("pageformat: page beyond base image size")

	// ErrDiffFailure marks an xdelta failure or an oversized patch; it is
	// recovered locally by DiffWorker falling back to RAW and should
	// never escape that package.
	ErrDiffFailure = errors.New("pageformat: diff produced no smaller patch")

	// ErrMissingSelfRef is fatal in the reconstructor: a SELF(j) item
	// resolved against a producer that was never materialized.
	ErrMissingSelfRef = errors.New("pageformat: missing self-reference producer")

	// ErrUnknownRefKind is fatal: an on-wire tag byte with a ref-kind
	// nibble this version does not understand.
	ErrUnknownRefKind = errors.New("pageformat: unknown ref kind")

	// ErrSizeMismatch is fatal: the recovered page length did not equal
	// the declared length.
	ErrSizeMismatch = errors.New("pageformat: recovered size mismatch")

	// ErrCompressionError is fatal for the blob it occurred in; no
	// partial blob is committed.
	ErrCompressionError = errors.New("pageformat: compression error")

	// ErrCyclicSelfRef guards the acyclicity invariant from spec §9: a
	// SELF(j) must have j < index(current item).
	ErrCyclicSelfRef = errors.New("pageformat: self-reference is not strictly earlier")
)
