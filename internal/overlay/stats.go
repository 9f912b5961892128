package overlay

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/cmu-cloudlet/vmoverlay/internal/dedup"
	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

// Summary is a human-readable accounting of how an overlay's pages were
// reduced, for the inspect subcommand's verbose report.
type Summary struct {
	TotalPages int
	RawPages   int
	XdeltaPages int
	Dedup      dedup.Stats
	OutputBytes int64
	InputBytes  int64
}

// NewSummary tallies items by Ref kind; dedupStats supplies the
// zero/base/self counts already tracked during the pipeline run.
func NewSummary(items []pageformat.DeltaItem, dedupStats dedup.Stats, outputBytes, inputBytes int64) Summary {
	s := Summary{TotalPages: len(items), Dedup: dedupStats, OutputBytes: outputBytes, InputBytes: inputBytes}
	for _, it := range items {
		switch it.Ref {
		case pageformat.RefRaw:
			s.RawPages++
		case pageformat.RefXdelta:
			s.XdeltaPages++
		}
	}
	return s
}

// String renders the summary the way the original implementation logged
// its end-of-run breakdown: one line per category, with sizes humanized.
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pages: %d total\n", s.TotalPages)
	fmt.Fprintf(&b, "  raw       : %d\n", s.RawPages)
	fmt.Fprintf(&b, "  xdelta    : %d\n", s.XdeltaPages)
	fmt.Fprintf(&b, "  zero      : %d\n", s.Dedup.Zero)
	fmt.Fprintf(&b, "  base_mem  : %d\n", s.Dedup.BaseMem)
	fmt.Fprintf(&b, "  base_disk : %d\n", s.Dedup.BaseDisk)
	fmt.Fprintf(&b, "  self      : %d\n", s.Dedup.Self)
	fmt.Fprintf(&b, "input size  : %s\n", humanize.Bytes(uint64(s.InputBytes)))
	fmt.Fprintf(&b, "output size : %s\n", humanize.Bytes(uint64(s.OutputBytes)))
	if s.InputBytes > 0 {
		ratio := float64(s.OutputBytes) / float64(s.InputBytes)
		fmt.Fprintf(&b, "ratio       : %.2f%%\n", ratio*100)
	}
	return b.String()
}
