package controller

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/cmu-cloudlet/vmoverlay/internal/compressor"
	"github.com/cmu-cloudlet/vmoverlay/internal/diffworker"
)

// Profile is one row of the immutable profile table: at a given estimate of
// available network bandwidth, use this many diff workers, this diffing
// algorithm, and this compression codec/level.
type Profile struct {
	BandwidthMbps int                  `yaml:"bandwidth_mbps"`
	Workers       int                  `yaml:"workers"`
	Algorithm     string               `yaml:"algorithm"` // "xdelta" or "none"
	Codec         string               `yaml:"codec"`     // "gzip", "bzip2", "lzma"
	Level         int                  `yaml:"level"`
}

// Table is the full ordered set of profiles, sorted ascending by
// BandwidthMbps. It is loaded once at startup and never mutated; the
// controller only ever reads it.
type Table struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadTable reads and validates a profile table from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("controller: reading profile table %s: %w", path, err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("controller: parsing profile table %s: %w", path, err)
	}
	if len(t.Profiles) == 0 {
		return nil, fmt.Errorf("controller: profile table %s has no profiles", path)
	}
	for i := range t.Profiles {
		if t.Profiles[i].Workers <= 0 {
			return nil, fmt.Errorf("controller: profile %d has non-positive worker count", i)
		}
	}
	sort.SliceStable(t.Profiles, func(i, j int) bool { return t.Profiles[i].BandwidthMbps < t.Profiles[j].BandwidthMbps })
	return &t, nil
}

// Lookup returns the highest-bandwidth profile whose BandwidthMbps does not
// exceed observedMbps, or the lowest profile if observedMbps is below every
// entry.
func (t *Table) Lookup(observedMbps float64) Profile {
	best := t.Profiles[0]
	for _, p := range t.Profiles {
		if float64(p.BandwidthMbps) <= observedMbps {
			best = p
		}
	}
	return best
}

func (p Profile) diffAlgorithm() diffworker.Algorithm {
	if p.Algorithm == "none" {
		return diffworker.AlgorithmNone
	}
	return diffworker.AlgorithmXdelta
}

func (p Profile) codec() compressor.Codec {
	switch p.Codec {
	case "bzip2":
		return compressor.CodecBzip2
	case "lzma":
		return compressor.CodecLZMA
	default:
		return compressor.CodecGzip
	}
}
