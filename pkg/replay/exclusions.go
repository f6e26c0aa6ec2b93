package replay

import (
	"slices"
	"strconv"
	"strings"

	"github.com/BIwashi/canreplay/pkg/record"
)

// Exclusions is a set of identifiers dropped before playback.
type Exclusions map[uint32]struct{}

// ParseExclusions parses a comma separated list of 0x-prefixed hex ids.
// Entries that do not parse are returned as invalid and left out of the set.
func ParseExclusions(s string) (Exclusions, []string) {
	ex := Exclusions{}
	var invalid []string
	for _, part := range strings.Split(s, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		digits, ok := strings.CutPrefix(p, "0x")
		if !ok {
			digits, ok = strings.CutPrefix(p, "0X")
		}
		v, err := strconv.ParseUint(digits, 16, 32)
		if !ok || err != nil {
			invalid = append(invalid, p)
			continue
		}
		ex[uint32(v)] = struct{}{}
	}
	return ex, invalid
}

func (e Exclusions) Contains(id uint32) bool {
	_, ok := e[id]
	return ok
}

// IDs returns the set in ascending order.
func (e Exclusions) IDs() []uint32 {
	ids := make([]uint32, 0, len(e))
	for id := range e {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// LoadStats counts the rows seen by Load.
type LoadStats struct {
	Rows     int
	Excluded int
}

// Load materializes the rows of t that are not excluded, in order.
func Load(t *record.Table, ex Exclusions) ([]record.Record, LoadStats) {
	stats := LoadStats{Rows: t.Len()}
	out := make([]record.Record, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		r := t.Row(i)
		if ex.Contains(r.ID) {
			stats.Excluded++
			continue
		}
		out = append(out, r)
	}
	return out, stats
}
