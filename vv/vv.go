// Package vv implements the version vector used to order snapshots across
// a repository's concurrent writer branches (spec.md §4.2).
package vv

import (
	"fmt"
	"maps"

	"github.com/luxfi/ids"
)

// VersionVector maps a writer to the number of snapshots it has published.
// A missing entry is equivalent to zero. The zero value is the empty
// vector and is ready to use.
type VersionVector map[ids.ID]uint64

// New returns an empty version vector.
func New() VersionVector {
	return make(VersionVector)
}

// Get returns the counter for writer, or zero if writer has no entry.
func (vv VersionVector) Get(writer ids.ID) uint64 {
	return vv[writer]
}

// Clone returns an independent copy of vv.
func (vv VersionVector) Clone() VersionVector {
	return maps.Clone(vv)
}

// IncrementLocal returns a copy of vv with writer's counter incremented by
// one. Panics if the counter is already at math.MaxUint64 — spec.md §8
// requires overflow to fail loudly rather than wrap.
func (vv VersionVector) IncrementLocal(writer ids.ID) VersionVector {
	out := vv.Clone()
	cur := out[writer]
	if cur == ^uint64(0) {
		panic(fmt.Sprintf("version vector overflow for writer %s", writer))
	}
	out[writer] = cur + 1
	return out
}

// MergeFrom returns the componentwise maximum of vv and other. This is the
// merge rule used when accepting a remote snapshot (spec.md §4.2).
func (vv VersionVector) MergeFrom(other VersionVector) VersionVector {
	out := vv.Clone()
	for w, c := range other {
		if c > out[w] {
			out[w] = c
		}
	}
	return out
}

// LessOrEqual reports whether vv ≤ other, i.e. every component of vv is at
// most the corresponding component of other.
func (vv VersionVector) LessOrEqual(other VersionVector) bool {
	for w, c := range vv {
		if c > other[w] {
			return false
		}
	}
	return true
}

// Equal reports whether vv and other have the same (non-zero) entries.
func (vv VersionVector) Equal(other VersionVector) bool {
	return vv.LessOrEqual(other) && other.LessOrEqual(vv)
}

// Less reports whether vv < other: vv ≤ other and vv ≠ other.
func (vv VersionVector) Less(other VersionVector) bool {
	return vv.LessOrEqual(other) && !vv.Equal(other)
}

// Dominates reports whether vv strictly dominates other, i.e. other < vv.
// This is the check a branch must satisfy when publishing a new root
// (spec.md §4.2's "Contract with the index").
func (vv VersionVector) Dominates(other VersionVector) bool {
	return other.Less(vv)
}

// Concurrent reports whether vv and other are incomparable: neither
// dominates the other.
func (vv VersionVector) Concurrent(other VersionVector) bool {
	return !vv.LessOrEqual(other) && !other.LessOrEqual(vv)
}

// IsZero reports whether every entry of vv is absent or zero.
func (vv VersionVector) IsZero() bool {
	for _, c := range vv {
		if c != 0 {
			return false
		}
	}
	return true
}

// String renders vv for logs and tests. Entries appear in map iteration
// order, which can differ between calls.
func (vv VersionVector) String() string {
	// Deterministic order isn't required for correctness, only for
	// readable diagnostics; ids.ID has a stable String().
	s := "{"
	first := true
	for w, c := range vv {
		if !first {
			s += ", "
		}
		first = false
		s += fmt.Sprintf("%s:%d", w, c)
	}
	return s + "}"
}
