package protocol

import "github.com/luxfi/ouisync/crypto"

// NodeState expresses a subtree's structural completeness (spec.md §3).
type NodeState uint8

const (
	// Incomplete means at least one descendant node has not yet been
	// received from a peer.
	Incomplete NodeState = iota
	// Complete means every descendant inner/leaf node is locally present,
	// but (for a root) quota has not yet been checked.
	Complete
	// Approved means Complete and the quota check passed. Only an
	// Approved root is "current" for its branch.
	Approved
	// Rejected means Complete but the quota check failed.
	Rejected
)

func (s NodeState) String() string {
	switch s {
	case Incomplete:
		return "Incomplete"
	case Complete:
		return "Complete"
	case Approved:
		return "Approved"
	case Rejected:
		return "Rejected"
	default:
		return "NodeState(?)"
	}
}

// BlockPresenceKind distinguishes the three shapes BlockPresence can take.
type BlockPresenceKind uint8

const (
	// PresenceNone means no block under this subtree is locally present.
	PresenceNone BlockPresenceKind = iota
	// PresenceSome means some, but not all, blocks are locally present;
	// Checksum identifies which subset.
	PresenceSome
	// PresenceFull means every block under this subtree is locally
	// present.
	PresenceFull
)

// BlockPresence aggregates, for one subtree, how much of it is backed by
// locally-stored blocks (spec.md §3).
type BlockPresence struct {
	Kind     BlockPresenceKind
	Checksum Hash // only meaningful when Kind == PresenceSome
}

// Summary is the per-subtree aggregate stored alongside every inner and
// root node (spec.md §3).
type Summary struct {
	State         NodeState
	BlockPresence BlockPresence
}

// IsComplete reports whether s.State is Complete, Approved, or Rejected —
// anything other than Incomplete (all three "further along" states imply
// the subtree itself is structurally whole).
func (s Summary) IsComplete() bool {
	return s.State != Incomplete
}

// SummaryFromLeaves classifies a freshly-loaded group of sibling leaves,
// implementing the Summary::from_leaves rule of spec.md §4.1: always
// Complete (a leaf group has no missing children by construction — it is
// the children themselves that may be Missing/Present/Expired), with
// block_presence derived from how many of the leaves are Present.
func SummaryFromLeaves(leaves []LeafNode) Summary {
	if len(leaves) == 0 {
		return Summary{State: Complete, BlockPresence: BlockPresence{Kind: PresenceNone}}
	}

	var presentCount int
	var checksum Hash
	first := true
	for _, l := range leaves {
		if l.Presence == Present {
			presentCount++
			if first {
				checksum = l.BlockId
				first = false
			} else {
				checksum = crypto.HashChain(checksum, l.BlockId)
			}
		}
	}

	switch {
	case presentCount == 0:
		return Summary{State: Complete, BlockPresence: BlockPresence{Kind: PresenceNone}}
	case presentCount == len(leaves):
		return Summary{State: Complete, BlockPresence: BlockPresence{Kind: PresenceFull}}
	default:
		return Summary{State: Complete, BlockPresence: BlockPresence{Kind: PresenceSome, Checksum: checksum}}
	}
}

// SummaryFromInners classifies an inner node from its (up to FanOut)
// children summaries, implementing Summary::from_inners of spec.md §4.1:
// Complete iff every present child is Complete (an absent child bucket
// counts as vacuously complete and contributes no presence); block
// presence combines deterministically so identical sub-forests always
// produce identical Some(checksum) values.
func SummaryFromInners(children []Summary) Summary {
	state := Complete
	var kind = PresenceNone
	var checksum Hash
	first := true
	anyFull := false
	anyNone := false

	for _, c := range children {
		if c.State == Incomplete {
			state = Incomplete
		}
		switch c.BlockPresence.Kind {
		case PresenceNone:
			anyNone = true
		case PresenceFull:
			anyFull = true
			if first {
				checksum = c.BlockPresence.Checksum
				first = false
			} else {
				checksum = crypto.HashChain(checksum, c.BlockPresence.Checksum)
			}
		case PresenceSome:
			anyFull = true // contributes presence, forces "Some" below
			if first {
				checksum = c.BlockPresence.Checksum
				first = false
			} else {
				checksum = crypto.HashChain(checksum, c.BlockPresence.Checksum)
			}
		}
	}

	switch {
	case len(children) == 0 || !anyFull:
		kind = PresenceNone
	case anyFull && !anyNone && allFull(children):
		kind = PresenceFull
	default:
		kind = PresenceSome
	}

	bp := BlockPresence{Kind: kind}
	if kind == PresenceSome {
		bp.Checksum = checksum
	}
	return Summary{State: state, BlockPresence: bp}
}

func allFull(children []Summary) bool {
	for _, c := range children {
		if c.BlockPresence.Kind != PresenceFull {
			return false
		}
	}
	return true
}
