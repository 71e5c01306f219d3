package protocol

// Presence is a leaf node's knowledge of whether its block is locally
// stored (spec.md §3).
type Presence uint8

const (
	// Missing means the block is known to exist (referenced by a leaf)
	// but is not present in the local block store.
	Missing Presence = iota
	// Present means the block's ciphertext is in the local block store.
	Present
	// Expired means the block was present but has since been evicted
	// (spec.md §4's quota/expiration/GC concern) and must be re-fetched
	// before the leaf can be considered locally satisfied again.
	Expired
)

// String implements fmt.Stringer for readable logs and test failures.
func (p Presence) String() string {
	switch p {
	case Missing:
		return "Missing"
	case Present:
		return "Present"
	case Expired:
		return "Expired"
	default:
		return "Presence(?)"
	}
}
