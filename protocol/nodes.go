package protocol

// LeafNode is a single locator→block binding (spec.md §3). Leaf nodes
// whose LocatorHash values share their first config.InnerLayerCount bytes
// are grouped under a common parent at the deepest inner layer.
type LeafNode struct {
	LocatorHash Hash
	BlockId     BlockId
	Presence    Presence
}

// Bucket returns the fan-out bucket (0..FanOut) this leaf falls into at
// inner layer `layer`, counting layer 0 as the layer closest to the root.
// Buckets are taken from successive bytes of LocatorHash, matching
// spec.md §4.1's find_block descent rule.
func (l LeafNode) Bucket(layer int) byte {
	return l.LocatorHash[layer]
}

// InnerNode is one entry of an inner-node layer: the hash of its subtree
// and that subtree's completeness/presence summary (spec.md §3).
type InnerNode struct {
	Hash    Hash
	Summary Summary
}
