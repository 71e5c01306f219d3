package index

import (
	"encoding/hex"
	"sort"

	"github.com/luxfi/ouisync/config"
	"github.com/luxfi/ouisync/crypto"
	"github.com/luxfi/ouisync/protocol"
)

// innerGroup is the set of up to config.FanOut children living under one
// parent hash, keyed by bucket (spec.md §3: InnerNode "placed at a bucket
// 0..=255 under its parent").
type innerGroup map[byte]protocol.InnerNode

// leafGroup is the set of leaves sharing a parent hash, keyed by the full
// hex-encoded locator hash (bucket alone isn't enough to disambiguate
// leaves that share a bucket's low bits but differ elsewhere).
type leafGroup map[string]protocol.LeafNode

func leafKey(h protocol.Hash) string { return hex.EncodeToString(h[:]) }

// hashInnerGroup computes the content-address of an innerGroup: the
// bucket-ordered hash of its children's hashes (spec.md §3 invariant 2).
func hashInnerGroup(g innerGroup) protocol.Hash {
	buckets := sortedBuckets(g)
	children := make([]protocol.Hash, 0, len(g))
	for _, b := range buckets {
		children = append(children, g[b].Hash)
	}
	return crypto.HashChildren(children)
}

// hashLeafGroup computes the content-address of a leafGroup: the hash of
// its leaves' (locator_hash, block_id) bindings in locator_hash order, so
// identical leaf sets always hash identically regardless of insertion
// order (spec.md §3 invariant 2). Presence is deliberately excluded: it is
// local, per-peer bookkeeping of what's actually downloaded, not part of
// the logical tree structure two peers agree on — including it would mean
// no two peers with different download progress could ever recognize they
// hold the same subtree.
func hashLeafGroup(g leafGroup) protocol.Hash {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, len(keys)*len(protocol.Hash{})*2)
	for _, k := range keys {
		leaf := g[k]
		buf = append(buf, leaf.LocatorHash[:]...)
		buf = append(buf, leaf.BlockId[:]...)
	}
	return crypto.Hash(buf)
}

// emptyGroupHash is the content-address of the empty subtree: a freshly
// created branch's root, before any block has ever been written, hashes
// to this value at every layer.
var emptyGroupHash = crypto.Hash(nil)

func sortedBuckets(g innerGroup) []byte {
	buckets := make([]byte, 0, len(g))
	for b := range g {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })
	return buckets
}

func summaryOfGroup(g innerGroup) []protocol.Summary {
	out := make([]protocol.Summary, 0, len(g))
	for _, b := range sortedBuckets(g) {
		out = append(out, g[b].Summary)
	}
	return out
}

func leavesOfGroup(g leafGroup) []protocol.LeafNode {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]protocol.LeafNode, 0, len(g))
	for _, k := range keys {
		out = append(out, g[k])
	}
	return out
}

// bucketFor returns which fan-out bucket locatorHash falls into at the
// given inner layer (0-indexed, counting from the layer closest to the
// root), matching spec.md §4.1's descent rule of "successive bytes of
// locator_hash".
func bucketFor(locatorHash protocol.Hash, layer int) byte {
	return locatorHash[layer]
}

// maxLayer is the number of inner layers the format defines.
const maxLayer = config.InnerLayerCount
