// Package tracker implements the block tracker of SPEC_FULL.md §4.3: the
// concurrent structure that decides, for every block a peer has offered,
// which single connected client (if any) is currently responsible for
// downloading it. It has no knowledge of the wire protocol or the index —
// it only ever sees protocol.BlockId values and opaque *Client handles.
//
// A block passes through three independent bits of state, matching the
// spec's own description of the structure:
//
//   - offered: which clients' peers have advertised holding the block.
//   - required: a refcount of how many reasons the local replica currently
//     has to want the block downloaded at all (begin_require/end_require).
//     This is peer-independent: it reflects local demand, not who might
//     supply it.
//   - accepted: at most one client at a time holds the download slot.
//
// Offer/Require/Accept are all safe for unsynchronized concurrent use by
// many Clients, including many Clients racing to Accept the same block —
// exactly one ever wins (SPEC_FULL.md §8 scenario 4).
package tracker

import (
	"context"
	"sync"

	"github.com/luxfi/ouisync/protocol"
)

// missingBlock is the tracker's bookkeeping for one block id that is
// currently offered, required, or accepted by at least one client.
type missingBlock struct {
	offeredBy  map[*Client]struct{}
	required   int
	acceptedBy *Client // nil if no client currently holds the download slot
}

func newMissingBlock() *missingBlock {
	return &missingBlock{offeredBy: make(map[*Client]struct{})}
}

// empty reports whether mb no longer records any reason to exist.
func (mb *missingBlock) empty() bool {
	return len(mb.offeredBy) == 0 && mb.required == 0 && mb.acceptedBy == nil
}

// Tracker coordinates which of several concurrently connected clients may
// download a given missing block at a time (SPEC_FULL.md §4.3: "at most
// one accepted downloader per block").
type Tracker struct {
	mu      sync.Mutex
	blocks  map[protocol.BlockId]*missingBlock
	changed chan struct{}
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		blocks:  make(map[protocol.BlockId]*missingBlock),
		changed: make(chan struct{}),
	}
}

// Changed returns a channel that closes the next time any block's offered,
// required, or accepted state changes. A goroutine looking for new work
// re-reads Changed() after it fires, since the old channel is spent — the
// broadcast-on-change idiom standing in for the spec's abstract "notify"
// primitive.
func (t *Tracker) Changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}

// notify must be called with t.mu held.
func (t *Tracker) notify() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// entry returns blockId's bookkeeping, creating it if absent. Must be
// called with t.mu held.
func (t *Tracker) entry(blockId protocol.BlockId) *missingBlock {
	mb, ok := t.blocks[blockId]
	if !ok {
		mb = newMissingBlock()
		t.blocks[blockId] = mb
	}
	return mb
}

// gc deletes blockId's entry if it no longer records anything. Must be
// called with t.mu held.
func (t *Tracker) gc(blockId protocol.BlockId, mb *missingBlock) {
	if mb.empty() {
		delete(t.blocks, blockId)
	}
}

// Require increments blockId's required refcount (SPEC_FULL.md §4.3
// begin_require): the local replica now has one more reason to want this
// block downloaded, independent of which peer might supply it. Every
// Require must eventually be matched by an Unrequire, unless the block
// reaches Complete first (which clears all bookkeeping unconditionally).
func (t *Tracker) Require(blockId protocol.BlockId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(blockId).required++
	t.notify()
}

// Unrequire reverses one Require (SPEC_FULL.md §4.3 end_require), for when
// a requirement is withdrawn some other way than the block finishing
// download (e.g. the locator referencing it was removed or superseded).
// It has no effect on any offer or accepted download slot.
func (t *Tracker) Unrequire(blockId protocol.BlockId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mb, ok := t.blocks[blockId]
	if !ok || mb.required == 0 {
		return
	}
	mb.required--
	t.gc(blockId, mb)
	t.notify()
}

// BeingRequired reports whether any local caller currently requires
// blockId (SPEC_FULL.md §4.3 being_required).
func (t *Tracker) BeingRequired(blockId protocol.BlockId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	mb, ok := t.blocks[blockId]
	return ok && mb.required > 0
}

// OfferCount returns how many clients currently offer blockId, for tests
// and diagnostics.
func (t *Tracker) OfferCount(blockId protocol.BlockId) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	mb, ok := t.blocks[blockId]
	if !ok {
		return 0
	}
	return len(mb.offeredBy)
}

// IsAccepted reports whether blockId currently has an accepted downloader,
// for tests and diagnostics.
func (t *Tracker) IsAccepted(blockId protocol.BlockId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	mb, ok := t.blocks[blockId]
	return ok && mb.acceptedBy != nil
}

// Len returns the number of blocks currently tracked as offered, required,
// or accepted, for metrics reporting (repository.Metrics.TrackerBlocks).
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.blocks)
}

// NewClient returns a handle a single peer connection uses to offer,
// accept, cancel, and complete blocks against this Tracker.
func (t *Tracker) NewClient() *Client {
	return &Client{tracker: t}
}

// Client is one connection's view of the Tracker. Its methods are safe
// for concurrent use by any number of Clients of the same Tracker.
type Client struct {
	tracker *Tracker
}

// Require increments blockId's required refcount via this Client's shared
// Tracker (see Tracker.Require); exposed on Client so network code, which
// only ever holds a *Client handle, can declare local demand without a
// separate *Tracker reference.
func (c *Client) Require(blockId protocol.BlockId) { c.tracker.Require(blockId) }

// Unrequire reverses one Require via this Client's shared Tracker (see
// Tracker.Unrequire).
func (c *Client) Unrequire(blockId protocol.BlockId) { c.tracker.Unrequire(blockId) }

// Offer records that this client's peer has advertised blockId as present
// (SPEC_FULL.md §4.3 offer). Offering a block already being downloaded by
// another client is harmless: it just adds this client as a fallback
// should the current downloader disconnect or cancel.
func (c *Client) Offer(blockId protocol.BlockId) {
	t := c.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(blockId).offeredBy[c] = struct{}{}
	t.notify()
}

// Accept blocks until some block this client has offered is both required
// and not currently accepted by any client, claims the download slot for
// it, and returns its id (SPEC_FULL.md §4.3's pull-style "accept() ->
// block_id"). It is cancel-safe: if ctx is done before a block becomes
// available, Accept returns ctx.Err() having claimed nothing, so the
// caller can retry, give up, or shut down without leaking tracker state.
//
// This is what makes "ten clients offer(b), exactly one accept wins"
// (SPEC_FULL.md §8 scenario 4) hold: every candidate block is claimed
// under the tracker's single mutex, so only the first caller to observe
// acceptedBy == nil for a given block ever sets it.
func (c *Client) Accept(ctx context.Context) (protocol.BlockId, error) {
	t := c.tracker
	for {
		t.mu.Lock()
		for blockId, mb := range t.blocks {
			if mb.required > 0 && mb.acceptedBy == nil {
				if _, offered := mb.offeredBy[c]; offered {
					mb.acceptedBy = c
					t.notify()
					t.mu.Unlock()
					return blockId, nil
				}
			}
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			var zero protocol.BlockId
			return zero, ctx.Err()
		}
	}
}

// TryAccept attempts to claim the download slot for a specific blockId
// without waiting. It returns true iff no other client currently holds
// it, in which case this client now does. Unlike Accept, TryAccept
// doesn't require the block to be Require'd first — it is used for the
// simple case of "I already know exactly which block I want, take it now
// or not at all" (SPEC_FULL.md §4.3 accept, single-id form).
func (c *Client) TryAccept(blockId protocol.BlockId) bool {
	t := c.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	mb := t.entry(blockId)
	if mb.acceptedBy != nil && mb.acceptedBy != c {
		return false
	}
	mb.acceptedBy = c
	t.notify()
	return true
}

// Cancel releases this client's hold on blockId's download slot without
// removing its offer or touching its required refcount, letting another
// offering client accept it next (SPEC_FULL.md §4.3 cancel — used on
// request timeout or a failed download).
func (c *Client) Cancel(blockId protocol.BlockId) {
	t := c.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	mb, ok := t.blocks[blockId]
	if !ok || mb.acceptedBy != c {
		return
	}
	mb.acceptedBy = nil
	t.gc(blockId, mb)
	t.notify()
}

// Complete removes blockId from the tracker entirely: the block is now
// locally present, so it is no longer missing from any client's or
// requirer's perspective, regardless of how many times Require was called
// for it (SPEC_FULL.md §4.3 complete).
func (c *Client) Complete(blockId protocol.BlockId) {
	t := c.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.blocks, blockId)
	t.notify()
}

// Drop releases every offer and accepted download this client holds,
// called when its peer connection closes so other clients can take over
// any in-flight downloads rather than waiting on a timeout. It leaves
// required refcounts untouched: local demand for a block doesn't depend
// on any one peer connection.
func (c *Client) Drop() {
	t := c.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	for blockId, mb := range t.blocks {
		delete(mb.offeredBy, c)
		if mb.acceptedBy == c {
			mb.acceptedBy = nil
		}
		t.gc(blockId, mb)
	}
	t.notify()
}
