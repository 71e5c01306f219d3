// Package network implements the peer-connection half of synchronization
// that drives one remote replica's state into (Client) and serves requests
// from (Server) this replica's own store (spec.md §4.4, §4.5).
package network

import (
	"context"
	"errors"
	"sync"

	"github.com/luxfi/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/luxfi/ouisync/block"
	"github.com/luxfi/ouisync/block/tracker"
	"github.com/luxfi/ouisync/config"
	"github.com/luxfi/ouisync/crypto"
	"github.com/luxfi/ouisync/index"
	"github.com/luxfi/ouisync/network/pending"
	"github.com/luxfi/ouisync/protocol"
	"github.com/luxfi/ouisync/store"
)

// wanter is a (writer, locatorHash) pair waiting on a particular block id
// to arrive, so Client knows which leaf to mark Present once it does.
type wanter struct {
	writer      protocol.WriterId
	locatorHash protocol.Hash
}

// Client drives one peer connection's inbound Response stream into the
// local store (spec.md §4.4). It has no knowledge of which repository-level
// policy governs quota; that is injected via Finalize.
type Client struct {
	transport protocol.Transport
	db        *store.DB
	idx       *index.Store
	blocks    *block.Store
	trackerC  *tracker.Client
	pending   *pending.Table
	peerSem   *semaphore.Weighted
	clientSem *semaphore.Weighted
	log       log.Logger

	// finalize attempts index.Store.Finalize for every branch this
	// replica tracks; injected because Client itself doesn't enumerate
	// writers (that's a repository-level concern).
	finalize func(tx *store.Tx) error

	mu         sync.Mutex
	layerOf    map[protocol.Hash]int
	interested map[protocol.Hash]map[protocol.WriterId]struct{}
	wanters    map[protocol.BlockId][]wanter
}

// NewClient constructs a Client for one peer connection. peerSem is shared
// across every Client of the same repository (bounding total in-flight
// block requests); clientSem is this Client's own (bounding in-flight
// block requests on this one connection) — spec.md §4.4's two-permit rule.
func NewClient(
	transport protocol.Transport,
	db *store.DB,
	idx *index.Store,
	blocks *block.Store,
	trackerC *tracker.Client,
	peerSem *semaphore.Weighted,
	finalize func(tx *store.Tx) error,
	logger log.Logger,
) *Client {
	return &Client{
		transport:  transport,
		db:         db,
		idx:        idx,
		blocks:     blocks,
		trackerC:   trackerC,
		pending:    pending.New(),
		peerSem:    peerSem,
		clientSem:  semaphore.NewWeighted(config.DefaultPerClientConcurrency),
		log:        logger,
		finalize:   finalize,
		layerOf:    make(map[protocol.Hash]int),
		interested: make(map[protocol.Hash]map[protocol.WriterId]struct{}),
		wanters:    make(map[protocol.BlockId][]wanter),
	}
}

// Run reads Responses off transport until it errors or ctx is done,
// alongside a fixed pool of download workers that pull required-and-
// unaccepted blocks off the tracker as they become available (spec.md
// §4.3's pull-style accept). A dropped Client (ctx canceled, or Run
// returning) must still release every permit and tracker slot it holds;
// Close does that unwind.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < config.DefaultPerClientConcurrency; i++ {
		g.Go(func() error { return c.runDownloadWorker(gctx) })
	}
	g.Go(func() error { return c.recvLoop(gctx) })
	return g.Wait()
}

func (c *Client) recvLoop(ctx context.Context) error {
	for {
		msg, err := c.transport.Recv(ctx)
		if err != nil {
			return err
		}
		if msg.Kind != protocol.KindResponse || msg.Response == nil {
			continue
		}
		if err := c.handleResponse(ctx, *msg.Response); err != nil {
			return err
		}
	}
}

// runDownloadWorker is one slot of the per-connection download pool: it
// blocks on the tracker's cancel-safe Accept until some block this Client
// has offered becomes required and unaccepted, then requests it over the
// wire. Losing the race to claim a block (another worker, local or on a
// different connection, got there first) is the normal case, not an
// error — Accept simply hands this worker the next one instead.
func (c *Client) runDownloadWorker(ctx context.Context) error {
	for {
		blockId, err := c.trackerC.Accept(ctx)
		if err != nil {
			return nil
		}
		c.sendBlockRequest(ctx, blockId)
	}
}

// Close releases every pending request's permit and the tracker's hold on
// any block this Client was downloading (spec.md §4.4 "cancel safety").
func (c *Client) Close() {
	c.pending.Clear()
	c.trackerC.Drop()
}

// RequestRoot asks the peer for writer's current root node, deduplicating
// against any already-pending request for the same writer. Callers use
// this to bootstrap interest in a writer this Client has not yet seen
// announced (spec.md §4.4 rule 1's initial subscription, before any
// unsolicited push has arrived).
func (c *Client) RequestRoot(ctx context.Context, writer protocol.WriterId) {
	key := pending.Key{Kind: protocol.ReqRootNode, WriterId: writer}
	if !c.pending.Register(key, false, nil) {
		return
	}
	req := protocol.Request{Kind: protocol.ReqRootNode, WriterId: writer}
	msg := protocol.Message{Kind: protocol.KindRequest, Request: &req}
	if err := c.transport.Send(ctx, msg); err != nil {
		c.pending.Resolve(key)
	}
}

func (c *Client) handleResponse(ctx context.Context, resp protocol.Response) error {
	switch resp.Kind {
	case protocol.RespRootNode:
		return c.handleRootNode(ctx, resp)
	case protocol.RespInnerNodes:
		return c.handleInnerNodes(ctx, resp)
	case protocol.RespLeafNodes:
		return c.handleLeafNodes(ctx, resp)
	case protocol.RespBlock:
		return c.handleBlock(resp)
	case protocol.RespRootNodeError, protocol.RespChildNodesError, protocol.RespBlockError:
		return c.handleError(resp)
	default:
		return nil
	}
}

// handleError implements spec.md §4.4 rule 5: drop the pending request and
// release its permit, whatever it was for.
func (c *Client) handleError(resp protocol.Response) error {
	key, ok := pending.KeyForResponse(resp)
	if !ok {
		return nil
	}
	if release, ok := c.pending.Resolve(key); ok && release != nil {
		release()
	}
	if key.Kind == protocol.ReqBlock {
		c.trackerC.Cancel(key.BlockId)
	}
	return nil
}

// handleRootNode implements spec.md §4.4 rule 2.
func (c *Client) handleRootNode(ctx context.Context, resp protocol.Response) error {
	key, _ := pending.KeyForResponse(resp)
	if release, ok := c.pending.Resolve(key); ok && release != nil {
		release()
	}

	root := protocol.RootNode{Proof: resp.Proof, Summary: resp.Summary}
	if err := root.Proof.Verify(); err != nil {
		c.log.Debug("dropping root node with invalid proof", zap.Stringer("writer", resp.WriterId))
		return nil
	}

	tx := c.db.BeginWrite()
	cur, err := c.idx.CurrentRoot(tx, resp.WriterId)
	knownBranch := err == nil
	if err != nil && !errors.Is(err, index.ErrBranchNotFound) {
		tx.Rollback()
		return err
	}

	accept := !knownBranch ||
		cur.Proof.VersionVector.Less(root.Proof.VersionVector) ||
		cur.Proof.RootHash != root.Proof.RootHash
	if !accept {
		tx.Rollback()
		return nil
	}

	if err := c.idx.ReceiveRootNode(tx, root); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	tx = c.db.BeginRead()
	have, err := c.idx.HaveGroup(tx, root.Proof.RootHash, protocol.DisambiguateInner)
	tx.Rollback()
	if err != nil {
		return err
	}
	if !have {
		c.requestChildren(ctx, resp.WriterId, root.Proof.RootHash, protocol.DisambiguateInner, 0)
	}
	return nil
}

// handleInnerNodes implements spec.md §4.4 rule 3 for the inner-node half.
func (c *Client) handleInnerNodes(ctx context.Context, resp protocol.Response) error {
	key, _ := pending.KeyForResponse(resp)
	if release, ok := c.pending.Resolve(key); ok && release != nil {
		release()
	}

	layer := c.takeLayer(resp.ParentHash)

	tx := c.db.BeginWrite()
	if err := c.idx.ReceiveInnerNodes(tx, resp.ParentHash, resp.InnerNodes); err != nil {
		tx.Rollback()
		if errors.Is(err, index.ErrHashMismatch) {
			c.log.Debug("dropping inner nodes with mismatched hash", zap.Stringer("parent", resp.ParentHash))
			return nil
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	childDisambiguator := protocol.DisambiguateInner
	if layer+1 == config.InnerLayerCount {
		childDisambiguator = protocol.DisambiguateLeaf
	}

	writers := c.interestedWriters(resp.ParentHash)
	tx = c.db.BeginRead()
	for _, child := range resp.InnerNodes {
		have, err := c.idx.HaveGroup(tx, child.Hash, childDisambiguator)
		if err != nil {
			tx.Rollback()
			return err
		}
		if have {
			continue
		}
		for _, w := range writers {
			c.requestChildren(ctx, w, child.Hash, childDisambiguator, layer+1)
		}
	}
	tx.Rollback()

	return c.tryFinalize()
}

// handleLeafNodes implements spec.md §4.4 rule 3 for the leaf-node half: no
// further index descent follows, but any leaf whose block we don't already
// hold becomes a Block request.
func (c *Client) handleLeafNodes(ctx context.Context, resp protocol.Response) error {
	key, _ := pending.KeyForResponse(resp)
	if release, ok := c.pending.Resolve(key); ok && release != nil {
		release()
	}

	tx := c.db.BeginWrite()
	if err := c.idx.ReceiveLeafNodes(tx, resp.ParentHash, resp.LeafNodes); err != nil {
		tx.Rollback()
		if errors.Is(err, index.ErrHashMismatch) {
			c.log.Debug("dropping leaf nodes with mismatched hash", zap.Stringer("parent", resp.ParentHash))
			return nil
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	writers := c.interestedWriters(resp.ParentHash)

	tx = c.db.BeginRead()
	for _, leaf := range resp.LeafNodes {
		have, err := c.blocks.Exists(tx, leaf.BlockId)
		if err != nil {
			tx.Rollback()
			return err
		}
		if have {
			for _, w := range writers {
				if err := c.bumpPresent(w, leaf.LocatorHash); err != nil {
					tx.Rollback()
					return err
				}
			}
			continue
		}
		c.mu.Lock()
		_, alreadyWanted := c.wanters[leaf.BlockId]
		for _, w := range writers {
			c.wanters[leaf.BlockId] = append(c.wanters[leaf.BlockId], wanter{writer: w, locatorHash: leaf.LocatorHash})
		}
		c.mu.Unlock()
		c.wantBlock(leaf.BlockId, alreadyWanted)
	}
	tx.Rollback()

	return c.tryFinalize()
}

// handleBlock implements spec.md §4.4 rule 4.
func (c *Client) handleBlock(resp protocol.Response) error {
	key, _ := pending.KeyForResponse(resp)
	release, ok := c.pending.Resolve(key)
	if !ok {
		return nil
	}
	if release != nil {
		release()
	}

	if crypto.Hash(resp.Content) != resp.BlockId {
		c.log.Debug("dropping block with mismatched content hash", zap.Stringer("block", resp.BlockId))
		c.trackerC.Cancel(resp.BlockId)
		return nil
	}

	tx := c.db.BeginWrite()
	if err := c.blocks.Write(tx, resp.BlockId, resp.Nonce, resp.Content); err != nil {
		tx.Rollback()
		return err
	}

	c.mu.Lock()
	waiters := c.wanters[resp.BlockId]
	delete(c.wanters, resp.BlockId)
	c.mu.Unlock()

	for _, w := range waiters {
		if _, err := c.idx.Bump(tx, w.writer, w.locatorHash); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	c.trackerC.Complete(resp.BlockId)
	return c.tryFinalizeCommitted()
}

func (c *Client) bumpPresent(writer protocol.WriterId, locatorHash protocol.Hash) error {
	tx := c.db.BeginWrite()
	if _, err := c.idx.Bump(tx, writer, locatorHash); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *Client) tryFinalize() error {
	tx := c.db.BeginWrite()
	if err := c.finalize(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// tryFinalizeCommitted is tryFinalize under a distinct name at the one call
// site that follows a just-committed write, to make the two phases of
// handleBlock legible at a glance.
func (c *Client) tryFinalizeCommitted() error { return c.tryFinalize() }

func (c *Client) requestChildren(ctx context.Context, writer protocol.WriterId, hash protocol.Hash, disambiguator protocol.Disambiguator, layer int) {
	c.addInterest(hash, writer)

	key := pending.Key{Kind: protocol.ReqChildNodes, Hash: hash, Disambiguator: disambiguator}
	if !c.pending.Register(key, false, nil) {
		return
	}
	c.setLayer(hash, layer)

	req := protocol.Request{Kind: protocol.ReqChildNodes, Hash: hash, Disambiguator: disambiguator}
	msg := protocol.Message{Kind: protocol.KindRequest, Request: &req}
	if err := c.transport.Send(ctx, msg); err != nil {
		c.pending.Resolve(key)
	}
}

// wantBlock registers blockId as one this Client's peer has (Offer) and
// one the local replica now needs downloaded (Require), unless it was
// already required by an earlier, still-pending wanter for the same
// block — required is a refcount, but Complete always clears it in one
// shot, so only the first wanter for a given block needs to add to it.
// The actual request is sent later by a download worker's Accept call
// (spec.md §4.3's pull-style accept, see runDownloadWorker), not here.
func (c *Client) wantBlock(blockId protocol.BlockId, alreadyWanted bool) {
	c.trackerC.Offer(blockId)
	if !alreadyWanted {
		c.trackerC.Require(blockId)
	}
}

// sendBlockRequest issues the wire Request for a block this Client's
// download worker has just won the Accept race for (spec.md §4.4's
// two-permit rule: a peer-wide and a per-connection semaphore gate Block
// requests only). Failure at any step releases whatever this call
// acquired and cancels the tracker hold, so another worker or peer
// connection can retry.
func (c *Client) sendBlockRequest(ctx context.Context, blockId protocol.BlockId) {
	key := pending.Key{Kind: protocol.ReqBlock, BlockId: blockId}
	if c.pending.Has(key) {
		return
	}

	if err := c.peerSem.Acquire(ctx, 1); err != nil {
		c.trackerC.Cancel(blockId)
		return
	}
	if err := c.clientSem.Acquire(ctx, 1); err != nil {
		c.peerSem.Release(1)
		c.trackerC.Cancel(blockId)
		return
	}
	release := func() {
		c.clientSem.Release(1)
		c.peerSem.Release(1)
	}

	if !c.pending.Register(key, true, release) {
		release()
		c.trackerC.Cancel(blockId)
		return
	}

	req := protocol.Request{Kind: protocol.ReqBlock, BlockId: blockId}
	msg := protocol.Message{Kind: protocol.KindRequest, Request: &req}
	if err := c.transport.Send(ctx, msg); err != nil {
		if release, ok := c.pending.Resolve(key); ok && release != nil {
			release()
		}
		c.trackerC.Cancel(blockId)
	}
}

// Sweep times out any block request pending longer than config.RequestTimeout,
// canceling this Client's tracker hold on it so another client may pick it
// up. Callers run this periodically (spec.md §4.6: "a background task
// enforces REQUEST_TIMEOUT for block requests only").
func (c *Client) Sweep() {
	for _, key := range c.pending.Sweep(config.RequestTimeout) {
		if key.Kind == protocol.ReqBlock {
			c.trackerC.Cancel(key.BlockId)
		}
	}
}

func (c *Client) setLayer(hash protocol.Hash, layer int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layerOf[hash] = layer
}

func (c *Client) takeLayer(hash protocol.Hash) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	layer := c.layerOf[hash]
	delete(c.layerOf, hash)
	return layer
}

func (c *Client) addInterest(hash protocol.Hash, writer protocol.WriterId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.interested[hash]
	if !ok {
		set = make(map[protocol.WriterId]struct{})
		c.interested[hash] = set
	}
	set[writer] = struct{}{}
}

func (c *Client) interestedWriters(hash protocol.Hash) []protocol.WriterId {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.interested[hash]
	out := make([]protocol.WriterId, 0, len(set))
	for w := range set {
		out = append(out, w)
	}
	return out
}
