package network

import (
	"context"
	"errors"
	"sync"

	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/ouisync/block"
	"github.com/luxfi/ouisync/index"
	"github.com/luxfi/ouisync/protocol"
	"github.com/luxfi/ouisync/store"
)

// Server answers one peer connection's Requests against the local store
// and proactively pushes root-node updates when a tracked branch advances
// (spec.md §4.5). It cooperates with a Choker so one repository doesn't
// serve unbounded connections at once.
type Server struct {
	transport protocol.Transport
	db        *store.DB
	idx       *index.Store
	blocks    *block.Store
	choker    *Choker
	log       log.Logger

	mu      sync.Mutex
	pending *protocol.RootNode // coalesced push, set while choked
}

// NewServer constructs a Server for one peer connection, registering it
// with choker immediately.
func NewServer(transport protocol.Transport, db *store.DB, idx *index.Store, blocks *block.Store, choker *Choker, logger log.Logger) *Server {
	s := &Server{
		transport: transport,
		db:        db,
		idx:       idx,
		blocks:    blocks,
		choker:    choker,
		log:       logger,
	}
	choker.Admit(s)
	return s
}

// Close removes this Server's slot from the Choker, letting another
// waiting connection take it.
func (s *Server) Close() {
	s.choker.Release(s)
}

// Run reads Requests off transport and answers each until it errors or ctx
// is done.
func (s *Server) Run(ctx context.Context) error {
	for {
		msg, err := s.transport.Recv(ctx)
		if err != nil {
			return err
		}
		if msg.Kind != protocol.KindRequest || msg.Request == nil {
			continue
		}
		resp, err := s.answer(ctx, *msg.Request)
		if err != nil {
			return err
		}
		if err := s.transport.Send(ctx, protocol.Message{Kind: protocol.KindResponse, Response: &resp}); err != nil {
			return err
		}
	}
}

func (s *Server) answer(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	switch req.Kind {
	case protocol.ReqRootNode:
		return s.answerRootNode(req)
	case protocol.ReqChildNodes:
		return s.answerChildNodes(req)
	case protocol.ReqBlock:
		return s.answerBlock(req)
	default:
		return protocol.Response{Kind: protocol.RespRootNodeError}, nil
	}
}

// answerRootNode implements spec.md §4.5's RootNode branch: load the
// latest root this replica has for the requested writer, or report
// RootNodeError if it has none.
func (s *Server) answerRootNode(req protocol.Request) (protocol.Response, error) {
	tx := s.db.BeginRead()
	defer tx.Rollback()

	root, err := s.idx.CurrentRoot(tx, req.WriterId)
	if err != nil {
		if errors.Is(err, index.ErrBranchNotFound) {
			return protocol.Response{Kind: protocol.RespRootNodeError, WriterId: req.WriterId}, nil
		}
		return protocol.Response{}, err
	}
	return protocol.Response{
		Kind:     protocol.RespRootNode,
		Proof:    root.Proof,
		Summary:  root.Summary,
		WriterId: req.WriterId,
	}, nil
}

// answerChildNodes implements spec.md §4.5's ChildNodes branch: it looks
// the hash up in the leaf-node table when the request's disambiguator is
// DisambiguateLeaf and in the inner-node table otherwise, replying
// ChildNodesError if that table lacks it.
func (s *Server) answerChildNodes(req protocol.Request) (protocol.Response, error) {
	tx := s.db.BeginRead()
	defer tx.Rollback()

	if req.Disambiguator == protocol.DisambiguateLeaf {
		leaves, err := s.idx.Leaves(tx, req.Hash)
		if err != nil {
			if errors.Is(err, index.ErrParentNodeNotFound) {
				return s.childNodesError(req), nil
			}
			return protocol.Response{}, err
		}
		return protocol.Response{
			Kind:          protocol.RespLeafNodes,
			ParentHash:    req.Hash,
			Disambiguator: req.Disambiguator,
			LeafNodes:     leaves,
		}, nil
	}

	nodes, err := s.idx.ChildNodes(tx, req.Hash)
	if err != nil {
		if errors.Is(err, index.ErrParentNodeNotFound) {
			return s.childNodesError(req), nil
		}
		return protocol.Response{}, err
	}
	return protocol.Response{
		Kind:          protocol.RespInnerNodes,
		ParentHash:    req.Hash,
		Disambiguator: req.Disambiguator,
		InnerNodes:    nodes,
	}, nil
}

func (s *Server) childNodesError(req protocol.Request) protocol.Response {
	return protocol.Response{Kind: protocol.RespChildNodesError, ParentHash: req.Hash, Disambiguator: req.Disambiguator}
}

// answerBlock implements spec.md §4.5's Block branch: stream the block's
// ciphertext and nonce, or report BlockError if it isn't stored locally.
func (s *Server) answerBlock(req protocol.Request) (protocol.Response, error) {
	tx := s.db.BeginRead()
	defer tx.Rollback()

	nonce, ciphertext, err := s.blocks.Read(tx, req.BlockId)
	if err != nil {
		if errors.Is(err, block.ErrNotFound) {
			return protocol.Response{Kind: protocol.RespBlockError, BlockId: req.BlockId}, nil
		}
		return protocol.Response{}, err
	}
	return protocol.Response{
		Kind:    protocol.RespBlock,
		BlockId: req.BlockId,
		Content: ciphertext,
		Nonce:   nonce,
	}, nil
}

// NotifyRootChanged implements spec.md §4.5's unsolicited push: on local
// branch change, send the new root to this peer once. While choked, only
// the most recent root is kept and is flushed as soon as this Server is
// unchoked — a choked peer accumulates at most one pending notification,
// coalesced (spec.md §4.5 "Choking").
func (s *Server) NotifyRootChanged(ctx context.Context, root protocol.RootNode) error {
	if s.choker.IsChoked(s) {
		s.mu.Lock()
		r := root
		s.pending = &r
		s.mu.Unlock()
		return nil
	}
	return s.pushRoot(ctx, root)
}

func (s *Server) pushRoot(ctx context.Context, root protocol.RootNode) error {
	resp := protocol.Response{
		Kind:     protocol.RespRootNode,
		Proof:    root.Proof,
		Summary:  root.Summary,
		WriterId: root.Proof.WriterId,
	}
	return s.transport.Send(ctx, protocol.Message{Kind: protocol.KindResponse, Response: &resp})
}

// onUnchoked is called by Choker when a slot frees up for s. Any root
// change coalesced while choked is flushed now.
func (s *Server) onUnchoked() {
	s.mu.Lock()
	root := s.pending
	s.pending = nil
	s.mu.Unlock()

	if root == nil {
		return
	}
	if err := s.pushRoot(context.Background(), *root); err != nil {
		s.log.Debug("failed to flush coalesced root push", zap.Error(err))
	}
}
