package network

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/luxfi/ouisync/block"
	"github.com/luxfi/ouisync/block/tracker"
	"github.com/luxfi/ouisync/branch"
	"github.com/luxfi/ouisync/config"
	"github.com/luxfi/ouisync/crypto"
	"github.com/luxfi/ouisync/index"
	ouilog "github.com/luxfi/ouisync/log"
	"github.com/luxfi/ouisync/network/transporttest"
	"github.com/luxfi/ouisync/protocol"
	"github.com/luxfi/ouisync/store"
)

// replica is one side of the test sync scenario: its own store, index,
// block store, and tracker, standing in for one repository instance.
type replica struct {
	db     *store.DB
	idx    *index.Store
	blocks *block.Store
	trk    *tracker.Tracker
}

func newReplica(t *testing.T) *replica {
	t.Helper()
	db := store.New(memdb.New())
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return &replica{db: db, idx: index.New(db), blocks: block.New(), trk: tracker.New()}
}

func alwaysApprove(protocol.Summary) bool { return true }

// TestClientServer_SyncsSingleBlock drives a full round trip: replica A
// writes one block locally, replica B learns of it purely by exchanging
// Request/Response messages over an in-memory transport, matching spec.md
// §4.4/§4.5's client/server protocol end to end.
func TestClientServer_SyncsSingleBlock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newReplica(t)
	b := newReplica(t)

	signer, err := crypto.GenerateWriteKeys()
	require.NoError(t, err)
	branchA, err := branch.NewLocal(signer, a.idx)
	require.NoError(t, err)
	writer := branchA.WriterId()

	locatorHash := testHash(t, 1)
	nonce, err := crypto.NewBlockNonce()
	require.NoError(t, err)
	content := make([]byte, config.BlockSize)
	for i := range content {
		content[i] = byte(i)
	}
	blockId := crypto.Hash(content)

	txw := a.db.BeginWrite()
	_, err = branchA.WriteBlock(txw, locatorHash, blockId)
	require.NoError(t, err)
	require.NoError(t, a.blocks.Write(txw, blockId, nonce, content))
	require.NoError(t, branchA.Finalize(txw, alwaysApprove))
	require.NoError(t, txw.Commit())

	pipeA, pipeB := transporttest.NewPair()
	logger := ouilog.NewNoOpLogger()

	peerSemB := semaphore.NewWeighted(config.DefaultBlockConcurrency)
	finalizeB := func(tx *store.Tx) error { return b.idx.Finalize(tx, writer, alwaysApprove) }
	clientOnB := NewClient(pipeB, b.db, b.idx, b.blocks, b.trk.NewClient(), peerSemB, finalizeB, logger)

	choker := NewChoker(1)
	serverOnA := NewServer(pipeA, a.db, a.idx, a.blocks, choker, logger)
	defer serverOnA.Close()

	serverDone := make(chan error, 1)
	go func() { serverDone <- serverOnA.Run(ctx) }()

	clientDone := make(chan error, 1)
	go func() { clientDone <- clientOnB.Run(ctx) }()

	clientOnB.RequestRoot(ctx, writer)

	require.Eventually(t, func() bool {
		tx := b.db.BeginRead()
		defer tx.Rollback()
		id, presence, err := b.idx.FindBlock(tx, writer, locatorHash)
		return err == nil && id == blockId && presence == protocol.Present
	}, 3*time.Second, 10*time.Millisecond)

	tx := b.db.BeginRead()
	defer tx.Rollback()
	_, ciphertext, err := b.blocks.Read(tx, blockId)
	require.NoError(t, err)
	require.Equal(t, len(content), len(ciphertext))
}

func testHash(t *testing.T, seed byte) protocol.Hash {
	t.Helper()
	var h protocol.Hash
	for i := range h {
		h[i] = seed
	}
	return h
}
