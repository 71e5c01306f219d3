package index

import (
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ouisync/crypto"
	"github.com/luxfi/ouisync/protocol"
	"github.com/luxfi/ouisync/store"
	"github.com/luxfi/ouisync/vv"
)

func newTestStore(t *testing.T) (*Store, *store.DB) {
	t.Helper()
	db := store.New(memdb.New())
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return New(db), db
}

func randHash(t *testing.T, seed byte) protocol.Hash {
	t.Helper()
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = seed
	}
	id, err := ids.ToID(buf)
	require.NoError(t, err)
	return id
}

func newTestWriter(t *testing.T) (*crypto.WriteKeys, protocol.WriterId) {
	t.Helper()
	keys, err := crypto.GenerateWriteKeys()
	require.NoError(t, err)
	writer, err := ids.ToID(keys.Public)
	require.NoError(t, err)
	return keys, writer
}

func TestFindBlock_EmptyBranch(t *testing.T) {
	s, db := newTestStore(t)
	tx := db.BeginRead()
	defer tx.Rollback()

	writer := randHash(t, 1)
	_, _, err := s.FindBlock(tx, writer, randHash(t, 2))
	require.ErrorIs(t, err, ErrBranchNotFound)
}

func TestInsertThenFindBlock(t *testing.T) {
	s, db := newTestStore(t)
	keys, writer := newTestWriter(t)
	locatorHash := randHash(t, 7)
	blockId := randHash(t, 9)

	tx := db.BeginWrite()
	newRootHash, err := s.InsertBlock(tx, writer, locatorHash, blockId)
	require.NoError(t, err)
	require.NotEqual(t, emptyGroupHash, newRootHash)

	proof := protocol.NewProof(keys, writer, vv.New().IncrementLocal(writer), newRootHash)
	require.NoError(t, s.SaveRoot(tx, protocol.RootNode{Proof: proof, Summary: protocol.Summary{State: protocol.Approved}}))
	require.NoError(t, tx.Commit())

	tx = db.BeginRead()
	defer tx.Rollback()
	gotBlockId, presence, err := s.FindBlock(tx, writer, locatorHash)
	require.NoError(t, err)
	require.Equal(t, blockId, gotBlockId)
	require.Equal(t, protocol.Present, presence)
}

func TestFindBlock_UnknownLocator(t *testing.T) {
	s, db := newTestStore(t)
	keys, writer := newTestWriter(t)

	tx := db.BeginWrite()
	newRootHash, err := s.InsertBlock(tx, writer, randHash(t, 1), randHash(t, 2))
	require.NoError(t, err)
	proof := protocol.NewProof(keys, writer, vv.New().IncrementLocal(writer), newRootHash)
	require.NoError(t, s.SaveRoot(tx, protocol.RootNode{Proof: proof}))
	require.NoError(t, tx.Commit())

	tx = db.BeginRead()
	defer tx.Rollback()
	_, _, err = s.FindBlock(tx, writer, randHash(t, 99))
	require.ErrorIs(t, err, ErrLocatorNotFound)
}

func TestBumpIsNoOpWhenAlreadyPresent(t *testing.T) {
	s, db := newTestStore(t)
	keys, writer := newTestWriter(t)
	locatorHash := randHash(t, 3)

	tx := db.BeginWrite()
	defer tx.Rollback()
	rootHash, err := s.InsertBlock(tx, writer, locatorHash, randHash(t, 4))
	require.NoError(t, err)
	proof := protocol.NewProof(keys, writer, vv.New().IncrementLocal(writer), rootHash)
	require.NoError(t, s.SaveRoot(tx, protocol.RootNode{Proof: proof}))

	bumped, err := s.Bump(tx, writer, locatorHash)
	require.NoError(t, err)
	require.Equal(t, rootHash, bumped)
}

func TestRemoveThenBump(t *testing.T) {
	s, db := newTestStore(t)
	keys, writer := newTestWriter(t)
	locatorHash := randHash(t, 5)
	blockId := randHash(t, 6)

	tx := db.BeginWrite()
	rootHash, err := s.InsertBlock(tx, writer, locatorHash, blockId)
	require.NoError(t, err)
	proof := protocol.NewProof(keys, writer, vv.New().IncrementLocal(writer), rootHash)
	require.NoError(t, s.SaveRoot(tx, protocol.RootNode{Proof: proof}))
	require.NoError(t, tx.Commit())

	tx = db.BeginWrite()
	rootHash, err = s.RemoveBlock(tx, writer, locatorHash)
	require.NoError(t, err)
	proof = protocol.NewProof(keys, writer, proof.VersionVector.IncrementLocal(writer), rootHash)
	require.NoError(t, s.SaveRoot(tx, protocol.RootNode{Proof: proof}))
	require.NoError(t, tx.Commit())

	tx = db.BeginRead()
	_, presence, err := s.FindBlock(tx, writer, locatorHash)
	require.NoError(t, err)
	require.Equal(t, protocol.Expired, presence)
	tx.Rollback()

	tx = db.BeginWrite()
	rootHash, err = s.Bump(tx, writer, locatorHash)
	require.NoError(t, err)
	proof = protocol.NewProof(keys, writer, proof.VersionVector.IncrementLocal(writer), rootHash)
	require.NoError(t, s.SaveRoot(tx, protocol.RootNode{Proof: proof}))
	require.NoError(t, tx.Commit())

	tx = db.BeginRead()
	defer tx.Rollback()
	gotBlockId, presence, err := s.FindBlock(tx, writer, locatorHash)
	require.NoError(t, err)
	require.Equal(t, blockId, gotBlockId)
	require.Equal(t, protocol.Present, presence)
}

func TestReceiveRootNode_RejectsBadSignature(t *testing.T) {
	s, db := newTestStore(t)
	_, writer := newTestWriter(t)
	otherKeys, _ := newTestWriter(t)

	proof := protocol.NewProof(otherKeys, writer, vv.New().IncrementLocal(writer), randHash(t, 1))

	tx := db.BeginWrite()
	defer tx.Rollback()
	err := s.ReceiveRootNode(tx, protocol.RootNode{Proof: proof})
	require.ErrorIs(t, err, ErrInvalidProof)
}

func TestReceiveInnerNodes_RejectsHashMismatch(t *testing.T) {
	s, db := newTestStore(t)
	tx := db.BeginWrite()
	defer tx.Rollback()

	nodes := map[byte]protocol.InnerNode{
		0: {Hash: randHash(t, 1)},
	}
	err := s.ReceiveInnerNodes(tx, randHash(t, 0xff), nodes)
	require.ErrorIs(t, err, ErrHashMismatch)
}

func TestReceiveInnerNodes_AcceptsMatchingHash(t *testing.T) {
	s, db := newTestStore(t)
	tx := db.BeginWrite()
	defer tx.Rollback()

	nodes := map[byte]protocol.InnerNode{
		0: {Hash: randHash(t, 1)},
		5: {Hash: randHash(t, 2)},
	}
	parentHash := hashInnerGroup(innerGroup(nodes))
	require.NoError(t, s.ReceiveInnerNodes(tx, parentHash, nodes))
}

func TestReceiveLeafNodes_ForcesPresenceMissing(t *testing.T) {
	s, db := newTestStore(t)
	tx := db.BeginWrite()
	defer tx.Rollback()

	leaves := []protocol.LeafNode{
		{LocatorHash: randHash(t, 1), BlockId: randHash(t, 2), Presence: protocol.Present},
	}
	parentHash := hashLeafGroup(leafGroup{leafKey(leaves[0].LocatorHash): leaves[0]})

	require.NoError(t, s.ReceiveLeafNodes(tx, parentHash, leaves))

	g, err := s.loadLeafGroup(tx, parentHash)
	require.NoError(t, err)
	require.Equal(t, protocol.Missing, g[leafKey(leaves[0].LocatorHash)].Presence)
}

func TestReceiveLeafNodes_HashExcludesPresence(t *testing.T) {
	s, db := newTestStore(t)
	tx := db.BeginWrite()
	defer tx.Rollback()

	locatorHash := randHash(t, 3)
	blockId := randHash(t, 4)

	missing := protocol.LeafNode{LocatorHash: locatorHash, BlockId: blockId, Presence: protocol.Missing}
	present := protocol.LeafNode{LocatorHash: locatorHash, BlockId: blockId, Presence: protocol.Present}

	hashOfMissing := hashLeafGroup(leafGroup{leafKey(locatorHash): missing})
	hashOfPresent := hashLeafGroup(leafGroup{leafKey(locatorHash): present})
	require.Equal(t, hashOfMissing, hashOfPresent)

	require.NoError(t, s.ReceiveLeafNodes(tx, hashOfPresent, []protocol.LeafNode{present}))
}

func TestReceiveLeafNodes_DoesNotClobberKnownPresentGroup(t *testing.T) {
	s, db := newTestStore(t)
	keys, writer := newTestWriter(t)
	locatorHash := randHash(t, 13)
	blockId := randHash(t, 14)

	tx := db.BeginWrite()
	rootHash, err := s.InsertBlock(tx, writer, locatorHash, blockId)
	require.NoError(t, err)
	proof := protocol.NewProof(keys, writer, vv.New().IncrementLocal(writer), rootHash)
	require.NoError(t, s.SaveRoot(tx, protocol.RootNode{Proof: proof}))
	require.NoError(t, tx.Commit())

	tx = db.BeginRead()
	root, err := s.CurrentRoot(tx, writer)
	require.NoError(t, err)
	p, leafGroupHash, err := s.descend(tx, root.Proof.RootHash, locatorHash)
	_ = p
	require.NoError(t, err)
	tx.Rollback()

	// Re-receive the same leaf over the wire, claiming Present; our own
	// already-Present copy (set by InsertBlock) must survive untouched.
	tx = db.BeginWrite()
	defer tx.Rollback()
	require.NoError(t, s.ReceiveLeafNodes(tx, leafGroupHash, []protocol.LeafNode{
		{LocatorHash: locatorHash, BlockId: blockId, Presence: protocol.Present},
	}))

	_, presence, err := s.FindBlock(tx, writer, locatorHash)
	require.NoError(t, err)
	require.Equal(t, protocol.Present, presence)
}

func TestFinalize_ApprovesCompleteTree(t *testing.T) {
	s, db := newTestStore(t)
	keys, writer := newTestWriter(t)
	locatorHash := randHash(t, 11)
	blockId := randHash(t, 12)

	tx := db.BeginWrite()
	rootHash, err := s.InsertBlock(tx, writer, locatorHash, blockId)
	require.NoError(t, err)
	proof := protocol.NewProof(keys, writer, vv.New().IncrementLocal(writer), rootHash)
	require.NoError(t, s.SaveRoot(tx, protocol.RootNode{Proof: proof, Summary: protocol.Summary{State: protocol.Incomplete}}))
	require.NoError(t, tx.Commit())

	tx = db.BeginWrite()
	err = s.Finalize(tx, writer, func(protocol.Summary) bool { return true })
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx = db.BeginRead()
	defer tx.Rollback()
	root, err := s.CurrentRoot(tx, writer)
	require.NoError(t, err)
	require.Equal(t, protocol.Approved, root.Summary.State)
}

func TestFinalize_RejectsOverQuota(t *testing.T) {
	s, db := newTestStore(t)
	keys, writer := newTestWriter(t)

	tx := db.BeginWrite()
	rootHash, err := s.InsertBlock(tx, writer, randHash(t, 20), randHash(t, 21))
	require.NoError(t, err)
	proof := protocol.NewProof(keys, writer, vv.New().IncrementLocal(writer), rootHash)
	require.NoError(t, s.SaveRoot(tx, protocol.RootNode{Proof: proof, Summary: protocol.Summary{State: protocol.Incomplete}}))
	require.NoError(t, tx.Commit())

	tx = db.BeginWrite()
	err = s.Finalize(tx, writer, func(protocol.Summary) bool { return false })
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx = db.BeginRead()
	defer tx.Rollback()
	root, err := s.CurrentRoot(tx, writer)
	require.NoError(t, err)
	require.Equal(t, protocol.Rejected, root.Summary.State)
}
