package branch

import (
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ouisync/crypto"
	"github.com/luxfi/ouisync/index"
	"github.com/luxfi/ouisync/protocol"
	"github.com/luxfi/ouisync/store"
)

func newTestBranch(t *testing.T) (*Branch, *store.DB) {
	t.Helper()
	db := store.New(memdb.New())
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	keys, err := crypto.GenerateWriteKeys()
	require.NoError(t, err)
	b, err := NewLocal(keys, index.New(db))
	require.NoError(t, err)
	return b, db
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

func TestWriteBlockPublishesIncrementedSnapshot(t *testing.T) {
	b, db := newTestBranch(t)

	tx := db.BeginWrite()
	root, err := b.WriteBlock(tx, randHash(t, 1), randHash(t, 2))
	require.NoError(t, err)
	require.Equal(t, uint64(1), root.Proof.VersionVector.Get(b.WriterId()))
	require.NoError(t, tx.Commit())

	tx = db.BeginWrite()
	defer tx.Rollback()
	root2, err := b.WriteBlock(tx, randHash(t, 3), randHash(t, 4))
	require.NoError(t, err)
	require.Equal(t, uint64(2), root2.Proof.VersionVector.Get(b.WriterId()))
	require.True(t, root.Proof.VersionVector.Less(root2.Proof.VersionVector))
}

func TestFindBlockAfterWrite(t *testing.T) {
	b, db := newTestBranch(t)
	locatorHash := randHash(t, 5)
	blockId := randHash(t, 6)

	tx := db.BeginWrite()
	_, err := b.WriteBlock(tx, locatorHash, blockId)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx = db.BeginRead()
	defer tx.Rollback()
	gotBlockId, presence, err := b.FindBlock(tx, locatorHash)
	require.NoError(t, err)
	require.Equal(t, blockId, gotBlockId)
	require.Equal(t, protocol.Present, presence)
}

func TestRemoteBranchIsReadOnly(t *testing.T) {
	db := store.New(memdb.New())
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	writer := randHash(t, 9)
	remote := NewRemote(writer, index.New(db))
	require.False(t, remote.IsLocal())

	tx := db.BeginWrite()
	defer tx.Rollback()
	_, err := remote.WriteBlock(tx, randHash(t, 1), randHash(t, 2))
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestBumpNoOpKeepsSameRoot(t *testing.T) {
	b, db := newTestBranch(t)
	locatorHash := randHash(t, 7)

	tx := db.BeginWrite()
	root, err := b.WriteBlock(tx, locatorHash, randHash(t, 8))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx = db.BeginWrite()
	defer tx.Rollback()
	bumped, err := b.Bump(tx, locatorHash)
	require.NoError(t, err)
	require.Equal(t, root.Proof.RootHash, bumped.Proof.RootHash)
	require.Equal(t, root.Proof.VersionVector, bumped.Proof.VersionVector)
}

func TestFinalizeApproves(t *testing.T) {
	b, db := newTestBranch(t)

	tx := db.BeginWrite()
	_, err := b.WriteBlock(tx, randHash(t, 10), randHash(t, 11))
	require.NoError(t, err)
	require.NoError(t, b.Finalize(tx, func(protocol.Summary) bool { return true }))
	require.NoError(t, tx.Commit())

	tx = db.BeginRead()
	defer tx.Rollback()
	root, err := b.CurrentRoot(tx)
	require.NoError(t, err)
	require.Equal(t, protocol.Approved, root.Summary.State)
}
