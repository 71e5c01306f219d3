package repository

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ouisync/config"
	"github.com/luxfi/ouisync/crypto"
	ouilog "github.com/luxfi/ouisync/log"
	"github.com/luxfi/ouisync/network/transporttest"
	"github.com/luxfi/ouisync/protocol"
	"github.com/luxfi/ouisync/store"
)

func newTestRepo(t *testing.T, access protocol.AccessMode) *Repository {
	t.Helper()
	db := store.New(memdb.New())
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	cfg := DefaultConfig()
	cfg.PruneInterval = time.Hour
	repo, err := New(access, db, cfg, nil, ouilog.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, repo.Close()) })
	return repo
}

// TestCreateWriteAccessThenOpenByPassword is SPEC_FULL.md §6's round trip:
// a repository created from a password can later be reopened with Write
// access from that same password, and a wrong password is rejected.
func TestCreateWriteAccessThenOpenByPassword(t *testing.T) {
	db := store.New(memdb.New())
	defer db.Close()

	tx := db.BeginWrite()
	access, salt, err := CreateWriteAccess(tx, "correct horse battery staple")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx = db.BeginRead()
	reopened, err := OpenByPassword(tx, access.RepositoryId, "correct horse battery staple", salt)
	require.NoError(t, err)
	tx.Rollback()

	write, ok := reopened.(protocol.Write)
	require.True(t, ok, "reopening with the correct password must yield Write access")
	require.Equal(t, access.ReadKey, write.ReadKey)
	require.Equal(t, access.WriteKeys.Public, write.WriteKeys.Public)

	tx = db.BeginRead()
	_, err = OpenByPassword(tx, access.RepositoryId, "wrong password", salt)
	tx.Rollback()
	require.ErrorIs(t, err, ErrWrongKey)
}

// TestLocalBranchRequiresWriteAccess exercises spec.md §6's access-mode
// gating: only a Repository opened Write has a local writable branch.
func TestLocalBranchRequiresWriteAccess(t *testing.T) {
	repoId := ids.GenerateTestID()

	blind := newTestRepo(t, protocol.Blind{RepositoryId: repoId})
	_, err := blind.LocalBranch()
	require.ErrorIs(t, err, ErrNoWriteAccess)

	var readKey [32]byte
	read := newTestRepo(t, protocol.Read{RepositoryId: repoId, ReadKey: readKey})
	_, err = read.LocalBranch()
	require.ErrorIs(t, err, ErrNoWriteAccess)

	keys, err := crypto.GenerateWriteKeys()
	require.NoError(t, err)
	write := newTestRepo(t, protocol.Write{RepositoryId: repoId, ReadKey: readKey, WriteKeys: keys})
	local, err := write.LocalBranch()
	require.NoError(t, err)
	require.True(t, local.IsLocal())
}

// TestConnectSyncsNewSnapshotAcrossRepositories drives two full Repository
// instances across an in-memory transport, exercising the client/server
// pair, the tracker-backed download workers, and Finalize end to end
// (spec.md §4.4/§4.5, SPEC_FULL.md §8 scenario 1).
func TestConnectSyncsNewSnapshotAcrossRepositories(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keys, err := crypto.GenerateWriteKeys()
	require.NoError(t, err)
	repoId, err := ids.ToID(keys.Public)
	require.NoError(t, err)
	var readKey [32]byte

	writerRepo := newTestRepo(t, protocol.Write{RepositoryId: repoId, ReadKey: readKey, WriteKeys: keys})
	readerRepo := newTestRepo(t, protocol.Read{RepositoryId: repoId, ReadKey: readKey})

	local, err := writerRepo.LocalBranch()
	require.NoError(t, err)

	locator := protocol.Locator{BlobId: ids.GenerateTestID(), BlockIndex: 0}
	locatorHash := locator.Encode(readKey)

	nonce, err := crypto.NewBlockNonce()
	require.NoError(t, err)
	content := make([]byte, config.BlockSize)

	tx := writerRepo.db.BeginWrite()
	blockId := crypto.Hash(content)
	_, err = local.WriteBlock(tx, locatorHash, blockId)
	require.NoError(t, err)
	require.NoError(t, writerRepo.blocks.Write(tx, blockId, nonce, content))
	require.NoError(t, writerRepo.Finalize(tx))
	require.NoError(t, tx.Commit())

	a, b := transporttest.NewPair()
	peerOnWriter := ids.GenerateTestNodeID()
	peerOnReader := ids.GenerateTestNodeID()

	writerRepo.Connect(ctx, peerOnWriter, a)
	readerRepo.Connect(ctx, peerOnReader, b)

	require.Eventually(t, func() bool {
		tx := readerRepo.db.BeginRead()
		defer tx.Rollback()
		id, presence, err := readerRepo.idx.FindBlock(tx, local.WriterId(), locatorHash)
		return err == nil && id == blockId && presence == protocol.Present
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, writerRepo.PeerCount())
	require.Equal(t, 1, readerRepo.PeerCount())
}

// TestSubscribePulsesOnFinalize exercises spec.md §5.10's per-branch event
// broadcast: a Subscription receives a pulse once Finalize runs for its
// writer, and Close stops further delivery.
func TestSubscribePulsesOnFinalize(t *testing.T) {
	repoId := ids.GenerateTestID()
	var readKey [32]byte
	keys, err := crypto.GenerateWriteKeys()
	require.NoError(t, err)

	repo := newTestRepo(t, protocol.Write{RepositoryId: repoId, ReadKey: readKey, WriteKeys: keys})
	local, err := repo.LocalBranch()
	require.NoError(t, err)

	sub := repo.Subscribe(local.WriterId())
	defer sub.Close()

	tx := repo.db.BeginWrite()
	require.NoError(t, repo.Finalize(tx))
	require.NoError(t, tx.Commit())

	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected a pulse after Finalize")
	}

	sub.Close()
	tx = repo.db.BeginWrite()
	require.NoError(t, repo.Finalize(tx))
	require.NoError(t, tx.Commit())

	select {
	case _, ok := <-sub.Events():
		require.False(t, ok, "closed subscription must not deliver further pulses")
	default:
	}
}
