package block

import (
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ouisync/crypto"
	"github.com/luxfi/ouisync/store"
)

func testId(t *testing.T, seed byte) ids.ID {
	t.Helper()
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = seed
	}
	id, err := ids.ToID(buf)
	require.NoError(t, err)
	return id
}

func TestWriteReadRemove(t *testing.T) {
	db := store.New(memdb.New())
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	s := New()

	id := testId(t, 1)
	nonce, err := crypto.NewBlockNonce()
	require.NoError(t, err)
	ciphertext := []byte("encrypted-block-contents")

	tx := db.BeginWrite()
	require.NoError(t, s.Write(tx, id, nonce, ciphertext))
	require.NoError(t, tx.Commit())

	tx = db.BeginRead()
	ok, err := s.Exists(tx, id)
	require.NoError(t, err)
	require.True(t, ok)
	gotNonce, gotCiphertext, err := s.Read(tx, id)
	require.NoError(t, err)
	require.Equal(t, nonce, gotNonce)
	require.Equal(t, ciphertext, gotCiphertext)
	tx.Rollback()

	tx = db.BeginWrite()
	require.NoError(t, s.Remove(tx, id))
	require.NoError(t, tx.Commit())

	tx = db.BeginRead()
	defer tx.Rollback()
	ok, err = s.Exists(tx, id)
	require.NoError(t, err)
	require.False(t, ok)
	_, _, err = s.Read(tx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnreachableMarking(t *testing.T) {
	db := store.New(memdb.New())
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	s := New()

	a, b := testId(t, 1), testId(t, 2)

	tx := db.BeginWrite()
	require.NoError(t, s.MarkUnreachable(tx, a))
	require.NoError(t, s.MarkUnreachable(tx, b))
	require.NoError(t, tx.Commit())

	tx = db.BeginRead()
	var seen []ids.ID
	require.NoError(t, s.IterateUnreachable(tx, func(id ids.ID) error {
		seen = append(seen, id)
		return nil
	}))
	require.ElementsMatch(t, []ids.ID{a, b}, seen)
	tx.Rollback()

	tx = db.BeginWrite()
	require.NoError(t, s.UnmarkUnreachable(tx, a))
	require.NoError(t, tx.Commit())

	tx = db.BeginRead()
	defer tx.Rollback()
	seen = nil
	require.NoError(t, s.IterateUnreachable(tx, func(id ids.ID) error {
		seen = append(seen, id)
		return nil
	}))
	require.Equal(t, []ids.ID{b}, seen)
}
