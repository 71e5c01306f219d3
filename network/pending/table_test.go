package pending

import (
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ouisync/protocol"
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

func TestRegisterDedups(t *testing.T) {
	table := New()
	key := Key{Kind: protocol.ReqBlock, BlockId: testId(t, 1)}

	require.True(t, table.Register(key, true, nil))
	require.False(t, table.Register(key, true, nil))
	require.True(t, table.Has(key))
}

func TestResolveRemovesEntryAndReturnsRelease(t *testing.T) {
	table := New()
	key := Key{Kind: protocol.ReqBlock, BlockId: testId(t, 1)}
	released := false

	require.True(t, table.Register(key, true, func() { released = true }))

	release, ok := table.Resolve(key)
	require.True(t, ok)
	require.False(t, table.Has(key))

	release()
	require.True(t, released)

	_, ok = table.Resolve(key)
	require.False(t, ok)
}

func TestKeyForRequestAndResponseAgree(t *testing.T) {
	writer := testId(t, 2)
	req := protocol.Request{Kind: protocol.ReqRootNode, WriterId: writer}
	resp := protocol.Response{Kind: protocol.RespRootNode, WriterId: writer}

	reqKey := KeyForRequest(req)
	respKey, ok := KeyForResponse(resp)
	require.True(t, ok)
	require.Equal(t, reqKey, respKey)

	errResp := protocol.Response{Kind: protocol.RespRootNodeError, WriterId: writer}
	errKey, ok := KeyForResponse(errResp)
	require.True(t, ok)
	require.Equal(t, reqKey, errKey)
}

func TestKeyForChildNodesAndBlockRequests(t *testing.T) {
	hash := testId(t, 3)
	req := protocol.Request{Kind: protocol.ReqChildNodes, Hash: hash, Disambiguator: protocol.DisambiguateLeaf}
	resp := protocol.Response{Kind: protocol.RespLeafNodes, ParentHash: hash, Disambiguator: protocol.DisambiguateLeaf}

	respKey, ok := KeyForResponse(resp)
	require.True(t, ok)
	require.Equal(t, KeyForRequest(req), respKey)

	blockId := testId(t, 4)
	blockReq := protocol.Request{Kind: protocol.ReqBlock, BlockId: blockId}
	blockResp := protocol.Response{Kind: protocol.RespBlock, BlockId: blockId}
	blockRespKey, ok := KeyForResponse(blockResp)
	require.True(t, ok)
	require.Equal(t, KeyForRequest(blockReq), blockRespKey)
}

func TestSweepTimesOutOnlyExpiredBlockRequests(t *testing.T) {
	table := New()
	blockKey := Key{Kind: protocol.ReqBlock, BlockId: testId(t, 5)}
	rootKey := Key{Kind: protocol.ReqRootNode, WriterId: testId(t, 6)}

	blockReleased := false
	require.True(t, table.Register(blockKey, true, func() { blockReleased = true }))
	require.True(t, table.Register(rootKey, false, func() { t.Fatal("index request must never time out") }))

	realNow := time.Now()
	nowFunc = func() time.Time { return realNow.Add(-2 * time.Second) }
	table.entries[blockKey].insertedAt = realNow.Add(-2 * time.Second)
	nowFunc = func() time.Time { return realNow }
	defer func() { nowFunc = time.Now }()

	expired := table.Sweep(time.Second)
	require.Equal(t, []Key{blockKey}, expired)
	require.True(t, blockReleased)
	require.False(t, table.Has(blockKey))
	require.True(t, table.Has(rootKey))
}

func TestClearReleasesEverything(t *testing.T) {
	table := New()
	key1 := Key{Kind: protocol.ReqBlock, BlockId: testId(t, 7)}
	key2 := Key{Kind: protocol.ReqRootNode, WriterId: testId(t, 8)}

	count := 0
	require.True(t, table.Register(key1, true, func() { count++ }))
	require.True(t, table.Register(key2, false, func() { count++ }))

	table.Clear()
	require.Equal(t, 2, count)
	require.False(t, table.Has(key1))
	require.False(t, table.Has(key2))
}
