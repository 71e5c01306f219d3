package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

func testBlockId(t *testing.T, seed byte) ids.ID {
	t.Helper()
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = seed
	}
	id, err := ids.ToID(buf)
	require.NoError(t, err)
	return id
}

func TestTryAcceptIsExclusive(t *testing.T) {
	tr := New()
	a := tr.NewClient()
	b := tr.NewClient()
	id := testBlockId(t, 1)

	a.Offer(id)
	b.Offer(id)
	require.Equal(t, 2, tr.OfferCount(id))

	require.True(t, a.TryAccept(id))
	require.False(t, b.TryAccept(id))

	// a re-accepting its own already-accepted block is idempotent.
	require.True(t, a.TryAccept(id))
}

func TestCancelFreesSlotForOtherClient(t *testing.T) {
	tr := New()
	a := tr.NewClient()
	b := tr.NewClient()
	id := testBlockId(t, 2)

	a.Offer(id)
	b.Offer(id)
	require.True(t, a.TryAccept(id))
	require.False(t, b.TryAccept(id))

	a.Cancel(id)
	require.False(t, tr.IsAccepted(id))
	require.True(t, b.TryAccept(id))
}

func TestCompleteRemovesBlock(t *testing.T) {
	tr := New()
	a := tr.NewClient()
	id := testBlockId(t, 3)

	a.Offer(id)
	require.True(t, a.TryAccept(id))

	a.Complete(id)
	require.Equal(t, 0, tr.OfferCount(id))
	require.False(t, tr.IsAccepted(id))
	require.False(t, tr.BeingRequired(id))
}

func TestDropReleasesOffersAndAcceptedDownload(t *testing.T) {
	tr := New()
	a := tr.NewClient()
	b := tr.NewClient()
	id := testBlockId(t, 4)

	a.Offer(id)
	b.Offer(id)
	require.True(t, a.TryAccept(id))

	a.Drop()
	require.Equal(t, 1, tr.OfferCount(id))
	require.False(t, tr.IsAccepted(id))
	require.True(t, b.TryAccept(id))
}

func TestRequireUnrequire(t *testing.T) {
	tr := New()
	id := testBlockId(t, 5)

	require.False(t, tr.BeingRequired(id))
	tr.Require(id)
	require.True(t, tr.BeingRequired(id))
	tr.Require(id)
	tr.Unrequire(id)
	require.True(t, tr.BeingRequired(id), "still required once after two Requires and one Unrequire")
	tr.Unrequire(id)
	require.False(t, tr.BeingRequired(id))
}

// TestAcceptBlocksUntilRequired exercises the cancel-safe pull-style
// Accept: a client that has only offered a block, with nothing requiring
// it yet, must block; once the block becomes required, Accept wakes up
// and claims it.
func TestAcceptBlocksUntilRequired(t *testing.T) {
	tr := New()
	c := tr.NewClient()
	id := testBlockId(t, 6)
	c.Offer(id)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	var got ids.ID
	var acceptErr error
	go func() {
		got, acceptErr = c.Accept(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Accept returned before the block was required")
	case <-time.After(50 * time.Millisecond):
	}

	tr.Require(id)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not wake up after Require")
	}
	require.NoError(t, acceptErr)
	require.Equal(t, id, got)
	require.True(t, tr.IsAccepted(id))
}

// TestAcceptIsCancelSafe asserts that a context canceled while Accept is
// waiting returns cleanly without claiming anything.
func TestAcceptIsCancelSafe(t *testing.T) {
	tr := New()
	c := tr.NewClient()
	id := testBlockId(t, 7)
	c.Offer(id)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Accept(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after cancellation")
	}
	require.False(t, tr.IsAccepted(id))

	// The block is still offered and available for another client.
	other := tr.NewClient()
	other.Offer(id)
	tr.Require(id)
	accepted, err := other.Accept(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, accepted)
}

// TestTenClientsOfferExactlyOneAcceptWins is SPEC_FULL.md §8 scenario 4:
// ten clients all offer the same block; exactly one Accept call succeeds
// in claiming it, and the other nine remain blocked (here bounded by a
// timeout, since nothing will ever satisfy them once the sole block is
// taken).
func TestTenClientsOfferExactlyOneAcceptWins(t *testing.T) {
	tr := New()
	id := testBlockId(t, 8)

	const n = 10
	clients := make([]*Client, n)
	for i := range clients {
		clients[i] = tr.NewClient()
		clients[i].Offer(id)
	}
	tr.Require(id)

	var wg sync.WaitGroup
	results := make(chan ids.ID, n)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if got, err := c.Accept(ctx); err == nil {
				results <- got
			}
		}(c)
	}
	wg.Wait()
	close(results)

	won := 0
	for got := range results {
		require.Equal(t, id, got)
		won++
	}
	require.Equal(t, 1, won, "exactly one Accept call should claim the sole offered block")
	require.True(t, tr.IsAccepted(id))
}
