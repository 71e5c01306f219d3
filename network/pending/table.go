// Package pending implements the pending-request table of SPEC_FULL.md
// §5.6/spec.md §4.6: a map from a request's semantic identity to its
// in-flight bookkeeping, used to deduplicate outgoing requests and to time
// out stalled block requests. Index requests (RootNode, ChildNodes) are
// cheap to retry and are allowed to wait indefinitely; only Block requests
// are subject to config.RequestTimeout.
package pending

import (
	"sync"
	"time"

	"github.com/luxfi/ouisync/protocol"
)

// Key is a request's semantic identity: RootNode ⇒ writer id, ChildNodes ⇒
// (hash, disambiguator), Block ⇒ block id (spec.md §4.6).
type Key struct {
	Kind          protocol.RequestKind
	WriterId      protocol.WriterId
	Hash          protocol.Hash
	Disambiguator protocol.Disambiguator
	BlockId       protocol.BlockId
}

// KeyForRequest derives a Key from the parts of req that are actually
// meaningful for its Kind, so two Requests differing only in an unrelated
// field (e.g. Debug) still dedup to the same Key.
func KeyForRequest(req protocol.Request) Key {
	switch req.Kind {
	case protocol.ReqRootNode:
		return Key{Kind: req.Kind, WriterId: req.WriterId}
	case protocol.ReqChildNodes:
		return Key{Kind: req.Kind, Hash: req.Hash, Disambiguator: req.Disambiguator}
	case protocol.ReqBlock:
		return Key{Kind: req.Kind, BlockId: req.BlockId}
	default:
		return Key{Kind: req.Kind}
	}
}

// KeyForResponse derives the Key a Response resolves, so Client can look up
// the pending entry a matching Response completes. Error responses key the
// same as their success counterpart, since they complete the same pending
// request (spec.md §4.4 rule 5: "any *Error response drops the
// corresponding pending request").
func KeyForResponse(resp protocol.Response) (Key, bool) {
	switch resp.Kind {
	case protocol.RespRootNode, protocol.RespRootNodeError:
		return Key{Kind: protocol.ReqRootNode, WriterId: resp.WriterId}, true
	case protocol.RespInnerNodes, protocol.RespLeafNodes, protocol.RespChildNodesError:
		return Key{Kind: protocol.ReqChildNodes, Hash: resp.ParentHash, Disambiguator: resp.Disambiguator}, true
	case protocol.RespBlock, protocol.RespBlockError:
		return Key{Kind: protocol.ReqBlock, BlockId: resp.BlockId}, true
	default:
		return Key{}, false
	}
}

// entry is one in-flight request's bookkeeping.
type entry struct {
	insertedAt time.Time
	timesOut   bool
	release    func()
}

// Table tracks in-flight requests for one peer connection.
type Table struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: make(map[Key]*entry)}
}

// Register records key as pending. Sweep (on timeout) and Clear call
// release when they remove the entry; Resolve returns it to the caller
// instead of calling it. It returns
// false without registering anything if key is already pending (spec.md
// §4.6: "never issue a request for an already-pending key").
//
// timesOut should be true only for Block requests (spec.md §4.6: "a
// background task enforces REQUEST_TIMEOUT for block requests only").
func (t *Table) Register(key Key, timesOut bool, release func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; ok {
		return false
	}
	t.entries[key] = &entry{insertedAt: nowFunc(), timesOut: timesOut, release: release}
	return true
}

// Resolve removes key's entry, if present, and returns its release
// function so the caller can release the permit it held. Called on a
// matching response (spec.md §4.6).
func (t *Table) Resolve(key Key) (func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	delete(t.entries, key)
	return e.release, true
}

// Has reports whether key is currently pending.
func (t *Table) Has(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// Sweep removes every timesOut entry older than timeout, calling each
// one's release function, and returns the keys removed so the caller can
// also unaccept them in the block tracker.
func (t *Table) Sweep(timeout time.Duration) []Key {
	cutoff := nowFunc().Add(-timeout)

	t.mu.Lock()
	var expired []Key
	var releases []func()
	for key, e := range t.entries {
		if e.timesOut && e.insertedAt.Before(cutoff) {
			expired = append(expired, key)
			releases = append(releases, e.release)
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	for _, release := range releases {
		if release != nil {
			release()
		}
	}
	return expired
}

// Clear removes every entry, calling each one's release function. Used
// when a peer connection closes.
func (t *Table) Clear() {
	t.mu.Lock()
	releases := make([]func(), 0, len(t.entries))
	for key, e := range t.entries {
		releases = append(releases, e.release)
		delete(t.entries, key)
	}
	t.mu.Unlock()

	for _, release := range releases {
		if release != nil {
			release()
		}
	}
}

// nowFunc is a seam for tests that exercise Sweep's cutoff logic.
var nowFunc = time.Now
