// Package repository wires the index, block store, tracker, and network
// client/server stack together into one replicated repository instance
// (spec.md §4.2, §5.10, §6): it owns the branches sharing a RepositoryId,
// enforces the access mode a caller opened it under, runs per-peer
// Client/Server sessions, and drives the coalesced scan/merge/prune/trash
// background jobs.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/luxfi/ouisync/block"
	"github.com/luxfi/ouisync/block/tracker"
	"github.com/luxfi/ouisync/branch"
	"github.com/luxfi/ouisync/config"
	"github.com/luxfi/ouisync/crypto"
	"github.com/luxfi/ouisync/index"
	"github.com/luxfi/ouisync/network"
	"github.com/luxfi/ouisync/protocol"
	"github.com/luxfi/ouisync/store"
)

// ErrNoWriteAccess is returned by any operation that requires a local
// writer branch (spec.md §6's Write access mode) when the Repository was
// opened Blind or Read.
var ErrNoWriteAccess = errors.New("repository: opened without write access")

// ErrNoReadAccess reports that the Repository was opened Blind, without
// the key needed to decrypt locators or block content. No function in
// this package returns it.
var ErrNoReadAccess = errors.New("repository: opened without read access")

// Config bounds a Repository's resource usage.
type Config struct {
	// Quota is the maximum number of bytes of Present blocks a branch's
	// approved snapshot may reference, 0 meaning unlimited (spec.md §4
	// "Quota, expiration, GC").
	Quota uint64

	// PruneInterval governs how often the trash/GC job runs on a timer;
	// values below one minute are treated as one minute. TriggerPrune
	// also runs the job on demand.
	PruneInterval time.Duration

	// ChokerSlots bounds how many peer connections are served
	// concurrently (spec.md §4.5).
	ChokerSlots int
}

// DefaultConfig returns sane defaults: no quota, a five-minute GC tick,
// and four concurrently served peers.
func DefaultConfig() Config {
	return Config{PruneInterval: 5 * time.Minute, ChokerSlots: 4}
}

// peerSession is one connected peer's Client/Server pair and the
// goroutines driving them (spec.md §4.4/§4.5: "one Server and one Client
// per connected peer").
type peerSession struct {
	server   *network.Server
	client   *network.Client
	trackerC *tracker.Client
	cancel   context.CancelFunc
	done     chan error
}

// Repository is one open repository instance: the shared on-disk store,
// the branches known to it, and (for Read/Write access) the keys needed
// to decrypt and, respectively, sign them.
type Repository struct {
	db     *store.DB
	idx    *index.Store
	blocks *block.Store
	trk    *tracker.Tracker
	choker *network.Choker
	cfg    Config
	log    log.Logger

	access      protocol.AccessMode
	readKey     [32]byte
	hasReadKey  bool
	writeKeys   *crypto.WriteKeys
	peerSem     *semaphore.Weighted

	mu           sync.Mutex
	branches     map[protocol.WriterId]*branch.Branch
	localWriter  protocol.WriterId
	hasLocal     bool
	peers        map[ids.NodeID]*peerSession
	broadcasters map[protocol.WriterId]*branchBroadcaster

	metrics   *Metrics
	scanJob   *job
	mergeJob  *job
	pruneJob  *job
	stopOnce  sync.Once
	jobCtx    context.Context
	jobCancel context.CancelFunc
}

// New opens a Repository over backend under the given AccessMode
// (spec.md §6: Blind, Read, or Write). A Write access mode additionally
// establishes this replica's own local branch.
func New(access protocol.AccessMode, db *store.DB, cfg Config, reg prometheus.Registerer, logger log.Logger) (*Repository, error) {
	if logger == nil {
		return nil, fmt.Errorf("repository: logger is required")
	}
	idx := index.New(db)
	trk := tracker.New()

	r := &Repository{
		db:       db,
		idx:      idx,
		blocks:   block.New(),
		trk:      trk,
		choker:   network.NewChoker(maxInt(cfg.ChokerSlots, 1)),
		cfg:      cfg,
		log:      logger,
		access:   access,
		peerSem:  semaphore.NewWeighted(config.DefaultBlockConcurrency),
		branches:     make(map[protocol.WriterId]*branch.Branch),
		peers:        make(map[ids.NodeID]*peerSession),
		broadcasters: make(map[protocol.WriterId]*branchBroadcaster),
	}
	r.metrics = NewMetrics(reg, func() float64 { return float64(trk.Len()) })

	switch a := access.(type) {
	case protocol.Write:
		r.readKey, r.hasReadKey = a.ReadKey, true
		r.writeKeys = a.WriteKeys
		local, err := branch.NewLocal(a.WriteKeys, idx)
		if err != nil {
			return nil, err
		}
		r.branches[local.WriterId()] = local
		r.localWriter, r.hasLocal = local.WriterId(), true
	case protocol.Read:
		r.readKey, r.hasReadKey = a.ReadKey, true
	case protocol.Blind:
		// no key material at all
	default:
		return nil, fmt.Errorf("repository: unknown access mode %T", access)
	}

	r.jobCtx, r.jobCancel = context.WithCancel(context.Background())
	r.scanJob = newJob("scan", logger, r.runScan)
	r.mergeJob = newJob("merge", logger, r.runMerge)
	r.pruneJob = newJob("prune", logger, r.runPrune)
	r.scanJob.Start()
	r.mergeJob.Start()
	r.pruneJob.Start()
	go periodic(r.jobCtx, maxDuration(cfg.PruneInterval, time.Minute), r.pruneJob)

	return r, nil
}

// Id returns this repository's RepositoryId.
func (r *Repository) Id() ids.ID { return r.access.Id() }

// Access returns the AccessMode this Repository was opened under.
func (r *Repository) Access() protocol.AccessMode { return r.access }

// ReadKey returns the repository's read key, if this Repository was
// opened with at least Read access.
func (r *Repository) ReadKey() ([32]byte, bool) { return r.readKey, r.hasReadKey }

// WriteKeys returns the repository's write keypair, if this Repository
// was opened with Write access.
func (r *Repository) WriteKeys() (*crypto.WriteKeys, bool) {
	return r.writeKeys, r.writeKeys != nil
}

// LocalBranch returns this replica's own writable branch, if the
// Repository was opened with Write access.
func (r *Repository) LocalBranch() (*branch.Branch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasLocal {
		return nil, ErrNoWriteAccess
	}
	return r.branches[r.localWriter], nil
}

// Branch returns writer's Branch, creating a read-only remote handle for
// it on first use (spec.md §4.2: "Branches appear the first time a Proof
// from a new writer is accepted").
func (r *Repository) Branch(writer protocol.WriterId) *branch.Branch {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.branches[writer]; ok {
		return b
	}
	b := branch.NewRemote(writer, r.idx)
	r.branches[writer] = b
	return b
}

// Branches returns a snapshot of every writer known to this repository.
func (r *Repository) Branches() []*branch.Branch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*branch.Branch, 0, len(r.branches))
	for _, b := range r.branches {
		out = append(out, b)
	}
	return out
}

// Finalize runs index.Store.Finalize for every known branch, gated by
// this Repository's quota (spec.md §4.1 finalize, §4 "Quota, expiration,
// GC"). It is the function network.Client calls after processing a batch
// of inner/leaf nodes.
func (r *Repository) Finalize(tx *store.Tx) error {
	for _, b := range r.Branches() {
		writer := b.WriterId()
		if err := b.Finalize(tx, func(s protocol.Summary) bool { return r.approve(tx, writer, s) }); err != nil {
			return err
		}
		// Notifying unconditionally on every finalize pass is safe:
		// Subscription's pulse is coalesced and lossy by design (spec.md
		// §5.10), so a spurious wake just costs the subscriber one cheap
		// re-read of state that turns out unchanged.
		r.notifyBranch(writer)
	}
	return nil
}

// approve is the quota gate passed to branch.Finalize (spec.md §4.1
// finalize's "quota?" parameter): a snapshot transitioning to Complete is
// Approved only if the total size of its Present blocks is within quota.
func (r *Repository) approve(tx *store.Tx, writer protocol.WriterId, _ protocol.Summary) bool {
	if r.cfg.Quota == 0 {
		return true
	}
	root, err := r.idx.CurrentRoot(tx, writer)
	if err != nil {
		return false
	}
	used, err := r.countPresentBytes(tx, root.Proof.RootHash, 0)
	if err != nil {
		r.log.Warn("quota check failed, rejecting snapshot", "error", err)
		return false
	}
	if used > r.cfg.Quota {
		r.metrics.QuotaRejected.Inc()
		return false
	}
	return true
}

// countPresentBytes walks the subtree rooted at hash, summing
// config.BlockSize for every leaf whose Presence is Present (Missing and
// Expired leaves reference space not currently occupied locally).
func (r *Repository) countPresentBytes(tx *store.Tx, hash protocol.Hash, layer int) (uint64, error) {
	if layer == config.InnerLayerCount {
		leaves, err := r.idx.Leaves(tx, hash)
		if err != nil {
			if errors.Is(err, index.ErrParentNodeNotFound) {
				return 0, nil
			}
			return 0, err
		}
		var total uint64
		for _, leaf := range leaves {
			if leaf.Presence == protocol.Present {
				total += config.BlockSize
			}
		}
		return total, nil
	}

	children, err := r.idx.ChildNodes(tx, hash)
	if err != nil {
		if errors.Is(err, index.ErrParentNodeNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var total uint64
	for _, child := range children {
		n, err := r.countPresentBytes(tx, child.Hash, layer+1)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Connect establishes a peer session over transport: a Server answering
// that peer's requests against this repository's store, and a Client
// driving that peer's Responses into it, each running until ctx is done
// or the transport errors (spec.md §4.4/§4.5). RequestRoot is issued for
// every currently known branch so sync starts immediately.
func (r *Repository) Connect(ctx context.Context, peer ids.NodeID, transport protocol.Transport) {
	r.mu.Lock()
	if _, exists := r.peers[peer]; exists {
		r.mu.Unlock()
		return
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	trackerC := r.trk.NewClient()
	client := network.NewClient(transport, r.db, r.idx, r.blocks, trackerC, r.peerSem, r.Finalize, r.log)
	server := network.NewServer(transport, r.db, r.idx, r.blocks, r.choker, r.log)
	sess := &peerSession{server: server, client: client, trackerC: trackerC, cancel: cancel, done: make(chan error, 1)}
	r.peers[peer] = sess
	r.mu.Unlock()

	r.metrics.PeerCount.Inc()

	go func() {
		g, gctx := errgroup.WithContext(sessionCtx)
		g.Go(func() error { return server.Run(gctx) })
		g.Go(func() error { return client.Run(gctx) })
		err := g.Wait()

		server.Close()
		trackerC.Drop()
		r.mu.Lock()
		delete(r.peers, peer)
		r.mu.Unlock()
		r.metrics.PeerCount.Dec()
		sess.done <- err
	}()

	for _, b := range r.Branches() {
		client.RequestRoot(sessionCtx, b.WriterId())
	}
}

// Disconnect tears down peer's session, if any, and waits for it to exit.
func (r *Repository) Disconnect(peer ids.NodeID) {
	r.mu.Lock()
	sess, ok := r.peers[peer]
	r.mu.Unlock()
	if !ok {
		return
	}
	sess.cancel()
	<-sess.done
}

// PeerCount returns the number of currently connected peers.
func (r *Repository) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// NotifyPeers pushes root to every connected peer's Server, coalesced per
// spec.md §4.5's choking rule. Called after a local write publishes a new
// snapshot.
func (r *Repository) NotifyPeers(ctx context.Context, root protocol.RootNode) {
	r.mu.Lock()
	sessions := make([]*peerSession, 0, len(r.peers))
	for _, sess := range r.peers {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.server.NotifyRootChanged(ctx, root); err != nil {
			r.log.Warn("failed to notify peer of root change", "error", err)
			continue
		}
		r.metrics.RootsPushed.Inc()
	}
}

// TriggerScan requests the scan job run again as soon as possible (e.g.
// after a local write, to look for newly-unreachable blocks).
func (r *Repository) TriggerScan() { r.scanJob.Trigger() }

// TriggerMerge requests the merge job run again (e.g. after receiving a
// new root from a peer), which re-runs Finalize over every branch.
func (r *Repository) TriggerMerge() { r.mergeJob.Trigger() }

// TriggerPrune requests the GC/trash job run again (e.g. after Finalize
// rejects a snapshot for quota, to reclaim space promptly).
func (r *Repository) TriggerPrune() { r.pruneJob.Trigger() }

// Close stops every background job and disconnects every peer session.
func (r *Repository) Close() error {
	r.stopOnce.Do(func() {
		r.jobCancel()
		r.scanJob.Stop()
		r.mergeJob.Stop()
		r.pruneJob.Stop()

		r.mu.Lock()
		peers := make([]ids.NodeID, 0, len(r.peers))
		for p := range r.peers {
			peers = append(peers, p)
		}
		r.mu.Unlock()
		for _, p := range peers {
			r.Disconnect(p)
		}
	})
	return r.db.Close()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
