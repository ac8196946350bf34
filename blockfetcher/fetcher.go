// Package blockfetcher schedules a prioritized set of block-hash requests
// across an open-ended, dynamically changing pool of peers. Each peer gets
// one long-lived goroutine that pulls batches off a shared priority queue,
// issues a getdata over the peer transport, and resolves delivery promises
// as block messages are routed in through HandleMsg.
package blockfetcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-multierror"

	"github.com/Dmdv/pycoinnet-go/peer"
)

// Tunables named explicitly in spec.md §4.2.4.
const (
	DefaultTargetBatchTime  = 3 * time.Second
	DefaultMaxBatchTime     = 6 * time.Second
	DefaultInitialBatchSize = 10
	DefaultMaxBatchSize     = 500
)

// BlockRequest is one (hash, priority) pair as submitted to FetchBlocks;
// priority is generally the block's expected chain index, lower is more
// urgent.
type BlockRequest struct {
	Hash     chainhash.Hash
	Priority int
}

// Fetcher is the block-fetch scheduler described in spec.md §4.2: a
// priority queue of pending requests plus a registry of in-flight delivery
// promises keyed by block hash, driven by one goroutine per registered
// peer.
type Fetcher struct {
	log log.Logger

	queue *priorityQueue

	claimMu sync.Mutex // serializes bulk re-queue of skipped items; see getBatch

	regMu    sync.Mutex
	registry map[chainhash.Hash]*request

	seq uint64 // atomic insertion counter, feeds FIFO tie-break

	ctx    context.Context
	cancel context.CancelFunc

	peersMu sync.Mutex
	peers   map[string]context.CancelFunc
	wg      sync.WaitGroup

	errMu sync.Mutex
	err   *multierror.Error

	metrics *Metrics
	cfg     Config
}

// Config carries the tunables spec.md §4.2.4 names explicitly. The zero
// value of every field falls back to the spec's defaults.
type Config struct {
	TargetBatchTime  time.Duration
	MaxBatchTime     time.Duration
	InitialBatchSize int
	MaxBatchSize     int
	Metrics          *Metrics
	Logger           log.Logger
}

func (c Config) withDefaults() Config {
	if c.TargetBatchTime <= 0 {
		c.TargetBatchTime = DefaultTargetBatchTime
	}
	if c.MaxBatchTime <= 0 {
		c.MaxBatchTime = DefaultMaxBatchTime
	}
	if c.InitialBatchSize <= 0 {
		c.InitialBatchSize = DefaultInitialBatchSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	return c
}

// New creates a Fetcher. Call Close to stop every peer loop.
func New(ctx context.Context, cfg Config) *Fetcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	l := cfg.Logger
	if l == nil {
		l = log.New("component", "blockfetcher")
	}
	m := cfg.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Fetcher{
		log:      l,
		queue:    newPriorityQueue(),
		registry: make(map[chainhash.Hash]*request),
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[string]context.CancelFunc),
		metrics:  m,
		cfg:      cfg,
	}
}

// FetchBlocks creates and enqueues one BlockRequest per input pair, in
// input order, and returns one Delivery per pair in the same order.
// Duplicate hashes: the later registry insertion wins; both copies stay
// queued but only one Delivery will ever resolve — callers must dedupe
// upstream if that matters to them, exactly as spec.md §4.2.1 specifies.
func (f *Fetcher) FetchBlocks(pairs []BlockRequest) []*Delivery {
	deliveries := make([]*Delivery, len(pairs))
	for i, pair := range pairs {
		seq := atomic.AddUint64(&f.seq, 1)
		r := newRequest(pair.Priority, pair.Hash, seq)

		f.regMu.Lock()
		f.registry[pair.Hash] = r
		f.regMu.Unlock()

		f.queue.Push(r)
		deliveries[i] = r.delivery
	}
	f.metrics.QueueDepth.Add(float64(len(pairs)))
	return deliveries
}

// AddPeer registers peer and spawns its fetcher loop; it returns
// immediately.
func (f *Fetcher) AddPeer(p *peer.Peer) {
	f.peersMu.Lock()
	ctx, cancel := context.WithCancel(f.ctx)
	f.peers[p.ID()] = cancel
	f.wg.Add(1)
	f.peersMu.Unlock()

	go func() {
		defer f.wg.Done()
		err := f.peerLoop(ctx, p)
		f.peersMu.Lock()
		delete(f.peers, p.ID())
		f.peersMu.Unlock()
		if err != nil {
			f.recordErr(fmt.Errorf("peer %s: %w", p.ID(), err))
		}
	}()
}

// HandleMsg is the inbound-dispatch entry point: it must be called for
// every message a registered peer receives. Only "block" messages are
// acted on; everything else is ignored.
func (f *Fetcher) HandleMsg(name string, msg wire.Message) {
	if name != wire.CmdBlock {
		return
	}
	block, ok := msg.(*wire.MsgBlock)
	if !ok {
		return
	}
	hash := block.BlockHash()

	f.regMu.Lock()
	r, ok := f.registry[hash]
	f.regMu.Unlock()
	if !ok {
		f.log.Debug("block arrived for unregistered hash", "hash", hash)
		return
	}
	if !r.eligible() {
		f.forgetIfCurrent(hash, r)
		return
	}
	if r.delivery.resolve(block) {
		f.metrics.BlocksResolved.Inc()
		f.metrics.QueueDepth.Add(-1)
		f.forgetIfCurrent(hash, r)
	}
}

// forgetIfCurrent removes hash from the registry, but only if it still
// points at r: a duplicate-hash FetchBlocks call may have since overwritten
// the entry with a newer request, per the uniqueness invariant in spec.md §3.
func (f *Fetcher) forgetIfCurrent(hash chainhash.Hash, r *request) {
	f.regMu.Lock()
	defer f.regMu.Unlock()
	if f.registry[hash] == r {
		delete(f.registry, hash)
	}
}

// Close cancels every peer loop and waits for them to exit, returning an
// aggregate of any errors they reported other than clean disconnects.
func (f *Fetcher) Close() error {
	f.cancel()
	f.queue.Close()
	f.wg.Wait()
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err.ErrorOrNil()
}

func (f *Fetcher) recordErr(err error) {
	f.errMu.Lock()
	f.err = multierror.Append(f.err, err)
	f.errMu.Unlock()
}
