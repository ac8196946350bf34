package blockfetcher

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/exp/slices"
)

// Delivery is the single-shot promise returned to callers of FetchBlocks. It
// resolves exactly once, when the matching block arrives from whichever
// peer claimed the request, or never, if no peer ever can.
type Delivery struct {
	mu    sync.Mutex
	done  chan struct{}
	block *wire.MsgBlock

	req *request
}

func newDelivery() *Delivery {
	return &Delivery{done: make(chan struct{})}
}

// resolve completes the delivery exactly once; later calls are no-ops and
// report false, matching the "stale requeue" discard in §4.2.3.
func (d *Delivery) resolve(block *wire.MsgBlock) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.done:
		return false
	default:
		d.block = block
		close(d.done)
		return true
	}
}

// IsDone reports whether the delivery has already resolved.
func (d *Delivery) IsDone() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed exactly when the delivery resolves, so
// callers can select on several deliveries at once.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Wait blocks until the delivery resolves or ctx is done.
func (d *Delivery) Wait(ctx context.Context) (*wire.MsgBlock, error) {
	select {
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.block, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel withdraws the caller's interest in this delivery. A later claim of
// the underlying request will find it canceled and silently discard it,
// the explicit-cancel strategy spec.md §9 names as an alternative to a
// weak-valued map.
func (d *Delivery) Cancel() {
	d.mu.Lock()
	req := d.req
	d.mu.Unlock()
	if req != nil {
		req.cancel()
	}
}

// request is the unit of work tracked by the priority queue and the
// hash->delivery registry: BlockRequest in spec.md §3.
type request struct {
	priority int
	hash     chainhash.Hash
	seq      uint64 // insertion order, breaks priority ties FIFO

	delivery *Delivery

	mu         sync.Mutex
	peersTried map[string]struct{}
	canceled   bool
}

func newRequest(priority int, hash chainhash.Hash, seq uint64) *request {
	r := &request{
		priority:   priority,
		hash:       hash,
		seq:        seq,
		delivery:   newDelivery(),
		peersTried: make(map[string]struct{}),
	}
	r.delivery.req = r
	return r
}

func (r *request) cancel() {
	r.mu.Lock()
	r.canceled = true
	r.mu.Unlock()
}

// eligible reports whether this request is still worth claiming: neither
// resolved nor canceled by its caller.
func (r *request) eligible() bool {
	if r.delivery.IsDone() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.canceled
}

// triedBy reports whether peerID has already been claimed against this
// request, without mutating peersTried.
func (r *request) triedBy(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peersTried[peerID]
	return ok
}

// markTried adds peerID to peersTried. Guarded by r.mu, not a fetcher-wide
// lock: each request can only be in one caller's hands at a time (Take()
// hands it to exactly one goroutine), so per-request exclusivity is
// sufficient — see DESIGN.md's write-up of the batch-claim lock's narrowed
// scope.
func (r *request) markTried(peerID string) {
	r.mu.Lock()
	r.peersTried[peerID] = struct{}{}
	r.mu.Unlock()
}

// triedPeers returns a sorted snapshot of peersTried, for deterministic log
// output.
func (r *request) triedPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.peersTried))
	for id := range r.peersTried {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
