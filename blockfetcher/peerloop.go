package blockfetcher

import (
	"context"
	"errors"
	"io"
	"reflect"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/Dmdv/pycoinnet-go/peer"
)

// batch is the transient claim described in spec.md §3: a list of requests
// claimed atomically under the batch-claim lock, plus the time the
// corresponding getdata was dispatched.
type batch struct {
	claimed []*request
	start   time.Time
}

// getBatch implements the claim algorithm of spec.md §4.2.3: claim up to
// batchSize requests this peer has not yet tried, skipping (and
// re-queueing) ones it has, then send one getdata for the whole claim.
//
// Claiming never holds claimMu across the suspend-take: with pipeline depth
// 2, a second claim on a near-empty queue (e.g. one pending request and two
// peers) would otherwise block while holding the lock, starving every other
// peer's claim, including the one that would requeue the timed-out request.
// Take() already hands each request to exactly one caller and peers_tried
// is guarded per-request, so no global lock is needed for exclusivity here;
// see DESIGN.md.
func (f *Fetcher) getBatch(p *peer.Peer, batchSize int) batch {
	var claimed []*request
	var skipped []*request
	for len(claimed) < batchSize {
		// Stop rather than suspend on Take() once the queue has nothing left
		// and everything we've pulled out this call is either claimed or a
		// skip (already tried by p): the skipped items are only requeued
		// after this loop exits, so blocking here would hold them hostage
		// from every other peer's getBatch indefinitely. Returning now (and
		// requeuing skipped below) lets another peer pick them straight up.
		if f.queue.Empty() && (len(claimed) > 0 || len(skipped) > 0) {
			break
		}
		r, ok := f.queue.Take()
		if !ok {
			break // queue closed
		}
		if !r.eligible() {
			continue // stale requeue or caller canceled: discard
		}
		if r.triedBy(p.ID()) {
			skipped = append(skipped, r)
			continue
		}
		r.markTried(p.ID())
		claimed = append(claimed, r)
	}

	f.claimMu.Lock()
	for _, r := range skipped {
		f.queue.Push(r)
	}
	f.claimMu.Unlock()

	start := time.Now()
	if len(claimed) == 0 {
		return batch{start: start}
	}

	getData := wire.NewMsgGetData()
	for _, r := range claimed {
		hash := r.hash
		if err := getData.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &hash)); err != nil {
			f.log.Error("getdata batch too large for one message", "peer", p.ID(), "err", err)
		}
	}

	if err := p.Send(wire.CmdGetData, getData); err != nil {
		f.log.Error("problem sending getdata", "peer", p.ID(), "err", err)
		for _, r := range claimed {
			f.queue.Push(r)
		}
		return batch{start: start}
	}

	f.log.Debug("dispatched batch", "peer", p.ID(), "size", len(claimed))
	return batch{claimed: claimed, start: start}
}

// peerLoop pipelines two batches against one peer, per spec.md §4.2.4: it
// always keeps one batch being awaited and one freshly claimed, adapting
// batch size to observed throughput.
//
// Three concerns run concurrently here: a background reader pumps every
// inbound message into HandleMsg continuously; claiming batch₂ runs in its
// own goroutine; and this goroutine awaits batch₁'s deliveries or its
// timeout. Claiming batch₂ and awaiting batch₁ must be concurrent, not
// sequential: claiming can itself suspend on an empty queue (nothing left
// to claim until batch₁'s own timeout requeues something), and a strictly
// sequential "claim batch₂, then await batch₁" would deadlock exactly that
// way whenever fewer than two batches' worth of work is outstanding —
// spec.md's own two-peer, one-request timeout scenario is precisely that
// case. Running the claim concurrently preserves "pipeline depth two"
// (batch₂'s getdata can still go out before batch₁ resolves) without ever
// making awaiting batch₁ depend on claiming batch₂ finishing first.
func (f *Fetcher) peerLoop(ctx context.Context, p *peer.Peer) error {
	batchSize := f.cfg.InitialBatchSize
	f.log.Info("starting fetcher loop", "peer", p.ID())

	readErr := make(chan error, 1)
	go f.readLoop(p, readErr)

	b1 := f.getBatch(p, batchSize)
	// handled tracks whether awaitOrTimeout has already requeued b1's
	// unresolved claims (it does so on every one of its exit paths, not only
	// the ones that run its own end-of-wait tail). The defer below must only
	// requeue b1 itself when that hasn't happened yet — e.g. the top-of-loop
	// ctx.Done() exit, which returns before awaitOrTimeout is ever called on
	// the fresh b1 — otherwise a request ends up pushed onto the queue twice.
	handled := false
	defer func() {
		if !handled {
			f.requeueAll(b1.claimed)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		b2ch := make(chan batch, 1)
		go func(size int) { b2ch <- f.getBatch(p, size) }(batchSize)

		completed, err := f.awaitOrTimeout(ctx, b1, f.cfg.MaxBatchTime, readErr)
		handled = true

		// awaitOrTimeout has already requeued whatever it needed to, so the
		// claim goroutine populating b2ch only ever blocks here on a queue
		// that can still receive new work (from that requeue) — it cannot
		// wait forever for a push that never comes.
		var b2 batch
		select {
		case b2 = <-b2ch:
		case <-ctx.Done():
			// The claim goroutine may still be blocked on the queue; let it
			// finish on its own and requeue whatever it eventually claims.
			go func() { f.requeueAll((<-b2ch).claimed) }()
			return nil
		}

		if err != nil {
			f.requeueAll(b2.claimed)
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				f.log.Info("peer disconnected", "peer", p.ID())
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			f.log.Warn("problem with peer", "peer", p.ID(), "err", err)
			return err
		}

		elapsed := time.Since(b1.start)
		f.metrics.BatchDuration.Observe(elapsed.Seconds())
		batchSize = adaptBatchSize(f.cfg, elapsed, completed)
		f.metrics.BatchSize.Set(float64(batchSize))
		f.log.Debug("adapted batch size", "peer", p.ID(), "new_size", batchSize, "elapsed", elapsed)

		b1 = b2
		handled = false
	}
}

// readLoop continuously pulls parsed messages off p and dispatches them to
// HandleMsg, until a read fails. It is the sole reader of p's stream for
// the lifetime of one peerLoop.
func (f *Fetcher) readLoop(p *peer.Peer, errCh chan<- error) {
	for {
		name, msg, err := p.NextMessage()
		if err != nil {
			errCh <- err
			return
		}
		f.HandleMsg(name, msg)
	}
}

// awaitOrTimeout waits for every request in b to resolve, for maxBatchTime
// to elapse since b.start, or for the peer's reader to fail, whichever
// comes first. Unresolved requests are requeued here, via requeueUnresolved,
// on every exit path (not removed from peers_tried, so a retry prefers a
// fresh peer). Returns the number of
// requests that resolved, or a non-nil error if ctx was canceled or the
// reader failed before the deadline.
func (f *Fetcher) awaitOrTimeout(ctx context.Context, b batch, maxBatchTime time.Duration, readErr <-chan error) (int, error) {
	if len(b.claimed) == 0 {
		select {
		case err := <-readErr:
			return 0, err
		default:
			return 0, nil
		}
	}

	pending := make([]*request, 0, len(b.claimed))
	for _, r := range b.claimed {
		if !r.delivery.IsDone() {
			pending = append(pending, r)
		}
	}

	if len(pending) > 0 {
		deadline := time.NewTimer(time.Until(b.start.Add(maxBatchTime)))
		defer deadline.Stop()

		// Build the reflect.Select case list once: one per still-pending
		// delivery, plus the deadline timer, ctx.Done, and readErr.
		cases := make([]reflect.SelectCase, 0, len(pending)+3)
		for _, r := range pending {
			cases = append(cases, reflect.SelectCase{
				Dir:  reflect.SelectRecv,
				Chan: reflect.ValueOf(r.delivery.Done()),
			})
		}
		timerIdx := len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(deadline.C)})
		doneIdx := len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
		errIdx := len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(readErr)})

		for len(pending) > 0 {
			chosen, recv, _ := reflect.Select(cases)
			switch chosen {
			case doneIdx:
				// ctx was canceled mid-wait: this batch's claims must still
				// go back to the queue, the same as any other early exit —
				// otherwise they're stranded on a peer loop that is about to
				// return and never will resolve or requeue them itself.
				f.requeueUnresolved(b.claimed)
				return 0, ctx.Err()
			case errIdx:
				// The peer's reader failed (fatal per spec.md §7): requeue
				// now, before returning, rather than leaving it to the
				// caller. A caller that waits until after also waiting on a
				// second claim (peerLoop's b2ch select) would deadlock that
				// second claim against an empty queue whenever this is the
				// only outstanding work system-wide.
				f.requeueUnresolved(b.claimed)
				err, _ := recv.Interface().(error)
				return 0, err
			case timerIdx:
				pending = nil
			default:
				pending = append(pending[:chosen], pending[chosen+1:]...)
				cases = append(cases[:chosen], cases[chosen+1:]...)
				timerIdx--
				doneIdx--
				errIdx--
			}
		}
	}

	return f.requeueUnresolved(b.claimed), nil
}

// requeueUnresolved pushes every not-yet-resolved request in claimed back
// onto the queue (not removing it from peers_tried, so a retry prefers a
// fresh peer) and reports how many had already resolved. Called from every
// exit path of awaitOrTimeout — normal completion, timeout, ctx cancellation,
// and reader failure alike — so a batch's claims are requeued exactly once,
// regardless of why the wait ended.
func (f *Fetcher) requeueUnresolved(claimed []*request) int {
	completed := 0
	for _, r := range claimed {
		if r.delivery.IsDone() {
			completed++
		} else {
			f.queue.Push(r)
			f.log.Warn("requeuing unresolved request", "priority", r.priority, "hash", r.hash)
		}
	}
	return completed
}

// adaptBatchSize implements spec.md §4.2.4 step (d): grow or shrink the
// next batch toward target_batch_time given how long the last one actually
// took, clamped to [1, MaxBatchSize].
func adaptBatchSize(cfg Config, elapsed time.Duration, completed int) int {
	if completed < 1 {
		completed = 1
	}
	perItem := elapsed / time.Duration(completed)
	if perItem <= 0 {
		return cfg.MaxBatchSize
	}
	size := int(cfg.TargetBatchTime/perItem) + 1
	if size > cfg.MaxBatchSize {
		size = cfg.MaxBatchSize
	}
	if size < 1 {
		size = 1
	}
	return size
}

// requeueAll pushes every still-unresolved request back onto the queue.
// Used when a peer loop exits without completing its in-flight batches;
// per spec.md §9's resolved Open Question, we proactively rescue these
// instead of relying solely on another peer's max-batch-time timeout.
func (f *Fetcher) requeueAll(reqs []*request) {
	for _, r := range reqs {
		if r.eligible() {
			f.queue.Push(r)
		}
	}
}
