// Package dispatch implements the inbound-message multiplexer spec.md §1
// treats as an external collaborator: it reads parsed messages off a peer
// transport and fans each one out to every registered handler.
// blockfetcher.Fetcher reads its own peers' streams and calls its HandleMsg
// itself, so a Dispatcher is not run on a peer handed to Fetcher.AddPeer.
//
// Grounded on tests.interop/base.py's Dispatcher — add_method/handle_msg/
// dispatch_messages — translated into the Go idiom op-node/p2p/sync.go uses
// for its own per-peer receive loop (log.New("peer", id), clean-EOF exit).
package dispatch

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/log"

	"github.com/Dmdv/pycoinnet-go/peer"
)

// Handler receives every message dispatch observes, across every peer it is
// running against. Handlers must not block: they are called synchronously
// from each peer's Run loop, and with several peers running, a handler can
// be called concurrently from more than one of them.
type Handler func(name string, msg wire.Message)

// Dispatcher fans inbound messages from one or more peers out to a shared
// set of handlers. It owns no peers itself: callers hand it a *peer.Peer via
// Run, one goroutine per peer, same as blockfetcher.Fetcher.AddPeer.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[int]Handler
	order    []int
	nextID   int

	log log.Logger
}

// New returns an empty Dispatcher.
func New(l log.Logger) *Dispatcher {
	if l == nil {
		l = log.New("component", "dispatch")
	}
	return &Dispatcher{handlers: make(map[int]Handler), log: l}
}

// AddHandler registers h and returns an id RemoveHandler can use to drop it
// later.
func (d *Dispatcher) AddHandler(h Handler) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.handlers[id] = h
	d.order = append(d.order, id)
	return id
}

// RemoveHandler drops the handler registered under id, if any.
func (d *Dispatcher) RemoveHandler(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, id)
}

// Dispatch calls every currently-registered handler with (name, msg), in
// registration order. Handlers that panic are recovered and logged so one
// bad handler cannot take down the whole dispatch loop.
func (d *Dispatcher) Dispatch(name string, msg wire.Message) {
	d.mu.Lock()
	snapshot := make([]Handler, 0, len(d.order))
	for _, id := range d.order {
		if h, ok := d.handlers[id]; ok {
			snapshot = append(snapshot, h)
		}
	}
	d.mu.Unlock()

	for _, h := range snapshot {
		d.invoke(h, name, msg)
	}
}

func (d *Dispatcher) invoke(h Handler, name string, msg wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch handler panicked", "command", name, "panic", r)
		}
	}()
	h(name, msg)
}

// readResult is one outcome of a p.NextMessage call, carried over a channel
// so Run can select on it alongside ctx.Done(), the same shape
// blockfetcher.Fetcher.peerLoop uses for its own dedicated read loop.
type readResult struct {
	name string
	msg  wire.Message
	err  error
}

// Run loops p.NextMessage and calls Dispatch for every message received,
// until p's stream ends, ctx is canceled, or a read fails. A clean EOF or
// ctx cancellation is reported as a nil error; any other read error
// propagates, mirroring spec.md §7's UnexpectedEof/fatal split.
func (d *Dispatcher) Run(ctx context.Context, p *peer.Peer) error {
	results := make(chan readResult, 1)
	go func() {
		for {
			name, msg, err := p.NextMessage()
			results <- readResult{name: name, msg: msg, err: err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-results:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) || errors.Is(r.err, io.ErrUnexpectedEOF) {
					d.log.Info("peer stream ended", "peer", p.ID())
					return nil
				}
				return r.err
			}
			d.Dispatch(r.name, r.msg)
		}
	}
}
