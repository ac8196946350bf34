// Package peer implements the framed Bitcoin P2P message transport: one
// ordered byte stream in, one ordered byte stream out, with network magic,
// payload size, and checksum validated on every inbound frame.
package peer

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/log"
)

// Peer owns one TCP-like byte-stream pair and frames/unframes Bitcoin P2P
// messages on it. It is stateless beyond byte counters and the read-side
// serialization lock described in the wire protocol's receive contract.
type Peer struct {
	conn  io.ReadWriteCloser
	magic wire.BitcoinNet
	codec Codec

	maxMsgSize uint32

	readMu sync.Mutex

	bytesRead    uint64
	bytesWritten uint64

	log log.Logger
	id  string
}

// Option configures a Peer at construction time.
type Option func(*Peer)

// WithMaxMsgSize overrides DefaultMaxMsgSize.
func WithMaxMsgSize(n uint32) Option {
	return func(p *Peer) { p.maxMsgSize = n }
}

// WithCodec overrides the default BtcdCodec.
func WithCodec(c Codec) Option {
	return func(p *Peer) { p.codec = c }
}

// WithLogger attaches a logger; defaults to a no-context root logger tagged
// with the peer's id.
func WithLogger(l log.Logger) Option {
	return func(p *Peer) { p.log = l }
}

// New wraps conn as a Peer speaking the given network magic.
func New(id string, conn io.ReadWriteCloser, magic wire.BitcoinNet, opts ...Option) *Peer {
	p := &Peer{
		conn:       conn,
		magic:      magic,
		codec:      NewBtcdCodec(),
		maxMsgSize: DefaultMaxMsgSize,
		id:         id,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = log.New("peer", id)
	}
	return p
}

// ID returns the identity this peer was constructed with; used as the
// peers_tried set element in the block fetcher.
func (p *Peer) ID() string { return p.id }

func (p *Peer) String() string { return fmt.Sprintf("<Peer %s>", p.id) }

// BytesRead returns the number of payload+header bytes read so far.
func (p *Peer) BytesRead() uint64 { return atomic.LoadUint64(&p.bytesRead) }

// BytesWritten returns the number of payload+header bytes written so far.
func (p *Peer) BytesWritten() uint64 { return atomic.LoadUint64(&p.bytesWritten) }

// Send serializes msg via the codec and writes one complete frame. Writes
// are fire-and-forget from the caller's perspective: backpressure is the
// underlying stream's concern, and no error is reported beyond what the
// stream itself surfaces.
func (p *Peer) Send(command string, msg wire.Message) error {
	payload, err := p.codec.Encode(command, msg)
	if err != nil {
		return err
	}
	if err := writeEnvelope(p.conn, p.magic, command, payload); err != nil {
		return err
	}
	atomic.AddUint64(&p.bytesWritten, uint64(headerSize+len(payload)))
	p.log.Debug("sent message", "command", command, "bytes", headerSize+len(payload))
	return nil
}

// NextRaw suspends until a complete, validated frame is available and
// returns its command name and raw payload, without invoking the codec.
func (p *Peer) NextRaw() (string, []byte, error) {
	hdr, payload, err := p.readFrame()
	if err != nil {
		return "", nil, err
	}
	return hdr.command, payload, nil
}

// NextMessage is NextRaw followed by a codec decode into parsed form.
func (p *Peer) NextMessage() (string, wire.Message, error) {
	hdr, payload, err := p.readFrame()
	if err != nil {
		return "", nil, err
	}
	msg, err := p.codec.Decode(hdr.command, payload)
	if err != nil {
		return hdr.command, nil, err
	}
	return hdr.command, msg, nil
}

// readFrame performs the receive contract of §4.1: read header, validate
// magic and size under the read lock, read the payload under the same
// lock, release the lock, then verify the checksum.
func (p *Peer) readFrame() (*header, []byte, error) {
	p.readMu.Lock()
	hdr, err := readHeader(p.conn, p.magic, p.maxMsgSize)
	if err != nil {
		p.readMu.Unlock()
		return nil, nil, err
	}
	payload := make([]byte, hdr.length)
	if _, err := io.ReadFull(p.conn, payload); err != nil {
		p.readMu.Unlock()
		return nil, nil, err
	}
	p.readMu.Unlock()

	atomic.AddUint64(&p.bytesRead, uint64(headerSize+len(payload)))

	if err := verifyChecksum(hdr, payload); err != nil {
		return nil, nil, err
	}
	p.log.Debug("received message", "command", hdr.command, "bytes", len(payload))
	return hdr, payload, nil
}

// Close closes the underlying stream.
func (p *Peer) Close() error {
	return p.conn.Close()
}
