package peer

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// Codec is the injected encode/decode collaborator named in the wire
// protocol spec: Send asks it to turn a wire.Message into bytes, Receive
// asks it to turn bytes back into a wire.Message when the caller wants
// parsed form. Deserialization semantics themselves are out of scope for
// this package — Codec just adapts to whichever library the caller trusts.
type Codec interface {
	Encode(command string, msg wire.Message) ([]byte, error)
	Decode(command string, payload []byte) (wire.Message, error)
}

// BtcdCodec adapts wire.Message's own BtcEncode/BtcDecode methods, covering
// the handful of commands a block fetcher actually needs to speak.
type BtcdCodec struct {
	ProtocolVersion uint32
	Encoding        wire.MessageEncoding
}

// NewBtcdCodec returns a codec using the current wire protocol version and
// base (non-witness) encoding, suitable for getdata/inv/block exchanges.
func NewBtcdCodec() *BtcdCodec {
	return &BtcdCodec{
		ProtocolVersion: wire.ProtocolVersion,
		Encoding:        wire.BaseEncoding,
	}
}

func (c *BtcdCodec) Encode(command string, msg wire.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := msg.BtcEncode(&buf, c.ProtocolVersion, c.Encoding); err != nil {
		return nil, fmt.Errorf("peer: encode %s: %w", command, err)
	}
	return buf.Bytes(), nil
}

func (c *BtcdCodec) Decode(command string, payload []byte) (wire.Message, error) {
	msg, err := emptyMessage(command)
	if err != nil {
		return nil, err
	}
	if err := msg.BtcDecode(bytes.NewReader(payload), c.ProtocolVersion, c.Encoding); err != nil {
		return nil, fmt.Errorf("peer: decode %s: %w", command, err)
	}
	return msg, nil
}

// emptyMessage constructs a zero-value wire.Message for the commands this
// system exchanges. Unlike btcd's own (unexported) equivalent, this only
// needs to cover the handshake and block-fetch vocabulary: wallet- and
// mempool-relay-only commands are intentionally absent.
func emptyMessage(command string) (wire.Message, error) {
	switch command {
	case wire.CmdVersion:
		return &wire.MsgVersion{}, nil
	case wire.CmdVerAck:
		return &wire.MsgVerAck{}, nil
	case wire.CmdInv:
		return &wire.MsgInv{}, nil
	case wire.CmdGetData:
		return &wire.MsgGetData{}, nil
	case wire.CmdNotFound:
		return &wire.MsgNotFound{}, nil
	case wire.CmdBlock:
		return &wire.MsgBlock{}, nil
	case wire.CmdPing:
		return &wire.MsgPing{}, nil
	case wire.CmdPong:
		return &wire.MsgPong{}, nil
	default:
		return nil, fmt.Errorf("peer: unhandled command %q", command)
	}
}
