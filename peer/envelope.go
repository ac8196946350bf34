package peer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// DefaultMaxMsgSize is the largest payload this transport will accept,
// matching the historical Bitcoin Core P2P message size cap.
const DefaultMaxMsgSize = 2 * 1024 * 1024

// headerSize is magic(4) + command(12) + length(4) + checksum(4).
const headerSize = 24

const commandSize = 12

var (
	// ErrBadMagic is returned when the leading 4 bytes of a frame don't match
	// the configured network magic.
	ErrBadMagic = errors.New("peer: bad network magic")
	// ErrMessageTooLarge is returned when a declared payload length exceeds
	// the configured maximum, checked before the payload is read.
	ErrMessageTooLarge = errors.New("peer: message too large")
	// ErrBadChecksum is returned when the trailing double-SHA256 checksum
	// does not match the received payload.
	ErrBadChecksum = errors.New("peer: bad checksum")
)

type header struct {
	magic    wire.BitcoinNet
	command  string
	length   uint32
	checksum [4]byte
}

// writeEnvelope assembles and writes one framed message: magic, zero-padded
// command, little-endian payload length, checksum, payload.
func writeEnvelope(w io.Writer, magic wire.BitcoinNet, command string, payload []byte) error {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(magic))

	var cmd [commandSize]byte
	copy(cmd[:], command)
	copy(buf[4:16], cmd[:])

	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(payload)))

	checksum := chainhash.DoubleHashB(payload)
	copy(buf[20:24], checksum[:4])

	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readHeader reads and validates the 24-byte frame header, short-circuiting
// on MessageTooLarge before any payload bytes are read.
func readHeader(r io.Reader, magic wire.BitcoinNet, maxMsgSize uint32) (*header, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	gotMagic := wire.BitcoinNet(binary.LittleEndian.Uint32(buf[0:4]))
	if gotMagic != magic {
		return nil, fmt.Errorf("%w: got %08x want %08x", ErrBadMagic, gotMagic, magic)
	}

	cmd := trimCommand(buf[4:16])
	length := binary.LittleEndian.Uint32(buf[16:20])
	if length > maxMsgSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, length, maxMsgSize)
	}

	var checksum [4]byte
	copy(checksum[:], buf[20:24])

	return &header{magic: gotMagic, command: cmd, length: length, checksum: checksum}, nil
}

func trimCommand(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}

func verifyChecksum(h *header, payload []byte) error {
	checksum := chainhash.DoubleHashB(payload)
	if checksum[0] != h.checksum[0] || checksum[1] != h.checksum[1] ||
		checksum[2] != h.checksum[2] || checksum[3] != h.checksum[3] {
		return fmt.Errorf("%w: got %x want %x", ErrBadChecksum, checksum[:4], h.checksum)
	}
	return nil
}
