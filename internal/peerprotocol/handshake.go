package peerprotocol

import (
	"bytes"
	"io"

	"github.com/ab0626/raincore/internal/core"
)

// Pstr is the protocol string identifying the wire protocol version.
const Pstr = "BitTorrent protocol"

// HandshakeLength is the fixed 68-byte length of a handshake message:
// 1 (pstrlen) + 19 (pstr) + 8 (reserved) + 20 (info_hash) + 20 (peer_id).
const HandshakeLength = 1 + len(Pstr) + 8 + 20 + 20

// extensionBit is the bit position, counted from the most significant bit
// of the first reserved byte, of the extension protocol flag (BEP 10):
// reserved[5] & 0x10, i.e. bit 43 counting from reserved[0] MSB as bit 0.
const extensionBit = 43

// fastExtensionBit is the bit position of the Fast Extension flag (BEP 6),
// bit 61 counting from reserved[0] MSB as bit 0.
const fastExtensionBit = 61

// Handshake is the decoded 68-byte handshake payload.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// ExtensionProtocol reports whether the BEP 10 extension protocol bit is
// set in the reserved bytes.
func (h Handshake) ExtensionProtocol() bool { return testReservedBit(h.Reserved, extensionBit) }

// FastExtension reports whether the BEP 6 Fast Extension bit is set.
func (h Handshake) FastExtension() bool { return testReservedBit(h.Reserved, fastExtensionBit) }

func testReservedBit(reserved [8]byte, bit int) bool {
	byteIdx := bit / 8
	bitIdx := 7 - (bit % 8)
	return reserved[byteIdx]&(1<<uint(bitIdx)) != 0
}

// SetReservedBit sets bit (0 = MSB of reserved[0]) in reserved.
func SetReservedBit(reserved *[8]byte, bit int) {
	byteIdx := bit / 8
	bitIdx := 7 - (bit % 8)
	reserved[byteIdx] |= 1 << uint(bitIdx)
}

// WriteHandshake writes the 68-byte handshake for infoHash/peerID to w.
func WriteHandshake(w io.Writer, infoHash, peerID [20]byte, reserved [8]byte) error {
	buf := make([]byte, 0, HandshakeLength)
	buf = append(buf, byte(len(Pstr)))
	buf = append(buf, Pstr...)
	buf = append(buf, reserved[:]...)
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)
	_, err := w.Write(buf)
	if err != nil {
		return core.Wrap(core.ConnectTimeout, err)
	}
	return nil
}

// ReadHandshake reads and validates a 68-byte handshake from r. If
// expectedInfoHash is non-nil, a mismatch returns a core.InfoHashMismatch
// error instead of a plain protocol violation, so callers can distinguish
// "wrong torrent" from "garbage peer" without string matching.
func ReadHandshake(r io.Reader, expectedInfoHash *[20]byte) (*Handshake, error) {
	buf := make([]byte, HandshakeLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, core.Wrap(core.ConnectTimeout, err)
	}
	pstrlen := int(buf[0])
	if pstrlen != len(Pstr) {
		return nil, core.Newf(core.ProtocolViolation, "invalid pstrlen %d", pstrlen)
	}
	if !bytes.Equal(buf[1:1+len(Pstr)], []byte(Pstr)) {
		return nil, core.Newf(core.ProtocolViolation, "invalid protocol string %q", buf[1:1+len(Pstr)])
	}

	h := &Handshake{}
	offset := 1 + len(Pstr)
	copy(h.Reserved[:], buf[offset:offset+8])
	offset += 8
	copy(h.InfoHash[:], buf[offset:offset+20])
	offset += 20
	copy(h.PeerID[:], buf[offset:offset+20])

	if expectedInfoHash != nil && h.InfoHash != *expectedInfoHash {
		return nil, core.Newf(core.InfoHashMismatch, "handshake info_hash %x does not match expected %x", h.InfoHash, *expectedInfoHash)
	}
	return h, nil
}
