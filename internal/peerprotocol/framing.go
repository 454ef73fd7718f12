package peerprotocol

import (
	"encoding/binary"
	"io"

	"github.com/ab0626/raincore/internal/core"
)

// ReadFrame reads a single length-prefixed frame from r: a keep-alive frame
// (length 0) returns a nil, empty body; any other frame returns its body
// (the id byte plus payload) with length capped at MaxMessageLength.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, core.Wrap(core.PeerClosed, err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxMessageLength {
		return nil, core.Newf(core.ProtocolViolation, "frame length %d exceeds maximum %d", length, MaxMessageLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, core.Wrap(core.PeerClosed, err)
	}
	return body, nil
}

// WriteFrame writes a raw length-prefixed frame (id byte plus payload) to w.
func WriteFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return core.Wrap(core.PeerClosed, err)
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	if err != nil {
		return core.Wrap(core.PeerClosed, err)
	}
	return nil
}
