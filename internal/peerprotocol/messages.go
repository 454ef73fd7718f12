// Package peerprotocol implements the BitTorrent peer wire protocol:
// message framing, the nine core message types, and the fixed-layout
// handshake.
package peerprotocol

import (
	"encoding/binary"
	"fmt"

	"github.com/ab0626/raincore/internal/core"
)

// MessageID identifies the type of a framed peer message.
type MessageID byte

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// MaxMessageLength bounds the length prefix of an incoming frame, guarding
// against a peer claiming an absurd message size.
const MaxMessageLength = 1 * 1024 * 1024

// Message is any parsed peer wire message, including the zero-length
// keep-alive (represented as KeepAliveMessage).
type Message interface {
	ID() MessageID
}

// KeepAliveMessage is a zero-length frame carrying no message id; it is
// handled before dispatch.
type KeepAliveMessage struct{}

// keepAliveID is what KeepAliveMessage.ID reports; Encode never writes it,
// since a keep-alive has no id byte on the wire.
const keepAliveID MessageID = 0xFF

func (KeepAliveMessage) ID() MessageID { return keepAliveID }

type HaveMessage struct {
	Index uint32
}

func (HaveMessage) ID() MessageID { return Have }

type BitfieldMessage struct {
	Data []byte
}

func (BitfieldMessage) ID() MessageID { return Bitfield }

type RequestMessage struct {
	Index, Begin, Length uint32
}

func (RequestMessage) ID() MessageID { return Request }

type PieceMessage struct {
	Index, Begin uint32
}

func (PieceMessage) ID() MessageID { return Piece }

type CancelMessage struct {
	Index, Begin, Length uint32
}

func (CancelMessage) ID() MessageID { return Cancel }

type ChokeMessage struct{}

func (ChokeMessage) ID() MessageID { return Choke }

type UnchokeMessage struct{}

func (UnchokeMessage) ID() MessageID { return Unchoke }

type InterestedMessage struct{}

func (InterestedMessage) ID() MessageID { return Interested }

type NotInterestedMessage struct{}

func (NotInterestedMessage) ID() MessageID { return NotInterested }

// Encode serializes msg into its wire frame: a 4-byte big-endian length
// prefix (covering the id byte and payload) followed by the id byte and
// payload. KeepAliveMessage encodes as the zero-length frame with no id
// byte.
func Encode(msg Message) []byte {
	if _, ok := msg.(KeepAliveMessage); ok {
		return []byte{0, 0, 0, 0}
	}

	var payload []byte
	switch m := msg.(type) {
	case HaveMessage:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Index)
	case BitfieldMessage:
		payload = m.Data
	case RequestMessage:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
	case CancelMessage:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
	case PieceMessage:
		payload = make([]byte, 8)
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
	case ChokeMessage, UnchokeMessage, InterestedMessage, NotInterestedMessage:
		// no payload
	}

	frame := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(payload)))
	frame[4] = byte(msg.ID())
	copy(frame[5:], payload)
	return frame
}

// EncodePieceHeader returns the length prefix and id+header bytes for a
// piece message whose data block is written separately by the caller
// (avoiding a copy of the block into the frame buffer).
func EncodePieceHeader(index, begin uint32, dataLen int) []byte {
	header := make([]byte, 4+1+8)
	binary.BigEndian.PutUint32(header[0:4], uint32(1+8+dataLen))
	header[4] = byte(Piece)
	binary.BigEndian.PutUint32(header[5:9], index)
	binary.BigEndian.PutUint32(header[9:13], begin)
	return header
}

// Decode parses a single message body (everything after the length prefix,
// so body[0] is the id byte) into a concrete Message. Callers read the
// length-prefixed frame and slice body themselves (see ReadFrame in framing.go).
func Decode(body []byte) (Message, error) {
	if len(body) == 0 {
		return KeepAliveMessage{}, nil
	}
	id := MessageID(body[0])
	payload := body[1:]
	switch id {
	case Choke:
		return ChokeMessage{}, nil
	case Unchoke:
		return UnchokeMessage{}, nil
	case Interested:
		return InterestedMessage{}, nil
	case NotInterested:
		return NotInterestedMessage{}, nil
	case Have:
		if len(payload) != 4 {
			return nil, core.Newf(core.ProtocolViolation, "have message payload length %d, want 4", len(payload))
		}
		return HaveMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case Bitfield:
		return BitfieldMessage{Data: payload}, nil
	case Request:
		if len(payload) != 12 {
			return nil, core.Newf(core.ProtocolViolation, "request message payload length %d, want 12", len(payload))
		}
		return RequestMessage{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case Cancel:
		if len(payload) != 12 {
			return nil, core.Newf(core.ProtocolViolation, "cancel message payload length %d, want 12", len(payload))
		}
		return CancelMessage{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case Piece:
		if len(payload) < 8 {
			return nil, core.Newf(core.ProtocolViolation, "piece message payload length %d, want >= 8", len(payload))
		}
		return PieceMessage{
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
		}, nil
	default:
		return nil, core.Newf(core.ProtocolViolation, "unknown message id %d", id)
	}
}
