package peerprotocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		ChokeMessage{},
		UnchokeMessage{},
		InterestedMessage{},
		NotInterestedMessage{},
		HaveMessage{Index: 42},
		BitfieldMessage{Data: []byte{0xFF, 0x00, 0xAB}},
		RequestMessage{Index: 1, Begin: 16384, Length: 16384},
		CancelMessage{Index: 1, Begin: 16384, Length: 16384},
	}
	for _, msg := range cases {
		frame := Encode(msg)
		length := uint32(frame[0])<<24 | uint32(frame[1])<<16 | uint32(frame[2])<<8 | uint32(frame[3])
		require.EqualValues(t, len(frame)-4, length)

		decoded, err := Decode(frame[4:])
		require.NoError(t, err)
		require.Equal(t, msg, decoded)
	}
}

func TestDecodeKeepAlive(t *testing.T) {
	msg, err := Decode(nil)
	require.NoError(t, err)
	require.Equal(t, KeepAliveMessage{}, msg)
}

func TestDecodeRejectsMalformedHave(t *testing.T) {
	body := append([]byte{byte(Have)}, 1, 2, 3)
	_, err := Decode(body)
	require.Error(t, err)
}

func TestDecodeRejectsUnknownID(t *testing.T) {
	_, err := Decode([]byte{200})
	require.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := Encode(HaveMessage{Index: 7})[4:]
	require.NoError(t, WriteFrame(&buf, body))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestReadFrameKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestEncodePieceHeader(t *testing.T) {
	header := EncodePieceHeader(3, 16384, 16384)
	length := uint32(header[0])<<24 | uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3])
	require.EqualValues(t, 1+8+16384, length)
	require.Equal(t, byte(Piece), header[4])
}
