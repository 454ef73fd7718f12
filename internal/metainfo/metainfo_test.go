package metainfo

import (
	"crypto/sha1" //nolint:gosec
	"testing"

	"github.com/ab0626/raincore/internal/bencode"
	"github.com/stretchr/testify/require"
)

func buildTorrent(t *testing.T, infoKeys []string, infoVals map[string]*bencode.Value, announce string) []byte {
	t.Helper()
	info := bencode.NewDict(infoKeys, infoVals)
	root := bencode.NewDict([]string{"announce", "info"}, map[string]*bencode.Value{
		"announce": bencode.NewString([]byte(announce)),
		"info":     info,
	})
	return bencode.Encode(root)
}

func singleFilePayloadHashes(t *testing.T, totalSize, pieceLength int64) []byte {
	t.Helper()
	payload := make([]byte, totalSize)
	for i := range payload {
		payload[i] = byte(i % 128)
	}
	var pieces []byte
	for off := int64(0); off < totalSize; off += pieceLength {
		end := off + pieceLength
		if end > totalSize {
			end = totalSize
		}
		h := sha1.Sum(payload[off:end]) //nolint:gosec
		pieces = append(pieces, h[:]...)
	}
	return pieces
}

func TestNewSingleFileTorrent(t *testing.T) {
	pieces := singleFilePayloadHashes(t, 32768, 16384)
	raw := buildTorrent(t, []string{"name", "piece length", "pieces", "length"}, map[string]*bencode.Value{
		"name":         bencode.NewString([]byte("a.bin")),
		"piece length": bencode.NewInt(16384),
		"pieces":       bencode.NewString(pieces),
		"length":       bencode.NewInt(32768),
	}, "http://tracker.example/announce")

	mi, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "a.bin", mi.Info.Name)
	require.EqualValues(t, 2, mi.Info.NumPieces)
	require.Len(t, mi.Info.Files, 1)
	require.Equal(t, []string{"a.bin"}, mi.Info.Files[0].Path)
	require.EqualValues(t, 32768, mi.Info.TotalSize)
}

func TestLastPieceShortBlock(t *testing.T) {
	pieces := singleFilePayloadHashes(t, 20000, 16384)
	raw := buildTorrent(t, []string{"name", "piece length", "pieces", "length"}, map[string]*bencode.Value{
		"name":         bencode.NewString([]byte("b.bin")),
		"piece length": bencode.NewInt(16384),
		"pieces":       bencode.NewString(pieces),
		"length":       bencode.NewInt(20000),
	}, "http://tracker.example/announce")

	mi, err := Parse(raw)
	require.NoError(t, err)
	require.EqualValues(t, 2, mi.Info.NumPieces)
	require.EqualValues(t, 3616, mi.Info.PieceLen(1))
	require.EqualValues(t, 16384, mi.Info.PieceLen(0))
}

func TestMultiFileStriping(t *testing.T) {
	pieces := make([]byte, 40) // two fake piece hashes, content unchecked here
	filesList := bencode.NewList([]*bencode.Value{
		bencode.NewDict([]string{"length", "path"}, map[string]*bencode.Value{
			"length": bencode.NewInt(8192),
			"path":   bencode.NewList([]*bencode.Value{bencode.NewString([]byte("f0.bin"))}),
		}),
		bencode.NewDict([]string{"length", "path"}, map[string]*bencode.Value{
			"length": bencode.NewInt(12288),
			"path":   bencode.NewList([]*bencode.Value{bencode.NewString([]byte("f1.bin"))}),
		}),
	})
	raw := buildTorrent(t, []string{"name", "piece length", "pieces", "files"}, map[string]*bencode.Value{
		"name":         bencode.NewString([]byte("root")),
		"piece length": bencode.NewInt(16384),
		"pieces":       bencode.NewString(pieces),
		"files":        filesList,
	}, "http://tracker.example/announce")

	mi, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, mi.Info.Files, 2)
	require.EqualValues(t, 0, mi.Info.Files[0].Offset)
	require.EqualValues(t, 8192, mi.Info.Files[1].Offset)
	require.EqualValues(t, 20480, mi.Info.TotalSize)
}

func TestInfoHashFromExactBytesNotReencoding(t *testing.T) {
	// Non-canonical source: dict keys out of lexicographic order in info
	// (`name` precedes `length`).
	raw := []byte("d8:announce3:url4:infod4:name1:a6:lengthi10e12:piece lengthi10e6:pieces20:aaaaaaaaaaaaaaaaaaaaee")
	mi, err := Parse(raw)
	require.NoError(t, err)

	// Recompute expected hash directly from the same raw slice the decoder
	// must have used, independent of canonical re-encoding.
	want := sha1.Sum([]byte("d4:name1:a6:lengthi10e12:piece lengthi10e6:pieces20:aaaaaaaaaaaaaaaaaaaae")) //nolint:gosec
	require.Equal(t, want, mi.Info.Hash)
}

func TestRejectsBadPieceLength(t *testing.T) {
	raw := buildTorrent(t, []string{"name", "piece length", "pieces", "length"}, map[string]*bencode.Value{
		"name":         bencode.NewString([]byte("a.bin")),
		"piece length": bencode.NewInt(0),
		"pieces":       bencode.NewString(make([]byte, 20)),
		"length":       bencode.NewInt(10),
	}, "http://tracker.example/announce")
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestRejectsPieceCountMismatch(t *testing.T) {
	raw := buildTorrent(t, []string{"name", "piece length", "pieces", "length"}, map[string]*bencode.Value{
		"name":         bencode.NewString([]byte("a.bin")),
		"piece length": bencode.NewInt(16384),
		"pieces":       bencode.NewString(make([]byte, 20)), // only 1 piece hash
		"length":       bencode.NewInt(32768),                // needs 2 pieces
	}, "http://tracker.example/announce")
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestRejectsIllegalPathComponents(t *testing.T) {
	filesList := bencode.NewList([]*bencode.Value{
		bencode.NewDict([]string{"length", "path"}, map[string]*bencode.Value{
			"length": bencode.NewInt(1),
			"path":   bencode.NewList([]*bencode.Value{bencode.NewString([]byte(".."))}),
		}),
	})
	raw := buildTorrent(t, []string{"name", "piece length", "pieces", "files"}, map[string]*bencode.Value{
		"name":         bencode.NewString([]byte("root")),
		"piece length": bencode.NewInt(16384),
		"pieces":       bencode.NewString(make([]byte, 20)),
		"files":        filesList,
	}, "http://tracker.example/announce")
	_, err := Parse(raw)
	require.Error(t, err)
}
