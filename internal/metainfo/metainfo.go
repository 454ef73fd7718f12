// Package metainfo interprets a decoded bencode tree into torrent metadata,
// computing the infohash from the exact byte span the `info` dictionary
// occupied in the source file.
package metainfo

import (
	"crypto/sha1" //nolint:gosec // infohash is defined as SHA-1 by the protocol
	"io"
	"math"
	"path/filepath"
	"strings"

	"github.com/ab0626/raincore/internal/bencode"
	"github.com/ab0626/raincore/internal/core"
	zbencode "github.com/zeebo/bencode"
)

const hashLen = 20

// File describes one file of a (possibly multi-file) torrent.
type File struct {
	Path   []string // path components, relative to Info.Name
	Length int64
	Offset int64 // cumulative sum of preceding file lengths
}

// FullPath joins Path with the platform separator, rooted at root.
func (f File) FullPath(root string) string {
	parts := append([]string{root}, f.Path...)
	return filepath.Join(parts...)
}

// Info is the decoded `info` dictionary plus derived fields.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      []byte // concatenated 20-byte SHA-1 hashes
	NumPieces   uint32
	Private     bool
	Files       []File
	TotalSize   int64

	// Hash is the SHA-1 of the exact bytes the `info` dictionary occupied
	// in the source buffer.
	Hash [20]byte

	// Bytes is the raw encoded bytes of the `info` dictionary, preserved
	// for resume-state round-tripping.
	Bytes []byte
}

// PieceHash returns the expected SHA-1 hash of piece i.
func (info *Info) PieceHash(i uint32) []byte {
	return info.Pieces[int(i)*hashLen : int(i)*hashLen+hashLen]
}

// PieceLen returns the length in bytes of piece i (the last piece may be
// shorter than PieceLength).
func (info *Info) PieceLen(i uint32) int64 {
	if i == info.NumPieces-1 {
		return info.TotalSize - int64(i)*info.PieceLength
	}
	return info.PieceLength
}

// MetaInfo is a fully decoded .torrent file.
type MetaInfo struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	CreationDate int64
	Comment      string
	CreatedBy    string
	Encoding     string
}

// outer mirrors only the announce-adjacent fields of the top-level
// dictionary; the hash-significant `info` subtree is parsed separately by
// our own bencode decoder so its exact byte span is preserved.
type outer struct {
	RawInfo      zbencode.RawMessage `bencode:"info"`
	Announce     string              `bencode:"announce"`
	AnnounceList [][]string          `bencode:"announce-list"`
	CreationDate int64               `bencode:"creation date"`
	Comment      string              `bencode:"comment"`
	CreatedBy    string              `bencode:"created by"`
	Encoding     string              `bencode:"encoding"`
}

// New decodes a .torrent file from r.
func New(r io.Reader) (*MetaInfo, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(buf)
}

// Parse decodes a .torrent file already read into memory.
func Parse(buf []byte) (*MetaInfo, error) {
	var o outer
	if err := zbencode.DecodeBytes(buf, &o); err != nil {
		return nil, core.Wrap(core.MalformedBencode, err)
	}
	if len(o.RawInfo) == 0 {
		return nil, core.Newf(core.InvalidMetainfo, "no info dict in torrent file")
	}
	info, err := NewInfo(o.RawInfo)
	if err != nil {
		return nil, err
	}
	return &MetaInfo{
		Info:         info,
		Announce:     o.Announce,
		AnnounceList: o.AnnounceList,
		CreationDate: o.CreationDate,
		Comment:      o.Comment,
		CreatedBy:    o.CreatedBy,
		Encoding:     o.Encoding,
	}, nil
}

// GetTrackers returns the tracker tiers of AnnounceList in tier order,
// falling back to a single tier holding the Announce URL when no
// announce-list is present.
func (mi *MetaInfo) GetTrackers() [][]string {
	if len(mi.AnnounceList) > 0 {
		return mi.AnnounceList
	}
	if mi.Announce != "" {
		return [][]string{{mi.Announce}}
	}
	return nil
}

// NewInfo decodes and validates the raw bytes of an `info` dictionary,
// computing its infohash from the exact span our own bencode decoder
// reports -- never from a re-encoding of the tree.
func NewInfo(raw []byte) (*Info, error) {
	root, err := bencode.Decode(raw)
	if err != nil {
		return nil, err
	}
	if root.Kind != bencode.Dict {
		return nil, core.Newf(core.InvalidMetainfo, "info is not a dictionary")
	}

	info := &Info{Bytes: append([]byte(nil), raw[root.Start:root.End]...)}
	info.Hash = sha1.Sum(info.Bytes) //nolint:gosec

	name := root.Get("name")
	if name == nil || !name.IsString() {
		return nil, core.Newf(core.InvalidMetainfo, "missing or invalid name")
	}
	info.Name = name.Text()

	pieceLength := root.Get("piece length")
	if pieceLength == nil || pieceLength.Kind != bencode.Integer || pieceLength.Int <= 0 {
		return nil, core.Newf(core.InvalidMetainfo, "piece length must be a positive integer")
	}
	info.PieceLength = pieceLength.Int

	pieces := root.Get("pieces")
	if pieces == nil || !pieces.IsString() || len(pieces.Bytes())%hashLen != 0 {
		return nil, core.Newf(core.InvalidMetainfo, "pieces must be a multiple of %d bytes", hashLen)
	}
	info.Pieces = append([]byte(nil), pieces.Bytes()...)
	info.NumPieces = uint32(len(info.Pieces) / hashLen)

	if priv := root.Get("private"); priv != nil && priv.Kind == bencode.Integer && priv.Int == 1 {
		info.Private = true
	}

	filesVal := root.Get("files")
	if filesVal == nil {
		length := root.Get("length")
		if length == nil || length.Kind != bencode.Integer {
			return nil, core.Newf(core.InvalidMetainfo, "single-file torrent missing length")
		}
		info.Files = []File{{Path: []string{info.Name}, Length: length.Int}}
	} else {
		if filesVal.Kind != bencode.List {
			return nil, core.Newf(core.InvalidMetainfo, "files must be a list")
		}
		var offset int64
		for _, fv := range filesVal.List {
			lengthVal := fv.Get("length")
			if lengthVal == nil || lengthVal.Kind != bencode.Integer {
				return nil, core.Newf(core.InvalidMetainfo, "file entry missing length")
			}
			pathVal := fv.Get("path")
			if pathVal == nil || pathVal.Kind != bencode.List || len(pathVal.List) == 0 {
				return nil, core.Newf(core.InvalidMetainfo, "file entry missing path")
			}
			var parts []string
			for _, p := range pathVal.List {
				if !p.IsString() {
					return nil, core.Newf(core.InvalidMetainfo, "file path component must be a string")
				}
				comp := p.Text()
				if comp == "" || comp == ".." || filepath.IsAbs(comp) || strings.ContainsRune(comp, filepath.Separator) {
					return nil, core.Newf(core.InvalidMetainfo, "illegal path component %q", comp)
				}
				parts = append(parts, comp)
			}
			info.Files = append(info.Files, File{Path: parts, Length: lengthVal.Int, Offset: offset})
			offset += lengthVal.Int
		}
	}

	for _, f := range info.Files {
		info.TotalSize += f.Length
	}

	wantPieces := uint32(0)
	if info.TotalSize > 0 {
		wantPieces = uint32(math.Ceil(float64(info.TotalSize) / float64(info.PieceLength)))
	}
	if wantPieces != info.NumPieces {
		return nil, core.Newf(core.InvalidMetainfo, "piece count %d disagrees with ceil(total_size/piece_length)=%d", info.NumPieces, wantPieces)
	}
	if info.NumPieces > 0 {
		last := info.TotalSize - int64(info.NumPieces-1)*info.PieceLength
		if last <= 0 || last > info.PieceLength {
			return nil, core.Newf(core.InvalidMetainfo, "invalid last piece length %d", last)
		}
	}

	return info, nil
}
