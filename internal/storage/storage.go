// Package storage maps (piece index, piece offset, length) triples onto one
// or more files laid out end-to-end on disk, assembling, hash-verifying and
// persisting pieces, and reporting which pieces are owned via a bitmap.
package storage

import (
	"bytes"
	"crypto/sha1" //nolint:gosec
	"os"
	"path/filepath"
	"sync"

	"github.com/ab0626/raincore/internal/bitfield"
	"github.com/ab0626/raincore/internal/core"
	"github.com/ab0626/raincore/internal/logger"
	"github.com/ab0626/raincore/internal/metainfo"
)

// Result is the outcome of an attempt to finalize an assembled piece.
type Result int

const (
	Incomplete Result = iota
	Verified
	Mismatch
)

type fileHandle struct {
	path   string
	length int64
	offset int64 // absolute offset within the concatenated stream
	f      *os.File
}

// assembly is the in-memory state of a piece that has not yet been
// verified and written to disk. Single-writer (the session delivering
// blocks for this piece), single-reader (TryFinalize).
type assembly struct {
	mu       sync.Mutex
	buf      []byte
	have     *bitfield.Bitfield // per-block presence, not per-byte
	blockLen uint32
	length   uint32
}

// Storage owns the open file handles for one torrent's files and the
// in-flight piece assembly buffers.
type Storage struct {
	root  string
	info  *metainfo.Info
	files []*fileHandle

	bitmapMu sync.RWMutex
	bitmap   *bitfield.Bitfield

	assemblyMu sync.Mutex
	assembly   map[uint32]*assembly

	log logger.Logger
}

// New lays out (creating sparse where supported) the files described by
// info under root, rejecting any path component that is empty, "..", or
// absolute.
func New(root string, info *metainfo.Info) (*Storage, error) {
	s := &Storage{
		root:     root,
		info:     info,
		bitmap:   bitfield.New(info.NumPieces),
		assembly: make(map[uint32]*assembly),
		log:      logger.New("storage"),
	}
	var offset int64
	for _, f := range info.Files {
		for _, comp := range f.Path {
			if comp == "" || comp == ".." || filepath.IsAbs(comp) {
				return nil, core.Newf(core.StorageIo, "illegal path component %q", comp)
			}
		}
		full := f.FullPath(root)
		if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
			return nil, core.Wrap(core.StorageIo, err)
		}
		fh, err := os.OpenFile(full, os.O_CREATE|os.O_RDWR, 0640)
		if err != nil {
			return nil, core.Wrap(core.StorageIo, err)
		}
		if err := fh.Truncate(f.Length); err != nil {
			fh.Close()
			return nil, core.Wrap(core.StorageIo, err)
		}
		s.files = append(s.files, &fileHandle{path: full, length: f.Length, offset: offset, f: fh})
		offset += f.Length
	}
	return s, nil
}

// Close releases all open file handles.
func (s *Storage) Close() error {
	var first error
	for _, f := range s.files {
		if err := f.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NumPieces returns the number of pieces in the torrent.
func (s *Storage) NumPieces() uint32 { return s.info.NumPieces }

// PieceLength returns the length in bytes of piece i.
func (s *Storage) PieceLength(i uint32) int64 { return s.info.PieceLen(i) }

// HaveBitmap returns a snapshot copy of the piece-ownership bitmap.
func (s *Storage) HaveBitmap() *bitfield.Bitfield {
	s.bitmapMu.RLock()
	defer s.bitmapMu.RUnlock()
	return s.bitmap.Copy()
}

// SetHave marks piece i as present without re-verifying; used when loading
// resume state.
func (s *Storage) SetHave(i uint32) {
	s.bitmapMu.Lock()
	defer s.bitmapMu.Unlock()
	s.bitmap.Set(i)
}

// regions returns the (file, file-local offset, length) triples that the
// absolute byte range [start, start+length) overlaps, in order.
func (s *Storage) regions(start int64, length int64) []struct {
	fh     *fileHandle
	fOff   int64
	length int64
} {
	var out []struct {
		fh     *fileHandle
		fOff   int64
		length int64
	}
	end := start + length
	for _, f := range s.files {
		fStart := f.offset
		fEnd := f.offset + f.length
		if fEnd <= start || fStart >= end {
			continue
		}
		overlapStart := max64(start, fStart)
		overlapEnd := min64(end, fEnd)
		out = append(out, struct {
			fh     *fileHandle
			fOff   int64
			length int64
		}{fh: f, fOff: overlapStart - fStart, length: overlapEnd - overlapStart})
	}
	return out
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Read reads length bytes starting at blockOffset within piece pieceIndex,
// possibly spanning multiple files. Concurrent reads are permitted.
func (s *Storage) Read(pieceIndex uint32, blockOffset uint32, length uint32) ([]byte, error) {
	pieceOffset := s.pieceByteOffset(pieceIndex)
	start := pieceOffset + int64(blockOffset)
	out := make([]byte, length)
	var written int64
	for _, r := range s.regions(start, int64(length)) {
		buf := make([]byte, r.length)
		if _, err := r.fh.f.ReadAt(buf, r.fOff); err != nil {
			return nil, core.Wrap(core.StorageIo, err)
		}
		copy(out[written:], buf)
		written += r.length
	}
	return out, nil
}

func (s *Storage) pieceByteOffset(i uint32) int64 {
	return int64(i) * s.info.PieceLength
}

// WriteBlock buffers a downloaded block into the in-memory assembly slot
// for pieceIndex, creating it on first use. The block is only marked
// present when it covers the full expected block at that offset -- a
// short write (the caller delivering fewer bytes than the block's nominal
// length) leaves the block unmarked so TryFinalize correctly reports
// Incomplete instead of hashing a partially-written buffer.
func (s *Storage) WriteBlock(pieceIndex uint32, blockOffset uint32, data []byte) error {
	a := s.assemblyFor(pieceIndex)
	a.mu.Lock()
	defer a.mu.Unlock()
	if blockOffset+uint32(len(data)) > a.length {
		return core.Newf(core.ProtocolViolation, "block out of piece bounds: piece %d offset %d len %d", pieceIndex, blockOffset, len(data))
	}
	copy(a.buf[blockOffset:], data)
	expected := uint32(blockSize)
	if blockOffset+blockSize > a.length {
		expected = a.length - blockOffset
	}
	if uint32(len(data)) == expected {
		a.have.Set(blockOffset / blockSize)
	}
	return nil
}

func (s *Storage) assemblyFor(pieceIndex uint32) *assembly {
	s.assemblyMu.Lock()
	defer s.assemblyMu.Unlock()
	if a, ok := s.assembly[pieceIndex]; ok {
		return a
	}
	length := uint32(s.info.PieceLen(pieceIndex))
	numBlocks := (length + blockSize - 1) / blockSize
	a := &assembly{
		buf:      make([]byte, length),
		have:     bitfield.New(numBlocks),
		blockLen: blockSize,
		length:   length,
	}
	s.assembly[pieceIndex] = a
	return a
}

const blockSize = 16 * 1024

// allBlocksPresent reports whether every block of a piece's assembly slot
// has arrived.
func (a *assembly) allBlocksPresent() bool {
	return a.have.All()
}

// TryFinalize checks whether every block of pieceIndex has been written; if
// so it hashes the assembled buffer, compares to the expected hash, and on
// a match scatter-writes it to disk and flips the ownership bit. On
// mismatch the assembled bytes are discarded so the piece can be
// redownloaded.
func (s *Storage) TryFinalize(pieceIndex uint32) (Result, error) {
	s.assemblyMu.Lock()
	a, ok := s.assembly[pieceIndex]
	s.assemblyMu.Unlock()
	if !ok {
		return Incomplete, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.allBlocksPresent() {
		return Incomplete, nil
	}

	sum := sha1.Sum(a.buf) //nolint:gosec
	expected := s.info.PieceHash(pieceIndex)
	if !bytes.Equal(sum[:], expected) {
		s.discardAssembly(pieceIndex)
		return Mismatch, nil
	}

	pieceOffset := s.pieceByteOffset(pieceIndex)
	var written int64
	for _, r := range s.regions(pieceOffset, int64(a.length)) {
		chunk := a.buf[written : written+r.length]
		if _, err := r.fh.f.WriteAt(chunk, r.fOff); err != nil {
			return Incomplete, core.Wrap(core.StorageIo, err)
		}
		written += r.length
	}

	s.bitmapMu.Lock()
	s.bitmap.Set(pieceIndex)
	s.bitmapMu.Unlock()

	s.assemblyMu.Lock()
	delete(s.assembly, pieceIndex)
	s.assemblyMu.Unlock()

	return Verified, nil
}

// discardAssembly resets a piece's assembly slot to empty, keeping it
// addressable (the piece is still "needed") but without any buffered
// bytes, so a fresh download restarts clean. Caller must hold a.mu.
func (s *Storage) discardAssembly(pieceIndex uint32) {
	s.assemblyMu.Lock()
	a := s.assembly[pieceIndex]
	s.assemblyMu.Unlock()
	if a == nil {
		return
	}
	for i := range a.buf {
		a.buf[i] = 0
	}
	a.have = bitfield.New(a.have.Len())
}

// Dest returns the root download directory, mirroring the teacher's
// filestorage.FileStorage.Dest accessor.
func (s *Storage) Dest() string { return s.root }
