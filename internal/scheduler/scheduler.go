// Package scheduler implements PieceScheduler: rarest-first piece
// selection, per-peer request pipelining, endgame duplication, and
// verification-failure re-entry. Grounded on the teacher's
// piecedownloader.PieceDownloader request-pipelining shape, generalized
// from "one downloader per piece" to a swarm-wide rarest-first picker.
package scheduler

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/ab0626/raincore/internal/bitfield"
	"github.com/ab0626/raincore/internal/metainfo"
	"github.com/ab0626/raincore/internal/piece"
)

// DefaultPipelineBudget is the default number of outstanding requests
// allowed per unchoked peer.
const DefaultPipelineBudget = 5

// randomEarlyWindow bootstraps piece selection by picking uniformly among
// the first few rarest pieces, instead of always the single rarest, until
// the first piece verifies -- this avoids every peer racing for the exact
// same first piece.
const randomEarlyWindow = 4

// PeerID identifies a connected peer for scheduling purposes. Endpoint
// string (host:port) is a stable enough key even absent a peer-id.
type PeerID string

// Assignment is one block handed out to a specific peer.
type Assignment struct {
	Peer  PeerID
	Block piece.Block
}

type pieceState struct {
	have       *bitfield.Bitfield // per-block, not per-byte
	requested  map[uint32][]PeerID // block index -> peers it was requested from
	verified   bool
	numBlocks  uint32
}

// Scheduler tracks swarm-wide piece/block assignment state for a single
// torrent.
type Scheduler struct {
	mu sync.Mutex

	info   *metainfo.Info
	pieces []piece.Piece

	localBitmap *bitfield.Bitfield
	states      []*pieceState

	peerBitfields map[PeerID]*bitfield.Bitfield
	rarity        []int // connected-peer count per piece index

	pipelineBudget int
	outstanding    map[PeerID]int // count of outstanding requests per peer

	anyVerified bool
	endgame     bool

	rng *rand.Rand
}

// New builds a Scheduler for info, seeded with the pieces already owned
// according to initialBitmap (e.g. loaded from a resume file).
func New(info *metainfo.Info, initialBitmap *bitfield.Bitfield, pipelineBudget int) *Scheduler {
	if pipelineBudget <= 0 {
		pipelineBudget = DefaultPipelineBudget
	}
	if initialBitmap == nil {
		initialBitmap = bitfield.New(info.NumPieces)
	}
	s := &Scheduler{
		info:           info,
		pieces:         make([]piece.Piece, info.NumPieces),
		localBitmap:    initialBitmap,
		states:         make([]*pieceState, info.NumPieces),
		peerBitfields:  make(map[PeerID]*bitfield.Bitfield),
		rarity:         make([]int, info.NumPieces),
		pipelineBudget: pipelineBudget,
		outstanding:    make(map[PeerID]int),
		rng:            rand.New(rand.NewSource(1)),
	}
	var offset int64
	for i := uint32(0); i < info.NumPieces; i++ {
		length := uint32(info.PieceLen(i))
		var hash [20]byte
		copy(hash[:], info.PieceHash(i))
		s.pieces[i] = piece.New(i, offset, length, hash)
		numBlocks := uint32(len(s.pieces[i].Blocks))
		s.states[i] = &pieceState{
			have:      bitfield.New(numBlocks),
			requested: make(map[uint32][]PeerID),
			numBlocks: numBlocks,
			verified:  initialBitmap != nil && initialBitmap.Test(i),
		}
		offset += int64(length)
	}
	if initialBitmap != nil {
		s.anyVerified = initialBitmap.Count() > 0
	}
	return s
}

// AddPeer registers a peer with numPieces-sized bitfield tracking.
func (s *Scheduler) AddPeer(id PeerID, numPieces uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peerBitfields[id]; ok {
		return
	}
	bf := bitfield.New(numPieces)
	s.peerBitfields[id] = bf
}

// RemovePeer drops a peer's rarity contribution and returns its
// outstanding requests to the pool.
func (s *Scheduler) RemovePeer(id PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bf, ok := s.peerBitfields[id]
	if !ok {
		return
	}
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Test(i) {
			s.rarity[i]--
		}
	}
	delete(s.peerBitfields, id)
	s.releasePeerRequestsLocked(id)
	delete(s.outstanding, id)
}

// SetPeerBitfield replaces a peer's known pieces wholesale (on receipt of
// the post-handshake bitfield message) and updates rarity counts.
func (s *Scheduler) SetPeerBitfield(id PeerID, bf *bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.peerBitfields[id]
	if ok {
		for i := uint32(0); i < old.Len(); i++ {
			if old.Test(i) {
				s.rarity[i]--
			}
		}
	}
	s.peerBitfields[id] = bf
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Test(i) {
			s.rarity[i]++
		}
	}
}

// PeerHave records a single `have` announcement, returning true if this
// newly made at least one needed piece available from this peer (the
// caller should then send `interested` if not already).
func (s *Scheduler) PeerHave(id PeerID, index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bf, ok := s.peerBitfields[id]
	if !ok || index >= bf.Len() {
		return false
	}
	if bf.Test(index) {
		return false
	}
	bf.Set(index)
	s.rarity[index]++
	return s.needed(index)
}

// HasNeededPiece reports whether id's known bitfield covers at least one
// piece we haven't verified yet. Used to decide whether to send
// `interested` on receipt of a peer's initial bitfield.
func (s *Scheduler) HasNeededPiece(id PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bf, ok := s.peerBitfields[id]
	if !ok {
		return false
	}
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Test(i) && s.needed(i) {
			return true
		}
	}
	return false
}

func (s *Scheduler) needed(index uint32) bool {
	if index >= uint32(len(s.states)) {
		return false
	}
	return !s.states[index].verified
}

// releasePeerRequestsLocked clears all outstanding request records that
// name id; caller holds s.mu.
func (s *Scheduler) releasePeerRequestsLocked(id PeerID) {
	for _, st := range s.states {
		if st.verified {
			continue
		}
		for block, peers := range st.requested {
			filtered := peers[:0]
			for _, p := range peers {
				if p != id {
					filtered = append(filtered, p)
				}
			}
			if len(filtered) == 0 {
				delete(st.requested, block)
			} else {
				st.requested[block] = filtered
			}
		}
	}
}

// OnChoke returns outstanding requests to the pool for peer id, called
// when that peer chokes us.
func (s *Scheduler) OnChoke(id PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releasePeerRequestsLocked(id)
	s.outstanding[id] = 0
}

// NextRequests returns up to the peer's remaining pipeline budget worth of
// new block assignments for id, whose known pieces are peerBitfield.
// Endgame mode is entered automatically once every needed piece has been
// requested from at least one peer.
func (s *Scheduler) NextRequests(id PeerID) []Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()

	budget := s.pipelineBudget - s.outstanding[id]
	if budget <= 0 {
		return nil
	}

	peerBF := s.peerBitfields[id]
	if peerBF == nil {
		return nil
	}

	order := s.pieceOrderLocked()
	var out []Assignment
	for _, idx := range order {
		if len(out) >= budget {
			break
		}
		if idx >= peerBF.Len() || !peerBF.Test(idx) {
			continue
		}
		st := s.states[idx]
		if st.verified {
			continue
		}
		for blockIdx, blk := range s.pieces[idx].Blocks {
			if len(out) >= budget {
				break
			}
			bi := uint32(blockIdx)
			if st.have.Test(bi) {
				continue
			}
			peers := st.requested[bi]
			if len(peers) > 0 && !s.endgame {
				continue
			}
			if containsPeer(peers, id) {
				continue
			}
			st.requested[bi] = append(peers, id)
			out = append(out, Assignment{Peer: id, Block: blk})
			s.outstanding[id]++
		}
	}

	if len(out) > 0 {
		s.maybeEnterEndgameLocked()
	}
	return out
}

func containsPeer(peers []PeerID, id PeerID) bool {
	for _, p := range peers {
		if p == id {
			return true
		}
	}
	return false
}

// maybeEnterEndgameLocked flips s.endgame once every needed piece has at
// least one outstanding request somewhere.
func (s *Scheduler) maybeEnterEndgameLocked() {
	if s.endgame {
		return
	}
	for idx, st := range s.states {
		if st.verified {
			continue
		}
		for blockIdx := range s.pieces[idx].Blocks {
			bi := uint32(blockIdx)
			if st.have.Test(bi) {
				continue
			}
			if len(st.requested[bi]) == 0 {
				return
			}
		}
	}
	s.endgame = true
}

// pieceOrderLocked returns needed piece indices ordered rarest-first, with
// a random-early-piece bootstrap window before the first piece verifies.
// Caller holds s.mu.
func (s *Scheduler) pieceOrderLocked() []uint32 {
	var needed []uint32
	for i, st := range s.states {
		if !st.verified {
			needed = append(needed, uint32(i))
		}
	}
	sort.Slice(needed, func(a, b int) bool {
		ra, rb := s.rarity[needed[a]], s.rarity[needed[b]]
		if ra != rb {
			return ra < rb
		}
		return needed[a] < needed[b]
	})
	if !s.anyVerified && len(needed) > 1 {
		window := randomEarlyWindow
		if window > len(needed) {
			window = len(needed)
		}
		pick := s.rng.Intn(window)
		needed[0], needed[pick] = needed[pick], needed[0]
	}
	return needed
}

// GotBlock records arrival of a block's data for (pieceIndex, blockOffset)
// from fromPeer, cancelling the request on any other peer it was also
// assigned to (endgame duplication) and returns the list of peers that
// should now receive a `cancel` for this block.
func (s *Scheduler) GotBlock(pieceIndex uint32, blockOffset uint32, fromPeer PeerID) []PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pieceIndex >= uint32(len(s.states)) {
		return nil
	}
	st := s.states[pieceIndex]
	blockIdx := blockOffset / piece.BlockSize
	st.have.Set(blockIdx)
	s.outstanding[fromPeer]--
	if s.outstanding[fromPeer] < 0 {
		s.outstanding[fromPeer] = 0
	}
	others := st.requested[blockIdx]
	var cancelTo []PeerID
	for _, p := range others {
		if p != fromPeer {
			cancelTo = append(cancelTo, p)
			s.outstanding[p]--
			if s.outstanding[p] < 0 {
				s.outstanding[p] = 0
			}
		}
	}
	delete(st.requested, blockIdx)
	return cancelTo
}

// PieceComplete reports whether every block of pieceIndex has arrived
// (ready for Storage.TryFinalize).
func (s *Scheduler) PieceComplete(pieceIndex uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pieceIndex >= uint32(len(s.states)) {
		return false
	}
	return s.states[pieceIndex].have.All()
}

// MarkVerified flips a piece to verified and clears its in-flight state.
func (s *Scheduler) MarkVerified(pieceIndex uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pieceIndex >= uint32(len(s.states)) {
		return
	}
	s.states[pieceIndex].verified = true
	s.anyVerified = true
	s.localBitmap.Set(pieceIndex)
}

// MarkVerificationFailed resets a piece's assembly state so it re-enters
// rarest-first selection, per the spec's verification-failure recovery
// rule.
func (s *Scheduler) MarkVerificationFailed(pieceIndex uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pieceIndex >= uint32(len(s.states)) {
		return
	}
	st := s.states[pieceIndex]
	st.have = bitfield.New(st.numBlocks)
	st.requested = make(map[uint32][]PeerID)
}

// Done reports whether every piece has verified.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if !st.verified {
			return false
		}
	}
	return true
}
