// Package peerconn implements PeerSession: the per-connection protocol
// state machine sitting on top of the peer wire protocol -- handshake,
// choke/interest bookkeeping, remote bitfield tracking, and the framed
// message reader/writer loops.
package peerconn

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ab0626/raincore/internal/bitfield"
	"github.com/ab0626/raincore/internal/core"
	"github.com/ab0626/raincore/internal/logger"
	"github.com/ab0626/raincore/internal/peerprotocol"
)

// Piece wraps a decoded piece message together with its block payload.
// Mirrors the teacher's peerreader.Piece pairing of PieceMessage and Data.
type Piece struct {
	peerprotocol.PieceMessage
	Data []byte
}

const (
	// keepAliveInterval is how often a session sends a keep-alive when
	// otherwise idle.
	keepAliveInterval = 2 * time.Minute
	// idleTimeout is how long a session waits for any message from the
	// peer before dropping the connection.
	idleTimeout = 2 * time.Minute
)

// State is the session's local view of the choke/interest state machine.
type State struct {
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
}

// Session is one established, post-handshake peer connection.
type Session struct {
	conn          net.Conn
	id            [20]byte
	infoHash      [20]byte
	fastExtension bool

	log logger.Logger

	stateMu sync.Mutex
	state   State

	remoteBitfieldMu sync.Mutex
	remoteBitfield   *bitfield.Bitfield
	gotFirstMessage  bool

	sendC   chan peerprotocol.Message
	sendPieceC chan sendPiece
	messagesC chan interface{}
	errC      chan error

	closeC  chan struct{}
	closedC chan struct{}
	once    sync.Once

	lastRecv atomic64
}

type sendPiece struct {
	msg  peerprotocol.RequestMessage
	data []byte
}

// atomic64 wraps an int64 unix-nano timestamp behind a mutex; avoids a
// sync/atomic dependency for what is a low-frequency field.
type atomic64 struct {
	mu sync.Mutex
	v  int64
}

func (a *atomic64) set(v int64) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomic64) get() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// New wraps an already-handshaken connection as a Session. numPieces sizes
// the remote bitfield. id is the remote peer-id read off the handshake.
func New(conn net.Conn, id [20]byte, infoHash [20]byte, numPieces uint32, fastExtension bool, l logger.Logger) *Session {
	s := &Session{
		conn:          conn,
		id:            id,
		infoHash:      infoHash,
		fastExtension: fastExtension,
		log:           l,
		state: State{
			AmChoking:   true,
			PeerChoking: true,
		},
		remoteBitfield: bitfield.New(numPieces),
		sendC:          make(chan peerprotocol.Message, 8),
		sendPieceC:     make(chan sendPiece, 8),
		messagesC:      make(chan interface{}, 64),
		errC:           make(chan error, 1),
		closeC:         make(chan struct{}),
		closedC:        make(chan struct{}),
	}
	return s
}

// ID returns the remote peer-id from the handshake.
func (s *Session) ID() [20]byte { return s.id }

// String implements fmt.Stringer for logging.
func (s *Session) String() string { return s.conn.RemoteAddr().String() }

// Messages returns the channel of decoded, post-handshake messages: one of
// peerprotocol.{Have,Bitfield,Request,Choke,Unchoke,Interested,NotInterested,
// Cancel}Message, or Piece.
func (s *Session) Messages() <-chan interface{} { return s.messagesC }

// Err returns a channel that receives at most one error when the session
// terminates abnormally (framing or protocol violation, idle timeout,
// write failure). Normal close sends nothing.
func (s *Session) Err() <-chan error { return s.errC }

// State returns a copy of the current local state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// RemoteBitfield returns a snapshot copy of the remote's known pieces.
func (s *Session) RemoteBitfield() *bitfield.Bitfield {
	s.remoteBitfieldMu.Lock()
	defer s.remoteBitfieldMu.Unlock()
	return s.remoteBitfield.Copy()
}

// SendMessage queues a non-piece message for the write loop.
func (s *Session) SendMessage(msg peerprotocol.Message) {
	select {
	case s.sendC <- msg:
	case <-s.closeC:
	}
}

// SendPiece queues a response to req whose block payload is data; the
// writer constructs the frame header separately from data to avoid copying
// the block into an intermediate buffer.
func (s *Session) SendPiece(req peerprotocol.RequestMessage, data []byte) {
	select {
	case s.sendPieceC <- sendPiece{msg: req, data: data}:
	case <-s.closeC:
	}
}

// SetAmChoking and the sibling setters below update local state and send
// the corresponding wire message.
func (s *Session) SetAmChoking(choking bool) {
	s.stateMu.Lock()
	changed := s.state.AmChoking != choking
	s.state.AmChoking = choking
	s.stateMu.Unlock()
	if !changed {
		return
	}
	if choking {
		s.SendMessage(peerprotocol.ChokeMessage{})
	} else {
		s.SendMessage(peerprotocol.UnchokeMessage{})
	}
}

func (s *Session) SetAmInterested(interested bool) {
	s.stateMu.Lock()
	changed := s.state.AmInterested != interested
	s.state.AmInterested = interested
	s.stateMu.Unlock()
	if !changed {
		return
	}
	if interested {
		s.SendMessage(peerprotocol.InterestedMessage{})
	} else {
		s.SendMessage(peerprotocol.NotInterestedMessage{})
	}
}

// Close tears down the connection and waits for both loops to exit.
func (s *Session) Close() {
	s.once.Do(func() { close(s.closeC) })
	<-s.closedC
}

// Run starts the reader and writer loops and blocks until either exits or
// ctx is done. Call in its own goroutine.
func (s *Session) Run(ctx context.Context) {
	defer close(s.closedC)

	readerDone := make(chan struct{})
	go func() {
		s.readLoop()
		close(readerDone)
	}()

	writerDone := make(chan struct{})
	go func() {
		s.writeLoop()
		close(writerDone)
	}()

	select {
	case <-ctx.Done():
	case <-s.closeC:
	case <-readerDone:
	case <-writerDone:
	}
	s.once.Do(func() { close(s.closeC) })
	s.conn.Close()
	<-readerDone
	<-writerDone
}

func (s *Session) fail(err error) {
	select {
	case s.errC <- err:
	default:
	}
	s.once.Do(func() { close(s.closeC) })
}

// DialOutbound connects to addr, performs the outbound handshake, and
// returns an established Session. The info hash mismatch case returns a
// core.InfoHashMismatch error without retry.
func DialOutbound(ctx context.Context, addr string, infoHash, ourID [20]byte, numPieces uint32, l logger.Logger) (*Session, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, core.Wrap(core.ConnectTimeout, err)
	}
	return HandshakeOutbound(conn, infoHash, ourID, numPieces, l)
}

// HandshakeOutbound performs the outbound handshake over an
// already-established conn (e.g. one passed through a btconn.Wrapper) and
// returns an established Session.
func HandshakeOutbound(conn net.Conn, infoHash, ourID [20]byte, numPieces uint32, l logger.Logger) (*Session, error) {
	var reserved [8]byte
	if err := peerprotocol.WriteHandshake(conn, infoHash, ourID, reserved); err != nil {
		conn.Close()
		return nil, err
	}
	hs, err := peerprotocol.ReadHandshake(conn, &infoHash)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return New(conn, hs.PeerID, infoHash, numPieces, hs.FastExtension(), l), nil
}

// AcceptInbound performs the inbound handshake on an already-accepted conn.
// lookup resolves an info hash to whether we are serving that torrent (and
// its piece count); a miss closes the connection and returns an
// InfoHashMismatch error.
func AcceptInbound(conn net.Conn, lookup func(infoHash [20]byte) (numPieces uint32, ok bool), ourID [20]byte, l logger.Logger) (*Session, error) {
	hs, err := peerprotocol.ReadHandshake(conn, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	numPieces, ok := lookup(hs.InfoHash)
	if !ok {
		conn.Close()
		return nil, core.Newf(core.InfoHashMismatch, "no torrent for info hash %x", hs.InfoHash)
	}

	var reserved [8]byte
	if err := peerprotocol.WriteHandshake(conn, hs.InfoHash, ourID, reserved); err != nil {
		conn.Close()
		return nil, err
	}

	return New(conn, hs.PeerID, hs.InfoHash, numPieces, hs.FastExtension(), l), nil
}
