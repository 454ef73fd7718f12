package peerconn

import (
	"time"

	"github.com/ab0626/raincore/internal/bitfield"
	"github.com/ab0626/raincore/internal/core"
	"github.com/ab0626/raincore/internal/peerprotocol"
)

// readLoop frames and decodes incoming messages, updates local session
// state for the messages it understands directly (bitfield, have,
// choke/unchoke, interested/not-interested), and forwards every decoded
// message on messagesC for the scheduler to consume.
// Terminates the session on any framing violation, a late bitfield, or
// idleTimeout of silence from the peer.
func (s *Session) readLoop() {
	s.lastRecv.set(time.Now().UnixNano())
	deadlineC := make(chan struct{})
	stopTimer := make(chan struct{})
	go s.idleWatcher(deadlineC, stopTimer)
	defer close(stopTimer)

	for {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		body, err := peerprotocol.ReadFrame(s.conn)
		if err != nil {
			select {
			case <-s.closeC:
				return
			default:
			}
			s.fail(err)
			return
		}
		s.lastRecv.set(time.Now().UnixNano())

		if body == nil { // keep-alive
			continue
		}

		msg, err := peerprotocol.Decode(body)
		if err != nil {
			s.fail(err)
			return
		}

		if err := s.handle(msg, body); err != nil {
			s.fail(err)
			return
		}
	}
}

// idleWatcher is a safety net in addition to the read deadline: if the
// connection's read deadline logic is ever bypassed (e.g. by a test double
// with no deadline support) this still enforces idleTimeout.
func (s *Session) idleWatcher(_ chan struct{}, stop <-chan struct{}) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.closeC:
			return
		case <-t.C:
			last := time.Unix(0, s.lastRecv.get())
			if time.Since(last) > idleTimeout {
				s.fail(core.Newf(core.PeerClosed, "no message from peer in %s", idleTimeout))
				return
			}
		}
	}
}

func (s *Session) handle(msg interface{}, body []byte) error {
	switch m := msg.(type) {
	case peerprotocol.BitfieldMessage:
		s.remoteBitfieldMu.Lock()
		if s.gotFirstMessage {
			s.remoteBitfieldMu.Unlock()
			return core.Newf(core.ProtocolViolation, "bitfield received after first message")
		}
		s.gotFirstMessage = true
		bf, err := bitfield.NewBytes(m.Data, s.remoteBitfield.Len())
		if err != nil {
			s.remoteBitfieldMu.Unlock()
			return err
		}
		s.remoteBitfield = bf
		s.remoteBitfieldMu.Unlock()
		s.messagesC <- m

	case peerprotocol.HaveMessage:
		s.remoteBitfieldMu.Lock()
		s.gotFirstMessage = true
		if m.Index >= s.remoteBitfield.Len() {
			s.remoteBitfieldMu.Unlock()
			return core.Newf(core.ProtocolViolation, "have index %d out of range", m.Index)
		}
		s.remoteBitfield.Set(m.Index)
		s.remoteBitfieldMu.Unlock()
		s.messagesC <- m

	case peerprotocol.ChokeMessage:
		s.gotFirstMessage = true
		s.stateMu.Lock()
		s.state.PeerChoking = true
		s.stateMu.Unlock()
		s.messagesC <- m

	case peerprotocol.UnchokeMessage:
		s.gotFirstMessage = true
		s.stateMu.Lock()
		s.state.PeerChoking = false
		s.stateMu.Unlock()
		s.messagesC <- m

	case peerprotocol.InterestedMessage:
		s.gotFirstMessage = true
		s.stateMu.Lock()
		s.state.PeerInterested = true
		s.stateMu.Unlock()
		s.messagesC <- m

	case peerprotocol.NotInterestedMessage:
		s.gotFirstMessage = true
		s.stateMu.Lock()
		s.state.PeerInterested = false
		s.stateMu.Unlock()
		s.messagesC <- m

	case peerprotocol.RequestMessage:
		s.gotFirstMessage = true
		s.messagesC <- m

	case peerprotocol.CancelMessage:
		s.gotFirstMessage = true
		s.messagesC <- m

	case peerprotocol.PieceMessage:
		s.gotFirstMessage = true
		data := append([]byte(nil), body[9:]...)
		s.messagesC <- Piece{PieceMessage: m, Data: data}

	case peerprotocol.KeepAliveMessage:
		// handled by the body==nil branch in readLoop; unreachable here.

	default:
		return core.Newf(core.ProtocolViolation, "unhandled message type %T", msg)
	}
	return nil
}
