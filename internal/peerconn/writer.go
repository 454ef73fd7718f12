package peerconn

import (
	"time"

	"github.com/ab0626/raincore/internal/peerprotocol"
)

// writeLoop serializes all outgoing frames behind a single goroutine so
// that no partial frame from one message can interleave with another, and
// sends a keep-alive whenever the connection has otherwise been idle for
// keepAliveInterval.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeC:
			return

		case msg := <-s.sendC:
			frame := peerprotocol.Encode(msg)
			s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if _, err := s.conn.Write(frame); err != nil {
				s.fail(err)
				return
			}
			ticker.Reset(keepAliveInterval)

		case sp := <-s.sendPieceC:
			header := peerprotocol.EncodePieceHeader(sp.msg.Index, sp.msg.Begin, len(sp.data))
			s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if _, err := s.conn.Write(header); err != nil {
				s.fail(err)
				return
			}
			if _, err := s.conn.Write(sp.data); err != nil {
				s.fail(err)
				return
			}
			ticker.Reset(keepAliveInterval)

		case <-ticker.C:
			frame := peerprotocol.Encode(peerprotocol.KeepAliveMessage{})
			s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if _, err := s.conn.Write(frame); err != nil {
				s.fail(err)
				return
			}
		}
	}
}
