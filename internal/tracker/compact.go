package tracker

import (
	"encoding/binary"
	"net"

	"github.com/ab0626/raincore/internal/core"
)

// Peer is a peer endpoint as returned by a tracker announce: an IPv4
// address and TCP port, with an optional peer-id when the tracker replied
// in dictionary form.
type Peer struct {
	IP     net.IP
	Port   uint16
	PeerID string // empty when only compact form was available
}

// Addr returns the peer as a *net.TCPAddr.
func (p Peer) Addr() *net.TCPAddr {
	return &net.TCPAddr{IP: p.IP, Port: int(p.Port)}
}

const compactPeerLen = 6

// decodeCompactPeers parses the 6-bytes-per-peer compact form: 4 bytes
// big-endian IPv4 followed by 2 bytes big-endian port.
func decodeCompactPeers(b []byte) ([]Peer, error) {
	if len(b)%compactPeerLen != 0 {
		return nil, core.Newf(core.TrackerFailure, "compact peers length %d not a multiple of %d", len(b), compactPeerLen)
	}
	n := len(b) / compactPeerLen
	peers := make([]Peer, n)
	for i := 0; i < n; i++ {
		rec := b[i*compactPeerLen : (i+1)*compactPeerLen]
		ip := make(net.IP, 4)
		copy(ip, rec[0:4])
		port := binary.BigEndian.Uint16(rec[4:6])
		peers[i] = Peer{IP: ip, Port: port}
	}
	return peers, nil
}

// encodeCompactPeers is the inverse of decodeCompactPeers, used by tests
// to verify the round-trip property and available for a future seeding
// tracker-side implementation.
func encodeCompactPeers(peers []Peer) []byte {
	out := make([]byte, 0, len(peers)*compactPeerLen)
	for _, p := range peers {
		ip4 := p.IP.To4()
		out = append(out, ip4...)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], p.Port)
		out = append(out, portBuf[:]...)
	}
	return out
}
