// Package tracker implements the HTTP/HTTPS announce client: building the
// announce request, sending it, and parsing the bencoded response into a
// unified peer endpoint list.
package tracker

// Torrent carries the per-announce state the client reports to the
// tracker.
type Torrent struct {
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
}
