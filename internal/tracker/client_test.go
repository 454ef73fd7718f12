package tracker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeCompactPeersTwoPeers(t *testing.T) {
	raw := []byte{10, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE1}
	peers, err := decodeCompactPeers(raw)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	require.Equal(t, "10.0.0.1", peers[0].IP.String())
	require.EqualValues(t, 6881, peers[0].Port)
	require.Equal(t, "10.0.0.2", peers[1].IP.String())
	require.EqualValues(t, 6881, peers[1].Port)
}

func TestCompactPeerRoundTrip(t *testing.T) {
	peers := []Peer{
		{IP: net.ParseIP("10.0.0.1").To4(), Port: 6881},
		{IP: net.ParseIP("192.168.1.42").To4(), Port: 51413},
	}
	encoded := encodeCompactPeers(peers)
	decoded, err := decodeCompactPeers(encoded)
	require.NoError(t, err)
	require.Equal(t, peers, decoded)
}

func TestDecodeCompactPeersRejectsShortRecord(t *testing.T) {
	_, err := decodeCompactPeers([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestParseResponseCompactForm(t *testing.T) {
	body := []byte("d8:intervali1800e5:peers12:" + string([]byte{10, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE1}) + "e")
	r, err := parseResponse(body)
	require.NoError(t, err)
	require.EqualValues(t, 1800, r.Interval)
	require.Len(t, r.Peers, 2)
	require.Equal(t, "10.0.0.1", r.Peers[0].IP.String())
	require.EqualValues(t, 6881, r.Peers[1].Port)
}

func TestParseResponseDictionaryForm(t *testing.T) {
	body := []byte("d5:peersl" +
		"d2:ip8:10.0.0.17:peer idi0e4:porti6881ee" +
		"d2:ip8:10.0.0.24:porti6882ee" +
		"ee")
	r, err := parseResponse(body)
	require.NoError(t, err)
	require.Len(t, r.Peers, 2)
	require.Equal(t, "10.0.0.1", r.Peers[0].IP.String())
	require.EqualValues(t, 6881, r.Peers[0].Port)
	require.Equal(t, "10.0.0.2", r.Peers[1].IP.String())
	require.EqualValues(t, 6882, r.Peers[1].Port)
}

func TestParseResponseFailureReason(t *testing.T) {
	body := []byte("d14:failure reason17:torrent not founde")
	_, err := parseResponse(body[:len(body)-1])
	require.Error(t, err)

	body = []byte("d14:failure reason17:torrent not founde")
	r, err := parseResponse(body)
	require.NoError(t, err)
	require.Equal(t, "torrent not found", r.FailureReason)
	require.Empty(t, r.Peers)
}

func TestAnnounceBuildsExpectedQueryAndParsesResponse(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotQuery = req.URL.RawQuery
		w.Write([]byte("d8:intervali900e5:peers6:" + string([]byte{10, 0, 0, 1, 0x1A, 0xE1}) + "e"))
	}))
	defer server.Close()

	c := New(0, nil)
	tor := Torrent{
		InfoHash:        [20]byte{1, 2, 3},
		PeerID:          [20]byte{9, 9, 9},
		Port:            6881,
		BytesUploaded:   10,
		BytesDownloaded: 20,
		BytesLeft:       30,
	}
	resp, err := c.Announce(context.Background(), server.URL, tor, 50, EventStarted)
	require.NoError(t, err)
	require.EqualValues(t, 900, resp.Interval)
	require.Len(t, resp.Peers, 1)

	q, err := url.ParseQuery(gotQuery)
	require.NoError(t, err)
	require.Equal(t, "1", q.Get("compact"))
	require.Equal(t, "6881", q.Get("port"))
	require.Equal(t, "50", q.Get("numwant"))
	require.Equal(t, "started", q.Get("event"))
	require.Equal(t, "20", q.Get("downloaded"))
}

func TestRequestHookCanRewriteRequest(t *testing.T) {
	var sawHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sawHeader = req.Header.Get("X-Injected")
		w.Write([]byte("d8:intervali300ee"))
	}))
	defer server.Close()

	hook := func(req *http.Request) (*http.Request, error) {
		req.Header.Set("X-Injected", "yes")
		return req, nil
	}
	c := New(0, hook)
	_, err := c.Announce(context.Background(), server.URL, Torrent{Port: 1}, 0, EventNone)
	require.NoError(t, err)
	require.Equal(t, "yes", sawHeader)
}
