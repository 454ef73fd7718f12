package tracker

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ab0626/raincore/internal/bencode"
	"github.com/ab0626/raincore/internal/core"
	"github.com/ab0626/raincore/internal/logger"
)

// Event is one of the lifecycle events reported on an announce.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// RequestHook lets the identity layer rewrite the outgoing announce
// request (ip, peer_id, headers, or query encoding) before it is sent. The
// tracker client treats the hook's output as opaque and does not
// re-validate it.
type RequestHook func(req *http.Request) (*http.Request, error)

// Response is the parsed result of an announce.
type Response struct {
	Interval    int64
	MinInterval int64
	Peers       []Peer
	// FailureReason is set, and all other fields are zero, when the
	// tracker reported a `failure reason`.
	FailureReason string
}

// Client sends announces over HTTP/HTTPS to the tracker URL given on each
// Announce call.
type Client struct {
	HTTP *http.Client
	Hook RequestHook
	log  logger.Logger
}

// New returns a Client with the given per-request timeout.
func New(timeout time.Duration, hook RequestHook) *Client {
	return &Client{
		HTTP: &http.Client{Timeout: timeout},
		Hook: hook,
		log:  logger.New("tracker"),
	}
}

// Announce sends a single GET announce to announceURL and parses the
// bencoded response. Failure is signaled by a non-empty Response.FailureReason
// and must be surfaced by the caller without retry.
func (c *Client) Announce(ctx context.Context, announceURL string, t Torrent, numwant int, event Event) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, core.Wrap(core.TrackerFailure, err)
	}

	values := url.Values{
		"info_hash":  {string(t.InfoHash[:])},
		"peer_id":    {string(t.PeerID[:])},
		"port":       {strconv.Itoa(t.Port)},
		"uploaded":   {strconv.FormatInt(t.BytesUploaded, 10)},
		"downloaded": {strconv.FormatInt(t.BytesDownloaded, 10)},
		"left":       {strconv.FormatInt(t.BytesLeft, 10)},
		"compact":    {"1"},
	}
	if numwant > 0 {
		values.Set("numwant", strconv.Itoa(numwant))
	}
	if event != EventNone {
		values.Set("event", string(event))
	}
	u.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, core.Wrap(core.TrackerFailure, err)
	}
	if c.Hook != nil {
		req, err = c.Hook(req)
		if err != nil {
			return nil, core.Wrap(core.TrackerFailure, err)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, core.Wrap(core.TrackerFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Wrap(core.TrackerFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, core.Newf(core.TrackerFailure, "announce to %s: HTTP %d", announceURL, resp.StatusCode)
	}

	return parseResponse(body)
}

func parseResponse(body []byte) (*Response, error) {
	root, err := bencode.Decode(body)
	if err != nil {
		return nil, core.Wrap(core.TrackerFailure, err)
	}
	if root.Kind != bencode.Dict {
		return nil, core.Newf(core.TrackerFailure, "announce response is not a dictionary")
	}
	if reason := root.Get("failure reason"); reason != nil {
		return &Response{FailureReason: reason.Text()}, nil
	}

	r := &Response{}
	if iv := root.Get("interval"); iv != nil && iv.Kind == bencode.Integer {
		r.Interval = iv.Int
	}
	if mv := root.Get("min interval"); mv != nil && mv.Kind == bencode.Integer {
		r.MinInterval = mv.Int
	}

	peersVal := root.Get("peers")
	if peersVal == nil {
		return r, nil
	}
	switch peersVal.Kind {
	case bencode.String:
		peers, err := decodeCompactPeers(peersVal.Bytes())
		if err != nil {
			return nil, err
		}
		r.Peers = peers
	case bencode.List:
		for _, pv := range peersVal.List {
			ipVal := pv.Get("ip")
			portVal := pv.Get("port")
			if ipVal == nil || portVal == nil || portVal.Kind != bencode.Integer {
				continue
			}
			ip := parseIP(ipVal.Text())
			if ip == nil {
				continue
			}
			peer := Peer{IP: ip, Port: uint16(portVal.Int)}
			if idVal := pv.Get("peer id"); idVal != nil {
				peer.PeerID = idVal.Text()
			}
			r.Peers = append(r.Peers, peer)
		}
	default:
		return nil, core.Newf(core.TrackerFailure, "unexpected type for peers field")
	}

	return r, nil
}

// parseIP parses a dictionary-form peer's "ip" text field, which may be an
// IPv4 or IPv6 literal or (rarely) a DNS name; unresolvable names are
// dropped rather than failing the whole announce.
func parseIP(s string) net.IP {
	if ip := net.ParseIP(s); ip != nil {
		return ip
	}
	addrs, err := net.LookupIP(s)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	return addrs[0]
}
